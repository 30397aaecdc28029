package utils

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type contextKey string

const (
	UserIDKey   contextKey = "userID"
	UserRoleKey contextKey = "userRole"
)

type AccessClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func GetUserIDFromContext(r *http.Request) (uint, error) {
	userID, ok := r.Context().Value(UserIDKey).(uint)
	if !ok {
		return 0, errors.New("user ID not found in context")
	}
	return userID, nil
}

func GetUserRoleFromContext(r *http.Request) (string, error) {
	role, ok := r.Context().Value(UserRoleKey).(string)
	if !ok {
		return "", errors.New("user role not found in context")
	}
	return role, nil
}

// GenerateJWT issues an access token carrying the user id as subject and the
// role as a custom claim.
func GenerateJWT(userID uint, role string, ttl time.Duration) (string, error) {
	claims := AccessClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(os.Getenv("SECRET_KEY")))
}

// AuthMiddleware validates the bearer token and stores the caller's id and
// role in the request context. Websocket clients may pass the token as a
// `token` query parameter since browsers cannot set headers on upgrade
// requests.
func AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			tokenString = strings.Replace(authHeader, "Bearer ", "", 1)
		} else if queryToken := r.URL.Query().Get("token"); queryToken != "" {
			tokenString = queryToken
		}
		if tokenString == "" {
			WriteError(w, Authentication("Authorization required"))
			return
		}

		claims := &AccessClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			return []byte(os.Getenv("SECRET_KEY")), nil
		})
		if err != nil || !token.Valid {
			WriteError(w, Authentication("Invalid token"))
			return
		}

		userID, err := strconv.ParseUint(claims.Subject, 10, 64)
		if err != nil {
			WriteError(w, Authentication("Invalid user ID in token"))
			return
		}

		ctx := context.WithValue(r.Context(), UserIDKey, uint(userID))
		ctx = context.WithValue(ctx, UserRoleKey, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// RequireRole wraps AuthMiddleware and additionally rejects callers whose
// role claim does not match.
func RequireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return AuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
		callerRole, err := GetUserRoleFromContext(r)
		if err != nil || callerRole != role {
			WriteError(w, Forbidden("Insufficient role"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
