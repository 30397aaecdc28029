package user

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/blajarplus/blajarplus-server/cmd/models"
	"github.com/blajarplus/blajarplus-server/cmd/utils"
	"github.com/gorilla/mux"
	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"
)

const (
	accessTokenTTL  = 15 * time.Minute
	refreshTokenTTL = 7 * 24 * time.Hour
)

type UserHandler struct {
	db *gorm.DB
}

func NewUserHandler(db *gorm.DB) *UserHandler {
	return &UserHandler{db: db}
}

func (h *UserHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/register", h.Register).Methods("POST")
	router.HandleFunc("/auth/verify-email", h.VerifyEmail).Methods("POST")
	router.HandleFunc("/auth/login", h.Login).Methods("POST")
	router.HandleFunc("/auth/refresh", h.RefreshToken).Methods("POST")
	router.HandleFunc("/auth/password-reset/request", h.RequestPasswordReset).Methods("POST")
	router.HandleFunc("/auth/password-reset/confirm", h.ConfirmPasswordReset).Methods("POST")
	router.HandleFunc("/users/me", utils.AuthMiddleware(h.GetProfile)).Methods("GET")
	router.HandleFunc("/users/me", utils.AuthMiddleware(h.UpdateProfile)).Methods("PUT")
	router.HandleFunc("/users/{id:[0-9]+}/suspend", utils.RequireRole(models.RoleAdmin, h.SuspendUser)).Methods("PUT")
	router.HandleFunc("/users/{id:[0-9]+}/activate", utils.RequireRole(models.RoleAdmin, h.ActivateUser)).Methods("PUT")
}

// Register creates a student or tutor account. Tutor registrations create an
// unverified profile in the same transaction, so a tutor is never visible
// without its profile row.
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var registerRequest struct {
		FullName        string   `json:"full_name"`
		Email           string   `json:"email"`
		Password        string   `json:"password"`
		Phone           string   `json:"phone"`
		Role            string   `json:"role"`
		Headline        string   `json:"headline"`
		Bio             string   `json:"bio"`
		Subjects        []string `json:"subjects"`
		HourlyRate      int64    `json:"hourly_rate"`
		TeachingMethods []string `json:"teaching_methods"`
	}
	if err := json.NewDecoder(r.Body).Decode(&registerRequest); err != nil {
		utils.WriteError(w, utils.Validation("Invalid request body"))
		return
	}

	registerRequest.Email = strings.ToLower(strings.TrimSpace(registerRequest.Email))
	if registerRequest.FullName == "" || registerRequest.Email == "" || registerRequest.Password == "" {
		utils.WriteError(w, utils.Validation("full_name, email and password are required"))
		return
	}
	if len(registerRequest.Password) < 8 {
		utils.WriteError(w, utils.Validation("Password must be at least 8 characters"))
		return
	}
	if registerRequest.Role != models.RoleStudent && registerRequest.Role != models.RoleTutor {
		utils.WriteError(w, utils.Validation("Role must be student or tutor"))
		return
	}
	if registerRequest.Role == models.RoleTutor && registerRequest.HourlyRate <= 0 {
		utils.WriteError(w, utils.Validation("Tutors must set a positive hourly rate"))
		return
	}

	var existing models.User
	if err := h.db.Where("email = ?", registerRequest.Email).First(&existing).Error; err == nil {
		utils.WriteError(w, utils.Conflict("Email already registered"))
		return
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		utils.WriteError(w, err)
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(registerRequest.Password), bcrypt.DefaultCost)
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	verificationCode := generateVerificationCode()
	user := models.User{
		FullName:              registerRequest.FullName,
		Email:                 registerRequest.Email,
		PasswordHash:          string(hashed),
		Role:                  registerRequest.Role,
		Phone:                 registerRequest.Phone,
		Status:                models.UserStatusActive,
		EmailVerificationCode: verificationCode,
		VerificationExpiry:    time.Now().Add(24 * time.Hour),
	}

	tx := h.db.Begin()
	if err := tx.Create(&user).Error; err != nil {
		tx.Rollback()
		utils.WriteError(w, err)
		return
	}
	if registerRequest.Role == models.RoleTutor {
		profile := models.TutorProfile{
			UserID:          user.ID,
			Headline:        registerRequest.Headline,
			Bio:             registerRequest.Bio,
			Subjects:        pq.StringArray(registerRequest.Subjects),
			HourlyRate:      registerRequest.HourlyRate,
			TeachingMethods: pq.StringArray(registerRequest.TeachingMethods),
		}
		if err := tx.Create(&profile).Error; err != nil {
			tx.Rollback()
			utils.WriteError(w, err)
			return
		}
	}
	if err := tx.Commit().Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	go sendVerificationEmail(user.Email, user.FullName, verificationCode)

	utils.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Registration successful, check your email for the verification code",
		"user":    user,
	})
}

func (h *UserHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var verifyRequest struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&verifyRequest); err != nil {
		utils.WriteError(w, utils.Validation("Invalid request body"))
		return
	}

	var user models.User
	if err := h.db.Where("email = ?", strings.ToLower(verifyRequest.Email)).First(&user).Error; err != nil {
		utils.WriteError(w, utils.NotFound("User not found"))
		return
	}
	if user.EmailVerified {
		utils.WriteJSON(w, http.StatusOK, map[string]string{"message": "Email already verified"})
		return
	}
	if user.EmailVerificationCode != verifyRequest.Code || time.Now().After(user.VerificationExpiry) {
		utils.WriteError(w, utils.Validation("Invalid or expired verification code"))
		return
	}

	if err := h.db.Model(&user).Updates(map[string]interface{}{
		"email_verified":          true,
		"email_verification_code": "",
	}).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]string{"message": "Email verified"})
}

func (h *UserHandler) Login(w http.ResponseWriter, r *http.Request) {
	var loginRequest struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&loginRequest); err != nil {
		utils.WriteError(w, utils.Validation("Invalid request body"))
		return
	}

	var user models.User
	if err := h.db.Where("email = ?", strings.ToLower(strings.TrimSpace(loginRequest.Email))).First(&user).Error; err != nil {
		utils.WriteError(w, utils.Authentication("Invalid email or password"))
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(loginRequest.Password)); err != nil {
		utils.WriteError(w, utils.Authentication("Invalid email or password"))
		return
	}
	if user.Status == models.UserStatusSuspended {
		utils.WriteError(w, utils.Forbidden("Account suspended"))
		return
	}

	accessToken, err := utils.GenerateJWT(user.ID, user.Role, accessTokenTTL)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	refreshToken := generateOpaqueToken()
	if err := h.db.Model(&user).Updates(map[string]interface{}{
		"refresh_token":            refreshToken,
		"refresh_token_expired_at": time.Now().Add(refreshTokenTTL),
	}).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"user":          user,
	})
}

func (h *UserHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var refreshRequest struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&refreshRequest); err != nil || refreshRequest.RefreshToken == "" {
		utils.WriteError(w, utils.Validation("refresh_token is required"))
		return
	}

	var user models.User
	if err := h.db.Where("refresh_token = ?", refreshRequest.RefreshToken).First(&user).Error; err != nil {
		utils.WriteError(w, utils.Authentication("Invalid refresh token"))
		return
	}
	if time.Now().After(user.RefreshTokenExpiredAt) {
		utils.WriteError(w, utils.Authentication("Refresh token expired"))
		return
	}
	if user.Status == models.UserStatusSuspended {
		utils.WriteError(w, utils.Forbidden("Account suspended"))
		return
	}

	accessToken, err := utils.GenerateJWT(user.ID, user.Role, accessTokenTTL)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	// Rotate the refresh token on every use.
	refreshToken := generateOpaqueToken()
	if err := h.db.Model(&user).Updates(map[string]interface{}{
		"refresh_token":            refreshToken,
		"refresh_token_expired_at": time.Now().Add(refreshTokenTTL),
	}).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
	})
}

// RequestPasswordReset always answers 200 so the endpoint does not reveal
// which emails exist.
func (h *UserHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var resetRequest struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&resetRequest); err != nil {
		utils.WriteError(w, utils.Validation("Invalid request body"))
		return
	}

	var user models.User
	if err := h.db.Where("email = ?", strings.ToLower(resetRequest.Email)).First(&user).Error; err == nil {
		token := generateOpaqueToken()
		reset := models.PasswordResetToken{
			UserID:    user.ID,
			Token:     token,
			ExpiresAt: time.Now().Add(1 * time.Hour),
		}
		if err := h.db.Create(&reset).Error; err != nil {
			log.Printf("Failed to store password reset token for user %d: %v", user.ID, err)
		} else {
			go sendPasswordResetEmail(user.Email, user.FullName, token)
		}
	}

	utils.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "If the email exists, a reset link has been sent",
	})
}

func (h *UserHandler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var confirmRequest struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&confirmRequest); err != nil {
		utils.WriteError(w, utils.Validation("Invalid request body"))
		return
	}
	if len(confirmRequest.Password) < 8 {
		utils.WriteError(w, utils.Validation("Password must be at least 8 characters"))
		return
	}

	var reset models.PasswordResetToken
	if err := h.db.Where("token = ?", confirmRequest.Token).First(&reset).Error; err != nil {
		utils.WriteError(w, utils.Validation("Invalid or expired reset token"))
		return
	}
	if time.Now().After(reset.ExpiresAt) {
		utils.WriteError(w, utils.Validation("Invalid or expired reset token"))
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(confirmRequest.Password), bcrypt.DefaultCost)
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	tx := h.db.Begin()
	if err := tx.Model(&models.User{}).Where("id = ?", reset.UserID).Updates(map[string]interface{}{
		"password_hash": string(hashed),
		"refresh_token": "",
	}).Error; err != nil {
		tx.Rollback()
		utils.WriteError(w, err)
		return
	}
	if err := tx.Where("user_id = ?", reset.UserID).Delete(&models.PasswordResetToken{}).Error; err != nil {
		tx.Rollback()
		utils.WriteError(w, err)
		return
	}
	if err := tx.Commit().Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]string{"message": "Password updated"})
}

func (h *UserHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteError(w, utils.Authentication("Unauthorized"))
		return
	}

	var user models.User
	if err := h.db.Preload("TutorProfile").First(&user, userID).Error; err != nil {
		utils.WriteError(w, utils.NotFound("User not found"))
		return
	}

	utils.WriteJSON(w, http.StatusOK, user)
}

func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteError(w, utils.Authentication("Unauthorized"))
		return
	}

	var updateRequest struct {
		FullName  *string `json:"full_name"`
		Phone     *string `json:"phone"`
		AvatarURL *string `json:"avatar_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&updateRequest); err != nil {
		utils.WriteError(w, utils.Validation("Invalid request body"))
		return
	}

	updates := map[string]interface{}{}
	if updateRequest.FullName != nil {
		if *updateRequest.FullName == "" {
			utils.WriteError(w, utils.Validation("full_name cannot be empty"))
			return
		}
		updates["full_name"] = *updateRequest.FullName
	}
	if updateRequest.Phone != nil {
		updates["phone"] = *updateRequest.Phone
	}
	if updateRequest.AvatarURL != nil {
		updates["avatar_url"] = *updateRequest.AvatarURL
	}

	var user models.User
	if err := h.db.First(&user, userID).Error; err != nil {
		utils.WriteError(w, utils.NotFound("User not found"))
		return
	}
	if len(updates) > 0 {
		if err := h.db.Model(&user).Updates(updates).Error; err != nil {
			utils.WriteError(w, err)
			return
		}
	}

	utils.WriteJSON(w, http.StatusOK, user)
}

func (h *UserHandler) SuspendUser(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, models.UserStatusSuspended, "User suspended")
}

func (h *UserHandler) ActivateUser(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, models.UserStatusActive, "User activated")
}

func (h *UserHandler) setStatus(w http.ResponseWriter, r *http.Request, status, message string) {
	vars := mux.Vars(r)
	userID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.WriteError(w, utils.Validation("Invalid user ID"))
		return
	}

	var user models.User
	if err := h.db.First(&user, userID).Error; err != nil {
		utils.WriteError(w, utils.NotFound("User not found"))
		return
	}
	if user.Role == models.RoleAdmin {
		utils.WriteError(w, utils.Forbidden("Cannot change an admin account's status"))
		return
	}

	if err := h.db.Model(&user).Update("status", status).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{"message": message, "user": user})
}

func generateVerificationCode() string {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "000000"
	}
	n := (int(buf[0])<<16 | int(buf[1])<<8 | int(buf[2])) % 1000000
	return fmt.Sprintf("%06d", n)
}

func generateOpaqueToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}

func sendVerificationEmail(email, name, code string) {
	body := fmt.Sprintf("Hi %s,\n\nYour BlajarPlus verification code is %s. It expires in 24 hours.", name, code)
	sendEmail(email, "Verify your BlajarPlus account", body)
}

func sendPasswordResetEmail(email, name, token string) {
	body := fmt.Sprintf("Hi %s,\n\nUse this token to reset your BlajarPlus password: %s\n\nIt expires in one hour.", name, token)
	sendEmail(email, "Reset your BlajarPlus password", body)
}

func sendEmail(to, subject, body string) {
	host := os.Getenv("SMTP_HOST")
	if host == "" {
		return
	}
	port, err := strconv.Atoi(os.Getenv("SMTP_PORT"))
	if err != nil {
		port = 587
	}

	m := gomail.NewMessage()
	m.SetHeader("From", os.Getenv("SMTP_FROM"))
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	dialer := gomail.NewDialer(host, port, os.Getenv("SMTP_USER"), os.Getenv("SMTP_PASSWORD"))
	if err := dialer.DialAndSend(m); err != nil {
		log.Printf("Failed to send email to %s: %v", to, err)
	}
}
