package user

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/blajarplus/blajarplus-server/cmd/models"
	"github.com/blajarplus/blajarplus-server/cmd/utils"
	"github.com/glebarez/sqlite"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTest(t *testing.T) (*gorm.DB, *mux.Router) {
	t.Helper()
	os.Setenv("SECRET_KEY", "test-secret")
	os.Unsetenv("SMTP_HOST")

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.TutorProfile{}, &models.PasswordResetToken{}))

	handler := NewUserHandler(db)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	return db, router
}

func post(t *testing.T, router *mux.Router, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest("POST", path, bytes.NewBuffer(raw))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestRegister(t *testing.T) {
	db, router := setupTest(t)

	recorder := post(t, router, "/auth/register", map[string]interface{}{
		"full_name": "Sari Student",
		"email":     "Sari@Example.com",
		"password":  "rahasia123",
		"role":      "student",
	})
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())

	var user models.User
	require.NoError(t, db.Where("email = ?", "sari@example.com").First(&user).Error)
	assert.Equal(t, models.RoleStudent, user.Role)
	assert.False(t, user.EmailVerified)
	assert.Len(t, user.EmailVerificationCode, 6)
	assert.NotEqual(t, "rahasia123", user.PasswordHash)

	t.Run("duplicate email conflicts", func(t *testing.T) {
		recorder := post(t, router, "/auth/register", map[string]interface{}{
			"full_name": "Sari Clone",
			"email":     "sari@example.com",
			"password":  "rahasia123",
			"role":      "student",
		})
		assert.Equal(t, http.StatusConflict, recorder.Code)
	})

	t.Run("short password rejected", func(t *testing.T) {
		recorder := post(t, router, "/auth/register", map[string]interface{}{
			"full_name": "Pendek",
			"email":     "pendek@example.com",
			"password":  "abc",
			"role":      "student",
		})
		assert.Equal(t, http.StatusBadRequest, recorder.Code)
	})

	t.Run("admin role rejected", func(t *testing.T) {
		recorder := post(t, router, "/auth/register", map[string]interface{}{
			"full_name": "Sneaky",
			"email":     "sneaky@example.com",
			"password":  "rahasia123",
			"role":      "admin",
		})
		assert.Equal(t, http.StatusBadRequest, recorder.Code)
	})
}

func TestRegisterTutorCreatesProfile(t *testing.T) {
	db, router := setupTest(t)

	recorder := post(t, router, "/auth/register", map[string]interface{}{
		"full_name":        "Tono Tutor",
		"email":            "tono@example.com",
		"password":         "rahasia123",
		"role":             "tutor",
		"headline":         "Fisika SMA",
		"hourly_rate":      150000,
		"subjects":         []string{"fisika", "matematika"},
		"teaching_methods": []string{"online"},
	})
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())

	var user models.User
	require.NoError(t, db.Where("email = ?", "tono@example.com").First(&user).Error)

	var profile models.TutorProfile
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&profile).Error)
	assert.Equal(t, int64(150000), profile.HourlyRate)
	assert.False(t, profile.Verified)

	t.Run("tutor without rate rejected", func(t *testing.T) {
		recorder := post(t, router, "/auth/register", map[string]interface{}{
			"full_name": "Gratis",
			"email":     "gratis@example.com",
			"password":  "rahasia123",
			"role":      "tutor",
		})
		assert.Equal(t, http.StatusBadRequest, recorder.Code)
	})
}

func TestVerifyEmail(t *testing.T) {
	db, router := setupTest(t)

	require.Equal(t, http.StatusCreated, post(t, router, "/auth/register", map[string]interface{}{
		"full_name": "Sari", "email": "sari@example.com", "password": "rahasia123", "role": "student",
	}).Code)

	var user models.User
	require.NoError(t, db.Where("email = ?", "sari@example.com").First(&user).Error)

	t.Run("wrong code rejected", func(t *testing.T) {
		recorder := post(t, router, "/auth/verify-email", map[string]string{
			"email": "sari@example.com", "code": "999999x",
		})
		assert.Equal(t, http.StatusBadRequest, recorder.Code)
	})

	t.Run("correct code verifies", func(t *testing.T) {
		recorder := post(t, router, "/auth/verify-email", map[string]string{
			"email": "sari@example.com", "code": user.EmailVerificationCode,
		})
		require.Equal(t, http.StatusOK, recorder.Code)

		var current models.User
		require.NoError(t, db.First(&current, user.ID).Error)
		assert.True(t, current.EmailVerified)
	})
}

func TestLogin(t *testing.T) {
	db, router := setupTest(t)

	hashed, err := bcrypt.GenerateFromPassword([]byte("rahasia123"), bcrypt.MinCost)
	require.NoError(t, err)
	user := models.User{FullName: "Sari", Email: "sari@example.com", PasswordHash: string(hashed),
		Role: models.RoleStudent, Status: models.UserStatusActive}
	require.NoError(t, db.Create(&user).Error)

	t.Run("valid credentials", func(t *testing.T) {
		recorder := post(t, router, "/auth/login", map[string]string{
			"email": "sari@example.com", "password": "rahasia123",
		})
		require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

		var response struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
		}
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
		assert.NotEmpty(t, response.AccessToken)
		assert.NotEmpty(t, response.RefreshToken)
	})

	t.Run("wrong password", func(t *testing.T) {
		recorder := post(t, router, "/auth/login", map[string]string{
			"email": "sari@example.com", "password": "salah",
		})
		assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	})

	t.Run("suspended account", func(t *testing.T) {
		require.NoError(t, db.Model(&user).Update("status", models.UserStatusSuspended).Error)
		recorder := post(t, router, "/auth/login", map[string]string{
			"email": "sari@example.com", "password": "rahasia123",
		})
		assert.Equal(t, http.StatusForbidden, recorder.Code)
	})
}

func TestRefreshTokenRotation(t *testing.T) {
	db, router := setupTest(t)

	hashed, err := bcrypt.GenerateFromPassword([]byte("rahasia123"), bcrypt.MinCost)
	require.NoError(t, err)
	user := models.User{FullName: "Sari", Email: "sari@example.com", PasswordHash: string(hashed),
		Role: models.RoleStudent, Status: models.UserStatusActive}
	require.NoError(t, db.Create(&user).Error)

	login := post(t, router, "/auth/login", map[string]string{
		"email": "sari@example.com", "password": "rahasia123",
	})
	require.Equal(t, http.StatusOK, login.Code)

	var loginResponse struct {
		RefreshToken string `json:"refresh_token"`
	}
	require.NoError(t, json.Unmarshal(login.Body.Bytes(), &loginResponse))

	refresh := post(t, router, "/auth/refresh", map[string]string{"refresh_token": loginResponse.RefreshToken})
	require.Equal(t, http.StatusOK, refresh.Code, refresh.Body.String())

	var refreshResponse struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	require.NoError(t, json.Unmarshal(refresh.Body.Bytes(), &refreshResponse))
	assert.NotEmpty(t, refreshResponse.AccessToken)
	assert.NotEqual(t, loginResponse.RefreshToken, refreshResponse.RefreshToken)

	// The consumed token no longer works.
	replay := post(t, router, "/auth/refresh", map[string]string{"refresh_token": loginResponse.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, replay.Code)
}

func TestPasswordReset(t *testing.T) {
	db, router := setupTest(t)

	hashed, err := bcrypt.GenerateFromPassword([]byte("lama12345"), bcrypt.MinCost)
	require.NoError(t, err)
	user := models.User{FullName: "Sari", Email: "sari@example.com", PasswordHash: string(hashed),
		Role: models.RoleStudent, Status: models.UserStatusActive}
	require.NoError(t, db.Create(&user).Error)

	t.Run("unknown email still answers 200", func(t *testing.T) {
		recorder := post(t, router, "/auth/password-reset/request", map[string]string{"email": "ghost@example.com"})
		assert.Equal(t, http.StatusOK, recorder.Code)
	})

	recorder := post(t, router, "/auth/password-reset/request", map[string]string{"email": "sari@example.com"})
	require.Equal(t, http.StatusOK, recorder.Code)

	var reset models.PasswordResetToken
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&reset).Error)

	confirm := post(t, router, "/auth/password-reset/confirm", map[string]string{
		"token": reset.Token, "password": "baru12345",
	})
	require.Equal(t, http.StatusOK, confirm.Code, confirm.Body.String())

	login := post(t, router, "/auth/login", map[string]string{
		"email": "sari@example.com", "password": "baru12345",
	})
	assert.Equal(t, http.StatusOK, login.Code)

	// The token is single use.
	replay := post(t, router, "/auth/password-reset/confirm", map[string]string{
		"token": reset.Token, "password": "lagi12345",
	})
	assert.Equal(t, http.StatusBadRequest, replay.Code)
}

func TestSuspendUser(t *testing.T) {
	db, router := setupTest(t)

	admin := models.User{FullName: "Ada Admin", Email: "ada@example.com", PasswordHash: "x",
		Role: models.RoleAdmin, Status: models.UserStatusActive}
	target := models.User{FullName: "Sari", Email: "sari@example.com", PasswordHash: "x",
		Role: models.RoleStudent, Status: models.UserStatusActive}
	require.NoError(t, db.Create(&admin).Error)
	require.NoError(t, db.Create(&target).Error)

	adminToken, err := utils.GenerateJWT(admin.ID, admin.Role, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest("PUT", fmt.Sprintf("/users/%d/suspend", target.ID), nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var current models.User
	require.NoError(t, db.First(&current, target.ID).Error)
	assert.Equal(t, models.UserStatusSuspended, current.Status)

	t.Run("student cannot suspend", func(t *testing.T) {
		studentToken, err := utils.GenerateJWT(target.ID, target.Role, time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest("PUT", fmt.Sprintf("/users/%d/suspend", admin.ID), nil)
		req.Header.Set("Authorization", "Bearer "+studentToken)
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, req)
		assert.Equal(t, http.StatusForbidden, recorder.Code)
	})

	t.Run("admin account protected", func(t *testing.T) {
		req := httptest.NewRequest("PUT", fmt.Sprintf("/users/%d/suspend", admin.ID), nil)
		req.Header.Set("Authorization", "Bearer "+adminToken)
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, req)
		assert.Equal(t, http.StatusForbidden, recorder.Code)
	})
}
