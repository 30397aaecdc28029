package dashboard

import (
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
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestGetStats(t *testing.T) {
	os.Setenv("SECRET_KEY", "test-secret")

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.TutorProfile{}, &models.Booking{}, &models.Payment{}, &models.Membership{},
	))

	student := models.User{FullName: "Sari", Email: "sari@example.com", PasswordHash: "x", Role: models.RoleStudent, Status: models.UserStatusActive}
	tutor := models.User{FullName: "Tono", Email: "tono@example.com", PasswordHash: "x", Role: models.RoleTutor, Status: models.UserStatusActive}
	require.NoError(t, db.Create(&student).Error)
	require.NoError(t, db.Create(&tutor).Error)
	profile := models.TutorProfile{UserID: tutor.ID, HourlyRate: 100000, Verified: true}
	require.NoError(t, db.Create(&profile).Error)

	start := time.Now().Add(24 * time.Hour)
	confirmed := models.Booking{StudentID: student.ID, TutorProfileID: profile.ID, Subject: "math",
		ScheduledAt: start, EndsAt: start.Add(time.Hour), DurationHours: 1,
		Status: models.BookingStatusConfirmed, TeachingMethod: models.TeachingMethodOnline, Amount: 100000}
	cancelled := models.Booking{StudentID: student.ID, TutorProfileID: profile.ID, Subject: "math",
		ScheduledAt: start, EndsAt: start.Add(time.Hour), DurationHours: 1,
		Status: models.BookingStatusCancelled, TeachingMethod: models.TeachingMethodOnline, Amount: 100000}
	require.NoError(t, db.Create(&confirmed).Error)
	require.NoError(t, db.Create(&cancelled).Error)

	now := time.Now()
	payment := models.Payment{BookingID: confirmed.ID, OrderID: "BLJ-stats", Amount: 100000,
		Method: "qris", Status: models.PaymentStatusSuccess, PaidAt: &now}
	require.NoError(t, db.Create(&payment).Error)

	handler := NewDashboardHandler(db)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	admin := models.User{FullName: "Ada", Email: "ada@example.com", PasswordHash: "x", Role: models.RoleAdmin, Status: models.UserStatusActive}
	require.NoError(t, db.Create(&admin).Error)
	token, err := utils.GenerateJWT(admin.ID, admin.Role, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/admin/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var response struct {
		Users            map[string]int64 `json:"users"`
		BookingsByStatus []statusCount    `json:"bookings_by_status"`
		Revenue          map[string]int64 `json:"revenue"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, int64(1), response.Users["students"])
	assert.Equal(t, int64(1), response.Users["tutors"])
	assert.Equal(t, int64(1), response.Users["verified_tutors"])
	assert.Equal(t, int64(100000), response.Revenue["total"])
	assert.Len(t, response.BookingsByStatus, 2)

	t.Run("tutor forbidden", func(t *testing.T) {
		tutorToken, err := utils.GenerateJWT(tutor.ID, tutor.Role, time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest("GET", "/admin/dashboard", nil)
		req.Header.Set("Authorization", "Bearer "+tutorToken)
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, req)
		assert.Equal(t, http.StatusForbidden, recorder.Code)
	})
}
