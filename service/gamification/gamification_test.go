package gamification

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

func setupTest(t *testing.T) (*gorm.DB, *mux.Router) {
	t.Helper()
	os.Setenv("SECRET_KEY", "test-secret")

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.ProgressEvent{}))

	handler := NewGamificationHandler(db)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	return db, router
}

func get(t *testing.T, router *mux.Router, userID uint, role, path string) *httptest.ResponseRecorder {
	t.Helper()
	token, err := utils.GenerateJWT(userID, role, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest("GET", path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestGetProgress(t *testing.T) {
	db, router := setupTest(t)

	events := []models.ProgressEvent{
		{UserID: 1, Kind: models.ProgressKindBookingCompleted, Points: models.PointsBookingCompleted, BookingID: 1},
		{UserID: 1, Kind: models.ProgressKindBookingCompleted, Points: models.PointsBookingCompleted, BookingID: 2},
		{UserID: 1, Kind: models.ProgressKindReviewWritten, Points: models.PointsReviewWritten, BookingID: 1},
		{UserID: 2, Kind: models.ProgressKindBookingCompleted, Points: models.PointsBookingCompleted, BookingID: 3},
	}
	for i := range events {
		require.NoError(t, db.Create(&events[i]).Error)
	}

	recorder := get(t, router, 1, models.RoleStudent, "/gamification/users/1")
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var response struct {
		TotalPoints int64                  `json:"total_points"`
		Level       int64                  `json:"level"`
		Events      []models.ProgressEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, int64(110), response.TotalPoints)
	assert.Equal(t, int64(1), response.Level)
	assert.Len(t, response.Events, 3)

	t.Run("other user forbidden", func(t *testing.T) {
		recorder := get(t, router, 2, models.RoleStudent, "/gamification/users/1")
		assert.Equal(t, http.StatusForbidden, recorder.Code)
	})

	t.Run("admin may view anyone", func(t *testing.T) {
		recorder := get(t, router, 99, models.RoleAdmin, "/gamification/users/1")
		assert.Equal(t, http.StatusOK, recorder.Code)
	})

	t.Run("empty history is level zero", func(t *testing.T) {
		recorder := get(t, router, 5, models.RoleStudent, "/gamification/users/5")
		require.Equal(t, http.StatusOK, recorder.Code)
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
		assert.Equal(t, int64(0), response.TotalPoints)
		assert.Equal(t, int64(0), response.Level)
	})
}
