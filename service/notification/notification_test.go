package notification

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
	"github.com/blajarplus/blajarplus-server/service/ws"
	"github.com/glebarez/sqlite"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTest(t *testing.T) (*gorm.DB, *Dispatcher, *mux.Router) {
	t.Helper()
	os.Setenv("SECRET_KEY", "test-secret")

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Notification{}, &models.Device{}))

	dispatcher := NewDispatcher(db, ws.NewHub())
	handler := NewHandler(db)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	return db, dispatcher, router
}

func authedRequest(t *testing.T, userID uint, method, path string) *http.Request {
	t.Helper()
	token, err := utils.GenerateJWT(userID, models.RoleStudent, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// A notification must survive even when the user has no live connection at
// dispatch time.
func TestNotifyPersistsWithoutConnections(t *testing.T) {
	db, dispatcher, _ := setupTest(t)

	payload := models.BookingPayload{BookingID: 7, Status: models.BookingStatusConfirmed, ScheduledAt: time.Now()}
	dispatcher.Notify(42, models.NotificationBookingConfirmed, "Booking confirmed", "Your session is confirmed", payload)

	var row models.Notification
	require.NoError(t, db.Where("user_id = ?", 42).First(&row).Error)
	assert.Equal(t, models.NotificationBookingConfirmed, row.Type)
	assert.Equal(t, "Booking confirmed", row.Title)
	assert.False(t, row.IsRead)

	var decoded models.BookingPayload
	require.NoError(t, json.Unmarshal([]byte(row.Payload), &decoded))
	assert.Equal(t, uint(7), decoded.BookingID)
}

func TestGetNotifications(t *testing.T) {
	db, dispatcher, router := setupTest(t)

	dispatcher.Notify(1, models.NotificationBookingConfirmed, "one", "first", nil)
	dispatcher.Notify(1, models.NotificationMessageNew, "two", "second", nil)
	dispatcher.Notify(2, models.NotificationBookingConfirmed, "other user", "hidden", nil)

	now := time.Now()
	db.Model(&models.Notification{}).Where("user_id = ? AND title = ?", 1, "one").
		Updates(map[string]interface{}{"is_read": true, "read_at": &now})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, authedRequest(t, 1, "GET", "/notifications"))
	require.Equal(t, http.StatusOK, recorder.Code)

	var response struct {
		Notifications []models.Notification `json:"notifications"`
		UnreadCount   int64                 `json:"unread_count"`
		Total         int64                 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, int64(2), response.Total)
	assert.Equal(t, int64(1), response.UnreadCount)

	t.Run("unread filter", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, authedRequest(t, 1, "GET", "/notifications?unread=true"))
		require.Equal(t, http.StatusOK, recorder.Code)

		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
		assert.Equal(t, int64(1), response.Total)
		require.Len(t, response.Notifications, 1)
		assert.Equal(t, "two", response.Notifications[0].Title)
	})
}

func TestMarkReadOwnerOnly(t *testing.T) {
	db, dispatcher, router := setupTest(t)
	dispatcher.Notify(1, models.NotificationBookingConfirmed, "mine", "msg", nil)

	var row models.Notification
	require.NoError(t, db.Where("user_id = ?", 1).First(&row).Error)

	t.Run("other user forbidden", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, authedRequest(t, 2, "PUT", fmt.Sprintf("/notifications/%d/read", row.ID)))
		assert.Equal(t, http.StatusForbidden, recorder.Code)
	})

	t.Run("owner marks read", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, authedRequest(t, 1, "PUT", fmt.Sprintf("/notifications/%d/read", row.ID)))
		require.Equal(t, http.StatusOK, recorder.Code)

		var current models.Notification
		require.NoError(t, db.First(&current, row.ID).Error)
		assert.True(t, current.IsRead)
		assert.NotNil(t, current.ReadAt)
	})
}

func TestMarkAllReadIdempotent(t *testing.T) {
	_, dispatcher, router := setupTest(t)
	dispatcher.Notify(1, models.NotificationBookingConfirmed, "a", "msg", nil)
	dispatcher.Notify(1, models.NotificationMessageNew, "b", "msg", nil)

	var response struct {
		Updated int64 `json:"updated"`
	}

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, authedRequest(t, 1, "PUT", "/notifications/mark-all-read"))
	require.Equal(t, http.StatusOK, recorder.Code)
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, int64(2), response.Updated)

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, authedRequest(t, 1, "PUT", "/notifications/mark-all-read"))
	require.Equal(t, http.StatusOK, recorder.Code)
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, int64(0), response.Updated)
}

func TestRegisterDeviceValidatesToken(t *testing.T) {
	db, _, router := setupTest(t)

	send := func(deviceToken string) *httptest.ResponseRecorder {
		body := fmt.Sprintf(`{"token": %q, "device_type": "ios"}`, deviceToken)
		jwtToken, err := utils.GenerateJWT(1, models.RoleStudent, time.Hour)
		require.NoError(t, err)
		req := httptest.NewRequest("POST", "/devices", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+jwtToken)
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, req)
		return recorder
	}

	assert.Equal(t, http.StatusBadRequest, send("not-an-expo-token").Code)

	valid := "ExponentPushToken[AAAAAAAAAAAAAAAAAAAAAA]"
	require.Equal(t, http.StatusOK, send(valid).Code)

	// Re-registering the same token updates in place instead of duplicating.
	require.Equal(t, http.StatusOK, send(valid).Code)
	var count int64
	db.Model(&models.Device{}).Where("user_id = ?", 1).Count(&count)
	assert.Equal(t, int64(1), count)
}
