package chat

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
	"github.com/blajarplus/blajarplus-server/service/notification"
	"github.com/blajarplus/blajarplus-server/service/ws"
	"github.com/glebarez/sqlite"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fixture struct {
	db      *gorm.DB
	router  *mux.Router
	student models.User
	tutor   models.User
	outside models.User
}

func setupTest(t *testing.T) *fixture {
	t.Helper()
	os.Setenv("SECRET_KEY", "test-secret")

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.Conversation{}, &models.Message{},
		&models.Notification{}, &models.Device{},
	))

	f := &fixture{db: db}
	f.student = models.User{FullName: "Sari Student", Email: "sari@example.com", PasswordHash: "x", Role: models.RoleStudent, Status: models.UserStatusActive}
	f.tutor = models.User{FullName: "Tono Tutor", Email: "tono@example.com", PasswordHash: "x", Role: models.RoleTutor, Status: models.UserStatusActive}
	f.outside = models.User{FullName: "Budi Bystander", Email: "budi@example.com", PasswordHash: "x", Role: models.RoleStudent, Status: models.UserStatusActive}
	require.NoError(t, db.Create(&f.student).Error)
	require.NoError(t, db.Create(&f.tutor).Error)
	require.NoError(t, db.Create(&f.outside).Error)

	dispatcher := notification.NewDispatcher(db, ws.NewHub())
	handler := NewChatHandler(db, dispatcher)
	f.router = mux.NewRouter()
	handler.RegisterRoutes(f.router)
	return f
}

func (f *fixture) do(t *testing.T, user models.User, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	token, err := utils.GenerateJWT(user.ID, user.Role, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	return recorder
}

func TestCreateConversationIdempotent(t *testing.T) {
	f := setupTest(t)

	first := f.do(t, f.student, "POST", "/chat/conversations", map[string]uint{"tutor_id": f.tutor.ID})
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	var created models.Conversation
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &created))

	second := f.do(t, f.student, "POST", "/chat/conversations", map[string]uint{"tutor_id": f.tutor.ID})
	require.Equal(t, http.StatusOK, second.Code)

	var reused models.Conversation
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &reused))
	assert.Equal(t, created.ID, reused.ID)

	var count int64
	f.db.Model(&models.Conversation{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestSendMessageAndReadReceipts(t *testing.T) {
	f := setupTest(t)

	conversation := models.Conversation{StudentID: f.student.ID, TutorID: f.tutor.ID, LastMessageAt: time.Now().Add(-time.Hour)}
	require.NoError(t, f.db.Create(&conversation).Error)

	recorder := f.do(t, f.student, "POST", "/chat/messages", map[string]interface{}{
		"conversation_id": conversation.ID,
		"content":         "Halo, bisa bantu PR matematika?",
	})
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())

	// Sending bumps the conversation's ordering key.
	var current models.Conversation
	require.NoError(t, f.db.First(&current, conversation.ID).Error)
	assert.True(t, current.LastMessageAt.After(conversation.LastMessageAt))

	// The recipient gets a durable message_new notification.
	var noteCount int64
	f.db.Model(&models.Notification{}).
		Where("user_id = ? AND type = ?", f.tutor.ID, models.NotificationMessageNew).
		Count(&noteCount)
	assert.Equal(t, int64(1), noteCount)

	t.Run("unread count for recipient", func(t *testing.T) {
		recorder := f.do(t, f.tutor, "GET", "/chat/conversations", nil)
		require.Equal(t, http.StatusOK, recorder.Code)

		var response struct {
			Conversations []struct {
				ID          uint  `json:"ID"`
				UnreadCount int64 `json:"unread_count"`
			} `json:"conversations"`
		}
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
		require.Len(t, response.Conversations, 1)
		assert.Equal(t, int64(1), response.Conversations[0].UnreadCount)
	})

	t.Run("mark read stamps counterparty messages", func(t *testing.T) {
		recorder := f.do(t, f.tutor, "PUT", fmt.Sprintf("/chat/conversations/%d/read", conversation.ID), nil)
		require.Equal(t, http.StatusOK, recorder.Code)

		var response struct {
			Updated int64 `json:"updated"`
		}
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
		assert.Equal(t, int64(1), response.Updated)

		var unread int64
		f.db.Model(&models.Message{}).
			Where("conversation_id = ? AND read_at IS NULL", conversation.ID).
			Count(&unread)
		assert.Equal(t, int64(0), unread)

		// Second call has nothing left to stamp.
		recorder = f.do(t, f.tutor, "PUT", fmt.Sprintf("/chat/conversations/%d/read", conversation.ID), nil)
		require.Equal(t, http.StatusOK, recorder.Code)
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
		assert.Equal(t, int64(0), response.Updated)
	})
}

func TestChatParticipantGuards(t *testing.T) {
	f := setupTest(t)

	conversation := models.Conversation{StudentID: f.student.ID, TutorID: f.tutor.ID, LastMessageAt: time.Now()}
	require.NoError(t, f.db.Create(&conversation).Error)

	t.Run("outsider cannot send", func(t *testing.T) {
		recorder := f.do(t, f.outside, "POST", "/chat/messages", map[string]interface{}{
			"conversation_id": conversation.ID,
			"content":         "let me in",
		})
		assert.Equal(t, http.StatusForbidden, recorder.Code)
	})

	t.Run("outsider cannot list messages", func(t *testing.T) {
		recorder := f.do(t, f.outside, "GET", fmt.Sprintf("/chat/conversations/%d/messages", conversation.ID), nil)
		assert.Equal(t, http.StatusForbidden, recorder.Code)
	})

	t.Run("empty message rejected", func(t *testing.T) {
		recorder := f.do(t, f.student, "POST", "/chat/messages", map[string]interface{}{
			"conversation_id": conversation.ID,
		})
		assert.Equal(t, http.StatusBadRequest, recorder.Code)
	})
}
