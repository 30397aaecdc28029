package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/blajarplus/blajarplus-server/cmd/models"
	"github.com/blajarplus/blajarplus-server/cmd/utils"
	"github.com/blajarplus/blajarplus-server/service/notification"
	"github.com/blajarplus/blajarplus-server/service/ws"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type ChatHandler struct {
	db         *gorm.DB
	dispatcher *notification.Dispatcher
}

func NewChatHandler(db *gorm.DB, dispatcher *notification.Dispatcher) *ChatHandler {
	return &ChatHandler{db: db, dispatcher: dispatcher}
}

func (h *ChatHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/chat/conversations", utils.AuthMiddleware(h.CreateConversation)).Methods("POST")
	router.HandleFunc("/chat/conversations", utils.AuthMiddleware(h.GetConversations)).Methods("GET")
	router.HandleFunc("/chat/conversations/{id:[0-9]+}/messages", utils.AuthMiddleware(h.GetMessages)).Methods("GET")
	router.HandleFunc("/chat/conversations/{id:[0-9]+}/read", utils.AuthMiddleware(h.MarkConversationRead)).Methods("PUT")
	router.HandleFunc("/chat/messages", utils.AuthMiddleware(h.SendMessage)).Methods("POST")
}

// CreateConversation is idempotent per (student, tutor) pair: a second
// request returns the existing conversation.
func (h *ChatHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	actorID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteError(w, utils.Authentication("Unauthorized"))
		return
	}
	role, _ := utils.GetUserRoleFromContext(r)

	var conversationRequest struct {
		StudentID uint `json:"student_id"`
		TutorID   uint `json:"tutor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&conversationRequest); err != nil {
		utils.WriteError(w, utils.Validation("Invalid request body"))
		return
	}

	// A caller opens conversations for themselves; the other side is filled
	// in from the request.
	switch role {
	case models.RoleStudent:
		conversationRequest.StudentID = actorID
	case models.RoleTutor:
		conversationRequest.TutorID = actorID
	}
	if conversationRequest.StudentID == 0 || conversationRequest.TutorID == 0 {
		utils.WriteError(w, utils.Validation("Both participants are required"))
		return
	}
	if actorID != conversationRequest.StudentID && actorID != conversationRequest.TutorID {
		utils.WriteError(w, utils.Forbidden("Cannot open a conversation for other users"))
		return
	}

	var conversation models.Conversation
	err = h.db.Where("student_id = ? AND tutor_id = ?", conversationRequest.StudentID, conversationRequest.TutorID).
		First(&conversation).Error
	if err == nil {
		utils.WriteJSON(w, http.StatusOK, conversation)
		return
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		utils.WriteError(w, err)
		return
	}

	conversation = models.Conversation{
		StudentID:     conversationRequest.StudentID,
		TutorID:       conversationRequest.TutorID,
		LastMessageAt: time.Now(),
	}
	if err := h.db.Create(&conversation).Error; err != nil {
		// Unique index on the pair: a concurrent create won the race.
		if existingErr := h.db.Where("student_id = ? AND tutor_id = ?", conversationRequest.StudentID, conversationRequest.TutorID).
			First(&conversation).Error; existingErr == nil {
			utils.WriteJSON(w, http.StatusOK, conversation)
			return
		}
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusCreated, conversation)
}

// GetConversations lists the caller's conversations, most recently active
// first.
func (h *ChatHandler) GetConversations(w http.ResponseWriter, r *http.Request) {
	actorID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteError(w, utils.Authentication("Unauthorized"))
		return
	}

	var conversations []models.Conversation
	if err := h.db.Where("student_id = ? OR tutor_id = ?", actorID, actorID).
		Preload("Student").Preload("Tutor").
		Order("last_message_at DESC").Find(&conversations).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	type conversationWithUnread struct {
		models.Conversation
		UnreadCount int64 `json:"unread_count"`
	}
	response := make([]conversationWithUnread, 0, len(conversations))
	for _, conversation := range conversations {
		var unread int64
		h.db.Model(&models.Message{}).
			Where("conversation_id = ? AND sender_id != ? AND read_at IS NULL", conversation.ID, actorID).
			Count(&unread)
		response = append(response, conversationWithUnread{Conversation: conversation, UnreadCount: unread})
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{"conversations": response})
}

// SendMessage persists the message, bumps the conversation's ordering key
// and notifies the other participant.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	senderID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteError(w, utils.Authentication("Unauthorized"))
		return
	}

	var messageRequest struct {
		ConversationID uint   `json:"conversation_id"`
		Content        string `json:"content"`
		AttachmentURL  string `json:"attachment_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&messageRequest); err != nil {
		utils.WriteError(w, utils.Validation("Invalid request body"))
		return
	}
	if messageRequest.Content == "" && messageRequest.AttachmentURL == "" {
		utils.WriteError(w, utils.Validation("Message content is required"))
		return
	}

	var conversation models.Conversation
	if err := h.db.First(&conversation, messageRequest.ConversationID).Error; err != nil {
		utils.WriteError(w, utils.NotFound("Conversation not found"))
		return
	}

	recipientID, ok := conversation.Participant(senderID)
	if !ok {
		utils.WriteError(w, utils.Forbidden("Not a participant of this conversation"))
		return
	}

	message := models.Message{
		ConversationID: conversation.ID,
		SenderID:       senderID,
		Content:        messageRequest.Content,
		AttachmentURL:  messageRequest.AttachmentURL,
	}

	tx := h.db.Begin()
	if err := tx.Create(&message).Error; err != nil {
		tx.Rollback()
		utils.WriteError(w, err)
		return
	}
	if err := tx.Model(&conversation).Update("last_message_at", time.Now()).Error; err != nil {
		tx.Rollback()
		utils.WriteError(w, err)
		return
	}
	if err := tx.Commit().Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	payload := models.MessagePayload{ConversationID: conversation.ID, MessageID: message.ID, SenderID: senderID}
	h.dispatcher.Notify(recipientID, models.NotificationMessageNew,
		"New message", "You have a new message", payload)
	h.dispatcher.Push(recipientID, ws.EventMessageNew, map[string]interface{}{
		"conversation_id": conversation.ID,
		"message":         message,
	})

	utils.WriteJSON(w, http.StatusCreated, message)
}

// GetMessages returns a conversation's messages, oldest first, to
// participants only.
func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	actorID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteError(w, utils.Authentication("Unauthorized"))
		return
	}

	vars := mux.Vars(r)
	conversationID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.WriteError(w, utils.Validation("Invalid conversation ID"))
		return
	}

	var conversation models.Conversation
	if err := h.db.First(&conversation, conversationID).Error; err != nil {
		utils.WriteError(w, utils.NotFound("Conversation not found"))
		return
	}
	if _, ok := conversation.Participant(actorID); !ok {
		utils.WriteError(w, utils.Forbidden("Not a participant of this conversation"))
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize := 50

	var total int64
	h.db.Model(&models.Message{}).Where("conversation_id = ?", conversation.ID).Count(&total)

	var messages []models.Message
	if err := h.db.Where("conversation_id = ?", conversation.ID).
		Preload("Sender").
		Order("created_at ASC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&messages).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"messages":    messages,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

// MarkConversationRead stamps ReadAt on every unread message sent by the
// other participant. Idempotent.
func (h *ChatHandler) MarkConversationRead(w http.ResponseWriter, r *http.Request) {
	actorID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteError(w, utils.Authentication("Unauthorized"))
		return
	}

	vars := mux.Vars(r)
	conversationID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.WriteError(w, utils.Validation("Invalid conversation ID"))
		return
	}

	var conversation models.Conversation
	if err := h.db.First(&conversation, conversationID).Error; err != nil {
		utils.WriteError(w, utils.NotFound("Conversation not found"))
		return
	}
	if _, ok := conversation.Participant(actorID); !ok {
		utils.WriteError(w, utils.Forbidden("Not a participant of this conversation"))
		return
	}

	now := time.Now()
	result := h.db.Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id != ? AND read_at IS NULL", conversation.ID, actorID).
		Update("read_at", &now)
	if result.Error != nil {
		utils.WriteError(w, result.Error)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Conversation marked as read",
		"updated": result.RowsAffected,
	})
}
