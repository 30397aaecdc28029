package notification

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/blajarplus/blajarplus-server/cmd/models"
	"github.com/blajarplus/blajarplus-server/cmd/utils"
	"github.com/gorilla/mux"
	expo "github.com/oliveroneill/exponent-server-sdk-golang/sdk"
	"gorm.io/gorm"
)

// Handler exposes the notification read surface and device registration.
type Handler struct {
	db *gorm.DB
}

func NewHandler(db *gorm.DB) *Handler {
	return &Handler{db: db}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/notifications", utils.AuthMiddleware(h.GetNotifications)).Methods("GET")
	router.HandleFunc("/notifications/mark-all-read", utils.AuthMiddleware(h.MarkAllRead)).Methods("PUT")
	router.HandleFunc("/notifications/{id:[0-9]+}/read", utils.AuthMiddleware(h.MarkRead)).Methods("PUT")
	router.HandleFunc("/notifications/{id:[0-9]+}", utils.AuthMiddleware(h.DeleteNotification)).Methods("DELETE")
	router.HandleFunc("/devices", utils.AuthMiddleware(h.RegisterDevice)).Methods("POST")
}

// GetNotifications returns the caller's notifications, newest first, plus the
// unread count.
func (h *Handler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteError(w, utils.Authentication("Unauthorized"))
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize := 50

	query := h.db.Model(&models.Notification{}).Where("user_id = ?", userID)
	if r.URL.Query().Get("unread") == "true" {
		query = query.Where("is_read = ?", false)
	}

	var total int64
	query.Count(&total)

	var unread int64
	h.db.Model(&models.Notification{}).Where("user_id = ? AND is_read = ?", userID, false).Count(&unread)

	var notifications []models.Notification
	if err := query.Offset((page - 1) * pageSize).Limit(pageSize).
		Order("created_at DESC").Find(&notifications).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifications,
		"unread_count":  unread,
		"total":         total,
		"page":          page,
		"page_size":     pageSize,
		"total_pages":   (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

// MarkRead flips a single notification; only its owner may do so.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteError(w, utils.Authentication("Unauthorized"))
		return
	}

	vars := mux.Vars(r)
	notificationID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.WriteError(w, utils.Validation("Invalid notification ID"))
		return
	}

	var notification models.Notification
	if err := h.db.First(&notification, notificationID).Error; err != nil {
		utils.WriteError(w, utils.NotFound("Notification not found"))
		return
	}
	if notification.UserID != userID {
		utils.WriteError(w, utils.Forbidden("Notification belongs to another user"))
		return
	}

	now := time.Now()
	if err := h.db.Model(&notification).Updates(map[string]interface{}{
		"is_read": true,
		"read_at": &now,
	}).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]string{"message": "Notification marked as read"})
}

// MarkAllRead is a bulk idempotent update over the caller's unread rows.
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteError(w, utils.Authentication("Unauthorized"))
		return
	}

	now := time.Now()
	result := h.db.Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": &now})
	if result.Error != nil {
		utils.WriteError(w, result.Error)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message": "All notifications marked as read",
		"updated": result.RowsAffected,
	})
}

// DeleteNotification removes one notification on explicit user action; there
// is deliberately no bulk delete.
func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteError(w, utils.Authentication("Unauthorized"))
		return
	}

	vars := mux.Vars(r)
	notificationID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.WriteError(w, utils.Validation("Invalid notification ID"))
		return
	}

	var notification models.Notification
	if err := h.db.First(&notification, notificationID).Error; err != nil {
		utils.WriteError(w, utils.NotFound("Notification not found"))
		return
	}
	if notification.UserID != userID {
		utils.WriteError(w, utils.Forbidden("Notification belongs to another user"))
		return
	}

	if err := h.db.Delete(&notification).Error; err != nil {
		utils.WriteError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]string{"message": "Notification deleted"})
}

// RegisterDevice stores an Expo push token for the caller, updating the
// existing row when the same token is registered again.
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.WriteError(w, utils.Authentication("Unauthorized"))
		return
	}

	var device models.Device
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		utils.WriteError(w, utils.Validation("Invalid request body"))
		return
	}
	device.UserID = userID

	if device.Token == "" {
		utils.WriteError(w, utils.Validation("Token is required"))
		return
	}
	if _, err := expo.NewExponentPushToken(device.Token); err != nil {
		utils.WriteError(w, utils.Validation("Invalid Expo push token format"))
		return
	}

	var existing models.Device
	result := h.db.Where("token = ? AND user_id = ?", device.Token, userID).First(&existing)
	if result.Error == nil {
		existing.DeviceType = device.DeviceType
		existing.DeviceName = device.DeviceName
		if err := h.db.Save(&existing).Error; err != nil {
			utils.WriteError(w, err)
			return
		}
		device = existing
	} else {
		if err := h.db.Create(&device).Error; err != nil {
			utils.WriteError(w, err)
			return
		}
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Device registered successfully",
		"device":  device,
	})
}
