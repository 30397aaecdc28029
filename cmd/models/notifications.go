package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

const (
	NotificationBookingCreated     = "booking_created"
	NotificationBookingConfirmed   = "booking_confirmed"
	NotificationBookingCancelled   = "booking_cancelled"
	NotificationBookingCompleted   = "booking_completed"
	NotificationBookingRescheduled = "booking_rescheduled"
	NotificationBookingNoShow      = "booking_no_show"
	NotificationPaymentSuccess     = "payment_success"
	NotificationPaymentFailed      = "payment_failed"
	NotificationMessageNew         = "message_new"
	NotificationReviewReceived     = "review_received"
	NotificationMembershipActive   = "membership_activated"
	NotificationProgressAwarded    = "progress_awarded"
)

// Notification is the durable record behind every dispatch. Only IsRead and
// ReadAt are ever mutated after creation.
type Notification struct {
	gorm.Model
	UserID  uint       `gorm:"column:user_id;not null;index" json:"user_id"`
	Type    string     `gorm:"column:type;size:50;not null" json:"type"`
	Title   string     `gorm:"column:title;size:255;not null" json:"title"`
	Message string     `gorm:"column:message;type:text" json:"message"`
	Payload string     `gorm:"column:payload;type:text" json:"payload,omitempty"`
	IsRead  bool       `gorm:"column:is_read;default:false" json:"is_read"`
	ReadAt  *time.Time `gorm:"column:read_at" json:"read_at,omitempty"`

	User *User `gorm:"foreignKey:UserID" json:"-"`
}

// Typed payload shapes, one per notification type family. They are serialized
// into Notification.Payload and carried verbatim on the live channel.

type BookingPayload struct {
	BookingID   uint      `json:"booking_id"`
	Status      string    `json:"status"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Subject     string    `json:"subject,omitempty"`
}

type PaymentPayload struct {
	BookingID uint   `json:"booking_id"`
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
}

type MessagePayload struct {
	ConversationID uint `json:"conversation_id"`
	MessageID      uint `json:"message_id"`
	SenderID       uint `json:"sender_id"`
}

type MembershipPayload struct {
	MembershipID uint      `json:"membership_id"`
	Plan         string    `json:"plan"`
	EndDate      time.Time `json:"end_date"`
}

type ProgressPayload struct {
	Points      int `json:"points"`
	TotalPoints int `json:"total_points"`
	Level       int `json:"level"`
}

// EncodePayload marshals a typed payload for storage. A nil payload encodes
// to the empty string.
func EncodePayload(payload interface{}) string {
	if payload == nil {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(data)
}

// Device holds an Expo push token registered by a mobile client.
type Device struct {
	gorm.Model
	Token      string `gorm:"not null;uniqueIndex:idx_token_user" json:"token"`
	UserID     uint   `gorm:"not null;index;uniqueIndex:idx_token_user" json:"user_id"`
	DeviceType string `gorm:"type:varchar(50)" json:"device_type"`
	DeviceName string `gorm:"type:varchar(100)" json:"device_name,omitempty"`
}
