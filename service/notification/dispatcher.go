package notification

import (
	"strconv"

	"github.com/blajarplus/blajarplus-server/cmd/models"
	"github.com/blajarplus/blajarplus-server/service/ws"
	expo "github.com/oliveroneill/exponent-server-sdk-golang/sdk"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Dispatcher persists every notification first, then pushes it to whatever
// live connections and devices the user has. The persisted row is the source
// of truth; every push leg is a latency optimization, not a delivery
// guarantee.
type Dispatcher struct {
	db         *gorm.DB
	hub        *ws.Hub
	expoClient *expo.PushClient
}

func NewDispatcher(db *gorm.DB, hub *ws.Hub) *Dispatcher {
	return &Dispatcher{
		db:         db,
		hub:        hub,
		expoClient: expo.NewPushClient(nil),
	}
}

// Notify writes the durable notification row and then best-effort pushes a
// `notification` event plus a mobile push. Push failures are logged and never
// surfaced to the triggering action.
func (d *Dispatcher) Notify(userID uint, notificationType, title, message string, payload interface{}) {
	row := models.Notification{
		UserID:  userID,
		Type:    notificationType,
		Title:   title,
		Message: message,
		Payload: models.EncodePayload(payload),
	}
	if err := d.db.Create(&row).Error; err != nil {
		log.Printf("error persisting %s notification for user %d: %v", notificationType, userID, err)
		return
	}

	d.hub.SendToUser(userID, ws.EventNotification, map[string]interface{}{
		"id":      row.ID,
		"type":    row.Type,
		"title":   row.Title,
		"message": row.Message,
		"payload": payload,
	})
	// Device push does outbound HTTP; never let it block the caller.
	go d.pushToDevices(userID, title, message)
}

// Push delivers a live-only domain event (booking:update, payment:update,
// message:new) with no durable record behind it.
func (d *Dispatcher) Push(userID uint, event string, data interface{}) {
	d.hub.SendToUser(userID, event, data)
}

func (d *Dispatcher) pushToDevices(userID uint, title, message string) {
	var devices []models.Device
	if err := d.db.Where("user_id = ?", userID).Find(&devices).Error; err != nil {
		log.Printf("error loading devices for user %d: %v", userID, err)
		return
	}
	if len(devices) == 0 {
		return
	}

	var tokens []expo.ExponentPushToken
	for _, device := range devices {
		token, err := expo.NewExponentPushToken(device.Token)
		if err != nil {
			log.Printf("skipping invalid push token for user %d: %v", userID, err)
			continue
		}
		tokens = append(tokens, token)
	}
	if len(tokens) == 0 {
		return
	}

	_, err := d.expoClient.Publish(&expo.PushMessage{
		To:       tokens,
		Title:    title,
		Body:     message,
		Sound:    "default",
		Priority: expo.DefaultPriority,
		Data:     map[string]string{"user_id": strconv.FormatUint(uint64(userID), 10)},
	})
	if err != nil {
		log.Printf("error publishing expo push for user %d: %v", userID, err)
	}
}
