package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	PaymentStatusPending       = "pending"
	PaymentStatusSuccess       = "success"
	PaymentStatusFailed        = "failed"
	PaymentStatusRefundPending = "refund_pending"
	PaymentStatusRefunded      = "refunded"
)

// PaymentStatusTerminal reports whether a gateway re-delivery for this status
// must be treated as a no-op.
func PaymentStatusTerminal(status string) bool {
	switch status {
	case PaymentStatusSuccess, PaymentStatusFailed, PaymentStatusRefundPending, PaymentStatusRefunded:
		return true
	}
	return false
}

// Payment is 1:1 with a booking. Amounts are integers in the smallest
// currency unit (IDR has none below the rupiah).
type Payment struct {
	gorm.Model
	BookingID     uint       `gorm:"column:booking_id;not null;uniqueIndex" json:"booking_id"`
	OrderID       string     `gorm:"column:order_id;size:64;not null;uniqueIndex" json:"order_id"`
	Amount        int64      `gorm:"column:amount;not null" json:"amount"`
	Method        string     `gorm:"column:method;size:50;not null" json:"method"`
	Status        string     `gorm:"column:status;size:50;not null;default:pending" json:"status"`
	TransactionID string     `gorm:"column:transaction_id;size:100" json:"transaction_id,omitempty"`
	FraudStatus   string     `gorm:"column:fraud_status;size:50" json:"fraud_status,omitempty"`
	PaidAt        *time.Time `gorm:"column:paid_at" json:"paid_at,omitempty"`

	Booking *Booking `gorm:"foreignKey:BookingID" json:"-"`
}
