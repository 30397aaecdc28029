package models

import "gorm.io/gorm"

const (
	ProgressKindBookingCompleted = "booking_completed"
	ProgressKindReviewWritten    = "review_written"
)

const (
	PointsBookingCompleted = 50
	PointsReviewWritten    = 10

	// PointsPerLevel: level = total points / PointsPerLevel.
	PointsPerLevel = 100
)

// ProgressEvent is an append-only gamification record. XP and level are
// derived by summation, never stored.
type ProgressEvent struct {
	gorm.Model
	UserID    uint   `gorm:"column:user_id;not null;index" json:"user_id"`
	Kind      string `gorm:"column:kind;size:50;not null" json:"kind"`
	Points    int    `gorm:"column:points;not null" json:"points"`
	BookingID uint   `gorm:"column:booking_id" json:"booking_id,omitempty"`

	User *User `gorm:"foreignKey:UserID" json:"-"`
}

func (ProgressEvent) TableName() string {
	return "progress_events"
}
