package models

import (
	"time"

	"gorm.io/gorm"
)

// AvailabilityRule is a weekly recurring window during which a tutor accepts
// bookings. Times are minutes from midnight so a rule is timezone-neutral.
type AvailabilityRule struct {
	gorm.Model
	TutorProfileID uint `gorm:"column:tutor_profile_id;not null;index" json:"tutor_profile_id"`
	DayOfWeek      int  `gorm:"column:day_of_week;not null" json:"day_of_week"`
	StartMinute    int  `gorm:"column:start_minute;not null" json:"start_minute"`
	EndMinute      int  `gorm:"column:end_minute;not null" json:"end_minute"`
	SlotMinutes    int  `gorm:"column:slot_minutes;not null;default:60" json:"slot_minutes"`

	Tutor *TutorProfile `gorm:"foreignKey:TutorProfileID" json:"-"`
}

func (AvailabilityRule) TableName() string {
	return "availability_rules"
}

// Covers reports whether the [start, end) instant window falls inside this
// weekly rule.
func (a AvailabilityRule) Covers(start, end time.Time) bool {
	if int(start.Weekday()) != a.DayOfWeek {
		return false
	}
	startMin := start.Hour()*60 + start.Minute()
	endMin := startMin + int(end.Sub(start).Minutes())
	return startMin >= a.StartMinute && endMin <= a.EndMinute
}

// TimeOff is an explicit interval during which a tutor is unavailable,
// overriding any availability rule.
type TimeOff struct {
	gorm.Model
	TutorProfileID uint      `gorm:"column:tutor_profile_id;not null;index" json:"tutor_profile_id"`
	StartsAt       time.Time `gorm:"column:starts_at;not null" json:"starts_at"`
	EndsAt         time.Time `gorm:"column:ends_at;not null" json:"ends_at"`
	Reason         string    `gorm:"column:reason;size:255" json:"reason,omitempty"`

	Tutor *TutorProfile `gorm:"foreignKey:TutorProfileID" json:"-"`
}

func (TimeOff) TableName() string {
	return "time_offs"
}

// Overlaps uses half-open interval comparison, same as the booking overlap
// check.
func (t TimeOff) Overlaps(start, end time.Time) bool {
	return t.StartsAt.Before(end) && t.EndsAt.After(start)
}
