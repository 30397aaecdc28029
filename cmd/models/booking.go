package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	BookingStatusPendingPayment      = "pending_payment"
	BookingStatusConfirmed           = "confirmed"
	BookingStatusCompleted           = "completed"
	BookingStatusCancelled           = "cancelled"
	BookingStatusRescheduleRequested = "reschedule_requested"
	BookingStatusNoShow              = "no_show"
)

const (
	TeachingMethodOnline = "online"
	TeachingMethodOnsite = "onsite"
)

// bookingTransitions is the full lifecycle graph. A status never moves along
// an edge that is not listed here.
var bookingTransitions = map[string][]string{
	BookingStatusPendingPayment:      {BookingStatusConfirmed, BookingStatusCancelled},
	BookingStatusConfirmed:           {BookingStatusCompleted, BookingStatusCancelled, BookingStatusRescheduleRequested, BookingStatusNoShow},
	BookingStatusRescheduleRequested: {BookingStatusConfirmed},
}

// BookingTransitionAllowed reports whether from -> to is a legal lifecycle
// edge.
func BookingTransitionAllowed(from, to string) bool {
	for _, next := range bookingTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// BookingStatusTerminal reports whether no further transition is defined from
// the given status.
func BookingStatusTerminal(status string) bool {
	return len(bookingTransitions[status]) == 0
}

type Booking struct {
	gorm.Model
	StudentID      uint       `gorm:"column:student_id;not null;index" json:"student_id"`
	TutorProfileID uint       `gorm:"column:tutor_profile_id;not null;index" json:"tutor_profile_id"`
	Subject        string     `gorm:"column:subject;size:100;not null" json:"subject"`
	ScheduledAt    time.Time  `gorm:"column:scheduled_at;not null" json:"scheduled_at"`
	EndsAt         time.Time  `gorm:"column:ends_at;not null" json:"ends_at"`
	DurationHours  int        `gorm:"column:duration_hours;not null" json:"duration_hours"`
	Status         string     `gorm:"column:status;size:50;not null;default:pending_payment" json:"status"`
	TeachingMethod string     `gorm:"column:teaching_method;size:50;not null" json:"teaching_method"`
	Notes          string     `gorm:"column:notes;type:text" json:"notes,omitempty"`
	Amount         int64      `gorm:"column:amount;not null" json:"amount"`
	ProposedTime   *time.Time `gorm:"column:proposed_time" json:"proposed_time,omitempty"`
	CancelReason   string     `gorm:"column:cancel_reason;size:255" json:"cancel_reason,omitempty"`

	Student *User         `gorm:"foreignKey:StudentID" json:"student,omitempty"`
	Tutor   *TutorProfile `gorm:"foreignKey:TutorProfileID" json:"tutor,omitempty"`
	Payment *Payment      `gorm:"foreignKey:BookingID" json:"payment,omitempty"`
}

// Window returns the half-open [scheduled_at, ends_at) session interval.
func (b Booking) Window() (time.Time, time.Time) {
	return b.ScheduledAt, b.EndsAt
}
