package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	MembershipPlanBasic = "basic"
	MembershipPlanPro   = "pro"
	MembershipPlanElite = "elite"
)

const (
	MembershipStatusPending = "pending"
	MembershipStatusActive  = "active"
	MembershipStatusExpired = "expired"
	MembershipStatusFailed  = "failed"
)

// MembershipPlanPrice returns the price in IDR for a plan, or 0 for an
// unknown plan.
func MembershipPlanPrice(plan string) int64 {
	switch plan {
	case MembershipPlanBasic:
		return 99000
	case MembershipPlanPro:
		return 249000
	case MembershipPlanElite:
		return 499000
	}
	return 0
}

// MembershipPlanDurationMonths returns how many months a plan runs once
// activated, or 0 for an unknown plan.
func MembershipPlanDurationMonths(plan string) int {
	switch plan {
	case MembershipPlanBasic:
		return 1
	case MembershipPlanPro:
		return 3
	case MembershipPlanElite:
		return 12
	}
	return 0
}

type Membership struct {
	gorm.Model
	TutorProfileID uint      `gorm:"column:tutor_profile_id;not null;index" json:"tutor_profile_id"`
	Plan           string    `gorm:"column:plan;size:50;not null" json:"plan"`
	Amount         int64     `gorm:"column:amount;not null" json:"amount"`
	Status         string    `gorm:"column:status;size:50;not null;default:pending" json:"status"`
	OrderID        string    `gorm:"column:order_id;size:64;not null;uniqueIndex" json:"order_id"`
	StartDate      time.Time `gorm:"column:start_date;index" json:"start_date"`
	EndDate        time.Time `gorm:"column:end_date;index" json:"end_date"`

	Tutor *TutorProfile `gorm:"foreignKey:TutorProfileID" json:"tutor,omitempty"`
}
