package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

const (
	RoleStudent = "student"
	RoleTutor   = "tutor"
	RoleAdmin   = "admin"
)

const (
	UserStatusActive    = "active"
	UserStatusSuspended = "suspended"
)

type User struct {
	gorm.Model
	FullName              string    `gorm:"column:full_name;size:255;not null" json:"full_name"`
	Email                 string    `gorm:"column:email;size:255;not null;uniqueIndex" json:"email"`
	PasswordHash          string    `gorm:"column:password_hash;size:255;not null" json:"-"`
	Role                  string    `gorm:"column:role;size:50;not null" json:"role"`
	Phone                 string    `gorm:"column:phone;size:20;not null" json:"phone"`
	Status                string    `gorm:"column:status;size:50;not null;default:active" json:"status"`
	EmailVerified         bool      `gorm:"column:email_verified;default:false" json:"email_verified"`
	EmailVerificationCode string    `gorm:"size:6" json:"-"`
	VerificationExpiry    time.Time `gorm:"" json:"-"`
	Refresh               string    `gorm:"column:refresh_token;size:255" json:"-"`
	RefreshTokenExpiredAt time.Time `gorm:"column:refresh_token_expired_at" json:"-"`
	AvatarURL             string    `gorm:"column:avatar_url;size:500" json:"avatar_url,omitempty"`

	TutorProfile *TutorProfile `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"tutor_profile,omitempty"`
}

type TutorProfile struct {
	gorm.Model
	UserID          uint           `gorm:"column:user_id;not null;uniqueIndex" json:"user_id"`
	Headline        string         `gorm:"column:headline;size:255" json:"headline"`
	Bio             string         `gorm:"column:bio;type:text" json:"bio"`
	Subjects        pq.StringArray `gorm:"type:text[];column:subjects" json:"subjects"`
	HourlyRate      int64          `gorm:"column:hourly_rate;not null" json:"hourly_rate"`
	TeachingMethods pq.StringArray `gorm:"type:text[];column:teaching_methods" json:"teaching_methods"`
	Verified        bool           `gorm:"column:verified;default:false" json:"verified"`
	AverageRating   float64        `gorm:"column:average_rating;default:0" json:"average_rating"`
	TotalRatings    int            `gorm:"column:total_ratings;default:0" json:"total_ratings"`

	User              *User              `gorm:"foreignKey:UserID" json:"-"`
	AvailabilityRules []AvailabilityRule `gorm:"foreignKey:TutorProfileID" json:"availability_rules,omitempty"`
	TimeOffs          []TimeOff          `gorm:"foreignKey:TutorProfileID" json:"time_offs,omitempty"`
	Reviews           []Review           `gorm:"foreignKey:TutorProfileID" json:"reviews,omitempty"`
}

func (TutorProfile) TableName() string {
	return "tutor_profiles"
}

type Review struct {
	gorm.Model
	StudentID      uint    `gorm:"column:student_id;not null" json:"student_id"`
	TutorProfileID uint    `gorm:"column:tutor_profile_id;not null" json:"tutor_profile_id"`
	BookingID      uint    `gorm:"column:booking_id;not null;uniqueIndex" json:"booking_id"`
	Rating         float64 `gorm:"column:rating;not null" json:"rating"`
	Comment        string  `gorm:"column:comment;type:text" json:"comment,omitempty"`

	Student *User         `gorm:"foreignKey:StudentID" json:"student,omitempty"`
	Tutor   *TutorProfile `gorm:"foreignKey:TutorProfileID" json:"-"`
}

type PasswordResetToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"not null"`
	Token     string    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null"`
}
