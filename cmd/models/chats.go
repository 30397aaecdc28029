package models

import (
	"time"

	"gorm.io/gorm"
)

// Conversation pairs one student with one tutor. The pair is unique, so
// creation is idempotent per (student, tutor).
type Conversation struct {
	gorm.Model
	StudentID     uint      `gorm:"column:student_id;not null;uniqueIndex:idx_conversation_pair" json:"student_id"`
	TutorID       uint      `gorm:"column:tutor_id;not null;uniqueIndex:idx_conversation_pair" json:"tutor_id"`
	LastMessageAt time.Time `gorm:"column:last_message_at;index" json:"last_message_at"`

	Student  *User     `gorm:"foreignKey:StudentID" json:"student,omitempty"`
	Tutor    *User     `gorm:"foreignKey:TutorID" json:"tutor,omitempty"`
	Messages []Message `gorm:"foreignKey:ConversationID" json:"messages,omitempty"`
}

// Participant reports whether the user is one of the two sides of the
// conversation, and returns the other side.
func (c Conversation) Participant(userID uint) (other uint, ok bool) {
	switch userID {
	case c.StudentID:
		return c.TutorID, true
	case c.TutorID:
		return c.StudentID, true
	}
	return 0, false
}

type Message struct {
	gorm.Model
	ConversationID uint       `gorm:"column:conversation_id;not null;index" json:"conversation_id"`
	SenderID       uint       `gorm:"column:sender_id;not null" json:"sender_id"`
	Content        string     `gorm:"column:content;type:text;not null" json:"content"`
	AttachmentURL  string     `gorm:"column:attachment_url;size:500" json:"attachment_url,omitempty"`
	ReadAt         *time.Time `gorm:"column:read_at" json:"read_at,omitempty"`

	Sender       *User         `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	Conversation *Conversation `gorm:"foreignKey:ConversationID" json:"-"`
}

func (Message) TableName() string {
	return "messages"
}
