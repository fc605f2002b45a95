package conversation

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Conversation is lazily created on first message exchange between a pair,
// or via explicit bootstrap through the REST companion. C1 requires exactly
// two distinct participants; ParticipantA/B are stored ordered (lower uuid
// first) so findConversationByPair is a single indexed lookup regardless of
// call order.
type Conversation struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	ParticipantA       uuid.UUID `gorm:"type:uuid;index:idx_pair,priority:1;not null"`
	ParticipantB       uuid.UUID `gorm:"type:uuid;index:idx_pair,priority:2;not null"`
	LastMessageID      uuid.NullUUID
	LastMessageContent sql.NullString
	LastMessageAt      sql.NullTime
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (Conversation) TableName() string {
	return "conversations"
}

// OtherParticipant returns the participant on the opposite side of userID.
func (c Conversation) OtherParticipant(userID uuid.UUID) uuid.UUID {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

func (c Conversation) HasParticipant(userID uuid.UUID) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}

// Unread is a row per (conversation, participant) rather than an in-memory
// map, per the durability design note: unreadCount must survive a restart.
type Unread struct {
	ConversationID uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Count          int       `gorm:"not null;default:0"`
	UpdatedAt      time.Time
}

func (Unread) TableName() string {
	return "conversation_unread"
}
