package message

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	TypeText  = "text"
	TypeImage = "image"
	TypeFile  = "file"
)

const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// UserIDSet is a deduplicated set of user ids, persisted as a jsonb array.
// readBy must never tolerate duplicates, so insertion dedupes on Add.
type UserIDSet []uuid.UUID

func (s UserIDSet) Contains(id uuid.UUID) bool {
	for _, existing := range s {
		if existing == id {
			return true
		}
	}
	return false
}

func (s UserIDSet) Add(id uuid.UUID) UserIDSet {
	if s.Contains(id) {
		return s
	}
	return append(s, id)
}

func (s UserIDSet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	return json.Marshal(s)
}

func (s *UserIDSet) Scan(value interface{}) error {
	if value == nil {
		*s = UserIDSet{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("message: unsupported UserIDSet scan type")
	}
	if len(raw) == 0 {
		*s = UserIDSet{}
		return nil
	}
	return json.Unmarshal(raw, s)
}

// Message is created by the Lifecycle Engine and mutated only along the
// sent -> delivered -> read chain. The core never deletes a message.
type Message struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ConversationID uuid.UUID `gorm:"type:uuid;index;not null"`
	SenderID       uuid.UUID `gorm:"type:uuid;index;not null"`
	Content        string    `gorm:"type:text;not null"`
	MessageType    string    `gorm:"size:16;not null;default:text"`
	Status         string    `gorm:"size:16;not null;default:sent"`
	IsRead         bool      `gorm:"default:false"`
	ReadBy         UserIDSet `gorm:"type:jsonb"`
	DeliveredAt    sql.NullTime
	ReadAt         sql.NullTime
	ClientTempID   sql.NullString `gorm:"size:64"`
	CreatedAt      time.Time      `gorm:"index"`
}

func (Message) TableName() string {
	return "messages"
}

// NextStatusAllowed enforces M1: status is monotonic along sent -> delivered -> read.
func NextStatusAllowed(current, next string) bool {
	switch current {
	case StatusSent:
		return next == StatusDelivered || next == StatusRead
	case StatusDelivered:
		return next == StatusRead
	case StatusRead:
		return false
	default:
		return next == StatusSent
	}
}
