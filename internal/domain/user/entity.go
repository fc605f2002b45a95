package user

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// User is the core identity record the Store Adapter persists. Credential
// issuance (registration, password hashing, JWT minting) happens upstream;
// this core only reads what's already there.
type User struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username     string    `gorm:"uniqueIndex;size:64;not null"`
	EmailHash    string    `gorm:"size:128;not null"`
	PasswordHash string    `gorm:"size:255;not null"`
	IsOnline     bool      `gorm:"default:false"`
	LastSeenAt   sql.NullTime
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (User) TableName() string {
	return "users"
}
