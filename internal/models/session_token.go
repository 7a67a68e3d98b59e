package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionToken records that a bearer token was resolved to a user.  Rows are
// append only: a token is never re-bound, and the most recently created row
// for a given token value is authoritative.  Once a row exists, resolving
// that token again is a purely local operation.
type SessionToken struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key;" json:"id"`
	Token     string    `gorm:"index" json:"-"`
	UserID    uuid.UUID `gorm:"type:uuid;index" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (t *SessionToken) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
