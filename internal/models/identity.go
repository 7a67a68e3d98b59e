package models

import (
	"time"

	"github.com/google/uuid"
)

// Identity links a local user to an account on the upstream identity
// provider.  At most one row exists per external id; it is written exactly
// once, on the first successful resolution of that identity.
//
// ExternalID is stored and compared as an opaque string.  The upstream
// service reports numeric ids today, but nothing here may rely on that.
type Identity struct {
	ExternalID string    `gorm:"primary_key" json:"external_id" example:"42"`
	UserID     uuid.UUID `gorm:"type:uuid" json:"user_id" example:"aa22666c-0f57-45cb-a449-16efecc04f2e"`
	CreatedAt  time.Time `json:"-"`
}
