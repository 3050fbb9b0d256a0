package models

import (
	"time"

	"github.com/google/uuid"
)

// Topic is a named conversation thread owned by a user.
type Topic struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
