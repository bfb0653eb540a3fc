package models

import (
	"time"

	"github.com/google/uuid"
)

// Session stores only the SHA-256 of the bearer token. The raw token
// exists once, in the response that issued it.
type Session struct {
	BaseModel
	UserID     uuid.UUID  `json:"userID" gorm:"type:uuid;index;not null"`
	TokenHash  string     `json:"-" gorm:"type:varchar(64);uniqueIndex;not null"`
	ExpiresAt  time.Time  `json:"expiresAt" gorm:"not null;index"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
	User       User       `json:"-" gorm:"foreignKey:UserID"`
}
