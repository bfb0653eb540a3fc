package models

import (
	"time"

	"github.com/google/uuid"
)

// TOTPSecret rows move through NotEnrolled -> pending (Enabled false)
// -> Enabled. Re-enrollment creates a fresh pending row; at most one
// enabled row per user is meaningful.
type TOTPSecret struct {
	BaseModel
	UserID         uuid.UUID  `json:"userID" gorm:"type:uuid;index;not null"`
	SecretEnvelope string     `json:"-" gorm:"type:text;not null"`
	Enabled        bool       `json:"enabled" gorm:"default:false"`
	VerifiedAt     *time.Time `json:"verifiedAt,omitempty"`
	User           User       `json:"-" gorm:"foreignKey:UserID"`
}
