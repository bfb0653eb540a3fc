package models

import (
	"time"

	"github.com/google/uuid"
)

// PasskeyCredential is one registered authenticator. CredentialID is
// the authenticator's credential ID in URL-safe base64 and is globally
// unique: the same physical authenticator can never be registered
// twice, for any user. Data holds the serialized protocol-library
// credential (public key, sign counter, flags) as an opaque blob; it is
// rewritten in place when a login advances the sign counter.
type PasskeyCredential struct {
	BaseModel
	UserID       uuid.UUID  `json:"userID" gorm:"type:uuid;index;not null"`
	CredentialID string     `json:"-" gorm:"type:text;uniqueIndex;not null"`
	Data         string     `json:"-" gorm:"type:text;not null"`
	Name         string     `json:"name" gorm:"type:varchar(255);not null"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
	User         User       `json:"-" gorm:"foreignKey:UserID"`
}
