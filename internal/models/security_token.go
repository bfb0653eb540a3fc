package models

import (
	"time"

	"github.com/google/uuid"
)

type TokenPurpose string

const (
	// TokenPurposePassword resets the account password.
	TokenPurposePassword TokenPurpose = "password"
	// TokenPurposeTOTP wipes TOTP enrollment so it can be redone.
	TokenPurposeTOTP TokenPurpose = "totp"
	// TokenPurposePasskey wipes registered passkeys.
	TokenPurposePasskey TokenPurpose = "passkey"
	// TokenPurposeInvite creates a new account; the target user does
	// not exist yet, so the row carries the prospective profile.
	TokenPurposeInvite TokenPurpose = "invite"
)

// SecurityToken is a time-boxed single-use token delivered out of band
// (invite and reset links). Only the SHA-256 of the raw token is
// stored. UsedAt set means the token can never validate again.
type SecurityToken struct {
	BaseModel
	TokenHash string       `json:"-" gorm:"type:varchar(64);uniqueIndex;not null"`
	Purpose   TokenPurpose `json:"purpose" gorm:"type:varchar(20);not null"`
	UserID    *uuid.UUID   `json:"userID,omitempty" gorm:"type:uuid;index"`

	// Invite profile, set only for TokenPurposeInvite.
	InviteUsername    *string   `json:"inviteUsername,omitempty" gorm:"type:varchar(100)"`
	InviteEmail       *string   `json:"inviteEmail,omitempty" gorm:"type:varchar(255)"`
	InviteDisplayName *string   `json:"inviteDisplayName,omitempty" gorm:"type:varchar(200)"`
	InviteRole        *UserRole `json:"inviteRole,omitempty" gorm:"type:varchar(20)"`

	ExpiresAt time.Time  `json:"expiresAt" gorm:"not null;index"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
}
