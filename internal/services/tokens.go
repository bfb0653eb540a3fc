package services

import (
	"errors"
	"time"

	"github.com/caseflow/backend/internal/models"
	"github.com/caseflow/backend/pkg/logger"
	"github.com/caseflow/backend/pkg/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// securityTokenBytes gives 240 bits of entropy (40 base64 characters).
const securityTokenBytes = 30

// InviteProfile is the prospective account carried by an invite token;
// the user row does not exist until the invite is accepted.
type InviteProfile struct {
	Username    string
	Email       string
	DisplayName string
	Role        models.UserRole
}

// TokenService issues and consumes time-boxed single-use tokens for
// invites and credential resets.
type TokenService struct {
	DB       *gorm.DB
	Sessions *SessionService
}

func NewTokenService(db *gorm.DB, sessions *SessionService) *TokenService {
	return &TokenService{DB: db, Sessions: sessions}
}

// Issue creates a reset token bound to an existing user. The raw token
// is returned exactly once and never again retrievable.
func (t *TokenService) Issue(purpose models.TokenPurpose, userID uuid.UUID, ttl time.Duration) (string, *models.SecurityToken, error) {
	if purpose == models.TokenPurposeInvite {
		return "", nil, newError(ErrValidation, "invites carry a profile, use IssueInvite")
	}

	raw, record, err := t.create(models.SecurityToken{
		Purpose:   purpose,
		UserID:    &userID,
		ExpiresAt: time.Now().Add(ttl),
	})
	if err != nil {
		return "", nil, err
	}

	logger.Info("security_token_issued", map[string]interface{}{
		"purpose": string(purpose),
		"user_id": userID.String(),
	})
	return raw, record, nil
}

// IssueInvite creates an invite token for an account that does not
// exist yet.
func (t *TokenService) IssueInvite(profile InviteProfile, ttl time.Duration) (string, *models.SecurityToken, error) {
	if profile.Username == "" {
		return "", nil, newError(ErrValidation, "invite username is required")
	}
	if profile.Role == "" {
		profile.Role = models.UserRoleUser
	}

	raw, record, err := t.create(models.SecurityToken{
		Purpose:           models.TokenPurposeInvite,
		InviteUsername:    &profile.Username,
		InviteEmail:       &profile.Email,
		InviteDisplayName: &profile.DisplayName,
		InviteRole:        &profile.Role,
		ExpiresAt:         time.Now().Add(ttl),
	})
	if err != nil {
		return "", nil, err
	}

	logger.Info("invite_issued", map[string]interface{}{
		"username": profile.Username,
		"role":     string(profile.Role),
	})
	return raw, record, nil
}

func (t *TokenService) create(record models.SecurityToken) (string, *models.SecurityToken, error) {
	raw, err := utils.NewRandomToken(securityTokenBytes)
	if err != nil {
		return "", nil, wrapError(ErrInternal, "failed to generate token", err)
	}
	record.TokenHash = utils.HashToken(raw)

	if err := t.DB.Create(&record).Error; err != nil {
		return "", nil, wrapError(ErrInternal, "failed to persist token", err)
	}
	return raw, &record, nil
}

// Validate resolves a raw token without consuming it. Used rows never
// match; expired rows are rejected but kept (no eager deletion). The
// purpose check is explicit: a token never validates for a flow it was
// not issued for.
func (t *TokenService) Validate(raw string, purpose models.TokenPurpose) (*models.SecurityToken, error) {
	return t.validate(t.DB, raw, purpose)
}

func (t *TokenService) validate(tx *gorm.DB, raw string, purpose models.TokenPurpose) (*models.SecurityToken, error) {
	var record models.SecurityToken
	err := tx.First(&record, "token_hash = ? AND used_at IS NULL", utils.HashToken(raw)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newError(ErrNotFound, "invalid or already used token")
	}
	if err != nil {
		return nil, wrapError(ErrInternal, "failed to look up token", err)
	}

	if time.Now().After(record.ExpiresAt) {
		return nil, newError(ErrConflict, "token expired")
	}
	if record.Purpose != purpose {
		return nil, newError(ErrNotFound, "invalid or already used token")
	}

	return &record, nil
}

// Consume validates and marks the token used inside tx. The mark is a
// conditional update on used_at, so two racing consumers see exactly
// one success. Callers pair Consume with the dependent write (password
// update, account creation) in the same transaction.
func (t *TokenService) Consume(tx *gorm.DB, raw string, purpose models.TokenPurpose) (*models.SecurityToken, error) {
	record, err := t.validate(tx, raw, purpose)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	result := tx.Model(&models.SecurityToken{}).
		Where("id = ? AND used_at IS NULL", record.ID).
		Update("used_at", now)
	if result.Error != nil {
		return nil, wrapError(ErrInternal, "failed to consume token", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, newError(ErrConflict, "token already used")
	}

	record.UsedAt = &now
	logger.Info("security_token_consumed", map[string]interface{}{
		"purpose":  string(record.Purpose),
		"token_id": record.ID.String(),
	})
	return record, nil
}

// ConsumeReset consumes a totp/passkey reset token and, in the same
// transaction, deletes every credential of that kind and revokes all
// sessions of the target user. The account falls back to its remaining
// factors and every existing bearer token dies.
func (t *TokenService) ConsumeReset(raw string, purpose models.TokenPurpose) (*models.SecurityToken, error) {
	if purpose != models.TokenPurposeTOTP && purpose != models.TokenPurposePasskey {
		return nil, newError(ErrValidation, "not a credential reset purpose")
	}

	var record *models.SecurityToken
	err := t.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		record, err = t.Consume(tx, raw, purpose)
		if err != nil {
			return err
		}
		if record.UserID == nil {
			return newError(ErrInternal, "reset token has no target user")
		}

		switch purpose {
		case models.TokenPurposeTOTP:
			if err := tx.Where("user_id = ?", *record.UserID).Delete(&models.TOTPSecret{}).Error; err != nil {
				return wrapError(ErrInternal, "failed to delete TOTP enrollment", err)
			}
		case models.TokenPurposePasskey:
			if err := tx.Where("user_id = ?", *record.UserID).Delete(&models.PasskeyCredential{}).Error; err != nil {
				return wrapError(ErrInternal, "failed to delete passkeys", err)
			}
		}

		return t.Sessions.RevokeAllTx(tx, *record.UserID)
	})
	if err != nil {
		return nil, err
	}

	logger.Info("credential_reset", map[string]interface{}{
		"purpose": string(purpose),
		"user_id": record.UserID.String(),
	})
	return record, nil
}
