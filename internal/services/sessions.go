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

const sessionTokenBytes = 32

// SessionService issues and validates opaque bearer session tokens.
// Tokens are 32 CSPRNG bytes in URL-safe base64; only the SHA-256
// digest is stored.
type SessionService struct {
	DB  *gorm.DB
	TTL time.Duration
}

func NewSessionService(db *gorm.DB, ttl time.Duration) *SessionService {
	return &SessionService{DB: db, TTL: ttl}
}

// Issue creates a session for userID and returns the raw token exactly
// once, with the expiry the caller mirrors into the cookie.
func (s *SessionService) Issue(userID uuid.UUID) (string, time.Time, error) {
	raw, err := utils.NewRandomToken(sessionTokenBytes)
	if err != nil {
		return "", time.Time{}, wrapError(ErrInternal, "failed to generate session token", err)
	}

	expiresAt := time.Now().Add(s.TTL)
	session := models.Session{
		UserID:    userID,
		TokenHash: utils.HashToken(raw),
		ExpiresAt: expiresAt,
	}
	if err := s.DB.Create(&session).Error; err != nil {
		return "", time.Time{}, wrapError(ErrInternal, "failed to persist session", err)
	}

	return raw, expiresAt, nil
}

// Validate resolves a raw token to its owning user. Every failure is
// Unauthenticated; the message distinguishes the cause for logs, not
// for status codes.
func (s *SessionService) Validate(raw string) (*models.User, error) {
	var session models.Session
	err := s.DB.First(&session, "token_hash = ?", utils.HashToken(raw)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newError(ErrUnauthenticated, "invalid session")
	}
	if err != nil {
		return nil, wrapError(ErrInternal, "failed to look up session", err)
	}

	if time.Now().After(session.ExpiresAt) {
		return nil, newError(ErrUnauthenticated, "session expired")
	}

	var user models.User
	err = s.DB.First(&user, "id = ?", session.UserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newError(ErrUnauthenticated, "user not found")
	}
	if err != nil {
		return nil, wrapError(ErrInternal, "failed to load session user", err)
	}

	if !user.Active {
		return nil, newError(ErrUnauthenticated, "account disabled")
	}

	now := time.Now()
	if err := s.DB.Model(&session).Update("last_seen_at", now).Error; err != nil {
		logger.Warn("session_touch_failed", map[string]interface{}{
			"session_id": session.ID.String(),
		})
	}

	return &user, nil
}

// Revoke deletes the session behind one raw token (logout).
func (s *SessionService) Revoke(raw string) error {
	if err := s.DB.Where("token_hash = ?", utils.HashToken(raw)).Delete(&models.Session{}).Error; err != nil {
		return wrapError(ErrInternal, "failed to revoke session", err)
	}
	return nil
}

// RevokeAll deletes every session for a user. Security-sensitive flows
// (password change, credential resets) call this so stolen bearer
// tokens die with the credential they were issued under.
func (s *SessionService) RevokeAll(userID uuid.UUID) error {
	return s.revokeAll(s.DB, userID)
}

// RevokeAllTx is RevokeAll inside an existing transaction.
func (s *SessionService) RevokeAllTx(tx *gorm.DB, userID uuid.UUID) error {
	return s.revokeAll(tx, userID)
}

func (s *SessionService) revokeAll(tx *gorm.DB, userID uuid.UUID) error {
	result := tx.Where("user_id = ?", userID).Delete(&models.Session{})
	if result.Error != nil {
		return wrapError(ErrInternal, "failed to revoke sessions", result.Error)
	}
	if result.RowsAffected > 0 {
		logger.Info("sessions_revoked", map[string]interface{}{
			"user_id": userID.String(),
			"count":   result.RowsAffected,
		})
	}
	return nil
}
