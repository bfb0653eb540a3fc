package services

import (
	"errors"
	"time"

	"github.com/caseflow/backend/internal/models"
	"github.com/caseflow/backend/pkg/logger"
	"github.com/caseflow/backend/pkg/secretbox"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"gorm.io/gorm"
)

// TOTPService drives enrollment and verification of authenticator-app
// codes. Parameters are fixed to what authenticator apps expect:
// SHA-1, 6 digits, 30-second step, and a +/-1 step skew (the library
// defaults used by totp.Validate).
type TOTPService struct {
	DB     *gorm.DB
	Key    []byte
	Issuer string
}

func NewTOTPService(db *gorm.DB, key []byte, issuer string) *TOTPService {
	return &TOTPService{DB: db, Key: key, Issuer: issuer}
}

// StartEnrollment generates a fresh secret, stores it sealed under a
// pending row and returns the provisioning URI for one-time display.
// The raw secret only ever leaves the server inside that URI. A
// previous pending row is replaced; an enabled enrollment blocks.
func (s *TOTPService) StartEnrollment(user *models.User) (uuid.UUID, string, error) {
	if _, err := s.enabledRow(user.ID); err == nil {
		return uuid.Nil, "", newError(ErrConflict, "TOTP is already enabled")
	} else if KindOf(err) != ErrNotFound {
		return uuid.Nil, "", err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.Issuer,
		AccountName: user.Username,
	})
	if err != nil {
		return uuid.Nil, "", wrapError(ErrInternal, "failed to generate TOTP secret", err)
	}

	envelope, err := secretbox.Seal([]byte(key.Secret()), s.Key)
	if err != nil {
		return uuid.Nil, "", wrapError(ErrInternal, "failed to encrypt TOTP secret", err)
	}

	row := models.TOTPSecret{
		UserID:         user.ID,
		SecretEnvelope: envelope,
	}
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND enabled = ?", user.ID, false).Delete(&models.TOTPSecret{}).Error; err != nil {
			return wrapError(ErrInternal, "failed to replace pending enrollment", err)
		}
		if err := tx.Create(&row).Error; err != nil {
			return wrapError(ErrInternal, "failed to save TOTP enrollment", err)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, "", err
	}

	logger.Info("totp_enrollment_started", map[string]interface{}{
		"user_id": user.ID.String(),
	})
	return row.ID, key.URL(), nil
}

// FinishEnrollment verifies the first code from the authenticator app
// and flips the pending row to enabled. On a wrong code the row stays
// pending so the user can retry.
func (s *TOTPService) FinishEnrollment(user *models.User, enrollmentID uuid.UUID, code string) error {
	var row models.TOTPSecret
	err := s.DB.First(&row, "id = ?", enrollmentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newError(ErrNotFound, "TOTP enrollment not found")
	}
	if err != nil {
		return wrapError(ErrInternal, "failed to load TOTP enrollment", err)
	}

	if row.UserID != user.ID {
		return newError(ErrForbidden, "enrollment belongs to a different user")
	}
	if row.Enabled {
		return newError(ErrConflict, "TOTP is already enabled")
	}

	if err := s.checkCode(&row, code); err != nil {
		return err
	}

	now := time.Now()
	err = s.DB.Model(&row).Updates(map[string]interface{}{
		"enabled":     true,
		"verified_at": now,
	}).Error
	if err != nil {
		return wrapError(ErrInternal, "failed to enable TOTP", err)
	}

	logger.Info("totp_enabled", map[string]interface{}{
		"user_id": user.ID.String(),
	})
	return nil
}

// VerifyLogin checks a login code against the user's enabled secret.
func (s *TOTPService) VerifyLogin(user *models.User, code string) error {
	row, err := s.enabledRow(user.ID)
	if err != nil {
		return err
	}
	return s.checkCode(row, code)
}

// Enabled reports whether the user has a verified TOTP enrollment.
func (s *TOTPService) Enabled(userID uuid.UUID) (bool, error) {
	_, err := s.enabledRow(userID)
	if err == nil {
		return true, nil
	}
	if KindOf(err) == ErrNotFound {
		return false, nil
	}
	return false, err
}

// Disable removes every TOTP row for the user.
func (s *TOTPService) Disable(userID uuid.UUID) error {
	if err := s.DB.Where("user_id = ?", userID).Delete(&models.TOTPSecret{}).Error; err != nil {
		return wrapError(ErrInternal, "failed to disable TOTP", err)
	}
	logger.Info("totp_disabled", map[string]interface{}{
		"user_id": userID.String(),
	})
	return nil
}

// enabledRow selects the user's enabled secret. More than one enabled
// row is a data-integrity anomaly, not a supported state: the newest
// wins deterministically and the anomaly is logged.
func (s *TOTPService) enabledRow(userID uuid.UUID) (*models.TOTPSecret, error) {
	var rows []models.TOTPSecret
	err := s.DB.Where("user_id = ? AND enabled = ?", userID, true).
		Order("created_at DESC").Find(&rows).Error
	if err != nil {
		return nil, wrapError(ErrInternal, "failed to load TOTP secret", err)
	}
	if len(rows) == 0 {
		return nil, newError(ErrNotFound, "no TOTP enrolled")
	}
	if len(rows) > 1 {
		logger.Warn("multiple_enabled_totp_rows", map[string]interface{}{
			"user_id": userID.String(),
			"count":   len(rows),
		})
	}
	return &rows[0], nil
}

// checkCode opens the sealed secret and validates the code with the
// standard +/-1 step tolerance. A decrypt failure is data corruption,
// classified internal rather than unauthenticated.
func (s *TOTPService) checkCode(row *models.TOTPSecret, code string) error {
	if len(code) != 6 {
		return newError(ErrUnauthenticated, "invalid TOTP code")
	}

	secret, err := secretbox.Open(row.SecretEnvelope, s.Key)
	if err != nil {
		return wrapError(ErrInternal, "failed to decrypt TOTP secret", err)
	}

	if !totp.Validate(code, string(secret)) {
		return newError(ErrUnauthenticated, "invalid TOTP code")
	}
	return nil
}
