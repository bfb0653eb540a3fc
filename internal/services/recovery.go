package services

import (
	"time"

	"github.com/caseflow/backend/internal/models"
	"github.com/caseflow/backend/pkg/logger"
	"github.com/caseflow/backend/pkg/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// recoveryCodeBytes gives 96 bits per code (16 base64 characters).
// Intra-batch collisions are not checked; at this entropy they are
// cryptographically negligible.
const recoveryCodeBytes = 12

// RecoveryService issues and consumes one-time recovery codes. Codes
// are short enough for users to print or store, so they get the slow
// salted hash, the same brute-force posture as passwords.
type RecoveryService struct {
	DB *gorm.DB
}

func NewRecoveryService(db *gorm.DB) *RecoveryService {
	return &RecoveryService{DB: db}
}

// Generate replaces the user's recovery codes: all prior rows are
// deleted and the new batch inserted in one transaction, so the user
// never holds a mix of old and new codes. The raw codes are returned
// for one-time display.
func (r *RecoveryService) Generate(userID uuid.UUID, count int) ([]string, error) {
	if count <= 0 {
		return nil, newError(ErrValidation, "count must be positive")
	}

	raws := make([]string, 0, count)
	rows := make([]models.RecoveryCode, 0, count)
	for i := 0; i < count; i++ {
		raw, err := utils.NewRandomToken(recoveryCodeBytes)
		if err != nil {
			return nil, wrapError(ErrInternal, "failed to generate recovery code", err)
		}
		hash, err := utils.HashPassword(raw)
		if err != nil {
			return nil, wrapError(ErrInternal, "failed to hash recovery code", err)
		}
		raws = append(raws, raw)
		rows = append(rows, models.RecoveryCode{UserID: userID, CodeHash: hash})
	}

	err := r.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.RecoveryCode{}).Error; err != nil {
			return wrapError(ErrInternal, "failed to delete old recovery codes", err)
		}
		if err := tx.Create(&rows).Error; err != nil {
			return wrapError(ErrInternal, "failed to save recovery codes", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("recovery_codes_generated", map[string]interface{}{
		"user_id": userID.String(),
		"count":   count,
	})
	return raws, nil
}

// VerifyAndConsume checks candidate against the user's unused codes
// and burns the first match. The linear slow-hash scan is acceptable:
// batches are small and only shrink. The burn is a conditional update
// so two racing consumers of the same code see one success.
func (r *RecoveryService) VerifyAndConsume(userID uuid.UUID, candidate string) error {
	var rows []models.RecoveryCode
	if err := r.DB.Where("user_id = ? AND used_at IS NULL", userID).Find(&rows).Error; err != nil {
		return wrapError(ErrInternal, "failed to load recovery codes", err)
	}

	for _, row := range rows {
		if !utils.CheckPassword(candidate, row.CodeHash) {
			continue
		}

		result := r.DB.Model(&models.RecoveryCode{}).
			Where("id = ? AND used_at IS NULL", row.ID).
			Update("used_at", time.Now())
		if result.Error != nil {
			return wrapError(ErrInternal, "failed to consume recovery code", result.Error)
		}
		if result.RowsAffected == 0 {
			break
		}

		logger.Info("recovery_code_used", map[string]interface{}{
			"user_id": userID.String(),
		})
		return nil
	}

	return newError(ErrUnauthenticated, "invalid recovery code")
}

// Remaining counts the user's unused codes.
func (r *RecoveryService) Remaining(userID uuid.UUID) (int64, error) {
	var count int64
	err := r.DB.Model(&models.RecoveryCode{}).
		Where("user_id = ? AND used_at IS NULL", userID).Count(&count).Error
	if err != nil {
		return 0, wrapError(ErrInternal, "failed to count recovery codes", err)
	}
	return count, nil
}

// DeleteAll removes every recovery code for the user, used or not.
func (r *RecoveryService) DeleteAll(userID uuid.UUID) error {
	if err := r.DB.Where("user_id = ?", userID).Delete(&models.RecoveryCode{}).Error; err != nil {
		return wrapError(ErrInternal, "failed to delete recovery codes", err)
	}
	return nil
}
