package handlers

import (
	"errors"
	"strings"
	"time"

	"github.com/caseflow/backend/internal/models"
	"github.com/caseflow/backend/internal/services"
	"github.com/caseflow/backend/pkg/logger"
	"github.com/caseflow/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// errUsernameTaken aborts the invite-acceptance transaction when the
// username got registered between invite creation and redemption.
var errUsernameTaken = errors.New("username already taken")

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(value))
}

func getRequestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestID").(string); ok {
		return id
	}
	return ""
}

// serviceError translates a service failure into the response envelope.
// Internal causes are collapsed to a generic message; everything else
// carries the service's own public message.
func serviceError(c *fiber.Ctx, err error) error {
	var status int
	switch services.KindOf(err) {
	case services.ErrValidation:
		status = fiber.StatusBadRequest
	case services.ErrUnauthenticated:
		status = fiber.StatusUnauthorized
	case services.ErrForbidden:
		status = fiber.StatusForbidden
	case services.ErrNotFound:
		status = fiber.StatusNotFound
	case services.ErrConflict:
		status = fiber.StatusConflict
	default:
		return utils.Error(c, fiber.StatusInternalServerError, "internal error")
	}

	return utils.Error(c, status, services.PublicMessage(err))
}

// resolveMFAToken validates an MFA challenge token and loads its user.
// A bad signature, consumed token ID, missing user or disabled account
// all answer the same 401; the JTI is consumed later, only after the
// second factor itself checks out. When the returned user is nil the
// response has already been written and the error must be returned
// as-is.
func resolveMFAToken(c *fiber.Ctx, db *gorm.DB, store *services.CeremonyStore, tokenString string) (*models.User, *utils.MFAClaims, error) {
	rejected := func(reason string) (*models.User, *utils.MFAClaims, error) {
		logger.Warn("mfa_token_rejected", map[string]interface{}{
			"reason": reason,
			"ip":     c.IP(),
		})
		return nil, nil, utils.Error(c, fiber.StatusUnauthorized, "invalid MFA token")
	}

	claims, err := utils.ValidateMFAToken(tokenString)
	if err != nil {
		return rejected("invalid_token")
	}
	if !store.IsJTIValid(claims.JTI) {
		return rejected("token_already_used")
	}

	var user models.User
	if err := db.First(&user, "id = ?", claims.UserID).Error; err != nil {
		return rejected("user_not_found")
	}
	if !user.Active {
		return rejected("account_disabled")
	}

	return &user, claims, nil
}

func setSessionCookie(c *fiber.Ctx, name, token string, expiresAt time.Time) {
	c.Cookie(&fiber.Cookie{
		Name:     name,
		Value:    token,
		Expires:  expiresAt,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
		Path:     "/",
	})
}

func clearSessionCookie(c *fiber.Ctx, name string) {
	c.Cookie(&fiber.Cookie{
		Name:     name,
		Value:    "",
		Expires:  time.Now().Add(-time.Hour),
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
		Path:     "/",
	})
}
