package handlers

import (
	"github.com/caseflow/backend/internal/config"
	"github.com/caseflow/backend/internal/middleware"
	"github.com/caseflow/backend/internal/models"
	"github.com/caseflow/backend/internal/services"
	"github.com/caseflow/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type MFAHandler struct {
	DB       *gorm.DB
	Cfg      *config.Config
	Sessions *services.SessionService
	TOTP     *services.TOTPService
	Passkeys *services.PasskeyService
	Recovery *services.RecoveryService
	Store    *services.CeremonyStore
	Audit    *services.AuditService
}

func NewMFAHandler(db *gorm.DB, cfg *config.Config, sessions *services.SessionService, totpSvc *services.TOTPService, passkeys *services.PasskeyService, recovery *services.RecoveryService, store *services.CeremonyStore, audit *services.AuditService) *MFAHandler {
	return &MFAHandler{
		DB:       db,
		Cfg:      cfg,
		Sessions: sessions,
		TOTP:     totpSvc,
		Passkeys: passkeys,
		Recovery: recovery,
		Store:    store,
		Audit:    audit,
	}
}

// Status reports the caller's second-factor enrollment state.
func (h *MFAHandler) Status(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	totpEnabled, err := h.TOTP.Enabled(user.ID)
	if err != nil {
		return serviceError(c, err)
	}
	passkeys, err := h.Passkeys.List(user.ID)
	if err != nil {
		return serviceError(c, err)
	}
	remaining, err := h.Recovery.Remaining(user.ID)
	if err != nil {
		return serviceError(c, err)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"totpEnabled":            totpEnabled,
		"passkeyCount":           len(passkeys),
		"recoveryCodesRemaining": remaining,
	})
}

// TOTPSetup starts authenticator enrollment. The otpauth URL is shown
// to the user exactly once, as a QR code; only the encrypted secret is
// kept server-side.
func (h *MFAHandler) TOTPSetup(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	enrollmentID, otpauthURL, err := h.TOTP.StartEnrollment(user)
	if err != nil {
		return serviceError(c, err)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"enrollmentId": enrollmentID,
		"otpauthUrl":   otpauthURL,
	})
}

type totpVerifySetupRequest struct {
	EnrollmentID string `json:"enrollmentId"`
	Code         string `json:"code"`
}

// TOTPVerifySetup proves the authenticator was provisioned and turns
// the factor on. First-time enrollment also mints recovery codes,
// returned here and never again.
func (h *MFAHandler) TOTPVerifySetup(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req totpVerifySetupRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	enrollmentID, err := parseUUID(req.EnrollmentID)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid enrollment id")
	}

	if err := h.TOTP.FinishEnrollment(user, enrollmentID, req.Code); err != nil {
		return serviceError(c, err)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "mfa.totp_enabled",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	data := fiber.Map{"enabled": true}

	remaining, err := h.Recovery.Remaining(user.ID)
	if err != nil {
		return serviceError(c, err)
	}
	if remaining == 0 {
		codes, err := h.Recovery.Generate(user.ID, h.Cfg.Auth.RecoveryCodeCount)
		if err != nil {
			return serviceError(c, err)
		}
		data["recoveryCodes"] = codes
	}

	return utils.Success(c, fiber.StatusOK, data)
}

type totpDisableRequest struct {
	Password string `json:"password"`
	Code     string `json:"code"`
}

// TOTPDisable turns the authenticator factor off. The caller must
// reassert ownership with their password, or with a current TOTP code
// when the account has no password.
func (h *MFAHandler) TOTPDisable(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req totpDisableRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if !h.reauthenticate(user, req.Password, req.Code) {
		return utils.Error(c, fiber.StatusUnauthorized, "authentication failed")
	}

	if err := h.TOTP.Disable(user.ID); err != nil {
		return serviceError(c, err)
	}

	// Recovery codes only make sense while a second factor exists.
	hasPasskeys, err := h.Passkeys.HasCredentials(user.ID)
	if err != nil {
		return serviceError(c, err)
	}
	if !hasPasskeys {
		if err := h.Recovery.DeleteAll(user.ID); err != nil {
			return serviceError(c, err)
		}
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "mfa.totp_disabled",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"enabled": false})
}

func (h *MFAHandler) reauthenticate(user *models.User, password, code string) bool {
	if password != "" && user.PasswordHash != "" {
		return utils.CheckPassword(password, user.PasswordHash)
	}
	if code != "" {
		return h.TOTP.VerifyLogin(user, code) == nil
	}
	return false
}

type mfaVerifyRequest struct {
	MFAToken string `json:"mfaToken"`
	Code     string `json:"code"`
}

// VerifyTOTP spends an MFA challenge token against an authenticator
// code and, on success, finishes the login with a real session.
func (h *MFAHandler) VerifyTOTP(c *fiber.Ctx) error {
	return h.verifySecondFactor(c, "totp", func(user *models.User, code string) error {
		return h.TOTP.VerifyLogin(user, code)
	})
}

// VerifyRecovery is the same login step using a one-time recovery code.
func (h *MFAHandler) VerifyRecovery(c *fiber.Ctx) error {
	return h.verifySecondFactor(c, "recovery", func(user *models.User, code string) error {
		return h.Recovery.VerifyAndConsume(user.ID, code)
	})
}

func (h *MFAHandler) verifySecondFactor(c *fiber.Ctx, method string, check func(*models.User, string) error) error {
	var req mfaVerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.MFAToken == "" || req.Code == "" {
		return utils.Error(c, fiber.StatusBadRequest, "mfaToken and code are required")
	}

	user, claims, err := resolveMFAToken(c, h.DB, h.Store, req.MFAToken)
	if user == nil {
		return err
	}

	if err := check(user, req.Code); err != nil {
		return serviceError(c, err)
	}

	// The JTI burns only after the factor verified, so a typo does not
	// cost the user their challenge token. A concurrent double-spend
	// loses here instead.
	if !h.Store.ConsumeJTI(claims.JTI) {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid MFA token")
	}

	return loginSuccess(c, h.Cfg, h.Sessions, h.Audit, user, method)
}

// RegenerateRecovery replaces the full recovery code set. Previously
// issued codes stop working immediately.
func (h *MFAHandler) RegenerateRecovery(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req totpDisableRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if !h.reauthenticate(user, req.Password, req.Code) {
		return utils.Error(c, fiber.StatusUnauthorized, "authentication failed")
	}

	codes, err := h.Recovery.Generate(user.ID, h.Cfg.Auth.RecoveryCodeCount)
	if err != nil {
		return serviceError(c, err)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "mfa.recovery_regenerated",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"recoveryCodes": codes})
}
