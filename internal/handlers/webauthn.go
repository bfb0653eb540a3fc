package handlers

import (
	"encoding/json"
	"strings"

	"github.com/caseflow/backend/internal/config"
	"github.com/caseflow/backend/internal/middleware"
	"github.com/caseflow/backend/internal/services"
	"github.com/caseflow/backend/pkg/logger"
	"github.com/caseflow/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type WebAuthnHandler struct {
	DB       *gorm.DB
	Cfg      *config.Config
	Sessions *services.SessionService
	Passkeys *services.PasskeyService
	TOTP     *services.TOTPService
	Recovery *services.RecoveryService
	Store    *services.CeremonyStore
	Audit    *services.AuditService
}

func NewWebAuthnHandler(db *gorm.DB, cfg *config.Config, sessions *services.SessionService, passkeys *services.PasskeyService, totpSvc *services.TOTPService, recovery *services.RecoveryService, store *services.CeremonyStore, audit *services.AuditService) *WebAuthnHandler {
	return &WebAuthnHandler{
		DB:       db,
		Cfg:      cfg,
		Sessions: sessions,
		Passkeys: passkeys,
		TOTP:     totpSvc,
		Recovery: recovery,
		Store:    store,
		Audit:    audit,
	}
}

// RegisterBegin opens a passkey registration ceremony for the signed-in
// user. The returned session id must come back with the authenticator
// response.
func (h *WebAuthnHandler) RegisterBegin(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	sessionID, options, err := h.Passkeys.RegisterStart(user)
	if err != nil {
		return serviceError(c, err)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"sessionId": sessionID,
		"options":   options,
	})
}

type registerFinishRequest struct {
	SessionID string          `json:"sessionId"`
	Name      string          `json:"name"`
	Response  json.RawMessage `json:"response"`
}

// RegisterFinish completes registration and stores the new credential.
// Enrolling the account's first second factor also mints recovery
// codes, returned once in this response.
func (h *WebAuthnHandler) RegisterFinish(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req registerFinishRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.SessionID == "" || len(req.Response) == 0 {
		return utils.Error(c, fiber.StatusBadRequest, "sessionId and response are required")
	}

	credential, err := h.Passkeys.RegisterFinish(user, req.SessionID, req.Response, req.Name)
	if err != nil {
		return serviceError(c, err)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "mfa.passkey_registered",
		ResourceType: "passkey_credential",
		ResourceID:   &credential.ID,
		Details: map[string]interface{}{
			"name": credential.Name,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	data := fiber.Map{"credential": credential}

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

	return utils.Success(c, fiber.StatusCreated, data)
}

type loginBeginRequest struct {
	Username string `json:"username"`
}

// LoginBegin starts a passwordless passkey login for a username.
func (h *WebAuthnHandler) LoginBegin(c *fiber.Ctx) error {
	var req loginBeginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		return utils.Error(c, fiber.StatusBadRequest, "username is required")
	}

	sessionID, options, err := h.Passkeys.LoginStart(req.Username)
	if err != nil {
		return serviceError(c, err)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"sessionId": sessionID,
		"options":   options,
	})
}

type loginFinishRequest struct {
	SessionID string          `json:"sessionId"`
	Response  json.RawMessage `json:"response"`
}

// LoginFinish verifies the assertion and signs the user in.
func (h *WebAuthnHandler) LoginFinish(c *fiber.Ctx) error {
	var req loginFinishRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.SessionID == "" || len(req.Response) == 0 {
		return utils.Error(c, fiber.StatusBadRequest, "sessionId and response are required")
	}

	user, err := h.Passkeys.LoginFinish(req.SessionID, req.Response)
	if err != nil {
		logger.Warn("passkey_login_failed", map[string]interface{}{
			"ip": c.IP(),
		})
		return serviceError(c, err)
	}

	return loginSuccess(c, h.Cfg, h.Sessions, h.Audit, user, "webauthn")
}

type verifyBeginRequest struct {
	MFAToken string `json:"mfaToken"`
}

// VerifyBegin starts a passkey ceremony as the second factor of a
// password login. The MFA challenge token names the user, so no
// username is taken here.
func (h *WebAuthnHandler) VerifyBegin(c *fiber.Ctx) error {
	var req verifyBeginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.MFAToken == "" {
		return utils.Error(c, fiber.StatusBadRequest, "mfaToken is required")
	}

	user, _, err := resolveMFAToken(c, h.DB, h.Store, req.MFAToken)
	if user == nil {
		return err
	}

	sessionID, options, err := h.Passkeys.LoginStartForUser(user)
	if err != nil {
		return serviceError(c, err)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"sessionId": sessionID,
		"options":   options,
	})
}

type verifyFinishRequest struct {
	MFAToken  string          `json:"mfaToken"`
	SessionID string          `json:"sessionId"`
	Response  json.RawMessage `json:"response"`
}

// VerifyFinish completes the second-factor passkey ceremony, burns the
// challenge token and issues the session.
func (h *WebAuthnHandler) VerifyFinish(c *fiber.Ctx) error {
	var req verifyFinishRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.MFAToken == "" || req.SessionID == "" || len(req.Response) == 0 {
		return utils.Error(c, fiber.StatusBadRequest, "mfaToken, sessionId and response are required")
	}

	user, claims, err := resolveMFAToken(c, h.DB, h.Store, req.MFAToken)
	if user == nil {
		return err
	}

	verified, err := h.Passkeys.LoginFinish(req.SessionID, req.Response)
	if err != nil {
		return serviceError(c, err)
	}
	if verified.ID != user.ID {
		// The assertion must belong to the user the challenge token
		// was minted for.
		return utils.Error(c, fiber.StatusUnauthorized, "invalid MFA token")
	}

	if !h.Store.ConsumeJTI(claims.JTI) {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid MFA token")
	}

	return loginSuccess(c, h.Cfg, h.Sessions, h.Audit, verified, "webauthn")
}

// List returns the caller's registered passkeys.
func (h *WebAuthnHandler) List(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	credentials, err := h.Passkeys.List(user.ID)
	if err != nil {
		return serviceError(c, err)
	}

	return utils.Success(c, fiber.StatusOK, credentials)
}

type renameRequest struct {
	Name string `json:"name"`
}

func (h *WebAuthnHandler) Rename(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	credentialID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential id")
	}

	var req renameRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Name) == "" {
		return utils.Error(c, fiber.StatusBadRequest, "name is required")
	}

	credential, err := h.Passkeys.Rename(user.ID, credentialID, strings.TrimSpace(req.Name))
	if err != nil {
		return serviceError(c, err)
	}

	return utils.Success(c, fiber.StatusOK, credential)
}

// Delete removes a passkey. Dropping the last second factor also
// discards the now-pointless recovery codes.
func (h *WebAuthnHandler) Delete(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	credentialID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential id")
	}

	if err := h.Passkeys.Delete(user.ID, credentialID); err != nil {
		return serviceError(c, err)
	}

	hasPasskeys, err := h.Passkeys.HasCredentials(user.ID)
	if err != nil {
		return serviceError(c, err)
	}
	if !hasPasskeys {
		totpEnabled, err := h.TOTP.Enabled(user.ID)
		if err != nil {
			return serviceError(c, err)
		}
		if !totpEnabled {
			if err := h.Recovery.DeleteAll(user.ID); err != nil {
				return serviceError(c, err)
			}
		}
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "mfa.passkey_deleted",
		ResourceType: "passkey_credential",
		ResourceID:   &credentialID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"deleted": true})
}
