package handlers

import (
	"errors"
	"strings"

	"github.com/caseflow/backend/internal/config"
	"github.com/caseflow/backend/internal/middleware"
	"github.com/caseflow/backend/internal/models"
	"github.com/caseflow/backend/internal/services"
	"github.com/caseflow/backend/pkg/logger"
	"github.com/caseflow/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type AuthHandler struct {
	DB       *gorm.DB
	Cfg      *config.Config
	Sessions *services.SessionService
	Tokens   *services.TokenService
	TOTP     *services.TOTPService
	Passkeys *services.PasskeyService
	Recovery *services.RecoveryService
	Audit    *services.AuditService
	Mailer   services.Mailer
}

func NewAuthHandler(db *gorm.DB, cfg *config.Config, sessions *services.SessionService, tokens *services.TokenService, totpSvc *services.TOTPService, passkeys *services.PasskeyService, recovery *services.RecoveryService, audit *services.AuditService, mailer services.Mailer) *AuthHandler {
	return &AuthHandler{
		DB:       db,
		Cfg:      cfg,
		Sessions: sessions,
		Tokens:   tokens,
		TOTP:     totpSvc,
		Passkeys: passkeys,
		Recovery: recovery,
		Audit:    audit,
		Mailer:   mailer,
	}
}

// secondFactors lists the MFA methods available to a user.
func (h *AuthHandler) secondFactors(user *models.User) ([]string, error) {
	var methods []string

	totpEnabled, err := h.TOTP.Enabled(user.ID)
	if err != nil {
		return nil, err
	}
	if totpEnabled {
		methods = append(methods, "totp")
	}

	hasPasskeys, err := h.Passkeys.HasCredentials(user.ID)
	if err != nil {
		return nil, err
	}
	if hasPasskeys {
		methods = append(methods, "webauthn")
	}

	if len(methods) > 0 {
		remaining, err := h.Recovery.Remaining(user.ID)
		if err != nil {
			return nil, err
		}
		if remaining > 0 {
			methods = append(methods, "recovery")
		}
	}

	return methods, nil
}

// LoginMethods reports how a username may sign in. This endpoint
// necessarily reveals account existence; that is the one accepted
// exception to the generic-failure rule.
func (h *AuthHandler) LoginMethods(c *fiber.Ctx) error {
	username := strings.TrimSpace(c.Query("username"))
	if username == "" {
		return utils.Error(c, fiber.StatusBadRequest, "username is required")
	}

	var user models.User
	if err := h.DB.First(&user, "username = ?", username).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "user not found")
	}

	hasPasskeys, err := h.Passkeys.HasCredentials(user.ID)
	if err != nil {
		return serviceError(c, err)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"passwordLogin": user.PasswordLoginAllowed && user.PasswordHash != "",
		"passkeyLogin":  hasPasskeys,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login verifies username+password. Unknown user, wrong password,
// disabled account and password-login-off all produce the same
// generic failure. When the account has a second factor, no session is
// issued yet: the client gets a short-lived MFA challenge token to
// spend on a verify endpoint.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Username = strings.TrimSpace(req.Username)

	if req.Username == "" || req.Password == "" {
		return utils.Error(c, fiber.StatusBadRequest, "username and password are required")
	}

	fail := func(reason string) error {
		logger.Warn("login_failed", map[string]interface{}{
			"username": req.Username,
			"reason":   reason,
			"ip":       c.IP(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "authentication failed")
	}

	var user models.User
	if err := h.DB.First(&user, "username = ?", req.Username).Error; err != nil {
		return fail("user_not_found")
	}
	if !user.Active {
		return fail("account_disabled")
	}
	if !user.PasswordLoginAllowed || user.PasswordHash == "" {
		return fail("password_login_disabled")
	}
	if !utils.CheckPassword(req.Password, user.PasswordHash) {
		return fail("invalid_password")
	}

	methods, err := h.secondFactors(&user)
	if err != nil {
		return serviceError(c, err)
	}

	if len(methods) > 0 {
		mfaToken, err := utils.GenerateMFAToken(user.ID)
		if err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed generating MFA token")
		}

		h.Audit.LogAsync(services.AuditEntry{
			UserID:       &user.ID,
			Action:       "user.login_mfa_pending",
			ResourceType: "user",
			ResourceID:   &user.ID,
			IPAddress:    c.IP(),
			RequestID:    getRequestID(c),
		})

		return utils.Success(c, fiber.StatusOK, fiber.Map{
			"mfaRequired": true,
			"mfaToken":    mfaToken,
			"methods":     methods,
		})
	}

	return loginSuccess(c, h.Cfg, h.Sessions, h.Audit, &user, "password")
}

// loginSuccess creates a session for an authenticated user, mirrors
// the expiry into the cookie and reports the login to the audit trail.
func loginSuccess(c *fiber.Ctx, cfg *config.Config, sessions *services.SessionService, audit *services.AuditService, user *models.User, method string) error {
	token, expiresAt, err := sessions.Issue(user.ID)
	if err != nil {
		return serviceError(c, err)
	}

	setSessionCookie(c, cfg.Auth.CookieName, token, expiresAt)

	logger.Info("user_login", map[string]interface{}{
		"user_id": user.ID.String(),
		"method":  method,
	})

	audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.login",
		ResourceType: "user",
		ResourceID:   &user.ID,
		Details: map[string]interface{}{
			"method": method,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"token":     token,
		"expiresAt": expiresAt,
		"user":      user,
	})
}

func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	if token := c.Cookies(h.Cfg.Auth.CookieName); token != "" {
		if err := h.Sessions.Revoke(token); err != nil {
			return serviceError(c, err)
		}
	}
	clearSessionCookie(c, h.Cfg.Auth.CookieName)
	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "logged out"})
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}
	return utils.Success(c, fiber.StatusOK, user)
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// ChangePassword verifies the current password, swaps the hash and
// revokes every existing session, then hands back a fresh one so the
// current client stays signed in.
func (h *AuthHandler) ChangePassword(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req changePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if len(req.NewPassword) < 8 {
		return utils.Error(c, fiber.StatusBadRequest, "password must be at least 8 characters")
	}
	if !utils.CheckPassword(req.OldPassword, user.PasswordHash) {
		return utils.Error(c, fiber.StatusUnauthorized, "authentication failed")
	}

	hash, err := utils.HashPassword(req.NewPassword)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to hash password")
	}

	err = h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.User{}).Where("id = ?", user.ID).Update("password_hash", hash).Error; err != nil {
			return err
		}
		return h.Sessions.RevokeAllTx(tx, user.ID)
	})
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to change password")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.password_change",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	user.PasswordHash = hash
	return loginSuccess(c, h.Cfg, h.Sessions, h.Audit, user, "password_change")
}

type requestResetRequest struct {
	Email string `json:"email"`
}

// RequestPasswordReset always answers OK so the endpoint cannot be
// used to probe for accounts. When the address matches a user, a reset
// link with a 30-minute token goes out by mail.
func (h *AuthHandler) RequestPasswordReset(c *fiber.Ctx) error {
	var req requestResetRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	return h.requestReset(c, req.Email, models.TokenPurposePassword, "/password-reset?token=", "Reset your Caseflow password")
}

func (h *AuthHandler) requestReset(c *fiber.Ctx, email string, purpose models.TokenPurpose, pathFragment, subject string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return utils.Error(c, fiber.StatusBadRequest, "email is required")
	}

	accepted := utils.Success(c, fiber.StatusOK, fiber.Map{
		"message": "if that address exists, a reset link has been sent",
	})

	var user models.User
	if err := h.DB.First(&user, "email = ?", email).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Error("reset_request_lookup_failed", err, nil)
		}
		return accepted
	}
	if !user.Active {
		return accepted
	}

	raw, record, err := h.Tokens.Issue(purpose, user.ID, h.Cfg.Auth.ResetTTL)
	if err != nil {
		logger.Error("reset_token_issue_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return accepted
	}

	link := h.Cfg.Server.FrontendURL + pathFragment + raw
	if err := h.Mailer.Send(email, subject, link); err != nil {
		logger.Error("reset_mail_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return accepted
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "auth.reset_requested",
		ResourceType: "security_token",
		ResourceID:   &record.ID,
		Details: map[string]interface{}{
			"purpose": string(purpose),
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return accepted
}

type confirmPasswordResetRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

// ConfirmPasswordReset consumes the reset token, updates the password
// hash and revokes every session, all inside one transaction: a failed
// password update leaves the token unconsumed and vice versa.
func (h *AuthHandler) ConfirmPasswordReset(c *fiber.Ctx) error {
	var req confirmPasswordResetRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Token == "" {
		return utils.Error(c, fiber.StatusBadRequest, "token is required")
	}
	if len(req.NewPassword) < 8 {
		return utils.Error(c, fiber.StatusBadRequest, "password must be at least 8 characters")
	}

	hash, err := utils.HashPassword(req.NewPassword)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to hash password")
	}

	var record *models.SecurityToken
	err = h.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		record, err = h.Tokens.Consume(tx, req.Token, models.TokenPurposePassword)
		if err != nil {
			return err
		}
		if err := tx.Model(&models.User{}).Where("id = ?", *record.UserID).Update("password_hash", hash).Error; err != nil {
			return err
		}
		return h.Sessions.RevokeAllTx(tx, *record.UserID)
	})
	if err != nil {
		return serviceError(c, err)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       record.UserID,
		Action:       "user.password_reset",
		ResourceType: "user",
		ResourceID:   record.UserID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "password updated"})
}

type requestCredentialResetRequest struct {
	Email string `json:"email"`
	Kind  string `json:"kind"`
}

// RequestCredentialReset starts a lost-second-factor flow: the mailed
// token, once confirmed, wipes that factor so the user can re-enroll.
func (h *AuthHandler) RequestCredentialReset(c *fiber.Ctx) error {
	var req requestCredentialResetRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	purpose, err := credentialResetPurpose(req.Kind)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "kind must be totp or passkey")
	}

	return h.requestReset(c, req.Email, purpose, "/reset?kind="+req.Kind+"&token=", "Reset your Caseflow sign-in method")
}

type confirmCredentialResetRequest struct {
	Token string `json:"token"`
	Kind  string `json:"kind"`
}

// ConfirmCredentialReset consumes the token, deletes every credential
// of that kind and revokes the user's sessions in one transaction.
func (h *AuthHandler) ConfirmCredentialReset(c *fiber.Ctx) error {
	var req confirmCredentialResetRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Token == "" {
		return utils.Error(c, fiber.StatusBadRequest, "token is required")
	}

	purpose, err := credentialResetPurpose(req.Kind)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "kind must be totp or passkey")
	}

	record, err := h.Tokens.ConsumeReset(req.Token, purpose)
	if err != nil {
		return serviceError(c, err)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       record.UserID,
		Action:       "auth.credential_reset",
		ResourceType: "user",
		ResourceID:   record.UserID,
		Details: map[string]interface{}{
			"kind": req.Kind,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "sign-in method reset"})
}

func credentialResetPurpose(kind string) (models.TokenPurpose, error) {
	switch kind {
	case "totp":
		return models.TokenPurposeTOTP, nil
	case "passkey":
		return models.TokenPurposePasskey, nil
	default:
		return "", errors.New("unknown kind")
	}
}
