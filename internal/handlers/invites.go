package handlers

import (
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

type InviteHandler struct {
	DB       *gorm.DB
	Cfg      *config.Config
	Sessions *services.SessionService
	Tokens   *services.TokenService
	Audit    *services.AuditService
	Mailer   services.Mailer
}

func NewInviteHandler(db *gorm.DB, cfg *config.Config, sessions *services.SessionService, tokens *services.TokenService, audit *services.AuditService, mailer services.Mailer) *InviteHandler {
	return &InviteHandler{
		DB:       db,
		Cfg:      cfg,
		Sessions: sessions,
		Tokens:   tokens,
		Audit:    audit,
		Mailer:   mailer,
	}
}

type createInviteRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// Create issues an invite for a new account. Admin only. The invite
// link is mailed when an address is given and always returned to the
// admin, who may hand it over out of band.
func (h *InviteHandler) Create(c *fiber.Ctx) error {
	admin := middleware.GetCurrentUser(c)
	if admin == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req createInviteRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Username == "" {
		return utils.Error(c, fiber.StatusBadRequest, "username is required")
	}

	role := models.UserRoleUser
	if req.Role == string(models.UserRoleAdmin) {
		role = models.UserRoleAdmin
	}

	var existing int64
	if err := h.DB.Model(&models.User{}).Where("username = ?", req.Username).Count(&existing).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "internal error")
	}
	if existing > 0 {
		return utils.Error(c, fiber.StatusConflict, "username already taken")
	}

	raw, record, err := h.Tokens.IssueInvite(services.InviteProfile{
		Username:    req.Username,
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Role:        role,
	}, h.Cfg.Auth.InviteTTL)
	if err != nil {
		return serviceError(c, err)
	}

	link := h.Cfg.Server.FrontendURL + "/invite?token=" + raw
	if req.Email != "" {
		if err := h.Mailer.Send(req.Email, "You have been invited to Caseflow", link); err != nil {
			logger.Error("invite_mail_failed", err, map[string]interface{}{
				"username": req.Username,
			})
		}
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &admin.ID,
		Action:       "invite.created",
		ResourceType: "security_token",
		ResourceID:   &record.ID,
		Details: map[string]interface{}{
			"username": req.Username,
			"role":     string(role),
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusCreated, fiber.Map{
		"inviteUrl": link,
		"expiresAt": record.ExpiresAt,
	})
}

type acceptInviteRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// Accept redeems an invite token and creates the account it describes,
// then signs the new user straight in.
func (h *InviteHandler) Accept(c *fiber.Ctx) error {
	var req acceptInviteRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Token == "" {
		return utils.Error(c, fiber.StatusBadRequest, "token is required")
	}
	if len(req.Password) < 8 {
		return utils.Error(c, fiber.StatusBadRequest, "password must be at least 8 characters")
	}

	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to hash password")
	}

	var user models.User
	err = h.DB.Transaction(func(tx *gorm.DB) error {
		record, err := h.Tokens.Consume(tx, req.Token, models.TokenPurposeInvite)
		if err != nil {
			return err
		}

		var taken int64
		if err := tx.Model(&models.User{}).Where("username = ?", *record.InviteUsername).Count(&taken).Error; err != nil {
			return err
		}
		if taken > 0 {
			return errUsernameTaken
		}

		user = models.User{
			Username:             *record.InviteUsername,
			DisplayName:          stringOrEmpty(record.InviteDisplayName),
			Role:                 roleOrDefault(record.InviteRole),
			PasswordHash:         hash,
			PasswordLoginAllowed: true,
			Active:               true,
		}
		if record.InviteEmail != nil && *record.InviteEmail != "" {
			user.Email = record.InviteEmail
		}
		return tx.Create(&user).Error
	})
	if err != nil {
		if err == errUsernameTaken {
			return utils.Error(c, fiber.StatusConflict, "username already taken")
		}
		return serviceError(c, err)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "invite.accepted",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return loginSuccess(c, h.Cfg, h.Sessions, h.Audit, &user, "invite")
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func roleOrDefault(role *models.UserRole) models.UserRole {
	if role == nil || *role == "" {
		return models.UserRoleUser
	}
	return *role
}
