package middleware

import (
	"strings"

	"github.com/caseflow/backend/internal/models"
	"github.com/caseflow/backend/internal/services"
	"github.com/caseflow/backend/pkg/logger"
	"github.com/caseflow/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

const currentUserKey = "currentUser"

// AuthMiddleware authenticates requests by their opaque session token,
// carried either in the session cookie or a Bearer header.
type AuthMiddleware struct {
	Sessions   *services.SessionService
	CookieName string
}

func NewAuthMiddleware(sessions *services.SessionService, cookieName string) *AuthMiddleware {
	return &AuthMiddleware{Sessions: sessions, CookieName: cookieName}
}

func CORS(origins string) fiber.Handler {
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowMethods:     "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowCredentials: true,
	})
}

func (a *AuthMiddleware) token(c *fiber.Ctx) string {
	if cookie := c.Cookies(a.CookieName); cookie != "" {
		return cookie
	}

	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer"))
	if token == authHeader {
		return ""
	}
	return token
}

func (a *AuthMiddleware) RequireAuth(c *fiber.Ctx) error {
	token := a.token(c)
	if token == "" {
		return utils.Error(c, fiber.StatusUnauthorized, "missing session token")
	}

	user, err := a.Sessions.Validate(token)
	if err != nil {
		logger.Warn("session_validation_failed", map[string]interface{}{
			"ip":    c.IP(),
			"path":  c.Path(),
			"error": err.Error(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired session")
	}

	c.Locals(currentUserKey, user)
	return c.Next()
}

func (a *AuthMiddleware) OptionalAuth(c *fiber.Ctx) error {
	token := a.token(c)
	if token == "" {
		return c.Next()
	}

	user, err := a.Sessions.Validate(token)
	if err != nil {
		return c.Next()
	}

	c.Locals(currentUserKey, user)
	return c.Next()
}

func AdminOnly(c *fiber.Ctx) error {
	user := GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}
	if user.Role != models.UserRoleAdmin {
		return utils.Error(c, fiber.StatusForbidden, "admin access required")
	}
	return c.Next()
}

func GetCurrentUser(c *fiber.Ctx) *models.User {
	value := c.Locals(currentUserKey)
	if value == nil {
		return nil
	}
	user, ok := value.(*models.User)
	if !ok {
		return nil
	}
	return user
}
