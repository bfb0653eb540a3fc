package handlers

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caseflow/backend/internal/config"
	"github.com/caseflow/backend/internal/middleware"
	"github.com/caseflow/backend/internal/models"
	"github.com/caseflow/backend/internal/services"
	"github.com/caseflow/backend/pkg/logger"
	"github.com/caseflow/backend/pkg/secretbox"
	"github.com/caseflow/backend/pkg/utils"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/glebarez/sqlite"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"
)

// recordingMailer captures outgoing mail so tests can fish raw tokens
// out of the links.
type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

type sentMail struct {
	To      string
	Subject string
	Body    string
}

func (m *recordingMailer) Send(to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func (m *recordingMailer) last(t *testing.T) sentMail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("expected at least one mail to have been sent")
	}
	return m.sent[len(m.sent)-1]
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// tokenFromLink extracts the trailing token query value from a mailed
// link.
func tokenFromLink(t *testing.T, body string) string {
	t.Helper()
	idx := strings.LastIndex(body, "token=")
	if idx < 0 {
		t.Fatalf("no token in mail body: %q", body)
	}
	return body[idx+len("token="):]
}

type testEnv struct {
	app      *fiber.App
	db       *gorm.DB
	cfg      *config.Config
	sessions *services.SessionService
	tokens   *services.TokenService
	totp     *services.TOTPService
	passkeys *services.PasskeyService
	recovery *services.RecoveryService
	store    *services.CeremonyStore
	mailer   *recordingMailer
}

var testSetupOnce sync.Once

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		gosqlite.MustRegisterScalarFunction("NOW", 0, func(ctx *gosqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return time.Now().UTC(), nil
		})
		logger.Init()
		utils.ConfigureMFAToken("test-mfa-secret")
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	err = db.AutoMigrate(
		&models.User{},
		&models.PasskeyCredential{},
		&models.TOTPSecret{},
		&models.RecoveryCode{},
		&models.Session{},
		&models.SecurityToken{},
		&models.AuditLog{},
	)
	if err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	cfg := &config.Config{
		Server: config.ServerConfig{
			FrontendURL: "http://localhost:3001",
			CORSOrigins: "http://localhost:3001",
		},
		Auth: config.AuthConfig{
			CookieName:        "caseflow_session",
			SessionTTL:        time.Hour,
			ResetTTL:          30 * time.Minute,
			InviteTTL:         72 * time.Hour,
			CeremonyTTL:       300 * time.Second,
			RecoveryCodeCount: 8,
		},
	}

	key, err := secretbox.DeriveKey("test-encryption-secret")
	if err != nil {
		t.Fatalf("failed deriving encryption key: %v", err)
	}

	web, err := webauthn.New(&webauthn.Config{
		RPID:          "localhost",
		RPDisplayName: "Caseflow",
		RPOrigins:     []string{"http://localhost:3001"},
	})
	if err != nil {
		t.Fatalf("webauthn setup failed: %v", err)
	}

	mailer := &recordingMailer{}
	store := services.NewCeremonyStore(cfg.Auth.CeremonyTTL)
	sessions := services.NewSessionService(db, cfg.Auth.SessionTTL)
	tokens := services.NewTokenService(db, sessions)
	totpSvc := services.NewTOTPService(db, key, "Caseflow")
	passkeys := services.NewPasskeyService(db, web, store)
	recovery := services.NewRecoveryService(db)
	audit := services.NewAuditService(db)

	authHandler := NewAuthHandler(db, cfg, sessions, tokens, totpSvc, passkeys, recovery, audit, mailer)
	mfaHandler := NewMFAHandler(db, cfg, sessions, totpSvc, passkeys, recovery, store, audit)
	webauthnHandler := NewWebAuthnHandler(db, cfg, sessions, passkeys, totpSvc, recovery, store, audit)
	inviteHandler := NewInviteHandler(db, cfg, sessions, tokens, audit, mailer)

	authMiddleware := middleware.NewAuthMiddleware(sessions, cfg.Auth.CookieName)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS(cfg.Server.CORSOrigins))
	app.Use(middleware.RequestLogger())

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Get("/methods", authHandler.LoginMethods)
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Post("/logout", authHandler.Logout)
	authRoutes.Get("/me", authMiddleware.RequireAuth, authHandler.Me)
	authRoutes.Put("/password", authMiddleware.RequireAuth, authHandler.ChangePassword)
	authRoutes.Post("/password-reset", authHandler.RequestPasswordReset)
	authRoutes.Post("/password-reset/confirm", authHandler.ConfirmPasswordReset)
	authRoutes.Post("/credential-reset", authHandler.RequestCredentialReset)
	authRoutes.Post("/credential-reset/confirm", authHandler.ConfirmCredentialReset)

	mfaRoutes := api.Group("/mfa")
	mfaRoutes.Get("/status", authMiddleware.RequireAuth, mfaHandler.Status)
	mfaRoutes.Post("/totp/setup", authMiddleware.RequireAuth, mfaHandler.TOTPSetup)
	mfaRoutes.Post("/totp/verify-setup", authMiddleware.RequireAuth, mfaHandler.TOTPVerifySetup)
	mfaRoutes.Post("/totp/disable", authMiddleware.RequireAuth, mfaHandler.TOTPDisable)
	mfaRoutes.Post("/totp/verify", mfaHandler.VerifyTOTP)
	mfaRoutes.Post("/recovery/verify", mfaHandler.VerifyRecovery)
	mfaRoutes.Post("/recovery/regenerate", authMiddleware.RequireAuth, mfaHandler.RegenerateRecovery)

	webauthnRoutes := api.Group("/webauthn")
	webauthnRoutes.Post("/register/begin", authMiddleware.RequireAuth, webauthnHandler.RegisterBegin)
	webauthnRoutes.Post("/register/finish", authMiddleware.RequireAuth, webauthnHandler.RegisterFinish)
	webauthnRoutes.Post("/login/begin", webauthnHandler.LoginBegin)
	webauthnRoutes.Post("/login/finish", webauthnHandler.LoginFinish)
	webauthnRoutes.Post("/verify/begin", webauthnHandler.VerifyBegin)
	webauthnRoutes.Post("/verify/finish", webauthnHandler.VerifyFinish)
	webauthnRoutes.Get("/credentials", authMiddleware.RequireAuth, webauthnHandler.List)
	webauthnRoutes.Put("/credentials/:id", authMiddleware.RequireAuth, webauthnHandler.Rename)
	webauthnRoutes.Delete("/credentials/:id", authMiddleware.RequireAuth, webauthnHandler.Delete)

	inviteRoutes := api.Group("/invites")
	inviteRoutes.Post("/", authMiddleware.RequireAuth, middleware.AdminOnly, inviteHandler.Create)
	inviteRoutes.Post("/accept", inviteHandler.Accept)

	return &testEnv{
		app:      app,
		db:       db,
		cfg:      cfg,
		sessions: sessions,
		tokens:   tokens,
		totp:     totpSvc,
		passkeys: passkeys,
		recovery: recovery,
		store:    store,
		mailer:   mailer,
	}
}

func createTestUser(t *testing.T, env *testEnv, username string, role models.UserRole) (*models.User, string) {
	t.Helper()

	hash, err := utils.HashPassword("password123")
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}

	email := username + "@test.local"
	user := &models.User{
		Username:             username,
		Email:                &email,
		DisplayName:          "Test User",
		Role:                 role,
		PasswordHash:         hash,
		PasswordLoginAllowed: true,
		Active:               true,
	}
	if err := env.db.Create(user).Error; err != nil {
		t.Fatalf("failed creating test user: %v", err)
	}

	token, _, err := env.sessions.Issue(user.ID)
	if err != nil {
		t.Fatalf("failed issuing session: %v", err)
	}

	return user, token
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}

	return payload
}

func dataMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	body := decodeJSONMap(t, resp)
	data, ok := body["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected data object, got %+v", body)
	}
	return data
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertEnvelopeError(t *testing.T, body map[string]any, expected string) {
	t.Helper()
	if success, _ := body["success"].(bool); success {
		t.Fatalf("expected success=false, got %+v", body)
	}
	if got, _ := body["error"].(string); got != expected {
		t.Fatalf("expected error %q, got %q", expected, got)
	}
}
