package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caseflow/backend/internal/config"
	"github.com/caseflow/backend/internal/database"
	"github.com/caseflow/backend/internal/handlers"
	"github.com/caseflow/backend/internal/middleware"
	"github.com/caseflow/backend/internal/services"
	"github.com/caseflow/backend/pkg/logger"
	"github.com/caseflow/backend/pkg/secretbox"
	"github.com/caseflow/backend/pkg/utils"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func main() {
	logger.Init()

	cfg := config.Load()
	utils.ConfigureMFAToken(cfg.Auth.MFATokenSecret)

	if cfg.Auth.EncryptionSecret == "" {
		log.Fatal("AUTH_ENCRYPTION_SECRET must be set")
	}
	encryptionKey, err := secretbox.DeriveKey(cfg.Auth.EncryptionSecret)
	if err != nil {
		log.Fatalf("key derivation failed: %v", err)
	}

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	web, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.WebAuthn.RPID,
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
	})
	if err != nil {
		log.Fatalf("webauthn initialization failed: %v", err)
	}

	var mailer services.Mailer
	if cfg.SMTP.Enabled {
		mailer = &services.SMTPMailer{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			From:     cfg.SMTP.From,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		}
	} else {
		mailer = &services.LogMailer{}
	}

	store := services.NewCeremonyStore(cfg.Auth.CeremonyTTL)
	sessions := services.NewSessionService(db, cfg.Auth.SessionTTL)
	tokens := services.NewTokenService(db, sessions)
	totpSvc := services.NewTOTPService(db, encryptionKey, cfg.WebAuthn.RPDisplayName)
	passkeys := services.NewPasskeyService(db, web, store)
	recovery := services.NewRecoveryService(db)
	audit := services.NewAuditService(db)

	authHandler := handlers.NewAuthHandler(db, cfg, sessions, tokens, totpSvc, passkeys, recovery, audit, mailer)
	mfaHandler := handlers.NewMFAHandler(db, cfg, sessions, totpSvc, passkeys, recovery, store, audit)
	webauthnHandler := handlers.NewWebAuthnHandler(db, cfg, sessions, passkeys, totpSvc, recovery, store, audit)
	inviteHandler := handlers.NewInviteHandler(db, cfg, sessions, tokens, audit, mailer)

	authMiddleware := middleware.NewAuthMiddleware(sessions, cfg.Auth.CookieName)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS(cfg.Server.CORSOrigins))
	app.Use(middleware.RequestLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

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

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":    cfg.Server.Port,
		"address": listenAddr,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		shutdownDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-time.After(10 * time.Second):
			log.Print("forced shutdown timeout reached")
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}
}
