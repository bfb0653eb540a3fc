package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DB       DBConfig
	Server   ServerConfig
	Auth     AuthConfig
	WebAuthn WebAuthnConfig
	SMTP     SMTPConfig
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type ServerConfig struct {
	Port        string
	FrontendURL string
	CORSOrigins string
}

type AuthConfig struct {
	// EncryptionSecret is stretched into the AES key that seals
	// secrets at rest. MFATokenSecret signs the short-lived MFA
	// challenge JWT.
	EncryptionSecret  string
	MFATokenSecret    string
	CookieName        string
	SessionTTL        time.Duration
	ResetTTL          time.Duration
	InviteTTL         time.Duration
	CeremonyTTL       time.Duration
	RecoveryCodeCount int
}

type WebAuthnConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

type SMTPConfig struct {
	Enabled  bool
	Host     string
	Port     string
	From     string
	Username string
	Password string
}

func Load() *Config {
	return &Config{
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "caseflow"),
			Password: getEnv("DB_PASSWORD", "caseflow_secret"),
			Name:     getEnv("DB_NAME", "caseflow"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Server: ServerConfig{
			Port:        getEnv("SERVER_PORT", "8080"),
			FrontendURL: getEnv("FRONTEND_URL", "http://localhost:3001"),
			CORSOrigins: getEnv("CORS_ORIGINS", "http://localhost:3001,http://127.0.0.1:3001"),
		},
		Auth: AuthConfig{
			EncryptionSecret:  getEnv("AUTH_ENCRYPTION_SECRET", ""),
			MFATokenSecret:    getEnv("AUTH_MFA_TOKEN_SECRET", "change-me-in-production"),
			CookieName:        getEnv("AUTH_COOKIE_NAME", "caseflow_session"),
			SessionTTL:        getEnvAsDuration("AUTH_SESSION_TTL", 24*time.Hour),
			ResetTTL:          getEnvAsDuration("AUTH_RESET_TTL", 30*time.Minute),
			InviteTTL:         getEnvAsDuration("AUTH_INVITE_TTL", 72*time.Hour),
			CeremonyTTL:       getEnvAsDuration("AUTH_CEREMONY_TTL", 300*time.Second),
			RecoveryCodeCount: getEnvAsInt("AUTH_RECOVERY_CODE_COUNT", 8),
		},
		WebAuthn: WebAuthnConfig{
			RPID:          getEnv("WEBAUTHN_RP_ID", "localhost"),
			RPDisplayName: getEnv("WEBAUTHN_RP_NAME", "Caseflow"),
			RPOrigins:     splitList(getEnv("WEBAUTHN_RP_ORIGINS", "http://localhost:3001")),
		},
		SMTP: SMTPConfig{
			Enabled:  getEnvAsBool("SMTP_ENABLED", false),
			Host:     getEnv("SMTP_HOST", "localhost"),
			Port:     getEnv("SMTP_PORT", "25"),
			From:     getEnv("SMTP_FROM", "noreply@caseflow.local"),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
		},
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}
