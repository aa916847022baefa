// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
)

// Config is the top-level process configuration shared by the API server
// and the standalone worker.
type Config struct {
	HTTPAddr      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	Environment   string
	LogLevel      string
	FrontendURL   string

	SMTPHost   string
	SMTPPort   string
	SMTPSecure bool
	SMTPUser   string
	SMTPPass   string
	SMTPFrom   string

	SMSAccountSID  string
	SMSAuthToken   string
	SMSPhoneNumber string

	PushProjectID         string
	PushServiceAccountKey string

	SlackBotToken string

	TelegramBotToken string
}

func Load() Config {
	return Config{
		HTTPAddr:      ":" + envOr("PORT", "3001"),
		DatabaseURL:   envOr("DATABASE_URL", ""),
		RedisAddr:     fmt.Sprintf("%s:%s", envOr("REDIS_HOST", "localhost"), envOr("REDIS_PORT", "6379")),
		RedisPassword: envOr("REDIS_PASSWORD", ""),
		Environment:   envOr("ENVIRONMENT", "development"),
		LogLevel:      envOr("LOG_LEVEL", "info"),
		FrontendURL:   envOr("FRONTEND_URL", "*"),

		SMTPHost:   envOr("SMTP_HOST", ""),
		SMTPPort:   envOr("SMTP_PORT", "587"),
		SMTPSecure: envOr("SMTP_SECURE", "false") == "true",
		SMTPUser:   envOr("SMTP_USER", ""),
		SMTPPass:   envOr("SMTP_PASS", ""),
		SMTPFrom:   envOr("SMTP_FROM", ""),

		SMSAccountSID:  envOr("ACCOUNT_SID", ""),
		SMSAuthToken:   envOr("AUTH_TOKEN", ""),
		SMSPhoneNumber: envOr("PHONE_NUMBER", ""),

		PushProjectID:         envOr("PROJECT_ID", ""),
		PushServiceAccountKey: envOr("SERVICE_ACCOUNT_KEY", ""),

		SlackBotToken: envOr("SLACK_BOT_TOKEN", ""),

		TelegramBotToken: envOr("TELEGRAM_BOT_TOKEN", ""),
	}
}

func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

func (c Config) IsDevelopment() bool { return c.Environment == "development" }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
