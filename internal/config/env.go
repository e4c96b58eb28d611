package config

import (
	"fmt"

	"github.com/caarlos0/env/v6"
)

// envOverrides lists the NAU_* variables that take precedence over the file.
type envOverrides struct {
	TelegramToken string `env:"NAU_TELEGRAM_TOKEN"`
	RedisURL      string `env:"NAU_REDIS_URL"`
	SentryDSN     string `env:"NAU_SENTRY_DSN"`
	WebhookSecret string `env:"NAU_WEBHOOK_SECRET"`
	LogLevel      string `env:"NAU_LOG_LEVEL"`
}

// ApplyEnv overrides secrets and the log level from the environment.
// Unset or empty variables leave the file value untouched.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	setIf(&cfg.Telegram.Token, o.TelegramToken)
	setIf(&cfg.Storage.RedisURL, o.RedisURL)
	setIf(&cfg.Sentry.DSN, o.SentryDSN)
	setIf(&cfg.HTTP.WebhookSecret, o.WebhookSecret)
	setIf(&cfg.Logging.Level, o.LogLevel)
	return nil
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
