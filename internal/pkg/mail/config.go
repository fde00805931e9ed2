package mail

import (
	"strings"

	"github.com/ciliosclick/ciliosclick/internal/pkg/env"
)

const DefaultWelcomeTemplate = "welcome"

// Config holds SMTP settings. Mail is disabled when SMTP_HOST is empty.
type Config struct {
	Host            string
	Port            string
	Username        string
	Password        string
	Sender          string
	WelcomeTemplate string
	LoginURL        string
}

// LoadConfig loads SMTP configuration from environment variables
func LoadConfig() *Config {
	config := &Config{
		Host:            strings.TrimSpace(env.GetEnv("SMTP_HOST", "")),
		Port:            env.GetEnv("SMTP_PORT", "587"),
		Username:        env.GetEnv("SMTP_USERNAME", ""),
		Password:        env.GetEnv("SMTP_PASSWORD", ""),
		Sender:          env.GetEnv("SMTP_SENDER", ""),
		WelcomeTemplate: env.GetEnv("MAIL_WELCOME_TEMPLATE", DefaultWelcomeTemplate),
		LoginURL:        env.GetEnv("MAIL_LOGIN_URL", ""),
	}
	if config.Sender == "" {
		config.Sender = "no-reply@" + env.GetEnv("PUBLIC_DOMAIN", "localhost")
	}
	return config
}

func (c *Config) IsEnabled() bool {
	return c.Host != ""
}
