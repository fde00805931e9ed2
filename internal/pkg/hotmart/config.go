package hotmart

import (
	"errors"
	"strings"

	"github.com/ciliosclick/ciliosclick/internal/pkg/env"
)

const (
	DefaultSignatureHeader = "X-Signature"
	HottokHeader           = "X-Hotmart-Hottok"
)

// Config holds webhook verification settings.
type Config struct {
	Secret          string
	SignatureHeader string
	// Hottok is Hotmart's static per-account token. When set, a delivery
	// carrying a matching X-Hotmart-Hottok header is accepted as well.
	Hottok string
}

// LoadConfig loads webhook configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		Secret:          strings.TrimSpace(env.GetEnv("HOTMART_WEBHOOK_SECRET", "")),
		SignatureHeader: strings.TrimSpace(env.GetEnv("HOTMART_SIGNATURE_HEADER", DefaultSignatureHeader)),
		Hottok:          strings.TrimSpace(env.GetEnv("HOTMART_HOTTOK", "")),
	}
	if config.SignatureHeader == "" {
		config.SignatureHeader = DefaultSignatureHeader
	}

	if config.Secret == "" && config.Hottok == "" {
		return nil, errors.New("HOTMART_WEBHOOK_SECRET or HOTMART_HOTTOK is required")
	}
	return config, nil
}
