package provisioning

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ciliosclick/ciliosclick/internal/pkg/env"
)

// Order is the tie-break among available accounts.
type Order string

const (
	OrderOldestFirst Order = "oldest_first"
	OrderNewestFirst Order = "newest_first"
	OrderUsername    Order = "username"
)

// ParseOrder validates an ALLOCATION_ORDER value.
func ParseOrder(s string) (Order, error) {
	switch o := Order(strings.ToLower(strings.TrimSpace(s))); o {
	case "":
		return OrderOldestFirst, nil
	case OrderOldestFirst, OrderNewestFirst, OrderUsername:
		return o, nil
	default:
		return "", fmt.Errorf("unknown allocation order %q", s)
	}
}

func (o Order) sql() string {
	switch o {
	case OrderNewestFirst:
		return "created_at DESC, id DESC"
	case OrderUsername:
		return "username ASC"
	default:
		return "created_at ASC, id ASC"
	}
}

// Config holds allocator settings.
type Config struct {
	Order Order
	// TTL sets AccountAllocation.ExpiresAt when positive.
	TTL            time.Duration
	MaxAttempts    int
	Backoff        time.Duration
	AttemptTimeout time.Duration
	// RowLocking adds FOR UPDATE SKIP LOCKED on drivers that support it.
	RowLocking         bool
	UsernamePrefix     string
	EmailDomain        string
	PasswordCost       int
	SeedPasswordLength int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Order:              OrderOldestFirst,
		MaxAttempts:        3,
		Backoff:            50 * time.Millisecond,
		AttemptTimeout:     5 * time.Second,
		RowLocking:         true,
		UsernamePrefix:     "user",
		EmailDomain:        "pool.ciliosclick.com",
		PasswordCost:       bcrypt.DefaultCost,
		SeedPasswordLength: 12,
	}
}

// LoadConfig loads allocator configuration from environment variables
func LoadConfig() (*Config, error) {
	def := DefaultConfig()
	order, err := ParseOrder(env.GetEnv("ALLOCATION_ORDER", string(def.Order)))
	if err != nil {
		return nil, err
	}

	config := &Config{
		Order:              order,
		TTL:                env.GetEnvDuration("ALLOCATION_TTL", 0),
		MaxAttempts:        env.GetEnvInt("ALLOCATION_MAX_ATTEMPTS", def.MaxAttempts),
		Backoff:            env.GetEnvDuration("ALLOCATION_BACKOFF", def.Backoff),
		AttemptTimeout:     env.GetEnvDuration("ALLOCATION_TIMEOUT", def.AttemptTimeout),
		RowLocking:         env.GetEnvBool("ALLOCATION_ROW_LOCKING", def.RowLocking),
		UsernamePrefix:     env.GetEnv("POOL_USERNAME_PREFIX", def.UsernamePrefix),
		EmailDomain:        env.GetEnv("POOL_EMAIL_DOMAIN", def.EmailDomain),
		PasswordCost:       def.PasswordCost,
		SeedPasswordLength: def.SeedPasswordLength,
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return config, nil
}
