package provisioning

import (
	"errors"
	"time"

	"github.com/ciliosclick/ciliosclick/app/models"
)

var (
	// ErrPoolExhausted means no account is available. Retrying will not help;
	// operators have to seed more accounts.
	ErrPoolExhausted = errors.New("account pool exhausted")
	// ErrAllocationNotFound is returned by Release for unknown transactions.
	ErrAllocationNotFound = errors.New("allocation not found")
	ErrAccountNotFound    = errors.New("pool account not found")
	ErrInvalidInput       = errors.New("invalid provisioning input")

	// errCandidatesContended is transient: every candidate we tried was
	// taken by a concurrent allocation.
	errCandidatesContended = errors.New("available accounts contended")
)

// AllocateInput describes the purchase an account is allocated for.
type AllocateInput struct {
	BuyerEmail    string
	BuyerName     string
	TransactionID string
	Event         string
	Note          string
}

// ReleaseInput identifies the purchase whose account is returned to the pool.
type ReleaseInput struct {
	BuyerEmail    string
	TransactionID string
	Event         string
}

// Allocation is the result of Allocate and Release.
type Allocation struct {
	AccountID     uint       `json:"-"`
	AccountUUID   string     `json:"account_id"`
	Username      string     `json:"username"`
	Email         string     `json:"email"`
	AccountStatus string     `json:"account_status"`
	BuyerEmail    string     `json:"buyer_email"`
	BuyerName     string     `json:"buyer_name"`
	TransactionID string     `json:"transaction_id"`
	Event         string     `json:"event"`
	AssignedAt    time.Time  `json:"assigned_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	ReleasedAt    *time.Time `json:"released_at,omitempty"`
	// Duplicate is set when the call changed nothing because an earlier
	// delivery already did the work.
	Duplicate bool `json:"duplicate"`
	Released  bool `json:"released"`
}

func newAllocation(rec *models.AccountAllocation, duplicate bool) *Allocation {
	return &Allocation{
		AccountID:     rec.PoolAccountID,
		AccountUUID:   rec.PoolAccount.UUID,
		Username:      rec.PoolAccount.Username,
		Email:         rec.PoolAccount.Email,
		AccountStatus: rec.PoolAccount.Status,
		BuyerEmail:    rec.BuyerEmail,
		BuyerName:     rec.BuyerName,
		TransactionID: rec.TransactionID,
		Event:         rec.EventName,
		AssignedAt:    rec.AssignedAt,
		ExpiresAt:     rec.ExpiresAt,
		ReleasedAt:    rec.ReleasedAt,
		Duplicate:     duplicate,
		Released:      !rec.IsOpen(),
	}
}

// PoolStats counts pool accounts per status.
type PoolStats struct {
	Available       int64 `json:"available"`
	Occupied        int64 `json:"occupied"`
	Suspended       int64 `json:"suspended"`
	Total           int64 `json:"total"`
	OpenAllocations int64 `json:"open_allocations"`
}

// SeedInput controls batch creation of pool accounts.
type SeedInput struct {
	Count          int    `json:"count" validate:"required,min=1,max=1000"`
	UsernamePrefix string `json:"username_prefix" validate:"omitempty,alphanum,max=40"`
	EmailDomain    string `json:"email_domain" validate:"omitempty,fqdn"`
}

// SeededAccount carries the one-time plaintext password of a new account.
type SeededAccount struct {
	UUID     string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}
