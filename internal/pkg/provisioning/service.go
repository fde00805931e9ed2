package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ciliosclick/ciliosclick/app/models"
	"github.com/ciliosclick/ciliosclick/internal/pkg/metrics"
)

// Service allocates pre-provisioned accounts to purchases and returns them
// to the pool on cancellation.
type Service struct {
	repo Repository
	cfg  Config
	now  func() time.Time
}

// NewService creates an allocator from an injected repository.
func NewService(repo Repository, cfg Config) *Service {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Order == "" {
		cfg.Order = OrderOldestFirst
	}
	return &Service{repo: repo, cfg: cfg, now: time.Now}
}

// NewServiceFromDB creates an allocator from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, cfg Config) *Service {
	return NewService(NewRepository(db, cfg.RowLocking), cfg)
}

// Allocate binds one available account to the transaction. Calling it again
// with the same transaction id returns the first allocation with Duplicate
// set instead of taking a second account.
func (s *Service) Allocate(ctx context.Context, in AllocateInput) (*Allocation, error) {
	email := strings.ToLower(strings.TrimSpace(in.BuyerEmail))
	txn := strings.TrimSpace(in.TransactionID)
	if txn == "" {
		return nil, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}
	if err := inputValidator.Var(email, "required,email,max=200"); err != nil {
		return nil, fmt.Errorf("%w: buyer email %q", ErrInvalidInput, in.BuyerEmail)
	}

	var (
		rec     *models.AccountAllocation
		created bool
	)
	err := s.withRetry(ctx, "allocate", func(ctx context.Context) error {
		now := s.now().UTC()
		candidate := &models.AccountAllocation{
			BuyerEmail:    email,
			BuyerName:     strings.TrimSpace(in.BuyerName),
			TransactionID: txn,
			EventName:     in.Event,
			AssignedAt:    now,
			Note:          in.Note,
		}
		if s.cfg.TTL > 0 {
			expires := now.Add(s.cfg.TTL)
			candidate.ExpiresAt = &expires
		}

		var err error
		rec, created, err = s.repo.Allocate(ctx, candidate, s.cfg.Order)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrPoolExhausted) {
			metrics.AllocationsTotal.WithLabelValues("allocate", "pool_exhausted").Inc()
		} else {
			metrics.AllocationsTotal.WithLabelValues("allocate", "error").Inc()
		}
		return nil, err
	}

	if !created {
		metrics.AllocationsTotal.WithLabelValues("allocate", "duplicate").Inc()
		log.Infof("[Allocator] Transaction %s already holds account %s", txn, rec.PoolAccount.Username)
		return newAllocation(rec, true), nil
	}

	metrics.AllocationsTotal.WithLabelValues("allocate", "allocated").Inc()
	log.Infof("[Allocator] Allocated %s to %s (transaction %s)", rec.PoolAccount.Username, email, txn)
	return newAllocation(rec, false), nil
}

// Release returns the transaction's account to the pool. A second release of
// the same transaction changes nothing and reports Duplicate.
func (s *Service) Release(ctx context.Context, in ReleaseInput) (*Allocation, error) {
	txn := strings.TrimSpace(in.TransactionID)
	if txn == "" {
		return nil, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	var (
		rec     *models.AccountAllocation
		changed bool
	)
	err := s.withRetry(ctx, "release", func(ctx context.Context) error {
		var err error
		rec, changed, err = s.repo.Release(ctx, txn, in.Event)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrAllocationNotFound) {
			metrics.AllocationsTotal.WithLabelValues("release", "not_found").Inc()
		} else {
			metrics.AllocationsTotal.WithLabelValues("release", "error").Inc()
		}
		return nil, err
	}

	email := strings.ToLower(strings.TrimSpace(in.BuyerEmail))
	if email != "" && email != rec.BuyerEmail {
		log.Warnf("[Allocator] Release of %s by %s, but allocation belongs to %s", txn, email, rec.BuyerEmail)
	}

	if !changed {
		metrics.AllocationsTotal.WithLabelValues("release", "duplicate").Inc()
		return newAllocation(rec, true), nil
	}
	metrics.AllocationsTotal.WithLabelValues("release", "released").Inc()
	log.Infof("[Allocator] Released %s from transaction %s (%s)", rec.PoolAccount.Username, txn, in.Event)
	return newAllocation(rec, false), nil
}

// GetAllocation looks up the allocation recorded for a transaction.
func (s *Service) GetAllocation(ctx context.Context, transactionID string) (*Allocation, error) {
	rec, err := s.repo.FindAllocation(ctx, strings.TrimSpace(transactionID))
	if err != nil {
		return nil, err
	}
	return newAllocation(rec, false), nil
}

// Suspend takes an account out of circulation regardless of whether it is
// allocated.
func (s *Service) Suspend(ctx context.Context, accountUUID, reason string) (*models.PoolAccount, error) {
	acct, err := s.repo.Suspend(ctx, strings.TrimSpace(accountUUID), strings.TrimSpace(reason))
	if err != nil {
		return nil, err
	}
	log.Warnf("[Allocator] Suspended account %s: %s", acct.Username, reason)
	return acct, nil
}

// Restore puts a suspended account back into the available pool, closing any
// allocation it still had.
func (s *Service) Restore(ctx context.Context, accountUUID string) (*models.PoolAccount, error) {
	acct, err := s.repo.Restore(ctx, strings.TrimSpace(accountUUID))
	if err != nil {
		return nil, err
	}
	log.Infof("[Allocator] Restored account %s", acct.Username)
	return acct, nil
}

// Stats counts accounts per status and refreshes the pool gauge.
func (s *Service) Stats(ctx context.Context) (*PoolStats, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	open, err := s.repo.CountOpenAllocations(ctx)
	if err != nil {
		return nil, err
	}

	stats := &PoolStats{
		Available:       counts[models.PoolAccountStatusAvailable],
		Occupied:        counts[models.PoolAccountStatusOccupied],
		Suspended:       counts[models.PoolAccountStatusSuspended],
		OpenAllocations: open,
	}
	stats.Total = stats.Available + stats.Occupied + stats.Suspended

	metrics.PoolAccounts.WithLabelValues(models.PoolAccountStatusAvailable).Set(float64(stats.Available))
	metrics.PoolAccounts.WithLabelValues(models.PoolAccountStatusOccupied).Set(float64(stats.Occupied))
	metrics.PoolAccounts.WithLabelValues(models.PoolAccountStatusSuspended).Set(float64(stats.Suspended))
	return stats, nil
}

var inputValidator = validator.New()

// Seed creates Count new available accounts named <prefix>0001, <prefix>0002,
// ... continuing after the highest existing number. The plaintext passwords
// are only returned here.
func (s *Service) Seed(ctx context.Context, in SeedInput) ([]SeededAccount, error) {
	if in.UsernamePrefix == "" {
		in.UsernamePrefix = s.cfg.UsernamePrefix
	}
	if in.EmailDomain == "" {
		in.EmailDomain = s.cfg.EmailDomain
	}
	if err := inputValidator.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	existing, err := s.repo.ListUsernames(ctx, in.UsernamePrefix)
	if err != nil {
		return nil, err
	}
	next := nextSequence(existing, in.UsernamePrefix)

	cost := s.cfg.PasswordCost
	if cost == 0 {
		cost = DefaultConfig().PasswordCost
	}
	pwLen := s.cfg.SeedPasswordLength
	if pwLen <= 0 {
		pwLen = DefaultConfig().SeedPasswordLength
	}

	accounts := make([]*models.PoolAccount, 0, in.Count)
	seeded := make([]SeededAccount, 0, in.Count)
	for i := 0; i < in.Count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		username := fmt.Sprintf("%s%04d", in.UsernamePrefix, next+i)
		password, err := randomPassword(pwLen)
		if err != nil {
			return nil, err
		}
		acct := &models.PoolAccount{
			Username: username,
			Email:    fmt.Sprintf("%s@%s", username, in.EmailDomain),
			Status:   models.PoolAccountStatusAvailable,
		}
		if err := acct.SetPasswordCost(password, cost); err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
		seeded = append(seeded, SeededAccount{Username: username, Email: acct.Email, Password: password})
	}

	if err := s.repo.CreateAccounts(ctx, accounts); err != nil {
		return nil, err
	}
	for i, acct := range accounts {
		seeded[i].UUID = acct.UUID
	}
	log.Infof("[Allocator] Seeded %d accounts (%s%04d..%s%04d)", in.Count, in.UsernamePrefix, next, in.UsernamePrefix, next+in.Count-1)
	return seeded, nil
}

// withRetry retries transient storage errors with exponential backoff.
// Domain errors and cancellation of the caller's context end it at once.
func (s *Service) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	delay := s.cfg.Backoff
	var err error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		attemptCtx := ctx
		cancel := func() {}
		if s.cfg.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		}
		err = fn(attemptCtx)
		cancel()

		if err == nil || !isTransient(ctx, err) || attempt == s.cfg.MaxAttempts {
			return err
		}

		metrics.AllocationRetriesTotal.Inc()
		log.Warnf("[Allocator] %s attempt %d/%d failed: %v", op, attempt, s.cfg.MaxAttempts, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func isTransient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, ErrPoolExhausted),
		errors.Is(err, ErrAllocationNotFound),
		errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func nextSequence(usernames []string, prefix string) int {
	nums := make([]int, 0, len(usernames))
	for _, name := range usernames {
		n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err == nil && n > 0 {
			nums = append(nums, n)
		}
	}
	if len(nums) == 0 {
		return 1
	}
	sort.Ints(nums)
	return nums[len(nums)-1] + 1
}
