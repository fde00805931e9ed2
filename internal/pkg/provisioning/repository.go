package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ciliosclick/ciliosclick/app/models"
)

const maxCandidates = 5

// ReleaseEventAdminRestore closes an allocation whose account was restored
// by an operator.
const ReleaseEventAdminRestore = "ADMIN_RESTORE"

// Repository provides the DB operations used by the allocator. Allocate and
// Release each run in a single transaction.
type Repository interface {
	Allocate(ctx context.Context, rec *models.AccountAllocation, order Order) (*models.AccountAllocation, bool, error)
	Release(ctx context.Context, transactionID, event string) (*models.AccountAllocation, bool, error)
	FindAllocation(ctx context.Context, transactionID string) (*models.AccountAllocation, error)
	FindAccount(ctx context.Context, accountUUID string) (*models.PoolAccount, error)
	Suspend(ctx context.Context, accountUUID, reason string) (*models.PoolAccount, error)
	Restore(ctx context.Context, accountUUID string) (*models.PoolAccount, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
	CountOpenAllocations(ctx context.Context) (int64, error)
	ListUsernames(ctx context.Context, prefix string) ([]string, error)
	CreateAccounts(ctx context.Context, accounts []*models.PoolAccount) error
}

type gormRepository struct {
	db         *gorm.DB
	rowLocking bool
}

// NewRepository creates an allocator repository backed by GORM.
func NewRepository(db *gorm.DB, rowLocking bool) Repository {
	return &gormRepository{db: db, rowLocking: rowLocking}
}

// lock adds SELECT ... FOR UPDATE where the dialect has row locks. SQLite
// serializes writers on its own.
func (r *gormRepository) lock(tx *gorm.DB, options string) *gorm.DB {
	if !r.rowLocking || tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: options})
}

func (r *gormRepository) Allocate(ctx context.Context, rec *models.AccountAllocation, order Order) (*models.AccountAllocation, bool, error) {
	created := false
	var out *models.AccountAllocation

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findAllocation(tx, rec.TransactionID)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, ErrAllocationNotFound) {
			return err
		}

		for i := 0; i < maxCandidates; i++ {
			var acct models.PoolAccount
			q := r.lock(tx, "SKIP LOCKED").
				Where("status = ?", models.PoolAccountStatusAvailable).
				Order(order.sql())
			if err := q.Take(&acct).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrPoolExhausted
				}
				return err
			}

			// Compare-and-swap: only the transaction that still sees the
			// account as available gets to flip it.
			res := tx.Model(&models.PoolAccount{}).
				Where("id = ? AND status = ?", acct.ID, models.PoolAccountStatusAvailable).
				Updates(map[string]interface{}{
					"status":     models.PoolAccountStatusOccupied,
					"updated_at": time.Now().UTC(),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}

			rec.PoolAccountID = acct.ID
			if err := tx.Omit(clause.Associations).Create(rec).Error; err != nil {
				return err
			}
			acct.Status = models.PoolAccountStatusOccupied
			rec.PoolAccount = acct
			out = rec
			created = true
			return nil
		}
		return errCandidatesContended
	})
	if err != nil {
		// A concurrent delivery of the same transaction won the insert; our
		// flip was rolled back with the transaction.
		if isDuplicateKey(err) {
			existing, ferr := findAllocation(r.db.WithContext(ctx), rec.TransactionID)
			if ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	return out, created, nil
}

func (r *gormRepository) Release(ctx context.Context, transactionID, event string) (*models.AccountAllocation, bool, error) {
	changed := false
	var out models.AccountAllocation

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.lock(tx, "").Where("transaction_id = ?", transactionID).Take(&out).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAllocationNotFound
			}
			return err
		}

		if out.IsOpen() {
			now := time.Now().UTC()
			res := tx.Model(&models.AccountAllocation{}).
				Where("id = ? AND released_at IS NULL", out.ID).
				Updates(map[string]interface{}{
					"released_at":   now,
					"release_event": event,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				// A suspended account stays suspended; only occupied ones
				// return to the pool.
				if err := tx.Model(&models.PoolAccount{}).
					Where("id = ? AND status = ?", out.PoolAccountID, models.PoolAccountStatusOccupied).
					Updates(map[string]interface{}{
						"status":     models.PoolAccountStatusAvailable,
						"updated_at": now,
					}).Error; err != nil {
					return err
				}
				changed = true
			}
		}

		return tx.Preload("PoolAccount").First(&out, out.ID).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &out, changed, nil
}

func (r *gormRepository) FindAllocation(ctx context.Context, transactionID string) (*models.AccountAllocation, error) {
	return findAllocation(r.db.WithContext(ctx), transactionID)
}

func findAllocation(db *gorm.DB, transactionID string) (*models.AccountAllocation, error) {
	var rec models.AccountAllocation
	err := db.Preload("PoolAccount").Where("transaction_id = ?", transactionID).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAllocationNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (r *gormRepository) FindAccount(ctx context.Context, accountUUID string) (*models.PoolAccount, error) {
	var acct models.PoolAccount
	if err := r.db.WithContext(ctx).Where("uuid = ?", accountUUID).Take(&acct).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acct, nil
}

func (r *gormRepository) Suspend(ctx context.Context, accountUUID, reason string) (*models.PoolAccount, error) {
	var acct models.PoolAccount
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.lock(tx, "").Where("uuid = ?", accountUUID).Take(&acct).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		if err := models.CheckTransition(acct.Status, models.PoolAccountStatusSuspended); err != nil {
			return err
		}
		acct.Status = models.PoolAccountStatusSuspended
		acct.SuspendedReason = reason
		return tx.Model(&acct).Updates(map[string]interface{}{
			"status":           acct.Status,
			"suspended_reason": reason,
			"updated_at":       time.Now().UTC(),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (r *gormRepository) Restore(ctx context.Context, accountUUID string) (*models.PoolAccount, error) {
	var acct models.PoolAccount
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.lock(tx, "").Where("uuid = ?", accountUUID).Take(&acct).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		if acct.Status != models.PoolAccountStatusSuspended {
			return fmt.Errorf("%w: %s account cannot be restored", models.ErrInvalidTransition, acct.Status)
		}

		now := time.Now().UTC()
		// The account goes back to the pool, so whatever allocation it was
		// serving is over.
		if err := tx.Model(&models.AccountAllocation{}).
			Where("pool_account_id = ? AND released_at IS NULL", acct.ID).
			Updates(map[string]interface{}{
				"released_at":   now,
				"release_event": ReleaseEventAdminRestore,
			}).Error; err != nil {
			return err
		}

		acct.Status = models.PoolAccountStatusAvailable
		acct.SuspendedReason = ""
		return tx.Model(&acct).Updates(map[string]interface{}{
			"status":           acct.Status,
			"suspended_reason": "",
			"updated_at":       now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (r *gormRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&models.PoolAccount{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

func (r *gormRepository) CountOpenAllocations(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.AccountAllocation{}).Where("released_at IS NULL").Count(&n).Error
	return n, err
}

func (r *gormRepository) ListUsernames(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := r.db.WithContext(ctx).Model(&models.PoolAccount{}).
		Where("username LIKE ?", prefix+"%").
		Pluck("username", &names).Error
	return names, err
}

func (r *gormRepository) CreateAccounts(ctx context.Context, accounts []*models.PoolAccount) error {
	return r.db.WithContext(ctx).CreateInBatches(accounts, 100).Error
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate")
}
