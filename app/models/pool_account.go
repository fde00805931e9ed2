package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Pool account status constants
const (
	PoolAccountStatusAvailable = "available"
	PoolAccountStatusOccupied  = "occupied"
	PoolAccountStatusSuspended = "suspended"
)

// ErrInvalidTransition is returned when a status change is not allowed by the
// pool account state machine.
var ErrInvalidTransition = errors.New("invalid pool account status transition")

// PoolAccount is a pre-provisioned login created ahead of demand and handed
// to a buyer when a purchase is approved.
type PoolAccount struct {
	ID              uint      `gorm:"primaryKey" json:"-"`
	UUID            string    `gorm:"type:varchar(36);uniqueIndex;not null" json:"id"`
	Username        string    `gorm:"type:varchar(100);uniqueIndex;not null" json:"username" validate:"required,min=3,max=100"`
	Email           string    `gorm:"type:varchar(200);uniqueIndex;not null" json:"email" validate:"required,email,max=200"`
	PasswordHash    string    `gorm:"type:text" json:"-"`
	Status          string    `gorm:"type:varchar(20);not null;default:'available';index:idx_pool_accounts_status_created,priority:1" json:"status" validate:"oneof=available occupied suspended"`
	SuspendedReason string    `gorm:"type:varchar(255);default:''" json:"suspended_reason,omitempty"`
	CreatedAt       time.Time `gorm:"autoCreateTime;index:idx_pool_accounts_status_created,priority:2" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeCreate assigns the public UUID and validates the account.
func (a *PoolAccount) BeforeCreate(tx *gorm.DB) error {
	if a.UUID == "" {
		a.UUID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = PoolAccountStatusAvailable
	}
	return a.Validate()
}

func (a *PoolAccount) Validate() error {
	v := validator.New()

	return v.Struct(a)
}

// SetPassword stores a bcrypt hash of the given plaintext password.
func (a *PoolAccount) SetPassword(password string) error {
	return a.SetPasswordCost(password, bcrypt.DefaultCost)
}

// SetPasswordCost is SetPassword with an explicit bcrypt cost.
func (a *PoolAccount) SetPasswordCost(password string, cost int) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return err
	}
	a.PasswordHash = string(hash)
	return nil
}

// CheckPassword compares a plaintext password with the stored hash.
func (a *PoolAccount) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) == nil
}

// CanTransition reports whether a pool account may move from one status to
// another.
//
//	available -> occupied     (allocate)
//	occupied  -> available    (release)
//	available -> suspended    (admin suspend)
//	occupied  -> suspended    (admin suspend)
//	suspended -> available    (admin restore)
func CanTransition(from, to string) bool {
	switch from {
	case PoolAccountStatusAvailable:
		return to == PoolAccountStatusOccupied || to == PoolAccountStatusSuspended
	case PoolAccountStatusOccupied:
		return to == PoolAccountStatusAvailable || to == PoolAccountStatusSuspended
	case PoolAccountStatusSuspended:
		return to == PoolAccountStatusAvailable
	default:
		return false
	}
}

// CheckTransition wraps CanTransition with a descriptive error.
func CheckTransition(from, to string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
