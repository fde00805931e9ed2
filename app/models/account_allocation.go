package models

import "time"

// AccountAllocation binds a pool account to one purchase transaction. The
// transaction id is unique so redelivered webhooks never allocate twice.
type AccountAllocation struct {
	ID            uint        `gorm:"primaryKey" json:"id"`
	PoolAccountID uint        `gorm:"not null;index" json:"-"`
	PoolAccount   PoolAccount `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"account"`
	BuyerEmail    string      `gorm:"type:varchar(200);not null;index" json:"buyer_email"`
	BuyerName     string      `gorm:"type:varchar(200);default:''" json:"buyer_name"`
	TransactionID string      `gorm:"type:varchar(191);not null;uniqueIndex" json:"transaction_id"`
	EventName     string      `gorm:"type:varchar(64);not null" json:"event_name"`
	AssignedAt    time.Time   `gorm:"not null" json:"assigned_at"`
	ExpiresAt     *time.Time  `gorm:"default:null" json:"expires_at,omitempty"`
	Note          string      `gorm:"type:text" json:"note,omitempty"`
	ReleasedAt    *time.Time  `gorm:"default:null;index" json:"released_at,omitempty"`
	ReleaseEvent  string      `gorm:"type:varchar(64);default:''" json:"release_event,omitempty"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsOpen reports whether the allocation still holds its account.
func (a *AccountAllocation) IsOpen() bool {
	return a.ReleasedAt == nil
}
