package models

import "time"

// Webhook sources
const (
	WebhookSourceHotmart = "hotmart"
)

// WebhookEvent is the append-only audit trail of inbound webhook deliveries.
// Every delivery is stored before its signature gates processing, so invalid
// or malicious requests stay visible for forensic replay. Only ProcessedAt and
// ProcessingError change after insertion.
type WebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Source          string     `gorm:"type:varchar(20);not null;index" json:"source"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;default:'';index" json:"provider_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;default:'';index" json:"event_type"`
	PayloadRaw      []byte     `gorm:"not null" json:"payload_raw"`
	PayloadSHA256   string     `gorm:"type:varchar(64);not null;index" json:"payload_sha256"`
	SignatureValid  bool       `gorm:"default:false;index" json:"signature_valid"`
	RemoteIP        string     `gorm:"type:varchar(45);default:''" json:"remote_ip"`
	ReceivedAt      time.Time  `gorm:"not null;index" json:"received_at"`
	ProcessedAt     *time.Time `gorm:"default:null" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
}

// IsProcessed reports whether processing finished (successfully or not).
func (e *WebhookEvent) IsProcessed() bool {
	return e.ProcessedAt != nil
}
