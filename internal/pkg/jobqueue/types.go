package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeWelcomeEmail JobType = "welcome_email"
	JobTypeAuditArchive JobType = "audit_archive"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// WelcomeEmailJobPayload carries everything the welcome e-mail shows, so the
// worker does not need to read the allocation again.
type WelcomeEmailJobPayload struct {
	TemplateID    string `json:"template_id"`
	BuyerEmail    string `json:"buyer_email"`
	BuyerName     string `json:"buyer_name"`
	TransactionID string `json:"transaction_id"`
	Username      string `json:"username"`
	AccountEmail  string `json:"account_email"`
}

// ToMap converts the payload to a map for storage
func (p WelcomeEmailJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"template_id":    p.TemplateID,
		"buyer_email":    p.BuyerEmail,
		"buyer_name":     p.BuyerName,
		"transaction_id": p.TransactionID,
		"username":       p.Username,
		"account_email":  p.AccountEmail,
	}
}

// WelcomeEmailJobPayloadFromMap creates a payload from a map
func WelcomeEmailJobPayloadFromMap(data map[string]interface{}) (*WelcomeEmailJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload WelcomeEmailJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// AuditArchiveJobPayload identifies the webhook event to copy to S3
type AuditArchiveJobPayload struct {
	WebhookEventID uint `json:"webhook_event_id"`
}

func (p AuditArchiveJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"webhook_event_id": p.WebhookEventID,
	}
}

func AuditArchiveJobPayloadFromMap(data map[string]interface{}) (*AuditArchiveJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var payload AuditArchiveJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
