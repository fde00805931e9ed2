package audit

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ciliosclick/ciliosclick/app/models"
)

// Repository stores webhook deliveries. There is no update besides
// MarkProcessed and no delete.
type Repository interface {
	Create(ctx context.Context, event *models.WebhookEvent) error
	MarkProcessed(ctx context.Context, id uint, processingError string) error
	Get(ctx context.Context, id uint) (*models.WebhookEvent, error)
	List(ctx context.Context, filter ListFilter) ([]models.WebhookEvent, int64, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates an audit repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Create(ctx context.Context, event *models.WebhookEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *gormRepository) MarkProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed_at":     &now,
			"processing_error": processingError,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (r *gormRepository) Get(ctx context.Context, id uint) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := r.db.WithContext(ctx).First(&event, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &event, nil
}

func (r *gormRepository) List(ctx context.Context, filter ListFilter) ([]models.WebhookEvent, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.WebhookEvent{})
	if filter.Source != "" {
		q = q.Where("source = ?", filter.Source)
	}
	if filter.EventType != "" {
		q = q.Where("event_type = ?", filter.EventType)
	}
	if filter.SignatureValid != nil {
		q = q.Where("signature_valid = ?", *filter.SignatureValid)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var events []models.WebhookEvent
	err := q.Order("received_at DESC, id DESC").
		Limit(filter.Limit).
		Offset(filter.Offset).
		Find(&events).Error
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}
