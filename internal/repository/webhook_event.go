package repository

import (
	"context"
	"time"

	"token-delivery-service/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WebhookEventRepository interface {
	Record(ctx context.Context, eventID, eventType, reference string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string, processingErr error) error
	Find(ctx context.Context, eventID string) (*model.WebhookEvent, error)
}

type webhookEventRepoImpl struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepoImpl{db: db}
}

// Record appends the event to the audit log. It reports false when the
// provider already delivered this event id.
func (r *webhookEventRepoImpl) Record(ctx context.Context, eventID, eventType, reference string) (bool, error) {
	var created bool
	err := withRetry(ctx, func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).Create(&model.WebhookEvent{
			EventID:          eventID,
			EventType:        eventType,
			PaymentReference: reference,
		})
		if result.Error != nil {
			return result.Error
		}
		created = result.RowsAffected == 1
		return nil
	})

	return created, err
}

func (r *webhookEventRepoImpl) MarkProcessed(ctx context.Context, eventID string, processingErr error) error {
	msg := ""
	if processingErr != nil {
		msg = processingErr.Error()
	}

	return withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Model(&model.WebhookEvent{}).
			Where("event_id = ?", eventID).
			Updates(map[string]interface{}{
				"processing_error": msg,
				"processed_at":     time.Now(),
			}).Error
	})
}

func (r *webhookEventRepoImpl) Find(ctx context.Context, eventID string) (*model.WebhookEvent, error) {
	var event model.WebhookEvent
	if err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&event).Error; err != nil {
		return nil, err
	}
	return &event, nil
}
