package repository

import (
	"context"
	"time"

	"token-delivery-service/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeliveryUpdate moves a payment's delivery status. Zero fields are left as
// they are; the move only applies from the states model.DeliverySources allows.
type DeliveryUpdate struct {
	Status          model.DeliveryStatus
	PaymentStatus   model.PaymentStatus
	Method          model.TransferMethod
	TxID            string
	FirstValidRound uint64
	LastValidRound  uint64
	Error           string
	Note            string
}

type PaymentRepository interface {
	FindByReference(ctx context.Context, reference string) (*model.PaymentRecord, error)
	Insert(ctx context.Context, payment *model.PaymentRecord) (bool, error)
	MarkPaid(ctx context.Context, reference string) (bool, error)
	UpdateDeliveryStatus(ctx context.Context, reference string, update DeliveryUpdate) (bool, error)
	AcquireDelivery(ctx context.Context, reference string, method model.TransferMethod, txID string, firstValid, lastValid uint64) (bool, error)
	ListByRecipient(ctx context.Context, address string) ([]*model.PaymentRecord, error)
	ListMonitoring(ctx context.Context, limit int) ([]*model.PaymentRecord, error)
	MarkClaimed(ctx context.Context, references []string) (int64, error)
	Delete(ctx context.Context, reference string) error
}

type paymentRepoImpl struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepoImpl{
		db: db,
	}
}

func (r *paymentRepoImpl) FindByReference(ctx context.Context, reference string) (*model.PaymentRecord, error) {
	var payment model.PaymentRecord
	err := withRetry(ctx, func() error {
		return r.db.WithContext(ctx).
			Where("payment_reference = ?", reference).
			First(&payment).Error
	})
	if err != nil {
		return nil, err
	}

	return &payment, nil
}

// Insert creates the record unless one with the same reference exists. The
// unique key on payment_reference decides which of two racing inserts wins.
func (r *paymentRepoImpl) Insert(ctx context.Context, payment *model.PaymentRecord) (bool, error) {
	var created bool
	err := withRetry(ctx, func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "payment_reference"}},
			DoNothing: true,
		}).Create(payment)
		if result.Error != nil {
			return result.Error
		}
		created = result.RowsAffected == 1
		return nil
	})

	return created, err
}

// MarkPaid records the provider's confirmation. It only applies while
// delivery has not started, so a late event cannot pull a delivered payment
// back to paid.
func (r *paymentRepoImpl) MarkPaid(ctx context.Context, reference string) (bool, error) {
	now := time.Now()
	var changed bool
	err := withRetry(ctx, func() error {
		result := r.db.WithContext(ctx).Model(&model.PaymentRecord{}).
			Where(`
				payment_reference = ?
				AND delivery_status IN ?
			`,
				reference,
				[]model.DeliveryStatus{model.DeliveryPending, model.DeliveryFailed},
			).
			Updates(map[string]interface{}{
				"payment_status": model.PaymentPaid,
				"status_note":    "",
				"paid_at":        now,
				"updated_at":     now,
			})
		if result.Error != nil {
			return result.Error
		}
		changed = result.RowsAffected == 1
		return nil
	})

	return changed, err
}

func (r *paymentRepoImpl) UpdateDeliveryStatus(ctx context.Context, reference string, update DeliveryUpdate) (bool, error) {
	now := time.Now()
	updates := map[string]interface{}{
		"delivery_status": update.Status,
		"delivery_error":  update.Error,
		"updated_at":      now,
	}
	if update.PaymentStatus != "" {
		updates["payment_status"] = update.PaymentStatus
		updates["status_note"] = update.Note
	}
	if update.Method != "" {
		updates["transfer_method"] = update.Method
	}
	if update.TxID != "" {
		updates["delivery_tx_id"] = update.TxID
	}
	if update.FirstValidRound != 0 {
		updates["first_valid_round"] = update.FirstValidRound
	}
	if update.LastValidRound != 0 {
		updates["last_valid_round"] = update.LastValidRound
	}
	switch update.Status {
	case model.DeliveryDirectTransferred, model.DeliveryInInbox:
		updates["delivered_at"] = now
	case model.DeliveryClaimed:
		updates["claimed_at"] = now
	}

	var changed bool
	err := withRetry(ctx, func() error {
		result := r.db.WithContext(ctx).Model(&model.PaymentRecord{}).
			Where(`
				payment_reference = ?
				AND delivery_status IN ?
			`,
				reference,
				model.DeliverySources(update.Status),
			).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		changed = result.RowsAffected == 1
		return nil
	})

	return changed, err
}

// AcquireDelivery takes the delivery lease: it records the signed group's
// transaction id and flips the delivery to monitoring. Only one caller can win
// it for a given reference until the delivery fails again.
func (r *paymentRepoImpl) AcquireDelivery(ctx context.Context, reference string, method model.TransferMethod, txID string, firstValid, lastValid uint64) (bool, error) {
	return r.UpdateDeliveryStatus(ctx, reference, DeliveryUpdate{
		Status:          model.DeliveryMonitoring,
		Method:          method,
		TxID:            txID,
		FirstValidRound: firstValid,
		LastValidRound:  lastValid,
	})
}

func (r *paymentRepoImpl) ListByRecipient(ctx context.Context, address string) ([]*model.PaymentRecord, error) {
	var payments []*model.PaymentRecord
	err := withRetry(ctx, func() error {
		return r.db.WithContext(ctx).
			Where("recipient_address = ?", address).
			Order("created_at DESC").
			Find(&payments).Error
	})
	if err != nil {
		return nil, err
	}

	return payments, nil
}

func (r *paymentRepoImpl) ListMonitoring(ctx context.Context, limit int) ([]*model.PaymentRecord, error) {
	var payments []*model.PaymentRecord
	err := withRetry(ctx, func() error {
		return r.db.WithContext(ctx).
			Where("delivery_status = ?", model.DeliveryMonitoring).
			Order("updated_at ASC").
			Limit(limit).
			Find(&payments).Error
	})
	if err != nil {
		return nil, err
	}

	return payments, nil
}

// MarkClaimed moves confirmed inbox deliveries to claimed. Records in any
// other state are left alone.
func (r *paymentRepoImpl) MarkClaimed(ctx context.Context, references []string) (int64, error) {
	if len(references) == 0 {
		return 0, nil
	}

	now := time.Now()
	var affected int64
	err := withRetry(ctx, func() error {
		result := r.db.WithContext(ctx).Model(&model.PaymentRecord{}).
			Where(`
				payment_reference IN ?
				AND delivery_status IN ?
				AND delivery_tx_id <> ''
			`,
				references,
				model.DeliverySources(model.DeliveryClaimed),
			).
			Updates(map[string]interface{}{
				"delivery_status": model.DeliveryClaimed,
				"payment_status":  model.PaymentCompleted,
				"claimed_at":      now,
				"updated_at":      now,
			})
		if result.Error != nil {
			return result.Error
		}
		affected = result.RowsAffected
		return nil
	})

	return affected, err
}

// Delete removes a record outright. Only test fixtures call it.
func (r *paymentRepoImpl) Delete(ctx context.Context, reference string) error {
	return r.db.WithContext(ctx).
		Where("payment_reference = ?", reference).
		Delete(&model.PaymentRecord{}).Error
}
