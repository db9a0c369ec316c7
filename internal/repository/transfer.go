package repository

import (
	"context"
	"time"

	"token-delivery-service/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TransferRepository interface {
	Create(ctx context.Context, transfer *model.TransferRecord) error
	UpdateStatus(ctx context.Context, txID string, status model.TransferStatus, confirmedRound uint64, errMsg string) error
	ListByReference(ctx context.Context, reference string) ([]*model.TransferRecord, error)
}

type transferRepoImpl struct {
	db *gorm.DB
}

func NewTransferRepository(db *gorm.DB) TransferRepository {
	return &transferRepoImpl{
		db: db,
	}
}

func (r *transferRepoImpl) Create(ctx context.Context, transfer *model.TransferRecord) error {
	if transfer.ID == "" {
		transfer.ID = uuid.NewString()
	}

	return withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Create(transfer).Error
	})
}

// UpdateStatus settles every submitted transfer row carrying txID. Rows that
// already settled keep their outcome.
func (r *transferRepoImpl) UpdateStatus(ctx context.Context, txID string, status model.TransferStatus, confirmedRound uint64, errMsg string) error {
	return withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Model(&model.TransferRecord{}).
			Where("tx_id = ? AND status = ?", txID, model.TransferSubmitted).
			Updates(map[string]interface{}{
				"status":          status,
				"confirmed_round": confirmedRound,
				"error":           errMsg,
				"updated_at":      time.Now(),
			}).Error
	})
}

func (r *transferRepoImpl) ListByReference(ctx context.Context, reference string) ([]*model.TransferRecord, error) {
	var transfers []*model.TransferRecord
	err := withRetry(ctx, func() error {
		return r.db.WithContext(ctx).
			Where("payment_reference = ?", reference).
			Order("created_at ASC").
			Find(&transfers).Error
	})
	if err != nil {
		return nil, err
	}

	return transfers, nil
}
