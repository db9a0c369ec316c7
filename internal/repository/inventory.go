package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"token-delivery-service/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrInventoryMismatch     = errors.New("inventory counter does not cover reservation")
)

type InventoryRepository interface {
	EnsureCounter(ctx context.Context, assetID, supply uint64) error
	Get(ctx context.Context, assetID uint64) (*model.InventoryCounter, error)
	FindReservation(ctx context.Context, reference string) (*model.InventoryReservation, error)
	Reserve(ctx context.Context, assetID uint64, reference string, amount uint64) error
	Release(ctx context.Context, reference string) (bool, error)
	Consume(ctx context.Context, reference string) (bool, error)
}

type inventoryRepoImpl struct {
	db *gorm.DB
}

func NewInventoryRepository(db *gorm.DB) InventoryRepository {
	return &inventoryRepoImpl{
		db: db,
	}
}

// EnsureCounter seeds the counter row for an asset. An existing row is kept.
func (r *inventoryRepoImpl) EnsureCounter(ctx context.Context, assetID, supply uint64) error {
	return withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "asset_id"}},
			DoNothing: true,
		}).Create(&model.InventoryCounter{
			AssetID:          assetID,
			AvailableBalance: supply,
		}).Error
	})
}

func (r *inventoryRepoImpl) Get(ctx context.Context, assetID uint64) (*model.InventoryCounter, error) {
	var counter model.InventoryCounter
	err := withRetry(ctx, func() error {
		return r.db.WithContext(ctx).
			Where("asset_id = ?", assetID).
			First(&counter).Error
	})
	if err != nil {
		return nil, err
	}

	return &counter, nil
}

func (r *inventoryRepoImpl) FindReservation(ctx context.Context, reference string) (*model.InventoryReservation, error) {
	var reservation model.InventoryReservation
	err := withRetry(ctx, func() error {
		return r.db.WithContext(ctx).
			Where("payment_reference = ?", reference).
			First(&reservation).Error
	})
	if err != nil {
		return nil, err
	}

	return &reservation, nil
}

// Reserve holds amount units for reference. The counter moves only through a
// conditional update, so concurrent reservations can never take available
// below zero. Reserving a reference that already holds units does nothing; a
// released reservation is armed again.
func (r *inventoryRepoImpl) Reserve(ctx context.Context, assetID uint64, reference string, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("reserve %s: zero amount", reference)
	}

	return withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var existing model.InventoryReservation
			err := tx.Where("payment_reference = ?", reference).Take(&existing).Error

			switch {
			case err == nil:
				if existing.Status != model.ReservationReleased {
					return nil
				}
				result := tx.Model(&model.InventoryReservation{}).
					Where("payment_reference = ? AND status = ?", reference, model.ReservationReleased).
					Updates(map[string]interface{}{
						"status":     model.ReservationReserved,
						"asset_id":   assetID,
						"amount":     amount,
						"updated_at": time.Now(),
					})
				if result.Error != nil {
					return result.Error
				}
				if result.RowsAffected == 0 {
					return nil
				}

			case errors.Is(err, gorm.ErrRecordNotFound):
				result := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "payment_reference"}},
					DoNothing: true,
				}).Create(&model.InventoryReservation{
					PaymentReference: reference,
					AssetID:          assetID,
					Amount:           amount,
					Status:           model.ReservationReserved,
				})
				if result.Error != nil {
					return result.Error
				}
				if result.RowsAffected == 0 {
					return nil
				}

			default:
				return err
			}

			result := tx.Model(&model.InventoryCounter{}).
				Where("asset_id = ? AND available_balance >= ?", assetID, amount).
				Updates(map[string]interface{}{
					"available_balance": gorm.Expr("available_balance - ?", amount),
					"reserved_balance":  gorm.Expr("reserved_balance + ?", amount),
					"updated_at":        time.Now(),
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return ErrInsufficientInventory
			}

			return nil
		})
	})
}

// Release hands a reservation's units back to available. It reports whether
// anything moved; releasing twice moves nothing the second time.
func (r *inventoryRepoImpl) Release(ctx context.Context, reference string) (bool, error) {
	return r.settle(ctx, reference, model.ReservationReleased, "available_balance")
}

// Consume turns a reservation into a sale.
func (r *inventoryRepoImpl) Consume(ctx context.Context, reference string) (bool, error) {
	return r.settle(ctx, reference, model.ReservationConsumed, "sold_balance")
}

// settle closes a reserved reservation and moves its amount out of reserved
// into column.
func (r *inventoryRepoImpl) settle(ctx context.Context, reference string, to model.ReservationStatus, column string) (bool, error) {
	var moved bool
	err := withRetry(ctx, func() error {
		moved = false
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var reservation model.InventoryReservation
			err := tx.Where("payment_reference = ?", reference).Take(&reservation).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			if err != nil {
				return err
			}

			result := tx.Model(&model.InventoryReservation{}).
				Where("payment_reference = ? AND status = ?", reference, model.ReservationReserved).
				Updates(map[string]interface{}{
					"status":     to,
					"updated_at": time.Now(),
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return nil
			}

			result = tx.Model(&model.InventoryCounter{}).
				Where("asset_id = ? AND reserved_balance >= ?", reservation.AssetID, reservation.Amount).
				Updates(map[string]interface{}{
					"reserved_balance": gorm.Expr("reserved_balance - ?", reservation.Amount),
					column:             gorm.Expr(column+" + ?", reservation.Amount),
					"updated_at":       time.Now(),
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("%w: %s", ErrInventoryMismatch, reference)
			}

			moved = true
			return nil
		})
	})

	return moved, err
}
