package service

import (
	"context"
	"errors"
	"fmt"

	"token-delivery-service/internal/model"
	"token-delivery-service/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Availability struct {
	Available      bool
	CurrentBalance uint64
}

type InventoryService interface {
	CheckAvailability(ctx context.Context, amount uint64) (*Availability, error)
	Reserve(ctx context.Context, amount uint64, reference string) error
	Release(ctx context.Context, reference string) (bool, error)
	Consume(ctx context.Context, reference string) (bool, error)
	HasReservation(ctx context.Context, reference string) (bool, error)
	Counter(ctx context.Context) (*model.InventoryCounter, error)
}

type inventoryServiceImpl struct {
	assetID       uint64
	inventoryRepo repository.InventoryRepository
	logger        *zap.Logger
}

func NewInventoryService(assetID uint64, inventoryRepo repository.InventoryRepository, logger *zap.Logger) InventoryService {
	return &inventoryServiceImpl{
		assetID:       assetID,
		inventoryRepo: inventoryRepo,
		logger:        logger,
	}
}

func (s *inventoryServiceImpl) CheckAvailability(ctx context.Context, amount uint64) (*Availability, error) {
	counter, err := s.inventoryRepo.Get(ctx, s.assetID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Availability{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get inventory counter: %w", err)
	}

	return &Availability{
		Available:      counter.AvailableBalance >= amount,
		CurrentBalance: counter.AvailableBalance,
	}, nil
}

func (s *inventoryServiceImpl) Reserve(ctx context.Context, amount uint64, reference string) error {
	if err := s.inventoryRepo.Reserve(ctx, s.assetID, reference, amount); err != nil {
		return fmt.Errorf("reserve %d for %s: %w", amount, reference, err)
	}

	s.logger.Debug("inventory reserved", zap.String("reference", reference), zap.Uint64("amount", amount))
	return nil
}

func (s *inventoryServiceImpl) Release(ctx context.Context, reference string) (bool, error) {
	moved, err := s.inventoryRepo.Release(ctx, reference)
	if err != nil {
		return false, fmt.Errorf("release %s: %w", reference, err)
	}

	if moved {
		s.logger.Info("inventory released", zap.String("reference", reference))
	}
	return moved, nil
}

func (s *inventoryServiceImpl) Consume(ctx context.Context, reference string) (bool, error) {
	moved, err := s.inventoryRepo.Consume(ctx, reference)
	if err != nil {
		return false, fmt.Errorf("consume %s: %w", reference, err)
	}
	return moved, nil
}

// HasReservation reports whether reference currently holds units.
func (s *inventoryServiceImpl) HasReservation(ctx context.Context, reference string) (bool, error) {
	r, err := s.inventoryRepo.FindReservation(ctx, reference)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find reservation %s: %w", reference, err)
	}
	return r.Status == model.ReservationReserved, nil
}

func (s *inventoryServiceImpl) Counter(ctx context.Context) (*model.InventoryCounter, error) {
	counter, err := s.inventoryRepo.Get(ctx, s.assetID)
	if err != nil {
		return nil, fmt.Errorf("get inventory counter: %w", err)
	}
	return counter, nil
}
