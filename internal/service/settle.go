package service

import (
	"context"
	"fmt"

	"token-delivery-service/internal/model"
	"token-delivery-service/internal/repository"

	"go.uber.org/zap"
)

// deliveryLedger writes the ledger side of a delivery outcome. The webhook
// pipeline and the confirmation monitor both settle through it.
type deliveryLedger struct {
	assetID      uint64
	paymentRepo  repository.PaymentRepository
	transferRepo repository.TransferRepository
	inventory    InventoryService
	logger       *zap.Logger
}

func (l *deliveryLedger) recordTransfer(ctx context.Context, reference string, amount uint64, result *DeliveryResult) error {
	return l.transferRepo.Create(ctx, &model.TransferRecord{
		PaymentReference:   reference,
		Method:             result.Method,
		SourceAddress:      result.Source,
		DestinationAddress: result.Destination,
		AssetID:            l.assetID,
		Amount:             amount,
		TxID:               result.TxID,
		Status:             model.TransferSubmitted,
	})
}

// confirmed finalises a committed delivery and turns its reservation into a
// sale. Consuming is idempotent, so it runs even when another caller already
// moved the status.
func (l *deliveryLedger) confirmed(ctx context.Context, reference string, method model.TransferMethod, txID string, round uint64) error {
	update := repository.DeliveryUpdate{
		Status:        model.DeliveryDirectTransferred,
		PaymentStatus: model.PaymentCompleted,
		TxID:          txID,
	}
	if method == model.MethodInbox {
		update.Status = model.DeliveryInInbox
		update.PaymentStatus = model.PaymentPaid
		update.Note = "tokens are waiting in the recipient's inbox to be claimed"
	}

	changed, err := l.paymentRepo.UpdateDeliveryStatus(ctx, reference, update)
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", reference, update.Status, err)
	}
	if err := l.transferRepo.UpdateStatus(ctx, txID, model.TransferConfirmed, round, ""); err != nil {
		return fmt.Errorf("confirm transfer %s: %w", txID, err)
	}
	if _, err := l.inventory.Consume(ctx, reference); err != nil {
		return err
	}

	if changed {
		l.logger.Info("delivery confirmed",
			zap.String("reference", reference),
			zap.String("status", string(update.Status)),
			zap.String("tx_id", txID),
			zap.Uint64("round", round),
		)
	}
	return nil
}

// failed marks the delivery and payment failed and gives the reservation back.
// Nothing is released unless this call made the move, so a delivery that
// already succeeded keeps its units.
func (l *deliveryLedger) failed(ctx context.Context, reference, txID, reason string) error {
	changed, err := l.paymentRepo.UpdateDeliveryStatus(ctx, reference, repository.DeliveryUpdate{
		Status:        model.DeliveryFailed,
		PaymentStatus: model.PaymentFailed,
		Error:         reason,
		Note:          reason,
	})
	if err != nil {
		return fmt.Errorf("mark %s failed: %w", reference, err)
	}

	if txID != "" {
		if err := l.transferRepo.UpdateStatus(ctx, txID, model.TransferFailed, 0, reason); err != nil {
			return fmt.Errorf("fail transfer %s: %w", txID, err)
		}
	}

	if !changed {
		l.logger.Warn("delivery not marked failed, state moved on", zap.String("reference", reference))
		return nil
	}

	if _, err := l.inventory.Release(ctx, reference); err != nil {
		return err
	}

	l.logger.Warn("delivery failed", zap.String("reference", reference), zap.String("reason", reason))
	return nil
}
