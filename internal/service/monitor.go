package service

import (
	"context"
	"fmt"

	"token-delivery-service/internal/client"
	"token-delivery-service/internal/model"
	"token-delivery-service/internal/repository"

	"go.uber.org/zap"
)

type SweepStats struct {
	Checked   int
	Confirmed int
	Failed    int
	Waiting   int
}

// MonitorService settles deliveries left in monitoring after the submitting
// request stopped waiting.
type MonitorService interface {
	Sweep(ctx context.Context, limit int) (*SweepStats, error)
	Resolve(ctx context.Context, payment *model.PaymentRecord) (DeliveryOutcome, error)
}

type monitorServiceImpl struct {
	chain       client.ChainClient
	paymentRepo repository.PaymentRepository
	ledger      *deliveryLedger
	logger      *zap.Logger
}

func NewMonitorService(
	chain client.ChainClient,
	assetID uint64,
	paymentRepo repository.PaymentRepository,
	transferRepo repository.TransferRepository,
	inventory InventoryService,
	logger *zap.Logger,
) MonitorService {
	logger = logger.Named("monitor")
	return &monitorServiceImpl{
		chain:       chain,
		paymentRepo: paymentRepo,
		ledger: &deliveryLedger{
			assetID:      assetID,
			paymentRepo:  paymentRepo,
			transferRepo: transferRepo,
			inventory:    inventory,
			logger:       logger,
		},
		logger: logger,
	}
}

func (s *monitorServiceImpl) Sweep(ctx context.Context, limit int) (*SweepStats, error) {
	payments, err := s.paymentRepo.ListMonitoring(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list monitoring deliveries: %w", err)
	}

	stats := &SweepStats{}
	for _, payment := range payments {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		stats.Checked++
		outcome, err := s.Resolve(ctx, payment)
		if err != nil {
			s.logger.Error("resolve delivery",
				zap.String("reference", payment.PaymentReference),
				zap.String("tx_id", payment.DeliveryTxID),
				zap.Error(err),
			)
			continue
		}

		switch outcome {
		case OutcomeConfirmed:
			stats.Confirmed++
		case OutcomeFailed:
			stats.Failed++
		default:
			stats.Waiting++
		}
	}

	if stats.Checked > 0 {
		s.logger.Info("monitor sweep",
			zap.Int("checked", stats.Checked),
			zap.Int("confirmed", stats.Confirmed),
			zap.Int("failed", stats.Failed),
			zap.Int("waiting", stats.Waiting),
		)
	}
	return stats, nil
}

// Resolve looks the delivery's group up on chain. A group the node no longer
// reports once its last valid round has passed is searched for in the blocks
// of its validity window: found means confirmed, absent means failed. When
// those blocks cannot be read the delivery stays in monitoring.
func (s *monitorServiceImpl) Resolve(ctx context.Context, payment *model.PaymentRecord) (DeliveryOutcome, error) {
	ref := payment.PaymentReference
	if payment.DeliveryTxID == "" {
		return "", fmt.Errorf("monitoring delivery %s has no transaction id", ref)
	}

	status, err := s.chain.TxnStatus(ctx, payment.DeliveryTxID)
	if err != nil {
		return "", fmt.Errorf("transaction status %s: %w", payment.DeliveryTxID, err)
	}

	switch {
	case status.Confirmed():
		err := s.ledger.confirmed(ctx, ref, payment.TransferMethod, payment.DeliveryTxID, status.ConfirmedRound)
		return OutcomeConfirmed, err

	case status.PoolError != "":
		err := s.ledger.failed(ctx, ref, payment.DeliveryTxID, "rejected by node: "+status.PoolError)
		return OutcomeFailed, err

	case !status.Known:
		round, err := s.chain.CurrentRound(ctx)
		if err != nil {
			return "", fmt.Errorf("current round: %w", err)
		}
		if payment.LastValidRound == 0 || round <= payment.LastValidRound {
			return OutcomeSubmitted, nil
		}
		return s.resolveExpired(ctx, payment)
	}

	return OutcomeSubmitted, nil
}

func (s *monitorServiceImpl) resolveExpired(ctx context.Context, payment *model.PaymentRecord) (DeliveryOutcome, error) {
	ref := payment.PaymentReference
	committed, err := s.chain.FindCommitted(ctx, payment.DeliveryTxID, payment.FirstValidRound, payment.LastValidRound)
	if err != nil {
		s.logger.Error("delivery outcome unprovable, leaving it in monitoring",
			zap.String("reference", ref),
			zap.String("tx_id", payment.DeliveryTxID),
			zap.Uint64("first_valid", payment.FirstValidRound),
			zap.Uint64("last_valid", payment.LastValidRound),
			zap.Bool("operator_attention", true),
			zap.Error(err),
		)
		return OutcomeSubmitted, nil
	}

	if committed > 0 {
		err := s.ledger.confirmed(ctx, ref, payment.TransferMethod, payment.DeliveryTxID, committed)
		return OutcomeConfirmed, err
	}

	reason := fmt.Sprintf("transaction %s not committed by last valid round %d", payment.DeliveryTxID, payment.LastValidRound)
	return OutcomeFailed, s.ledger.failed(ctx, ref, payment.DeliveryTxID, reason)
}
