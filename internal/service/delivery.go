package service

import (
	"context"
	"errors"
	"fmt"

	"token-delivery-service/internal/client"
	"token-delivery-service/internal/model"

	"go.uber.org/zap"
)

type DeliveryOutcome string

const (
	// OutcomeConfirmed: the group committed in a block.
	OutcomeConfirmed DeliveryOutcome = "confirmed"
	// OutcomeSubmitted: the group was broadcast but its fate is not known yet.
	OutcomeSubmitted DeliveryOutcome = "submitted"
	// OutcomeDeferred: the recipient has to act before delivery can happen.
	OutcomeDeferred DeliveryOutcome = "deferred"
	// OutcomeFailed: nothing from this attempt is on chain.
	OutcomeFailed DeliveryOutcome = "failed"
	// OutcomeAborted: another caller holds the delivery lease.
	OutcomeAborted DeliveryOutcome = "aborted"
)

type DeliveryRequest struct {
	Reference string
	Recipient string
	Amount    uint64 // base units
}

type DeliveryResult struct {
	Outcome        DeliveryOutcome
	Method         model.TransferMethod
	TxID           string
	ConfirmedRound uint64
	LastValid      uint64
	Source         string
	Destination    string
	Broadcast      bool // signed bytes reached the node, so a transfer row is owed
	Reason         string
}

// PreSubmitHook runs after the group is signed and before it is broadcast.
// Returning false abandons the attempt without broadcasting.
type PreSubmitHook func(ctx context.Context, method model.TransferMethod, txID string, firstValid, lastValid uint64) (bool, error)

func failedResult(method model.TransferMethod, format string, args ...interface{}) *DeliveryResult {
	return &DeliveryResult{
		Outcome: OutcomeFailed,
		Method:  method,
		Reason:  fmt.Sprintf(format, args...),
	}
}

func deferredResult(method model.TransferMethod, format string, args ...interface{}) *DeliveryResult {
	return &DeliveryResult{
		Outcome: OutcomeDeferred,
		Method:  method,
		Reason:  fmt.Sprintf(format, args...),
	}
}

// baseFee is the flat per-transaction fee the service pays.
func baseFee(params *client.TxnParams) uint64 {
	if params.MinFee < 1000 {
		return 1000
	}
	return params.MinFee
}

// submitter broadcasts signed groups and waits a bounded number of rounds.
type submitter struct {
	chain              client.ChainClient
	confirmationRounds uint64
	logger             *zap.Logger
}

func (s *submitter) submit(ctx context.Context, method model.TransferMethod, source, destination string, group *client.SignedGroup, hook PreSubmitHook) *DeliveryResult {
	txID := group.TxIDs[len(group.TxIDs)-1]
	result := &DeliveryResult{
		Method:      method,
		TxID:        txID,
		LastValid:   group.LastValid,
		Source:      source,
		Destination: destination,
	}
	log := s.logger.With(zap.String("method", string(method)), zap.String("tx_id", txID))

	if hook != nil {
		won, err := hook(ctx, method, txID, group.FirstValid, group.LastValid)
		if err != nil {
			result.Outcome = OutcomeFailed
			result.Reason = fmt.Sprintf("record delivery lease: %v", err)
			return result
		}
		if !won {
			log.Info("delivery lease held elsewhere, not broadcasting")
			result.Outcome = OutcomeAborted
			result.Reason = "delivery already in flight"
			return result
		}
	}

	result.Broadcast = true
	if _, err := s.chain.SubmitGroup(ctx, group.Blobs); err != nil {
		if errors.Is(err, client.ErrTxnRejected) {
			log.Warn("group rejected", zap.Error(err))
			result.Outcome = OutcomeFailed
			result.Reason = err.Error()
			return result
		}
		// the node may still have taken the bytes
		log.Warn("submit outcome unknown", zap.Error(err))
		result.Outcome = OutcomeSubmitted
		result.Reason = err.Error()
		return result
	}

	round, err := s.chain.WaitForConfirmation(ctx, txID, s.confirmationRounds)
	switch {
	case err == nil:
		result.Outcome = OutcomeConfirmed
		result.ConfirmedRound = round
		log.Info("group confirmed", zap.Uint64("round", round))
	case errors.Is(err, client.ErrTxnRejected):
		result.Outcome = OutcomeFailed
		result.Reason = err.Error()
		log.Warn("group failed in pool", zap.Error(err))
	default:
		result.Outcome = OutcomeSubmitted
		result.Reason = err.Error()
		log.Info("confirmation pending", zap.Error(err))
	}

	return result
}
