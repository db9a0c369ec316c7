package service

import (
	"context"
	"errors"
	"fmt"

	"token-delivery-service/internal/client"

	"go.uber.org/zap"
)

var ErrHoldingFrozen = errors.New("asset holding is frozen")

// FreezeGuard clears administrative freezes with the freeze-manager key. It is
// the only component that signs with that key.
type FreezeGuard struct {
	chain              client.ChainClient
	freezeManager      client.Signer
	assetID            uint64
	confirmationRounds uint64
	logger             *zap.Logger
}

func NewFreezeGuard(chain client.ChainClient, freezeManager client.Signer, assetID, confirmationRounds uint64, logger *zap.Logger) *FreezeGuard {
	return &FreezeGuard{
		chain:              chain,
		freezeManager:      freezeManager,
		assetID:            assetID,
		confirmationRounds: confirmationRounds,
		logger:             logger.Named("freeze"),
	}
}

// EnsureUnfrozen unfreezes every listed holding that is frozen. Addresses that
// do not hold the asset are skipped. ErrHoldingFrozen means a freeze is still
// in place.
func (g *FreezeGuard) EnsureUnfrozen(ctx context.Context, addresses ...string) error {
	for _, address := range addresses {
		holding, err := g.chain.AssetHolding(ctx, address, g.assetID)
		if err != nil {
			return fmt.Errorf("asset holding %s: %w", address, err)
		}
		if !holding.OptedIn || !holding.Frozen {
			continue
		}

		if err := g.unfreeze(ctx, address); err != nil {
			g.logger.Error("unfreeze failed",
				zap.Bool("privileged", true),
				zap.String("address", address),
				zap.Uint64("asset_id", g.assetID),
				zap.Error(err),
			)
			return fmt.Errorf("%w: %s: %v", ErrHoldingFrozen, address, err)
		}
	}

	return nil
}

func (g *FreezeGuard) unfreeze(ctx context.Context, address string) error {
	g.logger.Warn("unfreezing asset holding",
		zap.Bool("privileged", true),
		zap.String("address", address),
		zap.Uint64("asset_id", g.assetID),
		zap.String("signer", g.freezeManager.Address()),
	)

	params, err := g.chain.SuggestedParams(ctx)
	if err != nil {
		return fmt.Errorf("suggested params: %w", err)
	}

	signed, err := g.chain.SignGroup(ctx, params, []client.Txn{{
		Kind:         client.TxnAssetFreeze,
		Sender:       g.freezeManager.Address(),
		AssetID:      g.assetID,
		FreezeTarget: address,
		Frozen:       false,
		Fee:          baseFee(params),
	}}, g.freezeManager)
	if err != nil {
		return fmt.Errorf("sign unfreeze: %w", err)
	}

	txID, err := g.chain.SubmitGroup(ctx, signed.Blobs)
	if err != nil {
		return fmt.Errorf("submit unfreeze: %w", err)
	}

	round, err := g.chain.WaitForConfirmation(ctx, txID, g.confirmationRounds)
	if err != nil {
		return fmt.Errorf("confirm unfreeze %s: %w", txID, err)
	}

	g.logger.Warn("asset holding unfrozen",
		zap.Bool("privileged", true),
		zap.String("address", address),
		zap.String("tx_id", txID),
		zap.Uint64("round", round),
	)
	return nil
}
