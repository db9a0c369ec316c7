package service

import (
	"context"
	"errors"

	"token-delivery-service/internal/client"
	"token-delivery-service/internal/model"

	"go.uber.org/zap"
)

// TransferStrategy picks the delivery path for one attempt and reports which
// one it used.
type TransferStrategy interface {
	Deliver(ctx context.Context, req DeliveryRequest, hook PreSubmitHook) *DeliveryResult
}

type hybridStrategy struct {
	chain        client.ChainClient
	assetID      uint64
	inboxEnabled bool
	direct       *DirectTransferExecutor
	inbox        *InboxRouterClient
	guard        *FreezeGuard
	logger       *zap.Logger
}

func NewTransferStrategy(
	chain client.ChainClient,
	assetID uint64,
	inboxEnabled bool,
	direct *DirectTransferExecutor,
	inbox *InboxRouterClient,
	guard *FreezeGuard,
	logger *zap.Logger,
) TransferStrategy {
	return &hybridStrategy{
		chain:        chain,
		assetID:      assetID,
		inboxEnabled: inboxEnabled,
		direct:       direct,
		inbox:        inbox,
		guard:        guard,
		logger:       logger.Named("strategy"),
	}
}

// Deliver reads the recipient's registration fresh from the chain on every
// call: registered recipients get a direct transfer, everyone else goes
// through the router inbox.
func (s *hybridStrategy) Deliver(ctx context.Context, req DeliveryRequest, hook PreSubmitHook) *DeliveryResult {
	holding, err := s.chain.AssetHolding(ctx, req.Recipient, s.assetID)
	if err != nil {
		return failedResult(model.MethodDirect, "read recipient registration: %v", err)
	}

	log := s.logger.With(zap.String("reference", req.Reference), zap.String("recipient", req.Recipient))

	if holding.OptedIn {
		if holding.Frozen {
			if err := s.guard.EnsureUnfrozen(ctx, req.Recipient); err != nil {
				if errors.Is(err, ErrHoldingFrozen) {
					return deferredResult(model.MethodDirect, "recipient holding of asset %d is frozen", s.assetID)
				}
				return failedResult(model.MethodDirect, "check recipient freeze: %v", err)
			}
		}
		log.Info("recipient registered, delivering directly")
		return s.direct.Transfer(ctx, req, hook)
	}

	if !s.inboxEnabled {
		return deferredResult(model.MethodDirect,
			"recipient is not opted in to asset %d; opt in and the purchase will be delivered", s.assetID)
	}

	log.Info("recipient not registered, delivering through router inbox")
	return s.inbox.SendAsset(ctx, req, hook)
}
