package service

import (
	"context"

	"token-delivery-service/internal/client"
	"token-delivery-service/internal/model"

	"go.uber.org/zap"
)

// DirectTransferExecutor moves the asset straight from the operator to a
// recipient that already holds it.
type DirectTransferExecutor struct {
	chain     client.ChainClient
	operator  client.Signer
	assetID   uint64
	submitter *submitter
}

func NewDirectTransferExecutor(chain client.ChainClient, operator client.Signer, assetID, confirmationRounds uint64, logger *zap.Logger) *DirectTransferExecutor {
	return &DirectTransferExecutor{
		chain:    chain,
		operator: operator,
		assetID:  assetID,
		submitter: &submitter{
			chain:              chain,
			confirmationRounds: confirmationRounds,
			logger:             logger.Named("direct"),
		},
	}
}

func (e *DirectTransferExecutor) Transfer(ctx context.Context, req DeliveryRequest, hook PreSubmitHook) *DeliveryResult {
	params, err := e.chain.SuggestedParams(ctx)
	if err != nil {
		return failedResult(model.MethodDirect, "suggested params: %v", err)
	}

	txn := client.Txn{
		Kind:     client.TxnAssetTransfer,
		Sender:   e.operator.Address(),
		Receiver: req.Recipient,
		AssetID:  e.assetID,
		Amount:   req.Amount,
		Fee:      baseFee(params),
	}

	signed, err := e.chain.SignGroup(ctx, params, []client.Txn{txn}, e.operator)
	if err != nil {
		return failedResult(model.MethodDirect, "sign transfer: %v", err)
	}

	return e.submitter.submit(ctx, model.MethodDirect, e.operator.Address(), req.Recipient, signed, hook)
}
