package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"token-delivery-service/internal/client"
	"token-delivery-service/internal/model"

	"go.uber.org/zap"
)

// ARC-59 router interface.
const (
	methodGetSendAssetInfo = "arc59_getSendAssetInfo(address,uint64)(uint64,uint64,bool,bool,uint64,uint64)"
	methodGetInbox         = "arc59_getInbox(address)address"
	methodOptRouterIn      = "arc59_optRouterIn(uint64)void"
	methodSendAsset        = "arc59_sendAsset(axfer,address,uint64)address"
	methodClaimAlgo        = "arc59_claimAlgo()void"
	methodClaim            = "arc59_claim(uint64)void"
)

const (
	routerOptInMBR = 100_000

	// Assumed when the router cannot be queried: a brand new inbox account,
	// its asset opt-in and the router's box for the recipient.
	worstCaseTxnCount = 4
	worstCaseMBR      = 100_000 + 100_000 + 28_100
)

var ErrFundingLimit = errors.New("required funding exceeds limit")

// SendInfo is what the router reports it needs for one send.
type SendInfo struct {
	ExtraTxnCount          uint64
	MinBalanceRequired     uint64
	IsRouterRegistered     bool
	IsRecipientRegistered  bool
	RecipientFundingNeeded uint64
	InboxAddress           string // empty when the recipient has no inbox yet
	Fallback               bool   // values are the worst-case estimate, not a query result
}

// Funding is the exact payment the router must receive ahead of the send.
func (i *SendInfo) Funding() uint64 {
	return i.MinBalanceRequired + i.RecipientFundingNeeded
}

// RouterMemo remembers that the router has opted in to an asset. Nothing
// about recipients is ever remembered.
type RouterMemo interface {
	RouterRegistered(ctx context.Context, appID, assetID uint64) bool
	MarkRouterRegistered(ctx context.Context, appID, assetID uint64)
}

type InboxRouterClient struct {
	chain       client.ChainClient
	operator    client.Signer
	assetID     uint64
	routerAppID uint64
	maxFunding  uint64
	memo        RouterMemo
	guard       *FreezeGuard
	submitter   *submitter
	logger      *zap.Logger
}

func NewInboxRouterClient(
	chain client.ChainClient,
	operator client.Signer,
	assetID, routerAppID, maxFunding, confirmationRounds uint64,
	memo RouterMemo,
	guard *FreezeGuard,
	logger *zap.Logger,
) *InboxRouterClient {
	logger = logger.Named("inbox")
	return &InboxRouterClient{
		chain:       chain,
		operator:    operator,
		assetID:     assetID,
		routerAppID: routerAppID,
		maxFunding:  maxFunding,
		memo:        memo,
		guard:       guard,
		submitter: &submitter{
			chain:              chain,
			confirmationRounds: confirmationRounds,
			logger:             logger,
		},
		logger: logger,
	}
}

func (c *InboxRouterClient) RouterAddress() string {
	return client.ApplicationAddress(c.routerAppID)
}

func (c *InboxRouterClient) recipientBox(recipient string) (client.BoxRef, error) {
	pk, err := client.AddressPublicKey(recipient)
	if err != nil {
		return client.BoxRef{}, err
	}
	return client.BoxRef{AppID: c.routerAppID, Name: pk}, nil
}

// GetSendInfo asks the router, by simulation, what sending to recipient needs.
func (c *InboxRouterClient) GetSendInfo(ctx context.Context, recipient string) (*SendInfo, error) {
	box, err := c.recipientBox(recipient)
	if err != nil {
		return nil, err
	}

	values, err := c.chain.SimulateMethods(ctx, c.operator.Address(), []client.MethodCall{
		{
			AppID:         c.routerAppID,
			Method:        methodGetSendAssetInfo,
			Args:          []interface{}{recipient, c.assetID},
			Accounts:      []string{recipient},
			ForeignAssets: []uint64{c.assetID},
			Boxes:         []client.BoxRef{box},
		},
		{
			AppID:    c.routerAppID,
			Method:   methodGetInbox,
			Args:     []interface{}{recipient},
			Accounts: []string{recipient},
			Boxes:    []client.BoxRef{box},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query router: %w", err)
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("query router: %d results", len(values))
	}

	info, err := parseSendAssetInfo(values[0])
	if err != nil {
		return nil, err
	}

	inbox, ok := values[1].(string)
	if !ok {
		return nil, fmt.Errorf("getInbox returned %T", values[1])
	}
	if inbox != client.ZeroAddress() {
		info.InboxAddress = inbox
	}

	if info.IsRouterRegistered {
		c.memo.MarkRouterRegistered(ctx, c.routerAppID, c.assetID)
	}
	return info, nil
}

// QuerySendInfo is GetSendInfo with the worst-case fallback: when the router
// cannot be queried the send is composed for a new inbox with the maximum
// funding, and router registration is assumed only if it was seen before.
// The fallback can over-fund; it never under-funds.
func (c *InboxRouterClient) QuerySendInfo(ctx context.Context, recipient string) *SendInfo {
	info, err := c.GetSendInfo(ctx, recipient)
	if err == nil {
		return info
	}

	c.logger.Warn("router query failed, using worst-case send estimate",
		zap.String("recipient", recipient),
		zap.Error(err),
	)
	return &SendInfo{
		ExtraTxnCount:      worstCaseTxnCount,
		MinBalanceRequired: worstCaseMBR,
		IsRouterRegistered: c.memo.RouterRegistered(ctx, c.routerAppID, c.assetID),
		Fallback:           true,
	}
}

// composeSend builds the operator's group: optional router opt-in, optional
// funding, the asset transfer to the router and the sendAsset call.
func (c *InboxRouterClient) composeSend(base uint64, recipient string, amount uint64, info *SendInfo) ([]client.Txn, error) {
	box, err := c.recipientBox(recipient)
	if err != nil {
		return nil, err
	}

	operator := c.operator.Address()
	router := c.RouterAddress()

	var txns []client.Txn
	if !info.IsRouterRegistered {
		txns = append(txns,
			client.Txn{
				Kind:     client.TxnPayment,
				Sender:   operator,
				Receiver: router,
				Amount:   routerOptInMBR,
				Fee:      base,
			},
			client.Txn{
				Kind:          client.TxnAppCall,
				Sender:        operator,
				AppID:         c.routerAppID,
				Method:        methodOptRouterIn,
				Args:          []interface{}{c.assetID},
				ForeignAssets: []uint64{c.assetID},
				Fee:           base * 2,
			},
		)
	}

	if funding := info.Funding(); funding > 0 {
		txns = append(txns, client.Txn{
			Kind:     client.TxnPayment,
			Sender:   operator,
			Receiver: router,
			Amount:   funding,
			Fee:      base,
		})
	}

	accounts := []string{recipient}
	if info.InboxAddress != "" {
		accounts = append(accounts, info.InboxAddress)
	}

	txns = append(txns,
		client.Txn{
			Kind:     client.TxnAssetTransfer,
			Sender:   operator,
			Receiver: router,
			AssetID:  c.assetID,
			Amount:   amount,
			Fee:      base,
		},
		client.Txn{
			Kind:          client.TxnAppCall,
			Sender:        operator,
			AppID:         c.routerAppID,
			Method:        methodSendAsset,
			Args:          []interface{}{recipient, info.RecipientFundingNeeded},
			Accounts:      accounts,
			ForeignAssets: []uint64{c.assetID},
			Boxes:         []client.BoxRef{box},
			Fee:           base * (1 + info.ExtraTxnCount),
		},
	)

	return txns, nil
}

// SendAsset earmarks amount for recipient in its router inbox as one atomic
// group signed by the operator.
func (c *InboxRouterClient) SendAsset(ctx context.Context, req DeliveryRequest, hook PreSubmitHook) *DeliveryResult {
	info := c.QuerySendInfo(ctx, req.Recipient)

	if funding := info.Funding(); c.maxFunding > 0 && funding > c.maxFunding {
		return deferredResult(model.MethodInbox,
			"%v: delivery needs %d microAlgos of minimum-balance funding, limit is %d; opt in to asset %d to receive it directly",
			ErrFundingLimit, funding, c.maxFunding, c.assetID)
	}

	if info.IsRouterRegistered && c.guard != nil {
		if err := c.guard.EnsureUnfrozen(ctx, c.RouterAddress()); err != nil {
			if errors.Is(err, ErrHoldingFrozen) {
				return deferredResult(model.MethodInbox, "router holding of asset %d is frozen", c.assetID)
			}
			return failedResult(model.MethodInbox, "check router freeze: %v", err)
		}
	}

	params, err := c.chain.SuggestedParams(ctx)
	if err != nil {
		return failedResult(model.MethodInbox, "suggested params: %v", err)
	}

	txns, err := c.composeSend(baseFee(params), req.Recipient, req.Amount, info)
	if err != nil {
		return failedResult(model.MethodInbox, "compose send: %v", err)
	}

	signed, err := c.chain.SignGroup(ctx, params, txns, c.operator)
	if err != nil {
		return failedResult(model.MethodInbox, "sign send: %v", err)
	}

	c.logger.Info("sending asset through router",
		zap.String("reference", req.Reference),
		zap.String("recipient", req.Recipient),
		zap.Int("group_size", len(txns)),
		zap.Uint64("extra_txns", info.ExtraTxnCount),
		zap.Uint64("funding", info.Funding()),
		zap.Bool("router_opt_in", !info.IsRouterRegistered),
		zap.Bool("fallback", info.Fallback),
	)

	result := c.submitter.submit(ctx, model.MethodInbox, c.operator.Address(), req.Recipient, signed, hook)
	if result.Outcome == OutcomeConfirmed {
		c.memo.MarkRouterRegistered(ctx, c.routerAppID, c.assetID)
	}
	return result
}

// InboxAddress returns the recipient's inbox, or "" when it has none.
func (c *InboxRouterClient) InboxAddress(ctx context.Context, recipient string) (string, error) {
	info, err := c.GetSendInfo(ctx, recipient)
	if err != nil {
		return "", err
	}
	return info.InboxAddress, nil
}

// InboxSurplus is the inbox's balance above its own minimum balance.
func (c *InboxRouterClient) InboxSurplus(ctx context.Context, inbox string) (uint64, error) {
	state, err := c.chain.AccountState(ctx, inbox)
	if err != nil {
		return 0, fmt.Errorf("inbox account state: %w", err)
	}
	return state.Spendable(), nil
}

// claimResources is what every claim-side router call declares.
func (c *InboxRouterClient) claimResources(recipient, inbox string) ([]string, []client.BoxRef, error) {
	box, err := c.recipientBox(recipient)
	if err != nil {
		return nil, nil, err
	}
	return []string{inbox}, []client.BoxRef{box}, nil
}

func parseSendAssetInfo(value interface{}) (*SendInfo, error) {
	tuple, ok := value.([]interface{})
	if !ok || len(tuple) != 6 {
		return nil, fmt.Errorf("getSendAssetInfo returned %T", value)
	}

	var (
		info SendInfo
		err  error
	)
	if info.ExtraTxnCount, err = abiUint(tuple[0]); err != nil {
		return nil, fmt.Errorf("itxns: %w", err)
	}
	if info.MinBalanceRequired, err = abiUint(tuple[1]); err != nil {
		return nil, fmt.Errorf("mbr: %w", err)
	}
	if info.IsRouterRegistered, ok = tuple[2].(bool); !ok {
		return nil, fmt.Errorf("routerOptedIn is %T", tuple[2])
	}
	if info.IsRecipientRegistered, ok = tuple[3].(bool); !ok {
		return nil, fmt.Errorf("receiverOptedIn is %T", tuple[3])
	}
	if info.RecipientFundingNeeded, err = abiUint(tuple[4]); err != nil {
		return nil, fmt.Errorf("receiverAlgoNeededForClaim: %w", err)
	}

	return &info, nil
}

func abiUint(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint32:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case *big.Int:
		if !n.IsUint64() {
			return 0, fmt.Errorf("%s overflows uint64", n)
		}
		return n.Uint64(), nil
	}
	return 0, fmt.Errorf("unexpected %T", v)
}
