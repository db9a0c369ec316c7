package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"token-delivery-service/internal/client"
	"token-delivery-service/internal/model"
	"token-delivery-service/internal/repository"

	"go.uber.org/zap"
)

var (
	ErrRegistrationRequired = errors.New("registration_required")
	ErrInsufficientBalance  = errors.New("insufficient_balance")
	ErrNothingClaimable     = errors.New("nothing_claimable")
	ErrInvalidClaimGroup    = errors.New("invalid claim group")
	ErrClaimRejected        = errors.New("claim rejected")
)

// PreparedClaim is an unsigned claim group for the wallet to sign. Blobs are
// base64 encoded msgpack transactions in group order.
type PreparedClaim struct {
	Wallet       string   `json:"wallet"`
	References   []string `json:"references"`
	Transactions []string `json:"transactions"`
	TxIDs        []string `json:"tx_ids"`
	Fee          uint64   `json:"fee"`
	LastValid    uint64   `json:"last_valid"`
	Amount       uint64   `json:"amount"`
	ClaimSurplus bool     `json:"claim_surplus"`
	OptIn        bool     `json:"opt_in"`
}

type ClaimResult struct {
	TxID           string   `json:"tx_id"`
	ConfirmedRound uint64   `json:"confirmed_round"`
	Claimed        []string `json:"claimed"`
}

type ClaimService interface {
	ListPayments(ctx context.Context, wallet string) ([]*model.PaymentRecord, error)
	ListClaimable(ctx context.Context, wallet string) ([]*model.PaymentRecord, error)
	PrepareClaim(ctx context.Context, wallet string) (*PreparedClaim, error)
	SubmitClaim(ctx context.Context, wallet string, signed [][]byte) (*ClaimResult, error)
	ClaimWithSigner(ctx context.Context, signer client.Signer) (*ClaimResult, error)
}

type claimServiceImpl struct {
	chain              client.ChainClient
	inbox              *InboxRouterClient
	paymentRepo        repository.PaymentRepository
	transferRepo       repository.TransferRepository
	assetID            uint64
	decimals           uint32
	confirmationRounds uint64
	logger             *zap.Logger
}

func NewClaimService(
	chain client.ChainClient,
	inbox *InboxRouterClient,
	paymentRepo repository.PaymentRepository,
	transferRepo repository.TransferRepository,
	assetID uint64,
	decimals uint32,
	confirmationRounds uint64,
	logger *zap.Logger,
) ClaimService {
	return &claimServiceImpl{
		chain:              chain,
		inbox:              inbox,
		paymentRepo:        paymentRepo,
		transferRepo:       transferRepo,
		assetID:            assetID,
		decimals:           decimals,
		confirmationRounds: confirmationRounds,
		logger:             logger.Named("claim"),
	}
}

func (s *claimServiceImpl) ListPayments(ctx context.Context, wallet string) ([]*model.PaymentRecord, error) {
	payments, err := s.paymentRepo.ListByRecipient(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("list payments for %s: %w", wallet, err)
	}
	return payments, nil
}

func (s *claimServiceImpl) ListClaimable(ctx context.Context, wallet string) ([]*model.PaymentRecord, error) {
	payments, err := s.ListPayments(ctx, wallet)
	if err != nil {
		return nil, err
	}

	claimable := make([]*model.PaymentRecord, 0, len(payments))
	for _, p := range payments {
		if p.Claimable() {
			claimable = append(claimable, p)
		}
	}
	return claimable, nil
}

// claimPlan is everything a claim group is built from.
type claimPlan struct {
	references []string
	inbox      string
	amount     uint64
	surplus    uint64
	optIn      bool
	params     *client.TxnParams
	txns       []client.Txn
	fee        uint64
}

// plan runs the prechecks in order and composes the group:
// [claimAlgo if the inbox holds surplus] [opt-in if unregistered] claim.
// The claim call pays for every outer and inner operation; the rest pay 0.
func (s *claimServiceImpl) plan(ctx context.Context, wallet string) (*claimPlan, error) {
	if err := client.ValidateAddress(wallet); err != nil {
		return nil, err
	}

	claimable, err := s.ListClaimable(ctx, wallet)
	if err != nil {
		return nil, err
	}

	account, err := s.chain.AccountState(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("wallet account state: %w", err)
	}
	if account.Balance == 0 {
		return nil, fmt.Errorf("%w: wallet %s has no balance on chain; fund it before claiming", ErrRegistrationRequired, wallet)
	}

	holding, err := s.chain.AssetHolding(ctx, wallet, s.assetID)
	if err != nil {
		return nil, fmt.Errorf("wallet asset holding: %w", err)
	}

	inbox, err := s.inbox.InboxAddress(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("resolve inbox: %w", err)
	}

	var surplus, amount uint64
	if inbox != "" {
		if surplus, err = s.inbox.InboxSurplus(ctx, inbox); err != nil {
			return nil, err
		}
		inboxHolding, err := s.chain.AssetHolding(ctx, inbox, s.assetID)
		if err != nil {
			return nil, fmt.Errorf("inbox asset holding: %w", err)
		}
		amount = inboxHolding.Amount
	}

	params, err := s.chain.SuggestedParams(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggested params: %w", err)
	}

	p := &claimPlan{
		inbox:   inbox,
		amount:  amount,
		surplus: surplus,
		optIn:   !holding.OptedIn,
		params:  params,
	}
	for _, r := range claimable {
		p.references = append(p.references, r.PaymentReference)
	}

	outer, inner := uint64(1), uint64(1)
	if p.surplus > 0 {
		outer++
		inner++
	}
	if p.optIn {
		outer++
	}
	p.fee = baseFee(params) * (outer + inner)

	needed := p.fee
	if p.optIn {
		needed += routerOptInMBR
	}
	if account.Spendable()+p.surplus < needed {
		return nil, fmt.Errorf("%w: claiming needs %d microAlgos available, wallet has %d",
			ErrInsufficientBalance, needed, account.Spendable()+p.surplus)
	}

	if len(p.references) == 0 || p.inbox == "" || p.amount == 0 {
		return nil, fmt.Errorf("%w: no confirmed inbox deliveries for %s", ErrNothingClaimable, wallet)
	}

	accounts, boxes, err := s.inbox.claimResources(wallet, p.inbox)
	if err != nil {
		return nil, err
	}

	if p.surplus > 0 {
		p.txns = append(p.txns, client.Txn{
			Kind:     client.TxnAppCall,
			Sender:   wallet,
			AppID:    s.inbox.routerAppID,
			Method:   methodClaimAlgo,
			Accounts: accounts,
			Boxes:    boxes,
		})
	}
	if p.optIn {
		p.txns = append(p.txns, client.Txn{
			Kind:     client.TxnAssetTransfer,
			Sender:   wallet,
			Receiver: wallet,
			AssetID:  s.assetID,
		})
	}
	p.txns = append(p.txns, client.Txn{
		Kind:          client.TxnAppCall,
		Sender:        wallet,
		AppID:         s.inbox.routerAppID,
		Method:        methodClaim,
		Args:          []interface{}{s.assetID},
		Accounts:      accounts,
		ForeignAssets: []uint64{s.assetID},
		Boxes:         boxes,
		Fee:           p.fee,
	})

	return p, nil
}

func (s *claimServiceImpl) PrepareClaim(ctx context.Context, wallet string) (*PreparedClaim, error) {
	p, err := s.plan(ctx, wallet)
	if err != nil {
		return nil, err
	}

	group, err := s.chain.EncodeGroup(ctx, p.params, p.txns)
	if err != nil {
		return nil, fmt.Errorf("encode claim group: %w", err)
	}

	prepared := &PreparedClaim{
		Wallet:       wallet,
		References:   p.references,
		TxIDs:        group.TxIDs,
		Fee:          p.fee,
		LastValid:    group.LastValid,
		Amount:       p.amount,
		ClaimSurplus: p.surplus > 0,
		OptIn:        p.optIn,
	}
	for _, blob := range group.Blobs {
		prepared.Transactions = append(prepared.Transactions, base64.StdEncoding.EncodeToString(blob))
	}

	s.logger.Info("claim prepared",
		zap.String("wallet", wallet),
		zap.Int("records", len(p.references)),
		zap.Int("group_size", len(p.txns)),
		zap.Uint64("fee", p.fee),
	)
	return prepared, nil
}

// ClaimWithSigner prepares, signs and submits in one step for callers that
// hold the wallet key themselves.
func (s *claimServiceImpl) ClaimWithSigner(ctx context.Context, signer client.Signer) (*ClaimResult, error) {
	p, err := s.plan(ctx, signer.Address())
	if err != nil {
		return nil, err
	}

	signed, err := s.chain.SignGroup(ctx, p.params, p.txns, signer)
	if err != nil {
		return nil, fmt.Errorf("sign claim group: %w", err)
	}

	return s.SubmitClaim(ctx, signer.Address(), signed.Blobs)
}

// SubmitClaim checks that the signed group only moves the wallet's own funds
// through the router, broadcasts it and, once confirmed, marks the wallet's
// claimable records claimed. A group that does not commit changes nothing.
func (s *claimServiceImpl) SubmitClaim(ctx context.Context, wallet string, signed [][]byte) (*ClaimResult, error) {
	if len(signed) == 0 {
		return nil, fmt.Errorf("%w: empty group", ErrInvalidClaimGroup)
	}

	infos, err := s.chain.InspectSignedGroup(signed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClaimGroup, err)
	}
	if err := s.checkGroup(wallet, infos); err != nil {
		return nil, err
	}

	claimable, err := s.ListClaimable(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if len(claimable) == 0 {
		return nil, fmt.Errorf("%w: no confirmed inbox deliveries for %s", ErrNothingClaimable, wallet)
	}

	inbox, err := s.inbox.InboxAddress(ctx, wallet)
	if err != nil {
		s.logger.Warn("resolve inbox for claim record", zap.String("wallet", wallet), zap.Error(err))
		inbox = s.inbox.RouterAddress()
	}

	txID := infos[len(infos)-1].TxID
	round, err := s.broadcast(ctx, txID, signed)
	if err != nil {
		return nil, err
	}

	references := make([]string, 0, len(claimable))
	for _, p := range claimable {
		references = append(references, p.PaymentReference)
	}

	claimed, err := s.paymentRepo.MarkClaimed(ctx, references)
	if err != nil {
		return nil, fmt.Errorf("mark claimed: %w", err)
	}

	for _, p := range claimable {
		amount, _ := toBaseUnits(p.TokenAmount, s.decimals)
		err := s.transferRepo.Create(ctx, &model.TransferRecord{
			PaymentReference:   p.PaymentReference,
			Method:             model.MethodClaim,
			SourceAddress:      inbox,
			DestinationAddress: wallet,
			AssetID:            s.assetID,
			Amount:             amount,
			TxID:               txID,
			Status:             model.TransferConfirmed,
			ConfirmedRound:     round,
		})
		if err != nil {
			s.logger.Error("record claim transfer", zap.String("reference", p.PaymentReference), zap.Error(err))
		}
	}

	s.logger.Info("claim confirmed",
		zap.String("wallet", wallet),
		zap.String("tx_id", txID),
		zap.Uint64("round", round),
		zap.Int64("claimed", claimed),
	)
	return &ClaimResult{TxID: txID, ConfirmedRound: round, Claimed: references}, nil
}

// checkGroup accepts only the shape plan composes: optional claimAlgo calls,
// an optional self opt-in, then the asset claim as the last transaction.
func (s *claimServiceImpl) checkGroup(wallet string, infos []client.SignedTxnInfo) error {
	claim, err := client.EncodeMethodCall(methodClaim, s.assetID)
	if err != nil {
		return err
	}
	claimAlgo, err := client.EncodeMethodCall(methodClaimAlgo)
	if err != nil {
		return err
	}

	last := len(infos) - 1
	if last < 0 {
		return fmt.Errorf("%w: empty group", ErrInvalidClaimGroup)
	}
	for i, info := range infos {
		if !info.Signed {
			return fmt.Errorf("%w: transaction %d is not signed", ErrInvalidClaimGroup, i)
		}
		if info.Sender != wallet {
			return fmt.Errorf("%w: transaction %d is sent by %s", ErrInvalidClaimGroup, i, info.Sender)
		}
		if i > 0 && info.Group != infos[0].Group {
			return fmt.Errorf("%w: transaction %d is from another group", ErrInvalidClaimGroup, i)
		}

		switch info.Kind {
		case client.TxnAppCall:
			if info.AppID != s.inbox.routerAppID {
				return fmt.Errorf("%w: transaction %d calls application %d", ErrInvalidClaimGroup, i, info.AppID)
			}
			want := claimAlgo
			if i == last {
				want = claim
			}
			if !sameCall(info, want) {
				return fmt.Errorf("%w: transaction %d is not an expected router call", ErrInvalidClaimGroup, i)
			}
		case client.TxnAssetTransfer:
			if i == last {
				return fmt.Errorf("%w: last transaction must be the router claim", ErrInvalidClaimGroup)
			}
			if info.AssetID != s.assetID {
				return fmt.Errorf("%w: transaction %d moves asset %d", ErrInvalidClaimGroup, i, info.AssetID)
			}
			if info.Receiver != wallet || info.Amount != 0 {
				return fmt.Errorf("%w: transaction %d is not an opt-in", ErrInvalidClaimGroup, i)
			}
		default:
			return fmt.Errorf("%w: transaction %d has type %s", ErrInvalidClaimGroup, i, info.Kind)
		}
	}
	return nil
}

func sameCall(info client.SignedTxnInfo, want [][]byte) bool {
	if !bytes.Equal(info.Selector, want[0]) || len(info.Args) != len(want)-1 {
		return false
	}
	for i, arg := range info.Args {
		if !bytes.Equal(arg, want[i+1]) {
			return false
		}
	}
	return true
}

// broadcast submits the group and waits for it. A rejection of a group that
// is already committed, such as a resubmission after a timed out wait, counts
// as confirmed.
func (s *claimServiceImpl) broadcast(ctx context.Context, txID string, signed [][]byte) (uint64, error) {
	_, submitErr := s.chain.SubmitGroup(ctx, signed)
	if submitErr != nil {
		status, err := s.chain.TxnStatus(ctx, txID)
		if err == nil && status.Confirmed() {
			return status.ConfirmedRound, nil
		}
		if errors.Is(submitErr, client.ErrTxnRejected) {
			return 0, fmt.Errorf("%w: %v", ErrClaimRejected, submitErr)
		}
		return 0, fmt.Errorf("submit claim: %w", submitErr)
	}

	round, err := s.chain.WaitForConfirmation(ctx, txID, s.confirmationRounds)
	if err != nil {
		if errors.Is(err, client.ErrTxnRejected) {
			return 0, fmt.Errorf("%w: %v", ErrClaimRejected, err)
		}
		return 0, fmt.Errorf("confirm claim %s: %w", txID, err)
	}
	return round, nil
}
