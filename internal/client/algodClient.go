package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"token-delivery-service/internal/config"

	"github.com/algorand/go-algorand-sdk/v2/abi"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/common/models"
	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

const minTxnFee = 1000

// ARC-4 prefix of the log line carrying a method's return value.
var abiReturnPrefix = []byte{0x15, 0x1f, 0x7c, 0x75}

var txnArgTypes = map[string]bool{
	"txn": true, "pay": true, "keyreg": true, "acfg": true,
	"axfer": true, "afrz": true, "appl": true,
}

var refArgTypes = map[string]bool{
	"account": true, "asset": true, "application": true,
}

type algodClientImpl struct {
	algod          *algod.Client
	requestTimeout time.Duration
}

func NewAlgodClient(cfg *config.Algod) (ChainClient, error) {
	c, err := algod.MakeClient(cfg.URL, cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("make algod client: %w", err)
	}

	return &algodClientImpl{
		algod:          c,
		requestTimeout: cfg.RequestTimeout,
	}, nil
}

func (c *algodClientImpl) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

func (c *algodClientImpl) AccountState(ctx context.Context, address string) (*AccountState, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	info, err := c.algod.AccountInformation(address).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("account information %s: %w", address, err)
	}

	return &AccountState{
		Address:    address,
		Balance:    info.Amount,
		MinBalance: info.MinBalance,
	}, nil
}

func (c *algodClientImpl) AssetHolding(ctx context.Context, address string, assetID uint64) (*AssetHolding, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	info, err := c.algod.AccountInformation(address).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("account information %s: %w", address, err)
	}

	holding := &AssetHolding{AssetID: assetID}
	for _, h := range info.Assets {
		if h.AssetId != assetID {
			continue
		}
		holding.OptedIn = true
		holding.Amount = h.Amount
		holding.Frozen = h.IsFrozen
		break
	}

	return holding, nil
}

func (c *algodClientImpl) SuggestedParams(ctx context.Context) (*TxnParams, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	sp, err := c.algod.SuggestedParams().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggested params: %w", err)
	}

	return &TxnParams{
		MinFee:      sp.MinFee,
		FirstValid:  uint64(sp.FirstRoundValid),
		LastValid:   uint64(sp.LastRoundValid),
		GenesisID:   sp.GenesisID,
		GenesisHash: sp.GenesisHash,
	}, nil
}

func (c *algodClientImpl) SimulateMethods(ctx context.Context, sender string, calls []MethodCall) ([]interface{}, error) {
	params, err := c.SuggestedParams(ctx)
	if err != nil {
		return nil, err
	}

	fee := params.MinFee
	if fee < minTxnFee {
		fee = minTxnFee
	}

	items := make([]Txn, len(calls))
	for i, call := range calls {
		items[i] = Txn{
			Kind:          TxnAppCall,
			Sender:        sender,
			AppID:         call.AppID,
			Method:        call.Method,
			Args:          call.Args,
			Accounts:      call.Accounts,
			ForeignAssets: call.ForeignAssets,
			Boxes:         call.Boxes,
			Fee:           fee,
		}
	}

	txns, err := buildGroup(params, items)
	if err != nil {
		return nil, err
	}

	stxns := make([]types.SignedTxn, len(txns))
	for i, tx := range txns {
		stxns[i] = types.SignedTxn{Txn: tx}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.algod.SimulateTransaction(models.SimulateRequest{
		TxnGroups:             []models.SimulateRequestTransactionGroup{{Txns: stxns}},
		AllowEmptySignatures:  true,
		AllowUnnamedResources: true,
	}).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("simulate: %w", err)
	}
	if len(resp.TxnGroups) == 0 {
		return nil, errors.New("simulate: empty response")
	}

	group := resp.TxnGroups[0]
	if group.FailureMessage != "" {
		return nil, fmt.Errorf("simulate: %s", group.FailureMessage)
	}
	if len(group.TxnResults) != len(calls) {
		return nil, fmt.Errorf("simulate: got %d results for %d calls", len(group.TxnResults), len(calls))
	}

	values := make([]interface{}, len(calls))
	for i, res := range group.TxnResults {
		v, err := decodeReturn(calls[i].Method, res.TxnResult.Logs)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", calls[i].Method, err)
		}
		values[i] = v
	}

	return values, nil
}

func (c *algodClientImpl) SignGroup(ctx context.Context, params *TxnParams, items []Txn, signers ...Signer) (*SignedGroup, error) {
	bySender := make(map[string]Signer, len(signers))
	for _, s := range signers {
		bySender[s.Address()] = s
	}

	txns, err := buildGroup(params, items)
	if err != nil {
		return nil, err
	}

	group := &SignedGroup{
		TxIDs:      make([]string, len(txns)),
		Blobs:      make([][]byte, len(txns)),
		FirstValid: params.FirstValid,
		LastValid:  params.LastValid,
	}
	for i, tx := range txns {
		signer, ok := bySender[tx.Sender.String()]
		if !ok {
			return nil, fmt.Errorf("no signer for sender %s", tx.Sender.String())
		}

		txid, blob, err := signer.SignTransaction(tx)
		if err != nil {
			return nil, fmt.Errorf("sign txn %d: %w", i, err)
		}
		group.TxIDs[i] = txid
		group.Blobs[i] = blob
	}

	return group, nil
}

func (c *algodClientImpl) EncodeGroup(ctx context.Context, params *TxnParams, items []Txn) (*UnsignedGroup, error) {
	txns, err := buildGroup(params, items)
	if err != nil {
		return nil, err
	}

	group := &UnsignedGroup{
		TxIDs:      make([]string, len(txns)),
		Blobs:      make([][]byte, len(txns)),
		FirstValid: params.FirstValid,
		LastValid:  params.LastValid,
	}
	for i, tx := range txns {
		group.TxIDs[i] = crypto.GetTxID(tx)
		group.Blobs[i] = msgpack.Encode(tx)
	}

	return group, nil
}

func (c *algodClientImpl) InspectSignedGroup(blobs [][]byte) ([]SignedTxnInfo, error) {
	infos := make([]SignedTxnInfo, len(blobs))
	for i, blob := range blobs {
		var stx types.SignedTxn
		if err := msgpack.Decode(blob, &stx); err != nil {
			return nil, fmt.Errorf("decode signed txn %d: %w", i, err)
		}

		info := SignedTxnInfo{
			TxID:    crypto.GetTxID(stx.Txn),
			Sender:  stx.Txn.Sender.String(),
			Kind:    TxnKind(stx.Txn.Type),
			AppID:   uint64(stx.Txn.ApplicationID),
			AssetID: uint64(stx.Txn.XferAsset),
			Group:   hex.EncodeToString(stx.Txn.Group[:]),
			Signed:  stx.Sig != (types.Signature{}) || len(stx.Msig.Subsigs) > 0 || len(stx.Lsig.Logic) > 0,
		}
		if info.Kind == TxnAssetTransfer {
			info.Receiver = stx.Txn.AssetReceiver.String()
			info.Amount = stx.Txn.AssetAmount
		}
		if len(stx.Txn.ApplicationArgs) > 0 {
			info.Selector = stx.Txn.ApplicationArgs[0]
			info.Args = stx.Txn.ApplicationArgs[1:]
		}
		infos[i] = info
	}

	return infos, nil
}

func (c *algodClientImpl) SubmitGroup(ctx context.Context, blobs [][]byte) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	txid, err := c.algod.SendRawTransaction(bytes.Join(blobs, nil)).Do(ctx)
	if err != nil {
		if isHTTPStatus(err, 400) {
			return "", fmt.Errorf("%w: %v", ErrTxnRejected, err)
		}
		return "", fmt.Errorf("send raw transaction: %w", err)
	}

	return txid, nil
}

func (c *algodClientImpl) WaitForConfirmation(ctx context.Context, txID string, rounds uint64) (uint64, error) {
	status, err := c.algod.Status().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("node status: %w", err)
	}

	round := status.LastRound
	last := round + rounds
	for round < last {
		info, _, err := c.algod.PendingTransactionInformation(txID).Do(ctx)
		if err == nil {
			if info.ConfirmedRound > 0 {
				return info.ConfirmedRound, nil
			}
			if info.PoolError != "" {
				return 0, fmt.Errorf("%w: %s", ErrTxnRejected, info.PoolError)
			}
		}

		round++
		if _, err := c.algod.StatusAfterBlock(round).Do(ctx); err != nil {
			return 0, fmt.Errorf("status after block %d: %w", round, err)
		}
	}

	return 0, ErrConfirmationTimeout
}

func (c *algodClientImpl) TxnStatus(ctx context.Context, txID string) (*TxnStatus, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	info, _, err := c.algod.PendingTransactionInformation(txID).Do(ctx)
	if err != nil {
		if isHTTPStatus(err, 404) {
			return &TxnStatus{Known: false}, nil
		}
		return nil, fmt.Errorf("pending transaction information %s: %w", txID, err)
	}

	return &TxnStatus{
		Known:          true,
		ConfirmedRound: info.ConfirmedRound,
		PoolError:      info.PoolError,
	}, nil
}

func (c *algodClientImpl) FindCommitted(ctx context.Context, txID string, firstValid, lastValid uint64) (uint64, error) {
	if firstValid == 0 || lastValid < firstValid {
		return 0, fmt.Errorf("%w: no validity window for %s", ErrHistoryUnavailable, txID)
	}

	for round := firstValid; round <= lastValid; round++ {
		blockCtx, cancel := c.withTimeout(ctx)
		resp, err := c.algod.GetBlockTxids(round).Do(blockCtx)
		cancel()
		if err != nil {
			if isHTTPStatus(err, 404) {
				return 0, fmt.Errorf("%w: block %d: %v", ErrHistoryUnavailable, round, err)
			}
			return 0, fmt.Errorf("block txids %d: %w", round, err)
		}
		for _, id := range resp.Blocktxids {
			if id == txID {
				return round, nil
			}
		}
	}

	return 0, nil
}

func (c *algodClientImpl) CurrentRound(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	status, err := c.algod.Status().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("node status: %w", err)
	}
	return status.LastRound, nil
}

// the SDK surfaces HTTP failures only through the error text
func isHTTPStatus(err error, code int) bool {
	return strings.Contains(err.Error(), fmt.Sprintf("HTTP %d", code))
}

func sdkParams(p *TxnParams, fee uint64) types.SuggestedParams {
	return types.SuggestedParams{
		Fee:             types.MicroAlgos(fee),
		FlatFee:         true,
		MinFee:          p.MinFee,
		GenesisID:       p.GenesisID,
		GenesisHash:     p.GenesisHash,
		FirstRoundValid: types.Round(p.FirstValid),
		LastRoundValid:  types.Round(p.LastValid),
	}
}

func buildGroup(params *TxnParams, items []Txn) ([]types.Transaction, error) {
	if len(items) == 0 {
		return nil, errors.New("empty transaction group")
	}

	txns := make([]types.Transaction, len(items))
	for i, item := range items {
		tx, err := buildTxn(params, item)
		if err != nil {
			return nil, fmt.Errorf("build txn %d (%s): %w", i, item.Kind, err)
		}
		txns[i] = tx
	}

	if len(txns) > 1 {
		gid, err := crypto.ComputeGroupID(txns)
		if err != nil {
			return nil, fmt.Errorf("compute group id: %w", err)
		}
		for i := range txns {
			txns[i].Group = gid
		}
	}

	return txns, nil
}

func buildTxn(params *TxnParams, item Txn) (types.Transaction, error) {
	sp := sdkParams(params, item.Fee)

	switch item.Kind {
	case TxnPayment:
		return transaction.MakePaymentTxn(item.Sender, item.Receiver, item.Amount, nil, "", sp)
	case TxnAssetTransfer:
		return transaction.MakeAssetTransferTxn(item.Sender, item.Receiver, item.Amount, nil, sp, "", item.AssetID)
	case TxnAssetFreeze:
		return transaction.MakeAssetFreezeTxn(item.Sender, nil, sp, item.AssetID, item.FreezeTarget, item.Frozen)
	case TxnAppCall:
		args, err := encodeMethodArgs(item.Method, item.Args)
		if err != nil {
			return types.Transaction{}, err
		}
		sender, err := types.DecodeAddress(item.Sender)
		if err != nil {
			return types.Transaction{}, fmt.Errorf("decode sender: %w", err)
		}
		boxes := make([]types.AppBoxReference, len(item.Boxes))
		for i, b := range item.Boxes {
			boxes[i] = types.AppBoxReference{AppID: b.AppID, Name: b.Name}
		}
		return transaction.MakeApplicationNoOpTxWithBoxes(
			item.AppID,
			args,
			item.Accounts,
			item.ForeignApps,
			item.ForeignAssets,
			boxes,
			sp,
			sender,
			nil,
			types.Digest{},
			[32]byte{},
			types.Address{},
		)
	}

	return types.Transaction{}, fmt.Errorf("unsupported txn kind %q", item.Kind)
}

// EncodeMethodCall returns the application args of an ABI call: the method
// selector followed by the encoded non-transaction arguments.
func EncodeMethodCall(signature string, args ...interface{}) ([][]byte, error) {
	return encodeMethodArgs(signature, args)
}

func encodeMethodArgs(signature string, args []interface{}) ([][]byte, error) {
	method, err := abi.MethodFromSignature(signature)
	if err != nil {
		return nil, fmt.Errorf("parse method %q: %w", signature, err)
	}

	encoded := [][]byte{method.GetSelector()}
	next := 0
	for _, arg := range method.Args {
		if txnArgTypes[arg.Type] {
			continue
		}
		if refArgTypes[arg.Type] {
			return nil, fmt.Errorf("method %q: reference argument %q not supported", signature, arg.Type)
		}
		if next >= len(args) {
			return nil, fmt.Errorf("method %q: missing argument %d", signature, next)
		}

		value := args[next]
		next++

		if arg.Type == "address" {
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("method %q: address argument must be a string", signature)
			}
			addr, err := types.DecodeAddress(s)
			if err != nil {
				return nil, fmt.Errorf("method %q: %w", signature, err)
			}
			value = addr[:]
		}

		typ, err := abi.TypeOf(arg.Type)
		if err != nil {
			return nil, fmt.Errorf("method %q: arg type %q: %w", signature, arg.Type, err)
		}
		enc, err := typ.Encode(value)
		if err != nil {
			return nil, fmt.Errorf("method %q: encode arg: %w", signature, err)
		}
		encoded = append(encoded, enc)
	}

	if next != len(args) {
		return nil, fmt.Errorf("method %q: %d arguments given, %d used", signature, len(args), next)
	}

	return encoded, nil
}

func decodeReturn(signature string, logs [][]byte) (interface{}, error) {
	method, err := abi.MethodFromSignature(signature)
	if err != nil {
		return nil, err
	}
	if method.Returns.Type == "void" {
		return nil, nil
	}
	if len(logs) == 0 {
		return nil, errors.New("no return log")
	}

	last := logs[len(logs)-1]
	if !bytes.HasPrefix(last, abiReturnPrefix) {
		return nil, errors.New("last log is not an ABI return")
	}

	typ, err := abi.TypeOf(method.Returns.Type)
	if err != nil {
		return nil, err
	}
	value, err := typ.Decode(last[len(abiReturnPrefix):])
	if err != nil {
		return nil, err
	}

	if method.Returns.Type == "address" {
		return addressFromABI(value)
	}
	return value, nil
}

func addressFromABI(value interface{}) (string, error) {
	var addr types.Address
	switch v := value.(type) {
	case []byte:
		if len(v) != len(addr) {
			return "", fmt.Errorf("address of %d bytes", len(v))
		}
		copy(addr[:], v)
	case [32]byte:
		addr = v
	case []interface{}:
		if len(v) != len(addr) {
			return "", fmt.Errorf("address of %d elements", len(v))
		}
		for i, b := range v {
			bb, ok := b.(byte)
			if !ok {
				return "", fmt.Errorf("address element %d is %T", i, b)
			}
			addr[i] = bb
		}
	default:
		return "", fmt.Errorf("unexpected address value %T", value)
	}
	return addr.String(), nil
}
