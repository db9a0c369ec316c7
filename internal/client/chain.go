package client

import (
	"context"
	"errors"

	"github.com/algorand/go-algorand-sdk/v2/types"
)

var (
	// ErrTxnRejected means the node refused the group or confirmed it failed;
	// nothing from the group was committed.
	ErrTxnRejected = errors.New("chain: transaction group rejected")
	// ErrConfirmationTimeout means the group was accepted but not yet seen in a
	// block within the wait window. Its outcome is still open.
	ErrConfirmationTimeout = errors.New("chain: confirmation wait timed out")
	// ErrHistoryUnavailable means the node can no longer serve a block in the
	// requested range, so whether a transaction committed there is unknown.
	ErrHistoryUnavailable = errors.New("chain: block history unavailable")
)

type TxnKind string

const (
	TxnPayment       TxnKind = "pay"
	TxnAssetTransfer TxnKind = "axfer"
	TxnAssetFreeze   TxnKind = "afrz"
	TxnAppCall       TxnKind = "appl"
)

type BoxRef struct {
	AppID uint64
	Name  []byte
}

// Txn describes one operation of an atomic group. Resource references are
// always declared by the composer; the adapter never infers them.
type Txn struct {
	Kind     TxnKind
	Sender   string
	Receiver string
	Amount   uint64
	AssetID  uint64
	Fee      uint64 // flat, microAlgos

	// asset freeze
	FreezeTarget string
	Frozen       bool

	// application call
	AppID         uint64
	Method        string        // ABI signature
	Args          []interface{} // non-transaction ABI arguments in order; addresses as strings
	Accounts      []string
	ForeignAssets []uint64
	ForeignApps   []uint64
	Boxes         []BoxRef
}

type AccountState struct {
	Address    string
	Balance    uint64
	MinBalance uint64
}

// Spendable is the balance above the account's minimum balance requirement.
func (a *AccountState) Spendable() uint64 {
	if a.Balance <= a.MinBalance {
		return 0
	}
	return a.Balance - a.MinBalance
}

// AssetHolding is an explicit registration answer: OptedIn is false when the
// account does not hold the asset, with no error.
type AssetHolding struct {
	AssetID uint64
	OptedIn bool
	Amount  uint64
	Frozen  bool
}

type TxnParams struct {
	MinFee      uint64
	FirstValid  uint64
	LastValid   uint64
	GenesisID   string
	GenesisHash []byte
}

// MethodCall is a read-only application call evaluated by simulation.
type MethodCall struct {
	AppID         uint64
	Method        string
	Args          []interface{}
	Accounts      []string
	ForeignAssets []uint64
	Boxes         []BoxRef
}

type SignedGroup struct {
	TxIDs      []string
	Blobs      [][]byte
	FirstValid uint64
	LastValid  uint64
}

type UnsignedGroup struct {
	TxIDs      []string
	Blobs      [][]byte
	FirstValid uint64
	LastValid  uint64
}

type SignedTxnInfo struct {
	TxID     string
	Sender   string
	Receiver string // asset transfers
	Amount   uint64 // asset transfers
	Kind     TxnKind
	AppID    uint64
	AssetID  uint64
	Selector []byte
	Args     [][]byte // application args after the selector
	Group    string
	Signed   bool
}

type TxnStatus struct {
	Known          bool
	ConfirmedRound uint64
	PoolError      string
}

func (s *TxnStatus) Confirmed() bool {
	return s.ConfirmedRound > 0
}

type Signer interface {
	Address() string
	SignTransaction(tx types.Transaction) (string, []byte, error)
}

type ChainClient interface {
	AccountState(ctx context.Context, address string) (*AccountState, error)
	AssetHolding(ctx context.Context, address string, assetID uint64) (*AssetHolding, error)
	SuggestedParams(ctx context.Context) (*TxnParams, error)

	// SimulateMethods evaluates the calls as one group without committing and
	// returns each call's decoded ABI return value.
	SimulateMethods(ctx context.Context, sender string, calls []MethodCall) ([]interface{}, error)

	SignGroup(ctx context.Context, params *TxnParams, txns []Txn, signers ...Signer) (*SignedGroup, error)
	EncodeGroup(ctx context.Context, params *TxnParams, txns []Txn) (*UnsignedGroup, error)
	InspectSignedGroup(blobs [][]byte) ([]SignedTxnInfo, error)

	// SubmitGroup broadcasts signed bytes. ErrTxnRejected means the node
	// refused them; any other error leaves the outcome unknown.
	SubmitGroup(ctx context.Context, blobs [][]byte) (string, error)
	WaitForConfirmation(ctx context.Context, txID string, rounds uint64) (uint64, error)
	TxnStatus(ctx context.Context, txID string) (*TxnStatus, error)
	// FindCommitted scans the blocks firstValid..lastValid for txID and
	// returns the round it committed in, or 0 when no block holds it.
	// ErrHistoryUnavailable means the range could not be read in full.
	FindCommitted(ctx context.Context, txID string, firstValid, lastValid uint64) (uint64, error)
	CurrentRound(ctx context.Context) (uint64, error)
}
