package client

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
)

// FakeChainClient is an in-memory ChainClient for tests and local runs. It
// applies groups atomically, pools fees the way the network does and plays the
// part of the inbox router application for the configured asset.
type FakeChainClient struct {
	mu sync.Mutex

	AssetID     uint64
	RouterAppID uint64
	MinFee      uint64

	// Knobs for failure paths.
	SimulateErr   error
	SubmitErr     error
	HistoryErr    error // returned by FindCommitted
	ConfirmErr    error
	FailOp        func(index int, txn Txn) error
	ClaimFunding  map[string]uint64 // extra funding the router reports a recipient needs
	ExtraTxnCount map[string]uint64 // overrides the reported inner operation count

	state     *fakeState
	seq       int
	blobs     map[string]*fakeBlob
	submitted [][]Txn
	signers   [][]string
	rejected  int
}

type fakeState struct {
	round     uint64
	balances  map[string]uint64
	minBal    map[string]uint64
	holdings  map[string]map[uint64]*AssetHolding
	inboxes   map[string]string
	committed map[string]uint64
}

type fakeBlob struct {
	txid   string
	txn    Txn
	group  string
	signer string
}

const (
	fakeAccountMinBalance = 100_000
	fakeAssetMinBalance   = 100_000
	fakeInboxBoxMBR       = 28_100
)

func NewFakeChainClient(assetID, routerAppID uint64) *FakeChainClient {
	f := &FakeChainClient{
		AssetID:       assetID,
		RouterAppID:   routerAppID,
		MinFee:        1000,
		ClaimFunding:  map[string]uint64{},
		ExtraTxnCount: map[string]uint64{},
		state: &fakeState{
			round:     1000,
			balances:  map[string]uint64{},
			minBal:    map[string]uint64{},
			holdings:  map[string]map[uint64]*AssetHolding{},
			inboxes:   map[string]string{},
			committed: map[string]uint64{},
		},
		blobs: map[string]*fakeBlob{},
	}

	router := f.RouterAddress()
	f.state.balances[router] = fakeAccountMinBalance
	f.state.minBal[router] = fakeAccountMinBalance
	return f
}

func (f *FakeChainClient) RouterAddress() string {
	return ApplicationAddress(f.RouterAppID)
}

// Fund creates the account if needed and credits microAlgos.
func (f *FakeChainClient) Fund(address string, amount uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.ensureAccount(address)
	f.state.balances[address] += amount
}

// OptIn registers the account for the asset and credits amount base units.
func (f *FakeChainClient) OptIn(address string, amount uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.ensureAccount(address)
	f.state.optIn(address, f.AssetID)
	f.state.holdings[address][f.AssetID].Amount += amount
}

func (f *FakeChainClient) SetFrozen(address string, frozen bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h := f.state.holding(address, f.AssetID); h != nil {
		h.Frozen = frozen
	}
}

// SetInboxSurplus credits microAlgos above the inbox's minimum balance.
func (f *FakeChainClient) SetInboxSurplus(recipient string, surplus uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inbox := f.state.inboxFor(recipient, true)
	f.state.balances[inbox] = f.state.minBal[inbox] + surplus
}

func (f *FakeChainClient) Balance(address string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.balances[address]
}

func (f *FakeChainClient) AssetBalance(address string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h := f.state.holding(address, f.AssetID); h != nil {
		return h.Amount
	}
	return 0
}

// InboxBalance is the asset amount waiting in the recipient's inbox.
func (f *FakeChainClient) InboxBalance(recipient string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	inbox, ok := f.state.inboxes[recipient]
	if !ok {
		return 0
	}
	if h := f.state.holding(inbox, f.AssetID); h != nil {
		return h.Amount
	}
	return 0
}

func (f *FakeChainClient) InboxAddress(recipient string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.inboxes[recipient]
}

// Submitted returns every group that committed, in order.
func (f *FakeChainClient) Submitted() [][]Txn {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]Txn, len(f.submitted))
	copy(out, f.submitted)
	return out
}

// Signers returns the signing addresses of every committed group.
func (f *FakeChainClient) Signers() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.signers))
	copy(out, f.signers)
	return out
}

func (f *FakeChainClient) Rejected() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rejected
}

// SignBlobs plays the wallet: it signs unsigned blobs from EncodeGroup as address.
func (f *FakeChainClient) SignBlobs(blobs [][]byte, address string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(blobs))
	for i, b := range blobs {
		src, ok := f.blobs[string(b)]
		if !ok {
			out[i] = b
			continue
		}
		signed := *src
		signed.signer = address
		key := "S:" + src.txid + ":" + address
		f.blobs[key] = &signed
		out[i] = []byte(key)
	}
	return out
}

func (f *FakeChainClient) AccountState(ctx context.Context, address string) (*AccountState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &AccountState{
		Address:    address,
		Balance:    f.state.balances[address],
		MinBalance: f.state.minBal[address],
	}, nil
}

func (f *FakeChainClient) AssetHolding(ctx context.Context, address string, assetID uint64) (*AssetHolding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h := f.state.holding(address, assetID); h != nil {
		out := *h
		return &out, nil
	}
	return &AssetHolding{AssetID: assetID}, nil
}

func (f *FakeChainClient) SuggestedParams(ctx context.Context) (*TxnParams, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &TxnParams{
		MinFee:     f.MinFee,
		FirstValid: f.state.round,
		LastValid:  f.state.round + 1000,
		GenesisID:  "fakenet-v1",
	}, nil
}

func (f *FakeChainClient) SimulateMethods(ctx context.Context, sender string, calls []MethodCall) ([]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SimulateErr != nil {
		return nil, f.SimulateErr
	}

	out := make([]interface{}, len(calls))
	for i, call := range calls {
		switch methodName(call.Method) {
		case "arc59_getSendAssetInfo":
			receiver, _ := call.Args[0].(string)
			itxns, mbr := f.sendCost(f.state, receiver)
			out[i] = []interface{}{
				itxns,
				mbr,
				f.state.holding(f.RouterAddress(), f.AssetID) != nil,
				f.state.holding(receiver, f.AssetID) != nil,
				f.ClaimFunding[receiver],
				f.ClaimFunding[receiver] + fakeAssetMinBalance,
			}
		case "arc59_getInbox":
			receiver, _ := call.Args[0].(string)
			if inbox, ok := f.state.inboxes[receiver]; ok {
				out[i] = inbox
			} else {
				out[i] = ZeroAddress()
			}
		default:
			return nil, fmt.Errorf("simulate: unknown method %s", call.Method)
		}
	}
	return out, nil
}

func (f *FakeChainClient) SignGroup(ctx context.Context, params *TxnParams, txns []Txn, signers ...Signer) (*SignedGroup, error) {
	bySender := map[string]bool{}
	for _, s := range signers {
		bySender[s.Address()] = true
	}
	for i, t := range txns {
		if !bySender[t.Sender] {
			return nil, fmt.Errorf("no signer for sender %s (txn %d)", t.Sender, i)
		}
	}

	unsigned, err := f.EncodeGroup(ctx, params, txns)
	if err != nil {
		return nil, err
	}

	blobs := make([][]byte, len(unsigned.Blobs))
	for i, b := range unsigned.Blobs {
		blobs[i] = f.SignBlobs([][]byte{b}, txns[i].Sender)[0]
	}

	return &SignedGroup{TxIDs: unsigned.TxIDs, Blobs: blobs, FirstValid: unsigned.FirstValid, LastValid: unsigned.LastValid}, nil
}

func (f *FakeChainClient) EncodeGroup(ctx context.Context, params *TxnParams, txns []Txn) (*UnsignedGroup, error) {
	if len(txns) == 0 {
		return nil, errors.New("empty transaction group")
	}
	for _, t := range txns {
		if err := ValidateAddress(t.Sender); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	group := fmt.Sprintf("G%d", f.seq)
	out := &UnsignedGroup{
		TxIDs:      make([]string, len(txns)),
		Blobs:      make([][]byte, len(txns)),
		FirstValid: params.FirstValid,
		LastValid:  params.LastValid,
	}
	for i, t := range txns {
		txid := fmt.Sprintf("TX%dN%d", f.seq, i)
		key := "U:" + txid
		f.blobs[key] = &fakeBlob{txid: txid, txn: t, group: group}
		out.TxIDs[i] = txid
		out.Blobs[i] = []byte(key)
	}
	return out, nil
}

func (f *FakeChainClient) InspectSignedGroup(blobs [][]byte) ([]SignedTxnInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]SignedTxnInfo, len(blobs))
	for i, b := range blobs {
		blob, ok := f.blobs[string(b)]
		if !ok {
			return nil, fmt.Errorf("decode signed txn %d: unknown blob", i)
		}
		info := SignedTxnInfo{
			TxID:    blob.txid,
			Sender:  blob.txn.Sender,
			Kind:    blob.txn.Kind,
			AppID:   blob.txn.AppID,
			AssetID: blob.txn.AssetID,
			Group:   blob.group,
			Signed:  blob.signer != "",
		}
		if info.Kind == TxnAssetTransfer {
			info.Receiver = blob.txn.Receiver
			info.Amount = blob.txn.Amount
		}
		if blob.txn.Method != "" {
			args, err := encodeMethodArgs(blob.txn.Method, blob.txn.Args)
			if err != nil {
				return nil, fmt.Errorf("decode signed txn %d: %w", i, err)
			}
			info.Selector = args[0]
			info.Args = args[1:]
		}
		out[i] = info
	}
	return out, nil
}

func (f *FakeChainClient) SubmitGroup(ctx context.Context, blobs [][]byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}

	entries := make([]*fakeBlob, len(blobs))
	txns := make([]Txn, len(blobs))
	signers := make([]string, len(blobs))
	for i, b := range blobs {
		blob, ok := f.blobs[string(b)]
		if !ok {
			return "", fmt.Errorf("%w: undecodable txn %d", ErrTxnRejected, i)
		}
		if blob.signer == "" || blob.signer != blob.txn.Sender {
			f.rejected++
			return "", fmt.Errorf("%w: txn %d has no valid signature", ErrTxnRejected, i)
		}
		if i > 0 && blob.group != entries[0].group {
			f.rejected++
			return "", fmt.Errorf("%w: txn %d belongs to another group", ErrTxnRejected, i)
		}
		if _, done := f.state.committed[blob.txid]; done {
			f.rejected++
			return "", fmt.Errorf("%w: txn %s already in ledger", ErrTxnRejected, blob.txid)
		}
		entries[i] = blob
		txns[i] = blob.txn
		signers[i] = blob.signer
	}

	next := f.state.clone()
	if err := f.apply(next, txns); err != nil {
		f.rejected++
		return "", fmt.Errorf("%w: %v", ErrTxnRejected, err)
	}

	next.round++
	for _, e := range entries {
		next.committed[e.txid] = next.round
	}
	f.state = next
	f.submitted = append(f.submitted, txns)
	f.signers = append(f.signers, signers)

	return entries[0].txid, nil
}

func (f *FakeChainClient) WaitForConfirmation(ctx context.Context, txID string, rounds uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ConfirmErr != nil {
		return 0, f.ConfirmErr
	}
	round, ok := f.state.committed[txID]
	if !ok {
		return 0, ErrConfirmationTimeout
	}
	return round, nil
}

func (f *FakeChainClient) TxnStatus(ctx context.Context, txID string) (*TxnStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	round, ok := f.state.committed[txID]
	if !ok {
		return &TxnStatus{Known: false}, nil
	}
	return &TxnStatus{Known: true, ConfirmedRound: round}, nil
}

func (f *FakeChainClient) FindCommitted(ctx context.Context, txID string, firstValid, lastValid uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.HistoryErr != nil {
		return 0, f.HistoryErr
	}
	round, ok := f.state.committed[txID]
	if !ok || round < firstValid || round > lastValid {
		return 0, nil
	}
	return round, nil
}

func (f *FakeChainClient) CurrentRound(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.round, nil
}

// AdvanceRounds moves the ledger forward without committing anything.
func (f *FakeChainClient) AdvanceRounds(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.round += n
}

func (f *FakeChainClient) sendCost(s *fakeState, receiver string) (uint64, uint64) {
	itxns, mbr := uint64(1), uint64(0)
	if s.holding(receiver, f.AssetID) == nil {
		inbox, ok := s.inboxes[receiver]
		switch {
		case !ok:
			itxns, mbr = 4, fakeAccountMinBalance+fakeAssetMinBalance+fakeInboxBoxMBR
		case s.holding(inbox, f.AssetID) == nil:
			itxns, mbr = 2, fakeAssetMinBalance
		}
	}
	if n, ok := f.ExtraTxnCount[receiver]; ok {
		itxns = n
	}
	return itxns, mbr
}

func (f *FakeChainClient) apply(s *fakeState, txns []Txn) error {
	router := f.RouterAddress()
	var fees, required uint64

	for i, t := range txns {
		if f.FailOp != nil {
			if err := f.FailOp(i, t); err != nil {
				return fmt.Errorf("txn %d: %w", i, err)
			}
		}

		fees += t.Fee
		required += f.MinFee
		if s.balances[t.Sender] < t.Fee {
			return fmt.Errorf("txn %d: sender cannot pay fee", i)
		}
		s.balances[t.Sender] -= t.Fee

		switch t.Kind {
		case TxnPayment:
			if err := s.pay(t.Sender, t.Receiver, t.Amount); err != nil {
				return fmt.Errorf("txn %d: %w", i, err)
			}

		case TxnAssetTransfer:
			if t.Sender == t.Receiver && t.Amount == 0 {
				if s.holding(t.Sender, t.AssetID) == nil {
					s.optIn(t.Sender, t.AssetID)
				}
				if s.balances[t.Sender] < s.minBal[t.Sender] {
					return fmt.Errorf("txn %d: opt-in below minimum balance", i)
				}
				continue
			}
			if err := s.moveAsset(t.Sender, t.Receiver, t.AssetID, t.Amount); err != nil {
				return fmt.Errorf("txn %d: %w", i, err)
			}

		case TxnAssetFreeze:
			h := s.holding(t.FreezeTarget, t.AssetID)
			if h == nil {
				return fmt.Errorf("txn %d: freeze target not opted in", i)
			}
			h.Frozen = t.Frozen

		case TxnAppCall:
			if t.AppID != f.RouterAppID {
				return fmt.Errorf("txn %d: unknown application %d", i, t.AppID)
			}
			inner, err := f.applyRouterCall(s, router, t, txns[:i])
			if err != nil {
				return fmt.Errorf("txn %d: %w", i, err)
			}
			required += inner * f.MinFee

		default:
			return fmt.Errorf("txn %d: unsupported kind %s", i, t.Kind)
		}
	}

	if fees < required {
		return fmt.Errorf("group fee %d below required %d", fees, required)
	}
	return nil
}

func (f *FakeChainClient) applyRouterCall(s *fakeState, router string, t Txn, before []Txn) (uint64, error) {
	switch methodName(t.Method) {
	case "arc59_optRouterIn":
		if s.holding(router, f.AssetID) == nil {
			s.optIn(router, f.AssetID)
		}
		if s.balances[router] < s.minBal[router] {
			return 0, errors.New("router below minimum balance after opt-in")
		}
		return 1, nil

	case "arc59_sendAsset":
		if len(before) == 0 || before[len(before)-1].Kind != TxnAssetTransfer || before[len(before)-1].Receiver != router {
			return 0, errors.New("sendAsset must follow an asset transfer to the router")
		}
		if !declared(t, f.AssetID) {
			return 0, errors.New("sendAsset resources not declared")
		}
		receiver, _ := t.Args[0].(string)
		additional := toUint64(t.Args[1])
		amount := before[len(before)-1].Amount

		itxns, mbr := f.sendCost(s, receiver)
		if s.balances[router] < s.minBal[router]+mbr+additional {
			return 0, errors.New("router underfunded for send")
		}
		s.balances[router] -= mbr + additional

		if s.holding(receiver, f.AssetID) != nil {
			return itxns, s.moveAsset(router, receiver, f.AssetID, amount)
		}

		inbox := s.inboxFor(receiver, true)
		if s.holding(inbox, f.AssetID) == nil {
			s.optIn(inbox, f.AssetID)
		}
		s.balances[inbox] = s.minBal[inbox]
		s.ensureAccount(receiver)
		s.balances[receiver] += additional
		return itxns, s.moveAsset(router, inbox, f.AssetID, amount)

	case "arc59_claimAlgo":
		inbox, ok := s.inboxes[t.Sender]
		if !ok {
			return 0, errors.New("no inbox")
		}
		surplus := s.balances[inbox] - s.minBal[inbox]
		s.balances[inbox] -= surplus
		s.balances[t.Sender] += surplus
		return 1, nil

	case "arc59_claim":
		inbox, ok := s.inboxes[t.Sender]
		if !ok {
			return 0, errors.New("no inbox")
		}
		h := s.holding(inbox, f.AssetID)
		if h == nil || h.Amount == 0 {
			return 0, errors.New("inbox holds nothing")
		}
		return 1, s.moveAsset(inbox, t.Sender, f.AssetID, h.Amount)
	}

	return 0, fmt.Errorf("unknown router method %s", t.Method)
}

func declared(t Txn, assetID uint64) bool {
	hasAsset := false
	for _, a := range t.ForeignAssets {
		if a == assetID {
			hasAsset = true
		}
	}
	return hasAsset && len(t.Accounts) > 0 && len(t.Boxes) > 0
}

func (s *fakeState) clone() *fakeState {
	out := &fakeState{
		round:     s.round,
		balances:  make(map[string]uint64, len(s.balances)),
		minBal:    make(map[string]uint64, len(s.minBal)),
		holdings:  make(map[string]map[uint64]*AssetHolding, len(s.holdings)),
		inboxes:   make(map[string]string, len(s.inboxes)),
		committed: make(map[string]uint64, len(s.committed)),
	}
	for k, v := range s.balances {
		out.balances[k] = v
	}
	for k, v := range s.minBal {
		out.minBal[k] = v
	}
	for addr, hs := range s.holdings {
		m := make(map[uint64]*AssetHolding, len(hs))
		for id, h := range hs {
			c := *h
			m[id] = &c
		}
		out.holdings[addr] = m
	}
	for k, v := range s.inboxes {
		out.inboxes[k] = v
	}
	for k, v := range s.committed {
		out.committed[k] = v
	}
	return out
}

func (s *fakeState) ensureAccount(address string) {
	if _, ok := s.minBal[address]; !ok {
		s.minBal[address] = fakeAccountMinBalance
	}
}

func (s *fakeState) holding(address string, assetID uint64) *AssetHolding {
	if hs, ok := s.holdings[address]; ok {
		return hs[assetID]
	}
	return nil
}

func (s *fakeState) optIn(address string, assetID uint64) {
	s.ensureAccount(address)
	if s.holdings[address] == nil {
		s.holdings[address] = map[uint64]*AssetHolding{}
	}
	s.holdings[address][assetID] = &AssetHolding{AssetID: assetID, OptedIn: true}
	s.minBal[address] += fakeAssetMinBalance
}

func (s *fakeState) inboxFor(recipient string, create bool) string {
	if inbox, ok := s.inboxes[recipient]; ok || !create {
		return inbox
	}
	inbox := crypto.GenerateAccount().Address.String()
	s.inboxes[recipient] = inbox
	s.ensureAccount(inbox)
	s.minBal[inbox] += fakeInboxBoxMBR
	s.balances[inbox] = s.minBal[inbox]
	return inbox
}

func (s *fakeState) pay(from, to string, amount uint64) error {
	if s.balances[from] < amount {
		return errors.New("overspend")
	}
	s.ensureAccount(to)
	s.balances[from] -= amount
	s.balances[to] += amount
	if s.balances[from] != 0 && s.balances[from] < s.minBal[from] {
		return errors.New("sender below minimum balance")
	}
	if s.balances[to] < s.minBal[to] {
		return errors.New("receiver below minimum balance")
	}
	return nil
}

func (s *fakeState) moveAsset(from, to string, assetID, amount uint64) error {
	src := s.holding(from, assetID)
	dst := s.holding(to, assetID)
	switch {
	case src == nil:
		return errors.New("sender not opted in")
	case dst == nil:
		return errors.New("receiver not opted in")
	case src.Frozen || dst.Frozen:
		return errors.New("asset frozen")
	case src.Amount < amount:
		return errors.New("asset underflow")
	}
	src.Amount -= amount
	dst.Amount += amount
	return nil
}

func methodName(signature string) string {
	if i := strings.IndexByte(signature, '('); i >= 0 {
		return signature[:i]
	}
	return signature
}

func toUint64(v interface{}) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case uint32:
		return uint64(n)
	case int:
		return uint64(n)
	case *big.Int:
		return n.Uint64()
	}
	return 0
}
