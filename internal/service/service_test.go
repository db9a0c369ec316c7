package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"testing"
	"time"

	"token-delivery-service/internal/cache"
	"token-delivery-service/internal/client"
	"token-delivery-service/internal/config"
	"token-delivery-service/internal/credential"
	"token-delivery-service/internal/model"
	"token-delivery-service/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testAssetID     = 1001
	testRouterAppID = 4242
	testDecimals    = 6
	testSupply      = 1_000 // whole tokens
	testSecret      = "whsec_test"
	testRounds      = 4
)

type testEnv struct {
	chain    *client.FakeChainClient
	operator *credential.Credential
	freezer  *credential.Credential
	memo     cache.Store

	paymentRepo   repository.PaymentRepository
	eventRepo     repository.WebhookEventRepository
	transferRepo  repository.TransferRepository
	inventoryRepo repository.InventoryRepository

	inventory InventoryService
	guard     *FreezeGuard
	direct    *DirectTransferExecutor
	inbox     *InboxRouterClient
	strategy  TransferStrategy
	webhook   WebhookService
	claim     ClaimService
	monitor   MonitorService
}

type envOption func(*envOptions)

type envOptions struct {
	inboxEnabled bool
	maxFunding   uint64
	strategy     TransferStrategy
}

func withInboxDisabled() envOption {
	return func(o *envOptions) { o.inboxEnabled = false }
}

func withMaxFunding(limit uint64) envOption {
	return func(o *envOptions) { o.maxFunding = limit }
}

func withStrategy(s TransferStrategy) envOption {
	return func(o *envOptions) { o.strategy = s }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	ctx := context.Background()

	o := &envOptions{inboxEnabled: true, maxFunding: 10_000_000}
	for _, opt := range opts {
		opt(o)
	}

	db, err := client.InitDatabase(config.Database{
		Driver: "sqlite",
		URL:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	logger := zap.NewNop()
	env := &testEnv{
		chain:         client.NewFakeChainClient(testAssetID, testRouterAppID),
		operator:      credential.Generate("operator"),
		freezer:       credential.Generate("freeze-manager"),
		memo:          cache.NewMemoryStore(),
		paymentRepo:   repository.NewPaymentRepository(db),
		eventRepo:     repository.NewWebhookEventRepository(db),
		transferRepo:  repository.NewTransferRepository(db),
		inventoryRepo: repository.NewInventoryRepository(db),
	}

	env.chain.Fund(env.operator.Address(), 100_000_000_000)
	env.chain.OptIn(env.operator.Address(), baseUnits(testSupply))
	env.chain.Fund(env.freezer.Address(), 10_000_000)
	require.NoError(t, env.inventoryRepo.EnsureCounter(ctx, testAssetID, testSupply))

	env.inventory = NewInventoryService(testAssetID, env.inventoryRepo, logger)
	env.guard = NewFreezeGuard(env.chain, env.freezer, testAssetID, testRounds, logger)
	env.direct = NewDirectTransferExecutor(env.chain, env.operator, testAssetID, testRounds, logger)
	env.inbox = NewInboxRouterClient(env.chain, env.operator, testAssetID, testRouterAppID, o.maxFunding, testRounds, env.memo, env.guard, logger)
	env.strategy = NewTransferStrategy(env.chain, testAssetID, o.inboxEnabled, env.direct, env.inbox, env.guard, logger)

	strategy := env.strategy
	if o.strategy != nil {
		strategy = o.strategy
	}
	env.webhook = NewWebhookService(WebhookConfig{
		Secret:    testSecret,
		Tolerance: 5 * time.Minute,
		AssetID:   testAssetID,
		Decimals:  testDecimals,
		Currency:  "usd",
	}, env.paymentRepo, env.eventRepo, env.transferRepo, env.inventory, strategy, logger)
	env.claim = NewClaimService(env.chain, env.inbox, env.paymentRepo, env.transferRepo, testAssetID, testDecimals, testRounds, logger)
	env.monitor = NewMonitorService(env.chain, testAssetID, env.paymentRepo, env.transferRepo, env.inventory, logger)

	return env
}

func baseUnits(tokens uint64) uint64 {
	v, _ := toBaseUnits(tokens, testDecimals)
	return v
}

// registeredWallet is a funded account opted in to the asset.
func (e *testEnv) registeredWallet() *credential.Credential {
	w := credential.Generate("wallet")
	e.chain.Fund(w.Address(), 1_000_000)
	e.chain.OptIn(w.Address(), 0)
	return w
}

// unregisteredWallet is a funded account that does not hold the asset.
func (e *testEnv) unregisteredWallet() *credential.Credential {
	w := credential.Generate("wallet")
	e.chain.Fund(w.Address(), 1_000_000)
	return w
}

type checkout struct {
	eventID       string
	eventType     string
	reference     string
	wallet        string
	tokens        uint64
	unitPrice     string
	paymentStatus string
}

func newCheckout(reference, wallet string, tokens uint64) checkout {
	return checkout{
		eventID:       "evt_" + uuid.NewString(),
		eventType:     model.EventCheckoutCompleted,
		reference:     reference,
		wallet:        wallet,
		tokens:        tokens,
		unitPrice:     "0.25",
		paymentStatus: "paid",
	}
}

func (c checkout) event() *model.CheckoutEvent {
	var subtotal int64
	if price, err := strconv.ParseFloat(c.unitPrice, 64); err == nil {
		subtotal = int64(price*100+0.5) * int64(c.tokens)
	}
	return &model.CheckoutEvent{
		ID:      c.eventID,
		Type:    c.eventType,
		Created: time.Now().Unix(),
		Data: model.CheckoutEventData{Object: model.CheckoutSession{
			ID:             "cs_" + c.reference,
			PaymentIntent:  "pi_" + c.reference,
			PaymentStatus:  c.paymentStatus,
			AmountSubtotal: subtotal,
			AmountTotal:    subtotal,
			Currency:       "usd",
			CustomerDetails: model.CustomerDetails{
				Email: "buyer@example.com",
			},
			Metadata: model.CheckoutMetadata{
				PaymentReference: c.reference,
				WalletAddress:    c.wallet,
				TokenAmount:      strconv.FormatUint(c.tokens, 10),
				UnitPrice:        c.unitPrice,
			},
		}},
	}
}

// signed returns the raw payload and a valid signature header for it.
func (c checkout) signed(t *testing.T) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(c.event())
	require.NoError(t, err)
	return payload, SignatureHeaderValue(payload, testSecret, time.Now())
}

func (e *testEnv) deliver(t *testing.T, c checkout) *EventResult {
	t.Helper()
	payload, header := c.signed(t)
	result, err := e.webhook.HandleWebhook(context.Background(), payload, header)
	require.NoError(t, err)
	return result
}

func (e *testEnv) payment(t *testing.T, reference string) *model.PaymentRecord {
	t.Helper()
	p, err := e.paymentRepo.FindByReference(context.Background(), reference)
	require.NoError(t, err)
	return p
}

func (e *testEnv) counter(t *testing.T) *model.InventoryCounter {
	t.Helper()
	c, err := e.inventory.Counter(context.Background())
	require.NoError(t, err)
	return c
}

func (e *testEnv) transfers(t *testing.T, reference string) []*model.TransferRecord {
	t.Helper()
	rows, err := e.transferRepo.ListByReference(context.Background(), reference)
	require.NoError(t, err)
	return rows
}

func (e *testEnv) reservation(t *testing.T, reference string) *model.InventoryReservation {
	t.Helper()
	r, err := e.inventoryRepo.FindReservation(context.Background(), reference)
	if err != nil {
		return nil
	}
	return r
}
