package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"token-delivery-service/internal/cache"
	"token-delivery-service/internal/client"
	"token-delivery-service/internal/config"
	"token-delivery-service/internal/credential"
	"token-delivery-service/internal/dto"
	"token-delivery-service/internal/model"
	"token-delivery-service/internal/repository"
	"token-delivery-service/internal/service"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	assetID     = 77
	routerAppID = 88
	secret      = "whsec_server"
)

type harness struct {
	chain   *client.FakeChainClient
	payment repository.PaymentRepository
	handler http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

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
	chain := client.NewFakeChainClient(assetID, routerAppID)
	operator := credential.Generate("operator")
	freezer := credential.Generate("freeze-manager")
	chain.Fund(operator.Address(), 100_000_000_000)
	chain.OptIn(operator.Address(), 1_000)
	chain.Fund(freezer.Address(), 10_000_000)

	paymentRepo := repository.NewPaymentRepository(db)
	transferRepo := repository.NewTransferRepository(db)
	inventoryRepo := repository.NewInventoryRepository(db)
	require.NoError(t, inventoryRepo.EnsureCounter(ctx, assetID, 1_000))

	inventory := service.NewInventoryService(assetID, inventoryRepo, logger)
	guard := service.NewFreezeGuard(chain, freezer, assetID, 4, logger)
	direct := service.NewDirectTransferExecutor(chain, operator, assetID, 4, logger)
	inbox := service.NewInboxRouterClient(chain, operator, assetID, routerAppID, 10_000_000, 4, cache.NewMemoryStore(), guard, logger)
	strategy := service.NewTransferStrategy(chain, assetID, true, direct, inbox, guard, logger)

	webhook := service.NewWebhookService(service.WebhookConfig{
		Secret:    secret,
		Tolerance: 5 * time.Minute,
		AssetID:   assetID,
		Currency:  "usd",
	}, paymentRepo, repository.NewWebhookEventRepository(db), transferRepo, inventory, strategy, logger)
	claim := service.NewClaimService(chain, inbox, paymentRepo, transferRepo, assetID, 0, 4, logger)

	return &harness{
		chain:   chain,
		payment: paymentRepo,
		handler: NewServer(webhook, claim, inventory, 10*time.Second, logger).Handler(),
	}
}

func (h *harness) do(t *testing.T, method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func checkoutPayload(t *testing.T, reference, wallet string, tokens int64) []byte {
	t.Helper()
	payload, err := json.Marshal(&model.CheckoutEvent{
		ID:      "evt_" + uuid.NewString(),
		Type:    model.EventCheckoutCompleted,
		Created: time.Now().Unix(),
		Data: model.CheckoutEventData{Object: model.CheckoutSession{
			ID:             "cs_" + reference,
			PaymentStatus:  "paid",
			AmountSubtotal: 100 * tokens,
			AmountTotal:    100 * tokens,
			Currency:       "usd",
			Metadata: model.CheckoutMetadata{
				PaymentReference: reference,
				WalletAddress:    wallet,
				TokenAmount:      fmt.Sprint(tokens),
				UnitPrice:        "1",
			},
		}},
	})
	require.NoError(t, err)
	return payload
}

func (h *harness) postWebhook(t *testing.T, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	header := http.Header{}
	header.Set(service.SignatureHeader, service.SignatureHeaderValue(payload, secret, time.Now()))
	return h.do(t, http.MethodPost, "/api/webhooks/payment", payload, header)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) *T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return &v
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestWebhook_Rejections(t *testing.T) {
	h := newHarness(t)
	wallet := credential.Generate("wallet").Address()
	payload := checkoutPayload(t, "order-1", wallet, 1)

	badSig := http.Header{}
	badSig.Set(service.SignatureHeader, service.SignatureHeaderValue(payload, "wrong", time.Now()))

	tests := []struct {
		name   string
		method string
		body   []byte
		header http.Header
		status int
		code   string
	}{
		{"missing signature", http.MethodPost, payload, nil, http.StatusBadRequest, "missing_signature"},
		{"wrong secret", http.MethodPost, payload, badSig, http.StatusBadRequest, "invalid_signature"},
		{"empty body", http.MethodPost, nil, badSig, http.StatusBadRequest, "empty_payload"},
		{"wrong method", http.MethodGet, nil, nil, http.StatusMethodNotAllowed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, tt.method, "/api/webhooks/payment", tt.body, tt.header)
			assert.Equal(t, tt.status, rec.Code)
			if tt.code != "" {
				assert.Equal(t, tt.code, decode[dto.ErrorResponse](t, rec).Error)
			}
		})
	}

	_, err := h.payment.FindByReference(context.Background(), "order-1")
	assert.Error(t, err, "rejected webhooks must not create records")
}

func TestWebhook_DeliversAndReportsInventory(t *testing.T) {
	h := newHarness(t)
	wallet := credential.Generate("wallet")
	h.chain.Fund(wallet.Address(), 1_000_000)
	h.chain.OptIn(wallet.Address(), 0)

	rec := h.postWebhook(t, checkoutPayload(t, "order-direct", wallet.Address(), 10))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[dto.WebhookResponse](t, rec)
	assert.True(t, resp.Received)
	assert.Equal(t, string(service.EventCompleted), resp.Outcome)
	assert.Equal(t, uint64(10), h.chain.AssetBalance(wallet.Address()))

	inv := decode[dto.InventoryResponse](t, h.do(t, http.MethodGet, "/api/inventory", nil, nil))
	assert.Equal(t, uint64(assetID), inv.AssetID)
	assert.Equal(t, uint64(990), inv.Available)
	assert.Equal(t, uint64(0), inv.Reserved)
	assert.Equal(t, uint64(10), inv.Sold)
}

func TestWebhook_ProcessingFailureStillAcknowledged(t *testing.T) {
	h := newHarness(t)

	rec := h.postWebhook(t, checkoutPayload(t, "order-bad", "not-a-wallet", 1))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(service.EventInvalid), decode[dto.WebhookResponse](t, rec).Outcome)

	rec = h.postWebhook(t, checkoutPayload(t, "order-huge", credential.Generate("w").Address(), 5_000))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(service.EventInsufficientInventory), decode[dto.WebhookResponse](t, rec).Outcome)
}

func TestWallet_InvalidAddress(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/wallets/not-an-address/payments", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWallet_ClaimFlow(t *testing.T) {
	h := newHarness(t)
	wallet := credential.Generate("wallet")
	h.chain.Fund(wallet.Address(), 1_000_000)
	base := "/api/wallets/" + wallet.Address()

	rec := h.postWebhook(t, checkoutPayload(t, "order-inbox", wallet.Address(), 7))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, string(service.EventInInbox), decode[dto.WebhookResponse](t, rec).Outcome)

	payments := decode[dto.WalletPaymentsResponse](t, h.do(t, http.MethodGet, base+"/payments", nil, nil))
	require.Len(t, payments.Payments, 1)
	assert.Equal(t, 1, payments.Claimable)
	assert.True(t, payments.Payments[0].Claimable)
	assert.Equal(t, string(model.DeliveryInInbox), payments.Payments[0].DeliveryStatus)

	rec = h.do(t, http.MethodPost, base+"/claim/prepare", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	prepared := decode[service.PreparedClaim](t, rec)
	assert.True(t, prepared.OptIn)

	blobs := make([][]byte, len(prepared.Transactions))
	for i, s := range prepared.Transactions {
		b, err := base64.StdEncoding.DecodeString(s)
		require.NoError(t, err)
		blobs[i] = b
	}
	signed := h.chain.SignBlobs(blobs, wallet.Address())
	req := dto.SubmitClaimRequest{}
	for _, b := range signed {
		req.Transactions = append(req.Transactions, base64.StdEncoding.EncodeToString(b))
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	rec = h.do(t, http.MethodPost, base+"/claim/submit", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[service.ClaimResult](t, rec)
	assert.Equal(t, []string{"order-inbox"}, result.Claimed)
	assert.Equal(t, uint64(7), h.chain.AssetBalance(wallet.Address()))

	rec = h.do(t, http.MethodPost, base+"/claim/prepare", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "nothing_claimable", decode[dto.ErrorResponse](t, rec).Error)
}

func TestWallet_ClaimRejections(t *testing.T) {
	h := newHarness(t)
	unknown := credential.Generate("wallet").Address()
	base := "/api/wallets/" + unknown

	rec := h.do(t, http.MethodPost, base+"/claim/prepare", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "registration_required", decode[dto.ErrorResponse](t, rec).Error)

	rec = h.do(t, http.MethodPost, base+"/claim/submit", []byte(`{"transactions":["%%%"]}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, base+"/claim/submit", []byte(`{"transactions":[]}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
