package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"token-delivery-service/internal/model"
	"token-delivery-service/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrEmptyPayload   = errors.New("empty webhook payload")
	ErrMalformedEvent = errors.New("malformed webhook event")
)

type EventOutcome string

const (
	EventIgnored               EventOutcome = "ignored"
	EventAlreadyDelivered      EventOutcome = "already_delivered"
	EventAwaitingPayment       EventOutcome = "awaiting_payment"
	EventInvalid               EventOutcome = "invalid"
	EventInsufficientInventory EventOutcome = "insufficient_inventory"
	EventCompleted             EventOutcome = "completed"
	EventInInbox               EventOutcome = "in_inbox"
	EventMonitoring            EventOutcome = "monitoring"
	EventDeferred              EventOutcome = "deferred"
	EventFailed                EventOutcome = "failed"
	EventInFlight              EventOutcome = "in_flight"
	EventPaymentFailed         EventOutcome = "payment_failed"
)

type EventResult struct {
	EventID        string
	EventType      string
	Reference      string
	DuplicateEvent bool
	Outcome        EventOutcome
	TxID           string
	Reason         string
}

type WebhookConfig struct {
	Secret    string
	Tolerance time.Duration
	AssetID   uint64
	Decimals  uint32
	Currency  string
}

type WebhookService interface {
	VerifyEvent(payload []byte, signature string) (*model.CheckoutEvent, error)
	HandleEvent(ctx context.Context, event *model.CheckoutEvent) (*EventResult, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*EventResult, error)
}

type webhookServiceImpl struct {
	cfg         WebhookConfig
	now         func() time.Time
	paymentRepo repository.PaymentRepository
	eventRepo   repository.WebhookEventRepository
	inventory   InventoryService
	strategy    TransferStrategy
	ledger      *deliveryLedger
	logger      *zap.Logger
}

func NewWebhookService(
	cfg WebhookConfig,
	paymentRepo repository.PaymentRepository,
	eventRepo repository.WebhookEventRepository,
	transferRepo repository.TransferRepository,
	inventory InventoryService,
	strategy TransferStrategy,
	logger *zap.Logger,
) WebhookService {
	logger = logger.Named("webhook")
	return &webhookServiceImpl{
		cfg:         cfg,
		now:         time.Now,
		paymentRepo: paymentRepo,
		eventRepo:   eventRepo,
		inventory:   inventory,
		strategy:    strategy,
		ledger: &deliveryLedger{
			assetID:      cfg.AssetID,
			paymentRepo:  paymentRepo,
			transferRepo: transferRepo,
			inventory:    inventory,
			logger:       logger,
		},
		logger: logger,
	}
}

// VerifyEvent authenticates the raw payload and decodes it. Nothing is
// written for a payload that fails here.
func (s *webhookServiceImpl) VerifyEvent(payload []byte, signature string) (*model.CheckoutEvent, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if err := VerifySignature(payload, signature, s.cfg.Secret, s.cfg.Tolerance, s.now()); err != nil {
		return nil, err
	}

	var event model.CheckoutEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}

	return &event, nil
}

func (s *webhookServiceImpl) HandleWebhook(ctx context.Context, payload []byte, signature string) (*EventResult, error) {
	event, err := s.VerifyEvent(payload, signature)
	if err != nil {
		return nil, err
	}
	return s.HandleEvent(ctx, event)
}

// HandleEvent audits the event and runs it through the payment state
// machine. A repeated event id is logged and still reconciled: the payment
// record, not the event, decides whether anything is left to do.
func (s *webhookServiceImpl) HandleEvent(ctx context.Context, event *model.CheckoutEvent) (*EventResult, error) {
	reference := strings.TrimSpace(event.Data.Object.Metadata.PaymentReference)
	log := s.logger.With(
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("reference", reference),
	)

	created, err := s.eventRepo.Record(ctx, event.ID, event.Type, reference)
	if err != nil {
		return nil, fmt.Errorf("record webhook event: %w", err)
	}
	if !created {
		log.Info("duplicate webhook event")
	}

	var result *EventResult
	switch event.Type {
	case model.EventCheckoutCompleted, model.EventAsyncPaymentSucceeded:
		result, err = s.processPaid(ctx, event, reference)
	case model.EventAsyncPaymentFailed, model.EventCheckoutExpired:
		result, err = s.processPaymentFailed(ctx, event, reference)
	default:
		result = &EventResult{Outcome: EventIgnored}
	}
	if result == nil {
		result = &EventResult{Outcome: EventFailed}
	}

	result.EventID = event.ID
	result.EventType = event.Type
	result.Reference = reference
	result.DuplicateEvent = !created

	if markErr := s.eventRepo.MarkProcessed(ctx, event.ID, err); markErr != nil {
		log.Error("mark webhook event processed", zap.Error(markErr))
	}

	log.Info("webhook event handled",
		zap.String("outcome", string(result.Outcome)),
		zap.String("tx_id", result.TxID),
		zap.String("reason", result.Reason),
	)
	return result, err
}

func (s *webhookServiceImpl) processPaid(ctx context.Context, event *model.CheckoutEvent, reference string) (result *EventResult, err error) {
	if reference == "" {
		return &EventResult{Outcome: EventInvalid, Reason: "payment_reference is required"}, nil
	}

	// Every failure below, including a panic, ends as a failed delivery unless
	// a group may already be on chain.
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("panic while processing payment",
				zap.String("reference", reference),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			s.resolveFailure(ctx, reference, err)
			result = &EventResult{Outcome: EventFailed, Reason: err.Error()}
		}
	}()

	existing, err := s.findPayment(ctx, reference)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.DeliveryFinal() {
		s.logger.Info("payment already delivered or in flight, ignoring event",
			zap.String("reference", reference),
			zap.String("delivery_status", string(existing.DeliveryStatus)),
		)
		return &EventResult{Outcome: EventAlreadyDelivered, TxID: existing.DeliveryTxID}, nil
	}

	session := &event.Data.Object
	purchase, verr := ParsePurchase(session, s.cfg.Currency)
	if verr != nil {
		if err := s.recordInvalid(ctx, reference, event, purchase, verr); err != nil {
			return nil, err
		}
		return &EventResult{Outcome: EventInvalid, Reason: verr.Error()}, nil
	}

	if existing == nil {
		existing, err = s.insertPayment(ctx, event, purchase)
		if err != nil {
			return nil, err
		}
		if existing.DeliveryFinal() {
			return &EventResult{Outcome: EventAlreadyDelivered, TxID: existing.DeliveryTxID}, nil
		}
	}

	if session.PaymentStatus != "paid" {
		return &EventResult{Outcome: EventAwaitingPayment, Reason: "payment_status " + session.PaymentStatus}, nil
	}

	paid, err := s.paymentRepo.MarkPaid(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("mark %s paid: %w", reference, err)
	}
	if !paid {
		// another event started delivery after the check above
		current, err := s.findPayment(ctx, reference)
		if err != nil {
			return nil, err
		}
		txID := ""
		if current != nil {
			txID = current.DeliveryTxID
		}
		return &EventResult{Outcome: EventAlreadyDelivered, TxID: txID}, nil
	}

	if outcome, reason, err := s.reserve(ctx, purchase); err != nil || outcome != "" {
		return &EventResult{Outcome: outcome, Reason: reason}, err
	}

	amount, ok := toBaseUnits(purchase.TokenAmount, s.cfg.Decimals)
	if !ok {
		reason := fmt.Sprintf("token amount %d overflows base units", purchase.TokenAmount)
		if err := s.ledger.failed(ctx, reference, "", reason); err != nil {
			return nil, err
		}
		return &EventResult{Outcome: EventFailed, Reason: reason}, nil
	}

	delivery := s.strategy.Deliver(ctx, DeliveryRequest{
		Reference: reference,
		Recipient: purchase.Recipient,
		Amount:    amount,
	}, s.acquireLease(reference))

	return s.settle(ctx, reference, amount, delivery)
}

// reserve holds inventory for the purchase unless it already holds some. A
// non-empty outcome stops the pipeline.
func (s *webhookServiceImpl) reserve(ctx context.Context, purchase *Purchase) (EventOutcome, string, error) {
	held, err := s.inventory.HasReservation(ctx, purchase.Reference)
	if err != nil {
		return "", "", err
	}
	if held {
		return "", "", nil
	}

	availability, err := s.inventory.CheckAvailability(ctx, purchase.TokenAmount)
	if err != nil {
		return "", "", err
	}

	if availability.Available {
		err = s.inventory.Reserve(ctx, purchase.TokenAmount, purchase.Reference)
		if err == nil {
			return "", "", nil
		}
		if !errors.Is(err, repository.ErrInsufficientInventory) {
			return "", "", err
		}
	}

	reason := fmt.Sprintf("insufficient inventory: requested %d, available %d", purchase.TokenAmount, availability.CurrentBalance)
	if err := s.ledger.failed(ctx, purchase.Reference, "", reason); err != nil {
		return "", "", err
	}
	return EventInsufficientInventory, reason, nil
}

func (s *webhookServiceImpl) acquireLease(reference string) PreSubmitHook {
	return func(ctx context.Context, method model.TransferMethod, txID string, firstValid, lastValid uint64) (bool, error) {
		return s.paymentRepo.AcquireDelivery(ctx, reference, method, txID, firstValid, lastValid)
	}
}

func (s *webhookServiceImpl) settle(ctx context.Context, reference string, amount uint64, delivery *DeliveryResult) (*EventResult, error) {
	result := &EventResult{TxID: delivery.TxID, Reason: delivery.Reason}

	if delivery.Broadcast {
		if err := s.ledger.recordTransfer(ctx, reference, amount, delivery); err != nil {
			// the lease already points at the tx id, so the monitor can still settle it
			s.logger.Error("record transfer", zap.String("reference", reference), zap.Error(err))
		}
	}

	switch delivery.Outcome {
	case OutcomeConfirmed:
		if err := s.ledger.confirmed(ctx, reference, delivery.Method, delivery.TxID, delivery.ConfirmedRound); err != nil {
			return nil, err
		}
		result.Outcome = EventCompleted
		if delivery.Method == model.MethodInbox {
			result.Outcome = EventInInbox
		}

	case OutcomeSubmitted:
		result.Outcome = EventMonitoring

	case OutcomeDeferred:
		_, err := s.paymentRepo.UpdateDeliveryStatus(ctx, reference, repository.DeliveryUpdate{
			Status:        model.DeliveryPending,
			PaymentStatus: model.PaymentProcessing,
			Method:        delivery.Method,
			Note:          delivery.Reason,
		})
		if err != nil {
			return nil, fmt.Errorf("defer %s: %w", reference, err)
		}
		result.Outcome = EventDeferred

	case OutcomeAborted:
		result.Outcome = EventInFlight

	default:
		if err := s.ledger.failed(ctx, reference, delivery.TxID, delivery.Reason); err != nil {
			return nil, err
		}
		result.Outcome = EventFailed
	}

	return result, nil
}

func (s *webhookServiceImpl) processPaymentFailed(ctx context.Context, event *model.CheckoutEvent, reference string) (*EventResult, error) {
	if reference == "" {
		return &EventResult{Outcome: EventIgnored, Reason: "no payment_reference"}, nil
	}

	reason := "payment not completed: " + event.Type
	existing, err := s.findPayment(ctx, reference)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		purchase, _ := ParsePurchase(&event.Data.Object, s.cfg.Currency)
		payment := s.newPaymentRecord(event, purchase)
		payment.PaymentStatus = model.PaymentFailed
		payment.DeliveryStatus = model.DeliveryFailed
		payment.StatusNote = reason
		if _, err := s.paymentRepo.Insert(ctx, payment); err != nil {
			return nil, fmt.Errorf("insert failed payment %s: %w", reference, err)
		}
		return &EventResult{Outcome: EventPaymentFailed, Reason: reason}, nil
	}

	switch existing.DeliveryStatus {
	case model.DeliveryPending, model.DeliveryFailed:
		if err := s.ledger.failed(ctx, reference, "", reason); err != nil {
			return nil, err
		}
		return &EventResult{Outcome: EventPaymentFailed, Reason: reason}, nil
	}

	s.logger.Warn("payment failure reported after delivery started",
		zap.String("reference", reference),
		zap.String("delivery_status", string(existing.DeliveryStatus)),
	)
	return &EventResult{Outcome: EventAlreadyDelivered, TxID: existing.DeliveryTxID, Reason: reason}, nil
}

// resolveFailure turns an unexpected error into a failed delivery, leaving
// alone anything that may already be on chain.
func (s *webhookServiceImpl) resolveFailure(ctx context.Context, reference string, cause error) {
	payment, err := s.findPayment(ctx, reference)
	if err != nil || payment == nil {
		s.logger.Error("cannot resolve failed payment", zap.String("reference", reference), zap.Error(cause))
		return
	}

	switch payment.DeliveryStatus {
	case model.DeliveryPending, model.DeliveryFailed:
		if err := s.ledger.failed(ctx, reference, "", "internal error: "+cause.Error()); err != nil {
			s.logger.Error("resolve failed payment", zap.String("reference", reference), zap.Error(err))
		}
	default:
		s.logger.Error("error after delivery started, leaving for monitor",
			zap.String("reference", reference),
			zap.String("delivery_status", string(payment.DeliveryStatus)),
			zap.Error(cause),
		)
	}
}

func (s *webhookServiceImpl) recordInvalid(ctx context.Context, reference string, event *model.CheckoutEvent, purchase *Purchase, cause error) error {
	payment := s.newPaymentRecord(event, purchase)
	payment.PaymentStatus = model.PaymentFailed
	payment.DeliveryStatus = model.DeliveryFailed
	payment.StatusNote = cause.Error()
	payment.DeliveryError = cause.Error()

	created, err := s.paymentRepo.Insert(ctx, payment)
	if err != nil {
		return fmt.Errorf("insert invalid payment %s: %w", reference, err)
	}
	if !created {
		return s.ledger.failed(ctx, reference, "", cause.Error())
	}

	s.logger.Warn("payment rejected by validation", zap.String("reference", reference), zap.Error(cause))
	return nil
}

func (s *webhookServiceImpl) insertPayment(ctx context.Context, event *model.CheckoutEvent, purchase *Purchase) (*model.PaymentRecord, error) {
	payment := s.newPaymentRecord(event, purchase)
	if _, err := s.paymentRepo.Insert(ctx, payment); err != nil {
		return nil, fmt.Errorf("insert payment %s: %w", purchase.Reference, err)
	}

	// a concurrent insert may have won; the stored row is authoritative
	stored, err := s.paymentRepo.FindByReference(ctx, purchase.Reference)
	if err != nil {
		return nil, fmt.Errorf("reload payment %s: %w", purchase.Reference, err)
	}
	return stored, nil
}

func (s *webhookServiceImpl) newPaymentRecord(event *model.CheckoutEvent, purchase *Purchase) *model.PaymentRecord {
	session := &event.Data.Object
	payment := &model.PaymentRecord{
		PaymentReference: strings.TrimSpace(session.Metadata.PaymentReference),
		ProviderEventID:  event.ID,
		SessionID:        session.ID,
		IntentID:         session.PaymentIntent,
		Currency:         s.cfg.Currency,
		UnitPrice:        decimal.Zero,
		Subtotal:         decimal.Zero,
		Fee:              decimal.Zero,
		Total:            decimal.Zero,
		RecipientAddress: truncate(session.Metadata.WalletAddress, 58),
		Email:            truncate(session.CustomerDetails.Email, 255),
		PaymentStatus:    model.PaymentPending,
		DeliveryStatus:   model.DeliveryPending,
	}

	if purchase != nil {
		payment.TokenAmount = purchase.TokenAmount
		payment.UnitPrice = purchase.UnitPrice
		payment.Subtotal = purchase.Subtotal
		payment.Fee = purchase.Fee
		payment.Total = purchase.Total
		if purchase.Currency != "" {
			payment.Currency = truncate(purchase.Currency, 8)
		}
	}

	return payment
}

func (s *webhookServiceImpl) findPayment(ctx context.Context, reference string) (*model.PaymentRecord, error) {
	payment, err := s.paymentRepo.FindByReference(ctx, reference)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find payment %s: %w", reference, err)
	}
	return payment, nil
}

func toBaseUnits(tokens uint64, decimals uint32) (uint64, bool) {
	v := new(big.Int).SetUint64(tokens)
	v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	if !v.IsUint64() {
		return 0, false
	}
	return v.Uint64(), true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
