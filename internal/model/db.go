package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentPaid       PaymentStatus = "paid"
	PaymentProcessing PaymentStatus = "processing" // delivery deferred pending recipient action
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
)

type DeliveryStatus string

const (
	DeliveryPending           DeliveryStatus = "pending"
	DeliveryMonitoring        DeliveryStatus = "monitoring" // submitted, awaiting confirmation
	DeliveryDirectTransferred DeliveryStatus = "direct_transferred"
	DeliveryInInbox           DeliveryStatus = "in_inbox"
	DeliveryClaimed           DeliveryStatus = "claimed"
	DeliveryFailed            DeliveryStatus = "failed"
)

type TransferMethod string

const (
	MethodDirect TransferMethod = "direct"
	MethodInbox  TransferMethod = "inbox"
	MethodClaim  TransferMethod = "claim"
)

type PaymentRecord struct {
	ID               uint   `gorm:"primaryKey"`
	PaymentReference string `gorm:"size:128;uniqueIndex;not null"` // idempotency key
	ProviderEventID  string `gorm:"size:128"`                      // first event seen
	SessionID        string `gorm:"size:128;index"`
	IntentID         string `gorm:"size:128;index"`

	TokenAmount uint64          `gorm:"not null"` // whole tokens
	UnitPrice   decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Subtotal    decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Fee         decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Total       decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Currency    string          `gorm:"size:8;not null"`

	RecipientAddress string `gorm:"size:58;index;not null"`
	Email            string `gorm:"size:255"`

	PaymentStatus   PaymentStatus  `gorm:"size:32;index;not null"`
	DeliveryStatus  DeliveryStatus `gorm:"size:32;index;not null"`
	StatusNote      string         `gorm:"type:text"`
	TransferMethod  TransferMethod `gorm:"size:16"`
	DeliveryTxID    string         `gorm:"size:64;index"`
	DeliveryError   string         `gorm:"type:text"`
	FirstValidRound uint64         // validity window of the submitted group
	LastValidRound  uint64

	PaidAt      *time.Time
	DeliveredAt *time.Time
	ClaimedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DeliveryFinal reports whether a replayed event must stop before touching
// inventory or the chain.
func (p *PaymentRecord) DeliveryFinal() bool {
	switch p.DeliveryStatus {
	case DeliveryClaimed, DeliveryDirectTransferred, DeliveryMonitoring:
		return true
	case DeliveryInInbox:
		return p.DeliveryTxID != ""
	}
	return false
}

// Claimable is true once an inbox delivery has been confirmed on chain.
func (p *PaymentRecord) Claimable() bool {
	return p.DeliveryStatus == DeliveryInInbox && p.DeliveryTxID != ""
}

type WebhookEvent struct {
	EventID          string `gorm:"primaryKey;size:128;not null"`
	EventType        string `gorm:"size:64;index"`
	PaymentReference string `gorm:"size:128;index"`
	ProcessingError  string `gorm:"type:text"`
	ProcessedAt      *time.Time
	CreatedAt        time.Time
}

type InventoryCounter struct {
	AssetID          uint64 `gorm:"primaryKey;autoIncrement:false"`
	AvailableBalance uint64 `gorm:"not null"`
	ReservedBalance  uint64 `gorm:"not null"`
	SoldBalance      uint64 `gorm:"not null"`
	UpdatedAt        time.Time
}

type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "reserved"
	ReservationReleased ReservationStatus = "released"
	ReservationConsumed ReservationStatus = "consumed"
)

// InventoryReservation records the amount held for a payment at reservation
// time; release and consume read the amount from here, never from the payment.
type InventoryReservation struct {
	PaymentReference string            `gorm:"primaryKey;size:128;not null"`
	AssetID          uint64            `gorm:"index;not null"`
	Amount           uint64            `gorm:"not null"`
	Status           ReservationStatus `gorm:"size:16;index;not null"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type TransferStatus string

const (
	TransferSubmitted TransferStatus = "submitted"
	TransferConfirmed TransferStatus = "confirmed"
	TransferFailed    TransferStatus = "failed"
)

type TransferRecord struct {
	ID                 string         `gorm:"primaryKey;size:36"`
	PaymentReference   string         `gorm:"size:128;index;not null"`
	Method             TransferMethod `gorm:"size:16;not null"`
	SourceAddress      string         `gorm:"size:58;not null"`
	DestinationAddress string         `gorm:"size:58;not null"`
	AssetID            uint64         `gorm:"not null"`
	Amount             uint64         `gorm:"not null"` // base units
	TxID               string         `gorm:"size:64;index"`
	Status             TransferStatus `gorm:"size:16;index;not null"`
	ConfirmedRound     uint64
	Error              string `gorm:"type:text"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Models lists every table AutoMigrate manages.
func Models() []interface{} {
	return []interface{}{
		&PaymentRecord{},
		&WebhookEvent{},
		&InventoryCounter{},
		&InventoryReservation{},
		&TransferRecord{},
	}
}

// deliverySources lists the states a delivery may move out of into each target.
// Delivery only moves forward; failed is reachable before a submission commits
// or after a submission is known to have failed, and a failed delivery may be
// re-attempted.
var deliverySources = map[DeliveryStatus][]DeliveryStatus{
	DeliveryMonitoring:        {DeliveryPending, DeliveryFailed},
	DeliveryDirectTransferred: {DeliveryMonitoring},
	DeliveryInInbox:           {DeliveryMonitoring},
	DeliveryClaimed:           {DeliveryInInbox},
	DeliveryFailed:            {DeliveryPending, DeliveryMonitoring, DeliveryFailed},
	DeliveryPending:           {DeliveryPending, DeliveryFailed},
}

func DeliverySources(to DeliveryStatus) []DeliveryStatus {
	return deliverySources[to]
}
