package dto

import (
	"time"

	"github.com/shopspring/decimal"
)

type WebhookResponse struct {
	Received  bool   `json:"received"`
	EventID   string `json:"event_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type InventoryResponse struct {
	AssetID   uint64 `json:"asset_id"`
	Available uint64 `json:"available"`
	Reserved  uint64 `json:"reserved"`
	Sold      uint64 `json:"sold"`
}

type Payment struct {
	PaymentReference string          `json:"payment_reference"`
	TokenAmount      uint64          `json:"token_amount"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	Total            decimal.Decimal `json:"total"`
	Currency         string          `json:"currency"`
	PaymentStatus    string          `json:"payment_status"`
	DeliveryStatus   string          `json:"delivery_status"`
	TransferMethod   string          `json:"transfer_method,omitempty"`
	TxID             string          `json:"tx_id,omitempty"`
	StatusNote       string          `json:"status_note,omitempty"`
	Claimable        bool            `json:"claimable"`
	CreatedAt        time.Time       `json:"created_at"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
	ClaimedAt        *time.Time      `json:"claimed_at,omitempty"`
}

type WalletPaymentsResponse struct {
	Wallet    string     `json:"wallet"`
	Payments  []*Payment `json:"payments"`
	Claimable int        `json:"claimable"`
}

type SubmitClaimRequest struct {
	Transactions []string `json:"transactions"` // base64 signed transactions in group order
}
