package model

// Checkout webhook payloads as posted by the payment provider. Only the fields
// the pipeline reads are mapped.

const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	EventCheckoutExpired       = "checkout.session.expired"
)

type CustomerDetails struct {
	Email string `json:"email"`
}

type CheckoutMetadata struct {
	PaymentReference string `json:"payment_reference"`
	WalletAddress    string `json:"wallet_address"`
	TokenAmount      string `json:"token_amount"`
	UnitPrice        string `json:"unit_price"`
}

type CheckoutSession struct {
	ID              string           `json:"id"`
	PaymentIntent   string           `json:"payment_intent"`
	PaymentStatus   string           `json:"payment_status"`
	AmountSubtotal  int64            `json:"amount_subtotal"`
	AmountTotal     int64            `json:"amount_total"`
	Currency        string           `json:"currency"`
	CustomerDetails CustomerDetails  `json:"customer_details"`
	Metadata        CheckoutMetadata `json:"metadata"`
}

type CheckoutEventData struct {
	Object CheckoutSession `json:"object"`
}

type CheckoutEvent struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Created int64             `json:"created"`
	Data    CheckoutEventData `json:"data"`
}
