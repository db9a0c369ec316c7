package service

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"token-delivery-service/internal/client"
	"token-delivery-service/internal/model"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var ErrInvalidPurchase = errors.New("invalid purchase")

// Purchase is the validated form of a paid checkout session. Everything past
// the webhook boundary works on this type only.
type Purchase struct {
	Reference   string `validate:"required,max=128"`
	Recipient   string `validate:"required,algoaddr"`
	TokenAmount uint64 `validate:"gt=0"`
	UnitPrice   decimal.Decimal
	Subtotal    decimal.Decimal
	Fee         decimal.Decimal
	Total       decimal.Decimal
	Currency    string `validate:"required,len=3,lowercase"`
	Email       string `validate:"omitempty,email"`
	SessionID   string
	IntentID    string
}

var purchaseValidator = newPurchaseValidator()

func newPurchaseValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("algoaddr", func(fl validator.FieldLevel) bool {
		return client.ValidateAddress(fl.Field().String()) == nil
	})
	return v
}

// ParsePurchase maps a checkout session onto a Purchase. The error names
// every field that failed so it can be stored as the payment's failure reason.
func ParsePurchase(session *model.CheckoutSession, defaultCurrency string) (*Purchase, error) {
	meta := session.Metadata
	p := &Purchase{
		Reference: strings.TrimSpace(meta.PaymentReference),
		Recipient: strings.TrimSpace(meta.WalletAddress),
		Currency:  strings.ToLower(session.Currency),
		Email:     session.CustomerDetails.Email,
		SessionID: session.ID,
		IntentID:  session.PaymentIntent,
	}
	if p.Currency == "" {
		p.Currency = defaultCurrency
	}

	var problems []string

	if meta.TokenAmount != "" {
		amount, err := strconv.ParseUint(strings.TrimSpace(meta.TokenAmount), 10, 64)
		if err != nil {
			problems = append(problems, fmt.Sprintf("token_amount %q is not a whole number", meta.TokenAmount))
		}
		p.TokenAmount = amount
	}

	if meta.UnitPrice == "" {
		problems = append(problems, "unit_price is required")
	} else {
		price, err := decimal.NewFromString(strings.TrimSpace(meta.UnitPrice))
		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("unit_price %q is not a number", meta.UnitPrice))
		case !price.IsPositive():
			problems = append(problems, "unit_price must be positive")
		}
		p.UnitPrice = price
	}

	if err := purchaseValidator.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPurchase, err)
		}
		for _, fe := range fieldErrs {
			problems = append(problems, describeField(fe))
		}
	}

	if len(problems) == 0 {
		computed := p.UnitPrice.Mul(decimal.NewFromBigInt(new(big.Int).SetUint64(p.TokenAmount), 0))
		p.Subtotal = computed
		if session.AmountSubtotal > 0 {
			provided := decimal.New(session.AmountSubtotal, -2)
			if !provided.Equal(computed.Round(2)) {
				problems = append(problems, fmt.Sprintf("subtotal %s does not match %d x %s", provided, p.TokenAmount, p.UnitPrice))
			}
			p.Subtotal = provided
		}

		p.Total = p.Subtotal
		if session.AmountTotal > 0 {
			p.Total = decimal.New(session.AmountTotal, -2)
		}
		if p.Total.LessThan(p.Subtotal) {
			problems = append(problems, fmt.Sprintf("total %s is below subtotal %s", p.Total, p.Subtotal))
		}
		p.Fee = p.Total.Sub(p.Subtotal)
	}

	if len(problems) > 0 {
		return p, fmt.Errorf("%w: %s", ErrInvalidPurchase, strings.Join(problems, "; "))
	}
	return p, nil
}

func describeField(fe validator.FieldError) string {
	switch fe.Field() {
	case "Reference":
		return "payment_reference is required"
	case "Recipient":
		if fe.Tag() == "algoaddr" {
			return fmt.Sprintf("wallet_address %q is not a valid account address", fe.Value())
		}
		return "wallet_address is required"
	case "TokenAmount":
		return "token_amount must be greater than zero"
	case "Currency":
		return fmt.Sprintf("currency %q is not a lowercase ISO code", fe.Value())
	case "Email":
		return fmt.Sprintf("email %q is malformed", fe.Value())
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}
