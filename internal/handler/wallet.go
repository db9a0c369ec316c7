package handler

import (
	"encoding/base64"
	"errors"
	"net/http"

	"token-delivery-service/internal/dto"
	"token-delivery-service/internal/middleware"
	"token-delivery-service/internal/model"
	"token-delivery-service/internal/service"

	"github.com/labstack/echo/v4"
)

type WalletHandler struct {
	claimService service.ClaimService
}

func NewWalletHandler(claimService service.ClaimService) *WalletHandler {
	return &WalletHandler{
		claimService: claimService,
	}
}

func (h *WalletHandler) GetPayments(c echo.Context) error {
	ctx := c.Request().Context()
	wallet := middleware.Wallet(c)

	payments, err := h.claimService.ListPayments(ctx, wallet)
	if err != nil {
		return err
	}

	resp := &dto.WalletPaymentsResponse{Wallet: wallet, Payments: make([]*dto.Payment, 0, len(payments))}
	for _, p := range payments {
		view := toPaymentView(p)
		if view.Claimable {
			resp.Claimable++
		}
		resp.Payments = append(resp.Payments, view)
	}

	return c.JSON(http.StatusOK, resp)
}

func (h *WalletHandler) PrepareClaim(c echo.Context) error {
	ctx := c.Request().Context()

	prepared, err := h.claimService.PrepareClaim(ctx, middleware.Wallet(c))
	if err != nil {
		return claimError(c, err)
	}

	return c.JSON(http.StatusOK, prepared)
}

func (h *WalletHandler) SubmitClaim(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.SubmitClaimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}
	if len(req.Transactions) == 0 {
		return c.JSON(http.StatusBadRequest, &dto.ErrorResponse{Error: "invalid_claim_group", Message: "no transactions"})
	}

	signed := make([][]byte, 0, len(req.Transactions))
	for _, encoded := range req.Transactions {
		blob, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return c.JSON(http.StatusBadRequest, &dto.ErrorResponse{Error: "invalid_claim_group", Message: "transactions must be base64"})
		}
		signed = append(signed, blob)
	}

	result, err := h.claimService.SubmitClaim(ctx, middleware.Wallet(c), signed)
	if err != nil {
		return claimError(c, err)
	}

	return c.JSON(http.StatusOK, result)
}

// claimError turns the actionable claim rejections into 4xx bodies; anything
// else goes to echo's error handler.
func claimError(c echo.Context, err error) error {
	for _, sentinel := range []error{
		service.ErrRegistrationRequired,
		service.ErrInsufficientBalance,
		service.ErrNothingClaimable,
	} {
		if errors.Is(err, sentinel) {
			return c.JSON(http.StatusUnprocessableEntity, &dto.ErrorResponse{Error: sentinel.Error(), Message: err.Error()})
		}
	}

	switch {
	case errors.Is(err, service.ErrInvalidClaimGroup):
		return c.JSON(http.StatusBadRequest, &dto.ErrorResponse{Error: "invalid_claim_group", Message: err.Error()})
	case errors.Is(err, service.ErrClaimRejected):
		return c.JSON(http.StatusUnprocessableEntity, &dto.ErrorResponse{Error: "claim_rejected", Message: err.Error()})
	}
	return err
}

func toPaymentView(p *model.PaymentRecord) *dto.Payment {
	return &dto.Payment{
		PaymentReference: p.PaymentReference,
		TokenAmount:      p.TokenAmount,
		UnitPrice:        p.UnitPrice,
		Total:            p.Total,
		Currency:         p.Currency,
		PaymentStatus:    string(p.PaymentStatus),
		DeliveryStatus:   string(p.DeliveryStatus),
		TransferMethod:   string(p.TransferMethod),
		TxID:             p.DeliveryTxID,
		StatusNote:       p.StatusNote,
		Claimable:        p.Claimable(),
		CreatedAt:        p.CreatedAt,
		DeliveredAt:      p.DeliveredAt,
		ClaimedAt:        p.ClaimedAt,
	}
}
