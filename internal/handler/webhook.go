package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"token-delivery-service/internal/dto"
	"token-delivery-service/internal/service"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	webhookService service.WebhookService
	timeout        time.Duration
	logger         *zap.Logger
}

func NewWebhookHandler(webhookService service.WebhookService, timeout time.Duration, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhookService: webhookService,
		timeout:        timeout,
		logger:         logger.Named("webhook_handler"),
	}
}

// PaymentWebhook acknowledges every authenticated event with 200. Processing
// failures are recorded on the payment and never turned into a provider retry.
func (h *WebhookHandler) PaymentWebhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, &dto.ErrorResponse{Error: "unreadable_body"})
	}
	if len(body) > maxWebhookBody {
		return c.JSON(http.StatusRequestEntityTooLarge, &dto.ErrorResponse{Error: "payload_too_large"})
	}

	event, err := h.webhookService.VerifyEvent(body, c.Request().Header.Get(service.SignatureHeader))
	if err != nil {
		h.logger.Warn("webhook rejected", zap.Error(err))
		return c.JSON(http.StatusBadRequest, &dto.ErrorResponse{Error: rejectCode(err), Message: err.Error()})
	}

	// the provider may drop the connection; the event is still worked to the end
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), h.timeout)
	defer cancel()

	resp := &dto.WebhookResponse{Received: true, EventID: event.ID}
	result, err := h.webhookService.HandleEvent(ctx, event)
	if err != nil {
		h.logger.Error("webhook processing failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
	if result != nil {
		resp.Duplicate = result.DuplicateEvent
		resp.Outcome = string(result.Outcome)
	}

	return c.JSON(http.StatusOK, resp)
}

func rejectCode(err error) string {
	switch {
	case errors.Is(err, service.ErrEmptyPayload):
		return "empty_payload"
	case errors.Is(err, service.ErrMissingSignature):
		return "missing_signature"
	case errors.Is(err, service.ErrStaleSignature):
		return "stale_signature"
	case errors.Is(err, service.ErrMalformedEvent):
		return "malformed_event"
	default:
		return "invalid_signature"
	}
}
