package server

import (
	"context"
	"net/http"
	"time"

	"token-delivery-service/internal/handler"
	appmw "token-delivery-service/internal/middleware"
	"token-delivery-service/internal/service"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

type Server struct {
	echo             *echo.Echo
	webhookHandler   *handler.WebhookHandler
	walletHandler    *handler.WalletHandler
	inventoryHandler *handler.InventoryHandler
}

func NewServer(
	webhookService service.WebhookService,
	claimService service.ClaimService,
	inventoryService service.InventoryService,
	webhookTimeout time.Duration,
	logger *zap.Logger,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(appmw.RequestLogger(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:             e,
		webhookHandler:   handler.NewWebhookHandler(webhookService, webhookTimeout, logger),
		walletHandler:    handler.NewWalletHandler(claimService),
		inventoryHandler: handler.NewInventoryHandler(inventoryService),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")

	api.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api.GET("/inventory", s.inventoryHandler.GetInventory)

	// -------- payment provider --------
	api.POST("/webhooks/payment", s.webhookHandler.PaymentWebhook)

	// -------- recipients --------
	wallets := api.Group("/wallets/:address", appmw.WalletAddress())
	wallets.GET("/payments", s.walletHandler.GetPayments)
	wallets.POST("/claim/prepare", s.walletHandler.PrepareClaim)
	wallets.POST("/claim/submit", s.walletHandler.SubmitClaim)
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
