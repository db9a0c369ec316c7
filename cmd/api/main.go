package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"token-delivery-service/internal/cache"
	"token-delivery-service/internal/client"
	"token-delivery-service/internal/config"
	"token-delivery-service/internal/credential"
	"token-delivery-service/internal/logger"
	"token-delivery-service/internal/repository"
	"token-delivery-service/internal/server"
	"token-delivery-service/internal/service"
	"token-delivery-service/internal/worker"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// load .env into os.Environ
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found (ok in prod)")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Printf("Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("service stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	operator, err := credential.FromMnemonic("operator", cfg.Keys.OperatorMnemonic)
	if err != nil {
		return err
	}
	freezeManager, err := credential.FromMnemonic("freeze-manager", cfg.Keys.FreezeMnemonic)
	if err != nil {
		return err
	}
	cfg.Keys = config.Keys{}

	db, err := client.InitDatabase(cfg.Database)
	if err != nil {
		return err
	}

	chain, err := client.NewAlgodClient(&cfg.Algod)
	if err != nil {
		return err
	}

	var store cache.Store = cache.NewMemoryStore()
	rdb, err := client.InitRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
		store = cache.NewRedisStore(rdb, "token-delivery", log)
	} else {
		log.Warn("redis not configured, router memo and monitor lock are process local")
	}

	paymentRepo := repository.NewPaymentRepository(db)
	webhookEventRepo := repository.NewWebhookEventRepository(db)
	transferRepo := repository.NewTransferRepository(db)
	inventoryRepo := repository.NewInventoryRepository(db)

	if err := inventoryRepo.EnsureCounter(ctx, cfg.Token.AssetID, cfg.Token.InitialSupply); err != nil {
		return err
	}

	rounds := cfg.Algod.ConfirmationRounds
	inventoryService := service.NewInventoryService(cfg.Token.AssetID, inventoryRepo, log)
	guard := service.NewFreezeGuard(chain, freezeManager, cfg.Token.AssetID, rounds, log)
	direct := service.NewDirectTransferExecutor(chain, operator, cfg.Token.AssetID, rounds, log)
	inbox := service.NewInboxRouterClient(
		chain, operator,
		cfg.Token.AssetID, cfg.Token.RouterAppID, cfg.Delivery.MaxFunding, rounds,
		store, guard, log,
	)
	strategy := service.NewTransferStrategy(chain, cfg.Token.AssetID, cfg.Delivery.InboxEnabled, direct, inbox, guard, log)

	webhookService := service.NewWebhookService(service.WebhookConfig{
		Secret:    cfg.Webhook.Secret,
		Tolerance: cfg.Webhook.Tolerance,
		AssetID:   cfg.Token.AssetID,
		Decimals:  cfg.Token.Decimals,
		Currency:  cfg.Token.Currency,
	}, paymentRepo, webhookEventRepo, transferRepo, inventoryService, strategy, log)
	claimService := service.NewClaimService(chain, inbox, paymentRepo, transferRepo, cfg.Token.AssetID, cfg.Token.Decimals, rounds, log)
	monitorService := service.NewMonitorService(chain, cfg.Token.AssetID, paymentRepo, transferRepo, inventoryService, log)

	monitor := worker.NewConfirmationMonitor(monitorService, store, cfg.Delivery.MonitorInterval, cfg.Delivery.MonitorBatch, log)
	srv := server.NewServer(webhookService, claimService, inventoryService, cfg.Webhook.Timeout, log)
	serverAddr := cfg.HTTP.Host + ":" + cfg.HTTP.Port

	log.Info("starting token delivery service",
		zap.String("environment", cfg.Environment.Name),
		zap.String("address", serverAddr),
		zap.String("operator", operator.Address()),
		zap.String("freeze_manager", freezeManager.Address()),
		zap.Uint64("asset_id", cfg.Token.AssetID),
		zap.Uint64("router_app_id", cfg.Token.RouterAppID),
		zap.Bool("inbox_enabled", cfg.Delivery.InboxEnabled),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		monitor.Start(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("starting graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		monitor.Stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
