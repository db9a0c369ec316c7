package worker

import (
	"context"
	"errors"
	"time"

	"token-delivery-service/internal/cache"
	"token-delivery-service/internal/service"

	"go.uber.org/zap"
)

const monitorLockName = "confirmation-monitor"

type ConfirmationMonitor struct {
	monitorService service.MonitorService
	locker         cache.Locker
	interval       time.Duration
	batch          int
	logger         *zap.Logger
	stopChan       chan struct{}
}

func NewConfirmationMonitor(
	monitorService service.MonitorService,
	locker cache.Locker,
	interval time.Duration,
	batch int,
	logger *zap.Logger,
) *ConfirmationMonitor {
	return &ConfirmationMonitor{
		monitorService: monitorService,
		locker:         locker,
		interval:       interval,
		batch:          batch,
		logger:         logger.Named("confirmation-monitor"),
		stopChan:       make(chan struct{}),
	}
}

// Start sweeps monitoring deliveries every interval until ctx is done or Stop
// is called.
func (m *ConfirmationMonitor) Start(ctx context.Context) {
	m.logger.Info("starting confirmation monitor",
		zap.Duration("interval", m.interval),
		zap.Int("batch", m.batch),
	)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.SweepOnce(ctx)

		case <-m.stopChan:
			m.logger.Info("stopping confirmation monitor")
			return

		case <-ctx.Done():
			m.logger.Info("context cancelled, stopping confirmation monitor")
			return
		}
	}
}

func (m *ConfirmationMonitor) Stop() {
	close(m.stopChan)
}

// SweepOnce runs one sweep if no other instance is sweeping.
func (m *ConfirmationMonitor) SweepOnce(ctx context.Context) *service.SweepStats {
	lock, err := m.locker.AcquireLock(ctx, monitorLockName, m.interval)
	if errors.Is(err, cache.ErrLockHeld) {
		m.logger.Debug("sweep running elsewhere, skipping")
		return nil
	}
	if err != nil {
		m.logger.Error("acquire monitor lock", zap.Error(err))
		return nil
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("release monitor lock", zap.Error(err))
		}
	}()

	stats, err := m.monitorService.Sweep(ctx, m.batch)
	if err != nil {
		m.logger.Error("monitor sweep failed", zap.Error(err))
	}
	return stats
}
