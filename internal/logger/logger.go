package logger

import (
	"fmt"

	"token-delivery-service/internal/config"

	"go.uber.org/zap"
)

// New builds the process logger. Format "json" selects the production encoder,
// anything else the human readable console encoder.
func New(cfg config.Log) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format != "json" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level

	return zcfg.Build()
}
