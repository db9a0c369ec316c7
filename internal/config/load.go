package config

import (
	"errors"
	"fmt"

	"github.com/caarlos0/env/v10"
)

// Load parses the process environment. Missing required identities fail here
// rather than surfacing later as a degraded service.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Token.AssetID == 0 {
		errs = append(errs, errors.New("TOKEN_ASSET_ID must be non-zero"))
	}
	if c.Token.RouterAppID == 0 {
		errs = append(errs, errors.New("TOKEN_ROUTER_APP_ID must be non-zero"))
	}
	if c.Database.Driver != "mysql" && c.Database.Driver != "sqlite" {
		errs = append(errs, fmt.Errorf("unsupported DATABASE_DRIVER %q", c.Database.Driver))
	}
	if c.Algod.ConfirmationRounds == 0 {
		errs = append(errs, errors.New("ALGOD_CONFIRMATION_ROUNDS must be positive"))
	}
	return errors.Join(errs...)
}
