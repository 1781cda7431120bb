package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rcourtman/meterd/internal/api"
	"github.com/rcourtman/meterd/internal/config"
	"github.com/rcourtman/meterd/internal/pgregistry"
	"github.com/rcourtman/meterd/internal/registry"
)

const storeOpenTimeout = 15 * time.Second

// openStore opens the configured backend.
func openStore(ctx context.Context, cfg *config.Config) (api.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		ctx, cancel := context.WithTimeout(ctx, storeOpenTimeout)
		defer cancel()
		reg, err := pgregistry.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return reg, nil
	case "sqlite", "":
		reg, err := registry.NewRegistry(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return reg, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// withStore loads configuration and runs fn against the store, for the
// offline admin commands.
func withStore(ctx context.Context, opts *rootOptions, fn func(cfg *config.Config, store api.Store) error) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}
