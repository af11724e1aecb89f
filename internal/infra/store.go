package infra

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/congo-pay/settlement/internal/config"
	"github.com/congo-pay/settlement/internal/ledger"
)

// LedgerStore is the configured ledger backend with its lifecycle hooks.
type LedgerStore struct {
	ledger.Store
	Driver string
	ping   func(ctx context.Context) error
	close  func()
}

// Ping verifies the backend is reachable.
func (s *LedgerStore) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

// Close releases backend resources.
func (s *LedgerStore) Close() {
	if s.close != nil {
		s.close()
	}
}

// OpenLedgerStore opens the backend selected by cfg.StoreDriver and applies its schema.
func OpenLedgerStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*LedgerStore, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		store := ledger.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("ledger store ready", slog.String("driver", cfg.StoreDriver))
		return &LedgerStore{Store: store, Driver: cfg.StoreDriver, ping: pool.Ping, close: pool.Close}, nil
	case config.DriverSQLite:
		store, err := ledger.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("ledger store ready", slog.String("driver", cfg.StoreDriver), slog.String("path", cfg.SQLitePath))
		return &LedgerStore{
			Store:  store,
			Driver: cfg.StoreDriver,
			ping:   store.Ping,
			close: func() {
				if err := store.Close(); err != nil {
					logger.Warn("close sqlite", slog.Any("error", err))
				}
			},
		}, nil
	case config.DriverMemory:
		logger.Warn("using in-memory ledger store; state is lost on restart")
		return &LedgerStore{Store: ledger.NewInMemory(), Driver: cfg.StoreDriver}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
