// Package database provides unified storage for the eHash coordinators.
// It routes durable writes to PostgreSQL (or an in-memory store when no
// database is configured) and mirrors them best-effort into Redis and InfluxDB.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/ehash/internal/coordinator"
	"github.com/bardlex/ehash/internal/database/influx"
	"github.com/bardlex/ehash/internal/database/memory"
	"github.com/bardlex/ehash/internal/database/postgres"
	"github.com/bardlex/ehash/internal/database/redis"
	"github.com/bardlex/ehash/internal/model"
	"github.com/bardlex/ehash/pkg/circuit"
	"github.com/bardlex/ehash/pkg/errors"
	"github.com/bardlex/ehash/pkg/log"
	"github.com/bardlex/ehash/pkg/retry"
)

// Backend is the durable record store.
type Backend interface {
	SaveQuote(ctx context.Context, q *model.MintQuote) error
	GetQuote(ctx context.Context, id string) (*model.MintQuote, error)
	UpdateQuoteState(ctx context.Context, id string, state model.QuoteState) error
	QuotesByPubkey(ctx context.Context, pk model.PubKey) ([]*model.MintQuote, error)
	SaveKeyset(ctx context.Context, rec *model.KeysetRecord) error
	ListKeysets(ctx context.Context) ([]*model.KeysetRecord, error)
	SaveBalance(ctx context.Context, b *model.PerPubkeyBalance) error
	ListBalances(ctx context.Context) ([]*model.PerPubkeyBalance, error)
	SaveChannelStats(ctx context.Context, cs *model.ChannelStats) error
	ListChannelStats(ctx context.Context) ([]*model.ChannelStats, error)
}

// Manager coordinates storage across PostgreSQL, Redis, and InfluxDB
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	backend Backend
	logger  *log.Logger

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for all database systems. A nil entry disables
// that system; without Postgres records are kept in memory.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager connects to every configured system and applies the schema
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	m := &Manager{
		logger: logger.WithComponent("database"),
		circuitBreaker: circuit.New(&circuit.Config{
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.DatabaseConfig(),
	}

	if cfg.Postgres != nil {
		pgClient, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL database")
		}
		if err := pgClient.Migrate(ctx); err != nil {
			_ = pgClient.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_migration",
				"failed to apply schema")
		}
		m.Postgres = pgClient
		m.backend = postgres.NewStore(pgClient)
	} else {
		m.logger.Warn("no PostgreSQL configured, records are kept in memory")
		m.backend = memory.New()
	}

	if cfg.Redis != nil {
		redisClient, err := redis.NewClient(cfg.Redis)
		if err != nil {
			_ = m.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database")
		}
		m.Redis = redisClient
	}

	if cfg.Influx != nil {
		influxClient, err := influx.NewClient(cfg.Influx)
		if err != nil {
			_ = m.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database")
		}
		m.Influx = influxClient
	}

	return m, nil
}

// NewWithBackend creates a manager over an existing backend with no secondary systems.
func NewWithBackend(backend Backend, logger *log.Logger) *Manager {
	return &Manager{
		backend:        backend,
		logger:         logger.WithComponent("database"),
		circuitBreaker: circuit.New(circuit.DefaultConfig()),
		retryConfig:    retry.DatabaseConfig(),
	}
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}

	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}

// critical runs a durable write through the circuit breaker and retry policy.
func (m *Manager) critical(ctx context.Context, op string, fn func() error) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := fn(); err != nil {
				if errors.Is(err, model.ErrNotFound) {
					return errors.Wrap(err, errors.ErrorTypeValidation, op, "record not found")
				}
				return errors.Wrap(err, errors.ErrorTypeDatabase, op, "storage operation failed")
			}
			return nil
		})
	})
}

// Quotes

// SaveQuote stores a quote durably and records it in InfluxDB
func (m *Manager) SaveQuote(ctx context.Context, q *model.MintQuote) error {
	if err := m.critical(ctx, "save_quote", func() error { return m.backend.SaveQuote(ctx, q) }); err != nil {
		return err
	}
	if m.Influx != nil {
		m.Influx.WriteQuoteMetric(q)
	}
	return nil
}

// GetQuote retrieves a quote
func (m *Manager) GetQuote(ctx context.Context, id string) (*model.MintQuote, error) {
	var q *model.MintQuote
	err := m.critical(ctx, "get_quote", func() error {
		var err error
		q, err = m.backend.GetQuote(ctx, id)
		return err
	})
	return q, err
}

// UpdateQuoteState changes a quote's state
func (m *Manager) UpdateQuoteState(ctx context.Context, id string, state model.QuoteState) error {
	return m.critical(ctx, "update_quote_state", func() error {
		return m.backend.UpdateQuoteState(ctx, id, state)
	})
}

// QuotesByPubkey lists the quotes locked to a pubkey
func (m *Manager) QuotesByPubkey(ctx context.Context, pk model.PubKey) ([]*model.MintQuote, error) {
	var quotes []*model.MintQuote
	err := m.critical(ctx, "quotes_by_pubkey", func() error {
		var err error
		quotes, err = m.backend.QuotesByPubkey(ctx, pk)
		return err
	})
	return quotes, err
}

// Keysets

// SaveKeyset stores a keyset record durably and records its state in InfluxDB
func (m *Manager) SaveKeyset(ctx context.Context, rec *model.KeysetRecord) error {
	if err := m.critical(ctx, "save_keyset", func() error { return m.backend.SaveKeyset(ctx, rec) }); err != nil {
		return err
	}
	if m.Influx != nil {
		m.Influx.WriteKeysetMetric(rec)
	}
	return nil
}

// ListKeysets retrieves every keyset record
func (m *Manager) ListKeysets(ctx context.Context) ([]*model.KeysetRecord, error) {
	var recs []*model.KeysetRecord
	err := m.critical(ctx, "list_keysets", func() error {
		var err error
		recs, err = m.backend.ListKeysets(ctx)
		return err
	})
	return recs, err
}

// Wallet

// SaveBalance stores a balance durably, then refreshes the Redis cache and InfluxDB
func (m *Manager) SaveBalance(ctx context.Context, b *model.PerPubkeyBalance) error {
	if err := m.critical(ctx, "save_balance", func() error { return m.backend.SaveBalance(ctx, b) }); err != nil {
		return err
	}

	if m.Redis != nil {
		if err := m.Redis.CacheBalance(ctx, b, 24*time.Hour); err != nil {
			m.logger.WithError(err).Warn("failed to cache balance (non-critical)", "pubkey", b.Pubkey)
		}
	}
	if m.Influx != nil {
		m.Influx.WriteBalanceMetric(b)
	}
	return nil
}

// ListBalances retrieves every balance
func (m *Manager) ListBalances(ctx context.Context) ([]*model.PerPubkeyBalance, error) {
	var out []*model.PerPubkeyBalance
	err := m.critical(ctx, "list_balances", func() error {
		var err error
		out, err = m.backend.ListBalances(ctx)
		return err
	})
	return out, err
}

// SaveChannelStats stores channel stats durably
func (m *Manager) SaveChannelStats(ctx context.Context, cs *model.ChannelStats) error {
	return m.critical(ctx, "save_channel_stats", func() error { return m.backend.SaveChannelStats(ctx, cs) })
}

// ListChannelStats retrieves the stats of every channel
func (m *Manager) ListChannelStats(ctx context.Context) ([]*model.ChannelStats, error) {
	var out []*model.ChannelStats
	err := m.critical(ctx, "list_channel_stats", func() error {
		var err error
		out, err = m.backend.ListChannelStats(ctx)
		return err
	})
	return out, err
}

// Share fingerprints. Without Redis the coordinator's own memory is the only guard.

// Seen reports whether a fingerprint was minted before a restart
func (m *Manager) Seen(ctx context.Context, fp chainhash.Hash) (bool, error) {
	if m.Redis == nil {
		return false, nil
	}
	return m.Redis.Seen(ctx, fp)
}

// Mark records a minted fingerprint
func (m *Manager) Mark(ctx context.Context, fp chainhash.Hash) error {
	if m.Redis == nil {
		return nil
	}
	return m.Redis.Mark(ctx, fp)
}

// Credited shares. Without Redis the wallet's own window is the only guard.

// SeenShare reports whether an accepted share was credited before a restart
func (m *Manager) SeenShare(ctx context.Context, channelID, sequence uint32) (bool, error) {
	if m.Redis == nil {
		return false, nil
	}
	return m.Redis.SeenShare(ctx, channelID, sequence)
}

// MarkShare records a credited share
func (m *Manager) MarkShare(ctx context.Context, channelID, sequence uint32) error {
	if m.Redis == nil {
		return nil
	}
	return m.Redis.MarkShare(ctx, channelID, sequence)
}

// Coordinator health

// RecordStatus writes a coordinator status report to InfluxDB
func (m *Manager) RecordStatus(s coordinator.Status) {
	if m.Influx == nil {
		return
	}
	m.Influx.WriteCoordinatorStatus(s.Coordinator, string(s.State),
		s.Processed, s.Rejected, s.Discarded, s.Dropped, s.RetryDepth, s.Time)
}

// StartPeriodicTasks starts background tasks for database maintenance
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	if m.Influx == nil {
		return
	}

	// Flush InfluxDB writes every 10 seconds
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()

	// Surface asynchronous write failures
	go func() {
		errs := m.Influx.Errors()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errs:
				if !ok {
					return
				}
				m.logger.WithError(err).Warn("InfluxDB write failed (non-critical)")
			}
		}
	}()
}
