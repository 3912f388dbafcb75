package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/ehash/internal/config"
	"github.com/bardlex/ehash/internal/coordinator"
	"github.com/bardlex/ehash/internal/database"
	"github.com/bardlex/ehash/internal/database/influx"
	"github.com/bardlex/ehash/internal/database/postgres"
	"github.com/bardlex/ehash/internal/database/redis"
	"github.com/bardlex/ehash/internal/events"
	"github.com/bardlex/ehash/internal/keyset"
	"github.com/bardlex/ehash/internal/messaging"
	"github.com/bardlex/ehash/internal/metrics"
	"github.com/bardlex/ehash/internal/mint"
	"github.com/bardlex/ehash/internal/settlement"
	"github.com/bardlex/ehash/internal/tokenengine"
	"github.com/bardlex/ehash/internal/wallet"
	"github.com/bardlex/ehash/pkg/log"
	"github.com/bardlex/ehash/pkg/retry"
)

// Service wires the coordinators to their stores, the bus and Bitcoin Core.
type Service struct {
	cfg     *config.Config
	logger  *log.Logger
	metrics *metrics.Metrics

	db      *database.Manager
	rpc     *settlement.RPCClient
	keysets *keyset.Manager
	mint    *mint.Coordinator
	wallet  *wallet.Coordinator
	router  *events.Router

	kafka    *messaging.KafkaClient
	bridge   *messaging.SourceBridge
	status   *messaging.StatusPublisher
	notifier *settlement.BlockNotifier
	server   *http.Server

	// sources covers the bridge, the notifier and the tickers; stopped first.
	stopSources context.CancelFunc
	sources     sync.WaitGroup
	// loops covers the coordinator goroutines.
	loops sync.WaitGroup
	// stopStatus ends the status publisher once the coordinators are done.
	stopStatus context.CancelFunc
	statusDone chan struct{}
}

// NewService connects to every configured backend and restores persisted state.
func NewService(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Service, error) {
	s := &Service{
		cfg:     cfg,
		logger:  logger.WithComponent("ehashd"),
		metrics: metrics.New(),
	}

	db, err := database.NewManager(ctx, databaseConfig(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	s.db = db

	var querier settlement.BlockRewardQuerier
	if cfg.SettlementEnabled() {
		params, err := settlement.NetParams(cfg.BitcoinNetwork)
		if err != nil {
			s.closeBackends()
			return nil, err
		}
		rpc, err := settlement.NewRPCClient(cfg.BitcoinRPCHost, cfg.BitcoinRPCPort,
			cfg.BitcoinRPCUser, cfg.BitcoinRPCPassword, params)
		if err != nil {
			s.closeBackends()
			return nil, err
		}
		s.rpc = rpc
		querier = rpc
	} else {
		s.logger.Warn("no Bitcoin RPC credentials, block rewards must be supplied as external payments")
	}

	engine := tokenengine.NewLocalEngine()
	clock := retry.SystemClock{}

	s.keysets = keyset.NewManager(keyset.Config{
		Unit:         cfg.MintUnit,
		PayoutWindow: cfg.PayoutWindow,
		Clock:        clock,
	}, engine, db, querier, logger, s.metrics)
	if err := s.keysets.Bootstrap(ctx); err != nil {
		s.closeBackends()
		return nil, fmt.Errorf("failed to bootstrap keysets: %w", err)
	}

	s.mint, err = mint.New(mint.Config{
		MinLeadingZeros: cfg.MinLeadingZeros,
		Unit:            cfg.MintUnit,
		AuditZeroAmount: cfg.AuditZeroAmount,
		DedupWindow:     cfg.DedupWindow,
		Runner:          runnerConfig(cfg, clock, s.metrics),
	}, engine, s.keysets, db, db, s.metrics, logger)
	if err != nil {
		s.closeBackends()
		return nil, fmt.Errorf("failed to create mint coordinator: %w", err)
	}

	s.wallet, err = wallet.New(wallet.Config{
		DedupWindow: cfg.DedupWindow,
		Runner:      runnerConfig(cfg, clock, s.metrics),
	}, db, db, s.metrics, logger)
	if err != nil {
		s.closeBackends()
		return nil, fmt.Errorf("failed to create wallet coordinator: %w", err)
	}
	if err := s.wallet.Load(ctx); err != nil {
		s.closeBackends()
		return nil, fmt.Errorf("failed to restore balances: %w", err)
	}

	s.router = events.NewRouter(s.mint, s.wallet, logger, s.metrics)

	var publisher messaging.ProtoPublisher
	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		s.bridge = messaging.NewSourceBridge(s.kafka, s.router, cfg.KafkaGroupID, logger)
		publisher = s.kafka
	} else {
		s.logger.Warn("no Kafka brokers configured, events arrive only through the in-process router")
	}
	s.status = messaging.NewStatusPublisher(publisher, logger, db)

	if cfg.SettlementEnabled() && cfg.BitcoinZMQAddr != "" {
		notifier, err := settlement.NewBlockNotifier(cfg.BitcoinZMQAddr, logger)
		if err != nil {
			s.closeBackends()
			return nil, err
		}
		if err := notifier.Connect(); err != nil {
			_ = notifier.Close()
			s.closeBackends()
			return nil, err
		}
		s.notifier = notifier
	}

	if cfg.MetricsAddr != "" {
		s.server = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return s, nil
}

func databaseConfig(cfg *config.Config) *database.Config {
	dbCfg := &database.Config{}
	if cfg.PostgresURL != "" {
		dbCfg.Postgres = &postgres.Config{URL: cfg.PostgresURL, MaxOpenConns: 25, MaxIdleConns: 5, MaxLifetime: 30 * time.Minute}
	}
	if cfg.RedisURL != "" {
		dbCfg.Redis = &redis.Config{URL: cfg.RedisURL}
	}
	if cfg.InfluxURL != "" {
		dbCfg.Influx = &influx.Config{URL: cfg.InfluxURL, Token: cfg.InfluxToken, Org: cfg.InfluxOrg, Bucket: cfg.InfluxBucket}
	}
	return dbCfg
}

func runnerConfig(cfg *config.Config, clock retry.Clock, observer coordinator.Observer) coordinator.Config {
	return coordinator.Config{
		QueueSize: cfg.QueueSize,
		Policy: retry.Policy{
			BaseDelay:  cfg.BackoffBase,
			Cap:        cfg.BackoffCap,
			MaxRetries: cfg.MaxRetries,
		},
		RecoveryInterval: cfg.RecoveryInterval,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		Clock:            clock,
		Observer:         observer,
	}
}

// Router is the non-blocking entry point for share outcomes and acknowledgements.
func (s *Service) Router() *events.Router { return s.router }

// Start launches the coordinator loops and every event source. It returns immediately.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info("starting coordinators",
		"active_keyset", s.keysets.ActiveID(),
		"min_leading_zeros", s.cfg.MinLeadingZeros,
		"unit", s.cfg.MintUnit,
	)

	// Coordinators only stop through Shutdown so that they always drain.
	loopCtx := context.WithoutCancel(ctx)
	s.loops.Add(2)
	go func() {
		defer s.loops.Done()
		_ = s.mint.Run(loopCtx)
	}()
	go func() {
		defer s.loops.Done()
		_ = s.wallet.Run(loopCtx)
	}()

	statusCtx, stopStatus := context.WithCancel(loopCtx)
	s.stopStatus = stopStatus
	s.statusDone = make(chan struct{})
	go func() {
		defer close(s.statusDone)
		s.status.Run(statusCtx, s.mint.Statuses(), s.wallet.Statuses())
	}()

	s.db.StartPeriodicTasks(statusCtx)

	srcCtx, stopSources := context.WithCancel(ctx)
	s.stopSources = stopSources

	if s.bridge != nil {
		s.goSource(func() {
			if err := s.bridge.Run(srcCtx); err != nil {
				s.logger.WithError(err).Error("Kafka bridge stopped")
			}
		})
	}

	if s.notifier != nil {
		s.goSource(func() {
			err := s.notifier.Listen(srcCtx, func(hash chainhash.Hash) {
				s.logger.Debug("new block, retrying deferred payouts", "block_hash", hash.String())
				s.retryDeferred()
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.WithError(err).Error("block notifier stopped")
			}
		})
	}

	s.goSource(func() { s.tick(srcCtx, s.cfg.DeferredRetryEvery, s.retryDeferred) })
	s.goSource(func() {
		s.tick(srcCtx, s.cfg.KeysetSweepInterval, func() {
			expired, err := s.mint.Sweep(srcCtx)
			if err != nil {
				s.logger.WithError(err).Warn("keyset sweep failed")
				return
			}
			if len(expired) > 0 {
				s.logger.Info("expired keysets past their payout deadline", "keysets", expired)
			}
		})
	})

	if s.server != nil {
		s.goSource(func() {
			s.logger.Info("serving metrics", "addr", s.server.Addr)
			if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.WithError(err).Error("metrics server failed")
			}
		})
	}
}

func (s *Service) goSource(fn func()) {
	s.sources.Add(1)
	go func() {
		defer s.sources.Done()
		fn()
	}()
}

func (s *Service) tick(ctx context.Context, every time.Duration, fn func()) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (s *Service) retryDeferred() {
	if err := s.mint.RetryDeferred(); err != nil {
		s.logger.WithError(err).Debug("mint loop not accepting deferred retries")
	}
}

// Shutdown stops intake, drains both coordinators and closes every backend.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.stopSources != nil {
		s.stopSources()
	}
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.WithError(err).Warn("metrics server shutdown failed")
		}
	}
	s.sources.Wait()

	var errs []error
	if err := s.mint.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.wallet.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	if s.stopStatus != nil {
		s.stopStatus()
		<-s.statusDone
	}

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.WithError(err).Warn("failed to close Kafka client")
		}
	}
	if s.notifier != nil {
		_ = s.notifier.Close()
	}
	s.closeBackends()

	return errors.Join(errs...)
}

func (s *Service) closeBackends() {
	if s.rpc != nil {
		s.rpc.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.WithError(err).Warn("failed to close storage")
		}
	}
}

// Handler serves /metrics, /healthz and /status.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Health(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if s.mint.Disabled() || s.wallet.Disabled() {
		http.Error(w, "coordinator disabled", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok\n"))
}

type statusResponse struct {
	Coordinators []coordinator.Status `json:"coordinators"`
	Router       events.RouterStats   `json:"router"`
	ActiveKeyset string               `json:"active_keyset"`
	Keysets      []keysetSummary      `json:"keysets"`
}

type keysetSummary struct {
	ID             string `json:"id"`
	State          string `json:"state"`
	Outstanding    uint64 `json:"outstanding"`
	ConversionRate string `json:"conversion_rate,omitempty"`
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Coordinators: []coordinator.Status{s.mint.Snapshot(), s.wallet.Snapshot()},
		Router:       s.router.Stats(),
		ActiveKeyset: s.keysets.ActiveID(),
	}
	for _, rec := range s.keysets.Snapshot() {
		sum := keysetSummary{ID: rec.ID, State: string(rec.State), Outstanding: rec.Outstanding}
		if rec.ConversionRate != nil {
			sum.ConversionRate = rec.ConversionRate.String()
		}
		resp.Keysets = append(resp.Keysets, sum)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.WithError(err).Warn("failed to write status response")
	}
}
