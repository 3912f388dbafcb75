package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/ehash/internal/config"
	"github.com/bardlex/ehash/internal/coordinator"
	"github.com/bardlex/ehash/internal/events"
	"github.com/bardlex/ehash/internal/model"
	"github.com/bardlex/ehash/pkg/log"
)

func testConfig() *config.Config {
	return &config.Config{
		ServiceName:         "test-ehashd",
		Version:             "test",
		MinLeadingZeros:     32,
		MintUnit:            "HASH",
		DedupWindow:         time.Hour,
		QueueSize:           64,
		MaxRetries:          5,
		BackoffBase:         10 * time.Millisecond,
		BackoffCap:          2,
		RecoveryInterval:    10 * time.Millisecond,
		ShutdownTimeout:     5 * time.Second,
		PayoutWindow:        time.Hour,
		KeysetSweepInterval: time.Hour,
		DeferredRetryEvery:  time.Hour,
		BitcoinRPCPort:      8332,
		LogLevel:            "error",
		LogFormat:           "json",
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRootCommand(t *testing.T) {
	root := newRootCommand()

	run, _, err := root.Find([]string{"run"})
	if err != nil || run.Use != "run" {
		t.Fatalf("Expected run subcommand, got %v, %v", run, err)
	}
	for _, name := range []string{"min-leading-zeros", "kafka-brokers", "postgres-url", "metrics-addr"} {
		if run.Flags().Lookup(name) == nil {
			t.Errorf("Expected flag --%s", name)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("Expected persistent --config flag")
	}
}

func TestService_EndToEnd(t *testing.T) {
	ctx := context.Background()
	svc, err := NewService(ctx, testConfig(), log.Nop())
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	if svc.kafka != nil || svc.notifier != nil || svc.rpc != nil || svc.server != nil {
		t.Fatal("Expected no external systems with the test config")
	}
	svc.Start(ctx)

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey() error = %v", err)
	}
	var pk model.PubKey
	copy(pk[:], priv.PubKey().SerializeCompressed())

	// 40 leading zero bits: 2^(40-32) = 256.
	var hash chainhash.Hash
	hash[26] = 0xff
	hash[0] = 0x01

	svc.Router().RouteShare(events.ShareOutcome{ShareHash: hash, ChannelID: 1, SequenceNumber: 1, LockingPubkey: pk})
	svc.Router().RouteAcceptance(events.ShareAck{ChannelID: 1, SequenceNumber: 1, LockingPubkey: pk, TokensMinted: 256})

	waitFor(t, "mint to process the share", func() bool { return svc.mint.Snapshot().Processed == 1 })
	waitFor(t, "wallet to credit the miner", func() bool {
		b, ok := svc.wallet.GetBalance(pk.String())
		return ok && b.Amount == 256
	})

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from /status, got %d", rec.Code)
	}
	var status statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if len(status.Keysets) != 1 || status.Keysets[0].Outstanding != 256 || status.Keysets[0].ID != status.ActiveKeyset {
		t.Errorf("Expected one active keyset with 256 outstanding, got %+v", status.Keysets)
	}
	if status.Router.MintRouted != 1 || status.Router.WalletRouted != 1 {
		t.Errorf("Unexpected router stats %+v", status.Router)
	}

	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected healthy service, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `ehash_mint_amount_issued_total{unit="HASH"} 256`) {
		t.Errorf("Expected issued amount in metrics output")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := svc.mint.Snapshot().State; got != coordinator.StateTerminated {
		t.Errorf("Expected mint terminated, got %s", got)
	}

	// Events after shutdown are dropped without blocking.
	svc.Router().RouteShare(events.ShareOutcome{ShareHash: chainhash.Hash{2}, LockingPubkey: pk})
	if svc.Router().Stats().MintDropped != 1 {
		t.Errorf("Expected post-shutdown share to be dropped, got %+v", svc.Router().Stats())
	}
}

func TestService_ShutdownBeforeStart(t *testing.T) {
	svc, err := NewService(context.Background(), testConfig(), log.Nop())
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
