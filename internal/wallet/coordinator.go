// Package wallet keeps per-miner accounting of accepted shares.
//
// The coordinator credits every WalletCorrelationEvent to the miner's balance
// and to its channel's stats. Writes happen on a single event loop; reads go to
// immutable snapshots in sync.Maps and never wait for the writer. Balances are
// keyed by the lower-case hex of the miner's compressed public key.
package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bardlex/ehash/internal/coordinator"
	"github.com/bardlex/ehash/internal/dedup"
	"github.com/bardlex/ehash/internal/events"
	"github.com/bardlex/ehash/internal/model"
	"github.com/bardlex/ehash/pkg/errors"
	"github.com/bardlex/ehash/pkg/log"
)

// Name identifies the wallet coordinator in logs, metrics and status events.
const Name = "wallet"

// Store persists balances and channel stats. Saves are upserts.
type Store interface {
	SaveBalance(ctx context.Context, b *model.PerPubkeyBalance) error
	SaveChannelStats(ctx context.Context, cs *model.ChannelStats) error
	ListBalances(ctx context.Context) ([]*model.PerPubkeyBalance, error)
	ListChannelStats(ctx context.Context) ([]*model.ChannelStats, error)
}

// ShareGuard remembers credited (channel, sequence) pairs across restarts.
type ShareGuard interface {
	SeenShare(ctx context.Context, channelID, sequence uint32) (bool, error)
	MarkShare(ctx context.Context, channelID, sequence uint32) error
}

// Observer is notified about credited shares.
type Observer interface {
	ObserveCredit(amount uint64)
}

// Config controls the wallet coordinator and its event loop.
type Config struct {
	// DedupWindow is how long credited shares stay in the local duplicate guard.
	DedupWindow time.Duration
	Runner      coordinator.Config
}

func shareKey(channelID, sequence uint32) string {
	return fmt.Sprintf("%d:%d", channelID, sequence)
}

// Coordinator is the wallet side of the eHash engine.
type Coordinator struct {
	store    Store
	guard    ShareGuard
	observer Observer
	logger   *log.Logger
	runner   *coordinator.Runner[events.WalletCorrelationEvent]
	credited *dedup.Window

	balances sync.Map // string -> *model.PerPubkeyBalance
	channels sync.Map // uint32 -> *model.ChannelStats
}

// New creates a wallet coordinator. guard and observer may be nil.
func New(cfg Config, store Store, guard ShareGuard, observer Observer, logger *log.Logger) (*Coordinator, error) {
	cfg.Runner.Name = Name

	credited, err := dedup.New(cfg.DedupWindow)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		store:    store,
		guard:    guard,
		observer: observer,
		logger:   logger.WithComponent(Name),
		credited: credited,
	}
	c.runner = coordinator.New[events.WalletCorrelationEvent](cfg.Runner, c, logger)
	return c, nil
}

// Load restores balances and channel stats from the store. Call before Run.
func (c *Coordinator) Load(ctx context.Context) error {
	balances, err := c.store.ListBalances(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "wallet_load", "failed to load balances")
	}
	for _, b := range balances {
		c.balances.Store(normalizeIdentity(b.Pubkey), b)
	}

	stats, err := c.store.ListChannelStats(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "wallet_load", "failed to load channel stats")
	}
	for _, cs := range stats {
		c.channels.Store(cs.ChannelID, cs)
	}

	c.logger.Info("wallet state loaded", "balances", len(balances), "channels", len(stats))
	return nil
}

// Submit hands an event to the loop without blocking.
func (c *Coordinator) Submit(ev events.WalletCorrelationEvent) error { return c.runner.Submit(ev) }

// Run runs the event loop until Shutdown or ctx cancellation.
func (c *Coordinator) Run(ctx context.Context) error { return c.runner.Run(ctx) }

// Shutdown stops intake and waits for the loop to drain.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if err := c.runner.Shutdown(ctx); err != nil {
		return err
	}
	return c.credited.Close()
}

// Statuses returns the loop's status channel.
func (c *Coordinator) Statuses() <-chan coordinator.Status { return c.runner.Statuses() }

// Snapshot returns the loop counters.
func (c *Coordinator) Snapshot() coordinator.Status { return c.runner.Snapshot() }

// Disabled reports whether the loop self-disabled.
func (c *Coordinator) Disabled() bool { return c.runner.Disabled() }

// Process credits one accepted share. It runs on the loop goroutine only.
func (c *Coordinator) Process(ctx context.Context, ev events.WalletCorrelationEvent) error {
	pk, err := model.ParsePubKeyHex(ev.MinerIdentity)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "credit_share", "invalid miner identity").
			WithContext("channel_id", ev.ChannelID)
	}
	identity := pk.String()

	if dup, err := c.isDuplicate(ctx, ev.ChannelID, ev.SequenceNumber); err != nil {
		c.logger.WithError(err).Warn("share guard unavailable, relying on local state",
			"channel_id", ev.ChannelID,
			"sequence_number", ev.SequenceNumber)
	} else if dup {
		return errors.New(errors.ErrorTypeDuplicate, "credit_share", "share already credited").
			WithContext("channel_id", ev.ChannelID).
			WithContext("sequence_number", ev.SequenceNumber)
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	balance := &model.PerPubkeyBalance{Pubkey: identity, Amount: ev.TokensMinted, LastUpdate: ts}
	if prev, ok := c.GetBalance(identity); ok {
		balance.Amount += prev.Amount
		if prev.LastUpdate.After(ts) {
			balance.LastUpdate = prev.LastUpdate
		}
	}

	stats := &model.ChannelStats{ChannelID: ev.ChannelID, ShareCount: 1, TotalTokens: ev.TokensMinted, LastActivity: ts}
	if prev, ok := c.GetChannelStats(ev.ChannelID); ok {
		stats.ShareCount += prev.ShareCount
		stats.TotalTokens += prev.TotalTokens
		if prev.LastActivity.After(ts) {
			stats.LastActivity = prev.LastActivity
		}
	}

	// Persist first. A retry recomputes the same totals from the untouched snapshots.
	if err := c.store.SaveBalance(ctx, balance); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "credit_share", "failed to save balance").
			WithContext("pubkey", identity)
	}
	if err := c.store.SaveChannelStats(ctx, stats); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "credit_share", "failed to save channel stats").
			WithContext("channel_id", ev.ChannelID)
	}

	c.balances.Store(balance.Pubkey, balance)
	c.channels.Store(stats.ChannelID, stats)
	c.markCredited(ctx, ev.ChannelID, ev.SequenceNumber)

	if c.observer != nil {
		c.observer.ObserveCredit(ev.TokensMinted)
	}
	c.logger.Debug("share credited",
		"channel_id", ev.ChannelID,
		"sequence_number", ev.SequenceNumber,
		"tokens", ev.TokensMinted,
		"balance", balance.Amount,
	)
	return nil
}

// GetBalance returns the balance of a miner identity. Hex case does not matter.
func (c *Coordinator) GetBalance(pubkey string) (model.PerPubkeyBalance, bool) {
	v, ok := c.balances.Load(normalizeIdentity(pubkey))
	if !ok {
		return model.PerPubkeyBalance{}, false
	}
	return *v.(*model.PerPubkeyBalance), true
}

// GetChannelStats returns the stats of one channel.
func (c *Coordinator) GetChannelStats(channelID uint32) (model.ChannelStats, bool) {
	v, ok := c.channels.Load(channelID)
	if !ok {
		return model.ChannelStats{}, false
	}
	return *v.(*model.ChannelStats), true
}

// Balances returns all balances. The result is a point-in-time copy.
func (c *Coordinator) Balances() []model.PerPubkeyBalance {
	var out []model.PerPubkeyBalance
	c.balances.Range(func(_, v any) bool {
		out = append(out, *v.(*model.PerPubkeyBalance))
		return true
	})
	return out
}

func (c *Coordinator) isDuplicate(ctx context.Context, channelID, sequence uint32) (bool, error) {
	if c.credited.Seen(shareKey(channelID, sequence)) {
		return true, nil
	}
	if c.guard == nil {
		return false, nil
	}
	return c.guard.SeenShare(ctx, channelID, sequence)
}

func (c *Coordinator) markCredited(ctx context.Context, channelID, sequence uint32) {
	if err := c.credited.Mark(shareKey(channelID, sequence)); err != nil {
		c.logger.WithError(err).Warn("failed to remember credited share locally")
	}
	if c.guard == nil {
		return
	}
	if err := c.guard.MarkShare(ctx, channelID, sequence); err != nil {
		c.logger.WithError(err).Warn("failed to record credited share",
			"channel_id", channelID,
			"sequence_number", sequence)
	}
}

func normalizeIdentity(s string) string {
	pk, err := model.ParsePubKeyHex(s)
	if err != nil {
		return s
	}
	return pk.String()
}
