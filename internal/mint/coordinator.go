// Package mint turns validated shares into eHash mint quotes.
//
// The coordinator consumes ShareMintEvents on its own event loop, computes the
// amount each share is worth, asks the token engine to issue P2PK-locked proofs
// against the active keyset and records a quote the miner can later discover
// and claim. Block-finding shares rotate the keyset. Keyset mutations from
// other goroutines (swaps, manual triggers, deferred retries) are marshalled
// onto the same loop so the keyset manager has a single writer.
package mint

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"

	"github.com/bardlex/ehash/internal/coordinator"
	"github.com/bardlex/ehash/internal/dedup"
	"github.com/bardlex/ehash/internal/events"
	"github.com/bardlex/ehash/internal/keyset"
	"github.com/bardlex/ehash/internal/model"
	"github.com/bardlex/ehash/internal/tokenengine"
	"github.com/bardlex/ehash/pkg/errors"
	"github.com/bardlex/ehash/pkg/log"
)

// Name identifies the mint coordinator in logs, metrics and status events.
const Name = "mint"

// QuoteLookupPrefix prefixes the message a miner signs to list its quotes.
const QuoteLookupPrefix = "ehash-quote-lookup:"

// QuoteClaimPrefix prefixes the message a miner signs to claim the proofs of a quote.
const QuoteClaimPrefix = "ehash-quote-claim:"

// QuoteStore persists mint quotes. Implementations must be safe for concurrent use.
type QuoteStore interface {
	SaveQuote(ctx context.Context, q *model.MintQuote) error
	GetQuote(ctx context.Context, id string) (*model.MintQuote, error)
	UpdateQuoteState(ctx context.Context, id string, state model.QuoteState) error
	QuotesByPubkey(ctx context.Context, pk model.PubKey) ([]*model.MintQuote, error)
}

// FingerprintGuard remembers processed share fingerprints across restarts.
type FingerprintGuard interface {
	Seen(ctx context.Context, fingerprint chainhash.Hash) (bool, error)
	Mark(ctx context.Context, fingerprint chainhash.Hash) error
}

// Observer is notified about issued quotes and lost writes.
type Observer interface {
	ObserveQuote(unit string, amount uint64)
	ObservePersistFailure(store string)
}

// Config controls the mint policy and its event loop.
type Config struct {
	MinLeadingZeros uint32
	Unit            string
	// AuditZeroAmount records a zero-amount quote for shares below the threshold.
	AuditZeroAmount bool
	// DedupWindow is how long fingerprints stay in the local duplicate guard.
	DedupWindow time.Duration
	Runner      coordinator.Config
}

// Coordinator is the mint side of the eHash engine.
type Coordinator struct {
	cfg      Config
	engine   tokenengine.Engine
	keysets  *keyset.Manager
	quotes   QuoteStore
	guard    FingerprintGuard
	observer Observer
	logger   *log.Logger
	runner   *coordinator.Runner[events.ShareMintEvent]
	seen     *dedup.Window

	// loop-owned
	triggers []keyset.PayoutTrigger
}

// New creates a mint coordinator. guard and observer may be nil.
func New(cfg Config, engine tokenengine.Engine, keysets *keyset.Manager, quotes QuoteStore, guard FingerprintGuard, observer Observer, logger *log.Logger) (*Coordinator, error) {
	if cfg.Unit == "" {
		cfg.Unit = model.DefaultUnit
	}
	cfg.Runner.Name = Name

	seen, err := dedup.New(cfg.DedupWindow)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:      cfg,
		engine:   engine,
		keysets:  keysets,
		quotes:   quotes,
		guard:    guard,
		observer: observer,
		logger:   logger.WithComponent(Name),
		seen:     seen,
	}
	c.runner = coordinator.New[events.ShareMintEvent](cfg.Runner, c, logger)
	return c, nil
}

// Submit hands a share to the loop without blocking.
func (c *Coordinator) Submit(ev events.ShareMintEvent) error { return c.runner.Submit(ev) }

// Run runs the event loop until Shutdown or ctx cancellation.
func (c *Coordinator) Run(ctx context.Context) error { return c.runner.Run(ctx) }

// Shutdown stops intake and waits for the loop to drain.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if err := c.runner.Shutdown(ctx); err != nil {
		return err
	}
	return c.seen.Close()
}

// Statuses returns the loop's status channel.
func (c *Coordinator) Statuses() <-chan coordinator.Status { return c.runner.Statuses() }

// Snapshot returns the loop counters.
func (c *Coordinator) Snapshot() coordinator.Status { return c.runner.Snapshot() }

// Disabled reports whether the loop self-disabled.
func (c *Coordinator) Disabled() bool { return c.runner.Disabled() }

// Process issues a quote for one share. It runs on the loop goroutine only.
func (c *Coordinator) Process(ctx context.Context, ev events.ShareMintEvent) error {
	start := time.Now()
	logger := c.logger.WithShare(ev.Fingerprint.String(), ev.ChannelID, ev.SequenceNumber)

	if dup, err := c.isDuplicate(ctx, ev.Fingerprint); err != nil {
		logger.WithError(err).Warn("fingerprint guard unavailable, relying on local state")
	} else if dup {
		return errors.New(errors.ErrorTypeDuplicate, "process_share", "share already minted").
			WithContext("fingerprint", ev.Fingerprint.String())
	}

	amount := Amount(ev.LeadingZeros, c.cfg.MinLeadingZeros)
	if amount == 0 && !c.cfg.AuditZeroAmount {
		logger.Debug("share below minimum work, no quote created",
			"leading_zeros", ev.LeadingZeros,
			"min_leading_zeros", c.cfg.MinLeadingZeros)
		c.markSeen(ctx, ev.Fingerprint)
		return c.blockFound(ctx, ev)
	}

	quote := &model.MintQuote{
		ID:             uuid.NewString(),
		State:          model.QuoteStatePaid,
		Amount:         amount,
		Unit:           c.cfg.Unit,
		LockingPubkey:  ev.LockingPubkey,
		AuditReference: ev.Fingerprint,
		KeysetID:       c.keysets.ActiveID(),
		CreatedAt:      ev.Timestamp,
	}
	if quote.CreatedAt.IsZero() {
		quote.CreatedAt = time.Now()
	}

	if amount > 0 {
		if err := c.engine.IssueQuote(ctx, quote); err != nil {
			if errors.IsPermanent(err) {
				return err
			}
			return errors.Wrap(err, errors.ErrorTypeTokenEngine, "process_share", "quote issuance failed").
				WithContext("quote_id", quote.ID)
		}
	}

	// From here on the proofs exist. Returning an error would re-issue them on retry.
	c.markSeen(ctx, ev.Fingerprint)
	if err := c.quotes.SaveQuote(ctx, quote); err != nil {
		logger.WithError(err).Error("failed to persist issued quote", "quote_id", quote.ID)
		if c.observer != nil {
			c.observer.ObservePersistFailure("quotes")
		}
	}
	if amount > 0 {
		if err := c.keysets.RecordIssued(ctx, quote.KeysetID, amount); err != nil {
			logger.WithError(err).Error("failed to record issued amount", "quote_id", quote.ID)
		}
	}

	logger.LogQuoteIssued(quote.ID, quote.KeysetID, amount, quote.Unit)
	logger.LogDuration("process_share", time.Since(start))
	if c.observer != nil {
		c.observer.ObserveQuote(quote.Unit, amount)
	}

	return c.blockFound(ctx, ev)
}

func (c *Coordinator) blockFound(ctx context.Context, ev events.ShareMintEvent) error {
	if !ev.BlockFound {
		return nil
	}
	if err := c.HandleBlockFound(ctx, ev); err != nil {
		// The share itself was minted; the rotation is retried by RetryDeferred.
		c.logger.WithError(err).Error("payout trigger deferred",
			"fingerprint", ev.Fingerprint.String())
	}
	return nil
}

// HandleBlockFound rotates the keyset for a block-finding share. The reward is
// resolved from the share fingerprint, which is the block hash. A trigger that
// fails is kept and re-attempted by RetryDeferred.
func (c *Coordinator) HandleBlockFound(ctx context.Context, ev events.ShareMintEvent) error {
	c.logger.LogBlockFound(ev.Fingerprint.String(), ev.ChannelID)
	trigger := keyset.BlockReward{BlockHash: ev.Fingerprint}
	if err := c.keysets.OnPayoutTrigger(ctx, trigger); err != nil {
		c.triggers = append(c.triggers, trigger)
		return err
	}
	return nil
}

// Trigger rotates the keyset for an external payment or an explicit block reward.
func (c *Coordinator) Trigger(ctx context.Context, trigger keyset.PayoutTrigger) error {
	return c.runner.Do(ctx, func(loopCtx context.Context) error {
		return c.keysets.OnPayoutTrigger(loopCtx, trigger)
	})
}

// Swap converts proofs of a PAYOUT keyset on the loop goroutine.
func (c *Coordinator) Swap(ctx context.Context, req keyset.SwapRequest) (*keyset.SwapResult, error) {
	var res *keyset.SwapResult
	err := c.runner.Do(ctx, func(loopCtx context.Context) error {
		var err error
		res, err = c.keysets.Swap(loopCtx, req)
		return err
	})
	return res, err
}

// Sweep expires PAYOUT keysets whose deadline has passed.
func (c *Coordinator) Sweep(ctx context.Context) ([]string, error) {
	var ids []string
	err := c.runner.Do(ctx, func(loopCtx context.Context) error {
		ids = c.keysets.Sweep(loopCtx)
		return nil
	})
	return ids, err
}

// RetryDeferred schedules another attempt at failed payout triggers and
// unresolved conversion rates. It does not wait.
func (c *Coordinator) RetryDeferred() error {
	return c.runner.Post(func(ctx context.Context) {
		pending := c.triggers
		c.triggers = nil
		for _, t := range pending {
			if err := c.keysets.OnPayoutTrigger(ctx, t); err != nil {
				c.logger.WithError(err).Warn("payout trigger still failing", "reference", t.Reference())
				c.triggers = append(c.triggers, t)
			}
		}
		if n := c.keysets.RetryPending(ctx); n > 0 {
			c.logger.Debug("keysets still awaiting payout amount", "pending", n)
		}
	})
}

// DiscoverQuotes lists the quotes locked to pubkey. The caller proves control of
// the key by signing QuoteLookupMessage(pubkey).
func (c *Coordinator) DiscoverQuotes(ctx context.Context, pubkey model.PubKey, signature []byte) ([]*model.MintQuote, error) {
	if err := c.engine.VerifyAuthorization(ctx, pubkey, QuoteLookupMessage(pubkey), signature); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "discover_quotes", "lookup not authorized")
	}
	quotes, err := c.quotes.QuotesByPubkey(ctx, pubkey)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "discover_quotes", "failed to list quotes")
	}
	return quotes, nil
}

// ClaimProofs hands out the proofs minted for quoteID once. The caller signs
// QuoteClaimMessage(quoteID) with the quote's locking key.
func (c *Coordinator) ClaimProofs(ctx context.Context, quoteID string, signature []byte) ([]model.Proof, error) {
	quote, err := c.quotes.GetQuote(ctx, quoteID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "claim_proofs", "unknown quote").
				WithContext("quote_id", quoteID)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "claim_proofs", "failed to load quote")
	}
	if quote.State == model.QuoteStateIssued {
		return nil, errors.New(errors.ErrorTypeDuplicate, "claim_proofs", "proofs already claimed").
			WithContext("quote_id", quoteID)
	}
	if err := c.engine.VerifyAuthorization(ctx, quote.LockingPubkey, QuoteClaimMessage(quoteID), signature); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "claim_proofs", "claim not authorized")
	}

	proofs, err := c.engine.ClaimProofs(ctx, quoteID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTokenEngine, "claim_proofs", "engine refused claim").
			WithContext("quote_id", quoteID)
	}
	if err := c.quotes.UpdateQuoteState(ctx, quoteID, model.QuoteStateIssued); err != nil {
		c.logger.WithError(err).Error("failed to mark quote issued", "quote_id", quoteID)
	}
	return proofs, nil
}

// QuoteLookupMessage is the message signed to authorize DiscoverQuotes.
func QuoteLookupMessage(pubkey model.PubKey) []byte {
	return []byte(QuoteLookupPrefix + pubkey.String())
}

// QuoteClaimMessage is the message signed to authorize ClaimProofs.
func QuoteClaimMessage(quoteID string) []byte {
	return []byte(QuoteClaimPrefix + quoteID)
}

func (c *Coordinator) isDuplicate(ctx context.Context, fp chainhash.Hash) (bool, error) {
	if c.seen.Seen(string(fp[:])) {
		return true, nil
	}
	if c.guard == nil {
		return false, nil
	}
	return c.guard.Seen(ctx, fp)
}

func (c *Coordinator) markSeen(ctx context.Context, fp chainhash.Hash) {
	if err := c.seen.Mark(string(fp[:])); err != nil {
		c.logger.WithError(err).Warn("failed to remember fingerprint locally", "fingerprint", fp.String())
	}
	if c.guard == nil {
		return
	}
	if err := c.guard.Mark(ctx, fp); err != nil {
		c.logger.WithError(err).Warn("failed to record fingerprint", "fingerprint", fp.String())
	}
}
