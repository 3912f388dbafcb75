// Package keyset manages the lifecycle of the mint's signing keysets:
//
//	ACTIVE -> QUANTIFYING -> PAYOUT -> EXPIRED
//
// A payout trigger rotates the active keyset. The replacement is created and
// persisted before the retiring keyset is demoted, and both changes become
// visible to readers atomically, so there is never a moment without an ACTIVE
// keyset. The conversion rate of the retiring keyset is fixed once the payout
// amount is known; resolving it may be deferred without holding up minting.
//
// Mutating methods are called only from the mint coordinator's event loop.
// Readers may call the accessor methods from any goroutine.
package keyset

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/shopspring/decimal"

	"github.com/bardlex/ehash/internal/model"
	"github.com/bardlex/ehash/internal/settlement"
	"github.com/bardlex/ehash/internal/tokenengine"
	"github.com/bardlex/ehash/pkg/errors"
	"github.com/bardlex/ehash/pkg/log"
	"github.com/bardlex/ehash/pkg/retry"
)

// RatePrecision is the number of decimal places kept in a conversion rate.
const RatePrecision = 16

// Store persists keyset records.
type Store interface {
	SaveKeyset(ctx context.Context, rec *model.KeysetRecord) error
	ListKeysets(ctx context.Context) ([]*model.KeysetRecord, error)
}

// Observer is notified about lifecycle events, typically to export metrics.
type Observer interface {
	ObserveRotation(from, to string)
	ObserveSwap(burned, paid uint64)
}

// PayoutTrigger starts a rotation. It is either a BlockReward or an ExternalPayment.
// A trigger with a non-empty reference rotates the keyset at most once.
type PayoutTrigger interface {
	Reference() string
	source() string
}

// BlockReward is a payout funded by a block the pool found. When Amount is zero
// the reward is resolved through the settlement querier using BlockHash, which
// is the fingerprint of the block-finding share.
type BlockReward struct {
	BlockHash chainhash.Hash
	Height    int32
	Amount    uint64
}

// Reference returns the block hash.
func (b BlockReward) Reference() string { return b.BlockHash.String() }
func (BlockReward) source() string      { return model.PayoutSourceBlock }

// ExternalPayment is a payout funded outside the block reward path.
type ExternalPayment struct {
	Amount uint64
	Ref    string
}

// Reference returns the external payment reference.
func (e ExternalPayment) Reference() string { return e.Ref }
func (ExternalPayment) source() string      { return model.PayoutSourceExternal }

// SwapRequest converts eHash proofs of a PAYOUT keyset into the target unit.
type SwapRequest struct {
	KeysetID   string
	Proofs     []model.Proof
	TargetUnit string
}

// SwapResult describes a completed swap.
type SwapResult struct {
	KeysetID     string
	Burned       uint64
	TargetAmount uint64
	TargetUnit   string
	Rate         decimal.Decimal
	RedemptionID string
	Expired      bool
}

// Config controls the manager.
type Config struct {
	Unit         string
	PayoutWindow time.Duration
	Clock        retry.Clock
}

// Manager owns every keyset record.
type Manager struct {
	mu       sync.RWMutex
	records  map[string]*model.KeysetRecord
	activeID string
	// pending holds retiring keysets whose payout amount is not known yet.
	pending map[string]PayoutTrigger
	// rotated maps applied trigger keys to the keyset they retired.
	rotated map[string]string
	// unsaved holds keysets whose latest state failed to persist.
	unsaved map[string]struct{}

	engine   tokenengine.Engine
	store    Store
	querier  settlement.BlockRewardQuerier
	cfg      Config
	logger   *log.Logger
	observer Observer
}

// NewManager creates a manager. Call Bootstrap before use.
func NewManager(cfg Config, engine tokenengine.Engine, store Store, querier settlement.BlockRewardQuerier, logger *log.Logger, observer Observer) *Manager {
	if cfg.Unit == "" {
		cfg.Unit = model.DefaultUnit
	}
	if cfg.PayoutWindow <= 0 {
		cfg.PayoutWindow = 72 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = retry.SystemClock{}
	}
	return &Manager{
		records:  make(map[string]*model.KeysetRecord),
		pending:  make(map[string]PayoutTrigger),
		rotated:  make(map[string]string),
		unsaved:  make(map[string]struct{}),
		engine:   engine,
		store:    store,
		querier:  querier,
		cfg:      cfg,
		logger:   logger.WithComponent("keyset"),
		observer: observer,
	}
}

// Bootstrap loads persisted keysets and creates the first ACTIVE keyset if none exists.
func (m *Manager) Bootstrap(ctx context.Context) error {
	recs, err := m.store.ListKeysets(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "keyset_bootstrap", "failed to load keysets")
	}

	m.mu.Lock()
	for _, r := range recs {
		m.records[r.ID] = r.Clone()
		if r.State == model.KeysetActive {
			if m.activeID != "" {
				m.mu.Unlock()
				return errors.New(errors.ErrorTypeInvariant, "keyset_bootstrap", "more than one ACTIVE keyset persisted").
					WithContext("first", m.activeID).
					WithContext("second", r.ID)
			}
			m.activeID = r.ID
		}
		if key := triggerKey(r.PayoutSource, r.PayoutReference); key != "" {
			m.rotated[key] = r.ID
		}
		if r.State == model.KeysetQuantifying {
			trigger, err := triggerFromRecord(r)
			if err != nil {
				m.logger.WithKeyset(r.ID, string(r.State)).WithError(err).
					Error("keyset awaiting quantification has no usable payout reference")
				continue
			}
			m.pending[r.ID] = trigger
			m.logger.WithKeyset(r.ID, string(r.State)).Info("keyset awaiting quantification after restart",
				"reference", trigger.Reference())
		}
	}
	hasActive := m.activeID != ""
	m.mu.Unlock()

	if hasActive {
		m.logger.Info("keysets loaded", "count", len(recs), "active", m.ActiveID())
		return nil
	}

	rec, err := m.newActive(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.records[rec.ID] = rec
	m.activeID = rec.ID
	m.mu.Unlock()

	m.logger.WithKeyset(rec.ID, string(rec.State)).Info("initial keyset created")
	return nil
}

// ActiveID returns the keyset new quotes are issued against.
func (m *Manager) ActiveID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeID
}

// Get returns a copy of one keyset record.
func (m *Manager) Get(id string) (*model.KeysetRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Snapshot returns copies of all keysets ordered by creation time.
func (m *Manager) Snapshot() []*model.KeysetRecord {
	m.mu.RLock()
	out := make([]*model.KeysetRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveCount returns the number of ACTIVE keysets. It is always 1 after Bootstrap.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.records {
		if r.State == model.KeysetActive {
			n++
		}
	}
	return n
}

// PendingCount returns the number of keysets waiting for their payout amount.
func (m *Manager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

// RecordIssued adds amount to the outstanding supply of keysetID.
func (m *Manager) RecordIssued(ctx context.Context, keysetID string, amount uint64) error {
	m.mu.Lock()
	r, ok := m.records[keysetID]
	if !ok {
		m.mu.Unlock()
		return errors.New(errors.ErrorTypeInvariant, "record_issued", "unknown keyset").
			WithContext("keyset_id", keysetID)
	}
	if r.State != model.KeysetActive {
		m.mu.Unlock()
		return errors.New(errors.ErrorTypeInvariant, "record_issued", "keyset is not ACTIVE").
			WithContext("keyset_id", keysetID).
			WithContext("state", string(r.State))
	}
	r.Outstanding += amount
	snapshot := r.Clone()
	m.mu.Unlock()

	return m.save(ctx, snapshot)
}

// OnPayoutTrigger rotates the active keyset and quantifies the retiring one.
// It only fails before the rotation happens, so a failed trigger can be replayed.
// A failure to resolve the payout amount leaves the retiring keyset in
// QUANTIFYING; RetryPending picks it up later. Replaying a trigger that was
// already applied is a no-op.
func (m *Manager) OnPayoutTrigger(ctx context.Context, trigger PayoutTrigger) error {
	key := triggerKey(trigger.source(), trigger.Reference())
	m.mu.RLock()
	prior, applied := m.rotated[key]
	m.mu.RUnlock()
	if applied {
		m.logger.Info("payout trigger already applied",
			"reference", trigger.Reference(),
			"keyset_id", prior)
		return nil
	}

	next, err := m.newActive(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	prevID := m.activeID
	prev := m.records[prevID]
	m.records[next.ID] = next
	m.activeID = next.ID
	var retiring *model.KeysetRecord
	if prev != nil {
		prev.State = model.KeysetQuantifying
		prev.PayoutSource = trigger.source()
		prev.PayoutReference = trigger.Reference()
		if amount, ok := knownAmount(trigger); ok {
			prev.PayoutAmount = amount
		}
		if key != "" {
			m.rotated[key] = prev.ID
		}
		retiring = prev.Clone()
	}
	m.mu.Unlock()

	m.logger.LogKeysetTransition(next.ID, "", string(model.KeysetActive))
	if retiring == nil {
		return nil
	}
	m.logger.LogKeysetTransition(retiring.ID, string(model.KeysetActive), string(model.KeysetQuantifying))
	if m.observer != nil {
		m.observer.ObserveRotation(retiring.ID, next.ID)
	}
	if err := m.save(ctx, retiring); err != nil {
		m.logger.WithError(err).Error("failed to persist retiring keyset", "keyset_id", retiring.ID)
	}

	amount, err := m.resolvePayout(ctx, trigger)
	if err != nil {
		m.mu.Lock()
		m.pending[retiring.ID] = trigger
		m.mu.Unlock()
		m.logger.WithError(err).Warn("payout amount unavailable, quantification deferred",
			"keyset_id", retiring.ID,
			"reference", trigger.Reference())
		return nil
	}

	if err := m.quantify(ctx, retiring.ID, amount); err != nil {
		m.logger.WithError(err).Error("quantification after rotation failed", "keyset_id", retiring.ID)
	}
	return nil
}

// RetryPending re-attempts quantification of keysets whose payout amount could
// not be resolved and re-persists records whose last write failed. It returns
// the number of keysets still pending.
func (m *Manager) RetryPending(ctx context.Context) int {
	m.FlushUnsaved(ctx)

	m.mu.RLock()
	work := make(map[string]PayoutTrigger, len(m.pending))
	for id, t := range m.pending {
		work[id] = t
	}
	m.mu.RUnlock()

	for id, t := range work {
		amount, err := m.resolvePayout(ctx, t)
		if err != nil {
			m.logger.WithError(err).Debug("payout still unavailable", "keyset_id", id)
			continue
		}
		if err := m.quantify(ctx, id, amount); err != nil {
			m.logger.WithError(err).Error("deferred quantification failed", "keyset_id", id)
			continue
		}
	}
	return m.PendingCount()
}

// FlushUnsaved writes the current state of every keyset whose last save failed.
// It returns the number that still could not be written.
func (m *Manager) FlushUnsaved(ctx context.Context) int {
	m.mu.RLock()
	recs := make([]*model.KeysetRecord, 0, len(m.unsaved))
	for id := range m.unsaved {
		if r, ok := m.records[id]; ok {
			recs = append(recs, r.Clone())
		}
	}
	m.mu.RUnlock()

	for _, r := range recs {
		if err := m.save(ctx, r); err != nil {
			m.logger.WithError(err).Debug("keyset still not persisted", "keyset_id", r.ID)
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.unsaved)
}

func (m *Manager) quantify(ctx context.Context, id string, payout uint64) error {
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	r, ok := m.records[id]
	if !ok || r.State != model.KeysetQuantifying {
		m.mu.Unlock()
		state := ""
		if ok {
			state = string(r.State)
		}
		return errors.New(errors.ErrorTypeInvariant, "quantify", "keyset is not QUANTIFYING").
			WithContext("keyset_id", id).
			WithContext("state", state)
	}

	var rate decimal.Decimal
	if r.Outstanding > 0 {
		rate = decimal.NewFromUint64(payout).DivRound(decimal.NewFromUint64(r.Outstanding), RatePrecision)
	}
	r.ConversionRate = &rate
	r.PayoutAmount = payout
	r.State = model.KeysetPayout
	deadline := now.Add(m.cfg.PayoutWindow)
	r.PayoutDeadline = &deadline
	if r.Outstanding == 0 {
		// Nothing to redeem.
		r.State = model.KeysetExpired
		r.ExpiredAt = &now
	}
	delete(m.pending, id)
	snapshot := r.Clone()
	m.mu.Unlock()

	m.logger.WithKeyset(id, string(snapshot.State)).Info("keyset quantified",
		"payout_amount", payout,
		"outstanding", snapshot.Outstanding,
		"conversion_rate", rate.String(),
	)
	m.logger.LogKeysetTransition(id, string(model.KeysetQuantifying), string(model.KeysetPayout))
	if snapshot.State == model.KeysetExpired {
		m.logger.LogKeysetTransition(id, string(model.KeysetPayout), string(model.KeysetExpired))
	}
	if err := m.save(ctx, snapshot); err != nil {
		// The rate is fixed in memory; FlushUnsaved writes it later.
		m.logger.WithError(err).Error("failed to persist quantified keyset", "keyset_id", id)
	}
	return nil
}

// Swap burns proofs of a PAYOUT keyset and pays out floor(rate × amount) in the
// target unit through the token engine.
func (m *Manager) Swap(ctx context.Context, req SwapRequest) (*SwapResult, error) {
	m.mu.RLock()
	r, ok := m.records[req.KeysetID]
	var rec *model.KeysetRecord
	if ok {
		rec = r.Clone()
	}
	m.mu.RUnlock()

	if !ok {
		return nil, errors.New(errors.ErrorTypeInvariant, "swap", "unknown keyset").
			WithContext("keyset_id", req.KeysetID)
	}
	if rec.State != model.KeysetPayout || rec.ConversionRate == nil {
		return nil, errors.New(errors.ErrorTypeInvariant, "swap", "keyset is not in PAYOUT").
			WithContext("keyset_id", req.KeysetID).
			WithContext("state", string(rec.State))
	}
	if len(req.Proofs) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "swap", "no proofs supplied")
	}

	var total uint64
	for i, p := range req.Proofs {
		if p.KeysetID != req.KeysetID {
			return nil, errors.New(errors.ErrorTypeValidation, "swap", "proof belongs to another keyset").
				WithContext("index", i)
		}
		if err := m.engine.VerifyAuthorization(ctx, p.LockingPubkey, p.Secret, p.Witness); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "swap", "locking proof rejected").
				WithContext("index", i)
		}
		total += p.Amount
	}
	if total > rec.Outstanding {
		return nil, errors.New(errors.ErrorTypeInvariant, "swap", "swap exceeds outstanding supply").
			WithContext("outstanding", rec.Outstanding).
			WithContext("requested", total)
	}

	target := rec.ConversionRate.Mul(decimal.NewFromUint64(total)).Floor()
	redemption, err := m.engine.Redeem(ctx, tokenengine.RedeemRequest{
		KeysetID:     req.KeysetID,
		Proofs:       req.Proofs,
		TargetAmount: target.BigInt().Uint64(),
		TargetUnit:   req.TargetUnit,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTokenEngine, "swap", "redeem failed").
			WithContext("keyset_id", req.KeysetID)
	}

	now := m.cfg.Clock.Now()
	m.mu.Lock()
	r = m.records[req.KeysetID]
	r.Outstanding -= min(total, r.Outstanding)
	expired := false
	if r.Outstanding == 0 && r.State == model.KeysetPayout {
		r.State = model.KeysetExpired
		r.ExpiredAt = &now
		expired = true
	}
	snapshot := r.Clone()
	m.mu.Unlock()

	if m.observer != nil {
		m.observer.ObserveSwap(total, redemption.Amount)
	}
	if expired {
		m.logger.LogKeysetTransition(req.KeysetID, string(model.KeysetPayout), string(model.KeysetExpired))
	}
	if err := m.save(ctx, snapshot); err != nil {
		// The engine already burned the proofs; the record catches up on the next write.
		m.logger.WithError(err).Error("failed to persist keyset after swap", "keyset_id", req.KeysetID)
	}

	return &SwapResult{
		KeysetID:     req.KeysetID,
		Burned:       total,
		TargetAmount: redemption.Amount,
		TargetUnit:   redemption.Unit,
		Rate:         *snapshot.ConversionRate,
		RedemptionID: redemption.ID,
		Expired:      expired,
	}, nil
}

// Sweep expires PAYOUT keysets whose deadline has passed and returns their ids.
func (m *Manager) Sweep(ctx context.Context) []string {
	now := m.cfg.Clock.Now()

	var expired []*model.KeysetRecord
	m.mu.Lock()
	for _, r := range m.records {
		if r.State == model.KeysetPayout && r.PayoutDeadline != nil && !now.Before(*r.PayoutDeadline) {
			r.State = model.KeysetExpired
			t := now
			r.ExpiredAt = &t
			expired = append(expired, r.Clone())
		}
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, r := range expired {
		m.logger.LogKeysetTransition(r.ID, string(model.KeysetPayout), string(model.KeysetExpired))
		if err := m.save(ctx, r); err != nil {
			m.logger.WithError(err).Error("failed to persist expired keyset", "keyset_id", r.ID)
		}
		ids = append(ids, r.ID)
	}
	return ids
}

func (m *Manager) resolvePayout(ctx context.Context, trigger PayoutTrigger) (uint64, error) {
	switch t := trigger.(type) {
	case ExternalPayment:
		return t.Amount, nil
	case BlockReward:
		if t.Amount > 0 {
			return t.Amount, nil
		}
		if m.querier == nil {
			return 0, errors.New(errors.ErrorTypeSettlement, "resolve_payout", "no settlement querier configured")
		}
		reward, err := m.querier.QueryBlockReward(ctx, t.BlockHash)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeSettlement, "resolve_payout", "block reward query failed").
				WithContext("block_hash", t.BlockHash.String())
		}
		if reward.Amount < 0 {
			return 0, fmt.Errorf("negative block reward %d", reward.Amount)
		}
		return uint64(reward.Amount), nil
	default:
		return 0, errors.New(errors.ErrorTypeValidation, "resolve_payout", "unknown payout trigger")
	}
}

// newActive generates and persists a fresh ACTIVE keyset without publishing it.
func (m *Manager) newActive(ctx context.Context) (*model.KeysetRecord, error) {
	id, err := m.engine.GenerateKeyset(ctx, m.cfg.Unit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTokenEngine, "generate_keyset", "failed to create keyset")
	}
	rec := &model.KeysetRecord{
		ID:        id,
		State:     model.KeysetActive,
		Unit:      m.cfg.Unit,
		CreatedAt: m.cfg.Clock.Now(),
	}
	if err := m.persist(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// save persists rec and tracks whether the stored copy is behind memory.
// Writes come from the single mutating goroutine, so they land in order.
func (m *Manager) save(ctx context.Context, rec *model.KeysetRecord) error {
	err := m.persist(ctx, rec)
	m.mu.Lock()
	if err != nil {
		m.unsaved[rec.ID] = struct{}{}
	} else {
		delete(m.unsaved, rec.ID)
	}
	m.mu.Unlock()
	return err
}

func (m *Manager) persist(ctx context.Context, rec *model.KeysetRecord) error {
	if err := m.store.SaveKeyset(ctx, rec); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "save_keyset", "failed to persist keyset").
			WithContext("keyset_id", rec.ID).
			WithContext("state", string(rec.State))
	}
	return nil
}

func triggerKey(source, reference string) string {
	if source == "" || reference == "" {
		return ""
	}
	return source + ":" + reference
}

func knownAmount(trigger PayoutTrigger) (uint64, bool) {
	switch t := trigger.(type) {
	case ExternalPayment:
		return t.Amount, true
	case BlockReward:
		return t.Amount, t.Amount > 0
	default:
		return 0, false
	}
}

// triggerFromRecord rebuilds the trigger of a QUANTIFYING keyset loaded from storage.
func triggerFromRecord(r *model.KeysetRecord) (PayoutTrigger, error) {
	switch r.PayoutSource {
	case model.PayoutSourceBlock:
		hash, err := chainhash.NewHashFromStr(r.PayoutReference)
		if err != nil {
			return nil, fmt.Errorf("invalid block reference %q: %w", r.PayoutReference, err)
		}
		return BlockReward{BlockHash: *hash, Amount: r.PayoutAmount}, nil
	case model.PayoutSourceExternal:
		return ExternalPayment{Amount: r.PayoutAmount, Ref: r.PayoutReference}, nil
	default:
		return nil, fmt.Errorf("unknown payout source %q", r.PayoutSource)
	}
}
