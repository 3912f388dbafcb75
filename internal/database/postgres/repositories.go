package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/bardlex/ehash/internal/model"
)

// QuoteRepository handles mint quote operations
type QuoteRepository struct {
	db *sql.DB
}

// NewQuoteRepository creates a new quote repository
func NewQuoteRepository(db *sql.DB) *QuoteRepository {
	return &QuoteRepository{db: db}
}

// SaveQuote inserts a quote, or updates its state if it already exists
func (r *QuoteRepository) SaveQuote(ctx context.Context, q *model.MintQuote) error {
	query := `
		INSERT INTO mint_quotes (id, state, amount, unit, locking_pubkey, audit_reference, keyset_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state`

	_, err := r.db.ExecContext(ctx, query,
		q.ID, string(q.State), numeric(q.Amount), q.Unit,
		q.LockingPubkey[:], q.AuditReference[:], q.KeysetID, q.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save quote: %w", err)
	}
	return nil
}

// GetQuote retrieves a quote by ID
func (r *QuoteRepository) GetQuote(ctx context.Context, id string) (*model.MintQuote, error) {
	query := `
		SELECT id, state, amount, unit, locking_pubkey, audit_reference, keyset_id, created_at
		FROM mint_quotes WHERE id = $1`

	q, err := scanQuote(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("quote %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get quote: %w", err)
	}
	return q, nil
}

// UpdateQuoteState changes the state of a quote
func (r *QuoteRepository) UpdateQuoteState(ctx context.Context, id string, state model.QuoteState) error {
	res, err := r.db.ExecContext(ctx, `UPDATE mint_quotes SET state = $1 WHERE id = $2`, string(state), id)
	if err != nil {
		return fmt.Errorf("failed to update quote state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("quote %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// QuotesByPubkey retrieves the quotes locked to a pubkey, oldest first
func (r *QuoteRepository) QuotesByPubkey(ctx context.Context, pk model.PubKey) ([]*model.MintQuote, error) {
	query := `
		SELECT id, state, amount, unit, locking_pubkey, audit_reference, keyset_id, created_at
		FROM mint_quotes WHERE locking_pubkey = $1
		ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, pk[:])
	if err != nil {
		return nil, fmt.Errorf("failed to query quotes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var quotes []*model.MintQuote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quote: %w", err)
		}
		quotes = append(quotes, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating quotes: %w", err)
	}
	return quotes, nil
}

// KeysetRepository handles keyset record operations
type KeysetRepository struct {
	db *sql.DB
}

// NewKeysetRepository creates a new keyset repository
func NewKeysetRepository(db *sql.DB) *KeysetRepository {
	return &KeysetRepository{db: db}
}

// SaveKeyset inserts or replaces a keyset record
func (r *KeysetRepository) SaveKeyset(ctx context.Context, k *model.KeysetRecord) error {
	query := `
		INSERT INTO keysets (id, state, unit, created_at, conversion_rate, payout_amount, outstanding,
			payout_deadline, expired_at, payout_source, payout_reference)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			conversion_rate = EXCLUDED.conversion_rate,
			payout_amount = EXCLUDED.payout_amount,
			outstanding = EXCLUDED.outstanding,
			payout_deadline = EXCLUDED.payout_deadline,
			expired_at = EXCLUDED.expired_at,
			payout_source = EXCLUDED.payout_source,
			payout_reference = EXCLUDED.payout_reference`

	rate := decimal.NullDecimal{}
	if k.ConversionRate != nil {
		rate = decimal.NewNullDecimal(*k.ConversionRate)
	}

	_, err := r.db.ExecContext(ctx, query,
		k.ID, string(k.State), k.Unit, k.CreatedAt, rate,
		numeric(k.PayoutAmount), numeric(k.Outstanding),
		nullTime(k.PayoutDeadline), nullTime(k.ExpiredAt),
		k.PayoutSource, k.PayoutReference,
	)
	if err != nil {
		return fmt.Errorf("failed to save keyset: %w", err)
	}
	return nil
}

// ListKeysets retrieves every keyset record
func (r *KeysetRepository) ListKeysets(ctx context.Context) ([]*model.KeysetRecord, error) {
	query := `
		SELECT id, state, unit, created_at, conversion_rate, payout_amount, outstanding,
			payout_deadline, expired_at, payout_source, payout_reference
		FROM keysets ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query keysets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keysets []*model.KeysetRecord
	for rows.Next() {
		var (
			k                   model.KeysetRecord
			state               string
			rate                decimal.NullDecimal
			payout, outstanding decimal.Decimal
			deadline, expired   sql.NullTime
		)
		if err := rows.Scan(&k.ID, &state, &k.Unit, &k.CreatedAt, &rate, &payout, &outstanding, &deadline, &expired,
			&k.PayoutSource, &k.PayoutReference); err != nil {
			return nil, fmt.Errorf("failed to scan keyset: %w", err)
		}
		k.State = model.KeysetState(state)
		if rate.Valid {
			d := rate.Decimal
			k.ConversionRate = &d
		}
		if k.PayoutAmount, err = toUint64(payout); err != nil {
			return nil, fmt.Errorf("keyset %s payout: %w", k.ID, err)
		}
		if k.Outstanding, err = toUint64(outstanding); err != nil {
			return nil, fmt.Errorf("keyset %s outstanding: %w", k.ID, err)
		}
		k.PayoutDeadline = timePtr(deadline)
		k.ExpiredAt = timePtr(expired)
		keysets = append(keysets, &k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keysets: %w", err)
	}
	return keysets, nil
}

// BalanceRepository handles per-pubkey balance operations
type BalanceRepository struct {
	db *sql.DB
}

// NewBalanceRepository creates a new balance repository
func NewBalanceRepository(db *sql.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

// SaveBalance upserts a balance
func (r *BalanceRepository) SaveBalance(ctx context.Context, b *model.PerPubkeyBalance) error {
	query := `
		INSERT INTO pubkey_balances (pubkey, amount, last_update)
		VALUES ($1, $2, $3)
		ON CONFLICT (pubkey) DO UPDATE SET amount = EXCLUDED.amount, last_update = EXCLUDED.last_update`

	if _, err := r.db.ExecContext(ctx, query, b.Pubkey, numeric(b.Amount), b.LastUpdate); err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return nil
}

// ListBalances retrieves every balance
func (r *BalanceRepository) ListBalances(ctx context.Context) ([]*model.PerPubkeyBalance, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT pubkey, amount, last_update FROM pubkey_balances`)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var balances []*model.PerPubkeyBalance
	for rows.Next() {
		var (
			b      model.PerPubkeyBalance
			amount decimal.Decimal
		)
		if err := rows.Scan(&b.Pubkey, &amount, &b.LastUpdate); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		if b.Amount, err = toUint64(amount); err != nil {
			return nil, fmt.Errorf("balance %s: %w", b.Pubkey, err)
		}
		balances = append(balances, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating balances: %w", err)
	}
	return balances, nil
}

// ChannelStatsRepository handles per-channel statistics
type ChannelStatsRepository struct {
	db *sql.DB
}

// NewChannelStatsRepository creates a new channel stats repository
func NewChannelStatsRepository(db *sql.DB) *ChannelStatsRepository {
	return &ChannelStatsRepository{db: db}
}

// SaveChannelStats upserts the stats of one channel
func (r *ChannelStatsRepository) SaveChannelStats(ctx context.Context, cs *model.ChannelStats) error {
	query := `
		INSERT INTO channel_stats (channel_id, share_count, total_tokens, last_activity)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel_id) DO UPDATE SET
			share_count = EXCLUDED.share_count,
			total_tokens = EXCLUDED.total_tokens,
			last_activity = EXCLUDED.last_activity`

	_, err := r.db.ExecContext(ctx, query,
		int64(cs.ChannelID), numeric(cs.ShareCount), numeric(cs.TotalTokens), cs.LastActivity)
	if err != nil {
		return fmt.Errorf("failed to save channel stats: %w", err)
	}
	return nil
}

// ListChannelStats retrieves the stats of every channel
func (r *ChannelStatsRepository) ListChannelStats(ctx context.Context) ([]*model.ChannelStats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT channel_id, share_count, total_tokens, last_activity FROM channel_stats`)
	if err != nil {
		return nil, fmt.Errorf("failed to query channel stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []*model.ChannelStats
	for rows.Next() {
		var (
			cs            model.ChannelStats
			channelID     int64
			shares, total decimal.Decimal
		)
		if err := rows.Scan(&channelID, &shares, &total, &cs.LastActivity); err != nil {
			return nil, fmt.Errorf("failed to scan channel stats: %w", err)
		}
		cs.ChannelID = uint32(channelID)
		if cs.ShareCount, err = toUint64(shares); err != nil {
			return nil, fmt.Errorf("channel %d share count: %w", channelID, err)
		}
		if cs.TotalTokens, err = toUint64(total); err != nil {
			return nil, fmt.Errorf("channel %d total tokens: %w", channelID, err)
		}
		stats = append(stats, &cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channel stats: %w", err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuote(row rowScanner) (*model.MintQuote, error) {
	var (
		q        model.MintQuote
		state    string
		amount   decimal.Decimal
		pubkey   []byte
		auditRef []byte
	)
	if err := row.Scan(&q.ID, &state, &amount, &q.Unit, &pubkey, &auditRef, &q.KeysetID, &q.CreatedAt); err != nil {
		return nil, err
	}
	q.State = model.QuoteState(state)

	var err error
	if q.Amount, err = toUint64(amount); err != nil {
		return nil, fmt.Errorf("quote %s amount: %w", q.ID, err)
	}
	if len(pubkey) != len(q.LockingPubkey) {
		return nil, fmt.Errorf("quote %s: locking pubkey has %d bytes", q.ID, len(pubkey))
	}
	copy(q.LockingPubkey[:], pubkey)
	if len(auditRef) != len(q.AuditReference) {
		return nil, fmt.Errorf("quote %s: audit reference has %d bytes", q.ID, len(auditRef))
	}
	copy(q.AuditReference[:], auditRef)
	return &q, nil
}
