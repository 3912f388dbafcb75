// Package memory provides an in-process implementation of every store the
// coordinators persist to. It backs the service when no Postgres URL is
// configured and serves as the reference behaviour in tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/bardlex/ehash/internal/model"
)

// Store keeps quotes, keysets, balances and channel stats in maps.
type Store struct {
	mu       sync.RWMutex
	quotes   map[string]*model.MintQuote
	keysets  map[string]*model.KeysetRecord
	balances map[string]*model.PerPubkeyBalance
	channels map[uint32]*model.ChannelStats
}

// New creates an empty store.
func New() *Store {
	return &Store{
		quotes:   make(map[string]*model.MintQuote),
		keysets:  make(map[string]*model.KeysetRecord),
		balances: make(map[string]*model.PerPubkeyBalance),
		channels: make(map[uint32]*model.ChannelStats),
	}
}

// SaveQuote inserts or replaces a quote.
func (s *Store) SaveQuote(_ context.Context, q *model.MintQuote) error {
	cp := *q
	s.mu.Lock()
	s.quotes[q.ID] = &cp
	s.mu.Unlock()
	return nil
}

// GetQuote returns a copy of the quote with id.
func (s *Store) GetQuote(_ context.Context, id string) (*model.MintQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *q
	return &cp, nil
}

// UpdateQuoteState changes the state of an existing quote.
func (s *Store) UpdateQuoteState(_ context.Context, id string, state model.QuoteState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[id]
	if !ok {
		return model.ErrNotFound
	}
	q.State = state
	return nil
}

// QuotesByPubkey returns the quotes locked to pk, oldest first.
func (s *Store) QuotesByPubkey(_ context.Context, pk model.PubKey) ([]*model.MintQuote, error) {
	s.mu.RLock()
	var out []*model.MintQuote
	for _, q := range s.quotes {
		if q.LockingPubkey == pk {
			cp := *q
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveKeyset inserts or replaces a keyset record.
func (s *Store) SaveKeyset(_ context.Context, rec *model.KeysetRecord) error {
	s.mu.Lock()
	s.keysets[rec.ID] = rec.Clone()
	s.mu.Unlock()
	return nil
}

// ListKeysets returns copies of all keyset records.
func (s *Store) ListKeysets(_ context.Context) ([]*model.KeysetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.KeysetRecord, 0, len(s.keysets))
	for _, r := range s.keysets {
		out = append(out, r.Clone())
	}
	return out, nil
}

// SaveBalance inserts or replaces a balance.
func (s *Store) SaveBalance(_ context.Context, b *model.PerPubkeyBalance) error {
	cp := *b
	s.mu.Lock()
	s.balances[b.Pubkey] = &cp
	s.mu.Unlock()
	return nil
}

// ListBalances returns copies of all balances.
func (s *Store) ListBalances(_ context.Context) ([]*model.PerPubkeyBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.PerPubkeyBalance, 0, len(s.balances))
	for _, b := range s.balances {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

// SaveChannelStats inserts or replaces the stats of one channel.
func (s *Store) SaveChannelStats(_ context.Context, cs *model.ChannelStats) error {
	cp := *cs
	s.mu.Lock()
	s.channels[cs.ChannelID] = &cp
	s.mu.Unlock()
	return nil
}

// ListChannelStats returns copies of all channel stats.
func (s *Store) ListChannelStats(_ context.Context) ([]*model.ChannelStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.ChannelStats, 0, len(s.channels))
	for _, cs := range s.channels {
		cp := *cs
		out = append(out, &cp)
	}
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }
