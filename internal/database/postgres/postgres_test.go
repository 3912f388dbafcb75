package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bardlex/ehash/internal/model"
)

func TestToUint64(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0", 0, false},
		{"256", 256, false},
		{"9223372036854775808", 1 << 63, false},
		{"18446744073709551615", 1<<64 - 1, false},
		{"18446744073709551616", 0, true},
		{"-1", 0, true},
		{"1.5", 0, true},
	}

	for _, tt := range tests {
		got, err := toUint64(decimal.RequireFromString(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("toUint64(%s) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("toUint64(%s) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNullTime(t *testing.T) {
	if nullTime(nil).Valid {
		t.Error("Expected nil time to be NULL")
	}
	now := time.Now()
	nt := nullTime(&now)
	if !nt.Valid || !nt.Time.Equal(now) {
		t.Errorf("Unexpected NullTime %+v", nt)
	}
	if timePtr(sql.NullTime{}) != nil {
		t.Error("Expected NULL to map to nil")
	}
	if p := timePtr(nt); p == nil || !p.Equal(now) {
		t.Errorf("Unexpected round trip %v", p)
	}
}

func TestConfig_DSN(t *testing.T) {
	cfg := &Config{Host: "db", Port: 5432, Database: "ehash", User: "mint", Password: "pw"}
	want := "host=db port=5432 dbname=ehash user=mint password=pw sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}

	cfg.URL = "postgres://mint@db/ehash"
	if got := cfg.DSN(); got != cfg.URL {
		t.Errorf("Expected URL to take precedence, got %q", got)
	}
}

// Runs against a live database when EHASH_TEST_POSTGRES_URL is set.
func TestStore_Integration(t *testing.T) {
	url := os.Getenv("EHASH_TEST_POSTGRES_URL")
	if url == "" || testing.Short() {
		t.Skip("EHASH_TEST_POSTGRES_URL not set")
	}

	client, err := NewClient(&Config{URL: url, MaxOpenConns: 2})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	if err := client.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	store := NewStore(client)

	pk := model.PubKey{0x02, 0xee}
	q := &model.MintQuote{
		ID:            uuid.NewString(),
		State:         model.QuoteStatePaid,
		Amount:        1 << 63,
		Unit:          model.DefaultUnit,
		LockingPubkey: pk,
		KeysetID:      "00aabbccddeeff00",
		CreatedAt:     time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := store.SaveQuote(ctx, q); err != nil {
		t.Fatalf("SaveQuote() error = %v", err)
	}
	if err := store.UpdateQuoteState(ctx, q.ID, model.QuoteStateIssued); err != nil {
		t.Fatalf("UpdateQuoteState() error = %v", err)
	}
	got, err := store.GetQuote(ctx, q.ID)
	if err != nil {
		t.Fatalf("GetQuote() error = %v", err)
	}
	if got.Amount != q.Amount || got.State != model.QuoteStateIssued || got.LockingPubkey != pk {
		t.Errorf("Unexpected quote: %+v", got)
	}
	if _, err := store.GetQuote(ctx, uuid.NewString()); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	rate := decimal.RequireFromString("3.3333333333333333")
	deadline := time.Now().UTC().Truncate(time.Microsecond)
	ks := &model.KeysetRecord{
		ID:             "00" + uuid.NewString()[:14],
		State:          model.KeysetPayout,
		Unit:           model.DefaultUnit,
		CreatedAt:      deadline,
		ConversionRate: &rate,
		PayoutAmount:   10,
		Outstanding:    3,
		PayoutDeadline: &deadline,
	}
	if err := store.SaveKeyset(ctx, ks); err != nil {
		t.Fatalf("SaveKeyset() error = %v", err)
	}
	keysets, err := store.ListKeysets(ctx)
	if err != nil {
		t.Fatalf("ListKeysets() error = %v", err)
	}
	found := false
	for _, k := range keysets {
		if k.ID == ks.ID {
			found = true
			if k.ConversionRate == nil || !k.ConversionRate.Equal(rate) || k.ExpiredAt != nil {
				t.Errorf("Unexpected keyset: %+v", k)
			}
		}
	}
	if !found {
		t.Error("Expected saved keyset to be listed")
	}
}
