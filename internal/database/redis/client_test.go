package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/ehash/internal/model"
)

func TestKeys(t *testing.T) {
	fp := chainhash.Hash{0x01}
	if got := fingerprintKey(fp); got != "ehash:fingerprint:"+fp.String() {
		t.Errorf("fingerprintKey() = %q", got)
	}
	if got := balanceKey("02ab"); got != "ehash:balance:02ab" {
		t.Errorf("balanceKey() = %q", got)
	}
	if got := creditKey(3, 17); got != "ehash:credit:3:17" {
		t.Errorf("creditKey() = %q", got)
	}
}

func TestNewClient_BadURL(t *testing.T) {
	if _, err := NewClient(&Config{URL: "http://not-redis"}); err == nil {
		t.Error("Expected error for non-redis URL")
	}
}

// Runs against a live server when EHASH_TEST_REDIS_URL is set.
func TestClient_Integration(t *testing.T) {
	url := os.Getenv("EHASH_TEST_REDIS_URL")
	if url == "" || testing.Short() {
		t.Skip("EHASH_TEST_REDIS_URL not set")
	}

	c, err := NewClient(&Config{URL: url})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer func() { _ = c.Close() }()
	c.FingerprintTTL = time.Minute

	ctx := context.Background()
	fp := chainhash.DoubleHashH([]byte(time.Now().String()))

	if seen, err := c.Seen(ctx, fp); err != nil || seen {
		t.Fatalf("Seen() = %v, %v before Mark", seen, err)
	}
	if err := c.Mark(ctx, fp); err != nil {
		t.Fatalf("Mark() error = %v", err)
	}
	if seen, err := c.Seen(ctx, fp); err != nil || !seen {
		t.Errorf("Seen() = %v, %v after Mark", seen, err)
	}

	channel := uint32(time.Now().UnixNano())
	if seen, err := c.SeenShare(ctx, channel, 1); err != nil || seen {
		t.Fatalf("SeenShare() = %v, %v before MarkShare", seen, err)
	}
	if err := c.MarkShare(ctx, channel, 1); err != nil {
		t.Fatalf("MarkShare() error = %v", err)
	}
	if seen, err := c.SeenShare(ctx, channel, 1); err != nil || !seen {
		t.Errorf("SeenShare() = %v, %v after MarkShare", seen, err)
	}

	b := &model.PerPubkeyBalance{Pubkey: fp.String(), Amount: 42, LastUpdate: time.Now().UTC()}
	if err := c.CacheBalance(ctx, b, time.Minute); err != nil {
		t.Fatalf("CacheBalance() error = %v", err)
	}
	got, err := c.GetBalance(ctx, b.Pubkey)
	if err != nil || got.Amount != 42 {
		t.Errorf("GetBalance() = %+v, %v", got, err)
	}
	if _, err := c.GetBalance(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
