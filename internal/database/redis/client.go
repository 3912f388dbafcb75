// Package redis provides the Redis client used by the eHash coordinators.
// It remembers minted share fingerprints across restarts and caches
// per-pubkey balances for readers outside the service.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/redis/go-redis/v9"

	"github.com/bardlex/ehash/internal/model"
)

// Client wraps Redis operations for the mint and wallet
type Client struct {
	rdb *redis.Client
	// FingerprintTTL bounds how long minted fingerprints and credited shares are remembered.
	FingerprintTTL time.Duration
}

// Config holds Redis connection configuration
type Config struct {
	// URL is a redis:// connection string. When set, Addr, Password and DB are ignored.
	URL          string
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultFingerprintTTL keeps fingerprints well past any share's validity window.
const DefaultFingerprintTTL = 7 * 24 * time.Hour

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		opts = parsed
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.MaxRetries = cfg.MaxRetries
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return NewFromRedis(rdb), nil
}

// NewFromRedis wraps an existing go-redis client.
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb, FingerprintTTL: DefaultFingerprintTTL}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Share fingerprints

func fingerprintKey(fp chainhash.Hash) string {
	return fmt.Sprintf("ehash:fingerprint:%s", fp.String())
}

// Seen reports whether a share fingerprint was already minted
func (c *Client) Seen(ctx context.Context, fp chainhash.Hash) (bool, error) {
	n, err := c.rdb.Exists(ctx, fingerprintKey(fp)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check fingerprint: %w", err)
	}
	return n > 0, nil
}

// Mark records a share fingerprint as minted
func (c *Client) Mark(ctx context.Context, fp chainhash.Hash) error {
	if err := c.rdb.SetNX(ctx, fingerprintKey(fp), 1, c.FingerprintTTL).Err(); err != nil {
		return fmt.Errorf("failed to mark fingerprint: %w", err)
	}
	return nil
}

// Credited shares

func creditKey(channelID, sequence uint32) string {
	return fmt.Sprintf("ehash:credit:%d:%d", channelID, sequence)
}

// SeenShare reports whether an accepted share was already credited
func (c *Client) SeenShare(ctx context.Context, channelID, sequence uint32) (bool, error) {
	n, err := c.rdb.Exists(ctx, creditKey(channelID, sequence)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check credited share: %w", err)
	}
	return n > 0, nil
}

// MarkShare records an accepted share as credited
func (c *Client) MarkShare(ctx context.Context, channelID, sequence uint32) error {
	if err := c.rdb.SetNX(ctx, creditKey(channelID, sequence), 1, c.FingerprintTTL).Err(); err != nil {
		return fmt.Errorf("failed to mark credited share: %w", err)
	}
	return nil
}

// Balance cache

func balanceKey(pubkey string) string {
	return fmt.Sprintf("ehash:balance:%s", pubkey)
}

// CacheBalance stores a balance snapshot with expiration
func (c *Client) CacheBalance(ctx context.Context, b *model.PerPubkeyBalance, expiration time.Duration) error {
	jsonData, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal balance: %w", err)
	}

	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, balanceKey(b.Pubkey), jsonData, expiration)
	pipe.ZAdd(ctx, "ehash:balances", redis.Z{Score: float64(b.Amount), Member: b.Pubkey})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache balance: %w", err)
	}
	return nil
}

// GetBalance retrieves a cached balance
func (c *Client) GetBalance(ctx context.Context, pubkey string) (*model.PerPubkeyBalance, error) {
	jsonData, err := c.rdb.Get(ctx, balanceKey(pubkey)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("balance %s: %w", pubkey, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	var b model.PerPubkeyBalance
	if err := json.Unmarshal([]byte(jsonData), &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal balance: %w", err)
	}
	return &b, nil
}

// TopBalances returns the pubkeys with the largest cached balances
func (c *Client) TopBalances(ctx context.Context, n int64) ([]string, error) {
	keys, err := c.rdb.ZRevRange(ctx, "ehash:balances", 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get top balances: %w", err)
	}
	return keys, nil
}
