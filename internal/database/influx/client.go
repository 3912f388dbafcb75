// Package influx provides the InfluxDB client for eHash time-series data.
// It records issued quotes, keyset transitions, balances and coordinator health.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/ehash/internal/model"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		client.Close()
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close flushes pending points and closes the InfluxDB connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Errors exposes asynchronous write failures.
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Mint metrics

// WriteQuoteMetric writes an issued quote
func (c *Client) WriteQuoteMetric(q *model.MintQuote) {
	c.writeAPI.WritePoint(QuotePoint(q))
}

// WriteKeysetMetric writes the current state of a keyset
func (c *Client) WriteKeysetMetric(k *model.KeysetRecord) {
	c.writeAPI.WritePoint(KeysetPoint(k, time.Now()))
}

// Wallet metrics

// WriteBalanceMetric writes a balance snapshot
func (c *Client) WriteBalanceMetric(b *model.PerPubkeyBalance) {
	point := write.NewPoint("balances",
		map[string]string{"pubkey": b.Pubkey},
		map[string]interface{}{"amount": b.Amount},
		b.LastUpdate,
	)
	c.writeAPI.WritePoint(point)
}

// Coordinator metrics

// WriteCoordinatorStatus writes a coordinator status report
func (c *Client) WriteCoordinatorStatus(coordinator, state string, processed, rejected, discarded, dropped uint64, retryDepth int, at time.Time) {
	point := write.NewPoint("coordinator_status",
		map[string]string{"coordinator": coordinator, "state": state},
		map[string]interface{}{
			"processed":   processed,
			"rejected":    rejected,
			"discarded":   discarded,
			"dropped":     dropped,
			"retry_depth": retryDepth,
		},
		at,
	)
	c.writeAPI.WritePoint(point)
}

// QuotePoint builds the point written for an issued quote.
func QuotePoint(q *model.MintQuote) *write.Point {
	return write.NewPoint("quotes",
		map[string]string{
			"keyset_id": q.KeysetID,
			"unit":      q.Unit,
		},
		map[string]interface{}{
			"amount": q.Amount,
			"count":  1,
		},
		q.CreatedAt,
	)
}

// KeysetPoint builds the point written for a keyset state.
func KeysetPoint(k *model.KeysetRecord, at time.Time) *write.Point {
	fields := map[string]interface{}{
		"outstanding":   k.Outstanding,
		"payout_amount": k.PayoutAmount,
	}
	if k.ConversionRate != nil {
		rate, _ := k.ConversionRate.Float64()
		fields["conversion_rate"] = rate
	}
	return write.NewPoint("keysets",
		map[string]string{
			"keyset_id": k.ID,
			"state":     string(k.State),
		},
		fields,
		at,
	)
}

// Query methods

// GetIssuedTotal sums the amount issued per unit over a time window
func (c *Client) GetIssuedTotal(ctx context.Context, duration time.Duration) (map[string]uint64, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "quotes")
		|> filter(fn: (r) => r._field == "amount")
		|> group(columns: ["unit"])
		|> sum()
	`, c.bucket, duration.String())

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query issued totals: %w", err)
	}
	defer func() { _ = result.Close() }()

	totals := make(map[string]uint64)
	for result.Next() {
		record := result.Record()
		unit, _ := record.ValueByKey("unit").(string)
		switch v := record.Value().(type) {
		case uint64:
			totals[unit] = v
		case int64:
			totals[unit] = uint64(v)
		case string:
			n, err := strconv.ParseUint(v, 10, 64)
			if err == nil {
				totals[unit] = n
			}
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return totals, nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}
