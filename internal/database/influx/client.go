// Package influx writes share, block and pool metrics to InfluxDB.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps the non-blocking InfluxDB write API
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	coin     string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	Coin   string
}

// NewClient creates a client and checks server health
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		coin:     cfg.Coin,
	}, nil
}

// Errors exposes asynchronous write failures
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Close flushes pending points and closes the client
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// ShareMetric describes one share for the shares measurement
type ShareMetric struct {
	Worker     string
	Port       int
	Valid      bool
	Block      bool
	Difficulty float64
	ShareDiff  float64
	BlockDiff  float64
	Time       time.Time
}

// WriteShare queues a share point
func (c *Client) WriteShare(m ShareMetric) {
	c.writeAPI.WritePoint(sharePoint(c.coin, m))
}

func sharePoint(coin string, m ShareMetric) *write.Point {
	tags := map[string]string{
		"coin":   coin,
		"worker": m.Worker,
		"port":   strconv.Itoa(m.Port),
		"valid":  strconv.FormatBool(m.Valid),
		"block":  strconv.FormatBool(m.Block),
	}
	fields := map[string]any{
		"difficulty": m.Difficulty,
		"share_diff": m.ShareDiff,
		"block_diff": m.BlockDiff,
		"count":      1,
	}
	return write.NewPoint("shares", tags, fields, m.Time)
}

// BlockMetric describes a found block
type BlockMetric struct {
	Height     uint64
	Hash       string
	Worker     string
	Status     string
	Difficulty float64
	Reward     float64
	Time       time.Time
}

// WriteBlock queues a block point
func (c *Client) WriteBlock(m BlockMetric) {
	c.writeAPI.WritePoint(blockPoint(c.coin, m))
}

func blockPoint(coin string, m BlockMetric) *write.Point {
	tags := map[string]string{
		"coin":   coin,
		"status": m.Status,
		"worker": m.Worker,
	}
	fields := map[string]any{
		"height":     m.Height,
		"hash":       m.Hash,
		"difficulty": m.Difficulty,
		"reward":     m.Reward,
		"count":      1,
	}
	return write.NewPoint("blocks", tags, fields, m.Time)
}

// WritePoolStats queues a snapshot of one pool worker
func (c *Client) WritePoolStats(instance string, clients int, validShares, invalidShares, bans int64) {
	c.writeAPI.WritePoint(poolStatsPoint(c.coin, instance, clients, validShares, invalidShares, bans, time.Now()))
}

func poolStatsPoint(coin, instance string, clients int, validShares, invalidShares, bans int64, at time.Time) *write.Point {
	tags := map[string]string{
		"coin":     coin,
		"instance": instance,
	}
	fields := map[string]any{
		"clients":        clients,
		"valid_shares":   validShares,
		"invalid_shares": invalidShares,
		"bans":           bans,
	}
	return write.NewPoint("pool_stats", tags, fields, at)
}
