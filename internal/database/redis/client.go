// Package redis keeps per round share accounting in Redis, in the layout the
// payment processor and stats site read.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the pool
type Client struct {
	rdb  *redis.Client
	coin string
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	Coin         string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a client and pings the server
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb, coin: cfg.Coin}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// ShareRecord is what accounting needs to know about one share
type ShareRecord struct {
	Worker      string
	Difficulty  float64
	Valid       bool
	ValidBlock  bool
	Height      uint64
	BlockHash   string
	BlockReward float64
	Time        time.Time
}

// command is one Redis command of a share transaction
type command []any

// shareCommands returns the MULTI body for rec.
//
// Valid shares add their difficulty to the worker's entry in the current
// round. Every share lands in the hashrate set with a signed difficulty.
// A block closes the round by renaming it after the block height.
func shareCommands(coin string, rec ShareRecord) []command {
	var cmds []command
	stats := coin + ":stats"
	roundCurrent := coin + ":shares:roundCurrent"

	if rec.Valid {
		cmds = append(cmds,
			command{"hincrbyfloat", roundCurrent, rec.Worker, formatFloat(rec.Difficulty)},
			command{"hincrby", stats, "validShares", 1},
		)
	} else {
		cmds = append(cmds, command{"hincrby", stats, "invalidShares", 1})
	}

	diff := rec.Difficulty
	if !rec.Valid {
		diff = -diff
	}
	member := formatFloat(diff) + ":" + rec.Worker + ":" + strconv.FormatInt(rec.Time.UnixMilli(), 10)
	cmds = append(cmds, command{"zadd", coin + ":hashrate", rec.Time.Unix(), member})

	switch {
	case rec.ValidBlock:
		pending := rec.BlockHash + ":" + formatFloat(rec.BlockReward) + ":" + strconv.FormatUint(rec.Height, 10)
		cmds = append(cmds,
			command{"rename", roundCurrent, coin + ":shares:round" + strconv.FormatUint(rec.Height, 10)},
			command{"sadd", coin + ":blocksPending", pending},
			command{"hincrby", stats, "validBlocks", 1},
		)
	case rec.BlockHash != "":
		cmds = append(cmds, command{"hincrby", stats, "invalidBlocks", 1})
	}
	return cmds
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// RecordShare applies the accounting for one share in a single transaction.
func (c *Client) RecordShare(ctx context.Context, rec ShareRecord) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	cmds := shareCommands(c.coin, rec)

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, cmd := range cmds {
			pipe.Do(ctx, cmd...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record share: %w", err)
	}
	return nil
}

// Stats returns the <coin>:stats hash
func (c *Client) Stats(ctx context.Context) (map[string]string, error) {
	stats, err := c.rdb.HGetAll(ctx, c.coin+":stats").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}
