// Package database coordinates share accounting in Redis, the PostgreSQL
// archive and InfluxDB metrics. Every store is optional.
package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bardlex/equipool/internal/database/influx"
	"github.com/bardlex/equipool/internal/database/postgres"
	"github.com/bardlex/equipool/internal/database/redis"
	"github.com/bardlex/equipool/internal/messaging"
	"github.com/bardlex/equipool/pkg/circuit"
	"github.com/bardlex/equipool/pkg/errors"
	"github.com/bardlex/equipool/pkg/log"
	"github.com/bardlex/equipool/pkg/retry"
)

// Accounting records shares for payouts
type Accounting interface {
	RecordShare(ctx context.Context, rec redis.ShareRecord) error
	Stats(ctx context.Context) (map[string]string, error)
}

// Archive stores share and block rows
type Archive interface {
	CreateShare(ctx context.Context, s *postgres.Share) error
	CreateBlock(ctx context.Context, b *postgres.Block) error
}

// Metrics receives time series points
type Metrics interface {
	WriteShare(m influx.ShareMetric)
	WriteBlock(m influx.BlockMetric)
	WritePoolStats(instance string, clients int, validShares, invalidShares, bans int64)
}

// Manager fans pool events out to the configured stores
type Manager struct {
	Accounting Accounting
	Archive    Archive
	Metrics    Metrics

	closers        []func() error
	logger         *log.Logger
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config selects and configures the stores. A nil entry disables that store.
type Config struct {
	Redis    *redis.Config
	Postgres *postgres.Config
	Influx   *influx.Config
}

// NewManager connects every configured store
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	m := newManager(logger)

	if cfg.Redis != nil {
		rc, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis")
		}
		m.Accounting = rc
		m.closers = append(m.closers, rc.Close)
	}

	if cfg.Postgres != nil {
		pg, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			_ = m.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL")
		}
		m.closers = append(m.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			_ = m.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_migrate",
				"failed to prepare archive tables")
		}
		m.Archive = &pgArchive{
			shares: postgres.NewShareRepository(pg.DB()),
			blocks: postgres.NewBlockRepository(pg.DB()),
		}
	}

	if cfg.Influx != nil {
		ic, err := influx.NewClient(cfg.Influx)
		if err != nil {
			_ = m.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB")
		}
		m.Metrics = ic
		m.closers = append(m.closers, func() error { ic.Close(); return nil })

		go func() {
			for err := range ic.Errors() {
				m.logger.WithError(err).Warn("influx write failed")
			}
		}()
	}

	return m, nil
}

func newManager(logger *log.Logger) *Manager {
	return &Manager{
		logger: logger.WithComponent("database"),
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "database",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.StoreConfig(),
	}
}

type pgArchive struct {
	shares *postgres.ShareRepository
	blocks *postgres.BlockRepository
}

func (a *pgArchive) CreateShare(ctx context.Context, s *postgres.Share) error {
	return a.shares.CreateShare(ctx, s)
}

func (a *pgArchive) CreateBlock(ctx context.Context, b *postgres.Block) error {
	return a.blocks.CreateBlock(ctx, b)
}

// Close closes every store, returning the last error
func (m *Manager) Close() error {
	var lastErr error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil {
			m.logger.WithError(err).Error("failed to close store")
			lastErr = err
		}
	}
	m.closers = nil
	return lastErr
}

// RecordShare runs share accounting and queues the share metric. Accounting
// failures are returned; metrics are best effort.
func (m *Manager) RecordShare(ctx context.Context, share *messaging.ShareMessage) error {
	if m.Metrics != nil {
		m.Metrics.WriteShare(influx.ShareMetric{
			Worker:     share.Worker,
			Port:       share.Port,
			Valid:      share.Valid,
			Block:      share.ValidBlock,
			Difficulty: share.Difficulty,
			ShareDiff:  share.ShareDiff,
			BlockDiff:  share.BlockDiff,
			Time:       share.SubmittedAt,
		})
	}
	if m.Accounting == nil {
		return nil
	}

	rec := redis.ShareRecord{
		Worker:      share.Worker,
		Difficulty:  share.Difficulty,
		Valid:       share.Valid,
		ValidBlock:  share.ValidBlock,
		Height:      share.Height,
		BlockHash:   share.BlockHash,
		BlockReward: share.BlockReward,
		Time:        share.SubmittedAt,
	}
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Accounting.RecordShare(ctx, rec); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_share",
					"failed to record share in Redis").
					WithContext("worker", share.Worker).
					WithContext("height", share.Height)
			}
			return nil
		})
	})
}

// ArchiveShare stores a share row
func (m *Manager) ArchiveShare(ctx context.Context, share *messaging.ShareMessage) error {
	if m.Archive == nil {
		return nil
	}
	row := &postgres.Share{
		Coin:        share.Coin,
		InstanceID:  share.InstanceID,
		JobID:       share.JobID,
		Worker:      share.Worker,
		IP:          share.IP,
		Port:        share.Port,
		Height:      share.Height,
		Difficulty:  share.Difficulty,
		ShareDiff:   share.ShareDiff,
		IsValid:     share.Valid,
		IsBlock:     share.ValidBlock,
		Error:       share.Error,
		SubmittedAt: share.SubmittedAt,
	}
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Archive.CreateShare(ctx, row); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "archive_share",
					"failed to store share in PostgreSQL").
					WithContext("worker", share.Worker).
					WithContext("job_id", share.JobID)
			}
			return nil
		})
	})
}

// ArchiveBlock stores a block row and queues the block metric
func (m *Manager) ArchiveBlock(ctx context.Context, block *messaging.BlockMessage) error {
	status := postgres.BlockStatusPending
	if !block.Accepted {
		status = postgres.BlockStatusRejected
	}

	if m.Metrics != nil {
		m.Metrics.WriteBlock(influx.BlockMetric{
			Height:     block.Height,
			Hash:       block.BlockHash,
			Worker:     block.Worker,
			Status:     status,
			Difficulty: block.Difficulty,
			Reward:     block.Reward,
			Time:       block.FoundAt,
		})
	}
	if m.Archive == nil {
		return nil
	}

	row := &postgres.Block{
		Coin:       block.Coin,
		Height:     block.Height,
		Hash:       block.BlockHash,
		HeaderHash: block.HeaderHash,
		Worker:     block.Worker,
		Reward:     block.Reward,
		Difficulty: block.Difficulty,
		Status:     status,
		FoundAt:    block.FoundAt,
	}
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Archive.CreateBlock(ctx, row); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "archive_block",
					"failed to store block in PostgreSQL").
					WithContext("block_hash", block.BlockHash).
					WithContext("height", block.Height)
			}
			return nil
		})
	})
}

// WritePoolStats reads the accounting counters and queues a pool snapshot
func (m *Manager) WritePoolStats(ctx context.Context, instanceID uint32, clients int, bans int) {
	if m.Metrics == nil {
		return
	}
	var valid, invalid int64
	if m.Accounting != nil {
		stats, err := m.Accounting.Stats(ctx)
		if err != nil {
			m.logger.WithError(err).Warn("failed to read share stats")
		}
		valid, _ = strconv.ParseInt(stats["validShares"], 10, 64)
		invalid, _ = strconv.ParseInt(stats["invalidShares"], 10, 64)
	}
	m.Metrics.WritePoolStats(fmt.Sprint(instanceID), clients, valid, invalid, int64(bans))
}
