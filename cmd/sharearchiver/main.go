// Package main implements the sharearchiver service for equipool.
// It consumes share and block events from Kafka and stores them in
// PostgreSQL, with found blocks also written to InfluxDB.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/equipool/internal/config"
	"github.com/bardlex/equipool/internal/database"
	"github.com/bardlex/equipool/internal/database/influx"
	"github.com/bardlex/equipool/internal/database/postgres"
	"github.com/bardlex/equipool/internal/messaging"
	"github.com/bardlex/equipool/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting sharearchiver",
		"version", cfg.Version,
		"coin", cfg.CoinName,
		"concurrency", cfg.ArchiveConcurrency,
	)

	if cfg.PostgresURL == "" {
		logger.Error("POSTGRES_URL is required")
		os.Exit(1)
	}
	if len(cfg.KafkaBrokers) == 0 {
		logger.Error("KAFKA_BROKERS is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, err := database.NewManager(ctx, storeConfig(cfg), logger)
	if err != nil {
		logger.WithError(err).Error("failed to create database manager")
		os.Exit(1)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.WithError(err).Error("failed to close stores")
		}
	}()

	codec, err := messaging.NewCodec(cfg.EventEncoding)
	if err != nil {
		logger.WithError(err).Error("invalid event encoding")
		os.Exit(1)
	}
	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, codec, logger)
	defer func() {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Error("failed to close Kafka client")
		}
	}()

	archiver := NewArchiver(cfg, logger, kafkaClient, stores)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		archiver.Run(ctx)
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-done:
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Error("shutdown timeout exceeded")
		os.Exit(1)
	}

	logger.Info("sharearchiver stopped")
}

// storeConfig archives to PostgreSQL and, when configured, InfluxDB.
// Redis accounting happens in the pool workers.
func storeConfig(cfg *config.Config) *database.Config {
	dbConfig := &database.Config{
		Postgres: &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: cfg.ArchiveConcurrency + 2,
			MaxIdleConns: cfg.ArchiveConcurrency,
			MaxLifetime:  5 * time.Minute,
		},
	}
	if cfg.InfluxURL != "" {
		dbConfig.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
			Coin:   cfg.CoinName,
		}
	}
	return dbConfig
}

// eventSource is the part of the Kafka client the archiver reads from
type eventSource interface {
	Consume(ctx context.Context, topic, groupID string, handler messaging.HandlerFunc) error
	Decode(data []byte, v any) error
}

// archiveStore receives decoded events
type archiveStore interface {
	ArchiveShare(ctx context.Context, share *messaging.ShareMessage) error
	ArchiveBlock(ctx context.Context, block *messaging.BlockMessage) error
}

// Archiver stores share and block events with bounded concurrency
type Archiver struct {
	cfg    *config.Config
	logger *log.Logger
	events eventSource
	store  archiveStore
	swg    sizedwaitgroup.SizedWaitGroup
}

// NewArchiver creates an archiver
func NewArchiver(cfg *config.Config, logger *log.Logger, events eventSource, store archiveStore) *Archiver {
	limit := cfg.ArchiveConcurrency
	if limit <= 0 {
		limit = 1
	}
	return &Archiver{
		cfg:    cfg,
		logger: logger.WithComponent("archiver"),
		events: events,
		store:  store,
		swg:    sizedwaitgroup.New(limit),
	}
}

// Run consumes both topics until ctx is cancelled, then waits for in flight
// writes.
func (a *Archiver) Run(ctx context.Context) {
	groupID := a.cfg.KafkaGroupID + "-archiver"

	var wg sync.WaitGroup
	for topic, handler := range map[string]messaging.HandlerFunc{
		messaging.TopicShares: a.handleShare,
		messaging.TopicBlocks: a.handleBlock,
	} {
		topic, handler := topic, handler
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.events.Consume(ctx, topic, groupID, handler); err != nil && ctx.Err() == nil {
				a.logger.WithError(err).Error("consumer stopped", "topic", topic)
			}
		}()
	}
	wg.Wait()
	a.swg.Wait()
}

// dispatch runs fn once a concurrency slot is free. Writes outlive the
// consumer context so a shutdown does not abort them halfway.
func (a *Archiver) dispatch(ctx context.Context, fn func(ctx context.Context) error) {
	a.swg.Add()
	go func() {
		defer a.swg.Done()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := fn(writeCtx); err != nil {
			a.logger.WithError(err).Error("failed to archive event")
		}
	}()
}

func (a *Archiver) handleShare(ctx context.Context, _ string, value []byte) error {
	var share messaging.ShareMessage
	if err := a.events.Decode(value, &share); err != nil {
		return err
	}
	a.dispatch(ctx, func(ctx context.Context) error {
		return a.store.ArchiveShare(ctx, &share)
	})
	return nil
}

func (a *Archiver) handleBlock(ctx context.Context, _ string, value []byte) error {
	var block messaging.BlockMessage
	if err := a.events.Decode(value, &block); err != nil {
		return err
	}
	a.logger.LogBlockFound(block.BlockHash, block.Height, block.Worker, block.Reward, block.Accepted)
	a.dispatch(ctx, func(ctx context.Context) error {
		return a.store.ArchiveBlock(ctx, &block)
	})
	return nil
}
