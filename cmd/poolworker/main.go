// Package main implements the poolworker service for equipool.
// One process serves stratum miners, follows the coin daemon and accounts shares.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bardlex/equipool/internal/config"
	"github.com/bardlex/equipool/internal/daemon"
	"github.com/bardlex/equipool/internal/database"
	"github.com/bardlex/equipool/internal/database/influx"
	"github.com/bardlex/equipool/internal/database/redis"
	"github.com/bardlex/equipool/internal/messaging"
	"github.com/bardlex/equipool/internal/pool"
	"github.com/bardlex/equipool/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting poolworker",
		"version", cfg.Version,
		"coin", cfg.CoinName,
		"ports", cfg.SortedPorts(),
		"daemon", cfg.DaemonAddr(),
	)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("poolworker failed")
		os.Exit(1)
	}
	logger.Info("poolworker stopped")
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpc, err := daemon.NewRPCClient(cfg.DaemonHost, cfg.DaemonPort, cfg.DaemonUser, cfg.DaemonPassword)
	if err != nil {
		return err
	}
	defer rpc.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := rpc.Ping(pingCtx); err != nil {
		logger.WithError(err).Warn("daemon did not answer ping")
	}
	pingCancel()

	stores, err := database.NewManager(ctx, storeConfig(cfg), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.WithError(err).Error("failed to close stores")
		}
	}()

	opts := pool.Options{
		Config:   cfg,
		Daemon:   rpc,
		Recorder: stores,
		Logger:   logger,
	}

	if len(cfg.KafkaBrokers) > 0 {
		codec, err := messaging.NewCodec(cfg.EventEncoding)
		if err != nil {
			return err
		}
		kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, codec, logger)
		defer func() {
			if err := kafkaClient.Close(); err != nil {
				logger.WithError(err).Error("failed to close Kafka client")
			}
		}()
		opts.Events = kafkaClient
	} else {
		logger.Warn("no Kafka brokers configured, events and ban propagation disabled")
	}

	if cfg.DaemonZMQAddr != "" {
		notifier, err := newNotifier(cfg.DaemonZMQAddr, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := notifier.Close(); err != nil {
				logger.WithError(err).Error("failed to close ZMQ socket")
			}
		}()
		opts.Notifier = notifier
	}

	p, err := pool.New(opts)
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return p.Shutdown(shutdownCtx)
}

// storeConfig selects Redis accounting and, when configured, InfluxDB metrics.
// Archiving to PostgreSQL is left to the sharearchiver.
func storeConfig(cfg *config.Config) *database.Config {
	dbConfig := &database.Config{
		Redis: &redis.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			Coin:         cfg.CoinName,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
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

func newNotifier(endpoint string, logger *log.Logger) (*daemon.ZMQNotifier, error) {
	notifier, err := daemon.NewZMQNotifier(endpoint, logger)
	if err != nil {
		return nil, err
	}
	if err := notifier.Subscribe(daemon.TopicHashBlock); err != nil {
		_ = notifier.Close()
		return nil, err
	}
	if err := notifier.Connect(); err != nil {
		_ = notifier.Close()
		return nil, err
	}
	return notifier, nil
}
