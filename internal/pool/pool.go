// Package pool wires the job manager, the stratum server, the coin daemon and
// the accounting and event sinks into one pool worker.
package pool

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bardlex/equipool/internal/config"
	"github.com/bardlex/equipool/internal/daemon"
	"github.com/bardlex/equipool/internal/jobs"
	"github.com/bardlex/equipool/internal/messaging"
	"github.com/bardlex/equipool/internal/stratum"
	"github.com/bardlex/equipool/pkg/errors"
	"github.com/bardlex/equipool/pkg/log"
)

// Daemon is the coin daemon API the pool needs
type Daemon interface {
	GetBlockTemplate(ctx context.Context) (*jobs.Template, error)
	SubmitBlock(ctx context.Context, nonce, solution, headerHash string) (bool, error)
	ValidateAddress(ctx context.Context, address string) (bool, error)
}

// Recorder accounts shares and stores pool snapshots
type Recorder interface {
	RecordShare(ctx context.Context, share *messaging.ShareMessage) error
	WritePoolStats(ctx context.Context, instanceID uint32, clients int, bans int)
}

// Events publishes pool events and consumes bans from sibling workers
type Events interface {
	Publish(ctx context.Context, topic, key string, v any) error
	Consume(ctx context.Context, topic, groupID string, handler messaging.HandlerFunc) error
	Decode(data []byte, v any) error
}

// BlockNotifier delivers raw daemon block notifications
type BlockNotifier interface {
	Listen(ctx context.Context, handler func(topic string, data []byte) error) error
}

// Options holds the collaborators of a Pool. Recorder, Events and Notifier
// are optional.
type Options struct {
	Config   *config.Config
	Daemon   Daemon
	Recorder Recorder
	Events   Events
	Notifier BlockNotifier
	Verifier jobs.PowVerifier
	Logger   *log.Logger

	// StatsInterval defaults to one minute
	StatsInterval time.Duration
}

const (
	shareQueueSize = 1024
	daemonTimeout  = 10 * time.Second
	drainTimeout   = 5 * time.Second
	defaultDiff    = 8
)

// Pool is one pool worker.
type Pool struct {
	cfg      *config.Config
	daemon   Daemon
	recorder Recorder
	events   Events
	notifier BlockNotifier
	logger   *log.Logger

	jobManager    *jobs.Manager
	server        *stratum.Server
	instanceID    uint32
	statsInterval time.Duration

	shares chan *jobs.Share

	// runCtx is the context passed to Start; callbacks from the server and
	// the job manager derive their contexts from it.
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the job manager and the stratum server. Nothing runs until Start.
func New(opts Options) (*Pool, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = log.Discard()
	}

	var poolAddress []byte
	if cfg.PoolAddress != "" {
		addr, err := hex.DecodeString(strings.TrimPrefix(cfg.PoolAddress, "0x"))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "pool_address",
				"pool address is not hex")
		}
		poolAddress = addr
	}

	recipients := make([]jobs.Recipient, 0, len(cfg.Recipients))
	for _, r := range cfg.Recipients {
		recipients = append(recipients, jobs.Recipient{Address: r.Address, Percent: r.Percent})
	}

	statsInterval := opts.StatsInterval
	if statsInterval <= 0 {
		statsInterval = time.Minute
	}

	p := &Pool{
		cfg:           cfg,
		daemon:        opts.Daemon,
		recorder:      opts.Recorder,
		events:        opts.Events,
		notifier:      opts.Notifier,
		logger:        logger.WithComponent("pool").WithFields("coin", cfg.CoinName),
		statsInterval: statsInterval,
		shares:        make(chan *jobs.Share, shareQueueSize),
		runCtx:        context.Background(),
	}

	jm, err := jobs.NewManager(jobs.Options{
		InstanceID:     cfg.InstanceID,
		PoolAddress:    poolAddress,
		RewardType:     cfg.RewardType,
		TxMessages:     cfg.TxMessages,
		Recipients:     recipients,
		JobHistorySize: cfg.JobHistorySize,
		Verifier:       opts.Verifier,
		Listener:       p,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	p.jobManager = jm
	p.instanceID = jm.ExtraNonceCounter.InstanceID()

	p.server = stratum.NewServer(stratum.Options{
		ListenAddr:            cfg.ListenAddr,
		Ports:                 cfg.SortedPorts(),
		ConnectionTimeout:     cfg.ConnectionTimeout,
		JobRebroadcastTimeout: cfg.JobRebroadcastTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		TCPProxyProtocol:      cfg.TCPProxyProtocol,
		Banning: stratum.BanningOptions{
			Enabled:        cfg.Banning.Enabled,
			Time:           cfg.Banning.Time,
			InvalidPercent: cfg.Banning.InvalidPercent,
			CheckThreshold: cfg.Banning.CheckThreshold,
			PurgeInterval:  cfg.Banning.PurgeInterval,
		},
		Logger: logger,
	}, p.authorize, p)

	return p, nil
}

// InstanceID identifies this worker in extraNonce1 values and ban messages
func (p *Pool) InstanceID() uint32 { return p.instanceID }

// JobManager exposes the job manager
func (p *Pool) JobManager() *jobs.Manager { return p.jobManager }

// Server exposes the stratum server
func (p *Pool) Server() *stratum.Server { return p.server }

// Start loads the first template, opens the stratum ports and starts the
// background loops.
func (p *Pool) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)
	p.runCtx = ctx

	if err := p.refreshTemplate(ctx, false); err != nil {
		p.cancel()
		return errors.Wrap(err, errors.ErrorTypeDaemon, "initial_template",
			"failed to load the first block template")
	}
	if job := p.jobManager.CurrentJob(); job != nil {
		p.logger.WithJob(job.JobID, job.Height()).Info("first job ready",
			"instance_id", fmt.Sprintf("%08x", p.instanceID))
	}

	p.wg.Add(1)
	go p.processShares(ctx)

	if err := p.server.Start(ctx); err != nil {
		p.cancel()
		p.wg.Wait()
		return err
	}

	if p.cfg.BlockRefreshInterval > 0 {
		p.wg.Add(1)
		go p.pollTemplates(ctx)
	}
	if p.notifier != nil {
		p.wg.Add(1)
		go p.listenBlockNotifications(ctx)
	}
	if p.events != nil {
		p.wg.Add(1)
		go p.consumeBans(ctx)
	}
	if p.recorder != nil {
		p.wg.Add(1)
		go p.reportStats(ctx)
	}
	return nil
}

// Shutdown closes the stratum server and waits for the background loops.
// Queued shares are still accounted.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down pool")
	err := p.server.Shutdown(ctx)
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// refreshTemplate fetches a template and hands it to the job manager. With
// update set, a template for the same block still replaces the current job.
func (p *Pool) refreshTemplate(ctx context.Context, update bool) error {
	ctx, cancel := context.WithTimeout(ctx, daemonTimeout)
	defer cancel()

	tpl, err := p.daemon.GetBlockTemplate(ctx)
	if err != nil {
		return err
	}
	isNew, err := p.jobManager.ProcessTemplate(tpl)
	if err != nil {
		return err
	}
	if !isNew && update {
		return p.jobManager.UpdateCurrentJob(tpl)
	}
	return nil
}

func (p *Pool) pollTemplates(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.BlockRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.refreshTemplate(ctx, false); err != nil && ctx.Err() == nil {
				p.logger.WithError(err).Error("block polling failed")
			}
		}
	}
}

func (p *Pool) listenBlockNotifications(ctx context.Context) {
	defer p.wg.Done()
	handler := daemon.NewBlockNotificationHandler(p.logger, func(blockHash string) error {
		return p.onBlockNotification(ctx, blockHash)
	})
	if err := p.notifier.Listen(ctx, handler.HandleMessage); err != nil && ctx.Err() == nil {
		p.logger.WithError(err).Error("block notifications stopped")
	}
}

// onBlockNotification refreshes unless the announced block is already the
// parent of the current job.
func (p *Pool) onBlockNotification(ctx context.Context, blockHash string) error {
	if job := p.jobManager.CurrentJob(); job != nil && sameHash(job.PrevHash(), blockHash) {
		return nil
	}
	return p.refreshTemplate(ctx, false)
}

func sameHash(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(a, "0x"), strings.TrimPrefix(b, "0x"))
}

func (p *Pool) reportStats(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.recorder.WritePoolStats(ctx, p.instanceID, len(p.server.Clients()), p.server.BannedCount())
		}
	}
}
