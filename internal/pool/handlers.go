package pool

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/bardlex/equipool/internal/jobs"
	"github.com/bardlex/equipool/internal/messaging"
	"github.com/bardlex/equipool/internal/stratum"
)

// authorize admits every worker unless username validation is on. Then the
// address part of the worker name must be hex of an account or legacy
// address length, or be accepted by the daemon's validateaddress.
func (p *Pool) authorize(ip string, port int, worker, password string) stratum.AuthResult {
	authorized := p.validWorker(worker)

	p.logger.Debug("worker authorization",
		"worker", worker,
		"ip", ip,
		"port", port,
		"authorized", authorized)
	return stratum.AuthResult{Authorized: authorized}
}

func (p *Pool) validWorker(worker string) bool {
	if !p.cfg.ValidateWorkerUsername {
		return true
	}

	address, _, _ := strings.Cut(worker, ".")
	address = strings.TrimPrefix(address, "0x")
	if len(address) == 64 || len(address) == 40 {
		if _, err := hex.DecodeString(address); err == nil {
			return true
		}
	}
	if address == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(p.runCtx, daemonTimeout)
	defer cancel()
	valid, err := p.daemon.ValidateAddress(ctx, address)
	if err != nil {
		p.logger.WithError(err).Warn("failed to validate worker address", "worker", worker)
		return false
	}
	return valid
}

// portDifficulty is the starting difficulty of a stratum port
func (p *Pool) portDifficulty(port int) float64 {
	if pc, ok := p.cfg.Ports[port]; ok && pc.Diff > 0 {
		return pc.Diff
	}
	return defaultDiff
}

// HandleSubscribe hands out an extraNonce1, then primes the miner with the
// port difficulty and the current job.
func (p *Pool) HandleSubscribe(c *stratum.Client, respond func(extraNonce1 string, err *stratum.Error)) {
	respond(p.jobManager.ExtraNonceCounter.Next(), nil)

	c.SendDifficulty(p.portDifficulty(c.LocalPort()))
	if job := p.jobManager.CurrentJob(); job != nil {
		c.SendMiningJob(job.JobParams(true))
	}
}

// HandleSubmit validates a share with the job manager
func (p *Pool) HandleSubmit(c *stratum.Client, sub *stratum.Submission) (bool, *stratum.Error) {
	res := p.jobManager.ProcessShare(&jobs.Submission{
		JobID:              sub.JobID,
		PreviousDifficulty: c.PreviousDifficulty(),
		Difficulty:         c.Difficulty(),
		ExtraNonce1:        c.ExtraNonce1(),
		ExtraNonce2:        sub.ExtraNonce2,
		NTime:              sub.NTime,
		Nonce:              sub.Nonce,
		IP:                 c.RemoteAddress(),
		Port:               c.LocalPort(),
		Worker:             sub.Worker,
		Solution:           sub.Solution,
	})
	if res.Error != nil {
		return false, stratum.NewError(res.Error.Code, res.Error.Message)
	}
	return res.Result, nil
}

// HandleClientEvent logs client lifecycle events and propagates bans
func (p *Pool) HandleClientEvent(ev stratum.ClientEvent) {
	c := ev.Client
	logger := p.logger.WithFields("client", c.Label())

	switch ev.Kind {
	case stratum.EventConnected:
		logger.LogConnection("connected", c.RemoteAddress())
	case stratum.EventDisconnected:
		logger.LogConnection("disconnected", c.RemoteAddress())
	case stratum.EventKickedBannedIP:
		logger.Info("rejected incoming connection from banned ip", "time_left", ev.Detail)
	case stratum.EventForgaveBannedIP:
		logger.Info("forgave banned ip")
	case stratum.EventTriggerBan:
		logger.LogBan(c.RemoteAddress(), ev.Detail)
		p.publishBan(c, ev.Detail)
	case stratum.EventDifficultyChanged:
		logger.Debug("difficulty changed", "difficulty", ev.Difficulty)
	case stratum.EventMalformedMessage:
		logger.Warn("malformed message", "message", ev.Detail, "error", ev.Err)
	case stratum.EventUnknownMethod:
		logger.Warn("unknown stratum method", "method", ev.Detail)
	case stratum.EventFlooded:
		logger.Warn("detected socket flooding")
	case stratum.EventSocketTimeout:
		logger.Warn("connection timed out", "detail", ev.Detail)
	case stratum.EventSocketError:
		logger.WithError(ev.Err).Warn("socket error")
	case stratum.EventTCPProxyError:
		logger.Error("client IP detection failed, tcpProxyProtocol is enabled yet did not receive proxy protocol message",
			"detail", ev.Detail)
	default:
		logger.Debug("client event", "kind", string(ev.Kind))
	}
}

// HandleBroadcastTimeout refreshes the work after no job went out in time
func (p *Pool) HandleBroadcastTimeout() {
	p.logger.Debug("no new blocks for a while, updating transactions")
	if err := p.refreshTemplate(p.runCtx, true); err != nil && p.runCtx.Err() == nil {
		p.logger.WithError(err).Error("failed to refresh work after broadcast timeout")
	}
}

// HandleStarted is called once the stratum ports are open
func (p *Pool) HandleStarted() {
	p.logger.Info("stratum server started", "ports", p.cfg.SortedPorts())
}

// OnNewBlock pushes a clean job to every miner
func (p *Pool) OnNewBlock(job *jobs.BlockTemplate) {
	clients := p.server.Clients()
	p.logger.LogJobBroadcast(job.JobID, job.Height(), true, len(clients))
	p.server.BroadcastMiningJobs(job.JobParams(true))
}

// OnUpdatedBlock pushes refreshed work for the same block
func (p *Pool) OnUpdatedBlock(job *jobs.BlockTemplate) {
	clients := p.server.Clients()
	p.logger.LogJobBroadcast(job.JobID, job.Height(), false, len(clients))
	p.server.BroadcastMiningJobs(job.JobParams(false))
}

// OnShare queues a share for submission and accounting
func (p *Pool) OnShare(share *jobs.Share) {
	select {
	case p.shares <- share:
	case <-p.runCtx.Done():
		p.logger.Warn("dropping share after shutdown", "worker", share.Worker, "job_id", share.Job)
	}
}

// processShares handles queued shares in submission order so a block share
// closes the round after the shares before it are counted.
func (p *Pool) processShares(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case share := <-p.shares:
			p.handleShare(ctx, share)
		case <-ctx.Done():
			p.drainShares()
			return
		}
	}
}

func (p *Pool) drainShares() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case share := <-p.shares:
			p.handleShare(ctx, share)
		default:
			return
		}
	}
}

// handleShare submits block candidates, then accounts and publishes the share.
func (p *Pool) handleShare(ctx context.Context, share *jobs.Share) {
	msg := p.shareMessage(share)

	candidate := share.Valid() && share.BlockHex != ""
	if candidate {
		msg.ValidBlock = p.submitBlock(ctx, share)
	}

	p.logger.LogShare(share.Worker, share.IP, share.Job, share.Difficulty, share.ShareDiff, share.Valid(), share.Error)

	if p.recorder != nil {
		if err := p.recorder.RecordShare(ctx, msg); err != nil {
			p.logger.WithError(err).Error("failed to record share", "worker", share.Worker)
		}
	}
	if p.events != nil {
		if err := p.events.Publish(ctx, messaging.TopicShares, share.Worker, msg); err != nil {
			p.logger.WithError(err).Error("failed to publish share", "worker", share.Worker)
		}
		if candidate {
			block := &messaging.BlockMessage{
				Coin:       p.cfg.CoinName,
				InstanceID: p.instanceID,
				Height:     share.Height,
				BlockHash:  share.BlockHash,
				HeaderHash: share.HeaderHash,
				Worker:     share.Worker,
				Reward:     share.BlockReward,
				Difficulty: share.BlockDiffActual,
				Accepted:   msg.ValidBlock,
				RewardType: share.RewardType,
				Recipients: blockRecipients(share.Recipients),
				FoundAt:    share.Timestamp,
			}
			if err := p.events.Publish(ctx, messaging.TopicBlocks, share.BlockHash, block); err != nil {
				p.logger.WithError(err).Error("failed to publish block", "block_hash", share.BlockHash)
			}
		}
	}
}

// submitBlock reports whether the daemon accepted the block. An accepted
// block moves the chain on, so the template is refreshed right away.
func (p *Pool) submitBlock(ctx context.Context, share *jobs.Share) bool {
	submitCtx, cancel := context.WithTimeout(ctx, daemonTimeout)
	defer cancel()

	accepted, err := p.daemon.SubmitBlock(submitCtx, share.Nonce, share.Solution, share.HeaderHash)
	if err != nil {
		p.logger.WithError(err).Error("block submission failed",
			"block_hash", share.BlockHash,
			"height", share.Height)
		accepted = false
	}
	p.logger.LogBlockFound(share.BlockHash, share.Height, share.Worker, share.BlockReward, accepted)

	if accepted {
		if err := p.refreshTemplate(ctx, false); err != nil && ctx.Err() == nil {
			p.logger.WithError(err).Error("failed to refresh template after block")
		}
	}
	return accepted
}

func (p *Pool) shareMessage(share *jobs.Share) *messaging.ShareMessage {
	return &messaging.ShareMessage{
		Coin:            p.cfg.CoinName,
		InstanceID:      p.instanceID,
		Valid:           share.Valid(),
		JobID:           share.Job,
		IP:              share.IP,
		Port:            share.Port,
		Worker:          share.Worker,
		Height:          share.Height,
		BlockReward:     share.BlockReward,
		Difficulty:      share.Difficulty,
		ShareDiff:       share.ShareDiff,
		BlockDiff:       share.BlockDiff,
		BlockDiffActual: share.BlockDiffActual,
		BlockHash:       share.BlockHash,
		HeaderHash:      share.HeaderHash,
		Error:           share.Error,
		SubmittedAt:     share.Timestamp,
	}
}

// publishBan tells the sibling workers about a ban applied here
func (p *Pool) publishBan(c *stratum.Client, reason string) {
	if p.events == nil {
		return
	}
	msg := &messaging.BanMessage{
		InstanceID: p.instanceID,
		IP:         c.RemoteAddress(),
		Worker:     c.WorkerName(),
		Reason:     reason,
		BannedAt:   time.Now(),
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.events.Publish(p.runCtx, messaging.TopicBans, msg.IP, msg); err != nil && p.runCtx.Err() == nil {
			p.logger.WithError(err).Error("failed to publish ban", "ip", msg.IP)
		}
	}()
}

// banGroupID is unique per worker so every worker reads every ban
func (p *Pool) banGroupID() string {
	return fmt.Sprintf("%s-bans-%08x", p.cfg.KafkaGroupID, p.instanceID)
}

func (p *Pool) consumeBans(ctx context.Context) {
	defer p.wg.Done()
	if err := p.events.Consume(ctx, messaging.TopicBans, p.banGroupID(), p.handleBanMessage); err != nil && ctx.Err() == nil {
		p.logger.WithError(err).Error("ban consumer stopped")
	}
}

// handleBanMessage applies a ban issued by another worker
func (p *Pool) handleBanMessage(_ context.Context, _ string, value []byte) error {
	var msg messaging.BanMessage
	if err := p.events.Decode(value, &msg); err != nil {
		return err
	}
	if msg.InstanceID == p.instanceID || msg.IP == "" {
		return nil
	}
	p.server.AddBannedIP(msg.IP)
	p.logger.Info("applied ban from another worker",
		"ip", msg.IP,
		"instance_id", fmt.Sprintf("%08x", msg.InstanceID),
		"reason", msg.Reason)
	return nil
}

func blockRecipients(rs []jobs.Recipient) []messaging.Recipient {
	if len(rs) == 0 {
		return nil
	}
	out := make([]messaging.Recipient, len(rs))
	for i, r := range rs {
		out[i] = messaging.Recipient{Address: r.Address, Percent: r.Percent}
	}
	return out
}
