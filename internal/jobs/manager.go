// Package jobs turns daemon block templates into stratum jobs and validates
// the shares miners submit against them.
package jobs

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dchest/blake2b"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bardlex/equipool/internal/equihash"
	"github.com/bardlex/equipool/internal/stratum"
	"github.com/bardlex/equipool/pkg/log"
)

// ExtraNoncePlaceholder reserves the extranonce bytes inside the job data.
var ExtraNoncePlaceholder = []byte{0xf0, 0x00, 0x00, 0x0f, 0xf1, 0x11, 0x11, 0x1f}

// shareMultiplier scales share difficulty for the Equihash algorithm.
const shareMultiplier = 1

// ShareError is a rejected share as reported to the miner. Code is one of
// the stratum error codes.
type ShareError struct {
	Code    int
	Message string
}

func (e *ShareError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// ShareResult is the outcome of ProcessShare
type ShareResult struct {
	Result    bool
	Error     *ShareError
	BlockHash string
}

// Submission carries the fields of one mining.submit
type Submission struct {
	JobID string
	// PreviousDifficulty is unused while every valid share is checked
	// against the block target only.
	PreviousDifficulty float64
	Difficulty         float64
	ExtraNonce1        string
	ExtraNonce2        string
	NTime              string
	Nonce              string
	IP                 string
	Port               int
	Worker             string
	Solution           string
}

// PowVerifier checks a proof-of-work solution for a header
type PowVerifier interface {
	Verify(header, solution []byte) bool
}

// Options configures a Manager
type Options struct {
	InstanceID     uint32
	PoolAddress    []byte
	RewardType     string
	TxMessages     bool
	Recipients     []Recipient
	JobHistorySize int
	Verifier       PowVerifier
	Listener       Listener
	Logger         *log.Logger
}

// Manager owns the current job and the history of jobs shares may reference.
type Manager struct {
	ExtraNonceCounter *ExtraNonceCounter
	ExtraNonce2Size   int

	jobCounter JobCounter
	tplOpts    TemplateOptions
	verifier   PowVerifier
	listener   Listener
	logger     *log.Logger

	// updateMu serializes template processing so events fire in order.
	updateMu   sync.Mutex
	mu         sync.RWMutex
	currentJob *BlockTemplate
	validJobs  *lru.Cache[string, *BlockTemplate]
}

// NewManager creates a Manager. A nil Verifier selects Equihash 210,9.
func NewManager(opts Options) (*Manager, error) {
	size := opts.JobHistorySize
	if size <= 0 {
		size = 256
	}
	validJobs, err := lru.New[string, *BlockTemplate](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create job history: %w", err)
	}

	verifier := opts.Verifier
	if verifier == nil {
		verifier = equihash.NewVerifier(equihash.AionN, equihash.AionK)
	}
	listener := opts.Listener
	if listener == nil {
		listener = nopListener{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Discard()
	}

	counter := NewExtraNonceCounter(opts.InstanceID)
	return &Manager{
		ExtraNonceCounter: counter,
		ExtraNonce2Size:   len(ExtraNoncePlaceholder) - counter.Size(),
		tplOpts: TemplateOptions{
			PoolAddress:           opts.PoolAddress,
			ExtraNoncePlaceholder: ExtraNoncePlaceholder,
			RewardType:            opts.RewardType,
			TxMessages:            opts.TxMessages,
			Recipients:            opts.Recipients,
		},
		verifier:  verifier,
		listener:  listener,
		logger:    logger.WithComponent("job_manager"),
		validJobs: validJobs,
	}, nil
}

// SetListener replaces the event listener. Call before templates flow.
func (m *Manager) SetListener(l Listener) {
	if l == nil {
		l = nopListener{}
	}
	m.listener = l
}

// CurrentJob returns the most recent job, or nil before the first template
func (m *Manager) CurrentJob() *BlockTemplate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentJob
}

// Job resolves a job id still held in the history
func (m *Manager) Job(jobID string) (*BlockTemplate, bool) {
	return m.validJobs.Get(jobID)
}

// ProcessTemplate reports whether tpl is a new block. A new block becomes the
// current job and fires OnNewBlock. Templates with a different parent but a
// lower height than the current job are stale and ignored.
func (m *Manager) ProcessTemplate(tpl *Template) (bool, error) {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	current := m.CurrentJob()
	isNewBlock := current == nil
	if !isNewBlock && current.PrevHash() != tpl.PreviousBlockHash {
		if tpl.Height < current.Height() {
			m.logger.Debug("ignoring stale template",
				"height", tpl.Height,
				"current_height", current.Height())
			return false, nil
		}
		isNewBlock = true
	}
	if !isNewBlock {
		return false, nil
	}

	job, err := m.install(tpl)
	if err != nil {
		return false, err
	}
	m.logger.WithJob(job.JobID, job.Height()).Info("new block",
		"prev_hash", job.PrevHash(),
		"difficulty", job.Difficulty)
	m.listener.OnNewBlock(job)
	return true, nil
}

// UpdateCurrentJob replaces the current job with a fresh one built from tpl
// and fires OnUpdatedBlock.
func (m *Manager) UpdateCurrentJob(tpl *Template) error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	job, err := m.install(tpl)
	if err != nil {
		return err
	}
	m.listener.OnUpdatedBlock(job)
	return nil
}

func (m *Manager) install(tpl *Template) (*BlockTemplate, error) {
	job, err := NewBlockTemplate(m.jobCounter.Next(), tpl, m.tplOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to build job from template at height %d: %w", tpl.Height, err)
	}

	m.mu.Lock()
	m.currentJob = job
	m.mu.Unlock()
	m.validJobs.Add(job.JobID, job)
	return job, nil
}

// ProcessShare validates a submission. Rejections and accepted shares are both
// reported to the listener's OnShare.
func (m *Manager) ProcessShare(sub *Submission) *ShareResult {
	shareError := func(code int, message string) *ShareResult {
		m.listener.OnShare(&Share{
			Job:        sub.JobID,
			IP:         sub.IP,
			Worker:     sub.Worker,
			Difficulty: sub.Difficulty,
			Error:      message,
			Timestamp:  time.Now(),
		})
		return &ShareResult{Error: &ShareError{Code: code, Message: message}}
	}

	job, ok := m.validJobs.Get(sub.JobID)
	if !ok || job.JobID != sub.JobID {
		return shareError(stratum.ErrorJobNotFound, "job not found")
	}

	if len(sub.NTime) != 2*timestampSize {
		return shareError(stratum.ErrorOther, "incorrect size of ntime")
	}
	if len(sub.Nonce) != 2*nonceSize {
		return shareError(stratum.ErrorOther, "incorrect size of nonce")
	}
	if len(sub.Solution) != SolutionHexSize {
		return shareError(stratum.ErrorOther, "incorrect size of solution")
	}
	if !isHexString(sub.ExtraNonce2) {
		return shareError(stratum.ErrorOther, "invalid hex in extraNonce2")
	}

	nTime, err := hex.DecodeString(sub.NTime)
	if err != nil {
		return shareError(stratum.ErrorOther, "invalid hex in ntime")
	}
	nonce, err := hex.DecodeString(sub.Nonce)
	if err != nil {
		return shareError(stratum.ErrorOther, "invalid hex in nonce")
	}
	solution, err := hex.DecodeString(sub.Solution[6:])
	if err != nil {
		return shareError(stratum.ErrorOther, "invalid hex in solution")
	}

	// key on decoded bytes: hex case does not make a share unique
	nTimeHex, nonceHex := hex.EncodeToString(nTime), hex.EncodeToString(nonce)
	if !job.RegisterSubmit(strings.ToLower(sub.ExtraNonce1), strings.ToLower(sub.ExtraNonce2), nTimeHex, nonceHex) {
		return shareError(stratum.ErrorDuplicateShare, "duplicate share")
	}

	header := job.SerializeHeader(nTime, nonce)
	headerHash := blake2b.Sum256(append(append([]byte{}, header...), solution...))
	headerBig := new(big.Int).SetBytes(headerHash[:])

	shareDiff := shareDifficulty(headerBig)
	blockDiffAdjusted := job.Difficulty * shareMultiplier

	if !m.verifier.Verify(header, solution) {
		return shareError(stratum.ErrorOther, "invalid solution")
	}

	sealed := job.SerializeHeaderTarget(nonce, solution, nTime)
	sealedHash := blake2b.Sum256(sealed)
	if new(big.Int).SetBytes(sealedHash[:]).Cmp(job.Target) > 0 {
		return shareError(stratum.ErrorOther, "Header hash larger than target")
	}

	blockHash := chainhash.Hash(headerHash).String()

	m.listener.OnShare(&Share{
		Job:             sub.JobID,
		IP:              sub.IP,
		Port:            sub.Port,
		Worker:          sub.Worker,
		Height:          job.Height(),
		BlockReward:     BlockReward(job.Height()),
		Difficulty:      sub.Difficulty,
		ShareDiff:       shareDiff,
		BlockDiff:       blockDiffAdjusted,
		BlockDiffActual: job.Difficulty,
		BlockHash:       hex.EncodeToString(sealedHash[:]),
		HeaderHash:      job.Template.HeaderHash,
		NTime:           nTimeHex,
		Nonce:           nonceHex,
		Solution:        hex.EncodeToString(solution),
		BlockHex:        hex.EncodeToString(job.SerializeBlock(sealed)),
		RewardType:      job.RewardType,
		Recipients:      job.Recipients,
		Timestamp:       time.Now(),
	})

	return &ShareResult{Result: true, BlockHash: blockHash}
}

// shareDifficulty returns diff1 / hash, rounded to 8 decimals.
func shareDifficulty(hash *big.Int) float64 {
	if hash.Sign() == 0 {
		f, _ := new(big.Float).SetInt(Diff1).Float64()
		return f
	}
	q := new(big.Float).Quo(new(big.Float).SetInt(Diff1), new(big.Float).SetInt(hash))
	f, _ := q.Float64()
	return math.Round(f*shareMultiplier*1e8) / 1e8
}
