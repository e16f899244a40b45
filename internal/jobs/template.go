package jobs

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/wire"
)

// Header field sizes in bytes.
const (
	hashSize       = 32
	logsBloomSize  = 256
	difficultySize = 16
	extraDataSize  = 32
	nonceSize      = 32
	timestampSize  = 8

	// HeaderSize is the length of SerializeHeader output
	HeaderSize = 5*hashSize + logsBloomSize + difficultySize + 4*8 + extraDataSize + nonceSize

	// SolutionSize is the raw Equihash 210,9 solution length
	SolutionSize = 1408

	// SolutionHexSize is the submitted solution length, including the
	// 3-byte compact size prefix
	SolutionHexSize = 2*SolutionSize + 6
)

// Diff1 is the target of a difficulty 1 share.
var Diff1, _ = new(big.Int).SetString("0007ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff", 16)

// Template is the block template returned by the daemon's getblocktemplate
type Template struct {
	PreviousBlockHash string       `json:"previousblockhash"`
	Height            uint64       `json:"height"`
	Target            string       `json:"target"`
	HeaderHash        string       `json:"headerHash"`
	Version           uint8        `json:"version"`
	Coinbase          string       `json:"coinbase"`
	StateRoot         string       `json:"stateRoot"`
	TxTrieRoot        string       `json:"txTrieRoot"`
	ReceiptTrieRoot   string       `json:"receiptTrieRoot"`
	LogsBloom         string       `json:"logsBloom"`
	Difficulty        string       `json:"difficulty"`
	ExtraData         string       `json:"extraData"`
	EnergyConsumed    uint64       `json:"energyConsumed"`
	EnergyLimit       uint64       `json:"energyLimit"`
	CurTime           uint64       `json:"curtime"`
	BlockBaseReward   string       `json:"blockBaseReward"`
	BlockTxFee        string       `json:"blockTxFee"`
	Transactions      []TemplateTx `json:"transactions"`
}

// TemplateTx is one pending transaction of a template
type TemplateTx struct {
	Data string `json:"data"`
	Hash string `json:"hash"`
}

// Recipient receives a share of the block reward
type Recipient struct {
	Address string  `json:"address"`
	Percent float64 `json:"percent"`
}

// TemplateOptions are the pool settings applied to every template
type TemplateOptions struct {
	PoolAddress           []byte
	ExtraNoncePlaceholder []byte
	RewardType            string
	TxMessages            bool
	Recipients            []Recipient
}

// BlockTemplate is one job: a decoded daemon template plus its submissions.
type BlockTemplate struct {
	JobID      string
	Template   *Template
	Target     *big.Int
	Difficulty float64
	RewardType string
	Recipients []Recipient

	parentHash      []byte
	coinbase        []byte
	stateRoot       []byte
	txTrieRoot      []byte
	receiptTrieRoot []byte
	logsBloom       []byte
	difficulty      []byte
	extraData       []byte
	transactions    [][]byte

	mu          sync.Mutex
	submissions map[string]struct{}
}

// NewBlockTemplate decodes tpl into a job identified by jobID
func NewBlockTemplate(jobID string, tpl *Template, opts TemplateOptions) (*BlockTemplate, error) {
	bt := &BlockTemplate{
		JobID:       jobID,
		Template:    tpl,
		RewardType:  opts.RewardType,
		Recipients:  opts.Recipients,
		submissions: make(map[string]struct{}),
	}

	var err error
	fields := []struct {
		name string
		src  string
		size int
		dst  *[]byte
	}{
		{"previousblockhash", tpl.PreviousBlockHash, hashSize, &bt.parentHash},
		{"coinbase", tpl.Coinbase, hashSize, &bt.coinbase},
		{"stateRoot", tpl.StateRoot, hashSize, &bt.stateRoot},
		{"txTrieRoot", tpl.TxTrieRoot, hashSize, &bt.txTrieRoot},
		{"receiptTrieRoot", tpl.ReceiptTrieRoot, hashSize, &bt.receiptTrieRoot},
		{"logsBloom", tpl.LogsBloom, logsBloomSize, &bt.logsBloom},
		{"difficulty", tpl.Difficulty, difficultySize, &bt.difficulty},
		{"extraData", tpl.ExtraData, extraDataSize, &bt.extraData},
	}
	for _, f := range fields {
		if *f.dst, err = decodeFixed(f.src, f.size); err != nil {
			return nil, fmt.Errorf("template %s: %w", f.name, err)
		}
	}

	if len(opts.PoolAddress) > 0 {
		if len(opts.PoolAddress) != hashSize {
			return nil, fmt.Errorf("pool address must be %d bytes, got %d", hashSize, len(opts.PoolAddress))
		}
		bt.coinbase = bytes.Clone(opts.PoolAddress)
	}
	if opts.TxMessages {
		copy(bt.extraData, opts.ExtraNoncePlaceholder)
	}

	for i, tx := range tpl.Transactions {
		raw, err := decodeHex(tx.Data)
		if err != nil {
			return nil, fmt.Errorf("template transaction %d: %w", i, err)
		}
		bt.transactions = append(bt.transactions, raw)
	}

	target, ok := new(big.Int).SetString(strip0x(tpl.Target), 16)
	if !ok || target.Sign() <= 0 {
		return nil, fmt.Errorf("template target %q is not a positive hex number", tpl.Target)
	}
	bt.Target = target
	bt.Difficulty, _ = new(big.Float).Quo(new(big.Float).SetInt(Diff1), new(big.Float).SetInt(target)).Float64()

	return bt, nil
}

// Height returns the block number being mined
func (bt *BlockTemplate) Height() uint64 { return bt.Template.Height }

// PrevHash returns the parent block hash as given by the daemon
func (bt *BlockTemplate) PrevHash() string { return bt.Template.PreviousBlockHash }

// SerializeHeader returns the Equihash input for nTime and nonce
func (bt *BlockTemplate) SerializeHeader(nTime, nonce []byte) []byte {
	buf := make([]byte, 0, HeaderSize)
	buf = append(buf, bt.parentHash...)
	buf = append(buf, bt.coinbase...)
	buf = append(buf, bt.stateRoot...)
	buf = append(buf, bt.txTrieRoot...)
	buf = append(buf, bt.receiptTrieRoot...)
	buf = append(buf, bt.logsBloom...)
	buf = append(buf, bt.difficulty...)
	buf = append(buf, padLeft(nTime, timestampSize)...)
	buf = binary.BigEndian.AppendUint64(buf, bt.Template.Height)
	buf = append(buf, bt.extraData...)
	buf = binary.BigEndian.AppendUint64(buf, bt.Template.EnergyConsumed)
	buf = binary.BigEndian.AppendUint64(buf, bt.Template.EnergyLimit)
	buf = append(buf, padLeft(nonce, nonceSize)...)
	return buf
}

// SerializeHeaderTarget returns the sealed header whose hash is compared
// against the target. solution is the raw solution without its size prefix.
func (bt *BlockTemplate) SerializeHeaderTarget(nonce, solution, nTime []byte) []byte {
	version := bt.Template.Version
	if version == 0 {
		version = 1
	}

	buf := make([]byte, 0, 1+HeaderSize+len(solution))
	buf = append(buf, version)
	buf = binary.BigEndian.AppendUint64(buf, bt.Template.Height)
	buf = append(buf, bt.parentHash...)
	buf = append(buf, bt.coinbase...)
	buf = append(buf, bt.stateRoot...)
	buf = append(buf, bt.txTrieRoot...)
	buf = append(buf, bt.receiptTrieRoot...)
	buf = append(buf, bt.logsBloom...)
	buf = append(buf, bt.difficulty...)
	buf = append(buf, bt.extraData...)
	buf = binary.BigEndian.AppendUint64(buf, bt.Template.EnergyConsumed)
	buf = binary.BigEndian.AppendUint64(buf, bt.Template.EnergyLimit)
	buf = append(buf, padLeft(nTime, timestampSize)...)
	buf = append(buf, padLeft(nonce, nonceSize)...)
	buf = append(buf, solution...)
	return buf
}

// SerializeBlock appends the template transactions to a sealed header
func (bt *BlockTemplate) SerializeBlock(sealedHeader []byte) []byte {
	var buf bytes.Buffer
	buf.Write(sealedHeader)
	_ = wire.WriteVarInt(&buf, 0, uint64(len(bt.transactions)))
	for _, tx := range bt.transactions {
		buf.Write(tx)
	}
	return buf.Bytes()
}

// RegisterSubmit records a submission and reports false if it was seen before
func (bt *BlockTemplate) RegisterSubmit(extraNonce1, extraNonce2, nTime, nonce string) bool {
	key := extraNonce1 + extraNonce2 + nTime + nonce

	bt.mu.Lock()
	defer bt.mu.Unlock()

	if _, ok := bt.submissions[key]; ok {
		return false
	}
	bt.submissions[key] = struct{}{}
	return true
}

// JobParams returns the mining.notify params for this job
func (bt *BlockTemplate) JobParams(cleanJobs bool) []any {
	var nTime [timestampSize]byte
	binary.BigEndian.PutUint64(nTime[:], bt.Template.CurTime)
	header := bt.SerializeHeader(nTime[:], make([]byte, nonceSize))

	return []any{
		bt.JobID,
		hex.EncodeToString(header),
		TargetHex(bt.Target),
		bt.Template.Height,
		cleanJobs,
	}
}

// TargetHex renders a target as 64 zero padded hex characters
func TargetHex(target *big.Int) string {
	return fmt.Sprintf("%064x", target)
}

func strip0x(s string) string {
	return strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
}

func decodeHex(s string) ([]byte, error) {
	s = strip0x(s)
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}

// decodeFixed decodes s and left pads it to size bytes.
func decodeFixed(s string, size int) ([]byte, error) {
	raw, err := decodeHex(s)
	if err != nil {
		return nil, err
	}
	if len(raw) > size {
		return nil, fmt.Errorf("%d bytes exceeds %d", len(raw), size)
	}
	return padLeft(raw, size), nil
}

func padLeft(b []byte, size int) []byte {
	if len(b) >= size {
		return b[len(b)-size:]
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

// isHexString reports whether s is an even length hex string
func isHexString(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
