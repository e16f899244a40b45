package jobs

import "time"

// Listener receives JobManager events. Methods are called synchronously and
// must not call back into the manager's template methods.
type Listener interface {
	OnNewBlock(job *BlockTemplate)
	OnUpdatedBlock(job *BlockTemplate)
	OnShare(share *Share)
}

// Share is the accounting record of one submission, valid or not.
type Share struct {
	Job             string    `json:"job"`
	IP              string    `json:"ip"`
	Port            int       `json:"port,omitempty"`
	Worker          string    `json:"worker"`
	Height          uint64    `json:"height,omitempty"`
	BlockReward     float64   `json:"blockReward,omitempty"`
	Difficulty      float64   `json:"difficulty"`
	ShareDiff       float64   `json:"shareDiff,omitempty"`
	BlockDiff       float64   `json:"blockDiff,omitempty"`
	BlockDiffActual float64   `json:"blockDiffActual,omitempty"`
	BlockHash       string    `json:"blockHash,omitempty"`
	HeaderHash      string    `json:"headerHash,omitempty"`
	Error           string    `json:"error,omitempty"`
	NTime           string    `json:"nTime,omitempty"`
	Nonce           string    `json:"nonce,omitempty"`
	Solution        string    `json:"solution,omitempty"`
	BlockHex        string    `json:"blockHex,omitempty"`
	Timestamp       time.Time `json:"timestamp"`

	// RewardType and Recipients describe how the reward of a solved block
	// is split. Set on valid shares only.
	RewardType string      `json:"rewardType,omitempty"`
	Recipients []Recipient `json:"recipients,omitempty"`
}

// Valid reports whether the share passed validation
func (s *Share) Valid() bool { return s.Error == "" }

type nopListener struct{}

func (nopListener) OnNewBlock(*BlockTemplate)     {}
func (nopListener) OnUpdatedBlock(*BlockTemplate) {}
func (nopListener) OnShare(*Share)                {}
