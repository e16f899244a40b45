package messaging

import "time"

// ShareMessage is published for every submitted share, valid or not
type ShareMessage struct {
	Coin            string    `json:"coin"`
	InstanceID      uint32    `json:"instance_id"`
	Valid           bool      `json:"valid"`
	ValidBlock      bool      `json:"valid_block"`
	JobID           string    `json:"job_id"`
	IP              string    `json:"ip"`
	Port            int       `json:"port"`
	Worker          string    `json:"worker"`
	Height          uint64    `json:"height"`
	BlockReward     float64   `json:"block_reward"`
	Difficulty      float64   `json:"difficulty"`
	ShareDiff       float64   `json:"share_diff"`
	BlockDiff       float64   `json:"block_diff"`
	BlockDiffActual float64   `json:"block_diff_actual"`
	BlockHash       string    `json:"block_hash,omitempty"`
	HeaderHash      string    `json:"header_hash,omitempty"`
	Error           string    `json:"error,omitempty"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// BlockMessage is published when a share solved a block, whether or not the
// daemon accepted it
type BlockMessage struct {
	Coin       string  `json:"coin"`
	InstanceID uint32  `json:"instance_id"`
	Height     uint64  `json:"height"`
	BlockHash  string  `json:"block_hash"`
	HeaderHash string  `json:"header_hash"`
	Worker     string  `json:"worker"`
	Reward     float64 `json:"reward"`
	Difficulty float64 `json:"difficulty"`
	Accepted   bool    `json:"accepted"`
	RewardType string  `json:"reward_type,omitempty"`
	// Recipients is the fee split the payment processor applies to Reward
	Recipients []Recipient `json:"recipients,omitempty"`
	FoundAt    time.Time   `json:"found_at"`
}

// Recipient takes Percent of each block reward before miners are paid
type Recipient struct {
	Address string  `json:"address"`
	Percent float64 `json:"percent"`
}

// BanMessage propagates a ban to the other pool workers
type BanMessage struct {
	InstanceID uint32    `json:"instance_id"`
	IP         string    `json:"ip"`
	Worker     string    `json:"worker,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	BannedAt   time.Time `json:"banned_at"`
}
