package postgres

import "time"

// Block statuses
const (
	BlockStatusPending  = "pending"
	BlockStatusRejected = "rejected"
)

// Share is an archived share row
type Share struct {
	Coin        string    `db:"coin"`
	InstanceID  uint32    `db:"instance_id"`
	JobID       string    `db:"job_id"`
	Worker      string    `db:"worker"`
	IP          string    `db:"ip"`
	Port        int       `db:"port"`
	Height      uint64    `db:"height"`
	Difficulty  float64   `db:"difficulty"`
	ShareDiff   float64   `db:"share_diff"`
	IsValid     bool      `db:"is_valid"`
	IsBlock     bool      `db:"is_block"`
	Error       string    `db:"error"`
	SubmittedAt time.Time `db:"submitted_at"`
}

// Block is a found block row
type Block struct {
	Coin       string    `db:"coin"`
	Height     uint64    `db:"height"`
	Hash       string    `db:"hash"`
	HeaderHash string    `db:"header_hash"`
	Worker     string    `db:"worker"`
	Reward     float64   `db:"reward"`
	Difficulty float64   `db:"difficulty"`
	Status     string    `db:"status"`
	FoundAt    time.Time `db:"found_at"`
}
