package stratum

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"math/big"
	"sync"
)

const subscriptionPrefix = "deadbeefcafebabe"

// SubscriptionCounter issues connection ids: a fixed prefix followed by a
// little-endian 64-bit count.
type SubscriptionCounter struct {
	mu    sync.Mutex
	count int64
}

// Next returns the next subscription id
func (c *SubscriptionCounter) Next() string {
	c.mu.Lock()
	c.count++
	if c.count == math.MaxInt64 {
		c.count = 0
	}
	n := c.count
	c.mu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(n))
	return subscriptionPrefix + hex.EncodeToString(buf[:])
}

// DefaultPowLimit is the Equihash target at difficulty 1.
var DefaultPowLimit, _ = new(big.Int).SetString("0007ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff", 16)

var maxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// DifficultyTarget returns powLimit / difficulty as 64 hex characters,
// saturating at 2^256-1. Outside DifficultyInRange the mapping is flat.
func DifficultyTarget(powLimit *big.Int, difficulty float64) string {
	if difficulty <= 0 || math.IsNaN(difficulty) {
		return maxTarget.Text(16)
	}

	target, _ := targetQuotient(powLimit, difficulty).Int(nil)
	if target.Cmp(maxTarget) > 0 {
		target = maxTarget
	}
	return fmtTarget(target)
}

// DifficultyInRange reports whether difficulty yields a target between 1 and
// 2^256-1, the range where a higher difficulty gives a lower target.
func DifficultyInRange(powLimit *big.Int, difficulty float64) bool {
	if difficulty <= 0 || math.IsNaN(difficulty) || math.IsInf(difficulty, 0) {
		return false
	}
	q := targetQuotient(powLimit, difficulty)
	return q.Cmp(big.NewFloat(1)) >= 0 && q.Cmp(new(big.Float).SetInt(maxTarget)) <= 0
}

func targetQuotient(powLimit *big.Int, difficulty float64) *big.Float {
	q := new(big.Float).SetPrec(512).SetInt(powLimit)
	return q.Quo(q, new(big.Float).SetPrec(512).SetFloat64(difficulty))
}

func fmtTarget(t *big.Int) string {
	s := t.Text(16)
	if len(s) < 64 {
		s = "0000000000000000000000000000000000000000000000000000000000000000"[:64-len(s)] + s
	}
	return s
}
