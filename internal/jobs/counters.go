package jobs

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"sync"
	"sync/atomic"
)

// ExtraNonceCounter hands out extraNonce1 values unique to one pool worker.
// The high four bytes carry the instance id so sibling workers do not collide.
type ExtraNonceCounter struct {
	instanceID uint32
	counter    atomic.Uint32
}

// NewExtraNonceCounter creates a counter; a zero instance id is replaced by a random one
func NewExtraNonceCounter(instanceID uint32) *ExtraNonceCounter {
	if instanceID == 0 {
		var b [4]byte
		_, _ = rand.Read(b[:])
		instanceID = binary.LittleEndian.Uint32(b[:])
	}
	return &ExtraNonceCounter{instanceID: instanceID}
}

// Next returns the next extraNonce1 as 16 hex characters
func (c *ExtraNonceCounter) Next() string {
	n := c.counter.Add(1) - 1

	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], c.instanceID)
	binary.BigEndian.PutUint32(buf[4:], n)
	return hex.EncodeToString(buf[:])
}

// Size is the extraNonce1 length in bytes
func (c *ExtraNonceCounter) Size() int { return 8 }

// InstanceID returns the instance id in the high bytes of every value
func (c *ExtraNonceCounter) InstanceID() uint32 { return c.instanceID }

// JobCounter hands out job ids. It never emits a multiple of 0xffff.
type JobCounter struct {
	mu      sync.Mutex
	counter uint64
}

// Next advances the counter and returns the new id
func (c *JobCounter) Next() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counter++
	if c.counter%0xffff == 0 {
		c.counter = 1
	}
	return strconv.FormatUint(c.counter, 16)
}

// Cur returns the last issued id without advancing
func (c *JobCounter) Cur() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strconv.FormatUint(c.counter, 16)
}
