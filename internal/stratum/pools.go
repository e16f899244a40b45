// Package stratum implements the Stratum mining protocol for equipool: the
// per connection client state machine, the multi port listener and bans.
package stratum

import (
	"bytes"
	"encoding/json"
	"sync"
)

// Object pools for hot path optimizations
var (
	// readPool reuses socket read buffers
	readPool = sync.Pool{
		New: func() any {
			b := make([]byte, 4096)
			return &b
		},
	}

	// encodePool reuses buffers for outbound JSON lines
	encodePool = sync.Pool{
		New: func() any {
			return new(bytes.Buffer)
		},
	}
)

// GetBuffer gets a read buffer from the pool
func GetBuffer() *[]byte {
	return readPool.Get().(*[]byte)
}

// PutBuffer returns a read buffer to the pool
func PutBuffer(buf *[]byte) {
	if buf != nil {
		readPool.Put(buf)
	}
}

// encodeLine marshals v as one newline terminated JSON line.
func encodeLine(v any) ([]byte, error) {
	buf := encodePool.Get().(*bytes.Buffer)
	buf.Reset()
	defer encodePool.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}
