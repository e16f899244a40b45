// Package equihash verifies Equihash proof-of-work solutions.
//
// A solution is 2^k indices packed big-endian, each n/(k+1)+1 bits wide. Every
// index selects an n-bit string from a personalised BLAKE2b expansion of the
// header. The strings form a binary tree: siblings at level l must agree on
// digit l, the left subtree must start with the smaller index, and the XOR of
// all strings must be zero.
package equihash

import (
	"encoding/binary"
	"fmt"

	"github.com/dchest/blake2b"
)

// Aion parameters.
const (
	AionN = 210
	AionK = 9
)

const personPrefix = "AION0PoW"

// Verifier checks solutions for one (n, k) pair. It is safe for concurrent use.
type Verifier struct {
	n, k           int
	digitBits      int
	indicesPerHash int
	segmentSize    int
	person         []byte
}

// NewVerifier panics when n and k do not describe a usable parameter set.
func NewVerifier(n, k int) *Verifier {
	if k < 1 || n%(k+1) != 0 || n/(k+1) > 31 || n > 512 {
		panic(fmt.Sprintf("equihash: unsupported parameters n=%d k=%d", n, k))
	}
	v := &Verifier{
		n:              n,
		k:              k,
		digitBits:      n / (k + 1),
		indicesPerHash: 512 / n,
		segmentSize:    (n + 7) / 8,
	}
	if v.indicesPerHash*v.segmentSize > blake2b.Size {
		panic(fmt.Sprintf("equihash: n=%d needs more than one BLAKE2b output", n))
	}

	person := make([]byte, 0, 16)
	person = append(person, personPrefix...)
	person = binary.LittleEndian.AppendUint32(person, uint32(n))
	person = binary.LittleEndian.AppendUint32(person, uint32(k))
	v.person = person
	return v
}

// SolutionSize is the packed solution length in bytes
func (v *Verifier) SolutionSize() int {
	return (1 << v.k) * (v.digitBits + 1) / 8
}

type node struct {
	digits []uint32
	first  uint32
}

// Verify reports whether solution is valid for header
func (v *Verifier) Verify(header, solution []byte) bool {
	indices, ok := v.decodeIndices(solution)
	if !ok {
		return false
	}

	seen := make(map[uint32]struct{}, len(indices))
	for _, idx := range indices {
		if _, dup := seen[idx]; dup {
			return false
		}
		seen[idx] = struct{}{}
	}

	nodes := make([]node, len(indices))
	for i, idx := range indices {
		nodes[i] = node{digits: v.digits(header, idx), first: idx}
	}

	for level := 0; level < v.k; level++ {
		next := make([]node, 0, len(nodes)/2)
		for i := 0; i < len(nodes); i += 2 {
			left, right := nodes[i], nodes[i+1]
			if left.digits[level] != right.digits[level] {
				return false
			}
			if left.first >= right.first {
				return false
			}
			merged := make([]uint32, len(left.digits))
			for d := range merged {
				merged[d] = left.digits[d] ^ right.digits[d]
			}
			next = append(next, node{digits: merged, first: left.first})
		}
		nodes = next
	}

	return nodes[0].digits[v.k] == 0
}

// digits expands index into its k+1 collision digits.
func (v *Verifier) digits(header []byte, index uint32) []uint32 {
	h, err := blake2b.New(&blake2b.Config{
		Size:   uint8(v.indicesPerHash * v.segmentSize),
		Person: v.person,
	})
	if err != nil {
		panic(err)
	}
	h.Write(header)
	var counter [4]byte
	binary.LittleEndian.PutUint32(counter[:], index/uint32(v.indicesPerHash))
	h.Write(counter[:])
	sum := h.Sum(nil)

	start := int(index%uint32(v.indicesPerHash)) * v.segmentSize
	segment := sum[start : start+v.segmentSize]

	out := make([]uint32, v.k+1)
	for d := range out {
		out[d] = readBits(segment, d*v.digitBits, v.digitBits)
	}
	return out
}

func (v *Verifier) decodeIndices(solution []byte) ([]uint32, bool) {
	if len(solution) != v.SolutionSize() {
		return nil, false
	}
	width := v.digitBits + 1
	indices := make([]uint32, 1<<v.k)
	for i := range indices {
		indices[i] = readBits(solution, i*width, width)
	}
	return indices, true
}

// readBits reads width bits starting at bit offset off, most significant first.
func readBits(b []byte, off, width int) uint32 {
	var v uint32
	for i := 0; i < width; i++ {
		bit := off + i
		v = v<<1 | uint32(b[bit/8]>>(7-bit%8)&1)
	}
	return v
}
