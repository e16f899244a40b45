package equihash

import (
	"bytes"
	"reflect"
	"slices"
	"testing"
)

// encodeIndices packs indices big-endian, width bits each.
func encodeIndices(indices []uint32, width int) []byte {
	out := make([]byte, (len(indices)*width+7)/8)
	for i, idx := range indices {
		for b := 0; b < width; b++ {
			if idx>>(width-1-b)&1 == 1 {
				bit := i*width + b
				out[bit/8] |= 1 << (7 - bit%8)
			}
		}
	}
	return out
}

type candidate struct {
	digits  []uint32
	indices []uint32
}

// solve runs Wagner's algorithm; only practical for toy parameters.
func solve(v *Verifier, header []byte) [][]uint32 {
	n := 1 << (v.digitBits + 1)
	rows := make([]candidate, n)
	for i := 0; i < n; i++ {
		rows[i] = candidate{digits: v.digits(header, uint32(i)), indices: []uint32{uint32(i)}}
	}

	for level := 0; level < v.k; level++ {
		buckets := make(map[uint32][]candidate)
		for _, r := range rows {
			buckets[r.digits[level]] = append(buckets[r.digits[level]], r)
		}
		var next []candidate
		for _, bucket := range buckets {
			for a := 0; a < len(bucket); a++ {
				for b := a + 1; b < len(bucket); b++ {
					left, right := bucket[a], bucket[b]
					if overlaps(left.indices, right.indices) {
						continue
					}
					if left.indices[0] > right.indices[0] {
						left, right = right, left
					}
					digits := make([]uint32, len(left.digits))
					for d := range digits {
						digits[d] = left.digits[d] ^ right.digits[d]
					}
					next = append(next, candidate{
						digits:  digits,
						indices: append(slices.Clone(left.indices), right.indices...),
					})
				}
			}
		}
		rows = next
	}

	var solutions [][]uint32
	for _, r := range rows {
		if r.digits[v.k] == 0 {
			solutions = append(solutions, r.indices)
		}
	}
	return solutions
}

func overlaps(a, b []uint32) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}

func findSolution(t *testing.T, v *Verifier) ([]byte, []uint32) {
	t.Helper()
	for nonce := 0; nonce < 64; nonce++ {
		header := bytes.Repeat([]byte{byte(nonce)}, 140)
		if sols := solve(v, header); len(sols) > 0 {
			return header, sols[0]
		}
	}
	t.Fatal("no solution found for any test header")
	return nil, nil
}

func TestNewVerifier_Aion(t *testing.T) {
	v := NewVerifier(AionN, AionK)
	if v.SolutionSize() != 1408 {
		t.Errorf("SolutionSize() = %d, want 1408", v.SolutionSize())
	}
	if v.digitBits != 21 || v.indicesPerHash != 2 || v.segmentSize != 27 {
		t.Errorf("parameters = %d bits, %d per hash, %d bytes", v.digitBits, v.indicesPerHash, v.segmentSize)
	}
	want := []byte{'A', 'I', 'O', 'N', '0', 'P', 'o', 'W', 210, 0, 0, 0, 9, 0, 0, 0}
	if !bytes.Equal(v.person, want) {
		t.Errorf("person = %x, want %x", v.person, want)
	}
}

// Expected digits were computed with an independent BLAKE2b implementation
// (54-byte output, AION0PoW personalisation, 27-byte segments).
func TestDigits_Aion(t *testing.T) {
	v := NewVerifier(AionN, AionK)
	header := make([]byte, 0, 528)
	for _i := 0; _i < 2; _i++ {
		for b := 0; b < 256; b++ {
			header = append(header, byte(b))
		}
	}
	header = append(header, make([]byte, 16)...)

	tests := []struct {
		index uint32
		want  []uint32
	}{
		{0, []uint32{281808, 1200396, 279256, 1823231, 518738, 1703660, 712247, 492619, 826057, 1097939}},
		{1, []uint32{359886, 1370272, 1378887, 1671212, 1560149, 1003902, 464003, 625166, 1539524, 150690}},
		{12345, []uint32{863307, 984683, 180107, 1789400, 1361153, 1237639, 1612265, 886169, 1364552, 1772}},
		{1<<22 - 1, []uint32{1828385, 1339322, 851076, 1344271, 1747568, 56641, 926196, 56128, 1610961, 1588937}},
	}

	for _, tt := range tests {
		if got := v.digits(header, tt.index); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("digits(%d) = %v, want %v", tt.index, got, tt.want)
		}
	}
}

func TestNewVerifier_InvalidParameters(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewVerifier(210, 8) should panic")
		}
	}()
	NewVerifier(210, 8)
}

func TestIndicesRoundTrip(t *testing.T) {
	v := NewVerifier(AionN, AionK)
	indices := make([]uint32, 512)
	for i := range indices {
		indices[i] = uint32(i*8191) % (1 << 22)
	}

	got, ok := v.decodeIndices(encodeIndices(indices, 22))
	if !ok {
		t.Fatal("decodeIndices() rejected a well sized solution")
	}
	if !reflect.DeepEqual(got, indices) {
		t.Error("decodeIndices() did not round trip")
	}
}

func TestVerify_ValidSolution(t *testing.T) {
	v := NewVerifier(48, 5)
	header, indices := findSolution(t, v)

	solution := encodeIndices(indices, v.digitBits+1)
	if !v.Verify(header, solution) {
		t.Fatal("Verify() rejected a solved header")
	}

	other := append(bytes.Clone(header), 0x01)
	if v.Verify(other, solution) {
		t.Error("Verify() accepted the solution for a different header")
	}
}

func TestVerify_Rejections(t *testing.T) {
	v := NewVerifier(48, 5)
	header, indices := findSolution(t, v)
	width := v.digitBits + 1

	swapped := slices.Clone(indices)
	swapped[0], swapped[1] = swapped[1], swapped[0]

	duplicated := slices.Clone(indices)
	duplicated[1] = duplicated[0]

	half := len(indices) / 2
	subtrees := append(slices.Clone(indices[half:]), indices[:half]...)

	tests := []struct {
		name     string
		solution []byte
	}{
		{"empty", nil},
		{"short", encodeIndices(indices, width)[1:]},
		{"unordered leaves", encodeIndices(swapped, width)},
		{"unordered subtrees", encodeIndices(subtrees, width)},
		{"duplicate index", encodeIndices(duplicated, width)},
		{"all zero", make([]byte, v.SolutionSize())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if v.Verify(header, tt.solution) {
				t.Error("Verify() accepted an invalid solution")
			}
		})
	}
}

func TestVerify_AionRejectsGarbage(t *testing.T) {
	v := NewVerifier(AionN, AionK)
	header := make([]byte, 528)
	solution := bytes.Repeat([]byte{0xa5}, v.SolutionSize())
	if v.Verify(header, solution) {
		t.Error("Verify() accepted a repeated byte solution")
	}
}
