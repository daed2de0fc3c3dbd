// Package bloom implements the per-SSTable bloom filter sidecar: an
// approximate membership test that lets a point read skip a miss without
// touching the data file.
package bloom

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/twmb/murmur3"
)

// ErrInvalidFilter is returned when serialized bloom filter data is
// malformed or truncated.
var ErrInvalidFilter = errors.New("bloom: invalid filter data")

// TargetFalsePositiveRate is the design target from spec.md §3.
const TargetFalsePositiveRate = 0.01

// Filter is a probabilistic set membership test: false positives are
// possible, false negatives are not.
type Filter struct {
	bits      []byte
	numBits   uint64
	numHashes int
}

// New sizes a filter for expectedItems entries at the given target false
// positive rate, using the standard formulas m = -n*ln(p)/(ln2)^2 and
// k = (m/n)*ln2.
func New(expectedItems int, falsePositiveRate float64) *Filter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = TargetFalsePositiveRate
	}

	n := float64(expectedItems)
	ln2 := math.Ln2
	numBits := uint64(math.Ceil(-n * math.Log(falsePositiveRate) / (ln2 * ln2)))
	if numBits < 64 {
		numBits = 64
	}
	numHashes := int(math.Round((float64(numBits) / n) * ln2))
	if numHashes < 1 {
		numHashes = 1
	}
	if numHashes > 30 {
		numHashes = 30
	}

	byteSize := (numBits + 7) / 8
	return &Filter{
		bits:      make([]byte, byteSize),
		numBits:   byteSize * 8,
		numHashes: numHashes,
	}
}

// Add inserts a key into the filter.
func (f *Filter) Add(key []byte) {
	h1, h2 := murmur3.Sum128(key)
	for i := 0; i < f.numHashes; i++ {
		bit := f.combine(h1, h2, i) % f.numBits
		f.bits[bit/8] |= 1 << (bit % 8)
	}
}

// MayContain reports whether key might be in the set. false is a definite
// answer ("not present"); true means "present, or a false positive".
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := murmur3.Sum128(key)
	for i := 0; i < f.numHashes; i++ {
		bit := f.combine(h1, h2, i) % f.numBits
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// combine implements the Kirsch-Mitzenmacher double-hashing technique:
// the i-th probe is derived from a single murmur3 pass instead of i
// independent hash functions.
func (f *Filter) combine(h1, h2 uint64, i int) uint64 {
	return h1 + uint64(i)*h2
}

// Marshal serializes the filter: numBits(8) | numHashes(4) | bits.
func (f *Filter) Marshal() []byte {
	buf := make([]byte, 12+len(f.bits))
	binary.LittleEndian.PutUint64(buf[0:8], f.numBits)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(f.numHashes))
	copy(buf[12:], f.bits)
	return buf
}

// Unmarshal deserializes a filter previously produced by Marshal.
func Unmarshal(data []byte) (*Filter, error) {
	if len(data) < 12 {
		return nil, ErrInvalidFilter
	}
	numBits := binary.LittleEndian.Uint64(data[0:8])
	numHashes := int(binary.LittleEndian.Uint32(data[8:12]))
	expectedBytes := (numBits + 7) / 8
	bits := data[12:]
	if uint64(len(bits)) != expectedBytes {
		return nil, ErrInvalidFilter
	}
	out := make([]byte, len(bits))
	copy(out, bits)
	return &Filter{bits: out, numBits: numBits, numHashes: numHashes}, nil
}

// Stats reports filter occupancy, for diagnostics.
func (f *Filter) Stats() map[string]interface{} {
	setBits := 0
	for _, b := range f.bits {
		for i := 0; i < 8; i++ {
			if b&(1<<i) != 0 {
				setBits++
			}
		}
	}
	fillRatio := float64(setBits) / float64(f.numBits)
	fpr := math.Pow(fillRatio, float64(f.numHashes))

	return map[string]interface{}{
		"num_bits":      f.numBits,
		"num_hashes":    f.numHashes,
		"set_bits":      setBits,
		"fill_ratio":    fillRatio,
		"estimated_fpr": fpr,
		"bytes":         len(f.bits),
	}
}
