package core

// bloom.go implements the Bloom-filter op-diff strategy a gossip round uses
// to ask a peer "which of these do you not have" without transferring every
// hash. Built on bits-and-blooms/bitset as the underlying bit array, with
// the k-hash double-hashing scheme (Kirsch-Mitzenmacher) layered on top in
// plain Go since the bitset library itself is bit-storage only.

import (
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/crypto/blake2b"
)

// OpBloomFilter is a fixed-size Bloom filter over OpHash values, built by
// one gossip partner and tested by the other to find hashes likely absent
// on the builder's side.
type OpBloomFilter struct {
	bits *bitset.BitSet
	m    uint
	k    uint
	n    uint // number of items inserted, for false-positive-rate bookkeeping
}

// NewOpBloomFilter sizes a filter for expectedItems at falsePositiveRate,
// using the standard m = -n*ln(p)/(ln2)^2, k = (m/n)*ln2 formulas.
func NewOpBloomFilter(expectedItems int, falsePositiveRate float64) *OpBloomFilter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	m, k := bloomParams(expectedItems, falsePositiveRate)
	return &OpBloomFilter{bits: bitset.New(m), m: m, k: k}
}

func bloomParams(n int, p float64) (m uint, k uint) {
	const ln2Sq = 0.4804530139182014 // ln(2)^2
	mf := -float64(n) * math.Log(p) / ln2Sq
	if mf < 8 {
		mf = 8
	}
	m = uint(mf)
	kf := (mf / float64(n)) * math.Ln2
	if kf < 1 {
		kf = 1
	}
	k = uint(kf)
	if k > 16 {
		k = 16
	}
	return m, k
}

// Add inserts h into the filter.
func (f *OpBloomFilter) Add(h OpHash) {
	h1, h2 := f.splitHash(h)
	for i := uint(0); i < f.k; i++ {
		f.bits.Set(f.index(h1, h2, i))
	}
	f.n++
}

// MightContain reports whether h is possibly present (true positives
// guaranteed; false positives possible at the configured rate, false
// negatives impossible).
func (f *OpBloomFilter) MightContain(h OpHash) bool {
	h1, h2 := f.splitHash(h)
	for i := uint(0); i < f.k; i++ {
		if !f.bits.Test(f.index(h1, h2, i)) {
			return false
		}
	}
	return true
}

func (f *OpBloomFilter) index(h1, h2 uint64, i uint) uint {
	combined := h1 + uint64(i)*h2
	return uint(combined % uint64(f.m))
}

func (f *OpBloomFilter) splitHash(h OpHash) (uint64, uint64) {
	var buf [33]byte
	copy(buf[:32], h.ActionHash.Body[:])
	buf[32] = byte(h.Type)
	sum := blake2b.Sum256(buf[:])
	return binary.LittleEndian.Uint64(sum[0:8]), binary.LittleEndian.Uint64(sum[8:16])
}

// Diff returns every hash in candidates that MightContain reports absent
// from the filter: the set the filter's builder is missing.
func (f *OpBloomFilter) Diff(candidates []OpHash) []OpHash {
	var missing []OpHash
	for _, h := range candidates {
		if !f.MightContain(h) {
			missing = append(missing, h)
		}
	}
	return missing
}

// bloomWire is the JSON shape an OpBloomFilter crosses a gossip stream as.
type bloomWire struct {
	Bits *bitset.BitSet `json:"bits"`
	M    uint           `json:"m"`
	K    uint           `json:"k"`
	N    uint           `json:"n"`
}

func (f *OpBloomFilter) MarshalJSON() ([]byte, error) {
	return json.Marshal(bloomWire{Bits: f.bits, M: f.m, K: f.k, N: f.n})
}

func (f *OpBloomFilter) UnmarshalJSON(b []byte) error {
	var w bloomWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	f.bits, f.m, f.k, f.n = w.Bits, w.M, w.K, w.N
	return nil
}
