package core

// arc.go implements the storage-arc ring geometry: a contiguous span of
// the 32-bit DHT ring an agent commits to hold, the arc-set abstraction
// closed under intersection/union/difference that a gossip round needs to
// scope itself to a common region, and the adaptive resizing policy
// that keeps coverage near a target redundancy level by adjusting a
// power-of-two-quantized chunk count.

import (
	"encoding/json"
	"math"
	"sort"
)

// RingSize is the full 32-bit ring's span, matching Hash.Location's domain.
const RingSize uint64 = 1 << 32

// MaxHalfLength is the largest half-length a storage arc may claim: beyond
// this the arc already covers the whole ring.
const MaxHalfLength uint64 = RingSize / 2

// Arc is a contiguous span [Start, Start+Length) on the ring, wrapping
// modulo RingSize. Length == 0 means empty; Length == RingSize means full
// coverage.
type Arc struct {
	Start  uint32
	Length uint64
}

// FullArc returns an arc covering the entire ring.
func FullArc() Arc { return Arc{Start: 0, Length: RingSize} }

// EmptyArc returns an arc covering nothing.
func EmptyArc() Arc { return Arc{Start: 0, Length: 0} }

// NewArcFromCenterHalfLength builds a storage arc the way peers describe
// one: a center (fixed to the owning agent's hash location in practice)
// plus a half-length in [0, MaxHalfLength], covering [center-half,
// center+half] inclusive of both ends.
func NewArcFromCenterHalfLength(center uint32, half uint64) Arc {
	if half == 0 {
		return Arc{Start: center, Length: 1}
	}
	if half > MaxHalfLength {
		half = MaxHalfLength
	}
	start := uint32((uint64(center) - half + RingSize) % RingSize)
	length := 2*half + 1
	if length > RingSize {
		length = RingSize
	}
	return Arc{Start: start, Length: length}
}

// Center returns the arc's midpoint, the location NewArcFromCenterHalfLength
// would have been called with to produce an arc of the same length.
func (a Arc) Center() uint32 {
	return uint32((uint64(a.Start) + a.Length/2) % RingSize)
}

// HalfLength returns the arc's half-length as used by
// NewArcFromCenterHalfLength's [center-half, center+half] convention.
func (a Arc) HalfLength() uint64 {
	if a.Length == 0 {
		return 0
	}
	return (a.Length - 1) / 2
}

// Coverage reports this arc's fraction of the ring, in [0, 1].
func (a Arc) Coverage() float64 {
	if a.Length == 0 {
		return 0
	}
	return float64(a.Length) / float64(RingSize)
}

// Contains reports whether loc falls within the arc.
func (a Arc) Contains(loc uint32) bool {
	if a.Length == 0 {
		return false
	}
	if a.Length >= RingSize {
		return true
	}
	offset := uint64(loc-a.Start) % RingSize
	return offset < a.Length
}

// end returns the arc's exclusive end point on the ring (may wrap past
// 2^32, interpret modulo RingSize).
func (a Arc) end() uint64 { return uint64(a.Start) + a.Length }

// Intersects reports whether a and b share any point on the ring.
func (a Arc) Intersects(b Arc) bool {
	if a.Length == 0 || b.Length == 0 {
		return false
	}
	if a.Length >= RingSize || b.Length >= RingSize {
		return true
	}
	// Shift so a starts at 0, reducing to an interval-overlap check mod RingSize.
	bStart := (uint64(b.Start) - uint64(a.Start) + RingSize) % RingSize
	bEnd := bStart + b.Length
	if bEnd <= RingSize {
		return bStart < a.Length
	}
	// b wraps past the ring origin relative to a: it covers [bStart, RingSize)
	// and [0, bEnd-RingSize).
	return bStart < a.Length || (bEnd-RingSize) > 0
}

// Union returns a single arc running from the lower of the two starts to the
// higher of the two ends, compared as unwrapped integers, so for arcs that
// wrap past the origin it can be larger than needed; a bounding
// approximation, not a true set union (which may need two disjoint
// intervals - see ArcSet.Union for that).
func (a Arc) Union(b Arc) Arc {
	if a.Length == 0 {
		return b
	}
	if b.Length == 0 {
		return a
	}
	aEnd := a.end()
	bStart := uint64(b.Start)
	bEnd := b.end()
	start := uint64(a.Start)
	if bStart < start {
		start = bStart
	}
	end := aEnd
	if bEnd > end {
		end = bEnd
	}
	length := end - start
	if length > RingSize {
		length = RingSize
	}
	return Arc{Start: uint32(start % RingSize), Length: length}
}

// Intersection returns the exact overlap between a and b as zero, one, or
// two disjoint arcs (two when the overlap straddles the ring's origin).
// Testable property 4's literal vectors: {c=10,h=5} ∩ {c=20,h=3} = empty;
// {c=10,h=10} ∩ {c=18,h=5} = [13,20].
func (a Arc) Intersection(b Arc) []Arc {
	if a.Length == 0 || b.Length == 0 {
		return nil
	}
	return linToArcs(mergeLin(intersectLin(splitArc(a), splitArc(b))))
}

//---------------------------------------------------------------------
// Linear (non-wrapping) interval helpers backing Intersection and ArcSet.
//---------------------------------------------------------------------

// linInterval is a half-open [lo, hi) span confined to [0, RingSize].
type linInterval struct{ lo, hi uint64 }

// splitArc unrolls a ring-wrapping Arc into one or two linear intervals
// that never cross the ring's origin.
func splitArc(a Arc) []linInterval {
	if a.Length == 0 {
		return nil
	}
	if a.Length >= RingSize {
		return []linInterval{{0, RingSize}}
	}
	lo := uint64(a.Start)
	hi := lo + a.Length
	if hi <= RingSize {
		return []linInterval{{lo, hi}}
	}
	return []linInterval{{lo, RingSize}, {0, hi - RingSize}}
}

// linToArcs converts normalized linear intervals back to Arcs.
func linToArcs(ivs []linInterval) []Arc {
	if len(ivs) == 0 {
		return nil
	}
	out := make([]Arc, 0, len(ivs))
	for _, iv := range ivs {
		if iv.hi <= iv.lo {
			continue
		}
		out = append(out, Arc{Start: uint32(iv.lo), Length: iv.hi - iv.lo})
	}
	return out
}

// mergeLin sorts and coalesces touching or overlapping intervals.
func mergeLin(ivs []linInterval) []linInterval {
	if len(ivs) == 0 {
		return nil
	}
	sorted := append([]linInterval{}, ivs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].lo < sorted[j].lo })
	out := []linInterval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if iv.lo <= last.hi {
			if iv.hi > last.hi {
				last.hi = iv.hi
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// intersectLin computes the pairwise overlap of two (already disjoint)
// sets of linear intervals.
func intersectLin(a, b []linInterval) []linInterval {
	var out []linInterval
	for _, x := range a {
		for _, y := range b {
			lo, hi := x.lo, x.hi
			if y.lo > lo {
				lo = y.lo
			}
			if y.hi < hi {
				hi = y.hi
			}
			if lo < hi {
				out = append(out, linInterval{lo, hi})
			}
		}
	}
	return out
}

// subtractLin removes every interval in b (already merged) from a.
func subtractLin(a, b []linInterval) []linInterval {
	result := append([]linInterval{}, a...)
	for _, y := range b {
		var next []linInterval
		for _, x := range result {
			if y.hi <= x.lo || y.lo >= x.hi {
				next = append(next, x)
				continue
			}
			if y.lo > x.lo {
				next = append(next, linInterval{x.lo, y.lo})
			}
			if y.hi < x.hi {
				next = append(next, linInterval{y.hi, x.hi})
			}
		}
		result = next
	}
	return result
}

//---------------------------------------------------------------------
// ArcSet: a canonical, possibly-multi-interval region of the ring.
//---------------------------------------------------------------------

// ArcSet is a canonicalized set of disjoint, non-touching arcs, closed
// under Intersect/Union/Difference.
type ArcSet struct {
	arcs []Arc
}

// NewArcSet canonicalizes arcs into a minimal, non-overlapping,
// non-touching representation, merging any that overlap or touch.
func NewArcSet(arcs ...Arc) ArcSet {
	var ivs []linInterval
	for _, a := range arcs {
		ivs = append(ivs, splitArc(a)...)
	}
	return ArcSet{arcs: linToArcs(mergeLin(ivs))}
}

// FullArcSet returns an ArcSet covering the entire ring.
func FullArcSet() ArcSet { return NewArcSet(FullArc()) }

// Arcs returns the set's canonical arcs.
func (s ArcSet) Arcs() []Arc { return append([]Arc{}, s.arcs...) }

// IsEmpty reports whether the set covers no part of the ring.
func (s ArcSet) IsEmpty() bool { return len(s.arcs) == 0 }

// Contains reports whether loc falls within any arc of the set.
func (s ArcSet) Contains(loc uint32) bool {
	for _, a := range s.arcs {
		if a.Contains(loc) {
			return true
		}
	}
	return false
}

// OverlapsArc reports whether a shares any point with the set.
func (s ArcSet) OverlapsArc(a Arc) bool {
	for _, b := range s.arcs {
		if a.Intersects(b) {
			return true
		}
	}
	return false
}

// TotalLength is the combined length of every arc in the set.
func (s ArcSet) TotalLength() uint64 {
	var total uint64
	for _, a := range s.arcs {
		total += a.Length
	}
	return total
}

// Intersect returns the set of points in both s and o.
func (s ArcSet) Intersect(o ArcSet) ArcSet {
	return ArcSet{arcs: linToArcs(mergeLin(intersectLin(arcsToLin(s.arcs), arcsToLin(o.arcs))))}
}

// Union returns the set of points in either s or o.
func (s ArcSet) Union(o ArcSet) ArcSet {
	return NewArcSet(append(append([]Arc{}, s.arcs...), o.arcs...)...)
}

// Difference returns the points in s that are not in o.
func (s ArcSet) Difference(o ArcSet) ArcSet {
	return ArcSet{arcs: linToArcs(subtractLin(arcsToLin(s.arcs), mergeLin(arcsToLin(o.arcs))))}
}

func arcsToLin(arcs []Arc) []linInterval {
	var out []linInterval
	for _, a := range arcs {
		out = append(out, splitArc(a)...)
	}
	return out
}

// MarshalJSON/UnmarshalJSON let an ArcSet cross the wire as a plain arc
// list (gossip's Initiate/Accept plan carries one per peer).
func (s ArcSet) MarshalJSON() ([]byte, error) {
	if s.arcs == nil {
		return json.Marshal([]Arc{})
	}
	return json.Marshal(s.arcs)
}

func (s *ArcSet) UnmarshalJSON(b []byte) error {
	var arcs []Arc
	if err := json.Unmarshal(b, &arcs); err != nil {
		return err
	}
	*s = NewArcSet(arcs...)
	return nil
}

//---------------------------------------------------------------------
// Adaptive arc resizing
//---------------------------------------------------------------------

// Arq is a power-of-two-quantized arc length: Count chunks of RingSize >>
// Power each, the compact representation an agent's signed info carries as its
// storage_arq {power, count}.
type Arq struct {
	Power uint8
	Count uint32
}

// ChunkSize is the length of one chunk at this Arq's power.
func (q Arq) ChunkSize() uint64 {
	if q.Power >= 32 {
		return 1
	}
	return RingSize >> uint(q.Power)
}

// FullCount is the chunk count that saturates the ring at this Arq's
// power: count == FullCount marks the arc "full".
func (q Arq) FullCount() uint32 {
	if q.Power >= 32 {
		return 1
	}
	return uint32(1) << uint(q.Power)
}

// Length is this Arq's arc length in ring units, capped at RingSize.
func (q Arq) Length() uint64 {
	l := uint64(q.Count) * q.ChunkSize()
	if l > RingSize {
		l = RingSize
	}
	return l
}

// IsFull reports whether this Arq has saturated the ring at its power.
func (q Arq) IsFull() bool { return q.Count >= q.FullCount() }

// ToArc renders this Arq as a concrete Arc centered on center.
func (q Arq) ToArc(center uint32) Arc {
	return NewArcFromCenterHalfLength(center, q.Length()/2)
}

// ArcResizePolicy tunes the coverage band ResizeArq aims to keep an arc
// within: grow when observed coverage of the arc's own interval falls
// below MinCoverage, shrink when it exceeds MaxCoverage, in both cases
// moving toward MidlineCoverage.
type ArcResizePolicy struct {
	MidlineCoverage float64
	MinCoverage     float64
	MaxCoverage     float64
	MaxPowerDiff    uint8 // bound on |new power - neighborhood median power|
}

func DefaultArcResizePolicy() ArcResizePolicy {
	return ArcResizePolicy{MidlineCoverage: 3.0, MinCoverage: 1.5, MaxCoverage: 6.0, MaxPowerDiff: 2}
}

// EstimateCoverage implements the extrapolated-coverage estimate for
// self's own interval: the sum of each peer arc's intersection length with
// self, divided by self's length, plus 1 for self.
func EstimateCoverage(self Arc, peerArcs []Arc) float64 {
	if self.Length == 0 {
		return 1
	}
	var sum float64
	for _, p := range peerArcs {
		var overlap uint64
		for _, iv := range self.Intersection(p) {
			overlap += iv.Length
		}
		sum += float64(overlap) / float64(self.Length)
	}
	return sum + 1
}

// ResizeArq recomputes current's target length from the observed coverage
// of its own interval against peerArcs, holding to three caps:
// growth never exceeds 2x the previous length, shrinkage never drops below
// 0.5x the previous length (nor below the length MinCoverage implies), and
// the resulting power is clamped to within MaxPowerDiff of
// neighborMedianPower. The target length is then re-quantized to a
// power-of-two chunk size/count pair, choosing the power that represents it
// with a count near idealChunkCount so neither field drifts to an extreme.
// center is the arc's fixed midpoint (the owning agent's hash location).
func ResizeArq(current Arq, center uint32, peerArcs []Arc, policy ArcResizePolicy, neighborMedianPower uint8) Arq {
	curLen := current.Length()
	if curLen == 0 {
		curLen = current.ChunkSize()
	}
	coverage := EstimateCoverage(current.ToArc(center), peerArcs)

	targetLen := curLen
	switch {
	case coverage < policy.MinCoverage:
		growth := policy.MidlineCoverage / math.Max(coverage, 1e-9)
		want := uint64(math.Ceil(float64(curLen) * growth))
		maxAllowed := curLen * 2
		if maxAllowed > RingSize {
			maxAllowed = RingSize
		}
		if want > maxAllowed {
			want = maxAllowed
		}
		if want < curLen {
			want = curLen
		}
		targetLen = want

	case coverage > policy.MaxCoverage:
		shrink := policy.MidlineCoverage / coverage
		want := uint64(math.Floor(float64(curLen) * shrink))
		minAllowed := uint64(math.Ceil(float64(curLen) * 0.5))
		if want < minAllowed {
			want = minAllowed
		}
		// Never shrink past the length that would itself imply MinCoverage:
		// approximate the peer contribution as scaling linearly with length.
		if nonSelf := coverage - 1; nonSelf > 0 {
			if floor := uint64(math.Ceil(float64(curLen) * (policy.MinCoverage - 1) / nonSelf)); want < floor {
				want = floor
			}
		}
		if want > curLen {
			want = curLen
		}
		targetLen = want
	}
	if targetLen == 0 {
		targetLen = 1
	}
	if targetLen > RingSize {
		targetLen = RingSize
	}

	power := idealPower(targetLen)
	if lo, hi := powerBounds(neighborMedianPower, policy.MaxPowerDiff); power < lo {
		power = lo
	} else if power > hi {
		power = hi
	}
	return Arq{Power: power, Count: countAtPower(targetLen, power)}
}

// idealChunkCount is the count ResizeArq's requantization step targets when
// picking a power for a given length, keeping chunk counts in a
// representable middle range rather than drifting to 1 or to FullCount.
const idealChunkCount = 8.0

// idealPower picks the power whose chunk size puts length's count closest
// to idealChunkCount.
func idealPower(length uint64) uint8 {
	if length == 0 {
		length = 1
	}
	ratio := (float64(RingSize) * idealChunkCount) / float64(length)
	if ratio < 1 {
		ratio = 1
	}
	p := math.Round(math.Log2(ratio))
	if p < 0 {
		p = 0
	}
	if p > 31 {
		p = 31
	}
	return uint8(p)
}

// countAtPower renders length as a chunk count at the given power, clamped
// to [1, FullCount(power)].
func countAtPower(length uint64, power uint8) uint32 {
	chunk := Arq{Power: power}.ChunkSize()
	full := Arq{Power: power}.FullCount()
	count := uint64(math.Round(float64(length) / float64(chunk)))
	if count < 1 {
		count = 1
	}
	if count > uint64(full) {
		count = uint64(full)
	}
	return uint32(count)
}

// powerBounds returns the inclusive [min, max] power range ResizeArq may
// pick within MaxPowerDiff of the neighborhood's median power.
func powerBounds(median, maxDiff uint8) (uint8, uint8) {
	lo := 0
	if int(median)-int(maxDiff) > 0 {
		lo = int(median) - int(maxDiff)
	}
	hi := int(median) + int(maxDiff)
	if hi > 31 {
		hi = 31
	}
	return uint8(lo), uint8(hi)
}
