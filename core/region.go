package core

// region.go implements the Region mode of a gossip round's op diff: the
// negotiated arc set is partitioned into (arc, time-window) regions, the
// time axis telescoping so recent history is compared at fine grain and old,
// mostly-synced history in a few coarse buckets. Each region carries an op
// count, a byte size, and an order-independent fingerprint; two partners
// need to exchange op hashes only for the regions where those disagree.

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Region is one cell of the arc x time partition. TimeStart is inclusive,
// TimeEnd exclusive, both in ms.
type Region struct {
	Arc       Arc   `json:"arc"`
	TimeStart int64 `json:"time_start_ms"`
	TimeEnd   int64 `json:"time_end_ms"`
}

// Covers reports whether an op at loc with timestamp ts falls inside r.
func (r Region) Covers(loc uint32, ts int64) bool {
	return r.Arc.Contains(loc) && ts >= r.TimeStart && ts < r.TimeEnd
}

// RegionData is a region plus the summary of the ops a partner holds in it.
type RegionData struct {
	Region      Region   `json:"region"`
	Count       uint32   `json:"count"`
	Bytes       uint64   `json:"bytes"`
	Fingerprint [32]byte `json:"fingerprint"`
}

// RegionSet is one partner's summary over the full negotiated partition.
// Both sides build it from the same arc set and reference time so regions
// align pairwise.
type RegionSet struct {
	Regions []RegionData `json:"regions"`
}

// RegionConfig tunes the telescoping partition.
type RegionConfig struct {
	// RecentWindowMS is the span of the newest time window; each older
	// window doubles the previous span.
	RecentWindowMS int64
	// Levels is how many doubling windows precede the final catch-all
	// window reaching back to the epoch.
	Levels int
}

func DefaultRegionConfig() RegionConfig {
	return RegionConfig{RecentWindowMS: 15 * 60 * 1000, Levels: 8}
}

type timeWindow struct {
	start int64 // inclusive
	end   int64 // exclusive
}

// telescopingWindows slices [0, nowMS) into cfg.Levels doubling windows
// ending at nowMS, newest first, plus one catch-all covering everything
// older.
func telescopingWindows(nowMS int64, cfg RegionConfig) []timeWindow {
	var out []timeWindow
	end := nowMS
	span := cfg.RecentWindowMS
	for i := 0; i < cfg.Levels && end > 0; i++ {
		start := end - span
		if start < 0 {
			start = 0
		}
		out = append(out, timeWindow{start: start, end: end})
		end = start
		span *= 2
	}
	if end > 0 {
		out = append(out, timeWindow{start: 0, end: end})
	}
	return out
}

// opFingerprint derives the 32-byte token XOR-folded into a region's
// fingerprint. It hashes the action hash together with the op type so the
// several projections of one action contribute distinct tokens.
func opFingerprint(h OpHash) [32]byte {
	b := h.ActionHash.Bytes()
	b = append(b, byte(h.Type))
	return blake2b.Sum256(b)
}

func opSize(op Op) uint64 {
	size := uint64(HashSize)
	if op.Entry != nil {
		size += uint64(len(op.Entry.Payload))
	}
	return size
}

// BuildRegionSet summarizes ops over the (set x telescoping-time) partition
// anchored at nowMS. Empty regions are kept so both partners' sets align
// index-for-index when built from the same arcs and reference time.
func BuildRegionSet(ops []Op, set ArcSet, nowMS int64, cfg RegionConfig) RegionSet {
	windows := telescopingWindows(nowMS, cfg)
	var rs RegionSet
	for _, arc := range set.Arcs() {
		for _, w := range windows {
			rd := RegionData{Region: Region{Arc: arc, TimeStart: w.start, TimeEnd: w.end}}
			for _, op := range ops {
				if !rd.Region.Covers(op.Basis.Location, op.Action.Timestamp) {
					continue
				}
				rd.Count++
				rd.Bytes += opSize(op)
				fp := opFingerprint(op.Hash())
				for i := range rd.Fingerprint {
					rd.Fingerprint[i] ^= fp[i]
				}
			}
			rs.Regions = append(rs.Regions, rd)
		}
	}
	return rs
}

// regionKey identifies a region by its coordinates for pairwise comparison.
func regionKey(r Region) [28]byte {
	var k [28]byte
	binary.LittleEndian.PutUint32(k[0:4], r.Arc.Start)
	binary.LittleEndian.PutUint64(k[4:12], r.Arc.Length)
	binary.LittleEndian.PutUint64(k[12:20], uint64(r.TimeStart))
	binary.LittleEndian.PutUint64(k[20:28], uint64(r.TimeEnd))
	return k
}

// DiffRegionSets returns the regions where the two summaries disagree: a
// count or fingerprint mismatch, or a region present on only one side. Ops
// outside the returned regions are already in sync and need no hash
// exchange.
func DiffRegionSets(mine, theirs RegionSet) []Region {
	index := make(map[[28]byte]RegionData, len(theirs.Regions))
	for _, rd := range theirs.Regions {
		index[regionKey(rd.Region)] = rd
	}

	var out []Region
	seen := make(map[[28]byte]bool, len(mine.Regions))
	for _, rd := range mine.Regions {
		k := regionKey(rd.Region)
		seen[k] = true
		other, ok := index[k]
		if !ok {
			if rd.Count > 0 {
				out = append(out, rd.Region)
			}
			continue
		}
		if rd.Count != other.Count || rd.Fingerprint != other.Fingerprint {
			out = append(out, rd.Region)
		}
	}
	for _, rd := range theirs.Regions {
		if !seen[regionKey(rd.Region)] && rd.Count > 0 {
			out = append(out, rd.Region)
		}
	}
	return out
}

// RegionsCover reports whether any region in regions covers an op at loc
// with timestamp ts.
func RegionsCover(regions []Region, loc uint32, ts int64) bool {
	for _, r := range regions {
		if r.Covers(loc, ts) {
			return true
		}
	}
	return false
}
