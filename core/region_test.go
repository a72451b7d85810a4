package core

import "testing"

func TestTelescopingWindowsTileTimeAxis(t *testing.T) {
	cfg := RegionConfig{RecentWindowMS: 1000, Levels: 3}
	windows := telescopingWindows(100_000, cfg)

	// Newest first, each older window doubling, final catch-all to epoch.
	if windows[0].end != 100_000 || windows[0].start != 99_000 {
		t.Fatalf("newest window wrong: %+v", windows[0])
	}
	for i := 1; i < len(windows); i++ {
		if windows[i].end != windows[i-1].start {
			t.Fatalf("window %d does not abut window %d", i, i-1)
		}
	}
	if windows[len(windows)-1].start != 0 {
		t.Fatal("oldest window must reach the epoch")
	}
}

func TestRegionSetsMatchForIdenticalHoldings(t *testing.T) {
	kp, _ := GenerateKeyPair()
	op, _ := makeCreateOp(t, kp, `{"r":1}`)
	set := NewArcSet(FullArc())
	now := op.Action.Timestamp + 1000

	mine := BuildRegionSet([]Op{op}, set, now, DefaultRegionConfig())
	theirs := BuildRegionSet([]Op{op}, set, now, DefaultRegionConfig())

	if diff := DiffRegionSets(mine, theirs); len(diff) != 0 {
		t.Fatalf("identical holdings must produce no mismatched regions, got %d", len(diff))
	}
}

func TestRegionDiffIsolatesMismatchedRegion(t *testing.T) {
	kp, _ := GenerateKeyPair()
	shared, _ := makeCreateOp(t, kp, `{"r":"shared"}`)
	extra, _ := makeCreateOp(t, kp, `{"r":"extra"}`)
	set := NewArcSet(FullArc())
	now := shared.Action.Timestamp + 1000

	mine := BuildRegionSet([]Op{shared}, set, now, DefaultRegionConfig())
	theirs := BuildRegionSet([]Op{shared, extra}, set, now, DefaultRegionConfig())

	diff := DiffRegionSets(mine, theirs)
	if len(diff) == 0 {
		t.Fatal("a one-op delta must surface at least one mismatched region")
	}
	if !RegionsCover(diff, extra.Basis.Location, extra.Action.Timestamp) {
		t.Fatal("the mismatched regions must cover the differing op")
	}
	if RegionsCover(diff, shared.Basis.Location, shared.Action.Timestamp) &&
		len(diff) == len(mine.Regions) {
		t.Fatal("matching regions must not all be reported as mismatched")
	}
}

func TestRegionFingerprintIsOrderIndependent(t *testing.T) {
	kp, _ := GenerateKeyPair()
	a, _ := makeCreateOp(t, kp, `{"r":"a"}`)
	b, _ := makeCreateOp(t, kp, `{"r":"b"}`)
	set := NewArcSet(FullArc())
	now := a.Action.Timestamp + 1000

	forward := BuildRegionSet([]Op{a, b}, set, now, DefaultRegionConfig())
	backward := BuildRegionSet([]Op{b, a}, set, now, DefaultRegionConfig())

	if len(DiffRegionSets(forward, backward)) != 0 {
		t.Fatal("region fingerprints must not depend on op iteration order")
	}
}
