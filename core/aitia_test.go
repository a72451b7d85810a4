package core

import "testing"

func TestAitiaDiagnosePassThroughEvery(t *testing.T) {
	g := NewGraph()
	a := g.AddFact("a", func() bool { return true })
	b := g.AddFact("b", func() bool { return true })
	root := g.AddFact("root", nil)
	g.AddCause(root, CauseEvery, a, b)

	r := g.Diagnose(root)
	if r.Verdict != VerdictPass {
		t.Fatalf("want Pass, got %v", r.Verdict)
	}
}

func TestAitiaFailWhenOneEveryCauseFails(t *testing.T) {
	g := NewGraph()
	a := g.AddFact("a", func() bool { return true })
	b := g.AddFact("b", func() bool { return false })
	root := g.AddFact("root", nil)
	g.AddCause(root, CauseEvery, a, b)

	r := g.Diagnose(root)
	if r.Verdict != VerdictFail {
		t.Fatalf("want Fail, got %v", r.Verdict)
	}
	// a passes directly, so it's recorded in Passes rather than nested into
	// Tree (nothing further to explain beneath a passing fact); b is
	// Groundless (no cause of its own) and so is discarded entirely.
	if len(r.Tree) != 0 {
		t.Fatalf("want no nested tree entries (no failing-but-grounded child), got %+v", r.Tree)
	}
	if len(r.Passes) != 1 || r.Passes[0] != "a" {
		t.Fatalf("want a recorded as the passing fact, got %v", r.Passes)
	}
}

func TestAitiaPassThroughAny(t *testing.T) {
	g := NewGraph()
	a := g.AddFact("a", func() bool { return false })
	b := g.AddFact("b", func() bool { return true })
	root := g.AddFact("root", nil)
	g.AddCause(root, CauseAny, a, b)

	r := g.Diagnose(root)
	if r.Verdict != VerdictPass {
		t.Fatalf("want Pass via Any, got %v", r.Verdict)
	}
	if len(r.Passes) != 1 || r.Passes[0] != "b" {
		t.Fatalf("want b recorded as the passing cause, got %v", r.Passes)
	}
}

func TestAitiaGroundlessFactWithNoCheckOrCause(t *testing.T) {
	g := NewGraph()
	orphan := g.AddFact("orphan", nil)

	r := g.Diagnose(orphan)
	if r.Verdict != VerdictGroundless {
		t.Fatalf("want Groundless for a fact with neither a check nor causes, got %v", r.Verdict)
	}
}

func TestAitiaCycleIsGroundlessNotInfiniteRecursion(t *testing.T) {
	g := NewGraph()
	a := g.AddFact("a", nil)
	b := g.AddFact("b", nil)
	g.AddCause(a, CauseEvery, b)
	g.AddCause(b, CauseEvery, a)

	r := g.Diagnose(a)
	if r.Verdict != VerdictFail && r.Verdict != VerdictGroundless {
		t.Fatalf("a self-referential cause chain must terminate, got %v", r.Verdict)
	}
}

func TestAitiaDiamondDependencyEvaluatedOnce(t *testing.T) {
	g := NewGraph()
	calls := 0
	shared := g.AddFact("shared", func() bool { calls++; return true })
	left := g.AddFact("left", nil)
	right := g.AddFact("right", nil)
	root := g.AddFact("root", nil)
	g.AddCause(left, CauseEvery, shared)
	g.AddCause(right, CauseEvery, shared)
	g.AddCause(root, CauseEvery, left, right)

	r := g.Diagnose(root)
	if r.Verdict != VerdictPass {
		t.Fatalf("want Pass, got %v", r.Verdict)
	}
	if calls != 1 {
		t.Fatalf("want the shared fact's check evaluated exactly once, got %d", calls)
	}
}

// TestAitiaSelfCausingFactIsGroundless checks that a single
// fact whose check is false and whose only cause is itself must resolve to
// Groundless, never Fail.
func TestAitiaSelfCausingFactIsGroundless(t *testing.T) {
	g := NewGraph()
	self := g.AddFact("self", func() bool { return false })
	g.AddCause(self, CauseEvery, self)

	r := g.Diagnose(self)
	if r.Verdict != VerdictGroundless {
		t.Fatalf("want Groundless for a self-causing failing fact, got %v", r.Verdict)
	}
}

// chainFact builds a single-cause node n -> wrapping child, each carrying
// its own explicit (possibly false) check, mirroring the single-chain
// {3->2->1->0} single-path causal chain.
func chainFact(g *Graph, label string, pass bool, cause nodeIndex, hasCause bool) nodeIndex {
	idx := g.AddFact(label, func() bool { return pass })
	if hasCause {
		g.AddCause(idx, CauseEvery, cause)
	}
	return idx
}

// TestAitiaSinglePathChainOnlyLeafPasses covers the chain whose only passing
// case: facts {3->2->1->0}, only 0 passes. Diagnosing 3 must return Fail
// whose (root-inclusive) tree chain is {3,2,1} joined by 2 edges, with 0
// recorded only as a passing fact.
func TestAitiaSinglePathChainOnlyLeafPasses(t *testing.T) {
	g := NewGraph()
	n0 := chainFact(g, "0", true, 0, false)
	n1 := chainFact(g, "1", false, n0, true)
	n2 := chainFact(g, "2", false, n1, true)
	n3 := chainFact(g, "3", false, n2, true)

	r := g.Diagnose(n3)
	if r.Verdict != VerdictFail {
		t.Fatalf("want Fail, got %v", r.Verdict)
	}
	if len(r.Passes) != 1 || r.Passes[0] != "0" {
		t.Fatalf("want 0 recorded as the sole passing fact, got %v", r.Passes)
	}
	// root(3) -> tree[0] is "2" -> tree[0] is "1" -> empty tree: a chain of
	// 3 nodes (3,2,1) joined by 2 edges, 0 appearing only in Passes.
	if len(r.Tree) != 1 || r.Tree[0].Fact != "2" {
		t.Fatalf("want 2 as 3's sole nested tree entry, got %+v", r.Tree)
	}
	inner := r.Tree[0]
	if len(inner.Tree) != 1 || inner.Tree[0].Fact != "1" {
		t.Fatalf("want 1 as 2's sole nested tree entry, got %+v", inner.Tree)
	}
	if len(inner.Tree[0].Tree) != 0 {
		t.Fatalf("want 1's own tree empty (0 is recorded via Passes, not nested), got %+v", inner.Tree[0].Tree)
	}
}

// TestAitiaSinglePathChainMidpointPasses covers the chain whose midpoint
// case: only 1 passes. Diagnosing 3 returns Fail whose tree chain is
// {3,2} joined by 1 edge.
func TestAitiaSinglePathChainMidpointPasses(t *testing.T) {
	g := NewGraph()
	n0 := chainFact(g, "0", false, 0, false)
	n1 := chainFact(g, "1", true, n0, true)
	n2 := chainFact(g, "2", false, n1, true)
	n3 := chainFact(g, "3", false, n2, true)

	r := g.Diagnose(n3)
	if r.Verdict != VerdictFail {
		t.Fatalf("want Fail, got %v", r.Verdict)
	}
	if len(r.Passes) != 1 || r.Passes[0] != "1" {
		t.Fatalf("want 1 recorded as the sole passing fact, got %v", r.Passes)
	}
	if len(r.Tree) != 1 || r.Tree[0].Fact != "2" {
		t.Fatalf("want 2 as 3's sole nested tree entry, got %+v", r.Tree)
	}
	if len(r.Tree[0].Tree) != 0 {
		t.Fatalf("want 2's own tree empty (1 is recorded via Passes, not nested), got %+v", r.Tree[0].Tree)
	}
}

// TestAitiaAnyExploresBothBranches mirrors S6's shape: an Any cause over
// two children, both of which are explored (not short-circuited at the
// first passing branch), each surfacing its own passing fact.
func TestAitiaAnyExploresBothBranches(t *testing.T) {
	g := NewGraph()
	left := g.AddFact("left", func() bool { return true })
	right := g.AddFact("right", func() bool { return true })
	root := g.AddFact("root", func() bool { return false })
	g.AddCause(root, CauseAny, left, right)

	r := g.Diagnose(root)
	if r.Verdict != VerdictFail {
		t.Fatalf("want Fail (root's own check is false despite both causes passing), got %v", r.Verdict)
	}
	if len(r.Passes) != 2 {
		t.Fatalf("want both branches' passing facts recorded, got %v", r.Passes)
	}
}
