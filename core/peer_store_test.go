package core

import (
	"testing"
	"time"
)

func TestPeerStoreRejectsUnsignedInfo(t *testing.T) {
	kp, _ := GenerateKeyPair()
	info := NewAgentInfo(kp, []string{"tcp://127.0.0.1:1"}, FullArc(), 1000, time.Hour)
	info.Signature[0] ^= 0xFF // tamper

	store := NewPeerStore()
	if store.Put(info) {
		t.Fatal("a tampered AgentInfo must be rejected")
	}
}

func TestPeerStoreKeepsFreshestRecord(t *testing.T) {
	kp, _ := GenerateKeyPair()
	store := NewPeerStore()

	older := NewAgentInfo(kp, []string{"tcp://old"}, FullArc(), 1000, time.Hour)
	newer := NewAgentInfo(kp, []string{"tcp://new"}, FullArc(), 2000, time.Hour)

	if !store.Put(older) {
		t.Fatal("first record should be accepted")
	}
	if !store.Put(newer) {
		t.Fatal("strictly newer record should be accepted")
	}
	if store.Put(older) {
		t.Fatal("stale record must not replace a newer one")
	}

	got, ok := store.Get(kp.AgentPubKeyOf())
	if !ok || got.URLs[0] != "tcp://new" {
		t.Fatalf("want the newer record retained, got %+v (ok=%v)", got, ok)
	}
}

func TestPeerStorePruneExpired(t *testing.T) {
	kp, _ := GenerateKeyPair()
	store := NewPeerStore()
	info := NewAgentInfo(kp, nil, FullArc(), 1000, time.Millisecond)
	store.Put(info)

	if n := store.Prune(1000 + 2); n != 1 {
		t.Fatalf("want 1 pruned record, got %d", n)
	}
	if _, ok := store.Get(kp.AgentPubKeyOf()); ok {
		t.Fatal("pruned record must no longer be retrievable")
	}
}

func TestPeerStoreOverlappingArcs(t *testing.T) {
	kpA, _ := GenerateKeyPair()
	kpB, _ := GenerateKeyPair()
	store := NewPeerStore()
	store.Put(NewAgentInfo(kpA, nil, Arc{Start: 0, Length: 1000}, 1000, time.Hour))
	store.Put(NewAgentInfo(kpB, nil, Arc{Start: 50000, Length: 1000}, 1000, time.Hour))

	overlap := store.OverlappingArcs(Arc{Start: 500, Length: 1000})
	if len(overlap) != 1 || overlap[0].Agent != kpA.AgentPubKeyOf() {
		t.Fatalf("want exactly peer A overlapping the query arc, got %d matches", len(overlap))
	}
}
