package core

import (
	"context"
	"testing"
)

// fakeTransport is an in-memory GossipTransport standing in for
// Libp2pTransport in tests, so round logic can be exercised without a
// real network layer.
type fakeTransport struct {
	peerInfo  []AgentInfo
	peerHas   map[OpHash]Op
	pushed    []Op
	lastWant  []OpHash
}

func (f *fakeTransport) NegotiateArcSet(ctx context.Context, peer AgentPubKey, mine Arc) (ArcSet, bool, error) {
	return NewArcSet(FullArc()), false, nil
}

func (f *fakeTransport) ExchangeAgentInfo(ctx context.Context, peer AgentPubKey, mine []AgentInfo) ([]AgentInfo, error) {
	return f.peerInfo, nil
}

func (f *fakeTransport) ExchangeOpHashes(ctx context.Context, peer AgentPubKey, mine []OpHash) (OpDiff, error) {
	have := map[OpHash]bool{}
	for _, h := range mine {
		have[h] = true
	}
	var diff OpDiff
	for h := range f.peerHas {
		if !have[h] {
			diff.MissingHere = append(diff.MissingHere, h)
		}
	}
	for _, h := range mine {
		if _, ok := f.peerHas[h]; !ok {
			diff.MissingThere = append(diff.MissingThere, h)
		}
	}
	f.lastWant = diff.MissingHere
	return diff, nil
}

func (f *fakeTransport) FetchOps(ctx context.Context, peer AgentPubKey, want []OpHash) ([]Op, error) {
	var out []Op
	for _, h := range want {
		if op, ok := f.peerHas[h]; ok {
			out = append(out, op)
		}
	}
	return out, nil
}

func (f *fakeTransport) PushOps(ctx context.Context, peer AgentPubKey, ops []Op) error {
	f.pushed = append(f.pushed, ops...)
	return nil
}

func TestGossipRoundPullsMissingOps(t *testing.T) {
	kp, _ := GenerateKeyPair()
	partnerKP, _ := GenerateKeyPair()
	op, _ := makeCreateOp(t, kp, `{"gossip":1}`)

	store := NewDHTStore()
	cascade := NewCascade(store, nil)
	host := fixedOutcomeHost{outcome: AppValidationOutcome{Valid: true}}
	pipeline := NewValidationPipeline(AgentPubKey{}, store, host, DefaultPipelineConfig())
	peers := NewPeerStore()

	transport := &fakeTransport{peerHas: map[OpHash]Op{op.Hash(): op}}
	engine := NewEngine(AgentPubKey{}, peers, store, pipeline, cascade, transport, DefaultGossipConfig())

	round, err := engine.Initiate(context.Background(), partnerKP.AgentPubKeyOf())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if round.Stage != StageFinished {
		t.Fatalf("want round finished, got stage %v", round.Stage)
	}
	if round.Metrics.OpsReceived != 1 {
		t.Fatalf("want 1 op received, got %d", round.Metrics.OpsReceived)
	}
	if !store.Has(op.Hash()) {
		t.Fatal("fetched op should be recorded in the local store")
	}
}

func TestGossipRoundPushesOpsPartnerMissing(t *testing.T) {
	kp, _ := GenerateKeyPair()
	partnerKP, _ := GenerateKeyPair()
	op, _ := makeCreateOp(t, kp, `{"gossip":"mine"}`)

	store := NewDHTStore()
	store.Integrate(op, StatusValid)
	cascade := NewCascade(store, nil)
	pipeline := NewValidationPipeline(AgentPubKey{}, store, fixedOutcomeHost{outcome: AppValidationOutcome{Valid: true}}, DefaultPipelineConfig())

	// The partner holds nothing, so everything scoped here must be pushed.
	transport := &fakeTransport{peerHas: map[OpHash]Op{}}
	engine := NewEngine(AgentPubKey{}, NewPeerStore(), store, pipeline, cascade, transport, DefaultGossipConfig())

	round, err := engine.Initiate(context.Background(), partnerKP.AgentPubKeyOf())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if len(transport.pushed) != 1 || transport.pushed[0].Hash() != op.Hash() {
		t.Fatalf("the op the partner is missing should have been pushed, got %d pushed", len(transport.pushed))
	}
	if round.Metrics.OpsSent != 1 {
		t.Fatalf("want 1 op sent, got %d", round.Metrics.OpsSent)
	}
}

// enginePairTransport wires one engine's round directly into another
// engine's store and pipeline, so a test can drive a full two-party round
// and observe both sides.
type enginePairTransport struct {
	partner *Engine
}

func (p *enginePairTransport) NegotiateArcSet(ctx context.Context, peer AgentPubKey, mine Arc) (ArcSet, bool, error) {
	return NewArcSet(FullArc()), false, nil
}

func (p *enginePairTransport) ExchangeAgentInfo(ctx context.Context, peer AgentPubKey, mine []AgentInfo) ([]AgentInfo, error) {
	return nil, nil
}

func (p *enginePairTransport) ExchangeOpHashes(ctx context.Context, peer AgentPubKey, mine []OpHash) (OpDiff, error) {
	held := map[OpHash]bool{}
	for _, h := range p.partner.store.AllHashes() {
		held[h] = true
	}
	sent := map[OpHash]bool{}
	for _, h := range mine {
		sent[h] = true
	}
	var diff OpDiff
	for h := range held {
		if !sent[h] {
			diff.MissingHere = append(diff.MissingHere, h)
		}
	}
	for _, h := range mine {
		if !held[h] {
			diff.MissingThere = append(diff.MissingThere, h)
		}
	}
	return diff, nil
}

func (p *enginePairTransport) FetchOps(ctx context.Context, peer AgentPubKey, want []OpHash) ([]Op, error) {
	var out []Op
	for _, h := range want {
		if op, ok := p.partner.store.Op(h); ok {
			out = append(out, op)
		}
	}
	return out, nil
}

func (p *enginePairTransport) PushOps(ctx context.Context, peer AgentPubKey, ops []Op) error {
	p.partner.ReceiveOps(ctx, ops)
	return nil
}

func TestGossipRoundConvergesBothPeers(t *testing.T) {
	kp, _ := GenerateKeyPair()
	opA, _ := makeCreateOp(t, kp, `{"held":"a"}`)
	opB, _ := makeCreateOp(t, kp, `{"held":"b"}`)

	host := fixedOutcomeHost{outcome: AppValidationOutcome{Valid: true}}

	storeA := NewDHTStore()
	storeA.Integrate(opA, StatusValid)
	cascadeA := NewCascade(storeA, nil)
	pipelineA := NewValidationPipeline(AgentPubKey{1}, storeA, host, DefaultPipelineConfig())

	storeB := NewDHTStore()
	storeB.Integrate(opB, StatusValid)
	cascadeB := NewCascade(storeB, nil)
	pipelineB := NewValidationPipeline(AgentPubKey{2}, storeB, host, DefaultPipelineConfig())

	transportA := &enginePairTransport{}
	transportB := &enginePairTransport{}
	engineA := NewEngine(AgentPubKey{1}, NewPeerStore(), storeA, pipelineA, cascadeA, transportA, DefaultGossipConfig())
	engineB := NewEngine(AgentPubKey{2}, NewPeerStore(), storeB, pipelineB, cascadeB, transportB, DefaultGossipConfig())
	transportA.partner = engineB
	transportB.partner = engineA

	partnerKP, _ := GenerateKeyPair()
	round, err := engineA.Initiate(context.Background(), partnerKP.AgentPubKeyOf())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if round.Stage != StageFinished {
		t.Fatalf("want round finished, got stage %v", round.Stage)
	}

	// One completed round leaves both stores holding the union.
	for _, h := range []OpHash{opA.Hash(), opB.Hash()} {
		if !storeA.Has(h) {
			t.Fatalf("initiator store missing %v after round", h.Type)
		}
		if !storeB.Has(h) {
			t.Fatalf("responder store missing %v after round", h.Type)
		}
	}
	if st, _ := storeB.Status(opA.Hash()); st != StatusValid {
		t.Fatalf("pushed op should integrate as Valid on the responder, got %v", st)
	}
	if round.Metrics.OpsReceived != 1 || round.Metrics.OpsSent != 1 {
		t.Fatalf("want 1 op each way, got received=%d sent=%d", round.Metrics.OpsReceived, round.Metrics.OpsSent)
	}
}

func TestGossipEngineRejectsConcurrentRoundWithSamePeer(t *testing.T) {
	store := NewDHTStore()
	cascade := NewCascade(store, nil)
	pipeline := NewValidationPipeline(AgentPubKey{}, store, fixedOutcomeHost{outcome: AppValidationOutcome{Valid: true}}, DefaultPipelineConfig())
	peers := NewPeerStore()
	partnerKP, _ := GenerateKeyPair()

	blocking := &blockingTransport{entered: make(chan struct{}), release: make(chan struct{})}
	engine := NewEngine(AgentPubKey{}, peers, store, pipeline, cascade, blocking, DefaultGossipConfig())

	done := make(chan error, 1)
	go func() {
		_, err := engine.Initiate(context.Background(), partnerKP.AgentPubKeyOf())
		done <- err
	}()
	<-blocking.entered

	if _, err := engine.Initiate(context.Background(), partnerKP.AgentPubKeyOf()); err == nil {
		t.Fatal("a second round with the same peer while one is active must be rejected")
	}
	close(blocking.release)
	<-done
}

// bloomFakeTransport extends fakeTransport with a filter-based op diff the
// way the real transport answers an op-bloom request.
type bloomFakeTransport struct {
	fakeTransport
}

func (f *bloomFakeTransport) ExchangeOpBloom(ctx context.Context, peer AgentPubKey, filter *OpBloomFilter) ([]OpHash, *OpBloomFilter, error) {
	var candidates []OpHash
	for h := range f.peerHas {
		candidates = append(candidates, h)
	}
	own := NewOpBloomFilter(len(candidates), 1e-9)
	for _, h := range candidates {
		own.Add(h)
	}
	return filter.Diff(candidates), own, nil
}

func TestGossipBloomModeFetchesFilterMisses(t *testing.T) {
	kp, _ := GenerateKeyPair()
	partnerKP, _ := GenerateKeyPair()
	shared, _ := makeCreateOp(t, kp, `{"gossip":"both"}`)
	extra, _ := makeCreateOp(t, kp, `{"gossip":"theirs"}`)

	store := NewDHTStore()
	store.Integrate(shared, StatusValid)
	cascade := NewCascade(store, nil)
	pipeline := NewValidationPipeline(AgentPubKey{}, store, fixedOutcomeHost{outcome: AppValidationOutcome{Valid: true}}, DefaultPipelineConfig())

	transport := &bloomFakeTransport{fakeTransport{peerHas: map[OpHash]Op{
		shared.Hash(): shared,
		extra.Hash():  extra,
	}}}
	cfg := DefaultGossipConfig()
	cfg.BloomFalsePosRate = 1e-9 // keep a one-item filter from false-positive flakes
	engine := NewEngine(AgentPubKey{}, NewPeerStore(), store, pipeline, cascade, transport, cfg)

	round, err := engine.Initiate(context.Background(), partnerKP.AgentPubKeyOf())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if round.Mode != DiffModeBloom {
		t.Fatalf("want Bloom diff mode, got %v", round.Mode)
	}
	if !store.Has(extra.Hash()) {
		t.Fatal("the hash absent from the filter should have been fetched")
	}
	if round.Metrics.OpsReceived != 1 {
		t.Fatalf("only the missing op should transfer, got %d", round.Metrics.OpsReceived)
	}
}

// regionFakeTransport extends fakeTransport with Region-mode summaries
// built from the partner's full op set.
type regionFakeTransport struct {
	fakeTransport
}

func (f *regionFakeTransport) ExchangeRegions(ctx context.Context, peer AgentPubKey, arcs ArcSet, nowMS int64) (RegionSet, error) {
	var ops []Op
	for _, op := range f.peerHas {
		ops = append(ops, op)
	}
	return BuildRegionSet(ops, arcs, nowMS, DefaultRegionConfig()), nil
}

func TestGossipRegionModePullsOnlyMismatchedRegions(t *testing.T) {
	kp, _ := GenerateKeyPair()
	partnerKP, _ := GenerateKeyPair()
	shared, _ := makeCreateOp(t, kp, `{"gossip":"shared"}`)
	extra, _ := makeCreateOp(t, kp, `{"gossip":"extra"}`)

	store := NewDHTStore()
	store.Integrate(shared, StatusValid)
	cascade := NewCascade(store, nil)
	host := fixedOutcomeHost{outcome: AppValidationOutcome{Valid: true}}
	pipeline := NewValidationPipeline(AgentPubKey{}, store, host, DefaultPipelineConfig())
	peers := NewPeerStore()

	transport := &regionFakeTransport{fakeTransport{peerHas: map[OpHash]Op{
		shared.Hash(): shared,
		extra.Hash():  extra,
	}}}
	cfg := DefaultGossipConfig()
	cfg.RegionThreshold = 0 // force Region mode for any non-empty holding
	engine := NewEngine(AgentPubKey{}, peers, store, pipeline, cascade, transport, cfg)

	round, err := engine.Initiate(context.Background(), partnerKP.AgentPubKeyOf())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if round.Mode != DiffModeRegion {
		t.Fatalf("want Region diff mode, got %v", round.Mode)
	}
	if !store.Has(extra.Hash()) {
		t.Fatal("the op missing here should have been fetched")
	}
}

func TestGossipRegionModeSkipsTransferWhenInSync(t *testing.T) {
	kp, _ := GenerateKeyPair()
	partnerKP, _ := GenerateKeyPair()
	shared, _ := makeCreateOp(t, kp, `{"gossip":"synced"}`)

	store := NewDHTStore()
	store.Integrate(shared, StatusValid)
	cascade := NewCascade(store, nil)
	pipeline := NewValidationPipeline(AgentPubKey{}, store, fixedOutcomeHost{outcome: AppValidationOutcome{Valid: true}}, DefaultPipelineConfig())

	transport := &regionFakeTransport{fakeTransport{peerHas: map[OpHash]Op{shared.Hash(): shared}}}
	cfg := DefaultGossipConfig()
	cfg.RegionThreshold = 0
	engine := NewEngine(AgentPubKey{}, NewPeerStore(), store, pipeline, cascade, transport, cfg)

	round, err := engine.Initiate(context.Background(), partnerKP.AgentPubKeyOf())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if round.Metrics.OpsReceived != 0 {
		t.Fatalf("fully-synced partners must transfer nothing, got %d ops", round.Metrics.OpsReceived)
	}
}

// blockingTransport blocks inside NegotiateArcSet until release is closed,
// letting a test hold a round open to exercise the at-most-one-round-per-peer
// guard.
type blockingTransport struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingTransport) NegotiateArcSet(ctx context.Context, peer AgentPubKey, mine Arc) (ArcSet, bool, error) {
	close(b.entered)
	<-b.release
	return NewArcSet(FullArc()), false, nil
}

func (b *blockingTransport) ExchangeAgentInfo(ctx context.Context, peer AgentPubKey, mine []AgentInfo) ([]AgentInfo, error) {
	return nil, nil
}

func (b *blockingTransport) ExchangeOpHashes(ctx context.Context, peer AgentPubKey, mine []OpHash) (OpDiff, error) {
	return OpDiff{}, nil
}
func (b *blockingTransport) FetchOps(ctx context.Context, peer AgentPubKey, want []OpHash) ([]Op, error) {
	return nil, nil
}
func (b *blockingTransport) PushOps(ctx context.Context, peer AgentPubKey, ops []Op) error {
	return nil
}
