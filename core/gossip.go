package core

// gossip.go implements C8's round state machine: Initiate, Accept,
// agent-info exchange, op diff (Bloom or Region), op data transfer, then
// Finish, with a five-stage shape and an at-most-one-round-per-peer-pair
// rule.

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DiffMode selects how a round reconciles op sets with its partner.
type DiffMode uint8

const (
	// DiffModeBloom exchanges Bloom filters, suited to small or
	// low-churn arcs.
	DiffModeBloom DiffMode = iota
	// DiffModeRegion exchanges per-region content hashes (time x space
	// buckets), suited to large, high-churn arcs where a single Bloom
	// filter would be too large or too stale.
	DiffModeRegion
)

// RoundStage tags where a round is in its lifecycle.
type RoundStage uint8

const (
	StageInitiated RoundStage = iota
	StageAccepted
	StageAgentInfoExchanged
	StageOpDiffed
	StageOpDataTransferred
	StageFinished
	StageAborted
)

// RegionGossipTransport is the optional extension a transport implements to
// support Region-mode diffing: both sides summarize their holdings over the
// same arc set and reference time, and only mismatched regions go on to the
// op-hash exchange. A transport without it falls back to Bloom-style full
// hash exchange regardless of data size.
type RegionGossipTransport interface {
	ExchangeRegions(ctx context.Context, peer AgentPubKey, arcs ArcSet, nowMS int64) (RegionSet, error)
}

// OpDiff is the two-way result of an op diff exchange: the hashes this side
// is missing and the hashes the partner is missing, so a single round can
// both pull and push.
type OpDiff struct {
	MissingHere  []OpHash
	MissingThere []OpHash
}

// BloomGossipTransport is the optional extension a transport implements to
// carry the Bloom diff as an actual filter instead of a raw hash list: the
// partner tests its own holdings against the filter, returns the hashes the
// filter's builder is missing, and sends back its own filter so the builder
// can compute the reverse diff. Without it the round falls back to
// exchanging the hash list itself.
type BloomGossipTransport interface {
	ExchangeOpBloom(ctx context.Context, peer AgentPubKey, filter *OpBloomFilter) (missingHere []OpHash, partner *OpBloomFilter, err error)
}

// GossipTransport is the network boundary a round drives: arc-set
// negotiation, agent-info broadcast/exchange, and op fetch/push with a
// specific partner. network.go implements it over libp2p; tests substitute
// an in-memory pair.
type GossipTransport interface {
	// NegotiateArcSet carries out the round's Initiate/Accept handshake:
	// the proposer sends mine, the partner intersects it against its own
	// arc set and replies with either the common region or noAgents=true
	// when it holds no responsibility overlapping mine at all.
	NegotiateArcSet(ctx context.Context, peer AgentPubKey, mine Arc) (common ArcSet, noAgents bool, err error)
	ExchangeAgentInfo(ctx context.Context, peer AgentPubKey, mine []AgentInfo) ([]AgentInfo, error)
	ExchangeOpHashes(ctx context.Context, peer AgentPubKey, mine []OpHash) (OpDiff, error)
	FetchOps(ctx context.Context, peer AgentPubKey, want []OpHash) ([]Op, error)
	PushOps(ctx context.Context, peer AgentPubKey, ops []Op) error
}

// RoundMetrics accumulates per-round counters surfaced through metrics.go.
type RoundMetrics struct {
	OpsSent     int
	OpsReceived int
	Duration    time.Duration
}

// Round tracks one in-flight reconciliation with a single partner.
type Round struct {
	ID      string
	Peer    AgentPubKey
	Stage   RoundStage
	Mode    DiffMode
	Started time.Time
	Metrics RoundMetrics
}

// GossipConfig tunes round behavior.
type GossipConfig struct {
	RoundDeadline     time.Duration
	BloomFalsePosRate float64
	RegionThreshold   int // op count above which a partner prefers region diffing
}

func DefaultGossipConfig() GossipConfig {
	return GossipConfig{RoundDeadline: 30 * time.Second, BloomFalsePosRate: 0.01, RegionThreshold: 5000}
}

// Engine drives gossip rounds against known peers, reconciling this
// authority's DHTStore with each partner's.
type Engine struct {
	mu sync.Mutex

	self      AgentPubKey
	selfArc   Arc
	peers     *PeerStore
	store     *DHTStore
	pipeline  *ValidationPipeline
	cascade   *Cascade
	transport GossipTransport
	cfg       GossipConfig
	metrics   *Metrics

	// active holds at most one round per peer (keyed by agent hash),
	// enforcing the at-most-one-round-per-peer-pair invariant.
	active map[Hash]*Round
}

func NewEngine(self AgentPubKey, peers *PeerStore, store *DHTStore, pipeline *ValidationPipeline, cascade *Cascade, transport GossipTransport, cfg GossipConfig) *Engine {
	return &Engine{
		self:      self,
		selfArc:   FullArc(),
		peers:     peers,
		store:     store,
		pipeline:  pipeline,
		cascade:   cascade,
		transport: transport,
		cfg:       cfg,
		active:    make(map[Hash]*Round),
	}
}

// WithMetrics attaches a metrics sink every subsequent round reports to on
// Finish. Passing nil detaches it.
func (e *Engine) WithMetrics(m *Metrics) *Engine {
	e.metrics = m
	return e
}

// SetSelfArc updates the arc this engine proposes during a round's
// Initiate/Accept negotiation, tracking ResizeArq's ongoing adjustments.
func (e *Engine) SetSelfArc(a Arc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.selfArc = a
}

// Initiate starts a round with peer if none is already active with them.
// It returns the completed round (possibly Aborted on error or deadline).
func (e *Engine) Initiate(ctx context.Context, peer AgentPubKey) (*Round, error) {
	key := peer.AgentHash()

	e.mu.Lock()
	if _, busy := e.active[key]; busy {
		e.mu.Unlock()
		return nil, Wrap(KindTransient, "gossip round already active with peer", ErrQueueFull)
	}
	round := &Round{ID: uuid.NewString(), Peer: peer, Stage: StageInitiated, Started: time.Now()}
	e.active[key] = round
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.active, key)
		e.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RoundDeadline)
	defer cancel()

	if err := e.runRound(ctx, round); err != nil {
		round.Stage = StageAborted
		round.Metrics.Duration = time.Since(round.Started)
		e.metrics.observeRound(round)
		return round, err
	}
	round.Stage = StageFinished
	round.Metrics.Duration = time.Since(round.Started)
	e.metrics.observeRound(round)
	return round, nil
}

func (e *Engine) runRound(ctx context.Context, round *Round) error {
	e.mu.Lock()
	selfArc := e.selfArc
	e.mu.Unlock()

	// Stage: Initiate/Accept arc-set negotiation. The
	// partner intersects our arc against its own arc set; an empty result
	// or an explicit noAgents response means there is nothing in common to
	// reconcile, so the round finishes immediately without touching the
	// store or the peer directory.
	round.Stage = StageAccepted
	common, noAgents, err := e.transport.NegotiateArcSet(ctx, round.Peer, selfArc)
	if err != nil {
		return Wrap(KindTransient, "arc-set negotiation", err)
	}
	if noAgents || common.IsEmpty() {
		round.Stage = StageOpDataTransferred
		return nil
	}

	// Stage: agent-info exchange, scoped to peers whose arc overlaps the
	// negotiated common region rather than the entire directory.
	mine := e.peers.InArcSet(common)
	theirs, err := e.transport.ExchangeAgentInfo(ctx, round.Peer, mine)
	if err != nil {
		return Wrap(KindTransient, "agent-info exchange", err)
	}
	for _, info := range theirs {
		e.peers.Put(info)
	}
	round.Stage = StageAgentInfoExchanged

	// Stage: op diff, Bloom or Region depending on local holdings within
	// the common arc set, never the whole store.
	scopedOps := e.store.OpsInArcSet(common)
	regionTransport, hasRegions := e.transport.(RegionGossipTransport)
	if hasRegions && len(scopedOps) > e.cfg.RegionThreshold {
		round.Mode = DiffModeRegion
	} else {
		round.Mode = DiffModeBloom
	}

	var scopedHashes []OpHash
	inSync := false
	if round.Mode == DiffModeRegion {
		// Summarize both sides over the same partition; only regions whose
		// count or fingerprint disagree feed the hash exchange. Matching
		// everywhere means there is nothing left to transfer at all. The
		// partition ends (exclusively) at its reference time, so that time is
		// set past the clock-skew bound: every op sys-validation accepts,
		// including one stamped this millisecond, then falls in some region.
		nowMS := Now() + e.pipeline.cfg.MaxClockSkewMS + 1
		mine := BuildRegionSet(scopedOps, common, nowMS, DefaultRegionConfig())
		theirs, err := regionTransport.ExchangeRegions(ctx, round.Peer, common, nowMS)
		if err != nil {
			return Wrap(KindTransient, "region exchange", err)
		}
		mismatched := DiffRegionSets(mine, theirs)
		inSync = len(mismatched) == 0
		for _, op := range scopedOps {
			if RegionsCover(mismatched, op.Basis.Location, op.Action.Timestamp) {
				scopedHashes = append(scopedHashes, op.Hash())
			}
		}
	} else {
		for _, op := range scopedOps {
			scopedHashes = append(scopedHashes, op.Hash())
		}
	}

	var diff OpDiff
	if !inSync {
		if bt, ok := e.transport.(BloomGossipTransport); ok && round.Mode == DiffModeBloom {
			filter := NewOpBloomFilter(len(scopedHashes), e.cfg.BloomFalsePosRate)
			for _, h := range scopedHashes {
				filter.Add(h)
			}
			missingHere, partnerFilter, bloomErr := bt.ExchangeOpBloom(ctx, round.Peer, filter)
			if bloomErr != nil {
				return Wrap(KindTransient, "op diff exchange", bloomErr)
			}
			diff.MissingHere = missingHere
			if partnerFilter != nil {
				diff.MissingThere = partnerFilter.Diff(scopedHashes)
			}
		} else {
			diff, err = e.transport.ExchangeOpHashes(ctx, round.Peer, scopedHashes)
			if err != nil {
				return Wrap(KindTransient, "op diff exchange", err)
			}
		}
	}
	round.Stage = StageOpDiffed

	// Stage: op data transfer, both directions: pull what this side is
	// missing, then push what the partner is missing so a single completed
	// round leaves both stores holding the union over the common arc set.
	if len(diff.MissingHere) > 0 {
		fetched, err := e.transport.FetchOps(ctx, round.Peer, diff.MissingHere)
		if err != nil {
			return Wrap(KindTransient, "op fetch", err)
		}
		round.Metrics.OpsReceived = e.ReceiveOps(ctx, fetched)
	}
	if len(diff.MissingThere) > 0 {
		push := make([]Op, 0, len(diff.MissingThere))
		for _, h := range diff.MissingThere {
			if op, ok := e.store.Op(h); ok {
				push = append(push, op)
			}
		}
		if len(push) > 0 {
			if err := e.transport.PushOps(ctx, round.Peer, push); err != nil {
				return Wrap(KindTransient, "op push", err)
			}
			round.Metrics.OpsSent = len(push)
		}
	}
	round.Stage = StageOpDataTransferred
	return nil
}

// ReceiveOps runs ops arriving from a partner (fetched during this side's
// own round, or pushed by the partner's) through sys-validation and the
// validation pipeline, returning how many were accepted for integration.
func (e *Engine) ReceiveOps(ctx context.Context, ops []Op) int {
	accepted := 0
	for _, op := range ops {
		if err := e.pipeline.SysValidate(op, op.Action.Author, e.pipeline.cfg.MaxClockSkewMS, Now()); err != nil {
			e.store.Integrate(op, StatusRejected)
			continue
		}
		e.store.Integrate(op, StatusPending)
		if _, err := e.pipeline.Integrate(ctx, op, e.cascade); err != nil {
			continue
		}
		accepted++
	}
	return accepted
}

// ActiveRounds reports peers this engine currently has an in-flight round
// with, for diagnostics.
func (e *Engine) ActiveRounds() []AgentPubKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AgentPubKey, 0, len(e.active))
	for _, r := range e.active {
		out = append(out, r.Peer)
	}
	return out
}
