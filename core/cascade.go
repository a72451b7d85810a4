package core

// cascade.go implements C6's read half: a layered Get that checks an
// author's own in-memory scratch before the local DHT store before the
// network, short-circuiting as soon as a layer answers.

import (
	"context"
	"sync"
)

// GetStrategy controls whether Cascade may fall through to the network.
type GetStrategy uint8

const (
	// GetStrategyLocal never contacts the network; it answers from scratch
	// and the local store only.
	GetStrategyLocal GetStrategy = iota
	// GetStrategyNetwork falls through to RemoteFetcher on a local miss.
	GetStrategyNetwork
)

// RemoteFetcher is the network boundary a Cascade calls through on a local
// miss under GetStrategyNetwork. network.go's Libp2pTransport implements it
// over libp2p request/response; tests substitute an in-memory stand-in.
type RemoteFetcher interface {
	FetchOp(ctx context.Context, basis Hash, opType OpType) ([]Op, error)
	FetchAgentActivity(ctx context.Context, author Hash) ([]Op, error)
}

// Cascade answers DHT reads by layering scratch (this session's
// not-yet-flushed writes), the local store, and optionally the network.
type Cascade struct {
	mu      sync.RWMutex
	scratch map[Hash][]Op

	store    *DHTStore
	remote   RemoteFetcher
	fanout   int
	strategy GetStrategy
}

// DefaultFanout is the fanout a new Cascade records. No fetch path reads it:
// a network fallback makes a single RemoteFetcher call, and the number of
// peers that call queries is not bounded by it.
const DefaultFanout = 3

func NewCascade(store *DHTStore, remote RemoteFetcher) *Cascade {
	return &Cascade{
		scratch:  make(map[Hash][]Op),
		store:    store,
		remote:   remote,
		fanout:   DefaultFanout,
		strategy: GetStrategyNetwork,
	}
}

// WithStrategy returns a shallow copy of the cascade using strategy for
// subsequent Get calls, leaving the receiver untouched.
func (c *Cascade) WithStrategy(strategy GetStrategy) *Cascade {
	cp := *c
	cp.strategy = strategy
	return &cp
}

// PutScratch stages ops not yet committed to the local store, visible to
// this cascade's own reads ahead of anything else.
func (c *Cascade) PutScratch(ops ...Op) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, op := range ops {
		c.scratch[op.Basis] = append(c.scratch[op.Basis], op)
	}
}

// ClearScratch drops staged ops once they have been flushed to the chain
// (and therefore to the local store via Integrate).
func (c *Cascade) ClearScratch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scratch = make(map[Hash][]Op)
}

// Get resolves basis by layering scratch, then the local store, then
// (unless strategy is GetStrategyLocal) the network, returning as soon as a
// layer has an answer.
func (c *Cascade) Get(ctx context.Context, basis Hash, opType OpType) ([]Op, error) {
	c.mu.RLock()
	scratched := c.scratch[basis]
	c.mu.RUnlock()
	if filtered := filterByType(scratched, opType); len(filtered) > 0 {
		return filtered, nil
	}

	if local := filterByType(c.store.OpsAt(basis), opType); len(local) > 0 {
		return local, nil
	}

	if c.strategy == GetStrategyLocal || c.remote == nil {
		return nil, nil
	}
	return c.remote.FetchOp(ctx, basis, opType)
}

// GetEntry resolves an entry by its hash via StoreEntry ops.
func (c *Cascade) GetEntry(ctx context.Context, entryHash Hash) (*Entry, error) {
	ops, err := c.Get(ctx, entryHash, OpStoreEntry)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if op.Entry != nil {
			return op.Entry, nil
		}
	}
	return nil, nil
}

// GetAgentActivity resolves an author's chain activity, local store first
// then network.
func (c *Cascade) GetAgentActivity(ctx context.Context, author Hash) ([]Op, error) {
	if local := c.store.AgentActivity(author); len(local) > 0 {
		return local, nil
	}
	if c.strategy == GetStrategyLocal || c.remote == nil {
		return nil, nil
	}
	return c.remote.FetchAgentActivity(ctx, author)
}

// GetLinks resolves the CreateLink actions registered at base. DeleteLink
// actions are registered under the CreateLink action hash they retract, so
// they are not part of the answer for base.
func (c *Cascade) GetLinks(ctx context.Context, base Hash) ([]Hash, error) {
	if local := c.store.LinksAtBase(base); len(local) > 0 {
		return local, nil
	}
	if c.strategy == GetStrategyLocal || c.remote == nil {
		return nil, nil
	}
	ops, err := c.remote.FetchOp(ctx, base, OpRegisterAddLink)
	if err != nil {
		return nil, err
	}
	out := make([]Hash, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.ActionHash)
	}
	return out, nil
}

func filterByType(ops []Op, opType OpType) []Op {
	out := make([]Op, 0, len(ops))
	for _, op := range ops {
		if op.Type == opType {
			out = append(out, op)
		}
	}
	return out
}
