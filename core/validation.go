package core

// validation.go implements C5: the per-op state machine Received ->
// SysValidated -> AppValidated -> Integrated, with terminal Rejected, a
// limbo of deferred ops keyed by missing dependency, and the warrant path
// on rejection.

import (
	"context"
	"sync"
)

// AppValidationOutcome is the three-way result an AppValidationHost returns
// for an op.
type AppValidationOutcome struct {
	Valid        bool
	Invalid      bool
	InvalidWhy   string
	AwaitingDeps []Hash
}

// AppValidationHost is the sandboxed pure-function host boundary: app-
// validation logic is evaluated by an external, injectable component so
// the validation workflow never embeds application logic itself. See
// vmhost.go for the native and wasmer-backed implementations.
type AppValidationHost interface {
	ValidateOp(ctx context.Context, op Op, cascade *Cascade) (AppValidationOutcome, error)
}

// Warrant is a signed accusation that author produced an invalid action.
// Warrants are replicated as their own RegisterAgentActivity op and must
// never be authored by the warrantee against themself.
type Warrant struct {
	Warrantor  AgentPubKey
	Warrantee  AgentPubKey
	ActionHash Hash
	Reason     string
}

// limboEntry holds an op parked on a missing dependency, along with its
// remaining AwaitingDeps retry budget.
type limboEntry struct {
	op          Op
	missing     []Hash
	retriesLeft int
}

// PipelineConfig tunes the retry budget for AwaitingDeps and the clock-skew
// bound sys-validation accepts on an op's timestamp.
type PipelineConfig struct {
	AwaitingDepsRetryBudget int
	MaxClockSkewMS          int64
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{AwaitingDepsRetryBudget: 3, MaxClockSkewMS: 300_000}
}

// ValidationPipeline drives ops through the per-op state machine for a
// single DHT authority.
type ValidationPipeline struct {
	mu sync.Mutex

	cfg     PipelineConfig
	host    AppValidationHost
	store   *DHTStore
	self    AgentPubKey // this authority's own agent, to suppress self-warrants
	metrics *Metrics

	// limbo maps a missing hash to every op waiting on it.
	limbo map[Hash][]*limboEntry

	warrants []Warrant
}

func NewValidationPipeline(self AgentPubKey, store *DHTStore, host AppValidationHost, cfg PipelineConfig) *ValidationPipeline {
	return &ValidationPipeline{
		cfg:   cfg,
		host:  host,
		store: store,
		self:  self,
		limbo: make(map[Hash][]*limboEntry),
	}
}

// WithMetrics attaches a metrics sink every subsequent outcome reports to.
// Passing nil detaches it.
func (p *ValidationPipeline) WithMetrics(m *Metrics) *ValidationPipeline {
	p.metrics = m
	return p
}

// SysValidate performs the non-application checks:
// signature verification, entry/action hash consistency, sequence and
// prev-action ordering, well-formedness, clock skew, and linkable-hash
// validity. It does not consult application logic.
func (p *ValidationPipeline) SysValidate(op Op, authorKey AgentPubKey, maxClockSkewMS int64, nowMS int64) error {
	body, err := op.Action.CanonicalBytes()
	if err != nil {
		return Wrap(KindValidation, "sys-validate: canonical encoding", err)
	}
	actionHash := NewHash(HashTypeAction, body)
	if !actionHash.Equal(op.ActionHash) {
		return Wrap(KindValidation, "sys-validate: action hash mismatch", ErrInvalidOp)
	}
	if op.Signature == (Signature{}) {
		return Wrap(KindValidation, "sys-validate: missing chain signature", ErrBadSignature)
	}
	if !Verify(op.Action.Author, body, op.Signature) {
		return Wrap(KindValidation, "sys-validate: chain signature does not verify against author", ErrBadSignature)
	}
	if op.Entry != nil {
		eh, err := op.Entry.Hash()
		if err != nil {
			return err
		}
		if op.Action.EntryHash == nil || !eh.Equal(*op.Action.EntryHash) {
			return Wrap(KindValidation, "sys-validate: entry hash mismatch", ErrInvalidOp)
		}
	}
	skew := op.Action.Timestamp - nowMS
	if skew < 0 {
		skew = -skew
	}
	if skew > maxClockSkewMS {
		return Wrap(KindValidation, "sys-validate: timestamp outside clock skew bounds", ErrInvalidOp)
	}
	if op.Action.Author != authorKey {
		return Wrap(KindValidation, "sys-validate: author mismatch", ErrInvalidOp)
	}
	switch op.Type {
	case OpRegisterAddLink:
		if op.Action.BaseHash == nil || op.Action.TargetHash == nil {
			return Wrap(KindValidation, "sys-validate: link missing base/target", ErrInvalidOp)
		}
	case OpRegisterRemoveLink:
		if op.Action.LinkAddHash == nil {
			return Wrap(KindValidation, "sys-validate: delete-link missing create-link reference", ErrInvalidOp)
		}
	}
	return nil
}

// Integrate runs AppValidate and applies the Valid/Invalid/AwaitingDeps
// outcome. On AwaitingDeps it parks the op in limbo keyed by
// each missing hash with the full retry budget; callers should call
// Reawaken when a hash becomes integrated. On Invalid it issues a warrant
// unless the authority is the warrantee itself.
func (p *ValidationPipeline) Integrate(ctx context.Context, op Op, cascade *Cascade) (ValidationStatus, error) {
	return p.integrate(ctx, op, cascade, p.cfg.AwaitingDepsRetryBudget)
}

// integrate is Integrate with an explicit retry budget, so an op Reawaken
// re-submits keeps what is left of its budget instead of a fresh one. An
// AwaitingDeps outcome with no budget left abandons the op.
func (p *ValidationPipeline) integrate(ctx context.Context, op Op, cascade *Cascade, retriesLeft int) (ValidationStatus, error) {
	outcome, err := p.host.ValidateOp(ctx, op, cascade)
	if err != nil {
		return StatusPending, Wrap(KindResource, "app-validate", err)
	}

	switch {
	case outcome.Valid:
		p.store.Integrate(op, StatusValid)
		p.metrics.observeIntegrated()
		return StatusValid, nil

	case outcome.Invalid:
		p.store.Integrate(op, StatusRejected)
		p.issueWarrant(op)
		p.metrics.observeRejected()
		return StatusRejected, nil

	default: // AwaitingDeps
		if retriesLeft <= 0 {
			p.store.Integrate(op, StatusAbandoned)
			p.metrics.observeAbandoned()
			return StatusAbandoned, nil
		}
		p.mu.Lock()
		entry := &limboEntry{op: op, missing: outcome.AwaitingDeps, retriesLeft: retriesLeft}
		for _, h := range outcome.AwaitingDeps {
			p.limbo[h] = append(p.limbo[h], entry)
		}
		p.mu.Unlock()
		return StatusPending, nil
	}
}

// issueWarrant records a warrant against op's author, unless this authority
// is the author (a node never warrants itself). At most one
// warrant per (warrantor, action) is kept.
func (p *ValidationPipeline) issueWarrant(op Op) {
	if op.Action.Author == p.self {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.warrants {
		if w.ActionHash.Equal(op.ActionHash) && w.Warrantor == p.self {
			return
		}
	}
	w := Warrant{Warrantor: p.self, Warrantee: op.Action.Author, ActionHash: op.ActionHash, Reason: "app-validation rejected"}
	p.warrants = append(p.warrants, w)
	p.metrics.observeWarrant()
	warrantOp := Op{
		Type:       OpRegisterAgentActivity,
		Basis:      op.Action.Author.AgentHash(),
		Action:     op.Action,
		ActionHash: op.ActionHash,
	}
	p.store.Integrate(warrantOp, StatusValid)
}

// Warrants returns the warrants this authority has issued.
func (p *ValidationPipeline) Warrants() []Warrant {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Warrant{}, p.warrants...)
}

// Reawaken re-evaluates every op parked on hash now that it has been
// integrated. Ops whose full dependency set is now satisfied are
// re-submitted to app validation with one retry spent; ops that still depend
// on other missing hashes remain in limbo under those hashes, also with one
// retry spent. An op whose retry budget is exhausted is Abandoned rather
// than Rejected.
func (p *ValidationPipeline) Reawaken(ctx context.Context, hash Hash, cascade *Cascade) {
	p.mu.Lock()
	waiting := p.limbo[hash]
	delete(p.limbo, hash)
	p.mu.Unlock()

	for _, entry := range waiting {
		remaining := removeHash(entry.missing, hash)
		if len(remaining) == 0 {
			if _, err := p.integrate(ctx, entry.op, cascade, entry.retriesLeft-1); err != nil {
				continue
			}
			continue
		}
		entry.retriesLeft--
		if entry.retriesLeft <= 0 {
			p.store.Integrate(entry.op, StatusAbandoned)
			p.metrics.observeAbandoned()
			continue
		}
		entry.missing = remaining
		p.mu.Lock()
		for _, h := range remaining {
			p.limbo[h] = append(p.limbo[h], entry)
		}
		p.mu.Unlock()
	}
}

func removeHash(hashes []Hash, target Hash) []Hash {
	out := hashes[:0:0]
	for _, h := range hashes {
		if !h.Equal(target) {
			out = append(out, h)
		}
	}
	return out
}
