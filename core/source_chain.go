package core

// source_chain.go implements C3: the per-agent append-only journal built on
// top of the C2 chain-sequence index, a WAL-style append with a
// genesis/ready lifecycle, generalized from blocks to per-agent actions,
// with a graft/rebase path for forked chains.

import (
	"fmt"
	"sync"
)

// ChainState is the coarse source-chain lifecycle.
type ChainState uint8

const (
	StatePreGenesis ChainState = iota
	StateGenesisDna
	StateGenesisValidationPkg
	StateGenesisInit
	StateReady
)

// Record pairs an Action with its optional Entry and the author's chain
// signature over the action, the unit graft/replay operate on.
type Record struct {
	Action    Action
	Entry     *Entry
	Signature Signature
}

// SourceChain is the typed ordered log of one agent's actions, gated by the
// genesis sequence Dna -> AgentValidationPkg -> InitZomesComplete -> Ready.
type SourceChain struct {
	mu sync.Mutex

	author  AgentPubKey
	dnaHash Hash
	signer  *KeyPair
	seqIdx  *ChainSequence
	buf     *ChainBuffer // open staging buffer, nil between flushes

	records []Record // committed, index i has seq i
	staged  []Record // mirrors buf's staged rows, same order

	state ChainState
}

// NewSourceChain constructs an empty (pre-genesis) chain for author under
// dnaHash.
func NewSourceChain(author AgentPubKey, dnaHash Hash) *SourceChain {
	return &SourceChain{
		author:  author,
		dnaHash: dnaHash,
		seqIdx:  NewChainSequence(),
		state:   StatePreGenesis,
	}
}

// WithSigner attaches the keypair every subsequent Put signs with. The
// signer's public key must equal the chain's author.
func (sc *SourceChain) WithSigner(kp *KeyPair) *SourceChain {
	sc.signer = kp
	return sc
}

// CurrentHead returns the last committed action's hash, or nil pre-genesis.
func (sc *SourceChain) CurrentHead() (*Hash, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.currentHeadLocked()
}

func (sc *SourceChain) currentHeadLocked() (*Hash, error) {
	all := append(append([]Record{}, sc.records...), sc.staged...)
	if len(all) == 0 {
		return nil, nil
	}
	h, err := all[len(all)-1].Action.Hash()
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// State reports the chain's coarse lifecycle state.
func (sc *SourceChain) State() ChainState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// Put fills in author/timestamp/seq/prev from the chain's current view,
// enforces the no-fork and monotonic-timestamp invariants, and stages the
// resulting Action via C2.
func (sc *SourceChain) Put(b ActionBuilder) (*Action, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if b.Type != ActionDna && sc.state == StatePreGenesis {
		return nil, Wrap(KindValidation, "put: chain must be opened with a Dna action first", ErrInvalidCommit)
	}
	if sc.state == StateReady && isGenesisAction(b.Type) {
		return nil, Wrap(KindValidation, "put: genesis action after chain is ready", ErrInvalidCommit)
	}

	prevHash, err := sc.currentHeadLocked()
	if err != nil {
		return nil, err
	}

	var prevTS int64
	all := append(append([]Record{}, sc.records...), sc.staged...)
	if len(all) > 0 {
		prevTS = all[len(all)-1].Action.Timestamp
	}
	ts := Now()
	if ts < prevTS {
		ts = prevTS
	}

	seq := uint32(len(all))
	if b.Type == ActionDna && seq != 0 {
		return nil, Wrap(KindValidation, "put: Dna action must be sequence 0", ErrInvalidCommit)
	}

	act := &Action{
		ActionCommon: ActionCommon{
			Type:      b.Type,
			Author:    sc.author,
			Timestamp: ts,
			Seq:       seq,
			PrevHash:  prevHash,
		},
		DNAHash:            b.DNAHash,
		OriginalActionHash: b.OriginalActionHash,
		OriginalEntryHash:  b.OriginalEntryHash,
		DeletesActionHash:  b.DeletesActionHash,
		DeletesEntryHash:   b.DeletesEntryHash,
		BaseHash:           b.BaseHash,
		TargetHash:         b.TargetHash,
		LinkType:           b.LinkType,
		LinkTag:            b.LinkTag,
		LinkAddHash:        b.LinkAddHash,
		OtherDNAHash:       b.OtherDNAHash,
	}
	if b.Entry != nil {
		eh, err := b.Entry.Hash()
		if err != nil {
			return nil, err
		}
		act.EntryHash = &eh
	}

	ah, err := act.Hash()
	if err != nil {
		return nil, err
	}
	var sig Signature
	if sc.signer != nil {
		body, err := act.CanonicalBytes()
		if err != nil {
			return nil, err
		}
		sig = sc.signer.Sign(body)
	}
	if sc.buf == nil {
		sc.buf = sc.seqIdx.NewBuffer()
	}
	sc.buf.Append(ah)
	sc.staged = append(sc.staged, Record{Action: *act, Entry: b.Entry, Signature: sig})

	sc.advanceState(b.Type)
	return act, nil
}

func isGenesisAction(t ActionType) bool {
	return t == ActionDna || t == ActionAgentValidationPkg || t == ActionInitZomesComplete
}

func (sc *SourceChain) advanceState(t ActionType) {
	switch {
	case sc.state == StatePreGenesis && t == ActionDna:
		sc.state = StateGenesisDna
	case sc.state == StateGenesisDna && t == ActionAgentValidationPkg:
		sc.state = StateGenesisValidationPkg
	case sc.state == StateGenesisValidationPkg && t == ActionInitZomesComplete:
		sc.state = StateReady
	}
}

// Flush commits the chain head via C2 and returns the DHT ops produced for
// every newly-committed record. Ops are appended in record
// order.
func (sc *SourceChain) Flush() ([]Op, error) {
	sc.mu.Lock()
	staged := append([]Record{}, sc.staged...)
	buf := sc.buf
	sc.mu.Unlock()

	if len(staged) == 0 {
		return nil, nil
	}

	var ops []Op
	for _, r := range staged {
		rec := r
		produced, err := ProduceOps(&rec.Action, rec.Entry)
		if err != nil {
			return nil, err
		}
		for i := range produced {
			produced[i].Signature = rec.Signature
		}
		ops = append(ops, produced...)
	}

	if err := buf.Flush(); err != nil {
		// A moved head invalidates the whole staged run; the caller
		// rebuilds from the new head and retries.
		sc.mu.Lock()
		sc.staged = nil
		sc.buf = nil
		sc.mu.Unlock()
		return nil, err
	}

	sc.mu.Lock()
	sc.records = append(sc.records, staged...)
	sc.staged = nil
	sc.buf = nil
	sc.mu.Unlock()
	return ops, nil
}

// Graft replaces the chain tail starting at the earliest sequence number at
// which records diverges from the current chain. Authors
// of every grafted record must equal this chain's author; a mismatch leaves
// the chain untouched. When validate is true each grafted action is additionally
// checked for internal consistency (contiguous seq, non-decreasing
// timestamp, prev-hash chaining).
func (sc *SourceChain) Graft(records []Record, validate bool) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	for _, r := range records {
		if r.Action.Author != sc.author {
			return Wrap(KindValidation, "graft", ErrAuthorsMustMatch)
		}
	}
	if validate {
		if err := validateContiguous(records); err != nil {
			return Wrap(KindValidation, "graft: inconsistent record set", err)
		}
	}

	divergeAt := 0
	for divergeAt < len(sc.records) && divergeAt < len(records) {
		existingHash, err := sc.records[divergeAt].Action.Hash()
		if err != nil {
			return err
		}
		newHash, err := records[divergeAt].Action.Hash()
		if err != nil {
			return err
		}
		if !existingHash.Equal(newHash) {
			break
		}
		divergeAt++
	}

	sc.records = append(append([]Record{}, sc.records[:divergeAt]...), records[divergeAt:]...)
	sc.staged = nil
	sc.rebuildSeqIdx()
	return nil
}

func (sc *SourceChain) rebuildSeqIdx() {
	sc.seqIdx = NewChainSequence()
	sc.buf = nil
	buf := sc.seqIdx.NewBuffer()
	for _, r := range sc.records {
		h, err := r.Action.Hash()
		if err != nil {
			continue
		}
		buf.Append(h)
	}
	_ = buf.Flush()
	for i := range sc.records {
		sc.seqIdx.MarkIntegrated(uint32(i))
	}
}

func validateContiguous(records []Record) error {
	for i, r := range records {
		if r.Action.Seq != uint32(i) {
			return fmt.Errorf("record %d has seq %d, want %d", i, r.Action.Seq, i)
		}
		if i > 0 {
			prev := records[i-1]
			prevHash, err := prev.Action.Hash()
			if err != nil {
				return err
			}
			if r.Action.PrevHash == nil || !r.Action.PrevHash.Equal(prevHash) {
				return fmt.Errorf("record %d prev_hash does not chain to record %d", i, i-1)
			}
			if r.Action.Timestamp < prev.Action.Timestamp {
				return fmt.Errorf("record %d timestamp decreases", i)
			}
		}
	}
	return nil
}

// Records returns a copy of the committed records.
func (sc *SourceChain) Records() []Record {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]Record, len(sc.records))
	copy(out, sc.records)
	return out
}
