package core

// chain_sequence.go implements C2: a dense integer key -> {action hash,
// tx-seq, integration flag} mapping with optimistic-concurrency commit, a
// height-check-before-append pattern generalized from block heights to
// per-agent action sequence numbers. The persisted row set is shared; each
// writer stages into its own buffer and the head check happens under the
// store's lock at flush time, closing the race between two concurrent cell
// workflows.

import "sync"

// ChainSequenceRow is one committed row of the sequence index.
type ChainSequenceRow struct {
	Seq        uint32
	ActionHash Hash
	TxSeq      uint64 // groups rows committed together in one flush
	Integrated bool
}

// ChainSequence is the persisted seq -> row store for a single agent's
// source chain. Writers stage appends through a ChainBuffer.
type ChainSequence struct {
	mu sync.Mutex

	rows      []ChainSequenceRow // persisted, index i holds seq i
	nextTxSeq uint64
}

// NewChainSequence constructs an empty index (pre-genesis chain).
func NewChainSequence() *ChainSequence {
	return &ChainSequence{}
}

// ChainHead returns the highest-indexed committed row, or nil if the chain
// is empty.
func (c *ChainSequence) ChainHead() *ChainSequenceRow {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headLocked()
}

func (c *ChainSequence) headLocked() *ChainSequenceRow {
	if len(c.rows) == 0 {
		return nil
	}
	row := c.rows[len(c.rows)-1]
	return &row
}

func (c *ChainSequence) headHashLocked() *Hash {
	if h := c.headLocked(); h != nil {
		hh := h.ActionHash
		return &hh
	}
	return nil
}

// NewBuffer opens a staging buffer against the store's current head. The
// buffer's Flush succeeds only while that head is still the persisted head.
func (c *ChainSequence) NewBuffer() *ChainBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &ChainBuffer{
		store:      c,
		headAtOpen: c.headHashLocked(),
		baseSeq:    uint32(len(c.rows)),
	}
}

// MarkIntegrated flips the integration flag for the row at seq.
func (c *ChainSequence) MarkIntegrated(seq uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(seq) < len(c.rows) {
		c.rows[seq].Integrated = true
	}
}

// Rows returns a copy of the committed rows for inspection/testing.
func (c *ChainSequence) Rows() []ChainSequenceRow {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChainSequenceRow, len(c.rows))
	copy(out, c.rows)
	return out
}

// ChainBuffer stages appends from one writer against the head it observed
// when opened.
type ChainBuffer struct {
	store      *ChainSequence
	headAtOpen *Hash
	baseSeq    uint32
	staged     []ChainSequenceRow
}

// Append stages a new row at the next index.
func (b *ChainBuffer) Append(actionHash Hash) uint32 {
	seq := b.baseSeq + uint32(len(b.staged))
	b.staged = append(b.staged, ChainSequenceRow{Seq: seq, ActionHash: actionHash})
	return seq
}

// StagedLen reports how many rows are buffered but not yet flushed.
func (b *ChainBuffer) StagedLen() int { return len(b.staged) }

// Flush commits the staged rows iff the persisted head observed at flush
// time equals the head observed when the buffer was opened. On success the
// staged rows become part of the store and the buffer is cleared. On
// failure it returns a *HeadMovedError and leaves the buffer untouched so
// the caller can Reset and rebuild from the new head.
func (b *ChainBuffer) Flush() error {
	if len(b.staged) == 0 {
		return nil
	}
	c := b.store
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.headHashLocked()
	if !hashPtrEqual(current, b.headAtOpen) {
		return &HeadMovedError{Old: b.headAtOpen, New: current}
	}
	c.nextTxSeq++
	for i := range b.staged {
		b.staged[i].TxSeq = c.nextTxSeq
	}
	c.rows = append(c.rows, b.staged...)
	b.staged = nil
	b.headAtOpen = c.headHashLocked()
	b.baseSeq = uint32(len(c.rows))
	return nil
}

// Reset discards the staged rows and re-opens the buffer against the
// store's current head, used by a caller rebasing after HeadMoved.
func (b *ChainBuffer) Reset() {
	c := b.store
	c.mu.Lock()
	defer c.mu.Unlock()
	b.staged = nil
	b.headAtOpen = c.headHashLocked()
	b.baseSeq = uint32(len(c.rows))
}

func hashPtrEqual(a, b *Hash) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
