package core

import (
	"errors"
	"testing"
)

func mustHash(s string) Hash { return NewHash(HashTypeAction, []byte(s)) }

func TestChainSequenceMonotonic(t *testing.T) {
	cs := NewChainSequence()
	buf := cs.NewBuffer()
	hashes := []Hash{mustHash("a0"), mustHash("a1"), mustHash("a2")}
	for _, h := range hashes {
		buf.Append(h)
	}
	if err := buf.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	rows := cs.Rows()
	if len(rows) != 3 {
		t.Fatalf("want 3 rows, got %d", len(rows))
	}
	for i, r := range rows {
		if r.Seq != uint32(i) {
			t.Fatalf("row %d has seq %d", i, r.Seq)
		}
		if !r.ActionHash.Equal(hashes[i]) {
			t.Fatalf("row %d hash mismatch", i)
		}
		if r.TxSeq != 1 {
			t.Fatalf("row %d txseq = %d, want 1 (single flush)", i, r.TxSeq)
		}
	}
}

func TestChainSequenceTxSeqGroupsFlushes(t *testing.T) {
	cs := NewChainSequence()
	buf := cs.NewBuffer()
	buf.Append(mustHash("first"))
	if err := buf.Flush(); err != nil {
		t.Fatalf("first flush: %v", err)
	}
	buf.Append(mustHash("second"))
	if err := buf.Flush(); err != nil {
		t.Fatalf("second flush: %v", err)
	}

	rows := cs.Rows()
	if rows[0].TxSeq != 1 || rows[1].TxSeq != 2 {
		t.Fatalf("rows committed in separate flushes must carry distinct tx-seqs, got %d and %d", rows[0].TxSeq, rows[1].TxSeq)
	}
}

func TestChainSequenceHeadMovedSafety(t *testing.T) {
	cs := NewChainSequence()

	// Two writers open buffers against the same (empty) head.
	winner := cs.NewBuffer()
	loser := cs.NewBuffer()
	winner.Append(mustHash("winner-0"))
	loser.Append(mustHash("loser-0"))

	if err := winner.Flush(); err != nil {
		t.Fatalf("winner flush: %v", err)
	}

	err := loser.Flush()
	if err == nil {
		t.Fatal("expected HeadMoved for the loser")
	}
	var hm *HeadMovedError
	if !errors.As(err, &hm) {
		t.Fatalf("expected HeadMovedError, got %v", err)
	}
	if hm.Old != nil {
		t.Fatalf("expected nil old head, got %v", hm.Old)
	}
	if hm.New == nil || !hm.New.Equal(mustHash("winner-0")) {
		t.Fatalf("new head should be the winner's last appended hash, got %v", hm.New)
	}
	if len(cs.Rows()) != 1 {
		t.Fatal("the loser's rows must not reach the store")
	}

	// After rebasing against the new head, the loser's retry commits.
	loser.Reset()
	loser.Append(mustHash("loser-0-rebased"))
	if err := loser.Flush(); err != nil {
		t.Fatalf("rebased flush: %v", err)
	}
	rows := cs.Rows()
	if len(rows) != 2 || !rows[1].ActionHash.Equal(mustHash("loser-0-rebased")) {
		t.Fatalf("rebased row should follow the winner's, got %+v", rows)
	}
}
