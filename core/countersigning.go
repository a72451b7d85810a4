package core

// countersigning.go implements C9: the preflight/lock/collect/commit-or-
// abort protocol that lets several agents commit entries referencing each
// other atomically, holding a per-chain lock for the session's time
// window and releasing it either by unanimous signature collection or by
// expiry.

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState tags where a countersigning session sits.
type SessionState uint8

const (
	SessionPreflight SessionState = iota
	SessionLocked
	SessionCollecting
	SessionCommitted
	SessionAborted
)

// PreflightRequest is the proposed entry and the full signer set a session
// coordinator circulates before any chain is locked.
type PreflightRequest struct {
	SessionID  string
	Entry      Entry
	Signers    []AgentPubKey
	ExpiresAt  int64 // ms
}

// CountersigningSession tracks one multi-author commit in progress.
type CountersigningSession struct {
	Request    PreflightRequest
	State      SessionState
	Signatures map[AgentPubKey]Signature

	// heldOps are the session entry's ops, produced at commit time but
	// withheld from publish until every signature lands.
	heldOps []Op
}

// Coordinator manages the countersigning lock for a single agent's chain:
// at most one session may hold the lock at a time. Sessions are identified
// by their SessionID; the session entry's hash is not used as the lock key.
// A lock whose time window has passed is released by the next Accept or by
// ExpireIfStale; nothing releases it on a timer.
type Coordinator struct {
	mu      sync.Mutex
	chain   *SourceChain
	session *CountersigningSession
}

func NewCoordinator(chain *SourceChain) *Coordinator {
	return &Coordinator{chain: chain}
}

// NewPreflightRequest builds a session proposal for entry, valid for
// window from now.
func NewPreflightRequest(entry Entry, signers []AgentPubKey, now int64, window time.Duration) PreflightRequest {
	return PreflightRequest{
		SessionID: uuid.NewString(),
		Entry:     entry,
		Signers:   signers,
		ExpiresAt: now + window.Milliseconds(),
	}
}

// Accept locks this agent's chain for req's session, rejecting the request
// if a different session already holds the lock.
func (c *Coordinator) Accept(req PreflightRequest, nowMS int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil && c.session.State != SessionAborted && c.session.State != SessionCommitted {
		if nowMS >= c.session.Request.ExpiresAt {
			c.session = nil
		} else {
			return Wrap(KindTransient, "chain already locked by another countersigning session", ErrChainLockBusy)
		}
	}
	if nowMS >= req.ExpiresAt {
		return Wrap(KindValidation, "preflight request already expired", ErrTimedOut)
	}
	c.session = &CountersigningSession{
		Request:    req,
		State:      SessionLocked,
		Signatures: make(map[AgentPubKey]Signature),
	}
	return nil
}

// AddSignature records a collected signature for the active session. Once
// every signer listed in the preflight request has signed, the session
// transitions to Committed and the caller should then Put the countersigned
// action onto the chain.
func (c *Coordinator) AddSignature(sessionID string, signer AgentPubKey, sig Signature) (committed bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || c.session.Request.SessionID != sessionID {
		return false, Wrap(KindValidation, "no matching active countersigning session", ErrInvalidCommit)
	}
	if c.session.State == SessionAborted || c.session.State == SessionCommitted {
		return false, Wrap(KindValidation, "countersigning session already resolved", ErrInvalidCommit)
	}

	signerKnown := false
	for _, s := range c.session.Request.Signers {
		if s == signer {
			signerKnown = true
			break
		}
	}
	if !signerKnown {
		return false, Wrap(KindValidation, "signer is not part of this countersigning session", ErrInvalidCommit)
	}

	c.session.State = SessionCollecting
	c.session.Signatures[signer] = sig

	if len(c.session.Signatures) == len(c.session.Request.Signers) {
		c.session.State = SessionCommitted
		return true, nil
	}
	return false, nil
}

// StageOps parks the session entry's ops under the active session with
// their withhold_publish bit set; they stay unpublished until the full
// signature bundle arrives and ReleasePublish clears the bit.
func (c *Coordinator) StageOps(sessionID string, ops []Op) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.Request.SessionID != sessionID {
		return Wrap(KindValidation, "no matching active countersigning session", ErrInvalidCommit)
	}
	for i := range ops {
		ops[i].WithholdPublish = true
	}
	c.session.heldOps = append(c.session.heldOps, ops...)
	return nil
}

// ReleasePublish hands back the session's held ops with withhold_publish
// cleared, legal only once the session has committed. It also releases the
// chain lock, so the caller only has to publish the returned ops.
func (c *Coordinator) ReleasePublish(sessionID string) ([]Op, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.Request.SessionID != sessionID {
		return nil, Wrap(KindValidation, "no matching countersigning session", ErrInvalidCommit)
	}
	if c.session.State != SessionCommitted {
		return nil, Wrap(KindValidation, "session has not collected every signature", ErrInvalidCommit)
	}
	ops := c.session.heldOps
	for i := range ops {
		ops[i].WithholdPublish = false
	}
	c.session = nil
	return ops, nil
}

// Abort releases the lock without committing, e.g. on explicit
// cancellation or a signer's refusal.
func (c *Coordinator) Abort(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && c.session.Request.SessionID == sessionID {
		c.session.State = SessionAborted
		c.session = nil
	}
}

// ExpireIfStale releases the lock if the active session's window has
// passed, returning whether it did so. Callers should poll this
// periodically rather than relying solely on the check inside Accept, so a
// never-retried lock doesn't wedge a chain indefinitely.
func (c *Coordinator) ExpireIfStale(nowMS int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.State == SessionCommitted || c.session.State == SessionAborted {
		return false
	}
	if nowMS >= c.session.Request.ExpiresAt {
		c.session.State = SessionAborted
		c.session = nil
		return true
	}
	return false
}

// ActiveSession reports the current session, if the lock is held.
func (c *Coordinator) ActiveSession() (*CountersigningSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.session != nil
}
