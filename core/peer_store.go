package core

// peer_store.go implements C7's directory half: a signed AgentInfo record
// per peer (identity, reachable URLs, and storage arc) plus the store that
// keeps the freshest copy per agent and answers arc-overlap queries for
// gossip partner selection, an address book keyed by agent rather than
// plain liveness tracking, pruning stale entries on a TTL.

import (
	"sync"
	"time"
)

// AgentInfo is a peer's signed network presence: who they are, where they
// can be reached, and what part of the DHT ring they claim to hold.
type AgentInfo struct {
	Agent     AgentPubKey
	URLs      []string
	Arc       Arc
	SignedAt  int64 // ms
	ExpiresAt int64 // ms
	Signature Signature
}

// canonicalBytes produces the bytes an AgentInfo is signed over. Changing
// URLs, Arc, or the validity window invalidates any existing signature.
func (ai AgentInfo) canonicalBytes() []byte {
	b := make([]byte, 0, 64)
	b = append(b, ai.Agent[:]...)
	for _, u := range ai.URLs {
		b = append(b, []byte(u)...)
		b = append(b, 0)
	}
	var tmp [8]byte
	putInt64(tmp[:], int64(ai.Arc.Start))
	b = append(b, tmp[:]...)
	putInt64(tmp[:], int64(ai.Arc.Length))
	b = append(b, tmp[:]...)
	putInt64(tmp[:], ai.SignedAt)
	b = append(b, tmp[:]...)
	putInt64(tmp[:], ai.ExpiresAt)
	b = append(b, tmp[:]...)
	return b
}

func putInt64(dst []byte, v int64) {
	for i := 0; i < 8; i++ {
		dst[i] = byte(v >> uint(8*i))
	}
}

// NewAgentInfo builds and signs an AgentInfo valid for ttl from now.
func NewAgentInfo(kp *KeyPair, urls []string, arc Arc, now int64, ttl time.Duration) AgentInfo {
	ai := AgentInfo{
		Agent:     kp.AgentPubKeyOf(),
		URLs:      urls,
		Arc:       arc,
		SignedAt:  now,
		ExpiresAt: now + ttl.Milliseconds(),
	}
	ai.Signature = kp.Sign(ai.canonicalBytes())
	return ai
}

// Verify checks the AgentInfo's signature against its own claimed agent key.
func (ai AgentInfo) Verify() bool {
	return Verify(ai.Agent, ai.canonicalBytes(), ai.Signature)
}

// Expired reports whether the record's validity window has passed nowMS.
func (ai AgentInfo) Expired(nowMS int64) bool { return nowMS >= ai.ExpiresAt }

// PeerStore keeps the single freshest, signature-valid AgentInfo per agent.
type PeerStore struct {
	mu    sync.RWMutex
	peers map[Hash]AgentInfo
}

func NewPeerStore() *PeerStore {
	return &PeerStore{peers: make(map[Hash]AgentInfo)}
}

// Put stores info if its signature verifies and it is newer than any
// existing record for the same agent; it rejects and drops stale or
// unsigned records rather than erroring, mirroring PeerManager's silent
// ignore-and-keep-serving-the-good-data behavior.
func (s *PeerStore) Put(info AgentInfo) bool {
	if !info.Verify() {
		return false
	}
	key := info.Agent.AgentHash()
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.peers[key]; ok && existing.SignedAt >= info.SignedAt {
		return false
	}
	s.peers[key] = info
	return true
}

// Get returns the stored AgentInfo for agent, if any.
func (s *PeerStore) Get(agent AgentPubKey) (AgentInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.peers[agent.AgentHash()]
	return info, ok
}

// Prune removes every record expired as of nowMS, returning the count
// removed.
func (s *PeerStore) Prune(nowMS int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, info := range s.peers {
		if info.Expired(nowMS) {
			delete(s.peers, k)
			n++
		}
	}
	return n
}

// All returns every stored peer record (Prune, not All, drops expired
// entries), for gossip partner enumeration.
func (s *PeerStore) All() []AgentInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AgentInfo, 0, len(s.peers))
	for _, info := range s.peers {
		out = append(out, info)
	}
	return out
}

// OverlappingArcs returns every stored peer whose arc intersects target,
// the candidate set for a gossip round over that basis range.
func (s *PeerStore) OverlappingArcs(target Arc) []AgentInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AgentInfo
	for _, info := range s.peers {
		if info.Arc.Intersects(target) {
			out = append(out, info)
		}
	}
	return out
}

// Arcs returns every stored peer's claimed arc, the input to a gossip
// round's arc-set negotiation.
func (s *PeerStore) Arcs() []Arc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Arc, 0, len(s.peers))
	for _, info := range s.peers {
		out = append(out, info.Arc)
	}
	return out
}

// InArcSet returns every stored peer whose arc overlaps set, scoping
// agent-info exchange to the common region two gossip partners negotiated.
func (s *PeerStore) InArcSet(set ArcSet) []AgentInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AgentInfo
	for _, info := range s.peers {
		if set.OverlapsArc(info.Arc) {
			out = append(out, info)
		}
	}
	return out
}
