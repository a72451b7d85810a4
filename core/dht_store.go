package core

// dht_store.go implements C6's storage half: the content+op tables and
// their secondary indexes, kept as a primary map plus derived indexes
// rebuilt under a single lock rather than separate synchronized
// structures.

import "sync"

// DHTStore holds every op this authority has agreed to hold, indexed for
// the lookups the cascade needs: by basis, by entry, by update/delete
// target, by link base, and by author for activity.
type DHTStore struct {
	mu sync.RWMutex

	// byBasis indexes every op under the DHT location it was placed at.
	byBasis map[Hash][]Op

	// byHash resolves an op hash back to the op itself, for answering
	// fetches and materializing pushes during gossip.
	byHash map[OpHash]Op

	// status tracks each op's current validation status by its OpHash.
	status map[OpHash]ValidationStatus

	// actionByEntry maps an entry hash to the action hash(es) that created
	// or updated it (StoreEntry target lookups).
	actionByEntry map[Hash][]Hash

	// updatesByTarget maps an original entry/action hash to the update
	// action hashes that target it.
	updatesByEntryTarget  map[Hash][]Hash
	updatesByActionTarget map[Hash][]Hash

	// deletesByTarget maps an original entry/action hash to the delete
	// action hashes that target it.
	deletesByEntryTarget  map[Hash][]Hash
	deletesByActionTarget map[Hash][]Hash

	// linksByBase maps a link op's basis to its action hashes, in first-seen
	// order: a CreateLink under its link base, a DeleteLink under the hash of
	// the CreateLink action it retracts.
	linksByBase map[Hash][]Hash

	// activityByAuthor maps an author's agent hash to their
	// RegisterAgentActivity ops in integration order, for the cascade's
	// GetAgentActivity.
	activityByAuthor map[Hash][]Op
}

func NewDHTStore() *DHTStore {
	return &DHTStore{
		byBasis:               make(map[Hash][]Op),
		byHash:                make(map[OpHash]Op),
		status:                make(map[OpHash]ValidationStatus),
		actionByEntry:         make(map[Hash][]Hash),
		updatesByEntryTarget:  make(map[Hash][]Hash),
		updatesByActionTarget: make(map[Hash][]Hash),
		deletesByEntryTarget:  make(map[Hash][]Hash),
		deletesByActionTarget: make(map[Hash][]Hash),
		linksByBase:           make(map[Hash][]Hash),
		activityByAuthor:      make(map[Hash][]Op),
	}
}

// Integrate commits op under status, updating every secondary index. It is
// idempotent: integrating the same op twice leaves the store unchanged
// beyond the status update, keeping replays safe.
func (s *DHTStore) Integrate(op Op, status ValidationStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := op.Hash()
	if _, seen := s.status[key]; !seen {
		s.byBasis[op.Basis] = append(s.byBasis[op.Basis], op)
		s.byHash[key] = op
	}
	s.status[key] = status

	if status != StatusValid {
		return
	}

	switch op.Type {
	case OpStoreEntry:
		if op.Action.EntryHash != nil {
			s.actionByEntry[*op.Action.EntryHash] = appendUniqueHash(s.actionByEntry[*op.Action.EntryHash], op.ActionHash)
		}
	case OpRegisterUpdatedContent:
		if op.TargetEntryHash != nil {
			s.updatesByEntryTarget[*op.TargetEntryHash] = appendUniqueHash(s.updatesByEntryTarget[*op.TargetEntryHash], op.ActionHash)
		}
	case OpRegisterUpdatedRecord:
		if op.TargetActionHash != nil {
			s.updatesByActionTarget[*op.TargetActionHash] = appendUniqueHash(s.updatesByActionTarget[*op.TargetActionHash], op.ActionHash)
		}
	case OpRegisterDeletedEntryAction:
		if op.TargetEntryHash != nil {
			s.deletesByEntryTarget[*op.TargetEntryHash] = appendUniqueHash(s.deletesByEntryTarget[*op.TargetEntryHash], op.ActionHash)
		}
	case OpRegisterDeletedBy:
		if op.TargetActionHash != nil {
			s.deletesByActionTarget[*op.TargetActionHash] = appendUniqueHash(s.deletesByActionTarget[*op.TargetActionHash], op.ActionHash)
		}
	case OpRegisterAddLink, OpRegisterRemoveLink:
		s.linksByBase[op.Basis] = appendUniqueHash(s.linksByBase[op.Basis], op.ActionHash)
	case OpRegisterAgentActivity:
		authorHash := op.Action.Author.AgentHash()
		for _, existing := range s.activityByAuthor[authorHash] {
			if existing.Hash() == key {
				return
			}
		}
		s.activityByAuthor[authorHash] = append(s.activityByAuthor[authorHash], op)
	}
}

func appendUniqueHash(hashes []Hash, h Hash) []Hash {
	for _, existing := range hashes {
		if existing.Equal(h) {
			return hashes
		}
	}
	return append(hashes, h)
}

// Status reports the current validation status of an op, or (StatusPending,
// false) if unknown.
func (s *DHTStore) Status(h OpHash) (ValidationStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.status[h]
	return st, ok
}

// OpsAt returns every op this authority holds at basis, for gossip region
// diffing and direct Get-by-hash lookups.
func (s *DHTStore) OpsAt(basis Hash) []Op {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Op{}, s.byBasis[basis]...)
}

// AllHashes returns every op hash held, for bloom-filter construction during
// a gossip round.
func (s *DHTStore) AllHashes() []OpHash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]OpHash, 0, len(s.status))
	for h := range s.status {
		out = append(out, h)
	}
	return out
}

// HashesInArcSet returns every op hash held whose basis location falls
// within set, the scoping gossip uses instead of AllHashes once a round has
// negotiated a common arc set with its partner.
func (s *DHTStore) HashesInArcSet(set ArcSet) []OpHash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []OpHash
	for basis, ops := range s.byBasis {
		if !set.Contains(basis.Location) {
			continue
		}
		for _, op := range ops {
			out = append(out, op.Hash())
		}
	}
	return out
}

// OpsInArcSet returns every op held whose basis location falls within set,
// the input to region summarization during a Region-mode gossip round.
func (s *DHTStore) OpsInArcSet(set ArcSet) []Op {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Op
	for basis, ops := range s.byBasis {
		if !set.Contains(basis.Location) {
			continue
		}
		out = append(out, ops...)
	}
	return out
}

// Op returns the stored op identified by h, if held.
func (s *DHTStore) Op(h OpHash) (Op, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.byHash[h]
	return op, ok
}

// Has reports whether this authority already holds op, regardless of
// status, for gossip diffing (avoid re-fetching known ops even if still
// Pending).
func (s *DHTStore) Has(h OpHash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.status[h]
	return ok
}

// EntryActions returns the action hashes that StoreEntry-projected
// entryHash (its create, and any updates layered atop it).
func (s *DHTStore) EntryActions(entryHash Hash) []Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]Hash{}, s.actionByEntry[entryHash]...)
	out = append(out, s.updatesByEntryTarget[entryHash]...)
	return out
}

// IsDeleted reports whether entryHash or actionHash has a live
// RegisterDeletedBy/RegisterDeletedEntryAction projection.
func (s *DHTStore) IsDeleted(entryHash, actionHash Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.deletesByEntryTarget[entryHash]) > 0 || len(s.deletesByActionTarget[actionHash]) > 0
}

// LinksAtBase returns the link action hashes registered at base, in
// first-seen order: the CreateLink actions when base is a link base, the
// DeleteLink actions when base is a CreateLink action hash. Callers reduce
// Create/Delete pairs themselves.
func (s *DHTStore) LinksAtBase(base Hash) []Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Hash{}, s.linksByBase[base]...)
}

// AgentActivity returns op (RegisterAgentActivity) entries for author, in
// the order they were integrated.
func (s *DHTStore) AgentActivity(author Hash) []Op {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Op{}, s.activityByAuthor[author]...)
}
