package core

// action.go defines the source chain's journal entry as a tagged sum over
// the ten action variants: a byte-tagged enum dispatched through an
// exhaustive switch rather than interface polymorphism, which is reserved
// for the plug-in boundaries (keystore, host, storage).

import (
	"encoding/json"
	"time"
)

// ActionType tags the ten action variants of the source chain.
type ActionType uint8

const (
	ActionDna ActionType = iota
	ActionAgentValidationPkg
	ActionInitZomesComplete
	ActionCreate
	ActionUpdate
	ActionDelete
	ActionCreateLink
	ActionDeleteLink
	ActionOpenChain
	ActionCloseChain
)

func (t ActionType) String() string {
	switch t {
	case ActionDna:
		return "Dna"
	case ActionAgentValidationPkg:
		return "AgentValidationPkg"
	case ActionInitZomesComplete:
		return "InitZomesComplete"
	case ActionCreate:
		return "Create"
	case ActionUpdate:
		return "Update"
	case ActionDelete:
		return "Delete"
	case ActionCreateLink:
		return "CreateLink"
	case ActionDeleteLink:
		return "DeleteLink"
	case ActionOpenChain:
		return "OpenChain"
	case ActionCloseChain:
		return "CloseChain"
	default:
		return "Unknown"
	}
}

// ActionCommon carries the fields every action variant has: author,
// timestamp, sequence number, and (except Dna) the hash of the previous
// action.
type ActionCommon struct {
	Type      ActionType  `json:"type"`
	Author    AgentPubKey `json:"author"`
	Timestamp int64       `json:"timestamp_ms"`
	Seq       uint32      `json:"seq"`
	PrevHash  *Hash       `json:"prev_hash,omitempty"`
}

// Action is a single journal entry. Only the fields relevant to Type are
// populated; producers (op_producer.go) and sys-validation (validation.go)
// dispatch exhaustively on Type.
type Action struct {
	ActionCommon

	// DNA-only.
	DNAHash *Hash `json:"dna_hash,omitempty"`

	// Create/Update: the new entry.
	EntryHash *Hash  `json:"entry_hash,omitempty"`
	EntryType string `json:"entry_type,omitempty"`

	// Update: the action+entry being superseded.
	OriginalActionHash *Hash `json:"original_action_hash,omitempty"`
	OriginalEntryHash  *Hash `json:"original_entry_hash,omitempty"`

	// Delete: the action+entry being removed.
	DeletesActionHash *Hash `json:"deletes_action_hash,omitempty"`
	DeletesEntryHash  *Hash `json:"deletes_entry_hash,omitempty"`

	// CreateLink.
	BaseHash   *Hash  `json:"base_hash,omitempty"`
	TargetHash *Hash  `json:"target_hash,omitempty"`
	LinkType   uint8  `json:"link_type,omitempty"`
	LinkTag    []byte `json:"link_tag,omitempty"`

	// DeleteLink: hash of the CreateLink action being retracted.
	LinkAddHash *Hash `json:"link_add_hash,omitempty"`

	// OpenChain/CloseChain.
	OtherDNAHash *Hash `json:"other_dna_hash,omitempty"`
}

// CanonicalBytes produces the deterministic encoding signed over: fixed
// field order via struct marshaling, sorted map keys (none occur
// here), no floats. json.Marshal on a struct already yields field order by
// declaration, which combined with omitempty gives a stable encoding for a
// type that never changes shape after construction.
func (a *Action) CanonicalBytes() ([]byte, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, Wrap(KindSerialization, "marshal action", err)
	}
	return b, nil
}

// KindSerialization is the error kind for canonical-encoding failures.
const KindSerialization = KindFatal

// Hash computes the action's own content hash (its identity on the chain).
func (a *Action) Hash() (Hash, error) {
	b, err := a.CanonicalBytes()
	if err != nil {
		return Hash{}, err
	}
	return NewHash(HashTypeAction, b), nil
}

// Now stamps the current wall-clock time in milliseconds, the unit used by
// ActionCommon.Timestamp.
func Now() int64 { return time.Now().UnixMilli() }

//---------------------------------------------------------------------
// Entry
//---------------------------------------------------------------------

// EntryKind distinguishes application content from the system entry types
// (capability grant/claim, agent key).
type EntryKind uint8

const (
	EntryApp EntryKind = iota
	EntryCapabilityGrant
	EntryCapabilityClaim
	EntryAgentKey
)

// Entry is application-typed (or system) content, stored separately from
// the action that references it by hash.
type Entry struct {
	Kind    EntryKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Hash computes the entry's content hash.
func (e *Entry) Hash() (Hash, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return Hash{}, Wrap(KindSerialization, "marshal entry", err)
	}
	return NewHash(HashTypeEntry, b), nil
}

//---------------------------------------------------------------------
// ActionBuilder
//---------------------------------------------------------------------

// ActionBuilder is the partially-filled action a caller supplies to
// SourceChain.Put; the chain fills in author/timestamp/seq/prev.
type ActionBuilder struct {
	Type  ActionType
	Entry *Entry // non-nil for Create/Update

	OriginalActionHash *Hash
	OriginalEntryHash  *Hash
	DeletesActionHash  *Hash
	DeletesEntryHash   *Hash
	BaseHash           *Hash
	TargetHash         *Hash
	LinkType           uint8
	LinkTag            []byte
	LinkAddHash        *Hash
	DNAHash            *Hash
	OtherDNAHash       *Hash
}
