package core

// op_producer.go implements C4: a pure, deterministic fan-out from one
// authored action to its N typed DHT ops, each carrying a basis location.
// No I/O; dispatch is table-driven on the action's type.

import "fmt"

// ProduceOps implements the action -> ops table. The returned list and each
// op's basis are deterministic: repeated calls on the same (action, entry)
// yield byte-identical results.
func ProduceOps(a *Action, entry *Entry) ([]Op, error) {
	actionHash, err := a.Hash()
	if err != nil {
		return nil, err
	}
	authorHash := a.Author.AgentHash()

	storeRecord := Op{Type: OpStoreRecord, Basis: actionHash, Action: *a, ActionHash: actionHash}
	registerActivity := Op{Type: OpRegisterAgentActivity, Basis: authorHash, Action: *a, ActionHash: actionHash}

	switch a.Type {
	case ActionCreate:
		if a.EntryHash == nil {
			return nil, fmt.Errorf("op_producer: Create action missing entry hash")
		}
		storeEntry := Op{Type: OpStoreEntry, Basis: *a.EntryHash, Action: *a, ActionHash: actionHash, Entry: entry}
		return []Op{storeRecord, storeEntry, registerActivity}, nil

	case ActionUpdate:
		if a.EntryHash == nil || a.OriginalEntryHash == nil || a.OriginalActionHash == nil {
			return nil, fmt.Errorf("op_producer: Update action missing original/entry hashes")
		}
		storeEntry := Op{Type: OpStoreEntry, Basis: *a.EntryHash, Action: *a, ActionHash: actionHash, Entry: entry}
		updatedContent := Op{
			Type: OpRegisterUpdatedContent, Basis: *a.OriginalEntryHash, Action: *a, ActionHash: actionHash,
			TargetEntryHash: a.OriginalEntryHash,
		}
		updatedRecord := Op{
			Type: OpRegisterUpdatedRecord, Basis: *a.OriginalActionHash, Action: *a, ActionHash: actionHash,
			TargetActionHash: a.OriginalActionHash,
		}
		return []Op{storeRecord, storeEntry, registerActivity, updatedContent, updatedRecord}, nil

	case ActionDelete:
		if a.DeletesActionHash == nil || a.DeletesEntryHash == nil {
			return nil, fmt.Errorf("op_producer: Delete action missing target hashes")
		}
		deletedBy := Op{
			Type: OpRegisterDeletedBy, Basis: *a.DeletesActionHash, Action: *a, ActionHash: actionHash,
			TargetActionHash: a.DeletesActionHash,
		}
		deletedEntry := Op{
			Type: OpRegisterDeletedEntryAction, Basis: *a.DeletesEntryHash, Action: *a, ActionHash: actionHash,
			TargetEntryHash: a.DeletesEntryHash,
		}
		return []Op{storeRecord, registerActivity, deletedBy, deletedEntry}, nil

	case ActionCreateLink:
		if a.BaseHash == nil {
			return nil, fmt.Errorf("op_producer: CreateLink action missing base hash")
		}
		addLink := Op{Type: OpRegisterAddLink, Basis: *a.BaseHash, Action: *a, ActionHash: actionHash}
		return []Op{storeRecord, registerActivity, addLink}, nil

	case ActionDeleteLink:
		if a.LinkAddHash == nil {
			return nil, fmt.Errorf("op_producer: DeleteLink action missing link-add hash")
		}
		removeLink := Op{
			Type: OpRegisterRemoveLink, Basis: *a.LinkAddHash, Action: *a, ActionHash: actionHash,
			TargetActionHash: a.LinkAddHash,
		}
		return []Op{storeRecord, registerActivity, removeLink}, nil

	default:
		// Dna, AgentValidationPkg, InitZomesComplete, OpenChain, CloseChain.
		return []Op{storeRecord, registerActivity}, nil
	}
}
