package core

// conductor.go implements C12: a registry of running cells keyed by cell
// id, with explicit init/shutdown and the dispatch of an external zome-call
// request to the cell that owns it. Cells are brought up and torn down as
// a dynamic collection rather than a fixed set of named subsystems.

import (
	"context"
	"encoding/json"
	"sync"
)

// CellID identifies a running cell by its DNA hash and agent key, the pair
// that forms a cell's identity.
type CellID struct {
	DNAHash Hash
	Agent   AgentPubKey
}

func (id CellID) String() string {
	return id.DNAHash.Short() + "/" + id.Agent.AgentHash().Short()
}

// Cell bundles the per-agent runtime state a conductor dispatches zome
// calls into: its source chain, the DHT components it participates in, and
// its countersigning coordinator.
type Cell struct {
	ID          CellID
	Chain       *SourceChain
	Store       *DHTStore
	Cascade     *Cascade
	Pipeline    *ValidationPipeline
	Gossip      *Engine
	Countersign *Coordinator
	Zomes       map[string]ZomeFn
}

// ZomeFn is an app-defined function a zome call may invoke. Real zome logic
// lives behind this boundary (an AppValidationHost is the validation-time
// analog); the conductor only routes to it.
type ZomeFn func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Conductor owns every installed cell in this process and is the single
// entry point external callers (the app interface, admin interface, or
// another cell doing a bridge call) dispatch through.
type Conductor struct {
	mu    sync.RWMutex
	cells map[string]*Cell // keyed by CellID.String()
}

func NewConductor() *Conductor {
	return &Conductor{cells: make(map[string]*Cell)}
}

// InstallCell registers cell, making it available for dispatch. Installing
// over an existing id replaces it; callers should ShutdownCell first if
// they want a clean teardown of the old instance.
func (c *Conductor) InstallCell(cell *Cell) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cells[cell.ID.String()] = cell
}

// ShutdownCell removes a cell from dispatch, flushing any staged chain
// writes first so nothing installed this session is silently dropped.
func (c *Conductor) ShutdownCell(id CellID) error {
	c.mu.Lock()
	cell, ok := c.cells[id.String()]
	if ok {
		delete(c.cells, id.String())
	}
	c.mu.Unlock()

	if !ok {
		return Wrap(KindTopology, "shutdown: cell not found", ErrCellNotFound)
	}
	if _, err := cell.Chain.Flush(); err != nil {
		return Wrap(KindResource, "flush cell chain on shutdown", err)
	}
	return nil
}

// Cell looks up an installed cell by id.
func (c *Conductor) Cell(id CellID) (*Cell, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cell, ok := c.cells[id.String()]
	if !ok {
		return nil, Wrap(KindTopology, "cell not found", ErrCellNotFound)
	}
	return cell, nil
}

// Cells lists every installed cell id.
func (c *Conductor) Cells() []CellID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CellID, 0, len(c.cells))
	for _, cell := range c.cells {
		out = append(out, cell.ID)
	}
	return out
}

// DispatchZomeCall resolves req.CellID to an installed cell and invokes the
// named zome function, the handler appiface.go's AppInterfaceServer wires
// as its ZomeCallHandler.
func (c *Conductor) DispatchZomeCall(ctx context.Context, req ZomeCallRequest) (json.RawMessage, error) {
	c.mu.RLock()
	cell, ok := c.cells[req.CellID]
	c.mu.RUnlock()
	if !ok {
		return nil, Wrap(KindTopology, "dispatch: cell not found", ErrCellNotFound)
	}
	if cell.Chain.State() != StateReady {
		return nil, Wrap(KindTopology, "dispatch: cell not ready", ErrCellDisabled)
	}
	fn, ok := cell.Zomes[req.Zome+"/"+req.Function]
	if !ok {
		return nil, Wrap(KindValidation, "dispatch: unknown zome function", ErrInvalidToken)
	}
	return fn(ctx, req.Payload)
}
