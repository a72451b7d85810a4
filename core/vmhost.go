package core

// vmhost.go implements the two AppValidationHost backends: a native
// in-process host for tests and simple apps, and a wasmer-go-sandboxed
// host for untrusted app validation callbacks compiled to WebAssembly. The
// sandboxed host wires a wasmer instance's host-function imports onto
// linear memory and calls a single exported "validate" function.

import (
	"context"
	"encoding/json"

	wasmer "github.com/wasmerio/wasmer-go/wasmer"
)

// NativeValidationRule is a pure Go callback used directly as an
// AppValidationHost, for tests and for apps that don't need sandboxing.
type NativeValidationRule func(op Op, cascade *Cascade) AppValidationOutcome

// NativeHost dispatches every op to a caller-supplied rule, keyed by
// OpType; ops without a registered rule pass by default.
type NativeHost struct {
	rules map[OpType]NativeValidationRule
}

func NewNativeHost() *NativeHost {
	return &NativeHost{rules: make(map[OpType]NativeValidationRule)}
}

// Register wires rule to run for every op of type t.
func (h *NativeHost) Register(t OpType, rule NativeValidationRule) {
	h.rules[t] = rule
}

func (h *NativeHost) ValidateOp(ctx context.Context, op Op, cascade *Cascade) (AppValidationOutcome, error) {
	rule, ok := h.rules[op.Type]
	if !ok {
		return AppValidationOutcome{Valid: true}, nil
	}
	return rule(op, cascade), nil
}

//---------------------------------------------------------------------
// WASM-sandboxed host
//---------------------------------------------------------------------

// WasmHost runs app-defined validation callbacks inside a wasmer-go
// instance, one module per zome. The module must export a "validate"
// function taking (ptr, len) for the JSON-encoded op and returning a
// packed (ptr, len) for its JSON-encoded AppValidationOutcome, plus an
// "alloc" function the host calls to place the request in the instance's
// linear memory, following the usual host-function-imports-plus-shared-
// memory convention for wasmer guest calls.
type WasmHost struct {
	instance *wasmer.Instance
	memory   *wasmer.Memory
	alloc    wasmer.NativeFunction
	validate wasmer.NativeFunction
}

// NewWasmHost compiles wasmBytes and instantiates it with no host-function
// imports beyond the WASI-free default, since app validation logic is pure.
func NewWasmHost(wasmBytes []byte) (*WasmHost, error) {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)
	module, err := wasmer.NewModule(store, wasmBytes)
	if err != nil {
		return nil, Wrap(KindFatal, "compile validation wasm module", err)
	}
	importObject := wasmer.NewImportObject()
	instance, err := wasmer.NewInstance(module, importObject)
	if err != nil {
		return nil, Wrap(KindFatal, "instantiate validation wasm module", err)
	}
	memory, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, Wrap(KindFatal, "validation module missing exported memory", err)
	}
	alloc, err := instance.Exports.GetFunction("alloc")
	if err != nil {
		return nil, Wrap(KindFatal, "validation module missing alloc export", err)
	}
	validate, err := instance.Exports.GetFunction("validate")
	if err != nil {
		return nil, Wrap(KindFatal, "validation module missing validate export", err)
	}
	return &WasmHost{instance: instance, memory: memory, alloc: alloc, validate: validate}, nil
}

func (h *WasmHost) ValidateOp(ctx context.Context, op Op, cascade *Cascade) (AppValidationOutcome, error) {
	encoded, err := json.Marshal(opForWasm{Type: op.Type, Basis: op.Basis, ActionHash: op.ActionHash})
	if err != nil {
		return AppValidationOutcome{}, Wrap(KindSerialization, "encode op for wasm host", err)
	}

	ptrRaw, err := h.alloc(int32(len(encoded)))
	if err != nil {
		return AppValidationOutcome{}, Wrap(KindResource, "wasm alloc", err)
	}
	ptr, ok := ptrRaw.(int32)
	if !ok {
		return AppValidationOutcome{}, Wrap(KindFatal, "wasm alloc returned unexpected type", ErrSerialization)
	}

	mem := h.memory.Data()
	copy(mem[ptr:], encoded)

	resultRaw, err := h.validate(ptr, int32(len(encoded)))
	if err != nil {
		return AppValidationOutcome{}, Wrap(KindResource, "wasm validate call", err)
	}
	packed, ok := resultRaw.(int64)
	if !ok {
		return AppValidationOutcome{}, Wrap(KindFatal, "wasm validate returned unexpected type", ErrSerialization)
	}
	resultPtr := int32(packed >> 32)
	resultLen := int32(packed & 0xFFFFFFFF)

	mem = h.memory.Data()
	if int(resultPtr)+int(resultLen) > len(mem) {
		return AppValidationOutcome{}, Wrap(KindFatal, "wasm validate returned out-of-bounds result", ErrSerialization)
	}
	raw := make([]byte, resultLen)
	copy(raw, mem[resultPtr:resultPtr+resultLen])

	var outcome AppValidationOutcome
	if err := json.Unmarshal(raw, &outcome); err != nil {
		return AppValidationOutcome{}, Wrap(KindSerialization, "decode wasm validate result", err)
	}
	return outcome, nil
}

// opForWasm is the minimal, stable-shape encoding passed across the wasm
// boundary: only what a validation callback needs to decide, not the full
// Op (which may embed an Entry of arbitrary size).
type opForWasm struct {
	Type       OpType `json:"type"`
	Basis      Hash   `json:"basis"`
	ActionHash Hash   `json:"action_hash"`
}
