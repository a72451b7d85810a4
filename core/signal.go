package core

// signal.go implements remote signals: a fire-and-forget broadcast from one
// agent to a set of recipients, each of whom emits exactly one app-signal
// event on their own app interface. Delivery is best-effort; the receiver
// de-duplicates by signal id so a re-broadcast never double-emits.

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Signal is the payload an agent pushes to remote conductors for immediate
// emission, outside the DHT and outside any chain.
type Signal struct {
	ID      string          `json:"id"`
	From    AgentPubKey     `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// SignalSender is the transport half of remote signals; Libp2pTransport
// implements it, tests substitute an in-memory fan-out.
type SignalSender interface {
	SendRemoteSignal(ctx context.Context, to AgentPubKey, sig Signal) error
}

// BroadcastRemoteSignal sends one signal, under a single id, to every
// recipient. A failed send to one recipient does not stop the rest; the
// first error is returned after all sends are attempted.
func BroadcastRemoteSignal(ctx context.Context, sender SignalSender, from AgentPubKey, recipients []AgentPubKey, payload json.RawMessage) error {
	sig := Signal{ID: uuid.NewString(), From: from, Payload: payload}
	var firstErr error
	for _, to := range recipients {
		if err := sender.SendRemoteSignal(ctx, to, sig); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SignalReceiver sits between the transport and a conductor's app
// interface: each inbound signal is emitted at most once, keyed by its id.
type SignalReceiver struct {
	mu   sync.Mutex
	seen map[string]bool
	emit func(Signal)
}

// NewSignalReceiver wires emit as the app-signal event sink, typically a
// closure writing a FrameSignal to every connected app-interface client.
func NewSignalReceiver(emit func(Signal)) *SignalReceiver {
	return &SignalReceiver{seen: make(map[string]bool), emit: emit}
}

// Receive emits sig unless a signal with the same id was already emitted,
// reporting whether an emission happened.
func (r *SignalReceiver) Receive(sig Signal) bool {
	r.mu.Lock()
	if r.seen[sig.ID] {
		r.mu.Unlock()
		return false
	}
	r.seen[sig.ID] = true
	r.mu.Unlock()

	if r.emit != nil {
		r.emit(sig)
	}
	return true
}
