package agentreg

import (
	"sync"

	"github.com/relaymesh/relay/internal/protocol"
)

// PendingRequests correlates a stream id to a one-shot responder
// (spec §4.12), used for the ValidateAgentToken preflight: the relay
// sends a request on a stream, then awaits exactly one reply
// delivered asynchronously from the session's message-dispatch loop.
// The ForwardRequest/Accept/Reject exchange does not use it;
// reverse.Broker reads that reply directly off the forward stream.
type PendingRequests struct {
	mu      sync.Mutex
	waiters map[uint32]chan protocol.Message
}

// NewPendingRequests returns an empty table.
func NewPendingRequests() *PendingRequests {
	return &PendingRequests{waiters: make(map[uint32]chan protocol.Message)}
}

// Register inserts a one-shot receiver for streamID and returns the
// channel that will carry its single reply. Registering a stream id
// that is already pending replaces the previous waiter, since a
// stream can only be in flight for one outstanding request at a time.
func (p *PendingRequests) Register(streamID uint32) <-chan protocol.Message {
	ch := make(chan protocol.Message, 1)
	p.mu.Lock()
	p.waiters[streamID] = ch
	p.mu.Unlock()
	return ch
}

// Respond fulfils the pending waiter for streamID with msg, if any.
// Delivery is at-most-once and idempotent: a second Respond (or a
// Respond after Cancel) for the same stream id is silently discarded,
// since the waiter has already been removed.
func (p *PendingRequests) Respond(streamID uint32, msg protocol.Message) {
	p.mu.Lock()
	ch, ok := p.waiters[streamID]
	if ok {
		delete(p.waiters, streamID)
	}
	p.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// Cancel removes the pending waiter for streamID without fulfilling
// it. Idempotent: canceling an absent or already-resolved id is a
// no-op.
func (p *PendingRequests) Cancel(streamID uint32) {
	p.mu.Lock()
	delete(p.waiters, streamID)
	p.mu.Unlock()
}
