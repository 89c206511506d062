// Package agentreg implements the reverse-tunnel agent registry and
// the pending-request correlation table (spec §3, §4.11, §4.12).
package agentreg

import (
	"sync"

	"github.com/relaymesh/relay/internal/protocol"
	"github.com/relaymesh/relay/internal/transport"
)

// Agent is one registered reverse-tunnel agent's live state.
type Agent struct {
	AgentID       string
	Conn          transport.Connection
	TargetAddress string
	Metadata      protocol.AgentMetadata

	// Pending correlates replies on this agent's control stream back
	// to whichever broker call is awaiting one (spec §4.12), since
	// preflight exchanges like ValidateAgentToken are carried on the
	// shared control stream rather than a dedicated one per request.
	Pending *PendingRequests

	// Outbox is the agent's control-stream send queue: the dispatch
	// loop's writerLoop is the stream's sole writer, so any other
	// goroutine addressing this agent (e.g. the reverse-tunnel broker
	// forwarding a ValidateAgentToken preflight) enqueues here instead
	// of calling SendMessage directly.
	Outbox chan<- protocol.Message
}

// ErrAlreadyRegistered indicates agentID already has a live
// registration.
type ErrAlreadyRegistered struct{ AgentID string }

func (e *ErrAlreadyRegistered) Error() string {
	return "agentreg: " + e.AgentID + " already registered"
}

// Registry is the relay-wide set of live agent registrations.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// Add registers agent. It fails if the agent id is already live.
func (r *Registry) Add(agent *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[agent.AgentID]; exists {
		return &ErrAlreadyRegistered{AgentID: agent.AgentID}
	}
	r.agents[agent.AgentID] = agent
	return nil
}

// Get returns the live agent for agentID, if any.
func (r *Registry) Get(agentID string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	return a, ok
}

// Remove evicts agentID. Idempotent.
func (r *Registry) Remove(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

// Count returns the number of live agent registrations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
