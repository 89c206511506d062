// Package session implements the tunnel connection manager (spec
// §3/§4.6): the live set of authenticated client sessions, each
// tracking the routes it owns so they can be evicted atomically when
// the session closes.
package session

import (
	"sync"

	"github.com/relaymesh/relay/internal/auth"
	"github.com/relaymesh/relay/internal/routing"
	"github.com/relaymesh/relay/internal/transport"
	"github.com/relaymesh/relay/internal/wildcard"
)

// Session is one authenticated client's live control-plane state.
type Session struct {
	TunnelID string
	Conn     transport.Connection
	Auth     auth.Result

	mu        sync.Mutex
	routeKeys []routing.Key
	wildcards []string
	ports     []uint16
}

// ownsRoute records that key was registered on behalf of this
// session, so Manager.Remove can unregister it later.
func (s *Session) ownsRoute(key routing.Key) {
	s.mu.Lock()
	s.routeKeys = append(s.routeKeys, key)
	s.mu.Unlock()
}

func (s *Session) ownsWildcard(pattern string) {
	s.mu.Lock()
	s.wildcards = append(s.wildcards, pattern)
	s.mu.Unlock()
}

func (s *Session) ownedRoutes() ([]routing.Key, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := append([]routing.Key(nil), s.routeKeys...)
	wc := append([]string(nil), s.wildcards...)
	return keys, wc
}

func (s *Session) ownsPort(port uint16) {
	s.mu.Lock()
	s.ports = append(s.ports, port)
	s.mu.Unlock()
}

// OwnedPorts returns the public TCP ports allocated on behalf of this
// session (plain TCP endpoints and reverse-tunnel bindings alike), so
// a caller can release and unbind them at teardown.
func (s *Session) OwnedPorts() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.ports...)
}

// Manager is the relay-wide registry of live sessions, keyed by
// tunnel id. Session route ownership lives here rather than in the
// routing.Registry itself so that session teardown (spec §4.6
// "Active → Closing": remove every owned route) is a single pass over
// one session's own bookkeeping, not a scan of the whole registry.
type Manager struct {
	routes *routing.Registry

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager returns a Manager backed by routes for route
// registration/eviction.
func NewManager(routes *routing.Registry) *Manager {
	return &Manager{
		routes:   routes,
		sessions: make(map[string]*Session),
	}
}

// ErrAlreadyConnected indicates tunnelID already has a live session
// (spec §9: a relay refuses a second Connect for an id already
// active rather than silently replacing it).
type ErrAlreadyConnected struct{ TunnelID string }

func (e *ErrAlreadyConnected) Error() string {
	return "session: " + e.TunnelID + " already connected"
}

// Add registers a new live session. It fails if tunnelID is already
// present.
func (m *Manager) Add(sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[sess.TunnelID]; exists {
		return &ErrAlreadyConnected{TunnelID: sess.TunnelID}
	}
	m.sessions[sess.TunnelID] = sess
	return nil
}

// RegisterRoute registers key against the routing registry and
// records ownership on sess so it is unregistered on teardown.
func (m *Manager) RegisterRoute(sess *Session, key routing.Key, target any) error {
	if err := m.routes.Register(key, target); err != nil {
		return err
	}
	sess.ownsRoute(key)
	return nil
}

// RegisterWildcardRoute is RegisterRoute's wildcard-pattern counterpart.
func (m *Manager) RegisterWildcardRoute(sess *Session, pattern string, target any) error {
	p, err := wildcard.Parse(pattern)
	if err != nil {
		return err
	}
	if err := m.routes.RegisterWildcard(p, target); err != nil {
		return err
	}
	sess.ownsWildcard(pattern)
	return nil
}

// RouteSpec describes one route to register as part of an atomic
// batch. Exactly one of Key or Pattern must be set.
type RouteSpec struct {
	Key     routing.Key
	Exact   bool
	Pattern string
	Target  any
}

// RegisterRoutes registers every spec in specs atomically (spec §4.6
// "route registration is all-or-nothing": a Connect requesting
// several protocols either gets every route or none) and records
// ownership on sess for each one that was registered.
func (m *Manager) RegisterRoutes(sess *Session, specs []RouteSpec) error {
	exact := make([]routing.KeyTarget, 0, len(specs))
	wildcards := make([]routing.WildcardTarget, 0, len(specs))
	for _, s := range specs {
		if s.Exact {
			exact = append(exact, routing.KeyTarget{Key: s.Key, Target: s.Target})
			continue
		}
		p, err := wildcard.Parse(s.Pattern)
		if err != nil {
			return err
		}
		wildcards = append(wildcards, routing.WildcardTarget{Pattern: p, Target: s.Target})
	}

	if err := m.routes.RegisterAll(exact, wildcards); err != nil {
		return err
	}
	for _, kt := range exact {
		sess.ownsRoute(kt.Key)
	}
	for _, wt := range wildcards {
		sess.ownsWildcard(wt.Pattern.String())
	}
	return nil
}

// TrackPort records that port was allocated on behalf of sess, so it
// is reported by OwnedPorts for release at teardown.
func (m *Manager) TrackPort(sess *Session, port uint16) {
	sess.ownsPort(port)
}

// Get returns the live session for tunnelID, if any.
func (m *Manager) Get(tunnelID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[tunnelID]
	return s, ok
}

// Remove evicts tunnelID: every route it owns is unregistered from
// the routing registry, then the session itself is dropped from the
// manager. It is idempotent — removing an already-absent id is a
// no-op (spec §4.6 "Active → Closing" teardown).
func (m *Manager) Remove(tunnelID string) {
	m.mu.Lock()
	sess, ok := m.sessions[tunnelID]
	if ok {
		delete(m.sessions, tunnelID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	keys, wildcards := sess.ownedRoutes()
	for _, k := range keys {
		m.routes.Unregister(k)
	}
	for _, w := range wildcards {
		m.routes.UnregisterWildcard(w)
	}
}

// Count returns the number of live sessions, for the active-session
// gauge.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
