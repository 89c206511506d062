package session

import (
	"github.com/relaymesh/relay/internal/ipfilter"
	"github.com/relaymesh/relay/internal/protocol"
)

// ClientTarget is the route registry value for a route owned directly
// by a connected client session (spec §3 "Route entry" value carries
// tunnel_id). Forwarders type-assert this after a registry lookup to
// find the owning session via Manager.Get. HTTPAuth carries the
// tunnel's HTTP authentication policy (spec §4.8 step 5); IPFilter is
// the parsed form of Connect.Config.IPAllowlist, checked by every
// forwarder before it opens a stream to the session (spec §4.7 step
// "verify the peer IP against the owning route's IP filter").
type ClientTarget struct {
	TunnelID string
	HTTPAuth protocol.HTTPAuthPolicy
	IPFilter *ipfilter.Filter
}

// ReverseTarget is the route registry value for a reverse-tunnel
// binding (spec §4.11 step 5): the route is served by an agent, not a
// client session, and the agent dials RemoteAddress on its own side
// for every forwarded connection. TunnelID is the reverse tunnel's own
// id (from ReverseTunnelRequest.TunnelID, distinct from any client
// session's tunnel id) and is echoed on every ForwardRequest and
// ReverseData/ReverseClose frame exchanged with the agent. IPFilter
// mirrors ClientTarget's: a reverse binding is still a route entry and
// is still subject to the owning tunnel's IP allowlist.
type ReverseTarget struct {
	TunnelID      string
	AgentID       string
	RemoteAddress string
	AgentToken    string
	HasAgentToken bool
	IPFilter      *ipfilter.Filter
}
