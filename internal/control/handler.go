// Package control implements the control-plane session state machine
// (spec §4.6): Accepting -> Authenticating -> Active -> Closing ->
// Closed. One Handler is shared by every transport's accept loop; it
// owns no transport-specific code, only the protocol and policy.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/relaymesh/relay/internal/agentreg"
	"github.com/relaymesh/relay/internal/auth"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/metrics"
	"github.com/relaymesh/relay/internal/portalloc"
	"github.com/relaymesh/relay/internal/protocol"
	"github.com/relaymesh/relay/internal/session"
	"github.com/relaymesh/relay/internal/transport"
)

// controlStreamID is the conventional id of the first stream the peer
// opens, which the relay accepts right after accepting the transport
// connection; it carries
// every session-level message (spec §4.6 "stream 0 by convention").
const controlStreamID = 0

const (
	defaultAuthTimeout       = 10 * time.Second
	defaultHeartbeatInterval = 15 * time.Second
	maxMissedPongs           = 3
)

// Handler dispatches every accepted transport connection through the
// session state machine. It is transport-agnostic: the QUIC, WebSocket
// and HTTP/2 listeners all hand accepted transport.Connections to the
// same Handler.
type Handler struct {
	Sessions *session.Manager
	Agents   *agentreg.Registry
	Verifier auth.Verifier
	Domain   domain.Provider
	Ports    *portalloc.Allocator

	// AgentVerifier validates AgentRegister's AuthToken. It is
	// optional; when nil, agents are validated against Verifier, the
	// same as clients. Operators that derive distinct signing keys per
	// audience (spec-full's domain stack: a client-token key and a
	// separate agent-token key, both HKDF-derived from one seed) set
	// this to a Verifier built from the agent-token key.
	AgentVerifier auth.Verifier

	// PublicHost is used to build tcp:// public URLs for Connected
	// endpoints and reverse-tunnel local addresses; tls:// URLs use
	// the requested SNI pattern and the http/https scheme uses
	// Domain.FQDN. TLSPort/HTTPPort/HTTPSPort are the operator-chosen
	// listen ports echoed back in Endpoint.Port for those protocols —
	// TLS and HTTP(S) route by SNI/Host, not by per-tunnel port
	// allocation (spec §4.3 data model has no TlsPort or HttpPort
	// route kind), so these are fixed values, not drawn from Ports.
	PublicHost string
	TLSPort    uint16
	HTTPPort   uint16
	HTTPSPort  uint16

	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration

	// TCPBinder binds/unbinds the actual OS listener for an allocated
	// public TCP port (spec §4.7: tcpfwd.Manager owns one listener per
	// allocated port). It is optional so tests can exercise allocation
	// and route registration without standing up a real listener.
	TCPBinder PortBinder

	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// PortBinder opens or closes the public listener for a TCP port, kept
// as a narrow interface so this package doesn't need to import
// internal/forwarder/tcpfwd just for its Manager type.
type PortBinder interface {
	Bind(port uint16) error
	Unbind(port uint16)
}

// bindPort opens the listener for port if a TCPBinder is configured.
func (h *Handler) bindPort(port uint16) error {
	if h.TCPBinder == nil {
		return nil
	}
	return h.TCPBinder.Bind(port)
}

// unbindPort closes the listener for port if a TCPBinder is configured.
func (h *Handler) unbindPort(port uint16) {
	if h.TCPBinder != nil {
		h.TCPBinder.Unbind(port)
	}
}

// countViolation increments the protocol violation counter for kind if
// Metrics is configured.
func (h *Handler) countViolation(kind string) {
	if h.Metrics != nil {
		h.Metrics.ProtocolViolations.WithLabelValues(kind).Inc()
	}
}

// agentVerifier returns AgentVerifier if set, otherwise falls back to
// Verifier so a relay that derives only one signing key still works.
func (h *Handler) agentVerifier() auth.Verifier {
	if h.AgentVerifier != nil {
		return h.AgentVerifier
	}
	return h.Verifier
}

func (h *Handler) log() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}

func (h *Handler) authTimeout() time.Duration {
	if h.AuthTimeout > 0 {
		return h.AuthTimeout
	}
	return defaultAuthTimeout
}

func (h *Handler) heartbeatInterval() time.Duration {
	if h.HeartbeatInterval > 0 {
		return h.HeartbeatInterval
	}
	return defaultHeartbeatInterval
}

// HandleConnection drives one accepted transport connection through
// Accepting -> Authenticating -> Active -> Closing -> Closed. It
// blocks until the session ends, then the caller (the transport's
// accept loop) is free to discard the connection.
func (h *Handler) HandleConnection(ctx context.Context, conn transport.Connection, remoteAddr net.Addr) {
	log := h.log().With("conn", conn.ID(), "remote", remoteAddr.String())

	authCtx, cancel := context.WithTimeout(ctx, h.authTimeout())
	defer cancel()

	stream, ok, err := conn.AcceptStream(authCtx)
	if err != nil || !ok {
		log.Warn("no control stream within auth timeout", "err", err)
		conn.Close(1, "auth timeout")
		return
	}
	if stream.ID() != controlStreamID {
		log.Warn("rejecting connection: first stream was not the control stream", "stream_id", stream.ID())
		conn.Close(1, "first stream must be the control stream")
		return
	}

	first, err := stream.RecvMessage(authCtx)
	if err != nil {
		log.Warn("failed to read first message", "err", err)
		conn.Close(1, "auth timeout")
		return
	}

	switch msg := first.(type) {
	case protocol.Connect:
		h.handleClientConnect(ctx, conn, stream, remoteAddr, msg, log)
	case protocol.AgentRegister:
		h.handleAgentRegister(ctx, conn, stream, remoteAddr, msg, log)
	default:
		log.Warn("first message was neither Connect nor AgentRegister")
		h.countViolation(metrics.ViolationUnknownMessage)
		stream.SendMessage(protocol.Disconnect{Reason: "expected Connect or AgentRegister"})
		conn.Close(1, "protocol violation")
	}
}

func closeWithReason(conn transport.Connection, stream transport.Stream, reason string) {
	stream.SendMessage(protocol.Disconnect{Reason: reason})
	conn.Close(1, reason)
}

func publicURL(scheme, host string, port uint16) string {
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}
