package control

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/relaymesh/relay/internal/protocol"
	"github.com/relaymesh/relay/internal/routing"
	"github.com/relaymesh/relay/internal/session"
)

const validateAgentTokenTimeout = 5 * time.Second

// handleReverseTunnelRequest implements spec §4.11 steps 1-5: validate
// the client's claims permit this (agent, address) pair, look up the
// agent, optionally preflight the agent token, then allocate a public
// port and register it pointing at the agent. Replies are sent through
// outbox rather than directly on the stream, since the session's
// writerLoop is the stream's sole writer.
func (h *Handler) handleReverseTunnelRequest(ctx context.Context, sess *session.Session, outbox chan<- protocol.Message, msg protocol.ReverseTunnelRequest, log *slog.Logger) {
	log = log.With("reverse_tunnel_id", msg.TunnelID, "agent_id", msg.AgentID)

	if !sess.Auth.ReverseTunnel {
		log.Warn("reverse tunnel not permitted by token claims")
		outbox <- protocol.ReverseTunnelReject{TunnelID: msg.TunnelID, Reason: "reverse tunneling not permitted"}
		return
	}
	if !sess.Auth.ValidateReverseAccess(msg.AgentID, msg.RemoteAddress) {
		log.Warn("reverse access denied by token claims")
		outbox <- protocol.ReverseTunnelReject{TunnelID: msg.TunnelID, Reason: "access denied"}
		return
	}

	agent, ok := h.Agents.Get(msg.AgentID)
	if !ok {
		log.Warn("agent not connected")
		outbox <- protocol.ReverseTunnelReject{TunnelID: msg.TunnelID, Reason: "agent not connected"}
		return
	}
	if agent.TargetAddress != "" && agent.TargetAddress != msg.RemoteAddress {
		log.Warn("remote address does not match agent's registered target")
		outbox <- protocol.ReverseTunnelReject{TunnelID: msg.TunnelID, Reason: "remote address not permitted for this agent"}
		return
	}

	if msg.HasAgentToken {
		if err := h.validateAgentToken(ctx, agent.Pending, agent.Outbox, msg.AgentToken); err != nil {
			log.Warn("agent token preflight failed", "err", err)
			outbox <- protocol.ReverseTunnelReject{TunnelID: msg.TunnelID, Reason: "agent token rejected"}
			return
		}
	}

	port, err := h.Ports.Allocate()
	if err != nil {
		log.Warn("port allocator exhausted", "err", err)
		outbox <- protocol.ReverseTunnelReject{TunnelID: msg.TunnelID, Reason: "no ports available"}
		return
	}
	if err := h.bindPort(port); err != nil {
		log.Warn("failed to bind reverse tunnel port", "err", err)
		h.Ports.Release(port)
		outbox <- protocol.ReverseTunnelReject{TunnelID: msg.TunnelID, Reason: "no ports available"}
		return
	}

	key := routing.Key{Kind: "tcp", Value: strconv.Itoa(int(port))}
	rt := &session.ReverseTarget{
		TunnelID:      msg.TunnelID,
		AgentID:       msg.AgentID,
		RemoteAddress: msg.RemoteAddress,
		AgentToken:    msg.AgentToken,
		HasAgentToken: msg.HasAgentToken,
	}
	if err := h.Sessions.RegisterRoute(sess, key, rt); err != nil {
		log.Warn("route conflict allocating reverse binding", "err", err)
		h.unbindPort(port)
		h.Ports.Release(port)
		outbox <- protocol.ReverseTunnelReject{TunnelID: msg.TunnelID, Reason: "route conflict"}
		return
	}
	h.Sessions.TrackPort(sess, port)

	localAddr := publicURL("tcp", h.PublicHost, port)
	log.Info("reverse tunnel bound", "local_address", localAddr)
	outbox <- protocol.ReverseTunnelAccept{TunnelID: msg.TunnelID, LocalAddress: localAddr}
}

// validateAgentToken forwards a ValidateAgentToken preflight to the
// agent on its control stream and awaits the single reply via
// pending, which the agent's own dispatch loop fulfils (spec §4.11
// step 4). send is the agent's outbox so this goes through the same
// single-writer path as every other message on that stream.
func (h *Handler) validateAgentToken(ctx context.Context, pending pendingResponder, send chan<- protocol.Message, token string) error {
	ch := pending.Register(controlStreamID)
	defer pending.Cancel(controlStreamID)

	select {
	case send <- protocol.ValidateAgentToken{AgentToken: token, HasAgentToken: true}:
	case <-ctx.Done():
		return ctx.Err()
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, validateAgentTokenTimeout)
	defer cancel()

	select {
	case reply := <-ch:
		if _, ok := reply.(protocol.ValidateAgentTokenReject); ok {
			return errAgentTokenRejected
		}
		return nil
	case <-timeoutCtx.Done():
		return timeoutCtx.Err()
	}
}

var errAgentTokenRejected = &ErrInvalidRequest{Reason: "agent token rejected"}

// pendingResponder is the subset of *agentreg.PendingRequests this
// package depends on, kept narrow so reverse.go doesn't need to import
// agentreg just for a type name.
type pendingResponder interface {
	Register(streamID uint32) <-chan protocol.Message
	Cancel(streamID uint32)
}
