package control

import (
	"context"
	"log/slog"
	"net"

	"github.com/relaymesh/relay/internal/agentreg"
	"github.com/relaymesh/relay/internal/protocol"
	"github.com/relaymesh/relay/internal/transport"
)

// handleAgentRegister drives Authenticating -> Active for a reverse-
// tunnel agent session (spec §4.11). Agents authenticate the same way
// clients do but never own public routes themselves; they are
// brokered on demand by ReverseTunnelRequest handling.
func (h *Handler) handleAgentRegister(ctx context.Context, conn transport.Connection, stream transport.Stream, remoteAddr net.Addr, msg protocol.AgentRegister, log *slog.Logger) {
	log = log.With("agent_id", msg.AgentID)

	if _, err := h.agentVerifier().Validate(ctx, msg.AuthToken); err != nil {
		log.Warn("agent auth failed")
		stream.SendMessage(protocol.AgentRejected{Reason: "auth failed"})
		conn.Close(1, "auth failed")
		return
	}

	outbox := make(chan protocol.Message, 8)
	agent := &agentreg.Agent{
		AgentID:       msg.AgentID,
		Conn:          conn,
		TargetAddress: msg.TargetAddress,
		Metadata:      msg.Metadata,
		Pending:       agentreg.NewPendingRequests(),
		Outbox:        outbox,
	}
	if err := h.Agents.Add(agent); err != nil {
		log.Warn("duplicate agent id")
		stream.SendMessage(protocol.AgentRejected{Reason: "agent id already registered"})
		conn.Close(1, "agent id already registered")
		return
	}

	if err := stream.SendMessage(protocol.AgentRegistered{AgentID: msg.AgentID}); err != nil {
		log.Warn("failed to send AgentRegistered", "err", err)
		h.Agents.Remove(msg.AgentID)
		conn.Close(1, "send failed")
		return
	}

	log.Info("agent registered", "target", msg.TargetAddress)
	h.runAgentSession(ctx, agent, stream, outbox, log)
}
