// Package reverse implements the reverse-tunnel broker's per-connection
// forwarding half (spec §4.11 step 6): for each public TCP connection
// that lands on a reverse binding's port, open a new stream on the
// agent's session, exchange ForwardRequest/Accept/Reject, then bridge
// bytes using ReverseData/ReverseClose. Step 1-5 (claim validation,
// agent lookup, port allocation, route registration) happen earlier in
// internal/control; this package only ever sees an already-accepted
// reverse route.
package reverse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/relaymesh/relay/internal/agentreg"
	"github.com/relaymesh/relay/internal/bridge"
	"github.com/relaymesh/relay/internal/metrics"
	"github.com/relaymesh/relay/internal/protocol"
	"github.com/relaymesh/relay/internal/session"
)

// ErrAgentGone indicates the target agent's session disappeared
// between route registration and this forwarded connection arriving
// (spec §4.11: "If the agent session disappears mid-forward, every
// in-flight stream fails").
var ErrAgentGone = errors.New("reverse: agent not connected")

// ErrForwardRejected wraps the reason an agent rejected a ForwardRequest.
type ErrForwardRejected struct{ Reason string }

func (e *ErrForwardRejected) Error() string { return "reverse: forward rejected: " + e.Reason }

// errProtocolViolation covers any reply to ForwardRequest other than
// ForwardAccept/ForwardReject.
var errProtocolViolation = errors.New("reverse: unexpected reply to ForwardRequest")

// Broker forwards accepted public TCP connections to the agent owning
// a reverse binding.
type Broker struct {
	Agents  *agentreg.Registry
	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// NewBroker returns a Broker backed by agents.
func NewBroker(agents *agentreg.Registry, log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{Agents: agents, Log: log}
}

// Forward drives one public connection through to the agent named by
// rt and bridges bytes until either side closes. conn is closed by
// Forward before it returns, regardless of outcome.
func (b *Broker) Forward(ctx context.Context, rt *session.ReverseTarget, conn net.Conn) error {
	defer conn.Close()

	agent, ok := b.Agents.Get(rt.AgentID)
	if !ok {
		b.countOutcome("agent_unavailable")
		return ErrAgentGone
	}

	stream, err := agent.Conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("reverse: open stream to agent %s: %w", rt.AgentID, err)
	}

	streamID := stream.ID()
	log := b.Log.With("agent_id", rt.AgentID, "tunnel_id", rt.TunnelID, "stream_id", streamID)

	req := protocol.ForwardRequest{
		TunnelID:      rt.TunnelID,
		StreamID:      streamID,
		RemoteAddress: rt.RemoteAddress,
		AgentToken:    rt.AgentToken,
		HasAgentToken: rt.HasAgentToken,
	}
	if err := stream.SendMessage(req); err != nil {
		stream.Finish()
		return fmt.Errorf("reverse: send ForwardRequest: %w", err)
	}

	reply, err := stream.RecvMessage(ctx)
	if err != nil {
		stream.Finish()
		return fmt.Errorf("reverse: await ForwardRequest reply: %w", err)
	}

	switch m := reply.(type) {
	case protocol.ForwardAccept:
		// fall through to bridging
	case protocol.ForwardReject:
		log.Warn("agent rejected forward", "reason", m.Reason)
		stream.Finish()
		b.countOutcome("rejected")
		return &ErrForwardRejected{Reason: m.Reason}
	default:
		log.Warn("unexpected reply to ForwardRequest", "kind", reply.Kind())
		stream.Finish()
		if b.Metrics != nil {
			b.Metrics.ProtocolViolations.WithLabelValues(metrics.ViolationUnknownMessage).Inc()
		}
		return errProtocolViolation
	}
	b.countOutcome("accepted")

	log.Debug("forward accepted, bridging")
	mc := &bridge.MessageChannel{
		Stream: stream,
		Ctx:    ctx,
		Wrap: func(chunk []byte) protocol.Message {
			return protocol.ReverseData{TunnelID: rt.TunnelID, StreamID: streamID, Data: chunk}
		},
		Unwrap: func(msg protocol.Message) ([]byte, bool) {
			d, ok := msg.(protocol.ReverseData)
			if !ok {
				return nil, false
			}
			// An empty tunnel_id on a ReverseData frame is a protocol
			// violation on this stream (spec §9), not a broadcast: the
			// stream already carries exactly one tunnel_id end to end,
			// so a frame claiming a different or absent one is dropped
			// rather than bridged.
			if d.TunnelID == "" || d.TunnelID != rt.TunnelID {
				log.Warn("dropping ReverseData with mismatched tunnel_id", "got", d.TunnelID)
				if b.Metrics != nil {
					b.Metrics.ProtocolViolations.WithLabelValues(metrics.ViolationMismatchedTunnel).Inc()
				}
				return nil, false
			}
			return d.Data, true
		},
		IsClose: func(msg protocol.Message) bool {
			_, ok := msg.(protocol.ReverseClose)
			return ok
		},
		CloseMsg: func() protocol.Message {
			return protocol.ReverseClose{TunnelID: rt.TunnelID, StreamID: streamID}
		},
	}

	var rwc io.ReadWriteCloser = conn
	if b.Metrics != nil {
		rwc = bridge.CountBytes(conn,
			func(n int) { b.Metrics.AddBytes("reverse", "in", n) },
			func(n int) { b.Metrics.AddBytes("reverse", "out", n) },
		)
	}
	bridge.Copy(rwc, mc)
	return nil
}

// countOutcome increments the reverse-forward outcome counter if
// Metrics is configured.
func (b *Broker) countOutcome(outcome string) {
	if b.Metrics != nil {
		b.Metrics.ReverseForwardTotal.WithLabelValues(outcome).Inc()
	}
}
