package control

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/relaymesh/relay/internal/agentreg"
	"github.com/relaymesh/relay/internal/metrics"
	"github.com/relaymesh/relay/internal/protocol"
	"github.com/relaymesh/relay/internal/session"
	"github.com/relaymesh/relay/internal/transport"
)

// runClientSession is the Active-state dispatch loop for a client
// control stream (spec §4.6 "Active -> Active": Ping/Pong keepalive,
// ReverseTunnelRequest). It returns once the session reaches Closing,
// at which point it tears the session down (spec §4.6 "Active ->
// Closing").
func (h *Handler) runClientSession(ctx context.Context, sess *session.Session, stream transport.Stream, log *slog.Logger) {
	ctx, cancel := context.WithCancel(ctx)

	outbox := make(chan protocol.Message, 8)
	go writerLoop(ctx, stream, outbox)

	if h.Metrics != nil {
		h.Metrics.ActiveSessions.Inc()
	}

	var missed int32
	go heartbeatLoop(ctx, outbox, &missed, h.heartbeatInterval(), func() {
		sess.Conn.Close(1, "heartbeat timeout")
	})

	// cancel first: it stops heartbeatLoop and writerLoop before we
	// touch any shared state below. outbox is never closed — both
	// goroutines that read or write it exit on ctx.Done instead — so a
	// concurrent sender (e.g. a ReverseTunnelRequest's ValidateAgentToken
	// preflight, which writes onto an agent's outbox from a different
	// session's dispatch goroutine) can never hit a send on a closed
	// channel no matter how teardown and that send interleave.
	defer func() {
		cancel()
		h.Sessions.Remove(sess.TunnelID)
		for _, port := range sess.OwnedPorts() {
			h.unbindPort(port)
			h.Ports.Release(port)
		}
		sess.Conn.Close(0, "session closed")
		if h.Metrics != nil {
			h.Metrics.ActiveSessions.Dec()
		}
		log.Info("tunnel disconnected")
	}()

	for {
		msg, err := stream.RecvMessage(ctx)
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case protocol.Ping:
			select {
			case outbox <- protocol.Pong{Timestamp: m.Timestamp}:
			case <-ctx.Done():
				return
			}
		case protocol.Pong:
			atomic.StoreInt32(&missed, 0)
		case protocol.Disconnect:
			log.Info("client sent Disconnect", "reason", m.Reason)
			return
		case protocol.ReverseTunnelRequest:
			h.handleReverseTunnelRequest(ctx, sess, outbox, m, log)
		default:
			log.Warn("unknown message on client control stream")
			h.countViolation(metrics.ViolationUnknownMessage)
			return
		}
	}
}

// runAgentSession is the Active-state dispatch loop for an agent's
// control stream. Agents never initiate streams of their own; replies
// to relay-issued requests that travel on dedicated streams (e.g.
// ForwardRequest, spec §4.11 step 6a) are read synchronously by
// whichever broker call opened that stream, not here. This loop only
// needs to handle messages that share the control stream: heartbeat,
// and ValidateAgentToken's reply (spec §4.11 step 4, correlated via
// agent.Pending since it shares the control stream rather than getting
// its own).
func (h *Handler) runAgentSession(ctx context.Context, agent *agentreg.Agent, stream transport.Stream, outbox chan protocol.Message, log *slog.Logger) {
	ctx, cancel := context.WithCancel(ctx)

	go writerLoop(ctx, stream, outbox)

	if h.Metrics != nil {
		h.Metrics.ActiveAgents.Inc()
	}

	var missed int32
	go heartbeatLoop(ctx, outbox, &missed, h.heartbeatInterval(), func() {
		agent.Conn.Close(1, "heartbeat timeout")
	})

	// cancel first, same reasoning as runClientSession: outbox is
	// never closed, so handleReverseTunnelRequest's ValidateAgentToken
	// preflight (internal/control/reverse.go), which sends onto this
	// agent's outbox from a different session's dispatch goroutine,
	// can never race a close here — there isn't one.
	defer func() {
		cancel()
		h.Agents.Remove(agent.AgentID)
		agent.Conn.Close(0, "session closed")
		if h.Metrics != nil {
			h.Metrics.ActiveAgents.Dec()
		}
		log.Info("agent disconnected")
	}()

	for {
		msg, err := stream.RecvMessage(ctx)
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case protocol.Ping:
			select {
			case outbox <- protocol.Pong{Timestamp: m.Timestamp}:
			case <-ctx.Done():
				return
			}
		case protocol.Pong:
			atomic.StoreInt32(&missed, 0)
		case protocol.Disconnect:
			log.Info("agent sent Disconnect", "reason", m.Reason)
			return
		case protocol.ValidateAgentTokenOk:
			agent.Pending.Respond(controlStreamID, m)
		case protocol.ValidateAgentTokenReject:
			agent.Pending.Respond(controlStreamID, m)
		default:
			log.Warn("unknown message on agent control stream")
			h.countViolation(metrics.ViolationUnknownMessage)
			return
		}
	}
}

// writerLoop is the sole writer for stream: every outbound message —
// keepalive or application reply — is serialized through outbox so
// two goroutines never call Stream.SendMessage concurrently. outbox is
// never closed (see runClientSession/runAgentSession), so this loop's
// only way out is ctx cancellation or a write error; it never sees a
// closed channel.
func writerLoop(ctx context.Context, stream transport.Stream, outbox <-chan protocol.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-outbox:
			if err := stream.SendMessage(msg); err != nil {
				return
			}
		}
	}
}

// heartbeatLoop sends a Ping on every tick and tracks consecutive
// misses; exceeding maxMissedPongs transitions the session to Closing
// by invoking onTimeout, which closes the transport so the blocked
// RecvMessage in the dispatch loop returns an error (spec §5
// "missing N consecutive pongs transitions the session to Closing").
func heartbeatLoop(ctx context.Context, outbox chan<- protocol.Message, missed *int32, interval time.Duration, onTimeout func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if atomic.AddInt32(missed, 1) > maxMissedPongs {
				onTimeout()
				return
			}
			select {
			case outbox <- protocol.Ping{Timestamp: uint64(time.Now().Unix())}:
			case <-ctx.Done():
				return
			}
		}
	}
}
