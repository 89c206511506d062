package reverse

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/relaymesh/relay/internal/agentreg"
	"github.com/relaymesh/relay/internal/protocol"
	"github.com/relaymesh/relay/internal/session"
	"github.com/relaymesh/relay/internal/transport"
)

// fakeAgentStream is a minimal transport.Stream driven by two message
// channels, enough to play the agent side of a ForwardRequest exchange
// plus ReverseData/ReverseClose bridging.
type fakeAgentStream struct {
	id  uint32
	in  chan protocol.Message
	out chan protocol.Message
}

func (s *fakeAgentStream) ID() uint32 { return s.id }

func (s *fakeAgentStream) SendMessage(msg protocol.Message) error {
	s.out <- msg
	return nil
}

func (s *fakeAgentStream) RecvMessage(ctx context.Context) (protocol.Message, error) {
	select {
	case m := <-s.in:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeAgentStream) SendBytes(b []byte) error { return nil }

func (s *fakeAgentStream) RecvBytes(context.Context, int) ([]byte, error) { return nil, nil }

func (s *fakeAgentStream) Finish() error { return nil }

func (s *fakeAgentStream) IsClosed() bool { return false }

func (s *fakeAgentStream) Split() (transport.SendHalf, transport.RecvHalf) { return nil, nil }

// fakeAgentConn hands back one pre-wired stream from OpenStream, just
// enough to satisfy Broker.Forward's single OpenStream call per
// forwarded connection.
type fakeAgentConn struct {
	stream *fakeAgentStream
}

func (c *fakeAgentConn) ID() string { return "agent-conn" }
func (c *fakeAgentConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	return c.stream, nil
}
func (c *fakeAgentConn) AcceptStream(ctx context.Context) (transport.Stream, bool, error) {
	return nil, false, nil
}
func (c *fakeAgentConn) Close(code uint16, reason string) error { return nil }
func (c *fakeAgentConn) IsClosed() bool                         { return false }
func (c *fakeAgentConn) Stats() transport.Stats                 { return transport.Stats{} }

func newFakeAgent(agentID string) (*agentreg.Agent, *fakeAgentStream) {
	ab := make(chan protocol.Message, 16)
	ba := make(chan protocol.Message, 16)
	agentSide := &fakeAgentStream{id: 1, in: ab, out: ba}
	relaySide := &fakeAgentStream{id: 1, in: ba, out: ab}
	agent := &agentreg.Agent{
		AgentID: agentID,
		Conn:    &fakeAgentConn{stream: relaySide},
	}
	return agent, agentSide
}

func TestForwardBridgesBytesOnAccept(t *testing.T) {
	agents := agentreg.NewRegistry()
	agent, agentSide := newFakeAgent("agent-1")
	if err := agents.Add(agent); err != nil {
		t.Fatalf("Add: %v", err)
	}

	b := NewBroker(agents, nil)
	rt := &session.ReverseTarget{TunnelID: "rt-1", AgentID: "agent-1", RemoteAddress: "10.0.0.5:22"}

	pubLeft, pubRight := net.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- b.Forward(context.Background(), rt, pubRight)
	}()

	req := recvMsg(t, agentSide)
	fr, ok := req.(protocol.ForwardRequest)
	if !ok {
		t.Fatalf("got %T, want ForwardRequest", req)
	}
	if fr.TunnelID != "rt-1" || fr.RemoteAddress != "10.0.0.5:22" {
		t.Fatalf("unexpected ForwardRequest: %#v", fr)
	}

	agentSide.SendMessage(protocol.ForwardAccept{TunnelID: "rt-1", StreamID: fr.StreamID})

	go pubLeft.Write([]byte("hello"))
	data := recvMsg(t, agentSide)
	d, ok := data.(protocol.ReverseData)
	if !ok || string(d.Data) != "hello" {
		t.Fatalf("got %#v, want ReverseData{hello}", data)
	}

	pubLeft.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Forward returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Forward did not return after public side closed")
	}
}

func TestForwardReturnsErrorOnReject(t *testing.T) {
	agents := agentreg.NewRegistry()
	agent, agentSide := newFakeAgent("agent-1")
	agents.Add(agent)

	b := NewBroker(agents, nil)
	rt := &session.ReverseTarget{TunnelID: "rt-1", AgentID: "agent-1", RemoteAddress: "10.0.0.5:22"}

	_, pubRight := net.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- b.Forward(context.Background(), rt, pubRight)
	}()

	req := recvMsg(t, agentSide).(protocol.ForwardRequest)
	agentSide.SendMessage(protocol.ForwardReject{TunnelID: "rt-1", StreamID: req.StreamID, Reason: "dial failed"})

	select {
	case err := <-done:
		rej, ok := err.(*ErrForwardRejected)
		if !ok || rej.Reason != "dial failed" {
			t.Fatalf("got %v, want ErrForwardRejected{dial failed}", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Forward did not return after reject")
	}
}

func TestForwardReturnsErrAgentGoneForUnknownAgent(t *testing.T) {
	agents := agentreg.NewRegistry()
	b := NewBroker(agents, nil)
	rt := &session.ReverseTarget{TunnelID: "rt-1", AgentID: "ghost", RemoteAddress: "10.0.0.5:22"}

	_, pubRight := net.Pipe()
	if err := b.Forward(context.Background(), rt, pubRight); err != ErrAgentGone {
		t.Fatalf("got %v, want ErrAgentGone", err)
	}
}

// recvMsg drains the next message the broker sent to the agent side
// (i.e. what agentSide.RecvMessage would return), without blocking the
// test goroutine on RecvMessage's context plumbing.
func recvMsg(t *testing.T, s *fakeAgentStream) protocol.Message {
	t.Helper()
	select {
	case m := <-s.in:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}
