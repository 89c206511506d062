package tcpfwd

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/relaymesh/relay/internal/agentreg"
	"github.com/relaymesh/relay/internal/ipfilter"
	"github.com/relaymesh/relay/internal/protocol"
	"github.com/relaymesh/relay/internal/reverse"
	"github.com/relaymesh/relay/internal/routing"
	"github.com/relaymesh/relay/internal/session"
	"github.com/relaymesh/relay/internal/transport"
)

// fakeStream is a minimal transport.Stream backed by two message
// channels, enough to drive one side of a TcpConnect/TcpData/TcpClose
// exchange without a real transport.
type fakeStream struct {
	id  uint32
	in  chan protocol.Message
	out chan protocol.Message
}

func (s *fakeStream) ID() uint32 { return s.id }

func (s *fakeStream) SendMessage(msg protocol.Message) error {
	s.out <- msg
	return nil
}

func (s *fakeStream) RecvMessage(ctx context.Context) (protocol.Message, error) {
	select {
	case m := <-s.in:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) SendBytes(b []byte) error                        { return nil }
func (s *fakeStream) RecvBytes(context.Context, int) ([]byte, error)  { return nil, nil }
func (s *fakeStream) Finish() error                                   { return nil }
func (s *fakeStream) IsClosed() bool                                  { return false }
func (s *fakeStream) Split() (transport.SendHalf, transport.RecvHalf) { return nil, nil }

type fakeConn struct{ stream *fakeStream }

func (c *fakeConn) ID() string { return "client-conn" }
func (c *fakeConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	return c.stream, nil
}
func (c *fakeConn) AcceptStream(ctx context.Context) (transport.Stream, bool, error) {
	return nil, false, nil
}
func (c *fakeConn) Close(code uint16, reason string) error { return nil }
func (c *fakeConn) IsClosed() bool                         { return false }
func (c *fakeConn) Stats() transport.Stats                 { return transport.Stats{} }

func newFakeClientStreamPair(id uint32) (clientSide, relaySide *fakeStream) {
	ab := make(chan protocol.Message, 16)
	ba := make(chan protocol.Message, 16)
	clientSide = &fakeStream{id: id, in: ab, out: ba}
	relaySide = &fakeStream{id: id, in: ba, out: ab}
	return clientSide, relaySide
}

func TestForwardToClientBridgesBytes(t *testing.T) {
	routes := routing.New()
	sessions := session.NewManager(routes)

	clientSide, relaySide := newFakeClientStreamPair(1)
	sess := &session.Session{TunnelID: "t1", Conn: &fakeConn{stream: relaySide}}
	if err := sessions.Add(sess); err != nil {
		t.Fatalf("Add: %v", err)
	}

	key := routing.Key{Kind: "tcp", Value: "9000"}
	target := &session.ClientTarget{TunnelID: "t1"}
	if err := routes.Register(key, target); err != nil {
		t.Fatalf("Register: %v", err)
	}

	m := NewManager(sessions, routes, nil, nil)

	pubLeft, pubRight := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.handleConn(ctx, 9000, &pipeConn{Conn: pubRight, remote: &net.TCPAddr{IP: net.ParseIP("203.0.113.5"), Port: 4444}})
		close(done)
	}()

	connectMsg := recvMsg(t, clientSide)
	tc, ok := connectMsg.(protocol.TCPConnect)
	if !ok {
		t.Fatalf("got %T, want TcpConnect", connectMsg)
	}
	if tc.RemoteAddr != "203.0.113.5" || tc.RemotePort != 4444 {
		t.Fatalf("unexpected TcpConnect: %#v", tc)
	}

	clientSide.SendMessage(protocol.TCPData{StreamID: tc.StreamID, Data: []byte("pong")})

	buf := make([]byte, 4)
	pubLeft.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := pubLeft.Read(buf)
	if err != nil || string(buf[:n]) != "pong" {
		t.Fatalf("Read: %q, %v", buf[:n], err)
	}

	pubLeft.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleConn did not finish after public side closed")
	}
}

func TestForwardToClientDeniedByIPFilter(t *testing.T) {
	routes := routing.New()
	sessions := session.NewManager(routes)

	clientSide, relaySide := newFakeClientStreamPair(1)
	sess := &session.Session{TunnelID: "t1", Conn: &fakeConn{stream: relaySide}}
	sessions.Add(sess)

	filter, err := newTestFilter("10.0.0.0/8")
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	key := routing.Key{Kind: "tcp", Value: "9001"}
	routes.Register(key, &session.ClientTarget{TunnelID: "t1", IPFilter: filter})

	m := NewManager(sessions, routes, nil, nil)

	_, pubRight := net.Pipe()
	ctx := context.Background()
	m.handleConn(ctx, 9001, &pipeConn{Conn: pubRight, remote: &net.TCPAddr{IP: net.ParseIP("203.0.113.5"), Port: 4444}})

	select {
	case <-clientSide.in:
		t.Fatal("client session received a stream despite ip filter denial")
	default:
	}
}

func TestForwardToAgentDelegatesToReverseBroker(t *testing.T) {
	routes := routing.New()
	sessions := session.NewManager(routes)
	agents := agentreg.NewRegistry()

	agentSide, relaySide := newFakeClientStreamPair(1)
	agent := &agentreg.Agent{AgentID: "agent-1", Conn: &fakeConn{stream: relaySide}}
	agents.Add(agent)

	broker := reverse.NewBroker(agents, nil)

	key := routing.Key{Kind: "tcp", Value: "9002"}
	rt := &session.ReverseTarget{TunnelID: "rt-1", AgentID: "agent-1", RemoteAddress: "10.0.0.5:22"}
	routes.Register(key, rt)

	m := NewManager(sessions, routes, broker, nil)

	pubLeft, pubRight := net.Pipe()
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		m.handleConn(ctx, 9002, &pipeConn{Conn: pubRight, remote: &net.TCPAddr{IP: net.ParseIP("198.51.100.1"), Port: 1}})
		close(done)
	}()

	req := recvMsg(t, agentSide).(protocol.ForwardRequest)
	if req.TunnelID != "rt-1" {
		t.Fatalf("unexpected ForwardRequest: %#v", req)
	}
	agentSide.SendMessage(protocol.ForwardAccept{TunnelID: "rt-1", StreamID: req.StreamID})

	pubLeft.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleConn did not finish")
	}
}

// pipeConn adapts a net.Pipe end (whose RemoteAddr is a fixed pipe
// address, not a routable one) into something that reports remote as
// a real host:port, so forwardToClient's RemoteAddr/RemotePort
// extraction and the ip allowlist check have a realistic address to
// test against.
type pipeConn struct {
	net.Conn
	remote net.Addr
}

func (p *pipeConn) RemoteAddr() net.Addr { return p.remote }

func newTestFilter(cidrs ...string) (*ipfilter.Filter, error) {
	return ipfilter.New(cidrs)
}

func recvMsg(t *testing.T, s *fakeStream) protocol.Message {
	t.Helper()
	select {
	case m := <-s.in:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}
