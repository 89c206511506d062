package httpfwd

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/relaymesh/relay/internal/protocol"
	"github.com/relaymesh/relay/internal/routing"
	"github.com/relaymesh/relay/internal/session"
	"github.com/relaymesh/relay/internal/transport"
)

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

func newFakeStreamPair(id uint32) (clientSide, relaySide *fakeStream) {
	ab := make(chan protocol.Message, 16)
	ba := make(chan protocol.Message, 16)
	clientSide = &fakeStream{id: id, in: ab, out: ba}
	relaySide = &fakeStream{id: id, in: ba, out: ab}
	return clientSide, relaySide
}

func TestHandleConnRoutesByHostAndBridges(t *testing.T) {
	routes := routing.New()
	sessions := session.NewManager(routes)

	clientSide, relaySide := newFakeStreamPair(1)
	sess := &session.Session{TunnelID: "t1", Conn: &fakeConn{stream: relaySide}}
	if err := sessions.Add(sess); err != nil {
		t.Fatalf("Add: %v", err)
	}
	routes.Register(routing.Key{Kind: "http", Value: "api.example.com"}, &session.ClientTarget{TunnelID: "t1"})

	m := NewManager(sessions, routes, nil, nil)

	pubLeft, pubRight := net.Pipe()
	ctx := context.Background()

	req := "GET /widgets HTTP/1.1\r\nHost: api.example.com\r\n\r\n"
	done := make(chan struct{})
	go func() {
		m.HandleConn(ctx, pubRight)
		close(done)
	}()
	go pubLeft.Write([]byte(req))

	connectMsg := recvMsg(t, clientSide)
	hc, ok := connectMsg.(protocol.HTTPStreamConnect)
	if !ok {
		t.Fatalf("got %T, want HttpStreamConnect", connectMsg)
	}
	if hc.Host != "api.example.com" {
		t.Fatalf("Host = %q", hc.Host)
	}
	if string(hc.InitialData) != req {
		t.Fatalf("InitialData = %q, want %q", hc.InitialData, req)
	}

	clientSide.SendMessage(protocol.HTTPStreamData{StreamID: hc.StreamID, Data: []byte("HTTP/1.1 200 OK\r\n\r\n")})
	buf := make([]byte, 64)
	pubLeft.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := pubLeft.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "HTTP/1.1 200 OK\r\n\r\n" {
		t.Fatalf("got %q", buf[:n])
	}

	pubLeft.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleConn did not finish after public side closed")
	}
}

func TestHandleConnRejectsMissingBasicAuth(t *testing.T) {
	routes := routing.New()
	sessions := session.NewManager(routes)
	routes.Register(routing.Key{Kind: "http", Value: "api.example.com"}, &session.ClientTarget{
		TunnelID: "t1",
		HTTPAuth: protocol.HTTPAuthPolicy{Kind: protocol.HTTPAuthBasic, Credentials: map[string]string{"admin": "s3cret"}},
	})

	m := NewManager(sessions, routes, nil, nil)
	pubLeft, pubRight := net.Pipe()

	done := make(chan struct{})
	go func() {
		m.HandleConn(context.Background(), pubRight)
		close(done)
	}()
	pubLeft.Write([]byte("GET / HTTP/1.1\r\nHost: api.example.com\r\n\r\n"))

	pubLeft.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(pubLeft), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.StatusCode != 401 {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleConn did not finish after rejecting auth")
	}
}

func TestHandleConnAllowsValidBasicAuth(t *testing.T) {
	routes := routing.New()
	sessions := session.NewManager(routes)

	clientSide, relaySide := newFakeStreamPair(1)
	sess := &session.Session{TunnelID: "t1", Conn: &fakeConn{stream: relaySide}}
	sessions.Add(sess)
	routes.Register(routing.Key{Kind: "http", Value: "api.example.com"}, &session.ClientTarget{
		TunnelID: "t1",
		HTTPAuth: protocol.HTTPAuthPolicy{Kind: protocol.HTTPAuthBasic, Credentials: map[string]string{"admin": "s3cret"}},
	})

	m := NewManager(sessions, routes, nil, nil)
	pubLeft, pubRight := net.Pipe()

	req, err := http.NewRequest("GET", "/", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Host = "api.example.com"
	req.SetBasicAuth("admin", "s3cret")
	var raw bytes.Buffer
	if err := req.Write(&raw); err != nil {
		t.Fatalf("Write: %v", err)
	}

	done := make(chan struct{})
	go func() {
		m.HandleConn(context.Background(), pubRight)
		close(done)
	}()
	go pubLeft.Write(raw.Bytes())

	connectMsg := recvMsg(t, clientSide)
	hc, ok := connectMsg.(protocol.HTTPStreamConnect)
	if !ok {
		t.Fatalf("got %T, want HttpStreamConnect", connectMsg)
	}
	if hc.Host != "api.example.com" {
		t.Fatalf("Host = %q", hc.Host)
	}

	pubLeft.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleConn did not finish after public side closed")
	}
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
