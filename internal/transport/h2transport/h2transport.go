// Package h2transport implements transport T3 (spec §4.2): a TCP+TLS
// HTTP/2 connection with one HTTP/2 stream per logical stream. The
// server side cannot initiate streams — only the client sends
// requests — so Connection.OpenStream is a hard error when called on
// a server-accepted connection, as specified.
package h2transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/net/http2"

	"github.com/relaymesh/relay/internal/protocol"
	"github.com/relaymesh/relay/internal/transport"
)

// WellKnownPath is the path the client POSTs each logical stream to.
const WellKnownPath = "/relaymesh/stream"

// ErrServerCannotOpen is returned by a server-side Connection's
// OpenStream: HTTP/2 forbids a server from initiating a request
// stream.
var ErrServerCannotOpen = fmt.Errorf("h2transport: server cannot open a stream")

// Listener accepts HTTP/2 connections, one per TCP accept, each
// carrying many logical streams as separate HTTP/2 requests to
// WellKnownPath.
type Listener struct {
	ln       net.Listener
	h2srv    *http2.Server
	accept   chan *connection
	closed   chan struct{}
	once     sync.Once
}

// Listen binds addr and serves HTTP/2 over TLS.
func Listen(addr string, tlsConf *tls.Config) (*Listener, error) {
	conf := tlsConf.Clone()
	if len(conf.NextProtos) == 0 {
		conf.NextProtos = []string{"h2"}
	}
	ln, err := tls.Listen("tcp", addr, conf)
	if err != nil {
		return nil, fmt.Errorf("h2transport: listen: %w", err)
	}

	l := &Listener{
		ln:     ln,
		h2srv:  &http2.Server{},
		accept: make(chan *connection),
		closed: make(chan struct{}),
	}

	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	for {
		raw, err := l.ln.Accept()
		if err != nil {
			return
		}
		go l.serveOne(raw)
	}
}

func (l *Listener) serveOne(raw net.Conn) {
	conn := newServerConnection(raw)

	mux := http.NewServeMux()
	mux.HandleFunc(WellKnownPath, conn.handleStream)

	select {
	case l.accept <- conn:
	case <-l.closed:
		raw.Close()
		return
	}

	l.h2srv.ServeConn(raw, &http2.ServeConnOpts{Handler: mux})
	conn.teardown()
}

func (l *Listener) Accept(ctx context.Context) (transport.Connection, net.Addr, error) {
	select {
	case c := <-l.accept:
		return c, c.remoteAddr, nil
	case <-l.closed:
		return nil, nil, net.ErrClosed
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return l.ln.Close()
}

// Connector dials a relay's H2 listener. Each logical stream is a
// separate HTTP/2 POST request with a streaming body and streaming
// response — http2.Transport multiplexes these over one TCP
// connection for us.
type Connector struct{}

func (Connector) Connect(ctx context.Context, addr, serverName string) (transport.Connection, error) {
	tr := &http2.Transport{
		TLSClientConfig: &tls.Config{ServerName: serverName, NextProtos: []string{"h2"}},
	}
	raw, err := tls.Dial("tcp", addr, tr.TLSClientConfig)
	if err != nil {
		return nil, fmt.Errorf("h2transport: dial: %w", err)
	}
	clientConn, err := tr.NewClientConn(raw)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("h2transport: h2 handshake: %w", err)
	}
	return newClientConnection(addr, clientConn), nil
}

// connection adapts one HTTP/2 TCP connection to transport.Connection.
// A single connection value plays either the server role (streams
// arrive as inbound requests, OpenStream forbidden) or the client
// role (streams are opened as outbound requests, AcceptStream never
// yields anything) — never both, matching the hard constraint in
// spec §4.2.
type connection struct {
	isServer   bool
	id         string
	remoteAddr net.Addr

	// server role
	accepted chan *stream

	// client role
	clientConn *http2.ClientConn
	addr       string
	nextID     uint32

	mu     sync.Mutex
	closed bool
	sentN  uint64
	recvN  uint64

	doneCh    chan struct{}
	closeOnce sync.Once
}

func newServerConnection(raw net.Conn) *connection {
	return &connection{
		isServer:   true,
		id:         uuid.NewString(),
		remoteAddr: raw.RemoteAddr(),
		accepted:   make(chan *stream, 16),
		doneCh:     make(chan struct{}),
	}
}

func newClientConnection(addr string, cc *http2.ClientConn) *connection {
	return &connection{
		isServer:   false,
		id:         uuid.NewString(),
		clientConn: cc,
		addr:       addr,
		doneCh:     make(chan struct{}),
	}
}

// handleStream is the http.HandlerFunc invoked by http2.Server for
// each inbound logical stream (HTTP/2 request).
func (c *connection) handleStream(w http.ResponseWriter, r *http.Request) {
	id := c.allocServerStreamID()
	st := newStream(id, c)
	st.serverWriter = w
	st.serverReq = r

	flusher, _ := w.(http.Flusher)
	st.flusher = flusher

	select {
	case c.accepted <- st:
	case <-c.doneCh:
		return
	}

	// Block here for the lifetime of the logical stream: the HTTP/2
	// response body stays open (streaming) until Finish/Close
	// completes it, mirroring a long-lived bidirectional stream.
	<-st.serverDone
}

func (c *connection) allocServerStreamID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}

func (c *connection) teardown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.doneCh)
	})
}

func (c *connection) ID() string { return c.id }

func (c *connection) OpenStream(ctx context.Context) (transport.Stream, error) {
	if c.isServer {
		return nil, ErrServerCannotOpen
	}

	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+c.addr+WellKnownPath, pr)
	if err != nil {
		return nil, err
	}

	id := c.allocServerStreamID()
	st := newStream(id, c)
	st.clientBodyWriter = pw

	resp, err := c.clientConn.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("h2transport: open stream: %w", err)
	}
	st.clientRespBody = resp.Body

	return st, nil
}

func (c *connection) AcceptStream(ctx context.Context) (transport.Stream, bool, error) {
	if !c.isServer {
		return nil, false, nil
	}
	select {
	case st := <-c.accepted:
		return st, true, nil
	case <-c.doneCh:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (c *connection) Close(code uint16, reason string) error {
	c.teardown()
	if c.isServer {
		return nil
	}
	return c.clientConn.Close()
}

func (c *connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *connection) Stats() transport.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return transport.Stats{BytesSent: c.sentN, BytesReceived: c.recvN}
}

func (c *connection) addSent(n int) {
	c.mu.Lock()
	c.sentN += uint64(n)
	c.mu.Unlock()
}

func (c *connection) addRecv(n int) {
	c.mu.Lock()
	c.recvN += uint64(n)
	c.mu.Unlock()
}

// stream adapts one HTTP/2 request/response pair to transport.Stream.
// Server-side, reads come from serverReq.Body and writes go to
// serverWriter (flushed per write so the peer sees data promptly,
// since the response is streamed rather than buffered). Client-side,
// writes go to a pipe feeding the request body and reads come from
// the response body.
type stream struct {
	id   uint32
	conn *connection
	dec  *protocol.Decoder

	serverWriter http.ResponseWriter
	serverReq    *http.Request
	flusher      http.Flusher
	serverDone   chan struct{}
	serverOnce   sync.Once

	clientBodyWriter *io.PipeWriter
	clientRespBody   io.ReadCloser
}

func newStream(id uint32, conn *connection) *stream {
	return &stream{
		id:         id,
		conn:       conn,
		dec:        protocol.NewDecoder(),
		serverDone: make(chan struct{}),
	}
}

func (st *stream) ID() uint32 { return st.id }

func (st *stream) SendMessage(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return st.SendBytes(frame)
}

func (st *stream) RecvMessage(ctx context.Context) (protocol.Message, error) {
	for {
		if msg, ok, err := st.dec.Next(); err != nil {
			return nil, err
		} else if ok {
			return msg, nil
		}
		b, err := st.RecvBytes(ctx, 64*1024)
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			return nil, io.EOF
		}
		st.dec.Feed(b)
	}
}

func (st *stream) SendBytes(b []byte) error {
	var n int
	var err error
	if st.conn.isServer {
		n, err = st.serverWriter.Write(b)
		if err == nil && st.flusher != nil {
			st.flusher.Flush()
		}
	} else {
		n, err = st.clientBodyWriter.Write(b)
	}
	st.conn.addSent(n)
	return err
}

func (st *stream) RecvBytes(ctx context.Context, max int) ([]byte, error) {
	buf := make([]byte, max)
	var (
		n   int
		err error
	)
	if st.conn.isServer {
		n, err = st.serverReq.Body.Read(buf)
	} else {
		n, err = st.clientRespBody.Read(buf)
	}
	if n > 0 {
		st.conn.addRecv(n)
	}
	if err != nil && n == 0 {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return buf[:n], nil
}

func (st *stream) Finish() error {
	if st.conn.isServer {
		st.serverOnce.Do(func() { close(st.serverDone) })
		return nil
	}
	return st.clientBodyWriter.Close()
}

func (st *stream) IsClosed() bool {
	if st.conn.isServer {
		select {
		case <-st.serverDone:
			return true
		default:
			return false
		}
	}
	return false
}

func (st *stream) Split() (transport.SendHalf, transport.RecvHalf) {
	return sendHalf{st}, recvHalf{st}
}

type sendHalf struct{ st *stream }

func (h sendHalf) SendMessage(msg protocol.Message) error { return h.st.SendMessage(msg) }
func (h sendHalf) SendBytes(b []byte) error                { return h.st.SendBytes(b) }
func (h sendHalf) Finish() error                           { return h.st.Finish() }

type recvHalf struct{ st *stream }

func (h recvHalf) RecvMessage(ctx context.Context) (protocol.Message, error) {
	return h.st.RecvMessage(ctx)
}
func (h recvHalf) RecvBytes(ctx context.Context, max int) ([]byte, error) {
	return h.st.RecvBytes(ctx, max)
}
