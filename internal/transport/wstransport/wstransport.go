// Package wstransport implements transport T2 (spec §4.2): a TCP+TLS
// secured WebSocket connection emulating multiple logical streams by
// framing each stream's bytes with stream_id(u32) || msg_type(u8) ||
// payload. Stream ids use low-bit parity to separate the side that
// opened the connection (even ids) from the side that accepted it
// (odd ids), so both sides can allocate new stream ids without
// coordinating.
package wstransport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaymesh/relay/internal/protocol"
	"github.com/relaymesh/relay/internal/transport"
)

// WellKnownPath is the HTTP path this transport is served on; it is
// the WebSocket path the relay advertises in its discovery document.
const WellKnownPath = "/localup"

const (
	msgTypeData byte = 0
	msgTypeFin  byte = 1
)

const frameHeaderSize = 4 + 1 // stream_id(u32) + msg_type(u8)

// pingInterval/pongWait implement the heartbeat piggybacked on
// transport ping frames described in spec §4.2.
const (
	pingInterval = 15 * time.Second
	pongWait     = 45 * time.Second
)

// Listener accepts WebSocket connections via an http.Server. Unlike
// QUIC and H2, a WebSocket listener needs an HTTP handler wired into
// a net.Listener — NewListener does both.
type Listener struct {
	httpLn net.Listener
	srv    *http.Server
	accept chan acceptResult
	closed chan struct{}
	once   sync.Once
}

type acceptResult struct {
	conn *connection
	addr net.Addr
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Listen binds addr and serves WebSocket upgrades on WellKnownPath.
func Listen(addr string, tlsConf *tls.Config) (*Listener, error) {
	ln, err := tls.Listen("tcp", addr, tlsConf)
	if err != nil {
		return nil, fmt.Errorf("wstransport: listen: %w", err)
	}

	l := &Listener{
		httpLn: ln,
		accept: make(chan acceptResult),
		closed: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(WellKnownPath, l.handleUpgrade)
	l.srv = &http.Server{Handler: mux}

	go func() {
		_ = l.srv.Serve(ln)
	}()

	return l, nil
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := newConnection(wsConn, false)

	select {
	case l.accept <- acceptResult{conn: conn, addr: wsConn.RemoteAddr()}:
	case <-l.closed:
		wsConn.Close()
	}
}

func (l *Listener) Accept(ctx context.Context) (transport.Connection, net.Addr, error) {
	select {
	case r := <-l.accept:
		return r.conn, r.addr, nil
	case <-l.closed:
		return nil, nil, net.ErrClosed
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (l *Listener) Addr() net.Addr { return l.httpLn.Addr() }

func (l *Listener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return l.srv.Close()
}

// Connector dials a relay's WebSocket listener.
type Connector struct{}

func (Connector) Connect(ctx context.Context, addr, serverName string) (transport.Connection, error) {
	dialer := websocket.Dialer{
		TLSClientConfig: &tls.Config{ServerName: serverName},
	}
	url := fmt.Sprintf("wss://%s%s", addr, WellKnownPath)
	wsConn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wstransport: dial: %w", err)
	}
	return newConnection(wsConn, true), nil
}

// connection multiplexes logical streams over one *websocket.Conn by
// demultiplexing frames in a single reader goroutine and fanning them
// out to per-stream inboxes. Writes are serialized through writeMu
// since gorilla/websocket forbids concurrent writers on one
// connection; reads never take that lock, so a stream's receive path
// is never blocked behind another stream's send.
type connection struct {
	ws       *websocket.Conn
	id       string
	isClient bool

	writeMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	streams  map[uint32]*stream
	nextID   uint32
	accepted chan *stream
	sentN    uint64
	recvN    uint64

	closeOnce sync.Once
	doneCh    chan struct{}
}

func newConnection(ws *websocket.Conn, isClient bool) *connection {
	c := &connection{
		ws:       ws,
		id:       uuid.NewString(),
		isClient: isClient,
		streams:  make(map[uint32]*stream),
		accepted: make(chan *stream, 16),
		doneCh:   make(chan struct{}),
	}
	// Even ids are allocated by the connection initiator (the
	// client), odd ids by the acceptor (the relay) — spec §4.2.
	if isClient {
		c.nextID = 0
	} else {
		c.nextID = 1
	}

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readLoop()
	go c.pingLoop()
	return c
}

func (c *connection) readLoop() {
	defer c.teardown()
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage || len(data) < frameHeaderSize {
			continue
		}
		streamID := binary.BigEndian.Uint32(data)
		kind := data[4]
		payload := data[frameHeaderSize:]

		c.mu.Lock()
		c.recvN += uint64(len(data))
		st, ok := c.streams[streamID]
		if !ok {
			st = newStream(streamID, c)
			c.streams[streamID] = st
			c.mu.Unlock()
			select {
			case c.accepted <- st:
			case <-c.doneCh:
				return
			}
		} else {
			c.mu.Unlock()
		}

		switch kind {
		case msgTypeData:
			st.deliver(payload)
		case msgTypeFin:
			st.deliverClose()
		}
	}
}

func (c *connection) pingLoop() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.writeMu.Lock()
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.doneCh:
			return
		}
	}
}

func (c *connection) teardown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		streams := make([]*stream, 0, len(c.streams))
		for _, st := range c.streams {
			streams = append(streams, st)
		}
		c.mu.Unlock()
		for _, st := range streams {
			st.deliverClose()
		}
		close(c.doneCh)
	})
}

func (c *connection) writeFrame(streamID uint32, kind byte, payload []byte) error {
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, streamID)
	frame[4] = kind
	copy(frame[frameHeaderSize:], payload)

	c.writeMu.Lock()
	err := c.ws.WriteMessage(websocket.BinaryMessage, frame)
	c.writeMu.Unlock()

	if err == nil {
		c.mu.Lock()
		c.sentN += uint64(len(frame))
		c.mu.Unlock()
	}
	return err
}

func (c *connection) ID() string { return c.id }

func (c *connection) OpenStream(ctx context.Context) (transport.Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, net.ErrClosed
	}
	id := c.nextID
	c.nextID += 2
	st := newStream(id, c)
	c.streams[id] = st
	c.mu.Unlock()
	return st, nil
}

func (c *connection) AcceptStream(ctx context.Context) (transport.Stream, bool, error) {
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
	deadline := time.Now().Add(time.Second)
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(int(code), reason), deadline)
	c.writeMu.Unlock()
	return c.ws.Close()
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

// stream is one logical stream emulated over the shared WebSocket
// connection. Received payloads arrive via deliver, called from the
// connection's single reader goroutine; inbox is buffered so that
// goroutine never blocks on a slow consumer.
type stream struct {
	id     uint32
	conn   *connection
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
	dec    *protocol.Decoder
}

func newStream(id uint32, conn *connection) *stream {
	return &stream{
		id:     id,
		conn:   conn,
		inbox:  make(chan []byte, 64),
		closed: make(chan struct{}),
		dec:    protocol.NewDecoder(),
	}
}

func (st *stream) deliver(payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case st.inbox <- cp:
	case <-st.closed:
	}
}

func (st *stream) deliverClose() {
	st.once.Do(func() { close(st.closed) })
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
		st.dec.Feed(b)
	}
}

func (st *stream) SendBytes(b []byte) error {
	return st.conn.writeFrame(st.id, msgTypeData, b)
}

func (st *stream) RecvBytes(ctx context.Context, max int) ([]byte, error) {
	select {
	case b := <-st.inbox:
		if len(b) > max {
			return b[:max], nil
		}
		return b, nil
	case <-st.closed:
		return nil, fmt.Errorf("wstransport: stream %d closed", st.id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (st *stream) Finish() error {
	return st.conn.writeFrame(st.id, msgTypeFin, nil)
}

func (st *stream) IsClosed() bool {
	select {
	case <-st.closed:
		return true
	default:
		return false
	}
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
