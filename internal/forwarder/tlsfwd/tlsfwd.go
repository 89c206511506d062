// Package tlsfwd implements the TLS passthrough forwarder (spec
// §4.10): the relay never terminates TLS for these routes, it only
// peeks the ClientHello's server_name extension to route the
// connection, then bridges the raw TLS bytes (including the
// ClientHello itself) to whichever session owns that SNI. Private
// keys never reach this package.
package tlsfwd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/relaymesh/relay/internal/bridge"
	"github.com/relaymesh/relay/internal/metrics"
	"github.com/relaymesh/relay/internal/protocol"
	"github.com/relaymesh/relay/internal/reverse"
	"github.com/relaymesh/relay/internal/routing"
	"github.com/relaymesh/relay/internal/session"
	"github.com/relaymesh/relay/internal/sni"
)

const (
	// maxClientHelloBytes bounds how much of the TLS record this
	// forwarder will buffer while looking for server_name (spec §4.10
	// "bounded peek", §4.4's own extraction is already bounds-checked
	// per field but the caller still needs an outer cap on how much it
	// is willing to read before giving up).
	maxClientHelloBytes = 16 * 1024

	// helloReadTimeout bounds how long the forwarder waits for a full
	// ClientHello record to arrive before giving up on this
	// connection.
	helloReadTimeout = 5 * time.Second
)

// Manager owns one net.Listener for the TLS passthrough port — unlike
// tcpfwd's per-tunnel ports, every TLS passthrough route shares the
// single relay-wide TLS port and is distinguished by SNI (spec §4.3:
// TLS routes have no per-tunnel port allocation).
type Manager struct {
	Sessions *session.Manager
	Routes   *routing.Registry
	Reverse  *reverse.Broker
	Log      *slog.Logger
	Metrics  *metrics.Metrics

	mu       sync.Mutex
	ctx      context.Context
	listener net.Listener
}

// NewManager returns a Manager ready to Bind the TLS passthrough port.
func NewManager(sessions *session.Manager, routes *routing.Registry, rev *reverse.Broker, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{Sessions: sessions, Routes: routes, Reverse: rev, Log: log}
}

// Start implements transport.Component: records ctx and blocks until
// shutdown. Bind opens the actual listener.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
	<-ctx.Done()
	return nil
}

// Stop implements transport.Component, closing the listener if bound.
func (m *Manager) Stop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	err := m.listener.Close()
	m.listener = nil
	return err
}

// Bind opens the shared TLS passthrough listener on port. It is an
// error to call Bind twice without an intervening Stop.
func (m *Manager) Bind(port uint16) error {
	m.mu.Lock()
	if m.listener != nil {
		m.mu.Unlock()
		return errors.New("tlsfwd: already bound")
	}
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("tlsfwd: listen on port %d: %w", port, err)
	}

	m.mu.Lock()
	m.listener = lis
	m.mu.Unlock()

	go m.acceptLoop(ctx, lis)
	return nil
}

func (m *Manager) acceptLoop(ctx context.Context, lis net.Listener) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			m.Log.Debug("tls passthrough accept loop stopped", "err", err)
			return
		}
		go m.handleConn(ctx, conn)
	}
}

func (m *Manager) handleConn(ctx context.Context, conn net.Conn) {
	log := m.Log.With("remote", conn.RemoteAddr())
	defer conn.Close()

	hostname, record, br, err := peekClientHello(conn)
	if err != nil {
		log.Debug("sni extraction failed, closing", "err", err)
		return
	}
	log = log.With("sni", hostname)

	target, ok := m.Routes.Lookup(routing.Key{Kind: "tls", Value: hostname})
	if !ok {
		log.Debug("no route registered for sni")
		return
	}

	switch t := target.(type) {
	case *session.ClientTarget:
		m.forwardToClient(ctx, t, hostname, record, &peekedConn{Conn: conn, r: br}, log)
	case *session.ReverseTarget:
		if allowed, err := t.IPFilter.AllowString(conn.RemoteAddr().String()); err != nil || !allowed {
			log.Warn("connection denied by ip allowlist", "err", err)
			return
		}
		// The agent side of a reverse binding has no TLS-specific
		// handshake of its own: it just dials RemoteAddress and
		// receives whatever bytes arrive, ClientHello included, so a
		// TLS passthrough route served by an agent bridges through
		// the same reverse.Broker path tcpfwd uses.
		// peekClientHello has already consumed the ClientHello from br,
		// so it is put back in front of the remaining bytes here.
		replay := bufio.NewReader(io.MultiReader(bytes.NewReader(record), br))
		if err := m.Reverse.Forward(ctx, t, &peekedConn{Conn: conn, r: replay}); err != nil {
			log.Warn("reverse forward failed", "err", err)
		}
	default:
		log.Warn("route target has unexpected type", "type", fmt.Sprintf("%T", target))
	}
}

func (m *Manager) forwardToClient(ctx context.Context, t *session.ClientTarget, hostname string, clientHello []byte, conn net.Conn, log *slog.Logger) {
	if allowed, err := t.IPFilter.AllowString(conn.RemoteAddr().String()); err != nil || !allowed {
		log.Warn("connection denied by ip allowlist", "err", err)
		return
	}

	sess, ok := m.Sessions.Get(t.TunnelID)
	if !ok {
		log.Warn("tunnel session not found", "tunnel_id", t.TunnelID)
		return
	}

	stream, err := sess.Conn.OpenStream(ctx)
	if err != nil {
		log.Warn("open stream to client failed", "err", err)
		return
	}

	streamID := stream.ID()
	if err := stream.SendMessage(protocol.TLSConnect{
		StreamID:    streamID,
		SNI:         hostname,
		ClientHello: clientHello,
	}); err != nil {
		log.Warn("send TlsConnect failed", "err", err)
		stream.Finish()
		return
	}

	mc := &bridge.MessageChannel{
		Stream: stream,
		Ctx:    ctx,
		Wrap: func(chunk []byte) protocol.Message {
			return protocol.TLSData{StreamID: streamID, Data: chunk}
		},
		Unwrap: func(msg protocol.Message) ([]byte, bool) {
			d, ok := msg.(protocol.TLSData)
			if !ok || d.StreamID != streamID {
				return nil, false
			}
			return d.Data, true
		},
		IsClose: func(msg protocol.Message) bool {
			c, ok := msg.(protocol.TLSClose)
			return ok && c.StreamID == streamID
		},
		CloseMsg: func() protocol.Message {
			return protocol.TLSClose{StreamID: streamID}
		},
	}

	var rwc io.ReadWriteCloser = conn
	if m.Metrics != nil {
		rwc = bridge.CountBytes(conn,
			func(n int) { m.Metrics.AddBytes("tls", "in", n) },
			func(n int) { m.Metrics.AddBytes("tls", "out", n) },
		)
		m.Metrics.StreamsOpenedTotal.WithLabelValues("tls").Inc()
	}
	bridge.Copy(rwc, mc)
}

// peekClientHello reads the TLS record header off conn to determine
// the ClientHello's length, peeks exactly that many bytes without
// consuming them from br, extracts its SNI, then advances br past the
// peeked bytes so the caller's later reads pick up immediately after
// the ClientHello (spec §4.10: the ClientHello itself is still
// forwarded to the target, via TlsConnect.ClientHello, not dropped).
func peekClientHello(conn net.Conn) (hostname string, record []byte, br *bufio.Reader, err error) {
	conn.SetReadDeadline(time.Now().Add(helloReadTimeout))
	defer conn.SetReadDeadline(time.Time{})

	br = bufio.NewReaderSize(conn, maxClientHelloBytes)
	header, err := br.Peek(5)
	if err != nil {
		return "", nil, br, fmt.Errorf("tlsfwd: read record header: %w", err)
	}
	recordLen := int(header[3])<<8 | int(header[4])
	total := 5 + recordLen
	if total > maxClientHelloBytes {
		return "", nil, br, sni.ErrExtraction
	}

	record, err = br.Peek(total)
	if err != nil {
		return "", nil, br, fmt.Errorf("tlsfwd: read client hello: %w", err)
	}
	record = append([]byte(nil), record...)

	hostname, err = sni.Extract(record)
	if err != nil {
		return "", nil, br, err
	}

	// Advance br past the bytes already examined; they were only
	// peeked, not consumed, so a real read replays the same data.
	if _, err := br.Discard(total); err != nil {
		return "", nil, br, fmt.Errorf("tlsfwd: discard client hello: %w", err)
	}

	return hostname, record, br, nil
}

// peekedConn reads through br (which may still hold buffered bytes
// read past what peekClientHello needed) before falling back to
// direct reads from the underlying conn.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
