// Package tcpfwd implements the TCP data-plane forwarder (spec §4.7):
// one listener per allocated public port, each accepted connection
// either opened as a new stream on the owning client session or
// handed to the reverse-tunnel broker, then bridged byte-for-byte
// until either side closes.
package tcpfwd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/relaymesh/relay/internal/bridge"
	"github.com/relaymesh/relay/internal/metrics"
	"github.com/relaymesh/relay/internal/protocol"
	"github.com/relaymesh/relay/internal/reverse"
	"github.com/relaymesh/relay/internal/routing"
	"github.com/relaymesh/relay/internal/session"
)

// Manager owns one net.Listener per bound public TCP port. Binding
// and unbinding happen dynamically as Connect/Disconnect and
// ReverseTunnelRequest allocate and release ports (spec §4.7 "one
// instance per allocated public TCP port") — control.Handler calls
// Bind/Unbind through its TCPBinder alongside the corresponding route
// registration/eviction, not at startup.
type Manager struct {
	Sessions *session.Manager
	Routes   *routing.Registry
	Reverse  *reverse.Broker
	Log      *slog.Logger
	Metrics  *metrics.Metrics

	mu        sync.Mutex
	ctx       context.Context
	listeners map[uint16]net.Listener
}

// NewManager returns a Manager ready to Bind ports once Start has
// run.
func NewManager(sessions *session.Manager, routes *routing.Registry, rev *reverse.Broker, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		Sessions:  sessions,
		Routes:    routes,
		Reverse:   rev,
		Log:       log,
		listeners: make(map[uint16]net.Listener),
	}
}

// Start implements transport.Component. It only records ctx for later
// accept loops and blocks until the relay shuts down; binding happens
// out-of-band via Bind as ports are allocated.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
	<-ctx.Done()
	return nil
}

// Stop implements transport.Component: every bound listener is
// closed, which unblocks its accept loop.
func (m *Manager) Stop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for port, lis := range m.listeners {
		if err := lis.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(m.listeners, port)
	}
	return errors.Join(errs...)
}

// ErrAlreadyBound indicates port already has a live listener.
var ErrAlreadyBound = errors.New("tcpfwd: port already bound")

// Bind opens a listener on port and starts its accept loop. It fails
// if port is already bound by this Manager.
func (m *Manager) Bind(port uint16) error {
	m.mu.Lock()
	if _, exists := m.listeners[port]; exists {
		m.mu.Unlock()
		return ErrAlreadyBound
	}
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("tcpfwd: listen on port %d: %w", port, err)
	}

	m.mu.Lock()
	m.listeners[port] = lis
	m.mu.Unlock()

	go m.acceptLoop(ctx, port, lis)
	return nil
}

// Unbind closes the listener bound to port, if any. It is a no-op if
// port was never bound.
func (m *Manager) Unbind(port uint16) {
	m.mu.Lock()
	lis, ok := m.listeners[port]
	if ok {
		delete(m.listeners, port)
	}
	m.mu.Unlock()
	if ok {
		lis.Close()
	}
}

func (m *Manager) acceptLoop(ctx context.Context, port uint16, lis net.Listener) {
	log := m.Log.With("port", port)
	for {
		conn, err := lis.Accept()
		if err != nil {
			log.Debug("accept loop stopped", "err", err)
			return
		}
		go m.handleConn(ctx, port, conn)
	}
}

func (m *Manager) handleConn(ctx context.Context, port uint16, conn net.Conn) {
	log := m.Log.With("port", port, "remote", conn.RemoteAddr())

	key := routing.Key{Kind: "tcp", Value: strconv.Itoa(int(port))}
	target, ok := m.Routes.Lookup(key)
	if !ok {
		log.Warn("no route registered for bound port, dropping connection")
		conn.Close()
		return
	}

	switch t := target.(type) {
	case *session.ClientTarget:
		m.forwardToClient(ctx, t, conn, log)
	case *session.ReverseTarget:
		m.forwardToAgent(ctx, t, conn, log)
	default:
		log.Warn("route target has unexpected type", "type", fmt.Sprintf("%T", target))
		conn.Close()
	}
}

func (m *Manager) forwardToClient(ctx context.Context, t *session.ClientTarget, conn net.Conn, log *slog.Logger) {
	// bridge.Copy closes both ends itself once it takes over below;
	// this deferred Close runs on every return, and after bridge.Copy
	// it is a second Close on an already-closed net.Conn, whose error
	// is harmless and ignored.
	defer conn.Close()

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

	remoteHost, remotePortStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		remoteHost = conn.RemoteAddr().String()
	}
	remotePort, _ := strconv.Atoi(remotePortStr)

	streamID := stream.ID()
	if err := stream.SendMessage(protocol.TCPConnect{
		StreamID:   streamID,
		RemoteAddr: remoteHost,
		RemotePort: uint16(remotePort),
	}); err != nil {
		log.Warn("send TcpConnect failed", "err", err)
		stream.Finish()
		return
	}

	mc := &bridge.MessageChannel{
		Stream: stream,
		Ctx:    ctx,
		Wrap: func(chunk []byte) protocol.Message {
			return protocol.TCPData{StreamID: streamID, Data: chunk}
		},
		Unwrap: func(msg protocol.Message) ([]byte, bool) {
			d, ok := msg.(protocol.TCPData)
			if !ok || d.StreamID != streamID {
				return nil, false
			}
			return d.Data, true
		},
		IsClose: func(msg protocol.Message) bool {
			c, ok := msg.(protocol.TCPClose)
			return ok && c.StreamID == streamID
		},
		CloseMsg: func() protocol.Message {
			return protocol.TCPClose{StreamID: streamID}
		},
	}

	var rwc io.ReadWriteCloser = conn
	if m.Metrics != nil {
		rwc = bridge.CountBytes(conn,
			func(n int) { m.Metrics.AddBytes("tcp", "in", n) },
			func(n int) { m.Metrics.AddBytes("tcp", "out", n) },
		)
		m.Metrics.StreamsOpenedTotal.WithLabelValues("tcp").Inc()
	}
	bridge.Copy(rwc, mc)
}

func (m *Manager) forwardToAgent(ctx context.Context, t *session.ReverseTarget, conn net.Conn, log *slog.Logger) {
	if allowed, err := t.IPFilter.AllowString(conn.RemoteAddr().String()); err != nil || !allowed {
		log.Warn("connection denied by ip allowlist", "err", err)
		conn.Close()
		return
	}
	if err := m.Reverse.Forward(ctx, t, conn); err != nil {
		log.Warn("reverse forward failed", "err", err)
	}
}
