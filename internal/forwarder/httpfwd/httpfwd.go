// Package httpfwd implements the transparent HTTP forwarder (spec
// §4.8): terminate nothing, read only as much of the request as
// needed to route and authenticate it, then bridge the connection
// byte-for-byte to the owning session. internal/forwarder/httpsfwd
// reuses HandleConn for the cleartext connection it gets after
// terminating TLS (spec §4.9), so this package never imports crypto/tls
// itself.
package httpfwd

import (
	"bufio"
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/relaymesh/relay/internal/bridge"
	"github.com/relaymesh/relay/internal/metrics"
	"github.com/relaymesh/relay/internal/protocol"
	"github.com/relaymesh/relay/internal/reverse"
	"github.com/relaymesh/relay/internal/routing"
	"github.com/relaymesh/relay/internal/session"
)

// maxRequestHeadBytes bounds how much of a request this forwarder
// reads while looking for the end of the header block, per the Open
// Question decision recorded in DESIGN.md.
const maxRequestHeadBytes = 64 * 1024

var errHeadTooLarge = errors.New("httpfwd: request head exceeds cap before blank line")

// Manager owns the HTTP listener and the routing/auth logic shared
// with internal/forwarder/httpsfwd.
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

// NewManager returns a Manager ready to Bind the HTTP port.
func NewManager(sessions *session.Manager, routes *routing.Registry, rev *reverse.Broker, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{Sessions: sessions, Routes: routes, Reverse: rev, Log: log}
}

// Start implements transport.Component.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
	<-ctx.Done()
	return nil
}

// Stop implements transport.Component.
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

// Bind opens the HTTP listener on port.
func (m *Manager) Bind(port uint16) error {
	m.mu.Lock()
	if m.listener != nil {
		m.mu.Unlock()
		return errors.New("httpfwd: already bound")
	}
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("httpfwd: listen on port %d: %w", port, err)
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
			m.Log.Debug("http accept loop stopped", "err", err)
			return
		}
		go m.HandleConn(ctx, conn)
	}
}

// HandleConn drives one accepted cleartext HTTP connection through
// routing, IP-allowlist, and per-tunnel auth enforcement, then bridges
// it to the owning session. Exported so httpsfwd can hand it a
// connection that has already had TLS terminated.
func (m *Manager) HandleConn(ctx context.Context, conn net.Conn) {
	log := m.Log.With("remote", conn.RemoteAddr())
	defer conn.Close()

	head, br, err := readRequestHead(conn)
	if err != nil {
		log.Debug("failed to read request head", "err", err)
		return
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		log.Debug("failed to parse request head", "err", err)
		writeStatus(conn, 400, "Bad Request", "")
		return
	}
	host := normalizeHost(req.Host)
	log = log.With("host", host)

	target, ok := m.Routes.LookupHTTPHost(host)
	if !ok {
		log.Debug("no route registered for host")
		writeStatus(conn, 404, "Not Found", "")
		return
	}

	switch t := target.(type) {
	case *session.ClientTarget:
		if allowed, err := t.IPFilter.AllowString(conn.RemoteAddr().String()); err != nil || !allowed {
			log.Warn("connection denied by ip allowlist", "err", err)
			writeStatus(conn, 403, "Forbidden", "")
			return
		}
		if !checkAuth(t.HTTPAuth, req) {
			log.Debug("request rejected by tunnel http auth policy")
			writeAuthChallenge(conn, t.HTTPAuth)
			return
		}
		m.forwardToClient(ctx, t, host, head, &peekedConn{Conn: conn, r: br}, log)
	case *session.ReverseTarget:
		if allowed, err := t.IPFilter.AllowString(conn.RemoteAddr().String()); err != nil || !allowed {
			log.Warn("connection denied by ip allowlist", "err", err)
			writeStatus(conn, 403, "Forbidden", "")
			return
		}
		if err := m.Reverse.Forward(ctx, t, &peekedConn{Conn: conn, r: br}); err != nil {
			log.Warn("reverse forward failed", "err", err)
		}
	default:
		log.Warn("route target has unexpected type", "type", fmt.Sprintf("%T", target))
	}
}

func (m *Manager) forwardToClient(ctx context.Context, t *session.ClientTarget, host string, initialData []byte, conn net.Conn, log *slog.Logger) {
	sess, ok := m.Sessions.Get(t.TunnelID)
	if !ok {
		log.Warn("tunnel session not found", "tunnel_id", t.TunnelID)
		writeStatus(conn, 502, "Bad Gateway", "")
		return
	}

	stream, err := sess.Conn.OpenStream(ctx)
	if err != nil {
		log.Warn("open stream to client failed", "err", err)
		writeStatus(conn, 502, "Bad Gateway", "")
		return
	}

	streamID := stream.ID()
	if err := stream.SendMessage(protocol.HTTPStreamConnect{
		StreamID:    streamID,
		Host:        host,
		InitialData: initialData,
	}); err != nil {
		log.Warn("send HttpStreamConnect failed", "err", err)
		stream.Finish()
		return
	}

	mc := &bridge.MessageChannel{
		Stream: stream,
		Ctx:    ctx,
		Wrap: func(chunk []byte) protocol.Message {
			return protocol.HTTPStreamData{StreamID: streamID, Data: chunk}
		},
		Unwrap: func(msg protocol.Message) ([]byte, bool) {
			d, ok := msg.(protocol.HTTPStreamData)
			if !ok || d.StreamID != streamID {
				return nil, false
			}
			return d.Data, true
		},
		IsClose: func(msg protocol.Message) bool {
			c, ok := msg.(protocol.HTTPStreamClose)
			return ok && c.StreamID == streamID
		},
		CloseMsg: func() protocol.Message {
			return protocol.HTTPStreamClose{StreamID: streamID}
		},
	}

	var rwc io.ReadWriteCloser = conn
	if m.Metrics != nil {
		rwc = bridge.CountBytes(conn,
			func(n int) { m.Metrics.AddBytes("http", "in", n) },
			func(n int) { m.Metrics.AddBytes("http", "out", n) },
		)
		m.Metrics.StreamsOpenedTotal.WithLabelValues("http").Inc()
	}
	bridge.Copy(rwc, mc)
}

// readRequestHead reads conn byte-by-byte through the terminating
// blank line, bounded by maxRequestHeadBytes, and returns the exact
// bytes read (spec §4.8 "read request head to \r\n\r\n, bounded max
// header size") plus the bufio.Reader so the caller's later reads
// continue exactly where this one stopped.
func readRequestHead(conn net.Conn) ([]byte, *bufio.Reader, error) {
	br := bufio.NewReaderSize(conn, maxRequestHeadBytes)
	var head []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, br, err
		}
		head = append(head, b)
		if len(head) > maxRequestHeadBytes {
			return nil, br, errHeadTooLarge
		}
		if bytes.HasSuffix(head, []byte("\r\n\r\n")) {
			return head, br, nil
		}
	}
}

// peekedConn reads through br (which may still hold bytes read past
// the request head) before falling back to direct reads from conn.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

// checkAuth enforces a tunnel's HTTP auth policy (spec §4.8 step 5)
// against one parsed request. Credential/token comparisons use
// constant time to avoid leaking timing information about a near
// match.
func checkAuth(policy protocol.HTTPAuthPolicy, req *http.Request) bool {
	switch policy.Kind {
	case protocol.HTTPAuthNone:
		return true

	case protocol.HTTPAuthBasic:
		user, pass, ok := req.BasicAuth()
		if !ok {
			return false
		}
		want, exists := policy.Credentials[user]
		return exists && subtle.ConstantTimeCompare([]byte(want), []byte(pass)) == 1

	case protocol.HTTPAuthBearer:
		const prefix = "Bearer "
		auth := req.Header.Get("Authorization")
		if !strings.HasPrefix(auth, prefix) {
			return false
		}
		token := strings.TrimPrefix(auth, prefix)
		for _, want := range policy.Tokens {
			if subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1 {
				return true
			}
		}
		return false

	case protocol.HTTPAuthHeader:
		for _, got := range req.Header.Values(policy.HeaderName) {
			for _, want := range policy.HeaderValues {
				if subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1 {
					return true
				}
			}
		}
		return false

	default:
		return false
	}
}

func writeAuthChallenge(conn net.Conn, policy protocol.HTTPAuthPolicy) {
	challenge := ""
	if policy.Kind == protocol.HTTPAuthBasic {
		challenge = `WWW-Authenticate: Basic realm="relay"` + "\r\n"
	}
	writeStatus(conn, 401, "Unauthorized", challenge)
}

func writeStatus(conn net.Conn, code int, reason, extraHeaders string) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n%sContent-Length: 0\r\nConnection: close\r\n\r\n", code, reason, extraHeaders)
}
