// Package httpsfwd implements the HTTPS forwarder (spec §4.9): the
// only forwarder that terminates TLS rather than passing it through.
// A CertResolver picks the certificate to present per SNI hostname;
// the resulting cleartext connection is handed straight to
// internal/forwarder/httpfwd, which already implements every routing,
// IP-allowlist, and auth step spec §4.9 shares with plain HTTP.
package httpsfwd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/relaymesh/relay/internal/forwarder/httpfwd"
)

// CertResolver returns the certificate to present for hostname, as
// read off the ClientHello's SNI extension before any HTTP-layer
// routing happens.
type CertResolver interface {
	Resolve(hostname string) (*tls.Certificate, error)
}

// Manager owns the HTTPS listener. It does no routing of its own —
// HandleConn on the embedded HTTP Manager does everything past the
// TLS handshake.
type Manager struct {
	HTTP  *httpfwd.Manager
	Certs CertResolver
	Log   *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	listener net.Listener
}

// NewManager returns a Manager that terminates TLS using certs and
// forwards every cleartext connection to http.HandleConn.
func NewManager(http *httpfwd.Manager, certs CertResolver, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{HTTP: http, Certs: certs, Log: log}
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

// Bind opens the HTTPS listener on port, wrapping the raw TCP listener
// in a tls.Listener whose GetCertificate callback defers to Certs.
func (m *Manager) Bind(port uint16) error {
	m.mu.Lock()
	if m.listener != nil {
		m.mu.Unlock()
		return errors.New("httpsfwd: already bound")
	}
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	raw, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("httpsfwd: listen on port %d: %w", port, err)
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return m.Certs.Resolve(hello.ServerName)
		},
	}
	lis := tls.NewListener(raw, tlsConfig)

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
			m.Log.Debug("https accept loop stopped", "err", err)
			return
		}
		go m.HTTP.HandleConn(ctx, conn)
	}
}
