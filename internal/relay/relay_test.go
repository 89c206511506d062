package relay

import (
	"context"
	"testing"
	"time"

	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/core"
)

func TestBuildRejectsInsecureDefaultSeed(t *testing.T) {
	cfg, err := config.New()
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}

	if _, err := Build(cfg, core.Version("test"), nil); err == nil {
		t.Fatal("expected Build to reject the compiled-default auth seed")
	}
}

// TestBuildAndRunStartsAndStopsCleanly exercises the full composition
// root against ephemeral ports: every listener and forwarder actually
// binds a socket, transport.Serve starts them all, and cancelling the
// context brings every component down within the graceful-shutdown
// window. It does not drive a tunnel end to end (that belongs to the
// individual packages' own tests); it only proves Build wires a relay
// that starts and stops without error.
func TestBuildAndRunStartsAndStopsCleanly(t *testing.T) {
	t.Setenv("RELAYMESH_AUTH_SEED", "integration-test-secret")
	t.Setenv("RELAYMESH_LISTEN_QUIC_ADDRESS", "127.0.0.1:0")
	t.Setenv("RELAYMESH_LISTEN_WS_ADDRESS", "127.0.0.1:0")
	t.Setenv("RELAYMESH_LISTEN_H2_ADDRESS", "127.0.0.1:0")
	t.Setenv("RELAYMESH_LISTEN_OPS_ADDRESS", "127.0.0.1:0")
	t.Setenv("RELAYMESH_HTTP_PORT", "0")
	t.Setenv("RELAYMESH_HTTPS_PORT", "0")
	t.Setenv("RELAYMESH_TLS_PORT", "0")

	cfg, err := config.New()
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}

	rel, err := Build(cfg, core.Version("test"), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(rel.components) == 0 {
		t.Fatal("expected Build to assemble at least one component")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rel.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned an error after shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not shut down within the grace period")
	}
}
