package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/relaymesh/relay/internal/control"
	"github.com/relaymesh/relay/internal/transport"
)

// listenerComponent adapts a transport.Listener (quictransport,
// wstransport or h2transport, each of which only exposes
// Accept/Addr/Close, not the process-lifecycle Start/Stop pair) into
// a transport.Component: Start runs the accept loop, handing every
// accepted connection to handler.HandleConnection on its own
// goroutine, and Stop closes the listener so the blocked Accept call
// returns and the loop exits.
type listenerComponent struct {
	name    string
	lis     transport.Listener
	handler *control.Handler
	log     *slog.Logger
}

func newListenerComponent(name string, lis transport.Listener, handler *control.Handler, log *slog.Logger) *listenerComponent {
	return &listenerComponent{name: name, lis: lis, handler: handler, log: log.With("transport", name)}
}

// Start implements transport.Component.
func (c *listenerComponent) Start(ctx context.Context) error {
	c.log.Info("transport listening", "addr", c.lis.Addr().String())
	for {
		conn, remoteAddr, err := c.lis.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.log.Warn("accept failed", "err", err)
			continue
		}
		go c.handler.HandleConnection(ctx, conn, remoteAddr)
	}
}

// Stop implements transport.Component.
func (c *listenerComponent) Stop(context.Context) error {
	c.log.Info("transport stopping")
	return c.lis.Close()
}
