// Package main is the entry point for the relaymesh relay binary. It
// runs the control plane and data plane described by internal/relay:
// three tunnel-control transports (QUIC, WebSocket, HTTP/2) and the
// TCP/TLS/HTTP/HTTPS forwarders they hand routes to.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/core"
	"github.com/relaymesh/relay/internal/relay"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	// Cancel on SIGINT (Ctrl+C) or SIGTERM (container runtime).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		// Cobra is configured with SilenceErrors: true, so we
		// print the error here for consistent formatting.
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run builds the root command and executes it against ctx.
func run(ctx context.Context) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	rootCmd, err := newRootCommand(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	return rootCmd.ExecuteContext(ctx)
}

// newRootCommand builds the relay's single command. Unlike the
// teacher binary this repo is grounded on, there is no separate
// agent subcommand: the reverse-tunnel agent role is brokered
// entirely from the relay side (internal/reverse), so the process
// this binary starts IS the whole relay.
func newRootCommand(cfg *config.Config) (*cobra.Command, error) {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "relaymesh relay: reverse-tunnel control plane and forwarders",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rel, err := relay.Build(cfg, core.Version(version), slog.Default())
			if err != nil {
				return err
			}
			return rel.Run(cmd.Context())
		},
	}

	if err := cfg.BindFlags(root.Flags(), config.RelayOptions); err != nil {
		return nil, err
	}

	return root, nil
}
