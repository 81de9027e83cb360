// Package main is the relay node daemon. It maintains a websocket
// connection to the gateway and executes approved system.run requests
// on the local machine.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/nodes/host"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var (
		gatewayURL   string
		token        string
		displayName  string
		identityPath string
		allow        []string
		deny         []string
		allowDefault bool
		debug        bool
	)

	cmd := &cobra.Command{
		Use:   "relay-node",
		Short: "Run the relay node daemon",
		Long: `Run the relay node daemon.

The daemon connects to a relay gateway, advertises its capabilities
(system.run, system.which), and executes commands the gateway
dispatches, subject to the local exec-approval list. The connection is
re-established with exponential backoff after any failure.

On first run a node id is minted and stored in the identity file;
--gateway, --token, and --name update the stored identity.`,
		Example: `  # Pair with a gateway
  relay-node --gateway ws://gateway.local:8090/ws/node --token sekrit --name laptop

  # Allow specific commands beyond the safe defaults
  relay-node --allow "git *" --allow "make *"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(gatewayURL, token, displayName, identityPath, allow, deny, allowDefault, debug)
		},
	}

	cmd.Flags().StringVar(&gatewayURL, "gateway", "", "Gateway websocket URL (ws://host:port/ws/node)")
	cmd.Flags().StringVar(&token, "token", "", "Gateway auth token")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name shown in the gateway node list")
	cmd.Flags().StringVar(&identityPath, "identity", "", "Identity file path (default ~/.relay/node.json)")
	cmd.Flags().StringArrayVar(&allow, "allow", nil, "Command pattern to allow (repeatable)")
	cmd.Flags().StringArrayVar(&deny, "deny", nil, "Command pattern to deny (repeatable)")
	cmd.Flags().BoolVar(&allowDefault, "allow-by-default", false, "Allow unlisted commands instead of denying them")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runNode(gatewayURL, token, displayName, identityPath string, allow, deny []string, allowDefault, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if identityPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve identity path: %w", err)
		}
		identityPath = filepath.Join(home, ".relay", "node.json")
	}
	if err := os.MkdirAll(filepath.Dir(identityPath), 0o755); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}

	identity, err := host.LoadIdentity(identityPath, displayName, gatewayURL, token)
	if err != nil {
		return err
	}
	if identity.GatewayURL == "" {
		return errors.New("no gateway URL; pass --gateway on first run")
	}

	approval := host.NewExecApproval(allow, deny)
	if allowDefault {
		approval.DefaultDecision = host.ExecAllow
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("relay node starting",
		"node_id", identity.NodeID,
		"name", identity.DisplayName,
		"gateway", identity.GatewayURL)

	daemon := host.New(identity, approval, host.WithHostLogger(logger))
	if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("relay node stopped")
	return nil
}
