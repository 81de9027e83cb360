package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Multi-channel autonomous agent gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildInterviewCmd(), buildAdvisorCmd(), buildVersionCmd())
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay %s\n", version)
		},
	}
}

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		stateDir   string
		listen     string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay gateway",
		Long: `Start the relay gateway.

The gateway consumes inbound envelopes from the message bus, runs each
through the agent loop (routing, tool calls, memory recall), and
publishes replies back to the originating fabric. When nodes are
enabled it also serves the websocket endpoint paired hosts connect to.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  relay serve

  # Start with custom config and verbose logging
  relay serve --config /etc/relay/relay.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, stateDir, listen, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "Path to YAML configuration file")
	cmd.Flags().StringVar(&stateDir, "state", "", "State directory (default ~/.relay)")
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8090", "HTTP listen address for metrics and the node endpoint")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}
