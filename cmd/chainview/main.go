package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chainview",
		Short: "WebSocket state mirror for blockchain nodes",
		Long: `Chainview mirrors the live state of a blockchain node over a
single WebSocket: clients hold local replicas of the node's components
(chain, accounts, txpool, consensus, miner, network, wallet) that stay
current through server-pushed change events.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
