// Package cmd holds the enginectl command tree.
package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

type options struct {
	server  string
	timeout time.Duration
}

// NewRootCmd builds the enginectl command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "enginectl",
		Short: "Operate a running execution and risk guard engine",
		Long: `enginectl talks to the engine's HTTP control API.

It provides tools for:
  - Creating, executing and inspecting rebalance runs
  - Inspecting, evaluating and resetting the intraday guard
  - Triggering recovery sweeps and reading the recovery audit trail
  - Reading and replacing the global risk defaults

Examples:
  enginectl run create --entity acct-1 --mode paper --weight AAPL=0.5 --weight MSFT=0.3
  enginectl run execute <run-id>
  enginectl guard reset acct-1 paper --operator alice`,
		SilenceUsage: true,
	}

	server := os.Getenv("EXECGUARD_URL")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", server, "engine base URL (env EXECGUARD_URL)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newGuardCmd(opts))
	root.AddCommand(newRecoveryCmd(opts))
	root.AddCommand(newRiskCmd(opts))
	return root
}

// Execute runs the command tree against os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}
