// Command emergated runs the gateway: the MCP-facing server that fronts
// the Event Bus, Connection Pool, Knowledge Graph, Vector + Unified
// Search, Capability Registry, Argument Resolver, Sandbox Worker Bridge,
// Controlled DAG Executor, Request Dispatcher, Events Stream Manager,
// Graph-Sync Controller, and Algorithm Tracer.
//
// Grounded on the teacher's cmd/control-plane/main.go process shape
// (zap logger, signal.NotifyContext, graceful http.Server.Shutdown),
// restructured around a cobra root command the way the rest of the
// example pack's multi-binary repos do (see e.g. cmd/pulse-control-plane)
// since a single flat main() doesn't leave room for the migrate/version
// subcommands this gateway also needs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version, Commit, and Date are overwritten at build time via
// -ldflags "-X main.Version=... -X main.Commit=... -X main.Date=...".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "emergated",
	Short: "MCP gateway: capability discovery, DAG execution, and emergence tracing",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults to environment only)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a top-level command error onto the process exit code
// the spec pins literally: 1 for an unrecoverable init failure (config,
// store, migrations), 2 specifically when the listen address is already
// in use.
func exitCodeFor(err error) int {
	if isAddrInUse(err) {
		return 2
	}
	return 1
}
