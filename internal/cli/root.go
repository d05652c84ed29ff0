// Package cli wires the cobra command tree for edgeproxy-agent the way the
// teacher's pkg/cli wires kwbase's: a root command plus subcommands that
// bind a config struct onto pflag and construct a long-lived component from
// it.
package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "edgeproxy-agent",
	Short: "Peer-to-peer replication core for edgeproxy's binding/metrics state",
	Long: `edgeproxy-agent runs the replication agent standalone: SWIM gossip
membership, a QUIC-backed replication transport, and the in-memory
binding/metrics stores that the load-balancing data plane reads from.
`,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

// Execute runs the root command, returning any error for main to report.
func Execute() error {
	return rootCmd.Execute()
}
