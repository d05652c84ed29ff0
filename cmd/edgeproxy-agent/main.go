// Command edgeproxy-agent runs the replication agent standalone: gossip
// membership, QUIC replication transport, and the in-memory binding/metrics
// stores, with no data-plane or admin-HTTP adapters attached (those are out
// of scope for this core, spec.md §1).
package main

import (
	"fmt"
	"os"

	"github.com/andrebassi/edgeproxy/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
