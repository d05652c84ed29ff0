package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/andrebassi/edgeproxy/internal/agent"
	"github.com/andrebassi/edgeproxy/internal/config"
	"github.com/andrebassi/edgeproxy/internal/logutil"
	"github.com/andrebassi/edgeproxy/internal/metrics"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	devLogging bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start the replication agent and run until signaled",
	Args:  cobra.NoArgs,
	RunE:  runStart,
}

func init() {
	cfg := config.Default()
	cfgHolder = cfg
	cfg.BindFlags(startCmd.Flags())
	startCmd.Flags().BoolVar(&devLogging, "dev-logging", false, "human-readable development log output instead of JSON")
}

// cfgHolder is the Config instance BindFlags populated; cobra owns flag
// parsing lifecycle so this indirection avoids re-parsing by hand in
// runStart.
var cfgHolder *config.Config

func runStart(cmd *cobra.Command, _ []string) error {
	cfg := cfgHolder
	cfg.EnsureNodeID()
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "edgeproxy-agent: invalid configuration")
	}

	logger, err := logutil.New(devLogging)
	if err != nil {
		return errors.Wrap(err, "edgeproxy-agent: building logger")
	}
	defer func() { _ = logger.Sync() }()

	collectors := metrics.NewCollectors(prometheus.DefaultRegisterer)

	a := agent.New(cfg, logger, collectors)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return errors.Wrap(err, "edgeproxy-agent: starting agent")
	}
	logger.Info("press Ctrl-C to stop")

	<-ctx.Done()
	a.Stop()
	return nil
}
