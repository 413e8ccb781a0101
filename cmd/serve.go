package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"agentctl/internal/config"
	"agentctl/internal/store"
	"agentctl/internal/supervisor"
	"agentctl/pkg/logging"

	"github.com/spf13/cobra"
)

// serveDebug enables verbose logging across the application.
var serveDebug bool

// serveCmd defines the serve command structure. This is the main command of
// agentctl: it runs the supervisor daemon that spawns workloads, reconciles
// orphans left by a previous run, and bridges stdio tool servers over HTTP.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agentctl supervisor daemon",
	Long: `Starts the agentctl supervisor and keeps it running until interrupted.

On startup the supervisor reconciles state left by a previous run: workloads
recorded as running are restarted on fresh ports after any orphaned processes
still holding those ports have been evicted.

While running, every managed tool server is reachable over HTTP at its
assigned port (POST /mcp), and agents are health-checked and configured via
their own HTTP endpoints. SIGINT or SIGTERM triggers a graceful teardown of
every managed process.

Configuration:
  agentctl loads configuration from .agentctl/config.yaml in the current
  directory, layered over ~/.config/agentctl/config.yaml and built-in
  defaults.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// runServe is the main entry point for the serve command
func runServe(cmd *cobra.Command, args []string) error {
	level := logging.LevelInfo
	if serveDebug {
		level = logging.LevelDebug
	}
	logging.InitForCLI(level, os.Stderr)

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	st, err := store.Open(cfg.GlobalSettings.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open workload store: %w", err)
	}

	sup := supervisor.New(cfg, st)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup.ReconcileAtBoot(ctx)
	logging.Info("Serve", "Supervisor ready (data dir: %s)", cfg.GlobalSettings.DataDir)

	<-ctx.Done()
	logging.Info("Serve", "Shutdown signal received")
	sup.Shutdown()
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable general debug logging")
}
