package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/netcore/internal/daemon"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the stack in foreground",
	Long: `Run the netcore stack in foreground.

The daemon will:
  1. Load configuration from the config file
  2. Initialize logging and metrics
  3. Create the configured devices, addresses, neighbors and groups
  4. Attach frame I/O (pcap replay/record or AF_PACKET)
  5. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)

Examples:
  netcore run -c config.yml
  netcore run -c replay.yml --drain    # exit once the capture file is replayed`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDaemon(cmd.Context()); err != nil {
			slog.Error("daemon failed", "error", err)
			os.Exit(1)
		}
	},
}

var (
	pidFile string
	drain   bool
)

func init() {
	runCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (disabled when empty)")
	runCmd.Flags().BoolVar(&drain, "drain", false,
		"stop once every capture input is exhausted")
}

func runDaemon(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	d, err := daemon.New(daemon.Options{ConfigPath: configFile, PIDFile: pidFile, Drain: drain})
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	return d.Run(ctx)
}
