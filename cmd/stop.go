package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/fieldtrace/internal/command"
	"firestige.xyz/fieldtrace/internal/core"
	"firestige.xyz/fieldtrace/internal/daemon"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the fieldtrace daemon",
	Long: `Stop the fieldtrace daemon gracefully.

This command sends daemon_shutdown over the Unix Domain Socket. The daemon closes
its trace files and exits. When the socket is unreachable, SIGTERM is sent to the
process recorded in the PID file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := GetClient()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runStop(cmd.Context(), client, cfg.Control.PIDFile, cmd.OutOrStdout())
	},
}

var stopTimeout time.Duration

func init() {
	stopCmd.Flags().DurationVarP(&stopTimeout, "timeout", "t", 10*time.Second,
		"how long to wait for the process when stopping by PID")
}

// stopByPID is replaced in tests.
var stopByPID = daemon.StopByPID

func runStop(ctx context.Context, client ClientInterface, pidFile string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := client.Ping(ctx); err != nil {
		fmt.Fprintf(out, "socket unreachable (%v), stopping by PID file %s\n", err, pidFile)
		if err := stopByPID(pidFile, stopTimeout); err != nil {
			if errors.Is(err, core.ErrDaemonNotRunning) {
				return fmt.Errorf("daemon is not running: %w", err)
			}
			return fmt.Errorf("failed to stop daemon: %w", err)
		}
		fmt.Fprintln(out, "✓ Daemon stopped")
		return nil
	}

	resp, err := client.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("failed to send shutdown: %w", err)
	}
	if err := command.DecodeResult(resp, &map[string]interface{}{}); err != nil {
		return fmt.Errorf("daemon_shutdown failed: %w", err)
	}

	fmt.Fprintln(out, "✓ Daemon is shutting down")
	return nil
}
