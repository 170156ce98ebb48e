package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/fieldtrace/internal/command"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and recorder status",
	Long: `Query the fieldtrace daemon for its overall status.

Shows: version, uptime, and per-direction recorder counters.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := GetClient()
		if err != nil {
			return err
		}
		return runStatus(cmd.Context(), client, cmd.OutOrStdout())
	},
}

func runStatus(ctx context.Context, client ClientInterface, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("daemon is not running or socket is inaccessible: %w", err)
	}

	daemonResp, err := client.DaemonStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to query daemon status: %w", err)
	}
	var daemonStatus map[string]interface{}
	if err := command.DecodeResult(daemonResp, &daemonStatus); err != nil {
		return fmt.Errorf("daemon_status failed: %w", err)
	}

	recResp, err := client.RecorderStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to query recorder status: %w", err)
	}
	var recStatus map[string]interface{}
	if err := command.DecodeResult(recResp, &recStatus); err != nil {
		return fmt.Errorf("recorder_status failed: %w", err)
	}

	daemonStatus["recorders"] = recStatus["recorders"]
	resultJSON, err := json.MarshalIndent(daemonStatus, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}

	fmt.Fprintln(out, string(resultJSON))
	return nil
}
