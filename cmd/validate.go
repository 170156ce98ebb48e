package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/fieldtrace/internal/core"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load and validate the configuration without starting the daemon, then print
the effective trace file of each direction.

Examples:
  fieldtrace validate -c /etc/fieldtrace/config.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd.OutOrStdout())
	},
}

func runValidate(out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}

	source := configFile
	if source == "" {
		source = "built-in defaults"
	}
	fmt.Fprintf(out, "VALID: %s\n", source)
	for _, dir := range core.Directions {
		dc := cfg.Tracing.For(dir)
		fmt.Fprintf(out, "  %s: %s (raw data: %t)\n", dir.Short(), dc.Path, dc.IncludeRawData)
	}
	fmt.Fprintf(out, "  socket: %s\n", cfg.Control.Socket)
	fmt.Fprintf(out, "  index: %s\n", cfg.Index.Path)
	return nil
}
