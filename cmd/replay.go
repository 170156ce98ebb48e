package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/fieldtrace/internal/config"
	"firestige.xyz/fieldtrace/internal/observer"
	"firestige.xyz/fieldtrace/internal/recorder"
	"firestige.xyz/fieldtrace/internal/registry"
	"firestige.xyz/fieldtrace/internal/replay"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a scripted event sequence into the recorders",
	Long: `Replay a JSON or YAML script of observer events (write, read, ready,
transmit, receive, abort) into the configured trace files, without a daemon.
With --dry-run the traces are kept in memory and only counters are printed.

Examples:
  fieldtrace replay -f login.yaml
  fieldtrace replay -f capture.json --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runReplay(cmd.OutOrStdout(), cfg.Tracing, replayFile, replayDryRun)
	},
}

var (
	replayFile   string
	replayDryRun bool
)

func init() {
	replayCmd.Flags().StringVarP(&replayFile, "file", "f", "", "script file, .json/.yaml/.yml (required)")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "keep traces in memory instead of writing files")
	replayCmd.MarkFlagRequired("file")
}

type replayReport struct {
	Script    string           `yaml:"script"`
	DryRun    bool             `yaml:"dry_run"`
	Result    replay.Result    `yaml:"result"`
	Recorders []recorder.Stats `yaml:"recorders"`
}

func runReplay(out io.Writer, tracing config.TracingConfig, path string, dryRun bool) error {
	sc, err := replay.Load(path)
	if err != nil {
		return err
	}

	var opts []registry.Option
	if dryRun {
		opts = append(opts, registry.WithSinkFactory(registry.MemorySinkFactory))
	}
	reg := registry.New(tracing, opts...)
	obs := observer.New(reg, nil)

	res, runErr := replay.Run(obs, sc.Steps)
	report := replayReport{
		Script:    sc.Name,
		DryRun:    dryRun,
		Result:    res,
		Recorders: reg.Stats(),
	}
	closeErr := reg.Close()

	if err := yaml.NewEncoder(out).Encode(report); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("replay %s: %w", sc.Name, runErr)
	}
	return closeErr
}
