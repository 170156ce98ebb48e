package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"firestige.xyz/fieldtrace/internal/core"
	"firestige.xyz/fieldtrace/internal/index"
)

var indexCmd = &cobra.Command{
	Use:   "index FILE...",
	Short: "Index record files into SQLite and summarize call sites",
	Long: `Load record files into the SQLite call-site index and print, per call site,
how many fields it produced, in how many traces, with which kinds and at which
offsets. Records already indexed are skipped, so files can be re-indexed as
they grow.

Examples:
  fieldtrace index send_packets.txt recv_packets.txt
  fieldtrace index -d traces.db --sites recv
  fieldtrace index -d traces.db recv_packets.txt --sites recv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db := indexDB
		if db == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db = cfg.Index.Path
		}
		return runIndex(cmd.OutOrStdout(), db, args, indexSites)
	},
}

var (
	indexDB    string
	indexSites string
)

func init() {
	indexCmd.Flags().StringVarP(&indexDB, "db", "d", "", "index database path (overrides index.path)")
	indexCmd.Flags().StringVar(&indexSites, "sites", "all", "call-site summary direction: all, send or recv")
}

func runIndex(out io.Writer, db string, files []string, sites string) error {
	var dir core.Direction
	if sites != "" && sites != "all" {
		d, err := core.ParseDirection(sites)
		if err != nil {
			return err
		}
		dir = d
	}

	idx, err := index.Open(db)
	if err != nil {
		return err
	}
	defer idx.Close()

	for _, path := range files {
		n, err := idx.AddFile(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "indexed %d new record(s) from %s\n", n, path)
	}

	total, err := idx.TraceCount(dir)
	if err != nil {
		return err
	}
	summary, err := idx.Sites(dir)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%d trace(s), %d call site(s)\n", total, len(summary))
	if len(summary) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SITE\tFIELDS\tTRACES\tKINDS\tOFFSETS")
	for _, s := range summary {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%d-%d\n",
			s.Site, s.Fields, s.Traces, strings.Join(s.Kinds, ","), s.MinOffset, s.MaxOffset)
	}
	return tw.Flush()
}
