package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/fieldtrace/internal/sink"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect FILE...",
	Short: "Print recorded traces",
	Long: `Print the traces stored in one or more record files.

Records can be selected with an expression over id, direction, send, recv, ts,
fields, gaps, length, kinds, origins, aborted, complete, site, aborted_site,
has_data, data_len and opcode.

Examples:
  fieldtrace inspect send_packets.txt
  fieldtrace inspect recv_packets.txt -Y 'opcode == 0x12 && gaps > 0'
  fieldtrace inspect send_packets.txt recv_packets.txt -T yaml -n 5`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(cmd.OutOrStdout(), cmd.ErrOrStderr(), args, inspectFilter, inspectFormat, inspectCount)
	},
}

var (
	inspectFilter []string
	inspectFormat string
	inspectCount  int
)

func init() {
	inspectCmd.Flags().StringArrayVarP(&inspectFilter, "filter", "Y", nil, "record filter expression (repeat to AND)")
	inspectCmd.Flags().StringVarP(&inspectFormat, "format", "T", "text", "output format: text, json or yaml")
	inspectCmd.Flags().IntVarP(&inspectCount, "count", "n", 0, "stop after this many records (0 = all)")
}

func runInspect(out, errOut io.Writer, files, expressions []string, format string, limit int) error {
	recs, err := loadRecords(files, expressions, errOut)
	if err != nil {
		return err
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}

	switch format {
	case "text":
		for _, rec := range recs {
			writeRecordText(out, rec)
		}
		return nil
	case "json":
		if recs == nil {
			recs = []sink.Record{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(recs); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
	}
}

func writeRecordText(out io.Writer, rec sink.Record) {
	tr := rec.Trace
	state := "open"
	switch {
	case tr.AbortedSite != nil:
		state = "aborted at " + tr.AbortedSite.String()
	case tr.TerminatingSite != nil:
		state = "complete at " + tr.TerminatingSite.String()
	}

	fmt.Fprintf(out, "%s %s %s fields=%d gaps=%d length=%d data=%d %s\n",
		rec.RecordedAt.Format(time.RFC3339Nano), rec.Direction.Short(), rec.ID,
		tr.Len()-tr.Gaps(), tr.Gaps(), tr.LastKnownOffset, len(rec.Data), state)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, f := range tr.Fields {
		origin := "(gap)"
		if f.Origin != nil {
			origin = f.Origin.String()
		}
		fmt.Fprintf(tw, "  +%04d\t%s\t%d\t%s\n", f.Offset, f.Kind, f.Extent(), origin)
	}
	tw.Flush()
}
