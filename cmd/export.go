package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/fieldtrace/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export -w OUT FILE...",
	Short: "Export recorded payloads to pcapng",
	Long: `Write the raw payload of every matching record to a pcapng file, one
interface per direction, so packets can be browsed in Wireshark. Records
recorded without raw data are skipped.

Examples:
  fieldtrace export -w session.pcapng send_packets.txt recv_packets.txt
  fieldtrace export -w errors.pcapng recv_packets.txt -Y 'aborted'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExport(cmd.OutOrStdout(), cmd.ErrOrStderr(), exportOutput, args, exportFilter)
	},
}

var (
	exportOutput string
	exportFilter []string
)

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "write", "w", "", "output pcapng file (required)")
	exportCmd.Flags().StringArrayVarP(&exportFilter, "filter", "Y", nil, "record filter expression (repeat to AND)")
	exportCmd.MarkFlagRequired("write")
}

func runExport(out, errOut io.Writer, output string, files, expressions []string) error {
	recs, err := loadRecords(files, expressions, errOut)
	if err != nil {
		return err
	}

	n, err := export.WriteFile(output, recs)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %d packet(s) to %s (%d record(s) without data skipped)\n",
		n, output, len(recs)-n)
	return nil
}
