package cmd

import (
	"errors"
	"fmt"
	"io"

	"firestige.xyz/fieldtrace/internal/filter"
	"firestige.xyz/fieldtrace/internal/sink"
)

// loadRecords reads the records in files that pass every expression. A
// truncated final record is reported on warn and skipped, as are records an
// expression fails to evaluate on.
func loadRecords(files []string, expressions []string, warn io.Writer) ([]sink.Record, error) {
	chain, err := filter.NewChain(expressions)
	if err != nil {
		return nil, err
	}

	var out []sink.Record
	for _, path := range files {
		recs, err := sink.ReadFile(path)
		if err != nil {
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, err
			}
			fmt.Fprintf(warn, "Warning: %v\n", err)
		}
		out = append(out, chain.Apply(recs)...)
	}
	return out, nil
}
