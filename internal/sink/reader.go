package sink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// Reader decodes records written by FileSink.
type Reader struct {
	r    *bufio.Reader
	line int
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next record, or io.EOF after the last one.
// A final line cut short by a crash yields io.ErrUnexpectedEOF.
func (rd *Reader) Next() (Record, error) {
	for {
		raw, err := rd.r.ReadBytes('\n')
		if len(raw) == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				return Record{}, io.EOF
			}
			return Record{}, err
		}
		rd.line++

		truncated := errors.Is(err, io.EOF)
		if err != nil && !truncated {
			return Record{}, err
		}

		line := bytes.TrimSpace(raw)
		line = bytes.TrimSuffix(line, []byte(","))
		if len(line) == 0 {
			if truncated {
				return Record{}, io.EOF
			}
			continue
		}

		var rec Record
		if uerr := json.Unmarshal(line, &rec); uerr != nil {
			if truncated {
				return Record{}, fmt.Errorf("line %d: %w", rd.line, io.ErrUnexpectedEOF)
			}
			return Record{}, fmt.Errorf("line %d: decode record: %w", rd.line, uerr)
		}
		return rec, nil
	}
}

// ReadAll drains the reader.
func (rd *Reader) ReadAll() ([]Record, error) {
	var out []Record
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// ReadFile loads every complete record in path.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open record file %q: %w", path, err)
	}
	defer f.Close()

	recs, err := NewReader(f).ReadAll()
	if err != nil {
		return recs, fmt.Errorf("read record file %q: %w", path, err)
	}
	return recs, nil
}
