// Package index loads trace records into SQLite so call sites can be
// queried across many captures.
package index

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"firestige.xyz/fieldtrace/internal/core"
	"firestige.xyz/fieldtrace/internal/sink"
)

// SQLite schema version for migrations.
const schemaVersion = 1

// Index is a SQLite database of traces and their fields.
type Index struct {
	db   *sql.DB
	path string
}

// SiteSummary aggregates every field one call site produced.
type SiteSummary struct {
	Site      core.CallSiteID `json:"site" yaml:"site"`
	Fields    int             `json:"fields" yaml:"fields"`
	Traces    int             `json:"traces" yaml:"traces"`
	Kinds     []string        `json:"kinds" yaml:"kinds"`
	MinOffset uint64          `json:"min_offset" yaml:"min_offset"`
	MaxOffset uint64          `json:"max_offset" yaml:"max_offset"`
}

// Open opens or creates the index at path.
func Open(path string) (*Index, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	idx := &Index{db: db, path: path}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return idx, nil
}

// Close closes the database.
func (x *Index) Close() error {
	return x.db.Close()
}

// Path returns the database file path.
func (x *Index) Path() string {
	return x.path
}

func (x *Index) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT
);

CREATE TABLE IF NOT EXISTS traces (
	id               TEXT PRIMARY KEY,
	direction        TEXT NOT NULL,
	recorded_at_ns   INTEGER NOT NULL,
	fields           INTEGER NOT NULL,
	gaps             INTEGER NOT NULL,
	length           INTEGER NOT NULL,
	terminating_site INTEGER,
	aborted_site     INTEGER,
	data_len         INTEGER NOT NULL DEFAULT 0,
	source           TEXT
);

CREATE TABLE IF NOT EXISTS fields (
	trace_id  TEXT NOT NULL,
	position  INTEGER NOT NULL,
	offset    INTEGER NOT NULL,
	kind      TEXT NOT NULL,
	byte_len  INTEGER NOT NULL,
	origin    INTEGER,
	PRIMARY KEY (trace_id, position),
	FOREIGN KEY (trace_id) REFERENCES traces(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_traces_direction ON traces(direction);
CREATE INDEX IF NOT EXISTS idx_fields_origin ON fields(origin);
`
	if _, err := x.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	_, err := x.db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`,
		"schema_version", fmt.Sprintf("%d", schemaVersion))
	return err
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// AddRecord inserts rec. A record already present (same id) is skipped and
// reported as not added.
func (x *Index) AddRecord(rec sink.Record, source string) (bool, error) {
	tx, err := x.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	added, err := insertRecord(tx, rec, source)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return added, nil
}

// AddFile indexes every complete record of a trace file in one transaction.
// A truncated final record is skipped.
func (x *Index) AddFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open record file %q: %w", path, err)
	}
	defer f.Close()

	tx, err := x.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rd := sink.NewReader(f)
	added := 0
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("%s: %w", path, err)
		}
		ok, err := insertRecord(tx, rec, path)
		if err != nil {
			return 0, err
		}
		if ok {
			added++
		}
	}

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`,
		"indexed_at", time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return 0, fmt.Errorf("update meta: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return added, nil
}

func insertRecord(tx execer, rec sink.Record, source string) (bool, error) {
	tr := rec.Trace
	res, err := tx.Exec(`INSERT OR IGNORE INTO traces
		(id, direction, recorded_at_ns, fields, gaps, length, terminating_site, aborted_site, data_len, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(),
		string(rec.Direction),
		rec.RecordedAt.UnixNano(),
		len(tr.Fields)-tr.Gaps(),
		tr.Gaps(),
		int64(tr.LastKnownOffset),
		siteValue(tr.TerminatingSite),
		siteValue(tr.AbortedSite),
		len(rec.Data),
		source,
	)
	if err != nil {
		return false, fmt.Errorf("insert trace %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	for i, f := range tr.Fields {
		if _, err := tx.Exec(`INSERT INTO fields (trace_id, position, offset, kind, byte_len, origin)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID.String(), i, int64(f.Offset), f.Kind.String(), int64(f.Extent()), siteValue(f.Origin),
		); err != nil {
			return false, fmt.Errorf("insert field %d of trace %s: %w", i, rec.ID, err)
		}
	}
	return true, nil
}

// siteValue stores a call site as its int64 bit pattern; SQLite has no
// unsigned 64-bit integer.
func siteValue(site *core.CallSiteID) any {
	if site == nil {
		return nil
	}
	return int64(*site)
}

// TraceCount returns the number of indexed traces. An empty dir counts both.
func (x *Index) TraceCount(dir core.Direction) (int, error) {
	var n int
	var err error
	if dir == "" {
		err = x.db.QueryRow(`SELECT COUNT(*) FROM traces`).Scan(&n)
	} else {
		err = x.db.QueryRow(`SELECT COUNT(*) FROM traces WHERE direction = ?`, string(dir)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	return n, nil
}

// Sites summarizes observed fields per call site, most active first.
// An empty dir covers both directions.
func (x *Index) Sites(dir core.Direction) ([]SiteSummary, error) {
	query := `
SELECT f.origin, COUNT(*), COUNT(DISTINCT f.trace_id), GROUP_CONCAT(DISTINCT f.kind), MIN(f.offset), MAX(f.offset)
FROM fields f JOIN traces t ON t.id = f.trace_id
WHERE f.origin IS NOT NULL AND (? = '' OR t.direction = ?)
GROUP BY f.origin
ORDER BY COUNT(*) DESC, f.origin ASC`

	rows, err := x.db.Query(query, string(dir), string(dir))
	if err != nil {
		return nil, fmt.Errorf("query sites: %w", err)
	}
	defer rows.Close()

	var out []SiteSummary
	for rows.Next() {
		var (
			origin, minOff, maxOff int64
			kinds                  string
			s                      SiteSummary
		)
		if err := rows.Scan(&origin, &s.Fields, &s.Traces, &kinds, &minOff, &maxOff); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		s.Site = core.CallSiteID(uint64(origin))
		s.MinOffset = uint64(minOff)
		s.MaxOffset = uint64(maxOff)
		s.Kinds = strings.Split(kinds, ",")
		sort.Strings(s.Kinds)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Meta returns a metadata value, or "" if unset.
func (x *Index) Meta(key string) (string, error) {
	var v string
	err := x.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}
