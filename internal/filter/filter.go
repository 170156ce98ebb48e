// Package filter selects persisted trace records with expr-lang expressions.
package filter

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"firestige.xyz/fieldtrace/internal/core"
	"firestige.xyz/fieldtrace/internal/sink"
)

// RecordEnv is the environment an expression is evaluated against.
type RecordEnv struct {
	ID        string  `expr:"id"`
	Direction string  `expr:"direction"`
	Send      bool    `expr:"send"`
	Recv      bool    `expr:"recv"`
	Timestamp float64 `expr:"ts"` // seconds since epoch

	Fields  int      `expr:"fields"` // observed fields
	Gaps    int      `expr:"gaps"`
	Length  uint64   `expr:"length"` // end offset of the last field
	Kinds   []string `expr:"kinds"`
	Origins []uint64 `expr:"origins"`

	Aborted     bool   `expr:"aborted"`
	Complete    bool   `expr:"complete"`
	Site        uint64 `expr:"site"`         // terminating site, 0 if none
	AbortedSite uint64 `expr:"aborted_site"` // 0 if none

	HasData bool `expr:"has_data"`
	DataLen int  `expr:"data_len"`
	Opcode  int  `expr:"opcode"` // first two payload bytes, little endian; -1 without payload
}

// Filter is a compiled expression.
type Filter struct {
	source  string
	program *vm.Program
}

// Compile compiles expression. An empty expression matches every record.
func Compile(expression string) (*Filter, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return &Filter{}, nil
	}

	program, err := expr.Compile(expression, expr.Env(RecordEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter '%s': %w", expression, err)
	}
	return &Filter{source: expression, program: program}, nil
}

// String returns the source expression.
func (f *Filter) String() string { return f.source }

// Match reports whether rec satisfies the filter. Evaluation errors count as
// no match.
func (f *Filter) Match(rec sink.Record) bool {
	ok, err := f.Eval(rec)
	return err == nil && ok
}

// Eval evaluates the filter against rec.
func (f *Filter) Eval(rec sink.Record) (bool, error) {
	if f.program == nil {
		return true, nil
	}
	result, err := expr.Run(f.program, NewEnv(rec))
	if err != nil {
		return false, fmt.Errorf("evaluate filter '%s': %w", f.source, err)
	}
	b, _ := result.(bool)
	return b, nil
}

// NewEnv flattens rec into a RecordEnv.
func NewEnv(rec sink.Record) RecordEnv {
	tr := rec.Trace
	env := RecordEnv{
		ID:        rec.ID.String(),
		Direction: string(rec.Direction),
		Send:      rec.Direction == core.Outbound,
		Recv:      rec.Direction == core.Inbound,
		Gaps:      tr.Gaps(),
		Length:    tr.LastKnownOffset,
		Aborted:   tr.Aborted(),
		Complete:  tr.Complete(),
		HasData:   len(rec.Data) > 0,
		DataLen:   len(rec.Data),
		Opcode:    -1,
		Kinds:     []string{},
		Origins:   []uint64{},
	}
	if !rec.RecordedAt.IsZero() {
		env.Timestamp = float64(rec.RecordedAt.UnixNano()) / 1e9
	}
	for _, f := range tr.Fields {
		if f.IsGap() {
			continue
		}
		env.Fields++
		env.Kinds = append(env.Kinds, f.Kind.String())
		env.Origins = append(env.Origins, uint64(*f.Origin))
	}
	if tr.TerminatingSite != nil {
		env.Site = uint64(*tr.TerminatingSite)
	}
	if tr.AbortedSite != nil {
		env.AbortedSite = uint64(*tr.AbortedSite)
	}
	if len(rec.Data) >= 2 {
		env.Opcode = int(binary.LittleEndian.Uint16(rec.Data))
	}
	return env
}
