package filter

import "firestige.xyz/fieldtrace/internal/sink"

// Chain is a conjunction of filters: a record passes when every filter
// matches it. An empty chain passes everything.
type Chain struct {
	filters []*Filter
}

// NewChain compiles each expression in order. Empty expressions are skipped.
func NewChain(expressions []string) (*Chain, error) {
	c := &Chain{}
	for _, e := range expressions {
		f, err := Compile(e)
		if err != nil {
			return nil, err
		}
		if f.program == nil {
			continue
		}
		c.filters = append(c.filters, f)
	}
	return c, nil
}

// Filters returns the compiled filters.
func (c *Chain) Filters() []*Filter {
	return c.filters
}

// Match reports whether rec passes every filter.
func (c *Chain) Match(rec sink.Record) bool {
	for _, f := range c.filters {
		if !f.Match(rec) {
			return false
		}
	}
	return true
}

// Apply returns the records that pass, in order.
func (c *Chain) Apply(recs []sink.Record) []sink.Record {
	if len(c.filters) == 0 {
		return recs
	}
	var out []sink.Record
	for _, rec := range recs {
		if c.Match(rec) {
			out = append(out, rec)
		}
	}
	return out
}
