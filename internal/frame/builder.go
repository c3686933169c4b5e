package frame

import "fmt"

// Builder accumulates rows for a new table. The first error is sticky and
// reported by Table.
type Builder struct {
	columns []string
	rows    [][]any
	err     error
}

// NewBuilder starts a table with the given column names.
func NewBuilder(columns ...string) *Builder {
	b := &Builder{columns: append([]string(nil), columns...)}
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		if seen[c] {
			b.err = fmt.Errorf("duplicate column %q", c)
			break
		}
		seen[c] = true
	}
	return b
}

// Append adds one row. Missing trailing values are null.
func (b *Builder) Append(values ...any) *Builder {
	if b.err != nil {
		return b
	}
	if len(values) > len(b.columns) {
		b.err = fmt.Errorf("row %d has %d values for %d columns", len(b.rows), len(values), len(b.columns))
		return b
	}
	row := make([]any, len(b.columns))
	for i, v := range values {
		row[i] = Normalize(v)
	}
	b.rows = append(b.rows, row)
	return b
}

// Len returns the number of rows appended so far.
func (b *Builder) Len() int { return len(b.rows) }

// Table returns the built table. The builder must not be used afterwards.
func (b *Builder) Table() (*Table, error) {
	if b.err != nil {
		return nil, b.err
	}
	t := newTable(b.columns, b.rows)
	b.rows = nil
	return t, nil
}
