// Package frame holds the in-memory table type shared by ingestion, the
// deterministic merger, the sandbox and the exporters.
//
// Tables are immutable once built: every method returns a new table and
// never touches the receiver, so a table can be handed to untrusted code
// without copying.
package frame

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Table is a set of named columns with ordered rows. A cell is nil (null),
// string, int64, float64, bool or time.Time.
type Table struct {
	columns []string
	index   map[string]int
	rows    [][]any
}

func newTable(columns []string, rows [][]any) *Table {
	t := &Table{
		columns: columns,
		index:   make(map[string]int, len(columns)),
		rows:    rows,
	}
	for i, c := range columns {
		t.index[c] = i
	}
	return t
}

// New builds a table from column names and row values. Short rows are
// padded with nulls; long rows and duplicate column names are errors.
func New(columns []string, rows [][]any) (*Table, error) {
	b := NewBuilder(columns...)
	for _, r := range rows {
		b.Append(r...)
	}
	return b.Table()
}

// Columns returns a copy of the column names in order.
func (t *Table) Columns() []string {
	return append([]string(nil), t.columns...)
}

// NumColumns returns the number of columns.
func (t *Table) NumColumns() int { return len(t.columns) }

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Empty reports whether the table has no columns or no rows.
func (t *Table) Empty() bool { return t == nil || len(t.columns) == 0 || len(t.rows) == 0 }

func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Value returns the cell at row i in the named column, or nil when either
// is out of range.
func (t *Table) Value(i int, column string) any {
	c, ok := t.index[column]
	if !ok || i < 0 || i >= len(t.rows) {
		return nil
	}
	return t.rows[i][c]
}

// Row returns a read-only view of row i.
func (t *Table) Row(i int) Row {
	return Row{t: t, i: i}
}

// Rows returns a view of every row in order.
func (t *Table) Rows() []Row {
	out := make([]Row, len(t.rows))
	for i := range t.rows {
		out[i] = Row{t: t, i: i}
	}
	return out
}

// Column returns a copy of the named column's cells.
func (t *Table) Column(name string) ([]any, error) {
	c, ok := t.index[name]
	if !ok {
		return nil, fmt.Errorf("column %q not found", name)
	}
	out := make([]any, len(t.rows))
	for i, r := range t.rows {
		out[i] = r[c]
	}
	return out, nil
}

// Clone returns a deep copy of the table structure.
func (t *Table) Clone() *Table {
	rows := make([][]any, len(t.rows))
	for i, r := range t.rows {
		rows[i] = append([]any(nil), r...)
	}
	return newTable(t.Columns(), rows)
}

// Select returns a table with only the named columns, in the given order.
func (t *Table) Select(columns ...string) (*Table, error) {
	idx := make([]int, len(columns))
	seen := make(map[string]bool, len(columns))
	for i, c := range columns {
		j, ok := t.index[c]
		if !ok {
			return nil, fmt.Errorf("column %q not found", c)
		}
		if seen[c] {
			return nil, fmt.Errorf("column %q selected twice", c)
		}
		seen[c] = true
		idx[i] = j
	}
	rows := make([][]any, len(t.rows))
	for i, r := range t.rows {
		nr := make([]any, len(idx))
		for k, j := range idx {
			nr[k] = r[j]
		}
		rows[i] = nr
	}
	return newTable(append([]string(nil), columns...), rows), nil
}

// Drop returns a table without the named columns. Unknown names are ignored.
func (t *Table) Drop(columns ...string) *Table {
	drop := make(map[string]bool, len(columns))
	for _, c := range columns {
		drop[c] = true
	}
	var keep []string
	for _, c := range t.columns {
		if !drop[c] {
			keep = append(keep, c)
		}
	}
	out, _ := t.Select(keep...)
	return out
}

// Rename returns a table with columns renamed according to names. Renaming
// onto an existing column is an error.
func (t *Table) Rename(names map[string]string) (*Table, error) {
	cols := t.Columns()
	seen := make(map[string]bool, len(cols))
	for i, c := range cols {
		if n, ok := names[c]; ok {
			cols[i] = n
		}
		if seen[cols[i]] {
			return nil, fmt.Errorf("rename produces duplicate column %q", cols[i])
		}
		seen[cols[i]] = true
	}
	return newTable(cols, t.copyRows()), nil
}

// Filter returns the rows for which keep returns true.
func (t *Table) Filter(keep func(Row) bool) *Table {
	var rows [][]any
	for i, r := range t.rows {
		if keep(Row{t: t, i: i}) {
			rows = append(rows, append([]any(nil), r...))
		}
	}
	return newTable(t.Columns(), rows)
}

// WithColumn returns a table where the named column holds fn(row) for every
// row. An existing column is replaced in place; a new one is appended.
func (t *Table) WithColumn(name string, fn func(Row) any) *Table {
	cols := t.Columns()
	c, exists := t.index[name]
	if !exists {
		cols = append(cols, name)
		c = len(cols) - 1
	}
	rows := make([][]any, len(t.rows))
	for i, r := range t.rows {
		nr := make([]any, len(cols))
		copy(nr, r)
		nr[c] = Normalize(fn(Row{t: t, i: i}))
		rows[i] = nr
	}
	return newTable(cols, rows)
}

// Head returns the first n rows.
func (t *Table) Head(n int) *Table {
	if n < 0 {
		n = 0
	}
	if n > len(t.rows) {
		n = len(t.rows)
	}
	rows := make([][]any, n)
	for i := 0; i < n; i++ {
		rows[i] = append([]any(nil), t.rows[i]...)
	}
	return newTable(t.Columns(), rows)
}

// SortBy returns the rows stably ordered by the named columns, ascending.
// Nulls sort first.
func (t *Table) SortBy(columns ...string) (*Table, error) {
	idx := make([]int, len(columns))
	for i, c := range columns {
		j, ok := t.index[c]
		if !ok {
			return nil, fmt.Errorf("column %q not found", c)
		}
		idx[i] = j
	}
	rows := t.copyRows()
	sort.SliceStable(rows, func(a, b int) bool {
		for _, j := range idx {
			if c := Compare(rows[a][j], rows[b][j]); c != 0 {
				return c < 0
			}
		}
		return false
	})
	return newTable(t.Columns(), rows), nil
}

// Distinct drops rows whose values in the named columns repeat an earlier
// row. With no columns every column is compared.
func (t *Table) Distinct(columns ...string) (*Table, error) {
	if len(columns) == 0 {
		columns = t.columns
	}
	idx := make([]int, len(columns))
	for i, c := range columns {
		j, ok := t.index[c]
		if !ok {
			return nil, fmt.Errorf("column %q not found", c)
		}
		idx[i] = j
	}
	seen := make(map[string]bool, len(t.rows))
	var rows [][]any
	for _, r := range t.rows {
		k := rowKey(r, idx)
		if seen[k] {
			continue
		}
		seen[k] = true
		rows = append(rows, append([]any(nil), r...))
	}
	return newTable(t.Columns(), rows), nil
}

func (t *Table) copyRows() [][]any {
	rows := make([][]any, len(t.rows))
	for i, r := range t.rows {
		rows[i] = append([]any(nil), r...)
	}
	return rows
}

// Row is a read-only view of one table row.
type Row struct {
	t *Table
	i int
}

// Index returns the row position in its table.
func (r Row) Index() int { return r.i }

// Get returns the cell in the named column, or nil.
func (r Row) Get(column string) any { return r.t.Value(r.i, column) }

// String returns the cell formatted as text; nulls become "".
func (r Row) String(column string) string {
	v := r.Get(column)
	if v == nil {
		return ""
	}
	return FormatValue(v)
}

// Float returns the cell as a float64 when it is numeric or a numeric string.
func (r Row) Float(column string) (float64, bool) {
	switch v := r.Get(column).(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// Values returns a copy of the row's cells in column order.
func (r Row) Values() []any {
	return append([]any(nil), r.t.rows[r.i]...)
}

// Normalize converts Go values produced by callers into the cell types a
// table stores. Unsupported types are formatted as strings.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil, string, int64, float64, bool, time.Time:
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int16:
		return int64(x)
	case int8:
		return int64(x)
	case uint:
		return int64(x)
	case uint32:
		return int64(x)
	case uint16:
		return int64(x)
	case uint8:
		return int64(x)
	case float32:
		return float64(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
