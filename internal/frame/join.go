package frame

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// JoinMode selects which unmatched rows a join keeps.
type JoinMode string

const (
	Inner JoinMode = "inner"
	Outer JoinMode = "outer"
	Left  JoinMode = "left"
	Right JoinMode = "right"
)

// DefaultJoin is the mode used when none is configured.
const DefaultJoin = Outer

// DefaultMaxRows caps the size of a join result.
const DefaultMaxRows = 5_000_000

var (
	// ErrEmptyInput is returned when there are no tables to combine.
	ErrEmptyInput = errors.New("no tables to combine")
	// ErrTypeMismatch is returned when key columns hold incompatible kinds.
	ErrTypeMismatch = errors.New("key column types do not match")
	// ErrCardinality is returned when a join would exceed the row cap.
	ErrCardinality = errors.New("join result exceeds row limit")
	// ErrDuplicateColumn is returned when suffixing overlapping names would
	// produce a name already in the result.
	ErrDuplicateColumn = errors.New("duplicate column name")
)

// ParseJoinMode validates a join mode name.
func ParseJoinMode(s string) (JoinMode, error) {
	switch m := JoinMode(strings.ToLower(strings.TrimSpace(s))); m {
	case Inner, Outer, Left, Right:
		return m, nil
	case "":
		return DefaultJoin, nil
	}
	return "", fmt.Errorf("invalid join mode %q: want one of inner, outer, left, right", s)
}

// MergeError reports a failed step of a sequential merge. Step 1 joins the
// first two tables.
type MergeError struct {
	Step int
	Keys []string
	Err  error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge step %d on [%s]: %v", e.Step, strings.Join(e.Keys, ", "), e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

// Merger joins and stacks tables. The zero value uses DefaultMaxRows.
type Merger struct {
	MaxRows int
}

func (m Merger) maxRows() int {
	if m.MaxRows <= 0 {
		return DefaultMaxRows
	}
	return m.MaxRows
}

// Join combines left and right on the key columns. Output columns are the
// left columns followed by the right non-key columns; non-key names present
// on both sides get "_x" and "_y" suffixes. Rows follow the driving side
// (left, or right for Right joins); an outer join appends unmatched right
// rows at the end. Null keys match each other. A suffixed name that
// already exists fails with ErrDuplicateColumn.
func Join(left, right *Table, on []string, how JoinMode) (*Table, error) {
	return Merger{}.Join(left, right, on, how)
}

func (m Merger) Join(left, right *Table, on []string, how JoinMode) (*Table, error) {
	switch how {
	case Inner, Outer, Left, Right:
	default:
		return nil, fmt.Errorf("invalid join mode %q", how)
	}
	if len(on) == 0 {
		return nil, errors.New("join needs at least one key column")
	}

	lk := make([]int, len(on))
	rk := make([]int, len(on))
	isKey := make(map[string]bool, len(on))
	for i, k := range on {
		li, lok := left.index[k]
		ri, rok := right.index[k]
		if !lok || !rok {
			return nil, fmt.Errorf("key column %q missing from one side", k)
		}
		if lkind, rkind := left.kindAt(li), right.kindAt(ri); !compatible(lkind, rkind) {
			return nil, fmt.Errorf("%w: %q is %s on the left and %s on the right", ErrTypeMismatch, k, lkind, rkind)
		}
		lk[i], rk[i] = li, ri
		isKey[k] = true
	}

	var rightExtra []int
	for j, c := range right.columns {
		if !isKey[c] {
			rightExtra = append(rightExtra, j)
		}
	}

	cols := make([]string, 0, len(left.columns)+len(rightExtra))
	for _, c := range left.columns {
		if !isKey[c] && right.HasColumn(c) {
			c += "_x"
		}
		cols = append(cols, c)
	}
	for _, j := range rightExtra {
		c := right.columns[j]
		if left.HasColumn(c) {
			c += "_y"
		}
		cols = append(cols, c)
	}
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		if seen[c] {
			return nil, fmt.Errorf("%w: %q after suffixing overlapping columns", ErrDuplicateColumn, c)
		}
		seen[c] = true
	}

	limit := m.maxRows()
	var rows [][]any
	emit := func(l, r []any, fromRight bool) error {
		if len(rows) >= limit {
			return fmt.Errorf("%w (%d rows)", ErrCardinality, limit)
		}
		row := make([]any, len(cols))
		if l != nil {
			copy(row, l)
		} else if fromRight {
			for i, li := range lk {
				row[li] = r[rk[i]]
			}
		}
		if r != nil {
			for k, j := range rightExtra {
				row[len(left.columns)+k] = r[j]
			}
		}
		rows = append(rows, row)
		return nil
	}

	if how == Right {
		leftIdx := buildIndex(left, lk)
		for _, r := range right.rows {
			matches := leftIdx[rowKey(r, rk)]
			if len(matches) == 0 {
				if err := emit(nil, r, true); err != nil {
					return nil, err
				}
				continue
			}
			for _, li := range matches {
				if err := emit(left.rows[li], r, false); err != nil {
					return nil, err
				}
			}
		}
		return newTable(cols, rows), nil
	}

	rightIdx := buildIndex(right, rk)
	matched := make([]bool, len(right.rows))
	for _, l := range left.rows {
		matches := rightIdx[rowKey(l, lk)]
		if len(matches) == 0 {
			if how == Inner {
				continue
			}
			if err := emit(l, nil, false); err != nil {
				return nil, err
			}
			continue
		}
		for _, ri := range matches {
			matched[ri] = true
			if err := emit(l, right.rows[ri], false); err != nil {
				return nil, err
			}
		}
	}
	if how == Outer {
		for ri, r := range right.rows {
			if matched[ri] {
				continue
			}
			if err := emit(nil, r, true); err != nil {
				return nil, err
			}
		}
	}
	return newTable(cols, rows), nil
}

func buildIndex(t *Table, idx []int) map[string][]int {
	m := make(map[string][]int, len(t.rows))
	for i, r := range t.rows {
		k := rowKey(r, idx)
		m[k] = append(m[k], i)
	}
	return m
}

// Concat stacks tables vertically. Columns are the union in first-seen
// order and cells missing from a table are null.
func Concat(tables ...*Table) *Table {
	var cols []string
	pos := make(map[string]int)
	for _, t := range tables {
		for _, c := range t.columns {
			if _, ok := pos[c]; !ok {
				pos[c] = len(cols)
				cols = append(cols, c)
			}
		}
	}
	var rows [][]any
	for _, t := range tables {
		for _, r := range t.rows {
			row := make([]any, len(cols))
			for j, c := range t.columns {
				row[pos[c]] = r[j]
			}
			rows = append(rows, row)
		}
	}
	return newTable(cols, rows)
}

// CommonColumns returns the column names present in every table, sorted.
func CommonColumns(tables []*Table) []string {
	if len(tables) == 0 {
		return nil
	}
	var common []string
	for _, c := range tables[0].columns {
		shared := true
		for _, t := range tables[1:] {
			if !t.HasColumn(c) {
				shared = false
				break
			}
		}
		if shared {
			common = append(common, c)
		}
	}
	sort.Strings(common)
	return common
}

// MergeOrConcat combines tables into one: when they share columns it joins
// them left to right on the shared columns, otherwise it stacks them. A
// single table is returned as a copy. Inputs are never modified.
func MergeOrConcat(tables []*Table, how JoinMode) (*Table, error) {
	return Merger{}.MergeOrConcat(tables, how)
}

func (m Merger) MergeOrConcat(tables []*Table, how JoinMode) (*Table, error) {
	switch how {
	case Inner, Outer, Left, Right:
	default:
		return nil, fmt.Errorf("invalid join mode %q", how)
	}
	if len(tables) == 0 {
		return nil, ErrEmptyInput
	}
	for i, t := range tables {
		if t == nil {
			return nil, fmt.Errorf("table %d is nil", i)
		}
	}
	if len(tables) == 1 {
		return tables[0].Clone(), nil
	}

	keys := CommonColumns(tables)
	if len(keys) == 0 {
		return Concat(tables...), nil
	}

	acc := tables[0]
	for i, next := range tables[1:] {
		joined, err := m.Join(acc, next, keys, how)
		if err != nil {
			return nil, &MergeError{Step: i + 1, Keys: keys, Err: err}
		}
		acc = joined
	}
	return acc, nil
}
