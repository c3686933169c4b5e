package frame

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Render formats the first n rows as right-aligned text columns without a
// row index. A negative n renders every row.
func (t *Table) Render(n int) string {
	if n < 0 || n > len(t.rows) {
		n = len(t.rows)
	}
	if len(t.columns) == 0 {
		return fmt.Sprintf("Empty table\nColumns: []\nRows: %d", len(t.rows))
	}
	if n == 0 {
		return fmt.Sprintf("Empty table\nColumns: [%s]\nIndex: []", strings.Join(t.columns, ", "))
	}

	cells := make([][]string, n)
	widths := make([]int, len(t.columns))
	for j, c := range t.columns {
		widths[j] = utf8.RuneCountInString(c)
	}
	for i := 0; i < n; i++ {
		cells[i] = make([]string, len(t.columns))
		for j, v := range t.rows[i] {
			s := strings.ReplaceAll(FormatValue(v), "\n", " ")
			cells[i][j] = s
			if w := utf8.RuneCountInString(s); w > widths[j] {
				widths[j] = w
			}
		}
	}

	var sb strings.Builder
	writeLine := func(vals []string) {
		for j, v := range vals {
			if j > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(strings.Repeat(" ", widths[j]-utf8.RuneCountInString(v)))
			sb.WriteString(v)
		}
		sb.WriteByte('\n')
	}
	writeLine(t.columns)
	for _, row := range cells {
		writeLine(row)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// String renders the whole table.
func (t *Table) String() string { return t.Render(-1) }

// Info describes the table shape: entry count, and per column the non-null
// count and inferred kind.
func (t *Table) Info() string {
	var sb strings.Builder
	n := len(t.rows)
	if n == 0 {
		sb.WriteString("Index: 0 entries\n")
	} else {
		fmt.Fprintf(&sb, "RangeIndex: %d entries, 0 to %d\n", n, n-1)
	}
	fmt.Fprintf(&sb, "Data columns (total %d columns):\n", len(t.columns))

	nameWidth := len("Column")
	for _, c := range t.columns {
		if w := utf8.RuneCountInString(c); w > nameWidth {
			nameWidth = w
		}
	}
	fmt.Fprintf(&sb, " %3s  %-*s  %-14s  %s\n", "#", nameWidth, "Column", "Non-Null Count", "Dtype")
	counts := make(map[string]int)
	for j, c := range t.columns {
		nonNull := 0
		for _, r := range t.rows {
			if r[j] != nil {
				nonNull++
			}
		}
		k := t.kindAt(j).String()
		counts[k]++
		fmt.Fprintf(&sb, " %3d  %-*s  %-14s  %s\n", j, nameWidth, c, fmt.Sprintf("%d non-null", nonNull), k)
	}
	var kinds []string
	for _, k := range []Kind{KindBool, KindTime, KindFloat, KindInt, KindNull, KindMixed, KindString} {
		if c := counts[k.String()]; c > 0 {
			kinds = append(kinds, fmt.Sprintf("%s(%d)", k, c))
		}
	}
	fmt.Fprintf(&sb, "dtypes: %s", strings.Join(kinds, ", "))
	return sb.String()
}
