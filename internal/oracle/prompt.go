package oracle

import (
	"fmt"
	"strings"

	"github.com/kalambet/consolida/internal/dataset"
)

const systemPrompt = `You write Go code that consolidates workforce spreadsheets into a single table keyed by employee.

Your answer is the BODY of this function and nothing else:

    func consolidate(lista_df []dataset.Dataset) (df *frame.Table)

Rules:
- lista_df holds one record per spreadsheet with fields Index, SourceName, SchemaInfo and Rows (*frame.Table).
- Assign the consolidated table to df with "=" (never ":="). The function returns df.
- Do not write imports, package clauses or func main. Already imported: frame, dataset, fmt, strings, strconv, sort, math, time, unicode, errors.
- No file, network or process access is available.
- Keep the code short and direct. Panic on unexpected errors.

The frame package:
- frame.Join(left, right *frame.Table, on []string, how frame.JoinMode) (*frame.Table, error) with frame.Inner, frame.Outer, frame.Left, frame.Right
- frame.Concat(tables ...*frame.Table) *frame.Table
- frame.MergeOrConcat(tables []*frame.Table, how frame.JoinMode) (*frame.Table, error)
- frame.CommonColumns(tables []*frame.Table) []string
- frame.New(columns []string, rows [][]any) (*frame.Table, error)
- (*frame.Table): Columns() []string, Len() int, HasColumn(name) bool, Value(i int, col string) any, Column(name) ([]any, error),
  Select(cols ...string) (*frame.Table, error), Drop(cols ...string) *frame.Table, Rename(map[string]string) (*frame.Table, error),
  Filter(func(frame.Row) bool) *frame.Table, WithColumn(name string, fn func(frame.Row) any) *frame.Table,
  SortBy(cols ...string) (*frame.Table, error), Distinct(cols ...string) (*frame.Table, error), Head(n int) *frame.Table
- frame.Row: Get(col) any, String(col) string, Float(col) (float64, bool), Values() []any
Cells are nil, string, int64, float64, bool or time.Time. Tables are immutable; every method returns a new table.`

// BuildPrompt constructs the chat messages for one generation attempt.
func BuildPrompt(req Request) []Message {
	var sb strings.Builder
	sb.WriteString("Consolidate these spreadsheets into one table with one row per employee.\n")
	for _, s := range req.Samples {
		writeSample(&sb, s)
	}

	if req.PriorError != "" {
		sb.WriteString("\nYour previous attempt at this task failed.\n\n")
		fmt.Fprintf(&sb, "Error from attempt %d:\n%s\n\n", req.Attempt-1, req.PriorError)
		sb.WriteString("Analyze the error, adjust the code, and answer again with the complete function body.")
	}

	return []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

func writeSample(sb *strings.Builder, s dataset.Sample) {
	fmt.Fprintf(sb, "\n[lista_df[%d]] %s (%d rows)\n", s.Index, s.SourceName, s.RowCount)
	fmt.Fprintf(sb, "Columns: %s\n", strings.Join(s.Columns, ", "))
	if s.SchemaInfo != "" {
		fmt.Fprintf(sb, "Schema:\n%s\n", s.SchemaInfo)
	}
	if s.Preview != "" {
		fmt.Fprintf(sb, "First rows:\n%s\n", s.Preview)
	}
}
