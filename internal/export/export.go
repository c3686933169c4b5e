// Package export writes a consolidated table to disk. The format follows the
// file extension: .csv, .xlsx or .parquet.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/consolida/internal/frame"
)

// Format is an output file format.
type Format string

const (
	CSV     Format = "csv"
	XLSX    Format = "xlsx"
	Parquet Format = "parquet"
)

// FormatFor picks the format from the extension of path.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return CSV, nil
	case ".xlsx":
		return XLSX, nil
	case ".parquet":
		return Parquet, nil
	}
	return "", fmt.Errorf("unsupported output extension %q: want .csv, .xlsx or .parquet", filepath.Ext(path))
}

// WriteFile writes t to path, creating parent directories.
func WriteFile(path string, t *frame.Table) error {
	format, err := FormatFor(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := Write(f, format, t); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// Write encodes t to w in the given format.
func Write(w io.Writer, format Format, t *frame.Table) error {
	switch format {
	case CSV:
		return WriteCSV(w, t)
	case XLSX:
		return WriteXLSX(w, t)
	case Parquet:
		return WriteParquet(w, t)
	}
	return fmt.Errorf("unsupported format %q", format)
}

// WriteCSV writes a header line and one line per row. Nulls become empty
// fields.
func WriteCSV(w io.Writer, t *frame.Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns()); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}
	rec := make([]string, t.NumColumns())
	for _, row := range t.Rows() {
		for i, v := range row.Values() {
			rec[i] = cell(v)
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("writing CSV row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func cell(v any) string {
	if v == nil {
		return ""
	}
	return frame.FormatValue(v)
}
