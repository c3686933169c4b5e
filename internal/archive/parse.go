package archive

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kalambet/consolida/internal/frame"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func parseEntry(format Format, data []byte) (*frame.Table, error) {
	switch format {
	case FormatCSV:
		return parseCSV(data)
	case FormatXLSX:
		return parseXLSX(data)
	}
	return nil, fmt.Errorf("unsupported format %q", format)
}

func parseCSV(data []byte) (*frame.Table, error) {
	data = bytes.TrimPrefix(data, utf8BOM)

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = sniffDelimiter(data)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("no columns to parse")
	}
	if err != nil {
		return nil, err
	}

	cols := normalizeHeader(header, len(header))
	b := frame.NewBuilder(cols...)
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) > len(cols) {
			return nil, fmt.Errorf("line %d: expected %d fields, saw %d", line, len(cols), len(rec))
		}
		b.Append(inferRow(rec)...)
	}
	return b.Table()
}

// sniffDelimiter picks the most frequent of comma, semicolon and tab on the
// header line, outside quotes. Comma wins ties.
func sniffDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	counts := map[rune]int{}
	inQuote := false
	for _, c := range string(line) {
		switch {
		case c == '"':
			inQuote = !inQuote
		case !inQuote && (c == ',' || c == ';' || c == '\t'):
			counts[c]++
		}
	}
	best := ','
	for _, c := range []rune{';', '\t'} {
		if counts[c] > counts[best] {
			best = c
		}
	}
	return best
}

func parseXLSX(data []byte) (*frame.Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("reading sheet %q: %w", sheets[0], err)
	}

	var body [][]string
	for _, r := range rows {
		if !blankRow(r) {
			body = append(body, r)
		}
	}
	if len(body) == 0 {
		return frame.NewBuilder().Table()
	}

	width := 0
	for _, r := range body {
		if len(r) > width {
			width = len(r)
		}
	}
	b := frame.NewBuilder(normalizeHeader(body[0], width)...)
	for _, r := range body[1:] {
		b.Append(inferRow(r)...)
	}
	return b.Table()
}

func blankRow(r []string) bool {
	for _, c := range r {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// normalizeHeader pads the header to width, names blank columns
// "Unnamed: N" and suffixes repeated names with ".1", ".2".
func normalizeHeader(raw []string, width int) []string {
	cols := make([]string, width)
	used := make(map[string]bool, width)
	for i := 0; i < width; i++ {
		base := ""
		if i < len(raw) {
			base = strings.TrimSpace(raw[i])
		}
		if base == "" {
			base = "Unnamed: " + strconv.Itoa(i)
		}
		name := base
		for n := 1; used[name]; n++ {
			name = base + "." + strconv.Itoa(n)
		}
		used[name] = true
		cols[i] = name
	}
	return cols
}

func inferRow(rec []string) []any {
	out := make([]any, len(rec))
	for i, s := range rec {
		out[i] = inferCell(s)
	}
	return out
}

// inferCell types a raw cell. Integers with leading zeros stay strings so
// identifiers such as "00123" survive.
func inferCell(raw string) any {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if !looksNumeric(s) {
		return raw
	}
	digits := strings.TrimLeft(s, "+-")
	if len(digits) > 1 && digits[0] == '0' && digits[1] != '.' {
		return raw
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return raw
}

func looksNumeric(s string) bool {
	c := s[0]
	if c == '+' || c == '-' {
		if len(s) == 1 {
			return false
		}
		c = s[1]
	}
	return (c >= '0' && c <= '9') || c == '.'
}
