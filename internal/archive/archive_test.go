package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"
)

type entry struct {
	name string
	body []byte
}

func buildZip(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatal(err)
		}
		if e.body != nil {
			if _, err := w.Write(e.body); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func buildXLSX(t *testing.T, rows ...[]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.SetSheetRow("Sheet1", cell, &r); err != nil {
			t.Fatal(err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestIngestFiltersAndIndexes(t *testing.T) {
	data := buildZip(t,
		entry{"ativos.xlsx", buildXLSX(t, []any{"matricula", "nome"}, []any{1, "Ana"}, []any{2, "Bruno"})},
		entry{"LEIAME.txt", []byte("ignore me")},
		entry{"docs/", nil},
		entry{"__MACOSX/._ferias.csv", []byte("junk")},
		entry{"sub/FERIAS.CSV", []byte("matricula;dias\n2;10\n3;5\n")},
	)
	path := writeFile(t, "base.zip", data)

	ds, err := New(Options{}).Ingest(context.Background(), path)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(ds) != 2 {
		t.Fatalf("len = %d, want 2", len(ds))
	}
	if ds[0].Index != 0 || ds[0].SourceName != "ativos.xlsx" {
		t.Errorf("ds[0] = %d %q", ds[0].Index, ds[0].SourceName)
	}
	if ds[1].Index != 1 || ds[1].SourceName != "sub/FERIAS.CSV" {
		t.Errorf("ds[1] = %d %q", ds[1].Index, ds[1].SourceName)
	}
	if got := ds[0].Rows.Value(1, "nome"); got != "Bruno" {
		t.Errorf("ativos nome = %v, want Bruno", got)
	}
	if got := ds[1].Rows.Value(0, "dias"); got != int64(10) {
		t.Errorf("ferias dias = %#v, want int64(10)", got)
	}
	if ds[1].SchemaInfo == "" {
		t.Error("SchemaInfo is empty")
	}
}

func TestIngestNoMatches(t *testing.T) {
	path := writeFile(t, "empty.zip", buildZip(t, entry{"notes.txt", []byte("x")}))
	ds, err := New(Options{}).Ingest(context.Background(), path)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(ds) != 0 {
		t.Errorf("len = %d, want 0", len(ds))
	}
}

func TestIngestNotFound(t *testing.T) {
	_, err := New(Options{}).Ingest(context.Background(), filepath.Join(t.TempDir(), "missing.zip"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestIngestCorrupt(t *testing.T) {
	path := writeFile(t, "bad.zip", []byte("definitely not a zip"))
	_, err := New(Options{}).Ingest(context.Background(), path)
	var ce *CorruptArchiveError
	if !errors.As(err, &ce) {
		t.Errorf("err = %v, want *CorruptArchiveError", err)
	}
}

func TestIngestParseErrorNamesEntry(t *testing.T) {
	data := buildZip(t,
		entry{"ok.csv", []byte("a,b\n1,2\n")},
		entry{"broken.csv", []byte("a,b\n1,2,3\n")},
	)
	_, err := New(Options{}).IngestBytes(context.Background(), "mem", data)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ParseError", err)
	}
	if pe.Entry != "broken.csv" {
		t.Errorf("Entry = %q, want broken.csv", pe.Entry)
	}
}

func TestIngestBareCSV(t *testing.T) {
	path := writeFile(t, "sindicato.csv", []byte("\xEF\xBB\xBFsindicato,valor\nSINDPD SP,37.5\n"))
	ds, err := New(Options{}).Ingest(context.Background(), path)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(ds) != 1 || ds[0].SourceName != "sindicato.csv" {
		t.Fatalf("ds = %+v", ds)
	}
	if got := ds[0].Rows.Columns()[0]; got != "sindicato" {
		t.Errorf("first column = %q, BOM not stripped", got)
	}
	if got := ds[0].Rows.Value(0, "valor"); got != 37.5 {
		t.Errorf("valor = %#v, want 37.5", got)
	}
}

func TestIngestURL(t *testing.T) {
	data := buildZip(t, entry{"a.csv", []byte("x\n1\n")})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/base.zip" {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	}))
	defer srv.Close()

	in := New(Options{})
	ds, err := in.Ingest(context.Background(), srv.URL+"/base.zip")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(ds) != 1 {
		t.Errorf("len = %d, want 1", len(ds))
	}

	_, err = in.Ingest(context.Background(), srv.URL+"/missing.zip")
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *FetchError", err)
	}
	if fe.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", fe.StatusCode)
	}
}

func TestIngestURLTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := New(Options{FetchTimeout: 50 * time.Millisecond}).Ingest(context.Background(), srv.URL+"/slow.zip")
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Errorf("err = %v, want *FetchError", err)
	}
}

func TestIngestURLTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 2048))
	}))
	defer srv.Close()

	_, err := New(Options{MaxBytes: 1024}).Ingest(context.Background(), srv.URL+"/big.zip")
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Errorf("err = %v, want *FetchError", err)
	}
}

func TestSniffDelimiter(t *testing.T) {
	tests := []struct {
		in   string
		want rune
	}{
		{"a,b,c\n1,2,3", ','},
		{"a;b;c\n1;2;3", ';'},
		{"a\tb\n1\t2", '\t'},
		{`"x;y",b` + "\n", ','},
		{"single\n", ','},
	}
	for _, tt := range tests {
		if got := sniffDelimiter([]byte(tt.in)); got != tt.want {
			t.Errorf("sniffDelimiter(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInferCell(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"", nil},
		{"  ", nil},
		{"42", int64(42)},
		{"-7", int64(-7)},
		{"3.5", 3.5},
		{"0.25", 0.25},
		{"00123", "00123"},
		{"TRUE", true},
		{"false", false},
		{"1.234,56", "1.234,56"},
		{"Ana", "Ana"},
		{"NaN", "NaN"},
	}
	for _, tt := range tests {
		if got := inferCell(tt.in); got != tt.want {
			t.Errorf("inferCell(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeHeader(t *testing.T) {
	got := normalizeHeader([]string{"a", "", "a", "a"}, 5)
	want := []string{"a", "Unnamed: 1", "a.1", "a.2", "Unnamed: 4"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("col %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDetect(t *testing.T) {
	for name, want := range map[string]bool{"a.XLSX": true, "b.csv": true, "c.xls": false, "d.txt": false} {
		if _, ok := Detect(name); ok != want {
			t.Errorf("Detect(%q) = %v, want %v", name, ok, want)
		}
	}
}
