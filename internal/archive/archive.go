// Package archive extracts spreadsheet tables from ZIP archives addressed by
// local path or URL.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/kalambet/consolida/internal/dataset"
	"github.com/kalambet/consolida/internal/frame"
)

const (
	defaultFetchTimeout = 60 * time.Second
	defaultMaxBytes     = 256 << 20
)

// Format is a supported spreadsheet entry format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Detect returns the format of an entry name by its extension, ignoring case.
func Detect(name string) (Format, bool) {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv":
		return FormatCSV, true
	case ".xlsx":
		return FormatXLSX, true
	}
	return "", false
}

// Options configures an Ingestor. Zero values select defaults.
type Options struct {
	FetchTimeout time.Duration
	// MaxBytes caps both a downloaded archive and any single decompressed entry.
	MaxBytes   int64
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Ingestor turns archives into datasets.
type Ingestor struct {
	client       *http.Client
	fetchTimeout time.Duration
	maxBytes     int64
	logger       *slog.Logger
}

func New(opts Options) *Ingestor {
	in := &Ingestor{
		client:       opts.HTTPClient,
		fetchTimeout: opts.FetchTimeout,
		maxBytes:     opts.MaxBytes,
		logger:       opts.Logger,
	}
	if in.client == nil {
		in.client = &http.Client{}
	}
	if in.fetchTimeout <= 0 {
		in.fetchTimeout = defaultFetchTimeout
	}
	if in.maxBytes <= 0 {
		in.maxBytes = defaultMaxBytes
	}
	if in.logger == nil {
		in.logger = slog.Default()
	}
	return in
}

// IsRemote reports whether source is an http(s) URL.
func IsRemote(source string) bool {
	u, err := url.Parse(source)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Ingest reads the archive at source, a local path or an http(s) URL, and
// parses every .xlsx and .csv entry in listing order. A bare .xlsx or .csv
// file is accepted as a one-entry archive.
func (in *Ingestor) Ingest(ctx context.Context, source string) ([]dataset.Dataset, error) {
	var (
		data []byte
		name string
		err  error
	)
	if IsRemote(source) {
		data, err = in.fetch(ctx, source)
		u, _ := url.Parse(source)
		name = path.Base(u.Path)
	} else {
		data, err = in.readLocal(source)
		name = source
	}
	if err != nil {
		return nil, err
	}

	if format, ok := Detect(name); ok {
		tbl, err := parseEntry(format, data)
		if err != nil {
			return nil, &ParseError{Entry: path.Base(name), Err: err}
		}
		return []dataset.Dataset{newDataset(0, path.Base(name), tbl)}, nil
	}
	return in.IngestBytes(ctx, source, data)
}

// IngestBytes parses an in-memory ZIP archive. source only labels errors.
func (in *Ingestor) IngestBytes(ctx context.Context, source string, data []byte) ([]dataset.Dataset, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &CorruptArchiveError{Source: source, Err: err}
	}

	var out []dataset.Dataset
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if skipEntry(f) {
			continue
		}
		format, ok := Detect(f.Name)
		if !ok {
			continue
		}
		raw, err := in.readEntry(f)
		if err != nil {
			return nil, &ParseError{Entry: f.Name, Err: err}
		}
		tbl, err := parseEntry(format, raw)
		if err != nil {
			return nil, &ParseError{Entry: f.Name, Err: err}
		}
		out = append(out, newDataset(len(out), f.Name, tbl))
		in.logger.Debug("parsed archive entry", "entry", f.Name, "rows", tbl.Len(), "columns", tbl.NumColumns())
	}

	in.logger.Info("ingested archive", "source", source, "entries", len(zr.File), "tables", len(out))
	return out, nil
}

func newDataset(index int, name string, tbl *frame.Table) dataset.Dataset {
	return dataset.Dataset{
		Index:      index,
		SourceName: name,
		SchemaInfo: tbl.Info(),
		Rows:       tbl,
	}
}

func skipEntry(f *zip.File) bool {
	if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
		return true
	}
	if strings.HasPrefix(f.Name, "__MACOSX/") || strings.HasPrefix(path.Base(f.Name), "._") {
		return true
	}
	return false
}

func (in *Ingestor) readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, in.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > in.maxBytes {
		return nil, fmt.Errorf("entry exceeds %d bytes", in.maxBytes)
	}
	return data, nil
}

func (in *Ingestor) readLocal(p string) ([]byte, error) {
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{Path: p}
		}
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	if info.IsDir() {
		return nil, &CorruptArchiveError{Source: p, Err: errors.New("is a directory")}
	}
	if info.Size() > in.maxBytes {
		return nil, &CorruptArchiveError{Source: p, Err: fmt.Errorf("archive exceeds %d bytes", in.maxBytes)}
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	return data, nil
}

func (in *Ingestor) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, in.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	resp, err := in.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, in.maxBytes+1))
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	if int64(len(data)) > in.maxBytes {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("archive exceeds %d bytes", in.maxBytes)}
	}
	in.logger.Debug("fetched archive", "url", rawURL, "bytes", len(data))
	return data, nil
}
