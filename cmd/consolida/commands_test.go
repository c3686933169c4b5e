package main

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/consolida/internal/api"
	"github.com/kalambet/consolida/internal/config"
	"github.com/kalambet/consolida/internal/dataset"
	"github.com/kalambet/consolida/internal/storage"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func writeZip(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("folha.csv")
	w.Write([]byte("CPF;Nome\n1;Ana\n"))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "folha_maio.zip")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSubmit_URL(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /consolidations": `{"id":"run-123","status":"queued"}`,
	})

	id, err := submitSource(ctx, ts.client(), "https://example.com/folha.zip", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "run-123" {
		t.Errorf("id = %q, want run-123", id)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	var body map[string]any
	json.Unmarshal([]byte(ts.requests[0].Body), &body)
	if body["source"] != "https://example.com/folha.zip" {
		t.Errorf("body.source = %v", body["source"])
	}
}

func TestSubmit_UploadsLocalFile(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /consolidations/upload": `{"id":"run-456","status":"queued"}`,
	})
	path := writeZip(t)

	id, err := submitSource(ctx, ts.client(), path, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "run-456" {
		t.Errorf("id = %q, want run-456", id)
	}

	req := ts.requests[0]
	if req.Path != "/consolidations/upload?name=folha_maio.zip" {
		t.Errorf("path = %q", req.Path)
	}
	if req.ContentType != "application/zip" {
		t.Errorf("Content-Type = %q, want application/zip", req.ContentType)
	}
	if !strings.HasPrefix(req.Body, "PK") {
		t.Error("upload body is not the archive")
	}
}

func TestSubmit_ServerPath(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /consolidations": `{"id":"run-789","status":"queued"}`,
	})

	if _, err := submitSource(ctx, ts.client(), "/srv/inbox/folha.zip", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Path != "/consolidations" {
		t.Errorf("path = %q, want /consolidations", ts.requests[0].Path)
	}
}

func TestSubmit_MissingLocalFile(t *testing.T) {
	ts := newTestServer(t, nil)

	_, err := submitSource(ctx, ts.client(), filepath.Join(t.TempDir(), "nope.zip"), true)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if len(ts.requests) != 0 {
		t.Errorf("expected no requests, got %d", len(ts.requests))
	}
}

func TestSubmitCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"submit"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "arg") {
		t.Errorf("error = %q, want it to mention args", err.Error())
	}
}

func TestRunCommand_BadOutputFormat(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"run", "folha.zip", "-o", "out.json"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for unsupported output format")
	}
	if !strings.Contains(err.Error(), "json") {
		t.Errorf("error = %q, want it to name the extension", err.Error())
	}
}

func TestWaitForRun(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := storage.RunRunning
		if calls >= 3 {
			status = storage.RunSucceeded
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(api.RunDetail{Run: storage.Run{ID: "run-1", Status: status, Rows: 4}})
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}
	detail, err := waitForRun(ctx, client, "run-1", time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if detail.Status != storage.RunSucceeded || calls != 3 {
		t.Errorf("status = %s after %d calls, want succeeded after 3", detail.Status, calls)
	}
}

func TestWaitForRun_Canceled(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /consolidations/run-1": `{"id":"run-1","status":"running"}`,
	})

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := waitForRun(cctx, ts.client(), "run-1", 5*time.Millisecond)
	if err == nil {
		t.Fatal("expected error when context ends")
	}
}

func TestRunsShow(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /consolidations/run-1": `{"id":"run-1","source":"/tmp/a.zip","trigger":"api","status":"succeeded",
			"strategy":"key_overlap","attempts":10,"rows":3,"columns":3,
			"history":[{"run_id":"run-1","number":1,"error":"df has no rows\nmore"},{"run_id":"run-1","number":2}]}`,
	})

	detail, err := fetchRun(ctx, ts.client(), "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if detail.Strategy != "key_overlap" || len(detail.History) != 2 {
		t.Fatalf("detail = %+v", detail)
	}

	old := noColor
	noColor = true
	defer func() { noColor = old }()

	var buf bytes.Buffer
	printRunDetail(&buf, detail)
	out := buf.String()
	for _, want := range []string{"run-1 succeeded", "key_overlap after 10 attempts", "3 rows x 3 columns", "df has no rows", "ok"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "more") {
		t.Errorf("output should show only the first trace line:\n%s", out)
	}
}

func TestRunsShow_NotFound(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	_, err := fetchRun(ctx, ts.client(), "missing")
	if err == nil {
		t.Fatal("expected error for missing run")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q, want it to contain 404", err.Error())
	}
}

func TestRunsList(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	runs := []storage.Run{
		{ID: "run-2", Status: storage.RunFailed, Source: "/tmp/b.zip", CreatedAt: time.Now()},
		{ID: "run-1", Status: storage.RunSucceeded, Strategy: "generated", Rows: 12, Source: "/tmp/a.zip", CreatedAt: time.Now()},
	}
	var buf bytes.Buffer
	printRuns(&buf, runs)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[1], "run-2") || !strings.Contains(lines[1], "failed") {
		t.Errorf("line 1 = %q", lines[1])
	}
	if !strings.Contains(lines[2], "generated") || !strings.Contains(lines[2], "12") {
		t.Errorf("line 2 = %q", lines[2])
	}

	buf.Reset()
	printRuns(&buf, nil)
	if strings.TrimSpace(buf.String()) != "no runs" {
		t.Errorf("empty output = %q", buf.String())
	}
}

func TestDownloadOutput(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/consolidations/run-1/output" {
			w.Header().Set("Content-Type", "text/csv")
			w.Write([]byte("CPF,Nome\n1,Ana\n"))
			return
		}
		w.WriteHeader(409)
		w.Write([]byte(`{"error":{"message":"run run-2 has no output","type":"invalid_request_error"}}`))
	}))
	defer ts.Close()
	client := &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}

	var buf bytes.Buffer
	n, err := downloadOutput(ctx, client, "run-1", &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != int64(buf.Len()) || buf.String() != "CPF,Nome\n1,Ana\n" {
		t.Errorf("got %d bytes %q", n, buf.String())
	}

	if _, err := downloadOutput(ctx, client, "run-2", &buf); err == nil || !strings.Contains(err.Error(), "409") {
		t.Errorf("err = %v, want 409", err)
	}
}

func TestPrintSamples(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	var buf bytes.Buffer
	printSamples(&buf, []dataset.Sample{{
		Index:      0,
		SourceName: "ativos.xlsx",
		Columns:    []string{"CPF", "Nome"},
		RowCount:   2,
		Preview:    "CPF  Nome\n1    Ana\n",
	}})
	out := buf.String()
	for _, want := range []string{"ativos.xlsx [0]", "2 rows, columns: CPF, Nome", "  1    Ana"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	printSamples(&buf, nil)
	if !strings.Contains(buf.String(), "no spreadsheets") {
		t.Errorf("empty output = %q", buf.String())
	}
}

func TestStatusCommand_Running(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok","jobs":{"pending":2,"completed":5}}`,
	})

	resp, err := ts.client().get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var health api.Health
	if err := decodeJSON(resp, &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := jobSummary(health.Jobs); got != "5 completed, 2 pending" {
		t.Errorf("jobSummary = %q", got)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	if _, err := client.get(ctx, "/health"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"invalid or missing bearer token","type":"authentication_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/consolidations")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000
	cfg.Oracle.Model = "qwen2.5-coder"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4000" {
			found = true
		}
		if k.Key == "oracle.api_key" {
			t.Error("ShowAll must not list secrets")
		}
	}
	if !found {
		t.Error("expected to find server.port=4000 in ShowAll output")
	}
}

func TestOracleBackend(t *testing.T) {
	cfg := config.Config{}
	cfg.Oracle.Backend = "openrouter"
	cfg.Oracle.BaseURL = defaultOllamaURL
	cfg.Oracle.APIKey = "k"
	cfg.Oracle.Timeout = "45s"

	b := oracleBackend(cfg)
	if b.BaseURL != "" {
		t.Errorf("BaseURL = %q, want empty for openrouter with the Ollama default", b.BaseURL)
	}
	if b.Timeout != 45*time.Second {
		t.Errorf("Timeout = %v, want 45s", b.Timeout)
	}

	cfg.Oracle.Backend = "ollama"
	if b := oracleBackend(cfg); b.BaseURL != defaultOllamaURL {
		t.Errorf("ollama BaseURL = %q", b.BaseURL)
	}
}

func TestBuild_InvalidJoin(t *testing.T) {
	cfg := config.Config{}
	cfg.Oracle.Backend = "ollama"
	cfg.Rules.URL = "http://localhost:4100"

	_, err := build(ctx, cfg, buildOptions{join: "cross"}, nil)
	if err == nil || !strings.Contains(err.Error(), "cross") {
		t.Fatalf("err = %v, want invalid join mode", err)
	}
}

func TestBuild_FileRules(t *testing.T) {
	cfg := config.Config{}
	cfg.Oracle.Backend = "ollama"
	cfg.Oracle.BaseURL = defaultOllamaURL
	cfg.Rules.File = filepath.Join(t.TempDir(), "rules.yaml")
	cfg.Consolidate.Join = "inner"

	comp, err := build(ctx, cfg, buildOptions{}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if comp.join != "inner" {
		t.Errorf("join = %q, want inner", comp.join)
	}
	if comp.pipeline == nil || comp.ingestor == nil {
		t.Fatal("build left components nil")
	}
}

func TestCountLabel(t *testing.T) {
	tests := []struct {
		count, limit int
		want         string
	}{
		{5, 100, "5"},
		{0, 100, "0"},
		{100, 100, "100+"},
		{150, 100, "150+"},
	}
	for _, tt := range tests {
		got := countLabel(tt.count, tt.limit)
		if got != tt.want {
			t.Errorf("countLabel(%d, %d) = %q, want %q", tt.count, tt.limit, got, tt.want)
		}
	}
}
