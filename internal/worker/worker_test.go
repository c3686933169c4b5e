package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/consolida/internal/archive"
	"github.com/kalambet/consolida/internal/consolidate"
	"github.com/kalambet/consolida/internal/frame"
	"github.com/kalambet/consolida/internal/pipeline"
	"github.com/kalambet/consolida/internal/rules"
	"github.com/kalambet/consolida/internal/storage"

	_ "modernc.org/sqlite"
)

type mockRunner struct {
	runFn func(ctx context.Context, source string) (*pipeline.Report, error)
}

func (m *mockRunner) Run(ctx context.Context, source string) (*pipeline.Report, error) {
	return m.runFn(ctx, source)
}

// testStore pairs the store with a second connection to the same file so
// tests can inspect and rewind the jobs table.
type testStore struct {
	*storage.Store
	raw *sql.DB
}

func openTestStore(t *testing.T) *testStore {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("Open(%s) failed: %v", dir, err)
	}
	raw, err := sql.Open("sqlite", filepath.Join(dir, "consolida.db"))
	if err != nil {
		t.Fatalf("opening raw connection: %v", err)
	}
	raw.SetMaxOpenConns(1)
	if _, err := raw.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		t.Fatalf("setting busy timeout: %v", err)
	}
	t.Cleanup(func() {
		raw.Close()
		s.Close()
	})
	return &testStore{Store: s, raw: raw}
}

func jobStatus(t *testing.T, store *testStore, runID string) (status string, attempts int) {
	t.Helper()
	err := store.raw.QueryRow(`SELECT status, attempts FROM jobs WHERE json_extract(payload_json, '$.run_id') = ?`, runID).
		Scan(&status, &attempts)
	if err != nil {
		t.Fatalf("query job for run %s: %v", runID, err)
	}
	return status, attempts
}

func resetRunAfter(t *testing.T, store *testStore) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := store.raw.Exec(`UPDATE jobs SET run_after = ?`, now); err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func reportFor(t *testing.T) *pipeline.Report {
	t.Helper()
	tbl, err := frame.New([]string{"CPF", "Nome"}, [][]any{{"1", "Ana"}, {"2", "Bruno"}})
	if err != nil {
		t.Fatal(err)
	}
	return &pipeline.Report{
		Table:     tbl,
		Strategy:  pipeline.StrategyGenerated,
		Attempts:  2,
		LastError: "df is not defined",
		History: []consolidate.Attempt{
			{Number: 1, Source: "x := 1", Error: "df is not defined", Duration: 5 * time.Millisecond},
			{Number: 2, Source: "df = lista_df[0].Rows", Duration: 3 * time.Millisecond},
		},
		Validation: rules.Report{Skipped: true, Reason: "no rule source configured"},
	}
}

func TestEnqueue(t *testing.T) {
	store := openTestStore(t)

	id, err := Enqueue(store, "  /data/maio.zip ", "cli")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	run, err := store.GetRun(id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Source != "/data/maio.zip" || run.Trigger != "cli" || run.Status != storage.RunQueued {
		t.Errorf("run = %+v", run)
	}

	job, err := store.ClaimNextJob([]string{storage.JobConsolidate})
	if err != nil || job == nil {
		t.Fatalf("ClaimNextJob = %v, %v", job, err)
	}
	var p Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.RunID != id || p.Source != "/data/maio.zip" {
		t.Errorf("payload = %+v", p)
	}

	if _, err := Enqueue(store, " ", "cli"); err == nil {
		t.Error("expected error for empty source")
	}
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	out := t.TempDir()

	id, err := Enqueue(store, "maio.zip", "api")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var gotSource string
	w := NewWorker(store, &mockRunner{runFn: func(_ context.Context, source string) (*pipeline.Report, error) {
		gotSource = source
		return reportFor(t), nil
	}}, out, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}
	if gotSource != "maio.zip" {
		t.Errorf("runner source = %q", gotSource)
	}

	run, err := store.GetRun(id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != storage.RunSucceeded || run.Strategy != "generated" || run.Attempts != 2 {
		t.Errorf("run = %+v", run)
	}
	if run.Rows != 2 || run.Columns != 2 {
		t.Errorf("shape = %dx%d", run.Rows, run.Columns)
	}
	if !strings.Contains(run.ValidationJSON, `"skipped":true`) {
		t.Errorf("ValidationJSON = %q", run.ValidationJSON)
	}

	data, err := os.ReadFile(OutputPath(out, id))
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if string(data) != "CPF,Nome\n1,Ana\n2,Bruno\n" {
		t.Errorf("output = %q", data)
	}

	attempts, err := store.GetAttempts(id)
	if err != nil {
		t.Fatalf("GetAttempts: %v", err)
	}
	if len(attempts) != 2 || attempts[0].Error != "df is not defined" || attempts[1].Program == "" {
		t.Errorf("attempts = %+v", attempts)
	}

	if status, _ := jobStatus(t, store, id); status != "completed" {
		t.Errorf("job status = %q, want completed", status)
	}
}

func TestWorker_NoJob(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockRunner{runFn: func(context.Context, string) (*pipeline.Report, error) {
		t.Fatal("runner called without a job")
		return nil, nil
	}}, t.TempDir(), 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Errorf("RunOnce = %v, %v; want false, nil", didWork, err)
	}
}

func TestWorker_ExhaustedIsNotRetried(t *testing.T) {
	store := openTestStore(t)
	id, _ := Enqueue(store, "maio.zip", "api")

	var calls atomic.Int32
	w := NewWorker(store, &mockRunner{runFn: func(context.Context, string) (*pipeline.Report, error) {
		calls.Add(1)
		return nil, &consolidate.ExhaustedError{
			Attempts:  10,
			LastError: "df is not defined",
			History:   []consolidate.Attempt{{Number: 1, Error: "df is not defined"}},
		}
	}}, t.TempDir(), 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	resetRunAfter(t, store)
	if didWork, _ := w.RunOnce(context.Background()); didWork {
		t.Error("exhausted job was claimed again")
	}
	if calls.Load() != 1 {
		t.Errorf("runner called %d times, want 1", calls.Load())
	}

	run, _ := store.GetRun(id)
	if run.Status != storage.RunFailed || run.FailureKind != "exhausted" || run.Attempts != 10 {
		t.Errorf("run = %+v", run)
	}
	if run.LastError != "df is not defined" {
		t.Errorf("LastError = %q", run.LastError)
	}
	if got, _ := store.GetAttempts(id); len(got) != 1 {
		t.Errorf("attempts = %+v", got)
	}
	if status, _ := jobStatus(t, store, id); status != "failed" {
		t.Errorf("job status = %q, want failed", status)
	}
}

func TestWorker_RetryOnFetchFailure(t *testing.T) {
	store := openTestStore(t)
	id, _ := Enqueue(store, "https://example.com/maio.zip", "api")

	var calls atomic.Int32
	w := NewWorker(store, &mockRunner{runFn: func(context.Context, string) (*pipeline.Report, error) {
		n := calls.Add(1)
		if n <= 2 {
			return nil, &archive.FetchError{URL: "https://example.com/maio.zip", StatusCode: 503}
		}
		return reportFor(t), nil
	}}, t.TempDir(), 0)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			status, attempts := jobStatus(t, store, id)
			if status != "pending" || attempts != i {
				t.Errorf("after fail %d: status=%q attempts=%d", i, status, attempts)
			}
			resetRunAfter(t, store)
		}
	}

	if status, _ := jobStatus(t, store, id); status != "completed" {
		t.Errorf("final status = %q, want completed", status)
	}
	if run, _ := store.GetRun(id); run.Status != storage.RunSucceeded {
		t.Errorf("run status = %q", run.Status)
	}
}

func TestWorker_FetchTimeoutIsRetried(t *testing.T) {
	store := openTestStore(t)
	id, _ := Enqueue(store, "https://example.com/lento.zip", "api")

	w := NewWorker(store, &mockRunner{runFn: func(context.Context, string) (*pipeline.Report, error) {
		return nil, fmt.Errorf("ingesting: %w", &archive.FetchError{URL: "https://example.com/lento.zip", Err: context.DeadlineExceeded})
	}}, t.TempDir(), 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if status, attempts := jobStatus(t, store, id); status != "pending" || attempts != 1 {
		t.Errorf("job status=%q attempts=%d, want pending after 1", status, attempts)
	}
	if run, _ := store.GetRun(id); run.Status == storage.RunFailed {
		t.Errorf("run marked failed on a retryable timeout: %+v", run)
	}
}

func TestWorker_FetchRetriesExhausted(t *testing.T) {
	store := openTestStore(t)
	id, _ := Enqueue(store, "https://example.com/maio.zip", "api")

	w := NewWorker(store, &mockRunner{runFn: func(context.Context, string) (*pipeline.Report, error) {
		return nil, &archive.FetchError{URL: "https://example.com/maio.zip", Err: fmt.Errorf("connection refused")}
	}}, t.TempDir(), 0)

	for i := 1; i <= 3; i++ {
		if _, err := w.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
		resetRunAfter(t, store)
	}

	run, _ := store.GetRun(id)
	if run.Status != storage.RunFailed || run.FailureKind != "fetch" {
		t.Errorf("run = %+v", run)
	}
	if status, _ := jobStatus(t, store, id); status != "failed" {
		t.Errorf("job status = %q, want failed", status)
	}
}

func TestWorker_BadPayload(t *testing.T) {
	store := openTestStore(t)
	if err := store.EnqueueJob(storage.Job{ID: "bad", Type: storage.JobConsolidate, PayloadJSON: "{"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	w := NewWorker(store, &mockRunner{runFn: func(context.Context, string) (*pipeline.Report, error) {
		t.Fatal("runner called for bad payload")
		return nil, nil
	}}, t.TempDir(), 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil || !didWork {
		t.Fatalf("RunOnce = %v, %v", didWork, err)
	}
	counts, _ := store.JobCounts()
	if counts["failed"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestWorker_ConcurrentEnqueue(t *testing.T) {
	store := openTestStore(t)

	const goroutines = 5
	const jobsPerGoroutine = 4
	const total = goroutines * jobsPerGoroutine

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := 0; j < jobsPerGoroutine; j++ {
				if _, err := Enqueue(store, fmt.Sprintf("src-%d-%d.zip", g, j), "api"); err != nil {
					t.Errorf("Enqueue: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	w := NewWorker(store, &mockRunner{runFn: func(context.Context, string) (*pipeline.Report, error) {
		return reportFor(t), nil
	}}, t.TempDir(), 0)

	ctx := context.Background()
	deadline := time.After(10 * time.Second)
	processed := 0
	for processed < total {
		select {
		case <-deadline:
			t.Fatalf("timed out after processing %d/%d jobs", processed, total)
		default:
		}
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce error at job %d: %v", processed, err)
		}
		if !didWork {
			break
		}
		processed++
	}

	if processed != total {
		t.Errorf("processed %d jobs, want %d", processed, total)
	}
	runs, err := store.ListRuns(100, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	for _, r := range runs {
		if r.Status != storage.RunSucceeded {
			t.Errorf("run %s status = %q", r.ID, r.Status)
		}
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockRunner{}, t.TempDir(), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
