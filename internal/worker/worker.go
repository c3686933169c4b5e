// Package worker runs queued consolidations from the SQLite job queue and
// records their outcome.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/kalambet/consolida/internal/consolidate"
	"github.com/kalambet/consolida/internal/export"
	"github.com/kalambet/consolida/internal/pipeline"
	"github.com/kalambet/consolida/internal/storage"
)

// JobStore abstracts the job queue and run history operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	DiscardJob(id string, errMsg string) error
	StartRun(id string) error
	FinishRun(r storage.Run) error
	SaveAttempts(runID string, attempts []storage.Attempt) error
}

// Runner executes one consolidation.
type Runner interface {
	Run(ctx context.Context, source string) (*pipeline.Report, error)
}

// Worker processes consolidate jobs one at a time.
type Worker struct {
	store     JobStore
	runner    Runner
	outputDir string
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker writing CSV outputs under outputDir.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, runner Runner, outputDir string, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		runner:    runner,
		outputDir: outputDir,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// OutputPath is where the worker writes the table of a run.
func OutputPath(outputDir, runID string) string {
	return filepath.Join(outputDir, runID+".csv")
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single consolidate job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{storage.JobConsolidate})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		w.logger.Warn("dropping job with bad payload", "job_id", job.ID, "error", err)
		if err := w.store.DiscardJob(job.ID, "parsing payload: "+err.Error()); err != nil {
			return true, fmt.Errorf("discarding job %s: %w", job.ID, err)
		}
		return true, nil
	}

	if err := w.store.StartRun(payload.RunID); err != nil {
		w.logger.Warn("starting run", "run_id", payload.RunID, "error", err)
	}
	log := w.logger.With("job_id", job.ID, "run_id", payload.RunID)

	rep, runErr := w.runner.Run(ctx, payload.Source)
	if runErr != nil {
		return true, w.fail(job, payload, runErr, log)
	}

	out := OutputPath(w.outputDir, payload.RunID)
	if err := export.WriteFile(out, rep.Table); err != nil {
		return true, w.fail(job, payload, fmt.Errorf("writing output: %w", err), log)
	}

	validation, _ := json.Marshal(rep.Validation)
	run := storage.Run{
		ID:             payload.RunID,
		Status:         storage.RunSucceeded,
		Strategy:       string(rep.Strategy),
		Attempts:       rep.Attempts,
		LastError:      rep.LastError,
		Rows:           rep.Table.Len(),
		Columns:        rep.Table.NumColumns(),
		OutputPath:     out,
		ValidationJSON: string(validation),
	}
	if err := w.store.FinishRun(run); err != nil {
		return true, fmt.Errorf("finishing run %s: %w", run.ID, err)
	}
	if err := w.store.SaveAttempts(run.ID, attemptRecords(rep.History)); err != nil {
		log.Warn("saving attempts", "error", err)
	}
	log.Info("run succeeded", "strategy", rep.Strategy, "attempts", rep.Attempts, "rows", run.Rows, "output", out)

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// fail records a failed run. Fetch failures go back on the queue with
// backoff while attempts remain.
func (w *Worker) fail(job *storage.Job, payload Payload, runErr error, log *slog.Logger) error {
	f := pipeline.Classify(runErr)

	if f.Kind == pipeline.KindFetch && job.Attempts+1 < job.MaxAttempts {
		log.Warn("fetch failed; will retry", "error", runErr, "job_attempt", job.Attempts+1)
		if err := w.store.FailJob(job.ID, runErr.Error()); err != nil {
			return fmt.Errorf("failing job %s: %w", job.ID, err)
		}
		return nil
	}

	log.Warn("run failed", "kind", f.Kind, "error", runErr)
	run := storage.Run{
		ID:          payload.RunID,
		Status:      storage.RunFailed,
		Attempts:    f.Attempts,
		LastError:   f.Message,
		FailureKind: string(f.Kind),
	}
	if err := w.store.FinishRun(run); err != nil {
		log.Error("recording failed run", "error", err)
	}
	var ex *consolidate.ExhaustedError
	if errors.As(runErr, &ex) {
		if err := w.store.SaveAttempts(run.ID, attemptRecords(ex.History)); err != nil {
			log.Warn("saving attempts", "error", err)
		}
	}
	if err := w.store.DiscardJob(job.ID, runErr.Error()); err != nil {
		return fmt.Errorf("discarding job %s: %w", job.ID, err)
	}
	return nil
}

func attemptRecords(history []consolidate.Attempt) []storage.Attempt {
	out := make([]storage.Attempt, 0, len(history))
	for _, a := range history {
		out = append(out, storage.Attempt{
			Number:     a.Number,
			Program:    a.Source,
			Error:      a.Error,
			DurationMs: a.Duration.Milliseconds(),
		})
	}
	return out
}
