package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const runColumns = `id, source, trigger, status, strategy, attempts, last_error, failure_kind,
	row_count, column_count, output_path, validation_json, created_at, started_at, finished_at`

// CreateRun records a queued run. CreatedAt defaults to now.
func (s *Store) CreateRun(r Run) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Trigger == "" {
		r.Trigger = "api"
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, source, trigger, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Source, r.Trigger, RunQueued, r.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// StartRun moves a run to running.
func (s *Store) StartRun(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	return s.updateRun(`UPDATE runs SET status = ?, started_at = ? WHERE id = ?`, RunRunning, now, id)
}

// FinishRun stores the outcome fields of r and its final status.
func (s *Store) FinishRun(r Run) error {
	if r.Status != RunSucceeded && r.Status != RunFailed {
		return fmt.Errorf("invalid final status %q", r.Status)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	return s.updateRun(`
		UPDATE runs SET status = ?, strategy = ?, attempts = ?, last_error = ?, failure_kind = ?,
			row_count = ?, column_count = ?, output_path = ?, validation_json = ?, finished_at = ?
		WHERE id = ?`,
		r.Status, nullString(r.Strategy), r.Attempts, nullString(r.LastError), nullString(r.FailureKind),
		r.Rows, r.Columns, nullString(r.OutputPath), nullString(r.ValidationJSON), now, r.ID,
	)
}

func (s *Store) updateRun(query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetRun(id string) (Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	return r, err
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(limit, offset int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// SaveAttempts replaces the attempts recorded for a run.
func (s *Store) SaveAttempts(runID string, attempts []Attempt) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning attempts transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM attempts WHERE run_id = ?`, runID); err != nil {
		return err
	}
	for _, a := range attempts {
		if _, err := tx.Exec(`
			INSERT INTO attempts (run_id, number, program, error, duration_ms)
			VALUES (?, ?, ?, ?, ?)`,
			runID, a.Number, nullString(a.Program), nullString(a.Error), a.DurationMs,
		); err != nil {
			return fmt.Errorf("inserting attempt %d: %w", a.Number, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetAttempts(runID string) ([]Attempt, error) {
	rows, err := s.db.Query(`
		SELECT run_id, number, program, error, duration_ms
		FROM attempts WHERE run_id = ? ORDER BY number ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Attempt
	for rows.Next() {
		var a Attempt
		var program, errText sql.NullString
		if err := rows.Scan(&a.RunID, &a.Number, &program, &errText, &a.DurationMs); err != nil {
			return nil, err
		}
		a.Program = program.String
		a.Error = errText.String
		results = append(results, a)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r                                        Run
		strategy, lastError, failureKind, output sql.NullString
		validation, startedAt, finishedAt        sql.NullString
		createdAt                                string
	)
	err := sc.Scan(&r.ID, &r.Source, &r.Trigger, &r.Status, &strategy, &r.Attempts, &lastError, &failureKind,
		&r.Rows, &r.Columns, &output, &validation, &createdAt, &startedAt, &finishedAt)
	if err != nil {
		return Run{}, err
	}
	r.Strategy = strategy.String
	r.LastError = lastError.String
	r.FailureKind = failureKind.String
	r.OutputPath = output.String
	r.ValidationJSON = validation.String

	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Run{}, fmt.Errorf("parsing created_at for run %s: %w", r.ID, err)
	}
	if r.StartedAt, err = parseNullTime(startedAt); err != nil {
		return Run{}, fmt.Errorf("parsing started_at for run %s: %w", r.ID, err)
	}
	if r.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return Run{}, fmt.Errorf("parsing finished_at for run %s: %w", r.ID, err)
	}
	return r, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
