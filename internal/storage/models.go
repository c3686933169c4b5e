package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Run statuses.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Run is one recorded consolidation.
type Run struct {
	ID      string `json:"id"`
	Source  string `json:"source"`
	Trigger string `json:"trigger"` // "api", "upload", "schedule", "inbox", "cli"
	Status  string `json:"status"`

	Strategy    string `json:"strategy,omitempty"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error,omitempty"`
	FailureKind string `json:"failure_kind,omitempty"`
	Rows        int    `json:"rows"`
	Columns     int    `json:"columns"`
	OutputPath  string `json:"output_path,omitempty"`
	// ValidationJSON is the rule report as stored.
	ValidationJSON string `json:"validation,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Attempt is one generation cycle of a run.
type Attempt struct {
	RunID      string `json:"-"`
	Number     int    `json:"number"`
	Program    string `json:"program,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
