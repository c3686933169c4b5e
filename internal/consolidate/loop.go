// Package consolidate drives the generate, execute and retry cycle that
// turns a dataset collection into one consolidated table.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/kalambet/consolida/internal/dataset"
	"github.com/kalambet/consolida/internal/frame"
	"github.com/kalambet/consolida/internal/oracle"
	"github.com/kalambet/consolida/internal/sandbox"
	"github.com/kalambet/consolida/internal/telemetry"
)

// MaxAttempts bounds the generate and execute cycles of one call.
const MaxAttempts = 10

// State is a step of the retry state machine.
type State int

const (
	Idle State = iota
	Generating
	Executing
	RetryPending
	Succeeded
	Exhausted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Generating:
		return "generating"
	case Executing:
		return "executing"
	case RetryPending:
		return "retry_pending"
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrExhausted is matched by ExhaustedError.
var ErrExhausted = errors.New("consolidation attempts exhausted")

// ExhaustedError reports a call that used every attempt, or ran out of time,
// without producing an accepted table.
type ExhaustedError struct {
	Attempts  int
	LastError string
	History   []Attempt
	// Cause is set when the caller's context ended the loop.
	Cause error
}

func (e *ExhaustedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("consolidation stopped after %d attempts: %v", e.Attempts, e.Cause)
	}
	return fmt.Sprintf("consolidation failed after %d attempts: %s", e.Attempts, e.LastError)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }
func (e *ExhaustedError) Unwrap() error        { return e.Cause }

// Executor runs candidate source against the datasets.
type Executor interface {
	Execute(ctx context.Context, source string, datasets []dataset.Dataset) sandbox.Outcome
}

// Attempt records one cycle.
type Attempt struct {
	Number   int
	Source   string
	Error    string
	Duration time.Duration
}

// Result is a successful consolidation.
type Result struct {
	Table    *frame.Table
	Attempts int
	Program  string
	// LastError is the trace of the last failed attempt before success.
	LastError string
	History   []Attempt
}

// AcceptFunc rejects a produced table by returning an error, which becomes
// the attempt's failure trace.
type AcceptFunc func(context.Context, *frame.Table) error

// NonEmpty accepts tables with at least one column and one row.
func NonEmpty(_ context.Context, t *frame.Table) error {
	switch {
	case t == nil:
		return errors.New("df is nil")
	case t.NumColumns() == 0:
		return errors.New("df has no columns")
	case t.Len() == 0:
		return errors.New("df has no rows")
	}
	return nil
}

// Loop is the consolidation state machine. A Loop holds no per-call state
// and may be shared.
type Loop struct {
	oracle      oracle.Oracle
	executor    Executor
	maxAttempts int
	accept      []AcceptFunc
	logger      *slog.Logger
}

type Option func(*Loop)

// WithMaxAttempts lowers the attempt bound. Values outside 1..MaxAttempts
// are ignored.
func WithMaxAttempts(n int) Option {
	return func(l *Loop) {
		if n >= 1 && n <= MaxAttempts {
			l.maxAttempts = n
		}
	}
}

// WithAcceptance adds a check every produced table must pass.
func WithAcceptance(fn AcceptFunc) Option {
	return func(l *Loop) { l.accept = append(l.accept, fn) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

func New(o oracle.Oracle, exec Executor, opts ...Option) *Loop {
	l := &Loop{
		oracle:      o,
		executor:    exec,
		maxAttempts: MaxAttempts,
		accept:      []AcceptFunc{NonEmpty},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Consolidate runs the loop until a program produces an accepted table or
// the attempts are used up. Exhaustion returns an *ExhaustedError. The
// datasets are never modified.
func (l *Loop) Consolidate(ctx context.Context, datasets []dataset.Dataset) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "consolidate.loop", telemetry.AttrDatasets.Int(len(datasets)))
	defer span.End()

	samples := dataset.Summarize(datasets)

	var (
		state     = Idle
		attempts  int
		lastError string
		history   []Attempt
		program   oracle.Program
		outcome   sandbox.Outcome
		started   time.Time
	)

	for {
		switch state {
		case Idle:
			state = Generating

		case Generating:
			if err := ctx.Err(); err != nil {
				l.logger.Warn("consolidation deadline reached", "attempts", attempts, "error", err)
				span.SetStatus(codes.Error, "deadline")
				return nil, &ExhaustedError{Attempts: attempts, LastError: lastError, History: history, Cause: err}
			}
			attempts++
			started = time.Now()
			l.logger.Debug("requesting candidate program", "attempt", attempts)

			var err error
			program, err = l.oracle.Generate(ctx, oracle.Request{
				Samples:    samples,
				PriorError: lastError,
				Attempt:    attempts,
			})
			if err != nil {
				lastError = fmt.Sprintf("code generation failed: %v", err)
				history = append(history, Attempt{Number: attempts, Error: lastError, Duration: time.Since(started)})
				l.logger.Warn("oracle failed", "attempt", attempts, "error", err)
				state = RetryPending
				continue
			}
			state = Executing

		case Executing:
			_, execSpan := telemetry.StartSpan(ctx, "consolidate.execute", telemetry.AttrAttempt.Int(attempts))
			outcome = l.executor.Execute(ctx, program.Source, datasets)
			if outcome.OK() {
				if err := l.check(ctx, outcome.Table); err != nil {
					outcome = sandbox.Failure(err.Error())
				}
			}
			execSpan.SetAttributes(telemetry.AttrOutcome.String(outcome.Kind.String()))
			execSpan.End()

			rec := Attempt{Number: attempts, Source: program.Source, Duration: time.Since(started)}
			if outcome.OK() {
				history = append(history, rec)
				state = Succeeded
				continue
			}
			lastError = outcome.Trace
			rec.Error = outcome.Trace
			history = append(history, rec)
			l.logger.Info("candidate program failed", "attempt", attempts, "error", firstLine(outcome.Trace))
			state = RetryPending

		case RetryPending:
			if attempts < l.maxAttempts {
				state = Generating
				continue
			}
			state = Exhausted

		case Succeeded:
			l.logger.Info("consolidation succeeded", "attempts", attempts, "rows", outcome.Table.Len())
			span.SetAttributes(telemetry.AttrAttempt.Int(attempts), telemetry.AttrRows.Int(outcome.Table.Len()))
			var prior string
			if len(history) > 1 {
				prior = history[len(history)-2].Error
			}
			return &Result{
				Table:     outcome.Table,
				Attempts:  attempts,
				Program:   program.Source,
				LastError: prior,
				History:   history,
			}, nil

		case Exhausted:
			l.logger.Warn("consolidation attempts exhausted", "attempts", attempts)
			span.SetStatus(codes.Error, "exhausted")
			return nil, &ExhaustedError{Attempts: attempts, LastError: lastError, History: history}
		}
	}
}

func (l *Loop) check(ctx context.Context, t *frame.Table) error {
	for _, fn := range l.accept {
		if err := fn(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}
