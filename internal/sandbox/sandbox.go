// Package sandbox runs generated consolidation programs in an embedded Go
// interpreter with a restricted symbol set.
//
// A program is the body of
//
//	func consolidate(lista_df []dataset.Dataset) (df *frame.Table)
//
// and must leave the consolidated table in df. It can import nothing; the
// table packages and a small set of standard packages are pre-imported.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"

	"github.com/kalambet/consolida/internal/dataset"
	"github.com/kalambet/consolida/internal/frame"
)

const (
	defaultTimeout = 30 * time.Second
	maxOutputBytes = 16 << 10
)

// OutcomeKind tags an Outcome.
type OutcomeKind int

const (
	KindSuccess OutcomeKind = iota
	KindFailure
)

func (k OutcomeKind) String() string {
	if k == KindSuccess {
		return "success"
	}
	return "failure"
}

// Outcome is the result of one execution: either a table or a failure trace.
type Outcome struct {
	Kind     OutcomeKind
	Table    *frame.Table
	Trace    string
	Output   string
	Duration time.Duration
}

func Success(t *frame.Table) Outcome { return Outcome{Kind: KindSuccess, Table: t} }
func Failure(trace string) Outcome   { return Outcome{Kind: KindFailure, Trace: trace} }

// OK reports whether the outcome carries a table.
func (o Outcome) OK() bool { return o.Kind == KindSuccess }

// Executor runs programs. Every call uses a fresh interpreter.
type Executor struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

func New(timeout time.Duration, logger *slog.Logger) *Executor {
	return &Executor{Timeout: timeout, Logger: logger}
}

const prelude = `package main

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"consolida/dataset"
	"consolida/frame"
	"consolida/run"
)

var (
	_ = errors.New
	_ = fmt.Sprint
	_ = math.Abs
	_ = sort.Strings
	_ = strconv.Itoa
	_ = strings.TrimSpace
	_ = time.Now
	_ = unicode.IsSpace
	_ = frame.Concat
	_ = dataset.Summarize
)

func consolidate(lista_df []dataset.Dataset) (df *frame.Table) {
`

const epilogue = `
	return df
}

func main() {
	run.Emit(consolidate(run.Input()))
}
`

// bodyLine is the line of the wrapped source where the program body starts.
var bodyLine = strings.Count(prelude, "\n") + 1

// Wrap returns the complete source the interpreter evaluates for body.
func Wrap(body string) string {
	return prelude + body + epilogue
}

// Execute runs source against datasets. It never returns an error: compile
// errors, panics, timeouts and a missing df all become Failure outcomes.
// The caller's datasets are never modified.
func (e *Executor) Execute(ctx context.Context, source string, datasets []dataset.Dataset) (out Outcome) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	start := time.Now()
	stdout := &cappedBuffer{limit: maxOutputBytes}
	defer func() {
		out.Output = stdout.String()
		out.Duration = time.Since(start)
		if !out.OK() && out.Output != "" {
			out.Trace += "\n--- program output ---\n" + out.Output
		}
	}()

	if strings.TrimSpace(source) == "" {
		return Failure("empty program")
	}
	wrapped := Wrap(source)
	if err := rejectGoroutines(wrapped); err != nil {
		return Failure(err.Error())
	}

	var (
		result  *frame.Table
		emitted bool
	)
	input := func() []dataset.Dataset {
		return append([]dataset.Dataset(nil), datasets...)
	}
	emit := func(t *frame.Table) {
		result = t
		emitted = true
	}

	i := interp.New(interp.Options{Stdout: stdout, Stderr: stdout})
	for _, exports := range []interp.Exports{stdlibSubset(), tableSymbols, runSymbols(input, emit)} {
		if err := i.Use(exports); err != nil {
			return Failure(fmt.Sprintf("loading symbols: %v", err))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := evalSafely(ctx, i, wrapped)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		logger.Debug("sandbox timeout", "timeout", timeout)
		return Failure(fmt.Sprintf("execution timed out after %s", timeout))
	case errors.Is(err, context.Canceled):
		return Failure("execution canceled")
	case err != nil:
		return Failure(describe(err))
	case !emitted || result == nil:
		return Failure("df is not defined: the program must assign the consolidated table to df")
	}
	return Success(result)
}

func evalSafely(ctx context.Context, i *interp.Interpreter, src string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	_, err = i.EvalWithContext(ctx, src)
	return err
}

// rejectGoroutines fails when src starts goroutines, which would keep running
// after the attempt ends. Sources that do not parse are left to the
// interpreter to report.
func rejectGoroutines(src string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "program.go", src, 0)
	if err != nil {
		return nil
	}
	var found token.Pos
	ast.Inspect(file, func(n ast.Node) bool {
		if g, ok := n.(*ast.GoStmt); ok && !found.IsValid() {
			found = g.Pos()
		}
		return !found.IsValid()
	})
	if found.IsValid() {
		line := fset.Position(found).Line - bodyLine + 1
		return fmt.Errorf("go statements are not allowed (program line %d): compute df synchronously", line)
	}
	return nil
}

// describe renders an interpreter error as a trace for the next attempt.
func describe(err error) string {
	var p interp.Panic
	if errors.As(err, &p) {
		return fmt.Sprintf("panic: %v", p.Value)
	}
	return fmt.Sprintf("%v\n(program body starts at line %d of the wrapped source)", err, bodyLine)
}

// cappedBuffer keeps the first limit bytes written and drops the rest. A
// timed-out program may still be writing while the result is read.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
