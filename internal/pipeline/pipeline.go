// Package pipeline composes one consolidation call: ingest the archive,
// run the generation loop, fall back to the key-overlap merge when the loop
// gives up, then check the result against the rule set.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/consolida/internal/consolidate"
	"github.com/kalambet/consolida/internal/dataset"
	"github.com/kalambet/consolida/internal/frame"
	"github.com/kalambet/consolida/internal/rules"
	"github.com/kalambet/consolida/internal/telemetry"
)

// Strategy names how the final table was produced.
type Strategy string

const (
	StrategyGenerated  Strategy = "generated"
	StrategyKeyOverlap Strategy = "key_overlap"
)

// Ingester turns a source reference into datasets.
type Ingester interface {
	Ingest(ctx context.Context, source string) ([]dataset.Dataset, error)
}

// Consolidator is the retry loop.
type Consolidator interface {
	Consolidate(ctx context.Context, datasets []dataset.Dataset) (*consolidate.Result, error)
}

// Report is the outcome of a successful call.
type Report struct {
	Source     string
	Table      *frame.Table
	Strategy   Strategy
	Attempts   int
	Program    string
	LastError  string
	History    []consolidate.Attempt
	Samples    []dataset.Sample
	Validation rules.Report
	Duration   time.Duration
}

// Options configures a Pipeline.
type Options struct {
	// Fallback enables the key-overlap merge after the loop is exhausted.
	Fallback bool
	Join     frame.JoinMode
	// Rules is consulted after consolidation. Nil skips validation.
	Rules  rules.Source
	Merger frame.Merger
	Logger *slog.Logger
}

// Pipeline wires the ingestor, the loop and the rule source.
type Pipeline struct {
	ingester Ingester
	loop     Consolidator
	opts     Options
	logger   *slog.Logger
}

// New creates a Pipeline. An empty join mode selects the outer join.
func New(ing Ingester, loop Consolidator, opts Options) *Pipeline {
	if opts.Join == "" {
		opts.Join = frame.DefaultJoin
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{ingester: ing, loop: loop, opts: opts, logger: logger}
}

// Run consolidates the archive at source.
func (p *Pipeline) Run(ctx context.Context, source string) (*Report, error) {
	ctx, span := telemetry.StartSpan(ctx, "pipeline.run", telemetry.AttrSource.String(source))
	defer span.End()

	start := time.Now()
	datasets, err := p.ingester.Ingest(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("ingesting %s: %w", source, err)
	}
	rep, err := p.consolidate(ctx, datasets)
	if err != nil {
		return nil, err
	}
	rep.Source = source
	rep.Duration = time.Since(start)
	span.SetAttributes(
		telemetry.AttrStrategy.String(string(rep.Strategy)),
		telemetry.AttrRows.Int(rep.Table.Len()),
	)
	return rep, nil
}

// RunDatasets consolidates datasets that were already ingested.
func (p *Pipeline) RunDatasets(ctx context.Context, datasets []dataset.Dataset) (*Report, error) {
	start := time.Now()
	rep, err := p.consolidate(ctx, datasets)
	if err != nil {
		return nil, err
	}
	rep.Duration = time.Since(start)
	return rep, nil
}

func (p *Pipeline) consolidate(ctx context.Context, datasets []dataset.Dataset) (*Report, error) {
	if len(datasets) == 0 {
		return nil, frame.ErrEmptyInput
	}
	p.logger.Info("consolidating", "datasets", len(datasets))

	rep := &Report{Samples: dataset.Summarize(datasets)}

	res, err := p.loop.Consolidate(ctx, datasets)
	switch {
	case err == nil:
		rep.Table = res.Table
		rep.Strategy = StrategyGenerated
		rep.Attempts = res.Attempts
		rep.Program = res.Program
		rep.LastError = res.LastError
		rep.History = res.History

	case p.opts.Fallback && fallbackAllowed(err):
		var ex *consolidate.ExhaustedError
		errors.As(err, &ex)
		p.logger.Warn("generation exhausted; merging on shared columns",
			"attempts", ex.Attempts, "join", p.opts.Join)

		tbl, merr := p.opts.Merger.MergeOrConcat(dataset.Tables(datasets), p.opts.Join)
		if merr != nil {
			return nil, fmt.Errorf("fallback merge: %w", merr)
		}
		rep.Table = tbl
		rep.Strategy = StrategyKeyOverlap
		rep.Attempts = ex.Attempts
		rep.LastError = ex.LastError
		rep.History = ex.History

	default:
		return nil, err
	}

	if p.opts.Rules != nil {
		rep.Validation = rules.Validate(ctx, p.opts.Rules, rep.Table)
	} else {
		rep.Validation = rules.Report{Skipped: true, Reason: "no rule source configured"}
	}
	p.logger.Info("consolidation complete",
		"strategy", rep.Strategy, "attempts", rep.Attempts,
		"rows", rep.Table.Len(), "columns", rep.Table.NumColumns())
	return rep, nil
}

// fallbackAllowed reports whether err is a plain exhaustion. A loop stopped
// by its context is not merged.
func fallbackAllowed(err error) bool {
	var ex *consolidate.ExhaustedError
	return errors.As(err, &ex) && ex.Cause == nil
}
