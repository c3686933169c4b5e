package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kalambet/consolida/internal/archive"
	"github.com/kalambet/consolida/internal/config"
	"github.com/kalambet/consolida/internal/consolidate"
	"github.com/kalambet/consolida/internal/frame"
	"github.com/kalambet/consolida/internal/ollama"
	"github.com/kalambet/consolida/internal/oracle"
	"github.com/kalambet/consolida/internal/pipeline"
	"github.com/kalambet/consolida/internal/rules"
	"github.com/kalambet/consolida/internal/sandbox"
)

const defaultOllamaURL = "http://localhost:11434"

// components is everything a consolidation needs, built from config.
type components struct {
	ingestor *archive.Ingestor
	pipeline *pipeline.Pipeline
	rules    rules.Source
	join     frame.JoinMode
	merger   frame.Merger
}

type buildOptions struct {
	// join and fallback override config when set.
	join       string
	noFallback bool
}

func setupLogging(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func oracleBackend(cfg config.Config) oracle.Backend {
	b := oracle.Backend{
		Name:    cfg.Oracle.Backend,
		BaseURL: cfg.Oracle.BaseURL,
		Model:   cfg.Oracle.Model,
		APIKey:  cfg.Oracle.APIKey,
		Timeout: config.Duration(cfg.Oracle.Timeout, 2*time.Minute),
	}
	// The default base URL points at Ollama; let the OpenRouter client use its own.
	if b.Name == "openrouter" && b.BaseURL == defaultOllamaURL {
		b.BaseURL = ""
	}
	return b
}

// ensureOracle checks the local model server when the backend is Ollama.
func ensureOracle(ctx context.Context, cfg config.Config, w io.Writer) error {
	if cfg.Oracle.Backend != "ollama" {
		return nil
	}
	return ollama.EnsureReady(ctx, ollama.New(cfg.Oracle.BaseURL), cfg.Oracle.Model, w)
}

func ruleSource(cfg config.Config) (rules.Source, error) {
	if cfg.Rules.File != "" {
		return rules.FileSource{Path: cfg.Rules.File}, nil
	}
	src, err := rules.NewHTTPClient(cfg.Rules.URL, config.Duration(cfg.Rules.Timeout, 10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("configuring rule service: %w", err)
	}
	return src, nil
}

func build(ctx context.Context, cfg config.Config, opts buildOptions, logger *slog.Logger) (*components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	joinName := cfg.Consolidate.Join
	if opts.join != "" {
		joinName = opts.join
	}
	join, err := frame.ParseJoinMode(joinName)
	if err != nil {
		return nil, err
	}

	src, err := ruleSource(cfg)
	if err != nil {
		return nil, err
	}

	orc, err := oracle.New(oracleBackend(cfg))
	if err != nil {
		return nil, fmt.Errorf("configuring oracle: %w", err)
	}
	exec := sandbox.New(config.Duration(cfg.Sandbox.Timeout, 30*time.Second), logger)

	loopOpts := []consolidate.Option{consolidate.WithLogger(logger)}
	if cfg.Consolidate.RequireRuleColumns {
		loopOpts = append(loopOpts, consolidate.WithAcceptance(rules.RequireColumns(src)))
	}
	loop := consolidate.New(orc, exec, loopOpts...)

	ing := archive.New(archive.Options{
		FetchTimeout: config.Duration(cfg.Ingest.FetchTimeout, time.Minute),
		MaxBytes:     int64(cfg.Ingest.MaxArchiveBytes),
		Logger:       logger,
	})

	merger := frame.Merger{}
	p := pipeline.New(ing, loop, pipeline.Options{
		Fallback: cfg.Consolidate.Fallback && !opts.noFallback,
		Join:     join,
		Rules:    src,
		Merger:   merger,
		Logger:   logger,
	})

	return &components{
		ingestor: ing,
		pipeline: p,
		rules:    src,
		join:     join,
		merger:   merger,
	}, nil
}
