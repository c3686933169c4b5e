package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CONSOLIDA_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CONSOLIDA_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "CONSOLIDA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "oracle.backend", typ: kString, env: "CONSOLIDA_ORACLE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Oracle.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Oracle.Backend },
	},
	{
		key: "oracle.base_url", typ: kString, env: "CONSOLIDA_ORACLE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Oracle.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Oracle.BaseURL },
	},
	{
		key: "oracle.model", typ: kString, env: "CONSOLIDA_ORACLE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Oracle.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Oracle.Model },
	},
	{
		key: "oracle.timeout", typ: kString, env: "CONSOLIDA_ORACLE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Oracle.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Oracle.Timeout },
	},
	{
		key: "oracle.api_key", typ: kString, env: "CONSOLIDA_ORACLE_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Oracle.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Oracle.APIKey },
	},
	{
		key: "sandbox.timeout", typ: kString, env: "CONSOLIDA_SANDBOX_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Sandbox.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Sandbox.Timeout },
	},
	{
		key: "ingest.fetch_timeout", typ: kString, env: "CONSOLIDA_INGEST_FETCH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ingest.FetchTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.FetchTimeout },
	},
	{
		key: "ingest.max_archive_bytes", typ: kInt, env: "CONSOLIDA_INGEST_MAX_ARCHIVE_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxArchiveBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxArchiveBytes },
	},
	{
		key: "consolidate.fallback", typ: kBool, env: "CONSOLIDA_CONSOLIDATE_FALLBACK",
		apply:   func(cfg *Config, v any) { cfg.Consolidate.Fallback = v.(bool) },
		extract: func(cfg Config) any { return cfg.Consolidate.Fallback },
	},
	{
		key: "consolidate.join", typ: kString, env: "CONSOLIDA_CONSOLIDATE_JOIN",
		apply:   func(cfg *Config, v any) { cfg.Consolidate.Join = v.(string) },
		extract: func(cfg Config) any { return cfg.Consolidate.Join },
	},
	{
		key: "consolidate.require_rule_columns", typ: kBool, env: "CONSOLIDA_CONSOLIDATE_REQUIRE_RULE_COLUMNS",
		apply:   func(cfg *Config, v any) { cfg.Consolidate.RequireRuleColumns = v.(bool) },
		extract: func(cfg Config) any { return cfg.Consolidate.RequireRuleColumns },
	},
	{
		key: "rules.url", typ: kString, env: "CONSOLIDA_RULES_URL",
		apply:   func(cfg *Config, v any) { cfg.Rules.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Rules.URL },
	},
	{
		key: "rules.file", typ: kString, env: "CONSOLIDA_RULES_FILE",
		apply:   func(cfg *Config, v any) { cfg.Rules.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Rules.File },
	},
	{
		key: "rules.timeout", typ: kString, env: "CONSOLIDA_RULES_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Rules.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Rules.Timeout },
	},
	{
		key: "schedule.cron", typ: kString, env: "CONSOLIDA_SCHEDULE_CRON",
		apply:   func(cfg *Config, v any) { cfg.Schedule.Cron = v.(string) },
		extract: func(cfg Config) any { return cfg.Schedule.Cron },
	},
	{
		key: "schedule.source", typ: kString, env: "CONSOLIDA_SCHEDULE_SOURCE",
		apply:   func(cfg *Config, v any) { cfg.Schedule.Source = v.(string) },
		extract: func(cfg Config) any { return cfg.Schedule.Source },
	},
	{
		key: "inbox.dir", typ: kString, env: "CONSOLIDA_INBOX_DIR",
		apply:   func(cfg *Config, v any) { cfg.Inbox.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Inbox.Dir },
	},
	{
		key: "telemetry.exporter", typ: kString, env: "CONSOLIDA_TELEMETRY_EXPORTER",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Exporter = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.Exporter },
	},
	{
		key: "telemetry.endpoint", typ: kString, env: "CONSOLIDA_TELEMETRY_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.Endpoint },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
