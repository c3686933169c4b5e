package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// appName names the config domain, data directories and secret service.
const appName = "consolida"

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Log         LogConfig
	Oracle      OracleConfig
	Sandbox     SandboxConfig
	Ingest      IngestConfig
	Consolidate ConsolidateConfig
	Rules       RulesConfig
	Schedule    ScheduleConfig
	Inbox       InboxConfig
	Telemetry   TelemetryConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// OracleConfig selects the code-generation backend.
type OracleConfig struct {
	Backend string // "ollama" or "openrouter"
	BaseURL string
	Model   string
	APIKey  string
	Timeout string
}

type SandboxConfig struct {
	Timeout string
}

type IngestConfig struct {
	FetchTimeout    string
	MaxArchiveBytes int
}

type ConsolidateConfig struct {
	Fallback           bool
	Join               string
	RequireRuleColumns bool
}

// RulesConfig points at the rule service. When File is set the rules are
// read from disk and URL is ignored.
type RulesConfig struct {
	URL     string
	File    string
	Timeout string
}

type ScheduleConfig struct {
	Cron   string
	Source string
}

type InboxConfig struct {
	Dir string
}

type TelemetryConfig struct {
	Exporter string // "none", "stdout" or "otlp-http"
	Endpoint string
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
		Oracle: OracleConfig{
			Backend: "ollama",
			BaseURL: "http://localhost:11434",
			Model:   "qwen2.5-coder",
			Timeout: "120s",
		},
		Sandbox: SandboxConfig{Timeout: "30s"},
		Ingest: IngestConfig{
			FetchTimeout:    "60s",
			MaxArchiveBytes: 256 << 20,
		},
		Consolidate: ConsolidateConfig{
			Fallback: true,
			Join:     "outer",
		},
		Rules: RulesConfig{
			URL:     "http://localhost:4100",
			Timeout: "10s",
		},
		Telemetry: TelemetryConfig{Exporter: "none"},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.consolida.app) and
// secrets fall back to macOS Keychain.
// Elsewhere the backend is a JSON file at $XDG_CONFIG_HOME/consolida/config.json,
// or $CONSOLIDA_CONFIG_FILE when set, and secrets live in
// $XDG_DATA_HOME/consolida/secrets.json.
//
// Environment variables (CONSOLIDA_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainStore{})
}

// keychain abstracts secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func loadWith(b Backend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Oracle.APIKey == "" {
		if key, err := kc.Get(appName, "oracle_api_key"); err == nil && key != "" {
			cfg.Oracle.APIKey = key
		}
	}

	if cfg.Oracle.Backend == "openrouter" && cfg.Oracle.APIKey == "" {
		msg := "missing required config: oracle API key for the openrouter backend. " +
			"Set it via environment variable CONSOLIDA_ORACLE_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	switch c.Oracle.Backend {
	case "ollama", "openrouter":
	default:
		return fmt.Errorf("invalid oracle.backend %q: want ollama or openrouter", c.Oracle.Backend)
	}
	switch c.Telemetry.Exporter {
	case "none", "stdout", "otlp-http":
	default:
		return fmt.Errorf("invalid telemetry.exporter %q", c.Telemetry.Exporter)
	}
	for key, v := range map[string]string{
		"oracle.timeout":       c.Oracle.Timeout,
		"sandbox.timeout":      c.Sandbox.Timeout,
		"ingest.fetch_timeout": c.Ingest.FetchTimeout,
		"rules.timeout":        c.Rules.Timeout,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
	}
	return nil
}

// Duration parses one of the duration-valued settings, falling back to def
// when the value is empty or malformed.
func Duration(v string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// APIToken returns the bearer token guarding the HTTP API, generating and
// storing one on first use.
func APIToken() (string, error) {
	return apiTokenWith(keychainStore{})
}

func apiTokenWith(kc keychain) (string, error) {
	if tok, err := kc.Get(appName, "api_token"); err == nil && tok != "" {
		return tok, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := kc.Set(appName, "api_token", tok); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return tok, nil
}

// keychainStore reads and writes the platform secret store.
type keychainStore struct{}

func (keychainStore) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (keychainStore) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
