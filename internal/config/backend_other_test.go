//go:build !darwin

package config

import (
	"path/filepath"
	"testing"
)

func TestConfigFilePath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CONSOLIDA_CONFIG_FILE", "")
	t.Setenv("XDG_CONFIG_HOME", dir)
	if got, want := configFilePath(), filepath.Join(dir, "consolida", "config.json"); got != want {
		t.Errorf("configFilePath = %q, want %q", got, want)
	}

	override := filepath.Join(dir, "outro.json")
	t.Setenv("CONSOLIDA_CONFIG_FILE", override)
	if got := configFilePath(); got != override {
		t.Errorf("configFilePath = %q, want %q", got, override)
	}
}

func TestDataPaths(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)
	if got, want := defaultDataDir(), filepath.Join(dir, "consolida"); got != want {
		t.Errorf("defaultDataDir = %q, want %q", got, want)
	}
	if got, want := secretsFilePath(), filepath.Join(dir, "consolida", "secrets.json"); got != want {
		t.Errorf("secretsFilePath = %q, want %q", got, want)
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "config.json")
	t.Setenv("CONSOLIDA_CONFIG_FILE", path)

	b := newPlatformBackend()
	if err := b.SetString("oracle.model", "qwen2.5-coder:7b"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if err := b.SetInt("server.port", 4200); err != nil {
		t.Fatalf("SetInt: %v", err)
	}

	reloaded := newPlatformBackend()
	if v, ok, err := reloaded.GetString("oracle.model"); err != nil || !ok || v != "qwen2.5-coder:7b" {
		t.Errorf("GetString = %q, %v, %v", v, ok, err)
	}
	if v, ok, err := reloaded.GetInt("server.port"); err != nil || !ok || v != 4200 {
		t.Errorf("GetInt = %d, %v, %v", v, ok, err)
	}
	if err := reloaded.Delete("server.port"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := newPlatformBackend().GetInt("server.port"); ok {
		t.Error("server.port still present after Delete")
	}
}

func TestSecretsFileRoundTrip(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	if err := keychainSet(appName, "api_token", "abc"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}
	got, err := keychainGet(appName, "api_token")
	if err != nil || string(got) != "abc" {
		t.Errorf("keychainGet = %q, %v", got, err)
	}
	if _, err := keychainGet(appName, "oracle_api_key"); err == nil {
		t.Error("expected error for missing account")
	}
}
