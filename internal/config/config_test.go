package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
providers:
  default: mock
  mock:
    enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want 8080", cfg.Server.HTTPPort)
	}
	if cfg.Server.WebhookPath != "/webhooks/voice" {
		t.Errorf("WebhookPath = %q", cfg.Server.WebhookPath)
	}
	if cfg.Stream.SampleRate != 8000 {
		t.Errorf("SampleRate = %d, want 8000", cfg.Stream.SampleRate)
	}
	if cfg.Mixer.MaxParticipants != 16 {
		t.Errorf("MaxParticipants = %d, want 16", cfg.Mixer.MaxParticipants)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
logging:
  level: debug
server:
  http_port: 9999
`)
	path := writeFile(t, dir, "config.yaml", `
$include: base.yaml
server:
  http_port: 8081
providers:
  default: mock
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug from include", cfg.Logging.Level)
	}
	if cfg.Server.HTTPPort != 8081 {
		t.Errorf("HTTPPort = %d, want including file to win", cfg.Server.HTTPPort)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeFile(t, dir, "b.yaml", "$include: a.yaml\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected include cycle error")
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("VW_TEST_TOKEN", "tok-abc123token456")
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
providers:
  default: twilio
  twilio:
    enabled: true
    account_sid: AC123
    auth_token: ${VW_TEST_TOKEN}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Twilio.AuthToken != "tok-abc123token456" {
		t.Errorf("AuthToken = %q", cfg.Providers.Twilio.AuthToken)
	}
}

func TestValidateRejectsIncompleteProvider(t *testing.T) {
	cfg := Default()
	cfg.Providers.Twilio.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for twilio without credentials")
	}
}

func TestValidateRejectsUnframableSampleRate(t *testing.T) {
	cfg := Default()
	cfg.Stream.SampleRate = 11025
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for sample rate not divisible by 50")
	}

	// 44100 divides into whole 20ms frames (882 samples) and is legal.
	cfg.Stream.SampleRate = 44100
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate(44100) = %v, want nil", err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "bogus_section:\n  key: value\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	if cfg.Server.ShutdownTimeout != 15*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.Server.ShutdownTimeout)
	}
}
