package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
tidepool_url: https://api.tidepool.org
tidepool_token: secret-token
user_id: user-123
poll_interval: 1m
download_window: 48h
accepted_sources:
  - org.example.meter
telemetry:
  otlp_endpoint: localhost:4317
  insecure: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.TidepoolURL != "https://api.tidepool.org" {
		t.Errorf("TidepoolURL = %q", cfg.TidepoolURL)
	}
	if cfg.TidepoolToken != "secret-token" {
		t.Errorf("TidepoolToken = %q", cfg.TidepoolToken)
	}
	if cfg.UserID != "user-123" {
		t.Errorf("UserID = %q", cfg.UserID)
	}
	if cfg.PollInterval != time.Minute {
		t.Errorf("PollInterval = %v, want 1m", cfg.PollInterval)
	}
	if cfg.DownloadWindow != 48*time.Hour {
		t.Errorf("DownloadWindow = %v, want 48h", cfg.DownloadWindow)
	}
	if len(cfg.AcceptedSources) != 1 || cfg.AcceptedSources[0] != "org.example.meter" {
		t.Errorf("AcceptedSources = %v", cfg.AcceptedSources)
	}
	if cfg.Telemetry == nil || cfg.Telemetry.OTLPEndpoint != "localhost:4317" || !cfg.Telemetry.Insecure {
		t.Errorf("Telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
tidepool_url: https://api.tidepool.org
tidepool_token: secret-token
user_id: user-123
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Errorf("default PollInterval = %v, want 30s", cfg.PollInterval)
	}
	if cfg.DownloadWindow != 24*time.Hour {
		t.Errorf("default DownloadWindow = %v, want 24h", cfg.DownloadWindow)
	}
	if cfg.Telemetry != nil {
		t.Error("telemetry should be nil when the block is omitted")
	}
}

func TestLoadTokenFromEnv(t *testing.T) {
	path := writeConfig(t, `
tidepool_url: https://api.tidepool.org
tidepool_token: from-file
user_id: user-123
`)
	t.Setenv("TIDEPOOL_TOKEN", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.TidepoolToken != "from-env" {
		t.Errorf("TidepoolToken = %q, want the environment override", cfg.TidepoolToken)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
tidepool_url: https://api.tidepool.org
tidepool_token: secret
user_id: user-123
tidepol_url: typo
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() should reject unknown keys")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() should fail for a missing file")
	}
}

func TestValidate(t *testing.T) {
	base := `
tidepool_url: https://api.tidepool.org
tidepool_token: secret
user_id: user-123
`
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing url", "tidepool_token: t\nuser_id: u\n", "tidepool_url is required"},
		{"bad url", "tidepool_url: not-a-url\ntidepool_token: t\nuser_id: u\n", "must be a valid http or https URL"},
		{"missing token", "tidepool_url: https://x.org\nuser_id: u\n", "tidepool_token is required"},
		{"missing user", "tidepool_url: https://x.org\ntidepool_token: t\n", "user_id is required"},
		{"poll too short", base + "poll_interval: 1s\n", "too short"},
		{"poll too long", base + "poll_interval: 10m\n", "too long"},
		{"window too short", base + "download_window: 10m\n", "too short"},
		{"window too long", base + "download_window: 1000h\n", "too long"},
		{"empty source", base + "accepted_sources: [\"\"]\n", "accepted_sources[0] is empty"},
		{"telemetry without endpoint", base + "telemetry:\n  insecure: true\n", "otlp_endpoint is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Guard against a token in the test environment masking failures.
			t.Setenv("TIDEPOOL_TOKEN", "")

			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatalf("Load() should fail with %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}
