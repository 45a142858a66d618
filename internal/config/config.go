// Package config loads and validates the tiderelay YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// TidepoolURL is the base URL of the Tidepool instance
	// (e.g. "https://api.tidepool.org").
	TidepoolURL string `yaml:"tidepool_url"`

	// TidepoolToken is the session token used to authenticate with Tidepool.
	// The TIDEPOOL_TOKEN environment variable, when set, overrides this value
	// so the token can be kept out of the config file.
	TidepoolToken string `yaml:"tidepool_token"`

	// UserID is the Tidepool user whose glucose data is mirrored.
	UserID string `yaml:"user_id"`

	// PollInterval controls how often a sync pass runs in daemon mode.
	// Minimum 10s, maximum 5m. Defaults to 30s if unset.
	PollInterval time.Duration `yaml:"poll_interval"`

	// DownloadWindow is the rolling time window fetched by each download
	// pass. Minimum 1h, maximum 720h. Defaults to 24h if unset.
	DownloadWindow time.Duration `yaml:"download_window"`

	// AcceptedSources lists the source bundle ids whose local samples are
	// uploaded. Samples from any other source are logged and discarded.
	// Empty means upload samples from every source.
	AcceptedSources []string `yaml:"accepted_sources,omitempty"`

	// DataDir overrides the directory holding the state and health
	// databases. Defaults to ~/.local/share/tiderelay.
	DataDir string `yaml:"data_dir,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "tiderelay".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/tiderelay/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "tiderelay", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path. The
// TIDEPOOL_TOKEN environment variable, when set, overrides tidepool_token.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if tok := os.Getenv("TIDEPOOL_TOKEN"); tok != "" {
		cfg.TidepoolToken = tok
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required fields are present and well-formed.
func (c *Config) validate() error {
	if c.TidepoolURL == "" {
		return fmt.Errorf("tidepool_url is required")
	}
	u, err := url.ParseRequestURI(c.TidepoolURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("tidepool_url %q must be a valid http or https URL", c.TidepoolURL)
	}

	if c.TidepoolToken == "" {
		return fmt.Errorf("tidepool_token is required (or set TIDEPOOL_TOKEN)")
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}

	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.PollInterval < 10*time.Second {
		return fmt.Errorf("poll_interval %v is too short (minimum 10s)", c.PollInterval)
	}
	if c.PollInterval > 5*time.Minute {
		return fmt.Errorf("poll_interval %v is too long (maximum 5m)", c.PollInterval)
	}

	if c.DownloadWindow == 0 {
		c.DownloadWindow = 24 * time.Hour
	}
	if c.DownloadWindow < time.Hour {
		return fmt.Errorf("download_window %v is too short (minimum 1h)", c.DownloadWindow)
	}
	if c.DownloadWindow > 720*time.Hour {
		return fmt.Errorf("download_window %v is too long (maximum 720h)", c.DownloadWindow)
	}

	for i, s := range c.AcceptedSources {
		if s == "" {
			return fmt.Errorf("accepted_sources[%d] is empty", i)
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
