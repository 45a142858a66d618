// Package setup implements the interactive first-run wizard that collects
// Tidepool credentials, verifies connectivity, and writes the config file.
package setup

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tiderelay/tiderelay/internal/config"
	"github.com/tiderelay/tiderelay/internal/tidepool"
)

// Wizard runs the interactive setup flow. reader and writer are os.Stdin and
// os.Stdout in production; tests can inject buffers for deterministic input.
type Wizard struct {
	scanner *bufio.Scanner
	w       io.Writer
	log     *slog.Logger
}

// NewWizard creates a Wizard wired to the given reader and writer.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger) *Wizard {
	return &Wizard{scanner: bufio.NewScanner(r), w: w, log: logger}
}

// Run prompts for the Tidepool connection settings, pings the instance to
// verify them, and writes the config file. An existing config file is only
// overwritten after confirmation.
func (z *Wizard) Run(ctx context.Context) error {
	cfgPath, err := config.DefaultPath()
	if err != nil {
		return err
	}

	fmt.Fprintln(z.w, "tiderelay setup")
	fmt.Fprintln(z.w, "")

	if _, err := os.Stat(cfgPath); err == nil {
		if !z.confirm(fmt.Sprintf("Config file %s exists. Overwrite?", cfgPath), false) {
			fmt.Fprintln(z.w, "Setup cancelled.")
			return nil
		}
	}

	baseURL := z.ask("Tidepool URL", "https://api.tidepool.org")
	token := z.ask("Session token", "")
	userID := z.ask("Tidepool user id", "")

	fmt.Fprintln(z.w, "")
	fmt.Fprintf(z.w, "Checking connectivity to %s...\n", baseURL)
	adapter, err := tidepool.NewAdapter(baseURL, token, userID, z.log)
	if err != nil {
		return fmt.Errorf("invalid Tidepool settings: %w", err)
	}
	if err := adapter.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to Tidepool at %q: %w\n\nCheck the URL and token and run setup again", baseURL, err)
	}
	fmt.Fprintln(z.w, "Tidepool reachable.")

	cfg := map[string]any{
		"tidepool_url":   baseURL,
		"tidepool_token": token,
		"user_id":        userID,
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(cfgPath, out, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", cfgPath, err)
	}

	fmt.Fprintln(z.w, "")
	fmt.Fprintf(z.w, "Config written to %s\n", cfgPath)
	fmt.Fprintln(z.w, "Run 'tiderelay daemon' to start syncing.")
	return nil
}

// ask prompts for a text value. Enter returns defaultVal; an empty defaultVal
// means the field is required and the prompt repeats.
func (z *Wizard) ask(label, defaultVal string) string {
	for {
		if defaultVal != "" {
			fmt.Fprintf(z.w, "  %s [%s]: ", label, defaultVal)
		} else {
			fmt.Fprintf(z.w, "  %s: ", label)
		}

		if !z.scanner.Scan() {
			return defaultVal
		}

		val := strings.TrimSpace(z.scanner.Text())
		if val == "" {
			if defaultVal != "" {
				return defaultVal
			}
			fmt.Fprintf(z.w, "  (required — please enter a value)\n")
			continue
		}
		return val
	}
}

// confirm asks a yes/no question. Enter returns defaultYes.
func (z *Wizard) confirm(label string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	fmt.Fprintf(z.w, "  %s %s: ", label, hint)

	if !z.scanner.Scan() {
		return defaultYes
	}
	answer := strings.TrimSpace(strings.ToLower(z.scanner.Text()))
	if answer == "" {
		return defaultYes
	}
	return answer == "y" || answer == "yes"
}
