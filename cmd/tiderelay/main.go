// Tiderelay is a daemon that mirrors blood-glucose records between a Tidepool
// instance and the local health-sample store, bidirectionally, without
// duplicates.
//
// Usage:
//
//	tiderelay setup                       # interactive first-run wizard
//	tiderelay daemon [--config <path>]    # start the polling sync loop
//	tiderelay sync-once [--config ...]    # single sync pass then exit
//	tiderelay backfill --days N           # block-walk historical download
//	tiderelay verify --days N             # audit local vs remote, no writes
//	tiderelay status                      # show config & sync state
//	tiderelay version                     # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tiderelay/tiderelay/internal/config"
	"github.com/tiderelay/tiderelay/internal/healthstore"
	"github.com/tiderelay/tiderelay/internal/setup"
	"github.com/tiderelay/tiderelay/internal/state"
	syncp "github.com/tiderelay/tiderelay/internal/sync"
	"github.com/tiderelay/tiderelay/internal/telemetry"
	"github.com/tiderelay/tiderelay/internal/tidepool"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run() error {
	// Local .env files may carry TIDEPOOL_TOKEN; absence is fine.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "setup":
		return runSetup()
	case "daemon":
		return runSync(os.Args[2:], true)
	case "sync-once":
		return runSync(os.Args[2:], false)
	case "backfill":
		return runBackfill(os.Args[2:])
	case "verify":
		return runVerify(os.Args[2:])
	case "status":
		return runStatus()
	case "version":
		fmt.Println("tiderelay", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q — run 'tiderelay' for usage", cmd)
	}
}

// printUsage shows help and suggests setup if no config exists.
func printUsage() error {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "Tiderelay — mirror blood-glucose data between Tidepool and the local health store")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  tiderelay setup                    Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  tiderelay daemon [--config ...]    Run as continuous daemon")
	fmt.Fprintln(os.Stderr, "  tiderelay sync-once [--config ..]  Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  tiderelay backfill --days N        Download N days of history in day blocks")
	fmt.Fprintln(os.Stderr, "  tiderelay verify --days N          Audit local store against Tidepool (no writes)")
	fmt.Fprintln(os.Stderr, "  tiderelay status                   Show config & sync state")
	fmt.Fprintln(os.Stderr, "  tiderelay version                  Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintln(os.Stderr, "No config file found. Run 'tiderelay setup' to get started.")
	}

	os.Exit(1)
	return nil // unreachable
}

// --- Subcommands -------------------------------------------------------------

// runSetup launches the interactive setup wizard.
func runSetup() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	wiz := setup.NewWizard(os.Stdin, os.Stdout, logger)
	return wiz.Run(ctx)
}

// runSync handles both "daemon" and "sync-once".
func runSync(args []string, daemon bool) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, cleanup, err := buildApp(*cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := app.uploader.Enable(ctx); err != nil {
		return fmt.Errorf("enabling uploader: %w", err)
	}
	defer func() {
		disableCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.uploader.Disable(disableCtx); err != nil {
			app.log.Error("disabling uploader", "error", err)
		}
	}()

	engine := syncp.NewEngine(app.downloader, app.uploader, app.cfg.DownloadWindow, app.cfg.PollInterval, app.log)

	if !daemon {
		app.log.Info("running single sync pass")
		downloaded, uploaded, err := engine.RunOnce(ctx)
		app.log.Info("sync complete", "downloaded", downloaded, "uploaded", uploaded)
		return err
	}

	app.log.Info("daemon starting", "poll_interval", app.cfg.PollInterval)
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync engine: %w", err)
	}
	app.log.Info("shutdown complete")
	return nil
}

// runBackfill downloads N days of history in day-sized blocks.
func runBackfill(args []string) error {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	days := fs.Int("days", 90, "number of days of history to download")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *days <= 0 {
		return fmt.Errorf("--days must be positive")
	}

	app, cleanup, err := buildApp(*cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := app.local.Authorize(ctx, true, true); err != nil {
		return fmt.Errorf("authorizing local store: %w", err)
	}

	target := time.Now().UTC().AddDate(0, 0, -*days)
	saved, err := app.downloader.Backfill(ctx, target)
	if err != nil {
		return fmt.Errorf("backfill (saved %d before failing): %w", saved, err)
	}
	fmt.Printf("Backfill complete: %d samples saved over %d days.\n", saved, *days)
	return nil
}

// runVerify audits the local store against Tidepool without writing.
func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	days := fs.Int("days", 7, "number of days to audit")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *days <= 0 {
		return fmt.Errorf("--days must be positive")
	}

	app, cleanup, err := buildApp(*cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := app.local.Authorize(ctx, true, false); err != nil {
		return fmt.Errorf("authorizing local store: %w", err)
	}

	now := time.Now().UTC()
	missing, err := app.downloader.Sync(ctx, now.AddDate(0, 0, -*days), now, true)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	fmt.Printf("Verify complete: %d local samples missing from Tidepool in the last %d days.\n", missing, *days)
	return nil
}

// runStatus prints the current configuration and sync state.
func runStatus() error {
	cfgPath, _ := config.DefaultPath()

	fmt.Println("Tiderelay Status")
	fmt.Println("────────────────")

	var dataDir string
	if _, err := os.Stat(cfgPath); err == nil {
		if cfg, loadErr := config.Load(cfgPath); loadErr == nil {
			fmt.Printf("  Config:      %s ✓\n", cfgPath)
			fmt.Printf("  Tidepool:    %s (user %s)\n", cfg.TidepoolURL, cfg.UserID)
			fmt.Printf("  Poll:        %s\n", cfg.PollInterval)
			fmt.Printf("  Window:      %s\n", cfg.DownloadWindow)
			dataDir = cfg.DataDir
		} else {
			fmt.Printf("  Config:      %s (invalid: %v)\n", cfgPath, loadErr)
		}
	} else {
		fmt.Printf("  Config:      not found (%s)\n", cfgPath)
		return nil
	}

	statePath, err := stateDBPath(dataDir)
	if err != nil {
		return err
	}
	if _, err := os.Stat(statePath); err != nil {
		fmt.Println("  State DB:    not found")
		return nil
	}

	store, err := state.Open(statePath)
	if err != nil {
		return fmt.Errorf("opening state DB: %w", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	st, err := store.Status(ctx)
	if err != nil {
		return fmt.Errorf("reading status: %w", err)
	}
	pending, err := store.PendingCount(ctx)
	if err != nil {
		return fmt.Errorf("counting pending uploads: %w", err)
	}
	cursor, err := store.DownloadCursor(ctx)
	if err != nil {
		return fmt.Errorf("reading download cursor: %w", err)
	}

	fmt.Printf("  State DB:    %s\n", statePath)
	fmt.Printf("  Pending:     %d queued upload(s)\n", pending)
	if st.LastSyncAt.IsZero() {
		fmt.Println("  Last sync:   never")
	} else {
		fmt.Printf("  Last sync:   %s (batch of %d)\n", st.LastSyncAt.Format(time.RFC3339), st.LastBatchSize)
	}
	fmt.Printf("  Uploaded:    %d sample(s) lifetime\n", st.LifetimeUploaded)
	if cursor.IsZero() {
		fmt.Println("  Downloaded:  never")
	} else {
		fmt.Printf("  Downloaded:  through %s\n", cursor.Format(time.RFC3339))
	}

	return nil
}

// --- Shared wiring -----------------------------------------------------------

// app bundles the constructed collaborators. Everything is built once per
// process and passed explicitly; there is no shared global state.
type app struct {
	cfg        *config.Config
	log        *slog.Logger
	local      *healthstore.Store
	downloader *syncp.Downloader
	uploader   *syncp.Uploader
}

// buildApp loads the config and constructs the stores, adapters, and sync
// components. The returned cleanup closes everything in reverse order.
func buildApp(cfgPath string, verbose bool) (*app, func(), error) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded",
		"tidepool_url", cfg.TidepoolURL,
		"poll_interval", cfg.PollInterval,
		"download_window", cfg.DownloadWindow,
	)

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			cleanups = append(cleanups, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	statePath, err := stateDBPath(cfg.DataDir)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	stateStore, err := state.Open(statePath)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("opening state DB at %q: %w", statePath, err)
	}
	cleanups = append(cleanups, func() {
		if err := stateStore.Close(); err != nil {
			logger.Error("closing state DB", "error", err)
		}
	})
	logger.Info("state DB opened", "path", statePath)

	healthPath, err := healthDBPath(cfg.DataDir)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	local, err := healthstore.Open(healthPath, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("opening health store at %q: %w", healthPath, err)
	}
	cleanups = append(cleanups, func() {
		if err := local.Close(); err != nil {
			logger.Error("closing health store", "error", err)
		}
	})

	remote, err := tidepool.NewAdapter(cfg.TidepoolURL, cfg.TidepoolToken, cfg.UserID, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("initialising Tidepool client: %w", err)
	}

	gen := &syncp.Generation{}
	downloader := syncp.NewDownloader(remote, local, stateStore, gen, logger)
	uploader := syncp.NewUploader(remote, local, stateStore, cfg.AcceptedSources, logger)

	return &app{
		cfg:        cfg,
		log:        logger,
		local:      local,
		downloader: downloader,
		uploader:   uploader,
	}, cleanup, nil
}

func stateDBPath(dataDir string) (string, error) {
	if dataDir != "" {
		return filepath.Join(dataDir, "state.db"), nil
	}
	return state.DefaultDBPath()
}

func healthDBPath(dataDir string) (string, error) {
	if dataDir != "" {
		return filepath.Join(dataDir, "health.db"), nil
	}
	return healthstore.DefaultDBPath()
}
