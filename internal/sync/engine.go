package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelScope        = "tiderelay/sync"
	spanPass         = "sync.pass"
	metricDownloaded = "tiderelay.sync.samples.downloaded"
	metricUploaded   = "tiderelay.sync.samples.uploaded"
	metricErrors     = "tiderelay.sync.errors"

	// minRetryInterval is the shortest gap between passes after a failed one.
	minRetryInterval = time.Minute
)

// Engine schedules both sync paths: each pass drains the pending-upload queue
// and runs one rolling-window download. Create one with [NewEngine] and start
// it with [Engine.Run].
type Engine struct {
	downloader   *Downloader
	uploader     *Uploader
	window       time.Duration
	pollInterval time.Duration
	log          *slog.Logger

	// OTel instruments — always non-nil (no-op when telemetry is disabled).
	tracer        trace.Tracer
	cntDownloaded metric.Int64Counter
	cntUploaded   metric.Int64Counter
	cntErrors     metric.Int64Counter

	lastFailure time.Time
}

// NewEngine creates an Engine. window is the rolling download window of a
// single pass; pollInterval is the gap between passes in [Engine.Run].
func NewEngine(downloader *Downloader, uploader *Uploader, window, pollInterval time.Duration, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		downloader:   downloader,
		uploader:     uploader,
		window:       window,
		pollInterval: pollInterval,
		log:          logger,

		tracer:        tracer,
		cntDownloaded: mustCounter(metricDownloaded, "Number of samples saved to the local store during sync"),
		cntUploaded:   mustCounter(metricUploaded, "Number of samples uploaded to Tidepool during sync"),
		cntErrors:     mustCounter(metricErrors, "Number of errors encountered during sync"),
	}
}

// pass runs one full sync pass (drain then download), recording a trace span
// and metrics.
func (e *Engine) pass(ctx context.Context) (downloaded, uploaded int, err error) {
	ctx, span := e.tracer.Start(ctx, spanPass)
	defer span.End()

	var errs []error

	uploaded, upErr := e.uploader.DrainOnce(ctx)
	if upErr != nil && !errors.Is(upErr, ErrDrainInProgress) {
		errs = append(errs, upErr)
	}

	downloaded, downErr := e.downloader.SyncLatest(ctx, e.window)
	if downErr != nil {
		downloaded = 0
		// In-progress and aborted attempts are cooperative outcomes, not
		// failures; the next scheduled pass picks the range up again.
		if !errors.Is(downErr, ErrSyncInProgress) && !errors.Is(downErr, ErrSyncAborted) {
			errs = append(errs, downErr)
		}
	}

	if uploaded > 0 {
		e.cntUploaded.Add(ctx, int64(uploaded))
	}
	if downloaded > 0 {
		e.cntDownloaded.Add(ctx, int64(downloaded))
	}
	if len(errs) > 0 {
		e.cntErrors.Add(ctx, int64(len(errs)))
	}

	span.SetAttributes(
		attribute.Int("sync.downloaded", downloaded),
		attribute.Int("sync.uploaded", uploaded),
		attribute.Int("sync.errors", len(errs)),
	)

	err = errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
	}
	return downloaded, uploaded, err
}

// RunOnce performs a single sync pass and returns the counts.
func (e *Engine) RunOnce(ctx context.Context) (downloaded, uploaded int, err error) {
	return e.pass(ctx)
}

// Run starts the polling loop. A pass runs immediately, then once per
// pollInterval; after a failed pass the next one is held back until
// minRetryInterval has elapsed. Run blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	runPass := func() {
		if !e.lastFailure.IsZero() && time.Since(e.lastFailure) < minRetryInterval {
			e.log.Debug("holding back sync pass after recent failure")
			return
		}
		if _, _, err := e.pass(ctx); err != nil {
			e.lastFailure = time.Now()
			e.log.Error("sync pass failed", "error", err)
			return
		}
		e.lastFailure = time.Time{}
	}

	runPass()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			runPass()
		}
	}
}
