package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tiderelay/tiderelay/internal/model"
	"github.com/tiderelay/tiderelay/internal/state"
)

// uploadBatchSize bounds the number of queue entries per network call.
const uploadBatchSize = 100

// ErrDrainInProgress is returned when a drain attempt is rejected because
// another drain is already in flight.
var ErrDrainInProgress = errors.New("drain already in progress")

// Uploader mirrors local health-store changes to Tidepool. Observer callbacks
// append to the durable pending queue and return immediately; the actual
// network work happens in [Uploader.DrainOnce], which consumes the queue
// oldest-first in fixed-size batches. A failed batch leaves the queue intact
// for the next attempt.
type Uploader struct {
	remote RemoteSource
	local  LocalStore
	state  StateStore
	log    *slog.Logger

	// acceptedSources is the provenance allowlist for queued samples, keyed
	// by source bundle id. Empty means accept everything.
	acceptedSources map[string]struct{}

	mu            sync.Mutex
	enabled       bool
	cancelObserve context.CancelFunc

	draining atomic.Bool
}

// NewUploader creates an Uploader wired to the given adapters and state
// store. acceptedSources lists the source bundle ids whose samples are
// queued for upload; leave it empty to accept all sources.
func NewUploader(remote RemoteSource, local LocalStore, st StateStore, acceptedSources []string, logger *slog.Logger) *Uploader {
	accepted := make(map[string]struct{}, len(acceptedSources))
	for _, s := range acceptedSources {
		accepted[s] = struct{}{}
	}
	return &Uploader{
		remote:          remote,
		local:           local,
		state:           st,
		log:             logger,
		acceptedSources: accepted,
	}
}

// Enable authorizes the local store, registers the change observer from the
// persisted anchor, turns on background delivery, and attempts an immediate
// drain. Enabling an already-enabled uploader is a no-op.
func (u *Uploader) Enable(ctx context.Context) error {
	u.mu.Lock()
	if u.enabled {
		u.mu.Unlock()
		return nil
	}

	if err := u.local.Authorize(ctx, true, true); err != nil {
		u.mu.Unlock()
		return fmt.Errorf("authorizing local store: %w", err)
	}

	anchor, err := u.state.UploadAnchor(ctx)
	if err != nil {
		u.mu.Unlock()
		return fmt.Errorf("reading upload anchor: %w", err)
	}

	// The observer outlives the Enable call; Disable cancels it.
	obsCtx, cancel := context.WithCancel(context.Background())
	handler := func(added []model.Sample, deleted []string, newAnchor string) {
		u.onStoreChange(obsCtx, added, deleted, newAnchor)
	}
	if err := u.local.ObserveChanges(obsCtx, model.TypeBloodGlucose, anchor, handler); err != nil {
		cancel()
		u.mu.Unlock()
		return fmt.Errorf("registering change observer: %w", err)
	}
	u.local.EnableBackgroundDelivery(model.TypeBloodGlucose)

	u.cancelObserve = cancel
	u.enabled = true
	u.mu.Unlock()

	u.log.Info("uploader enabled", "anchor", anchor)

	// Always attempt a drain on enable so entries queued while disabled (or
	// before a restart) go out without waiting for the next change.
	if n, err := u.DrainOnce(ctx); err != nil && !errors.Is(err, ErrDrainInProgress) {
		u.log.Error("initial drain failed, entries remain queued", "error", err)
	} else if n > 0 {
		u.log.Info("initial drain complete", "uploaded", n)
	}

	return nil
}

// Disable unregisters the change observer and background delivery. The
// pending queue is kept — queued entries survive a disable/enable cycle —
// but the drain bookkeeping is cleared so the next enable drains immediately.
func (u *Uploader) Disable(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.enabled {
		return nil
	}

	u.cancelObserve()
	u.cancelObserve = nil
	u.local.DisableBackgroundDelivery(model.TypeBloodGlucose)
	u.enabled = false

	u.log.Info("uploader disabled, pending queue preserved")
	return u.state.ClearLastDrainAt(ctx)
}

// onStoreChange is the observer callback. It may run concurrently with an
// in-flight drain and must not block: it filters, appends to the durable
// queue, advances the anchor, and returns. The anchor is advanced only after
// the append succeeded, so a failed append is redelivered on the next
// anchored registration.
func (u *Uploader) onStoreChange(ctx context.Context, added []model.Sample, deleted []string, newAnchor string) {
	now := time.Now().UTC()
	entries := make([]state.PendingEntry, 0, len(added)+len(deleted))

	for i := range added {
		sample := &added[i]
		if sample.Type != model.TypeBloodGlucose {
			u.log.Debug("discarding sample of untracked type", "type", sample.Type)
			continue
		}
		if !u.accepted(sample) {
			u.log.Info("discarding sample from unrecognized source",
				"source", sample.SourceName,
				"bundle", sample.SourceBundleID,
			)
			continue
		}
		entries = append(entries, state.PendingEntry{
			ExternalID:      sample.ExternalID,
			Action:          state.ActionAdded,
			Value:           sample.Value,
			Time:            sample.Time,
			SourceName:      sample.SourceName,
			SourceBundleID:  sample.SourceBundleID,
			SourceVersion:   sample.SourceVersion,
			ManuallyEntered: sample.ManuallyEntered,
			EnqueuedAt:      now,
		})
	}

	for _, id := range deleted {
		entries = append(entries, state.PendingEntry{
			ExternalID: id,
			Action:     state.ActionDeleted,
			EnqueuedAt: now,
		})
	}

	if len(entries) > 0 {
		if err := u.state.AppendPending(ctx, entries); err != nil {
			// Not advancing the anchor makes the store redeliver this change
			// on the next anchored registration.
			u.log.Error("queueing pending entries failed, anchor not advanced",
				"entries", len(entries), "error", err)
			return
		}
		u.log.Debug("queued pending entries", "count", len(entries))
	}

	if err := u.state.SetUploadAnchor(ctx, newAnchor); err != nil {
		u.log.Error("persisting upload anchor failed", "anchor", newAnchor, "error", err)
	}
}

// DrainOnce uploads all currently queued entries in batches of at most
// uploadBatchSize per network call. One upload-session id is generated per
// drain and reused for every batch so Tidepool can correlate them; the
// session manifest is sent with the first batch only. Entries are removed
// only after their batch is confirmed. Returns the number uploaded.
func (u *Uploader) DrainOnce(ctx context.Context) (int, error) {
	if !u.draining.CompareAndSwap(false, true) {
		return 0, ErrDrainInProgress
	}
	defer u.draining.Store(false)

	count, err := u.state.PendingCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting pending entries: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	destination, err := u.remote.CreateOrFetchUploadDestination(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolving upload destination: %w", err)
	}
	sessionID := uuid.NewString()

	total := 0
	first := true
	for {
		batch, err := u.state.PeekPending(ctx, uploadBatchSize)
		if err != nil {
			return total, fmt.Errorf("peeking pending batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		if err := u.remote.SubmitBatch(ctx, destination, sessionID, first, batch); err != nil {
			// Queue left intact; the next drain retries from here.
			return total, fmt.Errorf("submitting batch of %d: %w", len(batch), err)
		}
		first = false

		if err := u.state.RemovePending(ctx, batch); err != nil {
			return total, fmt.Errorf("removing %d confirmed entries: %w", len(batch), err)
		}
		total += len(batch)
	}

	now := time.Now().UTC()
	if err := u.state.SetLastDrainAt(ctx, now); err != nil {
		u.log.Error("recording drain time failed", "error", err)
	}
	if err := u.state.RecordUpload(ctx, now, total); err != nil {
		u.log.Error("recording upload counters failed", "error", err)
	}

	u.log.Info("drain complete", "uploaded", total, "session", sessionID)
	return total, nil
}

// accepted reports whether the sample's provenance passes the allowlist.
func (u *Uploader) accepted(sample *model.Sample) bool {
	if len(u.acceptedSources) == 0 {
		return true
	}
	_, ok := u.acceptedSources[sample.SourceBundleID]
	return ok
}
