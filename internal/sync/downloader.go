package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tiderelay/tiderelay/internal/model"
)

// blockSize is the window of a single backfill block. Bounding each fetch and
// save to one day keeps both the remote response and the local write bounded.
const blockSize = 24 * time.Hour

var (
	// ErrSyncInProgress is returned when a sync attempt is rejected because
	// another attempt is already active.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrSyncDisabled is returned when the download path is not enabled.
	ErrSyncDisabled = errors.New("sync is not enabled")

	// ErrSyncAborted is returned, with a count of 0, when an attempt observed
	// a stale generation token. Nothing was written; callers must not advance
	// cursors or continue a backfill walk on its behalf.
	ErrSyncAborted = errors.New("sync aborted")
)

// Downloader mirrors Tidepool records into the local health store. At most
// one attempt is logically active at a time, enforced by the in-progress
// flag; cancellation is cooperative through the shared [Generation].
type Downloader struct {
	remote RemoteSource
	local  LocalStore
	state  StateStore
	dedup  *DedupIndex
	gen    *Generation
	log    *slog.Logger

	enabled    atomic.Bool
	inProgress atomic.Bool
}

// NewDownloader creates a Downloader wired to the given adapters and shared
// generation counter. It starts enabled.
func NewDownloader(remote RemoteSource, local LocalStore, st StateStore, gen *Generation, logger *slog.Logger) *Downloader {
	d := &Downloader{
		remote: remote,
		local:  local,
		state:  st,
		dedup:  NewDedupIndex(logger),
		gen:    gen,
		log:    logger,
	}
	d.enabled.Store(true)
	return d
}

// SetEnabled turns the download path on or off. Disabling does not interrupt
// an in-flight attempt; use [Downloader.Abort] for that.
func (d *Downloader) SetEnabled(enabled bool) {
	d.enabled.Store(enabled)
}

// Sync performs one download attempt over [from, to].
//
// The returned count is the number of new samples saved, 0 for a no-op, and
// -1 when the attempt failed with the returned error. An attempt cancelled by
// [Downloader.Abort] returns (0, [ErrSyncAborted]) so callers can tell it
// apart from a genuinely empty window.
// With verifyOnly set the attempt audits instead of writing: the count is the
// number of local samples with no remote sample at the same timestamp.
//
// An attempt is rejected immediately when a sync is already in progress, the
// path is disabled, or Tidepool is unreachable.
func (d *Downloader) Sync(ctx context.Context, from, to time.Time, verifyOnly bool) (int, error) {
	if !d.enabled.Load() {
		return 0, ErrSyncDisabled
	}
	if !d.inProgress.CompareAndSwap(false, true) {
		return 0, ErrSyncInProgress
	}
	tok := d.gen.Current()
	defer d.finish(tok)

	if err := d.remote.Ping(ctx); err != nil {
		return -1, fmt.Errorf("tidepool unreachable: %w", err)
	}

	remote, err := d.remote.FetchSamples(ctx, from, to)
	if err != nil {
		return -1, fmt.Errorf("fetching remote samples: %w", err)
	}
	if tok.Stale() {
		d.log.Info("sync aborted during remote fetch", "from", from, "to", to)
		return 0, ErrSyncAborted
	}

	local, err := d.local.QueryRange(ctx, from, to, model.TypeBloodGlucose)
	if err != nil {
		return -1, fmt.Errorf("querying local samples: %w", err)
	}
	if tok.Stale() {
		d.log.Info("sync aborted during local query", "from", from, "to", to)
		return 0, ErrSyncAborted
	}

	if verifyOnly {
		missing := countMissingRemote(local, remote)
		d.log.Info("verify pass complete",
			"from", from, "to", to,
			"local", len(local), "remote", len(remote), "missing_remote", missing,
		)
		return missing, nil
	}

	fresh := d.dedup.FilterNew(remote, local)
	if len(fresh) == 0 {
		d.log.Debug("no new remote samples", "from", from, "to", to, "remote", len(remote))
		return 0, nil
	}
	if tok.Stale() {
		d.log.Info("sync aborted before save", "from", from, "to", to)
		return 0, ErrSyncAborted
	}

	if err := d.local.SaveSamples(ctx, fresh); err != nil {
		return -1, fmt.Errorf("saving %d samples: %w", len(fresh), err)
	}
	d.log.Info("download complete", "from", from, "to", to, "saved", len(fresh))
	return len(fresh), nil
}

// SyncLatest performs one rolling-window download ending now, resuming from
// the persisted download cursor when it trails the window. The cursor is
// advanced only after the attempt fully completes; a failed or aborted
// attempt leaves it where it was, so the range is retried next time.
func (d *Downloader) SyncLatest(ctx context.Context, window time.Duration) (int, error) {
	now := time.Now().UTC()
	from := now.Add(-window)

	cursor, err := d.state.DownloadCursor(ctx)
	if err != nil {
		return -1, fmt.Errorf("reading download cursor: %w", err)
	}
	if !cursor.IsZero() && cursor.Before(from) {
		from = cursor
	}

	n, err := d.Sync(ctx, from, now, false)
	if err != nil {
		return n, err
	}
	if err := d.state.SetDownloadCursor(ctx, now); err != nil {
		return n, fmt.Errorf("advancing download cursor: %w", err)
	}
	return n, nil
}

// Abort cancels the sync in progress. The eventual continuations of the
// aborted attempt observe a stale token, report 0, and touch nothing.
func (d *Downloader) Abort() {
	d.gen.Bump()
	d.inProgress.Store(false)
	d.log.Info("sync aborted")
}

// finish clears the in-progress flag exactly once per attempt. A stale token
// means Abort already cleared it, and possibly that a newer attempt owns the
// flag now.
func (d *Downloader) finish(tok Token) {
	if !tok.Stale() {
		d.inProgress.Store(false)
	}
}

// Backfill downloads history in fixed-size blocks, walking backward from now
// to target. Blocks are strictly sequential: each one completes before the
// next starts, and an aborted block ends the walk instead of letting later
// blocks start fresh attempts. Returns the total number of samples saved.
func (d *Downloader) Backfill(ctx context.Context, target time.Time) (int, error) {
	w := newBlockWalker(target, time.Now().UTC())
	total := 0
	for {
		from, to, ok := w.nextBlock()
		if !ok {
			d.log.Info("backfill complete", "target", target, "saved", total)
			return total, nil
		}
		n, err := d.Sync(ctx, from, to, false)
		if errors.Is(err, ErrSyncAborted) {
			d.log.Info("backfill aborted", "target", target, "saved", total)
			return total, err
		}
		if err != nil {
			return total, fmt.Errorf("backfill block [%s, %s]: %w", from, to, err)
		}
		if n > 0 {
			total += n
		}
	}
}

// countMissingRemote returns the number of local samples that have no remote
// sample at the same timestamp. Timestamp matching is a weak heuristic, used
// only for this audit, never for dedup.
func countMissingRemote(local, remote []model.Sample) int {
	remoteTimes := make(map[int64]struct{}, len(remote))
	for i := range remote {
		remoteTimes[remote[i].Time.UnixNano()] = struct{}{}
	}
	missing := 0
	for i := range local {
		if _, ok := remoteTimes[local[i].Time.UnixNano()]; !ok {
			missing++
		}
	}
	return missing
}

// blockWalker yields contiguous download blocks walking backward from "now"
// toward a target start date. The earliest block is clamped to the target, so
// the union of all blocks covers [target, now] exactly.
type blockWalker struct {
	target time.Time
	next   time.Time // end of the next block
	done   bool
}

func newBlockWalker(target, now time.Time) *blockWalker {
	return &blockWalker{target: target, next: now}
}

// nextBlock returns the next block to download, or ok=false when the walk has
// reached the target.
func (w *blockWalker) nextBlock() (from, to time.Time, ok bool) {
	if w.done || !w.next.After(w.target) {
		w.done = true
		return time.Time{}, time.Time{}, false
	}
	to = w.next
	from = to.Add(-blockSize)
	if from.Before(w.target) {
		from = w.target
	}
	w.next = from
	return from, to, true
}
