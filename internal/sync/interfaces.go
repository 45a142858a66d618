// Package sync implements the bidirectional glucose synchronization engine.
// The download path mirrors Tidepool records into the local health store
// without duplicates; the upload path observes local store changes, buffers
// them in a durable queue, and drains the queue to Tidepool in fixed-size
// batches. Both paths share a generation counter for cooperative cancellation
// and are driven by the [Engine] scheduler.
//
// The package contains three main components:
//
//   - [Downloader] runs Tidepool → local-store sync, including verify-only
//     audits and the backward block walk used for long backfills.
//   - [Uploader] runs local-store → Tidepool sync via the pending queue.
//   - [Engine] schedules both on a polling loop with telemetry.
package sync

import (
	"context"
	"time"

	"github.com/tiderelay/tiderelay/internal/model"
	"github.com/tiderelay/tiderelay/internal/state"
)

// RemoteSource provides access to the Tidepool platform.
// Implemented by [tidepool.Adapter].
type RemoteSource interface {
	Ping(ctx context.Context) error
	FetchSamples(ctx context.Context, from, to time.Time) ([]model.Sample, error)
	CreateOrFetchUploadDestination(ctx context.Context) (string, error)
	SubmitBatch(ctx context.Context, destinationID, sessionID string, withManifest bool, entries []state.PendingEntry) error
}

// LocalStore provides access to the device health-sample store.
// Implemented by [healthstore.Store].
type LocalStore interface {
	Authorize(ctx context.Context, reads, writes bool) error
	QueryRange(ctx context.Context, from, to time.Time, typ string) ([]model.Sample, error)
	SaveSamples(ctx context.Context, samples []model.Sample) error
	ObserveChanges(ctx context.Context, typ, anchor string, handler func(added []model.Sample, deleted []string, newAnchor string)) error
	EnableBackgroundDelivery(typ string)
	DisableBackgroundDelivery(typ string)
}

// StateStore provides access to the durable sync state: the pending-upload
// queue, the download cursor, the upload anchor, and the status counters.
// Implemented by [state.Store].
type StateStore interface {
	AppendPending(ctx context.Context, entries []state.PendingEntry) error
	PeekPending(ctx context.Context, max int) ([]state.PendingEntry, error)
	RemovePending(ctx context.Context, entries []state.PendingEntry) error
	PendingCount(ctx context.Context) (int, error)

	DownloadCursor(ctx context.Context) (time.Time, error)
	SetDownloadCursor(ctx context.Context, t time.Time) error
	UploadAnchor(ctx context.Context) (string, error)
	SetUploadAnchor(ctx context.Context, anchor string) error

	LastDrainAt(ctx context.Context) (time.Time, error)
	SetLastDrainAt(ctx context.Context, t time.Time) error
	ClearLastDrainAt(ctx context.Context) error
	RecordUpload(ctx context.Context, at time.Time, batchSize int) error
}
