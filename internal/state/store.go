// Package state manages the SQLite database holding tiderelay's durable sync
// state: the pending-upload queue, the download cursor, the upload anchor,
// and the lifetime status counters.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods. Every mutation runs in a
// transaction so a crash never leaves a partially recorded batch.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_uploads (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    external_id      TEXT    NOT NULL UNIQUE,
    action           TEXT    NOT NULL,
    value            REAL    NOT NULL DEFAULT 0,
    sample_time      TEXT    NOT NULL DEFAULT '',
    source_name      TEXT    NOT NULL DEFAULT '',
    source_bundle    TEXT    NOT NULL DEFAULT '',
    source_version   TEXT    NOT NULL DEFAULT '',
    manually_entered INTEGER NOT NULL DEFAULT 0,
    enqueued_at      TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sync_state (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// sync_state keys.
const (
	keyDownloadCursor   = "download_cursor"
	keyUploadAnchor     = "upload_anchor"
	keyLastDrainAt      = "last_drain_at"
	keyLastSyncAt       = "last_sync_at"
	keyLastBatchSize    = "last_batch_size"
	keyLifetimeUploaded = "lifetime_uploaded"
)

// Action distinguishes queue entries for newly added samples from entries for
// deletions observed in the local store.
type Action string

const (
	ActionAdded   Action = "added"
	ActionDeleted Action = "deleted"
)

// PendingEntry is a durably persisted record of a sample awaiting upload. It
// projects exactly the sample fields needed to build an upload payload.
// Entries are append-only: created when the local store delivers a change,
// deleted once, after the remote service confirms the batch containing them.
type PendingEntry struct {
	ExternalID      string
	Action          Action
	Value           float64
	Time            time.Time
	SourceName      string
	SourceBundleID  string
	SourceVersion   string
	ManuallyEntered bool
	EnqueuedAt      time.Time
}

// Status holds the read-only counters surfaced to the status command.
type Status struct {
	LastSyncAt       time.Time
	LastBatchSize    int
	LifetimeUploaded int64
}

// Store is the SQLite-backed sync-state repository.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the state database:
// ~/.local/share/tiderelay/state.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "tiderelay", "state.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL. Observer appends and a
	// concurrent drain serialise here instead of blocking their callers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- pending-upload queue ----------------------------------------------------

// AppendPending persists entries in insertion order within a single
// transaction. The queue never holds two entries for the same record: an
// entry whose external id is already queued is skipped, except that a
// deletion overwrites a still-queued add in place — the record was removed
// before it ever went out, so uploading the add would resurrect it remotely.
func (s *Store) AppendPending(ctx context.Context, entries []PendingEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
		INSERT INTO pending_uploads
		    (external_id, action, value, sample_time, source_name,
		     source_bundle, source_version, manually_entered, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
		    action = excluded.action,
		    enqueued_at = excluded.enqueued_at
		WHERE excluded.action = 'deleted' AND pending_uploads.action = 'added'`

	for _, e := range entries {
		_, err := tx.ExecContext(ctx, q,
			e.ExternalID,
			string(e.Action),
			e.Value,
			formatTime(e.Time),
			e.SourceName,
			e.SourceBundleID,
			e.SourceVersion,
			boolToInt(e.ManuallyEntered),
			formatTime(e.EnqueuedAt),
		)
		if err != nil {
			return fmt.Errorf("queueing entry %q: %w", e.ExternalID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing append: %w", err)
	}
	return nil
}

// PeekPending returns up to max oldest-first entries without removing them.
func (s *Store) PeekPending(ctx context.Context, max int) ([]PendingEntry, error) {
	const q = `
		SELECT external_id, action, value, sample_time, source_name,
		       source_bundle, source_version, manually_entered, enqueued_at
		FROM pending_uploads ORDER BY id LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, max)
	if err != nil {
		return nil, fmt.Errorf("querying pending uploads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []PendingEntry
	for rows.Next() {
		var e PendingEntry
		var action, sampleTime, enqueuedAt string
		var manual int
		err := rows.Scan(
			&e.ExternalID,
			&action,
			&e.Value,
			&sampleTime,
			&e.SourceName,
			&e.SourceBundleID,
			&e.SourceVersion,
			&manual,
			&enqueuedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning pending entry: %w", err)
		}
		e.Action = Action(action)
		e.ManuallyEntered = manual != 0
		e.Time, _ = parseTime(sampleTime)
		e.EnqueuedAt, _ = parseTime(enqueuedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RemovePending deletes exactly the given entries, identified by external id,
// within a single transaction. Deleting an already-absent id is a no-op, so
// removal after a redelivered confirmation cannot fail.
func (s *Store) RemovePending(ctx context.Context, entries []PendingEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting remove transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_uploads WHERE external_id = ?`, e.ExternalID); err != nil {
			return fmt.Errorf("removing entry %q: %w", e.ExternalID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing remove: %w", err)
	}
	return nil
}

// PendingCount returns the number of queued entries.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_uploads`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting pending uploads: %w", err)
	}
	return count, nil
}

// --- download cursor / upload anchor -----------------------------------------

// DownloadCursor returns the last successfully synced instant of the download
// path, or the zero time when no download has completed yet.
func (s *Store) DownloadCursor(ctx context.Context) (time.Time, error) {
	v, err := s.getValue(ctx, keyDownloadCursor)
	if err != nil {
		return time.Time{}, err
	}
	return parseTime(v)
}

// SetDownloadCursor records the last successfully synced instant. Called only
// after a download batch fully completes.
func (s *Store) SetDownloadCursor(ctx context.Context, t time.Time) error {
	return s.setValue(ctx, keyDownloadCursor, formatTime(t))
}

// UploadAnchor returns the persisted incremental-query token of the local
// store's change feed, or "" when no observer callback has completed yet.
func (s *Store) UploadAnchor(ctx context.Context) (string, error) {
	return s.getValue(ctx, keyUploadAnchor)
}

// SetUploadAnchor persists the anchor. Called only after the queue append for
// the corresponding delivery succeeded, so a failed append is redelivered.
func (s *Store) SetUploadAnchor(ctx context.Context, anchor string) error {
	return s.setValue(ctx, keyUploadAnchor, anchor)
}

// --- drain bookkeeping and status counters -----------------------------------

// LastDrainAt returns when the last successful drain finished, or the zero
// time when unknown (never drained, or cleared by a disable).
func (s *Store) LastDrainAt(ctx context.Context) (time.Time, error) {
	v, err := s.getValue(ctx, keyLastDrainAt)
	if err != nil {
		return time.Time{}, err
	}
	return parseTime(v)
}

// SetLastDrainAt records the completion instant of a successful drain.
func (s *Store) SetLastDrainAt(ctx context.Context, t time.Time) error {
	return s.setValue(ctx, keyLastDrainAt, formatTime(t))
}

// ClearLastDrainAt forgets the drain bookkeeping so the next enable attempts
// a drain immediately.
func (s *Store) ClearLastDrainAt(ctx context.Context) error {
	return s.setValue(ctx, keyLastDrainAt, "")
}

// RecordUpload updates the status counters after a successful drain.
func (s *Store) RecordUpload(ctx context.Context, at time.Time, batchSize int) error {
	if err := s.setValue(ctx, keyLastSyncAt, formatTime(at)); err != nil {
		return err
	}
	if err := s.setValue(ctx, keyLastBatchSize, strconv.Itoa(batchSize)); err != nil {
		return err
	}
	st, err := s.Status(ctx)
	if err != nil {
		return err
	}
	return s.setValue(ctx, keyLifetimeUploaded, strconv.FormatInt(st.LifetimeUploaded+int64(batchSize), 10))
}

// Status returns the persisted read-only counters for UI display.
func (s *Store) Status(ctx context.Context) (Status, error) {
	var st Status

	v, err := s.getValue(ctx, keyLastSyncAt)
	if err != nil {
		return st, err
	}
	st.LastSyncAt, _ = parseTime(v)

	if v, err = s.getValue(ctx, keyLastBatchSize); err != nil {
		return st, err
	}
	if v != "" {
		st.LastBatchSize, _ = strconv.Atoi(v)
	}

	if v, err = s.getValue(ctx, keyLifetimeUploaded); err != nil {
		return st, err
	}
	if v != "" {
		st.LifetimeUploaded, _ = strconv.ParseInt(v, 10, 64)
	}

	return st, nil
}

// --- helpers -----------------------------------------------------------------

func (s *Store) getValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading state key %q: %w", key, err)
	}
	return v, nil
}

func (s *Store) setValue(ctx context.Context, key, value string) error {
	const q = `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("writing state key %q: %w", key, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
