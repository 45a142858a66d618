// Package healthstore implements the on-device health-sample store that the
// sync engine mirrors against Tidepool. It is a SQLite database of typed
// samples plus an append-only change feed, exposing the operations the engine
// consumes: authorization, time-ranged queries, atomic saves and deletes, and
// anchored incremental change observation with optional background delivery.
//
// The change feed is keyed by a monotonic sequence number; the sequence value
// is the opaque anchor handed back to observers. An observer registered with
// an old anchor is redelivered everything recorded since, which is what makes
// a crashed queue append safe: the anchor is only persisted by the caller
// after the append succeeded.
package healthstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/tiderelay/tiderelay/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS samples (
    uid              TEXT    PRIMARY KEY,
    sample_type      TEXT    NOT NULL,
    external_id      TEXT    NOT NULL DEFAULT '',
    value            REAL    NOT NULL,
    sample_time      TEXT    NOT NULL,
    source_name      TEXT    NOT NULL DEFAULT '',
    source_bundle    TEXT    NOT NULL DEFAULT '',
    source_version   TEXT    NOT NULL DEFAULT '',
    manually_entered INTEGER NOT NULL DEFAULT 0,
    metadata         TEXT    NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_samples_type_time ON samples (sample_type, sample_time);

CREATE TABLE IF NOT EXISTS changes (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    action      TEXT    NOT NULL,
    uid         TEXT    NOT NULL,
    sample_type TEXT    NOT NULL
);
`

const (
	actionAdded   = "added"
	actionDeleted = "deleted"
)

// ErrNotAuthorized is returned by queries and saves before [Store.Authorize]
// has granted the corresponding access.
var ErrNotAuthorized = errors.New("healthstore: access not authorized")

// ChangeHandler receives one incremental change delivery: samples added since
// the previous anchor, uids deleted since it, and the new anchor to persist.
type ChangeHandler func(added []model.Sample, deleted []string, newAnchor string)

// Store is the SQLite-backed health-sample store.
type Store struct {
	db  *sql.DB
	log *slog.Logger

	mu         sync.Mutex
	reads      bool
	writes     bool
	background map[string]bool
	watchers   []chan struct{}
}

// DefaultDBPath returns the default path for the health database:
// ~/.local/share/tiderelay/health.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "tiderelay", "health.db"), nil
}

// Open opens (or creates) the health database at path and applies the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating health store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{
		db:         db,
		log:        logger,
		background: make(map[string]bool),
	}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Authorize grants read and/or write access for subsequent operations. It
// models the platform permission prompt; this implementation always grants
// what is requested and records the grant for the lifetime of the process.
func (s *Store) Authorize(_ context.Context, reads, writes bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reads {
		s.reads = true
	}
	if writes {
		s.writes = true
	}
	return nil
}

// QueryRange returns all samples of the given type with a timestamp in
// [from, to], ordered by time.
func (s *Store) QueryRange(ctx context.Context, from, to time.Time, typ string) ([]model.Sample, error) {
	if !s.authorized(true, false) {
		return nil, ErrNotAuthorized
	}

	const q = `
		SELECT uid, external_id, value, sample_time, source_name,
		       source_bundle, source_version, manually_entered, metadata
		FROM samples
		WHERE sample_type = ? AND sample_time >= ? AND sample_time <= ?
		ORDER BY sample_time`
	rows, err := s.db.QueryContext(ctx, q, typ, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("querying samples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var samples []model.Sample
	for rows.Next() {
		sample, _, err := scanSample(rows, typ)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// SaveSamples persists samples and their change-feed rows in a single
// transaction, then signals observers. A duplicate uid fails the whole call
// and leaves the store untouched.
func (s *Store) SaveSamples(ctx context.Context, samples []model.Sample) error {
	if !s.authorized(false, true) {
		return ErrNotAuthorized
	}
	if len(samples) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting save transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	types := make(map[string]bool, 1)
	for i := range samples {
		sample := &samples[i]
		uid := sample.ExternalID
		if uid == "" {
			uid = uuid.NewString()
		}

		meta, err := json.Marshal(sample.TagMetadata())
		if err != nil {
			return fmt.Errorf("encoding metadata for %q: %w", uid, err)
		}

		const ins = `
			INSERT INTO samples
			    (uid, sample_type, external_id, value, sample_time, source_name,
			     source_bundle, source_version, manually_entered, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err = tx.ExecContext(ctx, ins,
			uid,
			sample.Type,
			sample.ExternalID,
			sample.Value,
			formatTime(sample.Time),
			sample.SourceName,
			sample.SourceBundleID,
			sample.SourceVersion,
			boolToInt(sample.ManuallyEntered),
			string(meta),
		)
		if err != nil {
			return fmt.Errorf("saving sample %q: %w", uid, err)
		}

		const chg = `INSERT INTO changes (action, uid, sample_type) VALUES (?, ?, ?)`
		if _, err := tx.ExecContext(ctx, chg, actionAdded, uid, sample.Type); err != nil {
			return fmt.Errorf("recording change for %q: %w", uid, err)
		}
		types[sample.Type] = true
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing save: %w", err)
	}

	s.notify(types)
	return nil
}

// DeleteSamples removes the samples with the given uids and records a deleted
// change-feed row for each, in a single transaction. Missing uids are no-ops.
func (s *Store) DeleteSamples(ctx context.Context, typ string, uids []string) error {
	if !s.authorized(false, true) {
		return ErrNotAuthorized
	}
	if len(uids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting delete transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, uid := range uids {
		res, err := tx.ExecContext(ctx, `DELETE FROM samples WHERE uid = ? AND sample_type = ?`, uid, typ)
		if err != nil {
			return fmt.Errorf("deleting sample %q: %w", uid, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		const chg = `INSERT INTO changes (action, uid, sample_type) VALUES (?, ?, ?)`
		if _, err := tx.ExecContext(ctx, chg, actionDeleted, uid, typ); err != nil {
			return fmt.Errorf("recording deletion of %q: %w", uid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	s.notify(map[string]bool{typ: true})
	return nil
}

// ChangesSince returns all changes of the given type recorded after anchor
// (an opaque token previously returned by this method, or "" for the start
// of the feed), and the new anchor. Added uids whose sample has since been
// deleted are reported only as deletions.
func (s *Store) ChangesSince(ctx context.Context, typ, anchor string) (added []model.Sample, deleted []string, newAnchor string, err error) {
	since := parseAnchor(anchor)

	const q = `
		SELECT seq, action, uid FROM changes
		WHERE sample_type = ? AND seq > ?
		ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, q, typ, since)
	if err != nil {
		return nil, nil, anchor, fmt.Errorf("querying change feed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	last := since
	var addedUIDs []string
	for rows.Next() {
		var seq int64
		var action, uid string
		if err := rows.Scan(&seq, &action, &uid); err != nil {
			return nil, nil, anchor, fmt.Errorf("scanning change row: %w", err)
		}
		last = seq
		switch action {
		case actionAdded:
			addedUIDs = append(addedUIDs, uid)
		case actionDeleted:
			deleted = append(deleted, uid)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, anchor, err
	}

	for _, uid := range addedUIDs {
		sample, ok, err := s.sampleByUID(ctx, typ, uid)
		if err != nil {
			return nil, nil, anchor, err
		}
		if ok {
			added = append(added, sample)
		}
	}

	return added, deleted, formatAnchor(last), nil
}

// ObserveChanges registers an incremental observer for the given sample type,
// starting from anchor. The handler is invoked from a dedicated goroutine —
// once immediately if there is a backlog, then after every signalled change —
// and must not block for long. Observation ends when ctx is cancelled.
func (s *Store) ObserveChanges(ctx context.Context, typ, anchor string, handler func(added []model.Sample, deleted []string, newAnchor string)) error {
	if !s.authorized(true, false) {
		return ErrNotAuthorized
	}

	signal := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers = append(s.watchers, signal)
	s.mu.Unlock()

	go func() {
		defer s.removeWatcher(signal)

		current := anchor
		deliver := func() {
			added, deleted, next, err := s.ChangesSince(ctx, typ, current)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Error("change delivery failed", "type", typ, "error", err)
				}
				return
			}
			if len(added) == 0 && len(deleted) == 0 {
				return
			}
			handler(added, deleted, next)
			current = next
		}

		// Deliver any backlog recorded while no observer was registered.
		deliver()

		for {
			select {
			case <-ctx.Done():
				return
			case <-signal:
				deliver()
			}
		}
	}()

	return nil
}

// EnableBackgroundDelivery makes saves and deletes of the given type signal
// registered observers immediately.
func (s *Store) EnableBackgroundDelivery(typ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.background[typ] = true
}

// DisableBackgroundDelivery stops signalling observers for the given type.
// Changes still accrue in the feed and are delivered on the next registration
// or the next signalled change.
func (s *Store) DisableBackgroundDelivery(typ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.background[typ] = false
}

// --- helpers -----------------------------------------------------------------

func (s *Store) authorized(needReads, needWrites bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if needReads && !s.reads {
		return false
	}
	if needWrites && !s.writes {
		return false
	}
	return true
}

// notify signals all watchers for the changed types, non-blocking. Types with
// background delivery disabled are skipped.
func (s *Store) notify(types map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	signal := false
	for typ := range types {
		if s.background[typ] {
			signal = true
		}
	}
	if !signal {
		return
	}

	for _, w := range s.watchers {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

func (s *Store) removeWatcher(signal chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.watchers {
		if w == signal {
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			return
		}
	}
}

func (s *Store) sampleByUID(ctx context.Context, typ, uid string) (model.Sample, bool, error) {
	const q = `
		SELECT uid, external_id, value, sample_time, source_name,
		       source_bundle, source_version, manually_entered, metadata
		FROM samples WHERE uid = ? AND sample_type = ?`
	row := s.db.QueryRowContext(ctx, q, uid, typ)
	sample, ok, err := scanSample(row, typ)
	if err != nil {
		return model.Sample{}, false, err
	}
	return sample, ok, nil
}

// scanner matches both *sql.Row and *sql.Rows so scanSample can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanSample(r scanner, typ string) (model.Sample, bool, error) {
	var sample model.Sample
	var uid, sampleTime, meta string
	var manual int

	err := r.Scan(
		&uid,
		&sample.ExternalID,
		&sample.Value,
		&sampleTime,
		&sample.SourceName,
		&sample.SourceBundleID,
		&sample.SourceVersion,
		&manual,
		&meta,
	)
	if err == sql.ErrNoRows {
		return model.Sample{}, false, nil
	}
	if err != nil {
		return model.Sample{}, false, fmt.Errorf("scanning sample row: %w", err)
	}

	sample.Type = typ
	sample.ManuallyEntered = manual != 0
	sample.Time, _ = parseTime(sampleTime)
	if sample.ExternalID == "" {
		// Locally created samples use their uid as the queue identity.
		sample.ExternalID = uid
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &sample.Metadata); err != nil {
			return model.Sample{}, false, fmt.Errorf("decoding metadata for %q: %w", uid, err)
		}
	}
	return sample, true, nil
}

func formatAnchor(seq int64) string {
	if seq == 0 {
		return ""
	}
	return strconv.FormatInt(seq, 10)
}

func parseAnchor(anchor string) int64 {
	if anchor == "" {
		return 0
	}
	n, _ := strconv.ParseInt(anchor, 10, 64)
	return n
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// formatTime uses a fixed-width fraction so that lexicographic comparison of
// stored timestamps matches chronological order. RFC3339Nano would trim
// trailing zeros and break the range queries.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
