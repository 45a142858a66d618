package sync

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tiderelay/tiderelay/internal/model"
	"github.com/tiderelay/tiderelay/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- mockRemote ----------------------------------------------------------------

type fetchCall struct {
	from, to time.Time
}

type submitCall struct {
	destination  string
	sessionID    string
	withManifest bool
	entries      []state.PendingEntry
}

type mockRemote struct {
	mu sync.Mutex

	pingErr error

	fetchResult []model.Sample
	fetchErr    error
	fetchCalls  []fetchCall
	onFetch     func(call int) []model.Sample // optional per-call override / hook

	destination string
	destErr     error

	submitErr      error
	submitErrAfter int // fail the Nth submit (1-based); 0 fails every submit
	submits        []submitCall
}

func (m *mockRemote) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *mockRemote) FetchSamples(_ context.Context, from, to time.Time) ([]model.Sample, error) {
	m.mu.Lock()
	m.fetchCalls = append(m.fetchCalls, fetchCall{from: from, to: to})
	call := len(m.fetchCalls)
	hook := m.onFetch
	result, err := m.fetchResult, m.fetchErr
	m.mu.Unlock()

	if hook != nil {
		if r := hook(call); r != nil {
			result = r
		}
	}
	return result, err
}

func (m *mockRemote) CreateOrFetchUploadDestination(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destErr != nil {
		return "", m.destErr
	}
	if m.destination == "" {
		return "dataset-1", nil
	}
	return m.destination, nil
}

func (m *mockRemote) SubmitBatch(_ context.Context, destinationID, sessionID string, withManifest bool, entries []state.PendingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	call := len(m.submits) + 1
	if m.submitErr != nil && (m.submitErrAfter == 0 || call == m.submitErrAfter) {
		return m.submitErr
	}
	m.submits = append(m.submits, submitCall{
		destination:  destinationID,
		sessionID:    sessionID,
		withManifest: withManifest,
		entries:      append([]state.PendingEntry(nil), entries...),
	})
	return nil
}

func (m *mockRemote) submittedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, s := range m.submits {
		for _, e := range s.entries {
			ids = append(ids, e.ExternalID)
		}
	}
	return ids
}

// --- mockLocal -----------------------------------------------------------------

type mockLocal struct {
	mu sync.Mutex

	authorizeErr error
	reads        bool
	writes       bool

	queryResult []model.Sample
	queryErr    error

	saved   [][]model.Sample
	saveErr error

	observeErr     error
	observedAnchor string
	handler        func(added []model.Sample, deleted []string, newAnchor string)

	background map[string]bool
}

func (m *mockLocal) Authorize(_ context.Context, reads, writes bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.authorizeErr != nil {
		return m.authorizeErr
	}
	m.reads = m.reads || reads
	m.writes = m.writes || writes
	return nil
}

func (m *mockLocal) QueryRange(context.Context, time.Time, time.Time, string) ([]model.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queryResult, m.queryErr
}

func (m *mockLocal) SaveSamples(_ context.Context, samples []model.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, append([]model.Sample(nil), samples...))
	return nil
}

func (m *mockLocal) ObserveChanges(_ context.Context, _ string, anchor string, handler func(added []model.Sample, deleted []string, newAnchor string)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.observeErr != nil {
		return m.observeErr
	}
	m.observedAnchor = anchor
	m.handler = handler
	return nil
}

func (m *mockLocal) EnableBackgroundDelivery(typ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.background == nil {
		m.background = make(map[string]bool)
	}
	m.background[typ] = true
}

func (m *mockLocal) DisableBackgroundDelivery(typ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.background == nil {
		m.background = make(map[string]bool)
	}
	m.background[typ] = false
}

func (m *mockLocal) savedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, batch := range m.saved {
		n += len(batch)
	}
	return n
}

func (m *mockLocal) deliver(added []model.Sample, deleted []string, newAnchor string) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	h(added, deleted, newAnchor)
}

// --- mockState -----------------------------------------------------------------

type mockState struct {
	mu sync.Mutex

	queue   []state.PendingEntry
	queued  map[string]bool
	cursor  time.Time
	anchor  string
	drainAt time.Time

	lastSyncAt    time.Time
	lastBatchSize int
	lifetime      int64

	appendErr error
	peekErr   error
	removeErr error
	countErr  error
}

func newMockState() *mockState {
	return &mockState{queued: make(map[string]bool)}
}

func (m *mockState) AppendPending(_ context.Context, entries []state.PendingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	for _, e := range entries {
		if m.queued[e.ExternalID] {
			// A deletion overwrites a still-queued add in place.
			if e.Action == state.ActionDeleted {
				for i := range m.queue {
					if m.queue[i].ExternalID == e.ExternalID && m.queue[i].Action == state.ActionAdded {
						m.queue[i].Action = state.ActionDeleted
					}
				}
			}
			continue
		}
		m.queued[e.ExternalID] = true
		m.queue = append(m.queue, e)
	}
	return nil
}

func (m *mockState) PeekPending(_ context.Context, max int) ([]state.PendingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peekErr != nil {
		return nil, m.peekErr
	}
	if max > len(m.queue) {
		max = len(m.queue)
	}
	return append([]state.PendingEntry(nil), m.queue[:max]...), nil
}

func (m *mockState) RemovePending(_ context.Context, entries []state.PendingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeErr != nil {
		return m.removeErr
	}
	for _, e := range entries {
		for i := range m.queue {
			if m.queue[i].ExternalID == e.ExternalID {
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				delete(m.queued, e.ExternalID)
				break
			}
		}
	}
	return nil
}

func (m *mockState) PendingCount(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue), m.countErr
}

func (m *mockState) DownloadCursor(context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor, nil
}

func (m *mockState) SetDownloadCursor(_ context.Context, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor = t
	return nil
}

func (m *mockState) UploadAnchor(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.anchor, nil
}

func (m *mockState) SetUploadAnchor(_ context.Context, anchor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anchor = anchor
	return nil
}

func (m *mockState) LastDrainAt(context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drainAt, nil
}

func (m *mockState) SetLastDrainAt(_ context.Context, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drainAt = t
	return nil
}

func (m *mockState) ClearLastDrainAt(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drainAt = time.Time{}
	return nil
}

func (m *mockState) RecordUpload(_ context.Context, at time.Time, batchSize int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSyncAt = at
	m.lastBatchSize = batchSize
	m.lifetime += int64(batchSize)
	return nil
}

func (m *mockState) pendingIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.queue))
	for i := range m.queue {
		ids[i] = m.queue[i].ExternalID
	}
	return ids
}
