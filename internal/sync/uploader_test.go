package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tiderelay/tiderelay/internal/model"
	"github.com/tiderelay/tiderelay/internal/state"
)

func localSample(id, bundle string) model.Sample {
	return model.Sample{
		ExternalID:     id,
		Type:           model.TypeBloodGlucose,
		Value:          120,
		Time:           time.Now().UTC(),
		SourceName:     "TestMeter",
		SourceBundleID: bundle,
	}
}

func pending(id string) state.PendingEntry {
	return state.PendingEntry{
		ExternalID: id,
		Action:     state.ActionAdded,
		Value:      120,
		Time:       time.Now().UTC(),
		EnqueuedAt: time.Now().UTC(),
	}
}

func newTestUploader(remote *mockRemote, local *mockLocal, st *mockState, sources ...string) *Uploader {
	return NewUploader(remote, local, st, sources, testLogger())
}

func TestEnableRegistersObserverFromAnchor(t *testing.T) {
	remote := &mockRemote{}
	local := &mockLocal{}
	st := newMockState()
	st.anchor = "17"
	u := newTestUploader(remote, local, st)

	if err := u.Enable(context.Background()); err != nil {
		t.Fatalf("Enable() error: %v", err)
	}

	if !local.reads || !local.writes {
		t.Error("Enable() should authorize reads and writes")
	}
	if local.observedAnchor != "17" {
		t.Errorf("observer anchor = %q, want the persisted %q", local.observedAnchor, "17")
	}
	if !local.background[model.TypeBloodGlucose] {
		t.Error("Enable() should turn on background delivery")
	}

	// Enabling again is a no-op, not a second registration.
	local.observedAnchor = "overwritten?"
	if err := u.Enable(context.Background()); err != nil {
		t.Fatalf("second Enable() error: %v", err)
	}
	if local.observedAnchor != "overwritten?" {
		t.Error("second Enable() re-registered the observer")
	}
}

func TestEnableDrainsBacklog(t *testing.T) {
	remote := &mockRemote{}
	st := newMockState()
	if err := st.AppendPending(context.Background(), []state.PendingEntry{pending("stale-1"), pending("stale-2")}); err != nil {
		t.Fatal(err)
	}
	u := newTestUploader(remote, &mockLocal{}, st)

	if err := u.Enable(context.Background()); err != nil {
		t.Fatalf("Enable() error: %v", err)
	}

	if got := remote.submittedIDs(); len(got) != 2 {
		t.Errorf("enable drained %v, want the 2 backlogged entries", got)
	}
	if n, _ := st.PendingCount(context.Background()); n != 0 {
		t.Errorf("queue holds %d entries after enable drain, want 0", n)
	}
}

func TestObserverQueuesAndAdvancesAnchor(t *testing.T) {
	remote := &mockRemote{}
	local := &mockLocal{}
	st := newMockState()
	u := newTestUploader(remote, local, st)
	if err := u.Enable(context.Background()); err != nil {
		t.Fatalf("Enable() error: %v", err)
	}

	local.deliver(
		[]model.Sample{localSample("n1", "org.example.meter")},
		[]string{"gone-1"},
		"42",
	)

	ids := st.pendingIDs()
	if len(ids) != 2 || ids[0] != "n1" || ids[1] != "gone-1" {
		t.Errorf("queued = %v, want [n1 gone-1]", ids)
	}
	entries, _ := st.PeekPending(context.Background(), 10)
	if entries[0].Action != state.ActionAdded || entries[1].Action != state.ActionDeleted {
		t.Errorf("actions = %v/%v, want added/deleted", entries[0].Action, entries[1].Action)
	}
	if st.anchor != "42" {
		t.Errorf("anchor = %q, want %q", st.anchor, "42")
	}
}

func TestObserverFiltersTypeAndProvenance(t *testing.T) {
	local := &mockLocal{}
	st := newMockState()
	u := newTestUploader(&mockRemote{}, local, st, "org.trusted.meter")
	if err := u.Enable(context.Background()); err != nil {
		t.Fatalf("Enable() error: %v", err)
	}

	heartRate := localSample("hr-1", "org.trusted.meter")
	heartRate.Type = "heartRate"
	local.deliver([]model.Sample{
		localSample("ok-1", "org.trusted.meter"),
		localSample("foreign-1", "org.unknown.app"),
		heartRate,
	}, nil, "9")

	ids := st.pendingIDs()
	if len(ids) != 1 || ids[0] != "ok-1" {
		t.Errorf("queued = %v, want just ok-1 (unrecognized source and type discarded)", ids)
	}
	// Discarded changes are consumed: the anchor still advances.
	if st.anchor != "9" {
		t.Errorf("anchor = %q, want %q", st.anchor, "9")
	}
}

func TestObserverKeepsAnchorOnAppendFailure(t *testing.T) {
	local := &mockLocal{}
	st := newMockState()
	st.anchor = "5"
	st.appendErr = errors.New("disk full")
	u := newTestUploader(&mockRemote{}, local, st)
	if err := u.Enable(context.Background()); err != nil {
		t.Fatalf("Enable() error: %v", err)
	}

	local.deliver([]model.Sample{localSample("lost?", "b")}, nil, "6")

	if st.anchor != "5" {
		t.Errorf("anchor = %q, want unchanged %q so the change is redelivered", st.anchor, "5")
	}
	if len(st.pendingIDs()) != 0 {
		t.Errorf("queue = %v, want empty", st.pendingIDs())
	}
}

func TestDrainBatches(t *testing.T) {
	remote := &mockRemote{}
	st := newMockState()
	var entries []state.PendingEntry
	for i := 0; i < 250; i++ {
		entries = append(entries, pending(fmt.Sprintf("e-%03d", i)))
	}
	if err := st.AppendPending(context.Background(), entries); err != nil {
		t.Fatal(err)
	}
	u := newTestUploader(remote, &mockLocal{}, st)

	n, err := u.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("DrainOnce() error: %v", err)
	}
	if n != 250 {
		t.Errorf("DrainOnce() = %d, want 250", n)
	}

	if len(remote.submits) != 3 {
		t.Fatalf("submit calls = %d, want 3 batches", len(remote.submits))
	}
	for i, want := range []int{100, 100, 50} {
		if len(remote.submits[i].entries) != want {
			t.Errorf("batch %d size = %d, want %d", i, len(remote.submits[i].entries), want)
		}
	}

	// Manifest goes out with the first batch only; session id is shared.
	if !remote.submits[0].withManifest {
		t.Error("first batch should carry the session manifest")
	}
	session := remote.submits[0].sessionID
	if session == "" {
		t.Error("session id should be set")
	}
	for i := 1; i < len(remote.submits); i++ {
		if remote.submits[i].withManifest {
			t.Errorf("batch %d carries a manifest", i)
		}
		if remote.submits[i].sessionID != session {
			t.Errorf("batch %d session = %q, want %q", i, remote.submits[i].sessionID, session)
		}
	}

	// Oldest entries first.
	ids := remote.submittedIDs()
	if ids[0] != "e-000" || ids[len(ids)-1] != "e-249" {
		t.Errorf("drain order broken: first %q last %q", ids[0], ids[len(ids)-1])
	}

	if n, _ := st.PendingCount(context.Background()); n != 0 {
		t.Errorf("queue holds %d entries after drain, want 0", n)
	}
	if st.lifetime != 250 || st.lastBatchSize != 250 {
		t.Errorf("counters = %d/%d, want 250/250", st.lifetime, st.lastBatchSize)
	}
	if st.drainAt.IsZero() {
		t.Error("drain time not recorded")
	}
}

func TestDrainFailureKeepsRemainder(t *testing.T) {
	remote := &mockRemote{submitErr: errors.New("503"), submitErrAfter: 2}
	st := newMockState()
	var entries []state.PendingEntry
	for i := 0; i < 150; i++ {
		entries = append(entries, pending(fmt.Sprintf("e-%03d", i)))
	}
	if err := st.AppendPending(context.Background(), entries); err != nil {
		t.Fatal(err)
	}
	u := newTestUploader(remote, &mockLocal{}, st)

	n, err := u.DrainOnce(context.Background())
	if err == nil {
		t.Fatal("DrainOnce() should surface the batch failure")
	}
	if n != 100 {
		t.Errorf("DrainOnce() = %d confirmed before failure, want 100", n)
	}

	// The failed batch stays queued, oldest-first, for the next drain.
	remaining := st.pendingIDs()
	if len(remaining) != 50 || remaining[0] != "e-100" {
		t.Errorf("remaining queue = %d entries starting %q, want 50 starting e-100", len(remaining), remaining[0])
	}

	remote.mu.Lock()
	remote.submitErr = nil
	remote.mu.Unlock()
	n, err = u.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("retry DrainOnce() error: %v", err)
	}
	if n != 50 {
		t.Errorf("retry DrainOnce() = %d, want 50", n)
	}
}

func TestDrainNothingQueued(t *testing.T) {
	remote := &mockRemote{}
	u := newTestUploader(remote, &mockLocal{}, newMockState())

	n, err := u.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("DrainOnce() error: %v", err)
	}
	if n != 0 {
		t.Errorf("DrainOnce() = %d, want 0", n)
	}
	if len(remote.submits) != 0 {
		t.Error("empty drain should not hit the network")
	}
}

func TestDrainRejectsConcurrent(t *testing.T) {
	u := newTestUploader(&mockRemote{}, &mockLocal{}, newMockState())
	u.draining.Store(true)

	if _, err := u.DrainOnce(context.Background()); !errors.Is(err, ErrDrainInProgress) {
		t.Errorf("err = %v, want ErrDrainInProgress", err)
	}
}

func TestDrainDestinationFailure(t *testing.T) {
	remote := &mockRemote{destErr: errors.New("403")}
	st := newMockState()
	if err := st.AppendPending(context.Background(), []state.PendingEntry{pending("e-1")}); err != nil {
		t.Fatal(err)
	}
	u := newTestUploader(remote, &mockLocal{}, st)

	if _, err := u.DrainOnce(context.Background()); err == nil {
		t.Fatal("DrainOnce() should fail when the destination cannot be resolved")
	}
	if len(st.pendingIDs()) != 1 {
		t.Error("queue must stay intact when no batch went out")
	}
}

func TestDisableKeepsQueue(t *testing.T) {
	local := &mockLocal{}
	st := newMockState()
	u := newTestUploader(&mockRemote{submitErr: errors.New("down")}, local, st)
	if err := u.Enable(context.Background()); err != nil {
		t.Fatalf("Enable() error: %v", err)
	}

	local.deliver([]model.Sample{localSample("kept-1", "b")}, nil, "3")
	st.drainAt = time.Now().UTC()

	if err := u.Disable(context.Background()); err != nil {
		t.Fatalf("Disable() error: %v", err)
	}

	if local.background[model.TypeBloodGlucose] {
		t.Error("Disable() should turn off background delivery")
	}
	if len(st.pendingIDs()) != 1 {
		t.Error("queued entries must survive a disable")
	}
	if !st.drainAt.IsZero() {
		t.Error("Disable() should clear the drain bookkeeping")
	}

	// Disabling again is a no-op.
	if err := u.Disable(context.Background()); err != nil {
		t.Errorf("second Disable() error: %v", err)
	}
}

func TestAddThenDeleteBeforeDrainUploadsDeletion(t *testing.T) {
	remote := &mockRemote{}
	local := &mockLocal{}
	st := newMockState()
	u := newTestUploader(remote, local, st)
	if err := u.Enable(context.Background()); err != nil {
		t.Fatalf("Enable() error: %v", err)
	}

	// The sample is added and removed again before any drain runs; only the
	// deletion may go out, or the remote resurrects the record.
	local.deliver([]model.Sample{localSample("flip", "b")}, nil, "1")
	local.deliver(nil, []string{"flip"}, "2")

	if _, err := u.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce() error: %v", err)
	}
	if len(remote.submits) != 1 || len(remote.submits[0].entries) != 1 {
		t.Fatalf("submits = %+v, want one batch of one entry", remote.submits)
	}
	e := remote.submits[0].entries[0]
	if e.ExternalID != "flip" || e.Action != state.ActionDeleted {
		t.Errorf("uploaded %q/%q, want flip/deleted", e.ExternalID, e.Action)
	}
}

func TestNoDuplicateUploads(t *testing.T) {
	remote := &mockRemote{}
	local := &mockLocal{}
	st := newMockState()
	u := newTestUploader(remote, local, st)
	if err := u.Enable(context.Background()); err != nil {
		t.Fatalf("Enable() error: %v", err)
	}

	// The same change redelivered twice (e.g. after a crashed anchor write)
	// must not queue twice.
	local.deliver([]model.Sample{localSample("once", "b")}, nil, "1")
	local.deliver([]model.Sample{localSample("once", "b")}, nil, "2")

	if n, _ := st.PendingCount(context.Background()); n != 1 {
		t.Fatalf("queue holds %d entries, want 1", n)
	}
	if _, err := u.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce() error: %v", err)
	}
	if got := remote.submittedIDs(); len(got) != 1 {
		t.Errorf("uploaded %v, want exactly one", got)
	}
}
