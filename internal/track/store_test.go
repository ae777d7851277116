package track

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func mustTask(t *testing.T, s *Store, id string) Task {
	t.Helper()
	task, ok := s.Task(id)
	if !ok {
		t.Fatalf("Task(%q) not found", id)
	}
	return task
}

func taskAt(id string, status Status, updatedAt time.Time) Task {
	return Task{
		ID:     id,
		Status: status,
		Progress: Progress{
			StartedAt: updatedAt.Add(-time.Minute),
			UpdatedAt: updatedAt,
		},
	}
}

func TestStoreEnqueueRegistersPendingTask(t *testing.T) {
	s := NewStore(Options{Feature: "backtest"})
	defer s.Close()

	s.Enqueue("bt-1", "backtest")
	s.Enqueue("bt-1", "backtest")

	task := mustTask(t, s, "bt-1")
	if task.Status != StatusPending {
		t.Fatalf("Status = %q, want %q", task.Status, StatusPending)
	}
	if task.Progress.Mode != "backtest" {
		t.Fatalf("Progress.Mode = %q, want %q", task.Progress.Mode, "backtest")
	}
	if got := s.SelectedID(); got != "bt-1" {
		t.Fatalf("SelectedID() = %q, want %q", got, "bt-1")
	}
	if got := s.ActiveIDs(); len(got) != 1 || got[0] != "bt-1" {
		t.Fatalf("ActiveIDs() = %v, want [bt-1]", got)
	}
	if got := s.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
}

func TestStoreEnqueueMovesActiveIDToFront(t *testing.T) {
	s := NewStore(Options{Feature: "backtest"})
	defer s.Close()

	s.Enqueue("bt-1", "backtest")
	s.Enqueue("bt-2", "backtest")
	s.Enqueue("bt-1", "backtest")

	got := s.ActiveIDs()
	want := []string{"bt-1", "bt-2"}
	if len(got) != len(want) {
		t.Fatalf("ActiveIDs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ActiveIDs()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStoreEnqueueKnownIDKeepsState(t *testing.T) {
	s := NewStore(Options{Feature: "backtest"})
	defer s.Close()

	s.Enqueue("bt-1", "backtest")
	running := taskAt("bt-1", StatusRunning, time.Now().UTC())
	running.Progress.ProcessedCount = 7
	running.Progress.TotalCount = 10
	s.UpsertStatus(running)

	s.Enqueue("bt-1", "backtest")

	task := mustTask(t, s, "bt-1")
	if task.Status != StatusRunning {
		t.Fatalf("Status after re-enqueue = %q, want %q", task.Status, StatusRunning)
	}
	if task.Progress.ProcessedCount != 7 {
		t.Fatalf("ProcessedCount = %d, want 7", task.Progress.ProcessedCount)
	}
	if got := s.ActiveIDs(); len(got) != 1 {
		t.Fatalf("ActiveIDs() = %v, want exactly one entry", got)
	}
}

func TestStoreUpsertStatusTerminalIsAbsorbing(t *testing.T) {
	s := NewStore(Options{Feature: "backtest"})
	defer s.Close()

	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	s.UpsertStatus(taskAt("bt-1", StatusRunning, base))

	done := taskAt("bt-1", StatusSucceeded, base.Add(time.Minute))
	done.Result = json.RawMessage(`{"sharpe":1.42}`)
	s.UpsertStatus(done)

	s.UpsertStatus(taskAt("bt-1", StatusRunning, base.Add(2*time.Minute)))
	s.UpsertStatus(taskAt("bt-1", StatusFailed, base.Add(3*time.Minute)))

	task := mustTask(t, s, "bt-1")
	if task.Status != StatusSucceeded {
		t.Fatalf("Status = %q, want %q", task.Status, StatusSucceeded)
	}
	if string(task.Result) != `{"sharpe":1.42}` {
		t.Fatalf("Result = %s, want original payload", task.Result)
	}
	if got := s.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", got)
	}

	// A refreshed document with the same terminal status still replaces.
	refreshed := taskAt("bt-1", StatusSucceeded, base.Add(4*time.Minute))
	s.UpsertStatus(refreshed)
	task = mustTask(t, s, "bt-1")
	if !task.Progress.UpdatedAt.Equal(base.Add(4 * time.Minute)) {
		t.Fatalf("UpdatedAt = %v, want %v", task.Progress.UpdatedAt, base.Add(4*time.Minute))
	}
}

func TestStoreMarkFailed(t *testing.T) {
	s := NewStore(Options{Feature: "sweep"})
	defer s.Close()

	before := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	running := taskAt("sw-1", StatusRunning, before)
	running.Progress.ProcessedCount = 40
	running.Result = json.RawMessage(`{"partial":true}`)
	s.UpsertStatus(running)

	if !s.MarkFailed("sw-1", "task no longer known to the engine", CodeTaskNotFound) {
		t.Fatalf("MarkFailed() = false, want true")
	}

	task := mustTask(t, s, "sw-1")
	if task.Status != StatusFailed {
		t.Fatalf("Status = %q, want %q", task.Status, StatusFailed)
	}
	if task.Error != "task no longer known to the engine" {
		t.Fatalf("Error = %q, want lost-task message", task.Error)
	}
	if task.ErrorCode != CodeTaskNotFound {
		t.Fatalf("ErrorCode = %q, want %q", task.ErrorCode, CodeTaskNotFound)
	}
	if task.Result != nil {
		t.Fatalf("Result = %s, want nil", task.Result)
	}
	if task.Progress.ProcessedCount != 40 {
		t.Fatalf("ProcessedCount = %d, want 40", task.Progress.ProcessedCount)
	}
	if !task.Progress.UpdatedAt.After(before) {
		t.Fatalf("UpdatedAt = %v, want after %v", task.Progress.UpdatedAt, before)
	}
	if got := s.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", got)
	}

	if s.MarkFailed("sw-1", "again", "") {
		t.Fatalf("MarkFailed() on terminal task = true, want false")
	}
	if s.MarkFailed("sw-unknown", "nope", "") {
		t.Fatalf("MarkFailed() on unknown task = true, want false")
	}
}

func TestStoreRemove(t *testing.T) {
	s := NewStore(Options{Feature: "backtest"})
	defer s.Close()

	s.Enqueue("bt-1", "backtest")
	if !s.Remove("bt-1") {
		t.Fatalf("Remove() = false, want true")
	}
	if _, ok := s.Task("bt-1"); ok {
		t.Fatalf("Task() found after Remove")
	}
	if got := s.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", got)
	}
	if s.Remove("bt-1") {
		t.Fatalf("Remove() on unknown id = true, want false")
	}
}

func TestStoreSelect(t *testing.T) {
	s := NewStore(Options{Feature: "backtest"})
	defer s.Close()

	s.Enqueue("bt-1", "backtest")
	s.Enqueue("bt-2", "backtest")

	if !s.Select("bt-1") {
		t.Fatalf("Select(bt-1) = false, want true")
	}
	if got := s.SelectedID(); got != "bt-1" {
		t.Fatalf("SelectedID() = %q, want %q", got, "bt-1")
	}
	if s.Select("bt-missing") {
		t.Fatalf("Select() on unknown id = true, want false")
	}
	if got := s.SelectedID(); got != "bt-1" {
		t.Fatalf("SelectedID() after failed Select = %q, want %q", got, "bt-1")
	}
}

func TestStoreClearFinished(t *testing.T) {
	s := NewStore(Options{Feature: "backtest"})
	defer s.Close()

	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	s.UpsertStatus(taskAt("keep-pending", StatusPending, base))
	s.UpsertStatus(taskAt("keep-running", StatusRunning, base.Add(time.Minute)))
	s.UpsertStatus(taskAt("keep-paused", StatusPaused, base.Add(2*time.Minute)))
	s.UpsertStatus(taskAt("drop-ok", StatusSucceeded, base.Add(3*time.Minute)))
	s.UpsertStatus(taskAt("drop-bad", StatusFailed, base.Add(4*time.Minute)))
	s.UpsertStatus(taskAt("drop-cancel", StatusCancelled, base.Add(5*time.Minute)))
	s.Select("drop-ok")

	if got := s.ClearFinished(); got != 3 {
		t.Fatalf("ClearFinished() = %d, want 3", got)
	}
	if got := s.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
	for _, id := range []string{"keep-pending", "keep-running", "keep-paused"} {
		if _, ok := s.Task(id); !ok {
			t.Fatalf("Task(%q) dropped, want kept", id)
		}
	}
	// Selection falls over to the most recently updated survivor.
	if got := s.SelectedID(); got != "keep-paused" {
		t.Fatalf("SelectedID() = %q, want %q", got, "keep-paused")
	}
	if got := s.ClearFinished(); got != 0 {
		t.Fatalf("second ClearFinished() = %d, want 0", got)
	}
}

func TestStoreRetentionEvictsOldest(t *testing.T) {
	s := NewStore(Options{Feature: "backtest", Limit: 3})
	defer s.Close()

	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"t1", "t2", "t3"} {
		s.UpsertStatus(taskAt(id, StatusPending, base.Add(time.Duration(i)*time.Minute)))
	}
	s.Select("t1")

	s.UpsertStatus(taskAt("t4", StatusPending, base.Add(3*time.Minute)))

	if _, ok := s.Task("t1"); ok {
		t.Fatalf("t1 survived, want evicted as oldest")
	}
	// The evicted task was selected; selection repairs to the newest entry.
	if got := s.SelectedID(); got != "t4" {
		t.Fatalf("SelectedID() = %q, want %q", got, "t4")
	}

	s.UpsertStatus(taskAt("t5", StatusPending, base.Add(4*time.Minute)))

	if got := s.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
	tasks := s.Tasks()
	wantOrder := []string{"t5", "t4", "t3"}
	for i, want := range wantOrder {
		if tasks[i].ID != want {
			t.Fatalf("Tasks()[%d].ID = %q, want %q", i, tasks[i].ID, want)
		}
	}
	// Evicted ids leave the active list with their entries.
	if got := s.ActiveIDs(); len(got) != 3 {
		t.Fatalf("ActiveIDs() = %v, want 3 entries", got)
	}
	if got := s.SelectedID(); got != "t4" {
		t.Fatalf("SelectedID() = %q, want %q", got, "t4")
	}
}

func TestStoreObserversRunAfterMutation(t *testing.T) {
	s := NewStore(Options{Feature: "backtest"})
	defer s.Close()

	var mu sync.Mutex
	calls := 0
	seenLen := -1
	s.OnChange(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	// Observers run outside the store lock, so reading back must not block.
	s.OnChange(func() {
		mu.Lock()
		seenLen = s.Len()
		mu.Unlock()
	})

	s.Enqueue("bt-1", "backtest")

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("observer calls = %d, want 1", calls)
	}
	if seenLen != 1 {
		t.Fatalf("Len() inside observer = %d, want 1", seenLen)
	}
}

func TestStorePersistedSnapshotStripsResults(t *testing.T) {
	p := NewMemoryPersister()
	s := NewStore(Options{Feature: "backtest", Persister: p})

	done := taskAt("bt-1", StatusSucceeded, time.Now().UTC())
	done.Result = json.RawMessage(`{"sharpe":1.42}`)
	s.UpsertStatus(done)

	view := s.View()
	if len(view.Tasks) != 1 || view.Tasks[0].Result == nil {
		t.Fatalf("View() lost the result payload: %+v", view.Tasks)
	}

	s.Close()

	snap, err := p.LoadSnapshot(context.Background(), "backtest")
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if snap.Feature != "backtest" {
		t.Fatalf("snapshot Feature = %q, want %q", snap.Feature, "backtest")
	}
	if len(snap.Tasks) != 1 {
		t.Fatalf("snapshot len(Tasks) = %d, want 1", len(snap.Tasks))
	}
	if snap.Tasks[0].Result != nil {
		t.Fatalf("snapshot Result = %s, want stripped", snap.Tasks[0].Result)
	}
	if snap.SavedAt.IsZero() {
		t.Fatalf("snapshot SavedAt is zero")
	}
}

// gatedPersister blocks each save until the test releases it, so the test
// can pile up mutations behind an in-flight write.
type gatedPersister struct {
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	saves []Snapshot
}

func newGatedPersister() *gatedPersister {
	return &gatedPersister{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (p *gatedPersister) SaveSnapshot(_ context.Context, snap Snapshot) error {
	p.started <- struct{}{}
	<-p.release
	p.mu.Lock()
	p.saves = append(p.saves, snap)
	p.mu.Unlock()
	return nil
}

func (p *gatedPersister) LoadSnapshot(context.Context, string) (Snapshot, error) {
	return Snapshot{}, ErrSnapshotNotFound
}

func (p *gatedPersister) Close() error { return nil }

func (p *gatedPersister) snapshots() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Snapshot(nil), p.saves...)
}

func TestStoreSnapshotWritesCoalesce(t *testing.T) {
	p := newGatedPersister()
	s := NewStore(Options{Feature: "backtest", Persister: p})

	s.Enqueue("t1", "backtest")
	<-p.started // writer is now blocked inside the first save

	s.Enqueue("t2", "backtest")
	s.Enqueue("t3", "backtest")

	p.release <- struct{}{} // finish the first save
	<-p.started             // the two queued mutations coalesced into one write
	p.release <- struct{}{}

	s.Close()

	saves := p.snapshots()
	if len(saves) != 2 {
		t.Fatalf("len(saves) = %d, want 2", len(saves))
	}
	if len(saves[0].Tasks) != 1 {
		t.Fatalf("first save len(Tasks) = %d, want 1", len(saves[0].Tasks))
	}
	if len(saves[1].Tasks) != 3 {
		t.Fatalf("second save len(Tasks) = %d, want 3", len(saves[1].Tasks))
	}
}

// countingPersister records saves without blocking.
type countingPersister struct {
	mu    sync.Mutex
	saves int
}

func (p *countingPersister) SaveSnapshot(context.Context, Snapshot) error {
	p.mu.Lock()
	p.saves++
	p.mu.Unlock()
	return nil
}

func (p *countingPersister) LoadSnapshot(context.Context, string) (Snapshot, error) {
	return Snapshot{}, ErrSnapshotNotFound
}

func (p *countingPersister) Close() error { return nil }

func (p *countingPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

func TestStoreCloseStopsSnapshotWrites(t *testing.T) {
	p := &countingPersister{}
	s := NewStore(Options{Feature: "backtest", Persister: p})

	s.Enqueue("t1", "backtest")
	s.Close()

	flushed := p.count()
	if flushed == 0 {
		t.Fatalf("saves after Close = 0, want at least the final flush")
	}

	s.Enqueue("t2", "backtest")
	if got := p.count(); got != flushed {
		t.Fatalf("saves after post-Close mutation = %d, want %d", got, flushed)
	}
}

func TestStoreRestoreRoundTrip(t *testing.T) {
	p := NewMemoryPersister()

	s1 := NewStore(Options{Feature: "backtest", Persister: p})
	s1.Enqueue("bt-1", "backtest")
	s1.UpsertStatus(taskAt("bt-1", StatusRunning, time.Now().UTC()))
	done := taskAt("bt-2", StatusSucceeded, time.Now().UTC().Add(time.Minute))
	done.Result = json.RawMessage(`{"trades":214}`)
	s1.UpsertStatus(done)
	s1.Close()

	s2 := NewStore(Options{Feature: "backtest", Persister: p})
	defer s2.Close()
	if err := s2.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	if got := s2.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
	running := mustTask(t, s2, "bt-1")
	if running.Status != StatusRunning {
		t.Fatalf("restored bt-1 Status = %q, want %q", running.Status, StatusRunning)
	}
	finished := mustTask(t, s2, "bt-2")
	if finished.Result != nil {
		t.Fatalf("restored bt-2 Result = %s, want stripped", finished.Result)
	}
	if got := s2.ActiveIDs(); len(got) != 1 || got[0] != "bt-1" {
		t.Fatalf("ActiveIDs() = %v, want [bt-1]", got)
	}
	if got := s2.SelectedID(); got != "bt-1" {
		t.Fatalf("SelectedID() = %q, want %q", got, "bt-1")
	}
}

func TestStoreRestoreRecomputesActiveSet(t *testing.T) {
	p := NewMemoryPersister()
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	// A snapshot from an older process: the active list wrongly includes a
	// finished task and misses a pending one, and the selection is gone.
	snap := Snapshot{
		Feature: "sweep",
		Tasks: []Task{
			taskAt("x", StatusRunning, base.Add(2*time.Minute)),
			taskAt("y", StatusSucceeded, base.Add(time.Minute)),
			taskAt("z", StatusPending, base),
		},
		ActiveIDs:  []string{"y", "x"},
		SelectedID: "ghost",
		SavedAt:    base.Add(3 * time.Minute),
	}
	if err := p.SaveSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	s := NewStore(Options{Feature: "sweep", Persister: p})
	defer s.Close()
	if err := s.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	got := s.ActiveIDs()
	want := []string{"x", "z"}
	if len(got) != len(want) {
		t.Fatalf("ActiveIDs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ActiveIDs()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if sel := s.SelectedID(); sel != "" {
		t.Fatalf("SelectedID() = %q, want empty for unknown persisted selection", sel)
	}
}

func TestStoreRestoreMissingSnapshotIsClean(t *testing.T) {
	s := NewStore(Options{Feature: "backtest", Persister: NewMemoryPersister()})
	defer s.Close()

	if err := s.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error = %v, want nil for missing snapshot", err)
	}
	if got := s.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}
}

func TestMemoryPersisterLoadMissingFeature(t *testing.T) {
	p := NewMemoryPersister()
	_, err := p.LoadSnapshot(context.Background(), "backtest")
	if !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("LoadSnapshot() error = %v, want ErrSnapshotNotFound", err)
	}
}
