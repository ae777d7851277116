package track

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lcrespo/backwatch/internal/logging"
	"github.com/lcrespo/backwatch/internal/observability"
)

const (
	defaultRetentionLimit = 32
	snapshotWriteTimeout  = 2 * time.Second
)

// Store is the single authoritative, race-free view of every tracked task
// for one feature ("backtest" or "sweep"). All mutation goes through its
// methods; reads hand out clones. After every mutation the store enforces
// retention, fixes the selection, queues a durable snapshot and notifies
// observers, in that order.
type Store struct {
	feature   string
	limit     int
	persister Persister
	log       *logging.Logger
	metrics   *observability.Metrics

	mu         sync.RWMutex
	tasks      map[string]*Task
	activeIDs  []string
	selectedID string
	observers  []func()
	closed     bool

	saveMu  sync.Mutex
	pending *Snapshot

	saveKick chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type Options struct {
	Feature   string
	Limit     int
	Persister Persister
	Logger    *logging.Logger
	Metrics   *observability.Metrics
}

func NewStore(opts Options) *Store {
	if opts.Limit <= 0 {
		opts.Limit = defaultRetentionLimit
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	s := &Store{
		feature:   strings.TrimSpace(opts.Feature),
		limit:     opts.Limit,
		persister: opts.Persister,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		tasks:     make(map[string]*Task),
		saveKick:  make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	if s.persister != nil {
		s.wg.Add(1)
		go s.writeLoop()
	}
	return s
}

func (s *Store) Feature() string {
	return s.feature
}

// OnChange registers a callback invoked after every mutation, outside the
// store lock. Used to kick the watcher and refresh gauges.
func (s *Store) OnChange(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Enqueue registers a freshly submitted task as pending and selects it.
// Calling it again for a known id never overwrites what is already known;
// it only refreshes active membership and selection.
func (s *Store) Enqueue(taskID, mode string) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return
	}
	now := time.Now().UTC()

	s.mu.Lock()
	if _, ok := s.tasks[taskID]; !ok {
		t := Task{
			ID:     taskID,
			Status: StatusPending,
			Progress: Progress{
				Mode:      strings.TrimSpace(mode),
				StartedAt: now,
				UpdatedAt: now,
			},
		}
		s.tasks[taskID] = &t
	}
	s.touchActiveLocked(taskID, s.tasks[taskID].Status)
	s.selectedID = taskID
	obs := s.finishMutationLocked()
	s.mu.Unlock()

	s.notifyObservers(obs)
}

// UpsertStatus replaces the stored task with a freshly fetched document.
// Fetched truth always wins over any local guess, with one exception:
// terminal statuses are absorbing, so a conflicting report that would
// move a task from one terminal status to another is dropped.
func (s *Store) UpsertStatus(task Task) {
	task.ID = strings.TrimSpace(task.ID)
	if task.ID == "" || !task.Status.Valid() {
		return
	}

	s.mu.Lock()
	if existing, ok := s.tasks[task.ID]; ok && existing.Terminal() && existing.Status != task.Status {
		s.mu.Unlock()
		return
	}
	t := task.Clone()
	s.tasks[task.ID] = &t
	s.syncActiveLocked(task.ID, t.Status)
	obs := s.finishMutationLocked()
	s.mu.Unlock()

	s.notifyObservers(obs)
}

// MarkFailed synthesizes a failed status for a task the engine can no
// longer account for, preserving whatever progress was known. Unknown and
// already-terminal ids are no-ops. It reports whether the task actually
// transitioned.
func (s *Store) MarkFailed(taskID, errMsg, errCode string) bool {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return false
	}
	now := time.Now().UTC()

	s.mu.Lock()
	existing, ok := s.tasks[taskID]
	if !ok || existing.Terminal() {
		s.mu.Unlock()
		return false
	}
	t := existing.Clone()
	t.Status = StatusFailed
	t.Error = strings.TrimSpace(errMsg)
	t.ErrorCode = strings.TrimSpace(errCode)
	t.Result = nil
	t.Progress.UpdatedAt = now
	s.tasks[taskID] = &t
	s.removeActiveLocked(taskID)
	obs := s.finishMutationLocked()
	s.mu.Unlock()

	s.notifyObservers(obs)
	return true
}

// Remove deletes a task from tracking. It reports whether the id was known.
func (s *Store) Remove(taskID string) bool {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return false
	}

	s.mu.Lock()
	if _, ok := s.tasks[taskID]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.tasks, taskID)
	s.removeActiveLocked(taskID)
	obs := s.finishMutationLocked()
	s.mu.Unlock()

	s.notifyObservers(obs)
	return true
}

// ClearFinished drops every task that is neither pending, running nor
// paused and returns how many were dropped.
func (s *Store) ClearFinished() int {
	s.mu.Lock()
	dropped := 0
	for id, t := range s.tasks {
		switch t.Status {
		case StatusPending, StatusRunning, StatusPaused:
		default:
			delete(s.tasks, id)
			s.removeActiveLocked(id)
			dropped++
		}
	}
	if dropped == 0 {
		s.mu.Unlock()
		return 0
	}
	obs := s.finishMutationLocked()
	s.mu.Unlock()

	s.notifyObservers(obs)
	return dropped
}

// Select moves the UI focus to a known task. It reports whether the id
// was known.
func (s *Store) Select(taskID string) bool {
	taskID = strings.TrimSpace(taskID)

	s.mu.Lock()
	if _, ok := s.tasks[taskID]; !ok {
		s.mu.Unlock()
		return false
	}
	s.selectedID = taskID
	obs := s.finishMutationLocked()
	s.mu.Unlock()

	s.notifyObservers(obs)
	return true
}

func (s *Store) Task(taskID string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return t.Clone(), true
}

// Tasks returns every tracked task, most recently updated first.
func (s *Store) Tasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.sortedTasksLocked() {
		out = append(out, t.Clone())
	}
	return out
}

func (s *Store) ActiveIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.activeIDs...)
}

func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.activeIDs)
}

func (s *Store) SelectedID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectedID
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// View returns a consistent full snapshot of the store with result
// payloads intact. The persisted form strips them.
func (s *Store) View() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewLocked(false)
}

// Restore loads the feature's persisted snapshot. The active list is
// recomputed from statuses rather than trusted from disk, so a snapshot
// written by an older process can never resurrect a finished task into
// the polling set.
func (s *Store) Restore(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	snap, err := s.persister.LoadSnapshot(ctx, s.feature)
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			return nil
		}
		return fmt.Errorf("load snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range snap.Tasks {
		t := snap.Tasks[i].Clone()
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" || !t.Status.Valid() {
			continue
		}
		tt := t
		s.tasks[t.ID] = &tt
	}

	s.activeIDs = s.activeIDs[:0]
	seen := make(map[string]bool, len(snap.ActiveIDs))
	for _, id := range snap.ActiveIDs {
		if t, ok := s.tasks[id]; ok && t.Status.Active() && !seen[id] {
			s.activeIDs = append(s.activeIDs, id)
			seen[id] = true
		}
	}
	var leftovers []string
	for id, t := range s.tasks {
		if t.Status.Active() && !seen[id] {
			leftovers = append(leftovers, id)
		}
	}
	sort.Slice(leftovers, func(i, j int) bool {
		a, b := s.tasks[leftovers[i]], s.tasks[leftovers[j]]
		if a.recency().Equal(b.recency()) {
			return leftovers[i] < leftovers[j]
		}
		return a.recency().After(b.recency())
	})
	s.activeIDs = append(s.activeIDs, leftovers...)

	if _, ok := s.tasks[snap.SelectedID]; ok {
		s.selectedID = snap.SelectedID
	}
	s.truncateLocked()
	s.reselectLocked()
	return nil
}

// Close stops the snapshot writer after flushing any pending write. It
// does not close the persister, which may be shared across features.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

func (s *Store) syncActiveLocked(taskID string, status Status) {
	if !status.Active() {
		s.removeActiveLocked(taskID)
		return
	}
	for _, id := range s.activeIDs {
		if id == taskID {
			return
		}
	}
	s.activeIDs = append([]string{taskID}, s.activeIDs...)
}

// touchActiveLocked is syncActiveLocked with move-to-front semantics: the
// active list orders ids most recently touched first, and an enqueue is a
// touch even for an id that was already active.
func (s *Store) touchActiveLocked(taskID string, status Status) {
	s.removeActiveLocked(taskID)
	if status.Active() {
		s.activeIDs = append([]string{taskID}, s.activeIDs...)
	}
}

func (s *Store) removeActiveLocked(taskID string) {
	for i, id := range s.activeIDs {
		if id == taskID {
			s.activeIDs = append(s.activeIDs[:i], s.activeIDs[i+1:]...)
			return
		}
	}
}

// finishMutationLocked runs the post-mutation pipeline and returns the
// observer list to invoke once the lock is released.
func (s *Store) finishMutationLocked() []func() {
	s.truncateLocked()
	s.reselectLocked()
	s.queueSaveLocked()
	return append(([]func())(nil), s.observers...)
}

func (s *Store) notifyObservers(obs []func()) {
	for _, fn := range obs {
		fn()
	}
}

// truncateLocked enforces the retention bound: keep the N most recently
// updated tasks, evict the rest. Active ids whose entries are evicted
// leave the active list with them.
func (s *Store) truncateLocked() {
	if s.limit <= 0 || len(s.tasks) <= s.limit {
		return
	}
	sorted := s.sortedTasksLocked()
	for _, t := range sorted[s.limit:] {
		delete(s.tasks, t.ID)
		s.removeActiveLocked(t.ID)
	}
}

// reselectLocked repairs the selection after the selected task was
// evicted or removed: fall over to the most recently updated survivor.
// An empty selection stays empty.
func (s *Store) reselectLocked() {
	if s.selectedID == "" {
		return
	}
	if _, ok := s.tasks[s.selectedID]; ok {
		return
	}
	s.selectedID = ""
	var best *Task
	for _, t := range s.tasks {
		if best == nil || t.recency().After(best.recency()) ||
			(t.recency().Equal(best.recency()) && t.ID < best.ID) {
			best = t
		}
	}
	if best != nil {
		s.selectedID = best.ID
	}
}

func (s *Store) sortedTasksLocked() []*Task {
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].recency().Equal(out[j].recency()) {
			return out[i].ID < out[j].ID
		}
		return out[i].recency().After(out[j].recency())
	})
	return out
}

func (s *Store) viewLocked(stripResults bool) Snapshot {
	snap := Snapshot{
		Feature:    s.feature,
		Tasks:      make([]Task, 0, len(s.tasks)),
		ActiveIDs:  append([]string(nil), s.activeIDs...),
		SelectedID: s.selectedID,
		SavedAt:    time.Now().UTC(),
	}
	for _, t := range s.sortedTasksLocked() {
		c := t.Clone()
		if stripResults {
			c.Result = nil
		}
		snap.Tasks = append(snap.Tasks, c)
	}
	return snap
}

// queueSaveLocked hands the current persistable view to the background
// writer. Queued snapshots coalesce: only the latest pending view is ever
// written, and because replacement happens in store-lock order the write
// sequence is total.
func (s *Store) queueSaveLocked() {
	if s.persister == nil || s.closed {
		return
	}
	snap := s.viewLocked(true)
	s.saveMu.Lock()
	s.pending = &snap
	s.saveMu.Unlock()
	select {
	case s.saveKick <- struct{}{}:
	default:
	}
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			s.flushPending()
			return
		case <-s.saveKick:
			s.flushPending()
		}
	}
}

func (s *Store) flushPending() {
	s.saveMu.Lock()
	snap := s.pending
	s.pending = nil
	s.saveMu.Unlock()
	if snap == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), snapshotWriteTimeout)
	defer cancel()
	began := time.Now()
	err := s.persister.SaveSnapshot(ctx, *snap)
	s.metrics.ObservePollStage("snapshot_write", time.Since(began))
	if err != nil {
		s.log.Warnw("snapshot write failed", "feature", s.feature, "error", err)
		s.metrics.IncSnapshotWrite(s.feature, "error")
		return
	}
	s.metrics.IncSnapshotWrite(s.feature, "ok")
}
