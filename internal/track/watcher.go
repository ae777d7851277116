package track

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lcrespo/backwatch/internal/logging"
	"github.com/lcrespo/backwatch/internal/observability"
)

// ErrTaskNotFound reports that the engine has no record of the task id.
// Fetchers must return it (possibly wrapped) when the engine answers with
// a definitive not-found, and only then.
var ErrTaskNotFound = errors.New("task not found")

// Fetcher retrieves the current status document for a task. It must
// honour ctx cancellation.
type Fetcher interface {
	FetchStatus(ctx context.Context, taskID string) (Task, error)
}

const (
	defaultPollInterval = 1200 * time.Millisecond
	defaultWarnCooldown = 15 * time.Second
)

// Watcher drives the polling loop for one store. The loop only exists
// while the store has active tasks: Kick starts it on demand and it winds
// itself down once the active set drains. Terminal transitions produce
// exactly one notification per (status, updated_at) pair; transient fetch
// failures produce at most one warning per task per cooldown window.
type Watcher struct {
	store    *Store
	fetch    Fetcher
	notifier Notifier
	log      *logging.Logger
	metrics  *observability.Metrics

	interval     time.Duration
	warnCooldown time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	running  bool
	closed   bool
	notified map[string]notifyKey
	warnedAt map[string]time.Time
	wg       sync.WaitGroup
}

// notifyKey identifies one observed terminal transition.
type notifyKey struct {
	status    Status
	updatedAt time.Time
}

func (k notifyKey) eq(o notifyKey) bool {
	return k.status == o.status && k.updatedAt.Equal(o.updatedAt)
}

type WatcherOptions struct {
	Store        *Store
	Fetcher      Fetcher
	Notifier     Notifier
	Logger       *logging.Logger
	Metrics      *observability.Metrics
	Interval     time.Duration
	WarnCooldown time.Duration
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = defaultPollInterval
	}
	if opts.WarnCooldown <= 0 {
		opts.WarnCooldown = defaultWarnCooldown
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		store:        opts.Store,
		fetch:        opts.Fetcher,
		notifier:     opts.Notifier,
		log:          opts.Logger,
		metrics:      opts.Metrics,
		interval:     opts.Interval,
		warnCooldown: opts.WarnCooldown,
		ctx:          ctx,
		cancel:       cancel,
		notified:     make(map[string]notifyKey),
		warnedAt:     make(map[string]time.Time),
	}
}

// Kick starts the polling loop if it is not already running and there is
// work to poll. Safe to call from store observers on every mutation.
func (w *Watcher) Kick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.running {
		return
	}
	if w.store.ActiveCount() == 0 {
		return
	}
	w.running = true
	w.wg.Add(1)
	go w.loop()
}

// Close stops the loop and waits for it to exit. In-flight fetch results
// are discarded, never merged into the store after Close returns.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if w.ctx.Err() != nil {
			w.stopLoop()
			return
		}
		if w.store.ActiveCount() == 0 {
			if w.stopLoop() {
				return
			}
			continue
		}
		w.pollRound(w.ctx)

		select {
		case <-w.ctx.Done():
			w.stopLoop()
			return
		case <-ticker.C:
		}
	}
}

// stopLoop clears the running flag and reports whether the loop should
// exit. Re-checking the active set under the same lock Kick uses closes
// the window where an Enqueue saw the flag still set and skipped starting
// a new loop.
func (w *Watcher) stopLoop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.ctx.Err() != nil {
		w.running = false
		return true
	}
	if w.store.ActiveCount() > 0 {
		return false
	}
	w.running = false
	return true
}

type fetchResult struct {
	taskID string
	task   Task
	err    error
	took   time.Duration
}

// pollRound fetches every active task concurrently, waits for all fetches
// to settle, then merges results one at a time on this goroutine.
func (w *Watcher) pollRound(ctx context.Context) {
	ids := w.store.ActiveIDs()
	if len(ids) == 0 {
		return
	}
	start := time.Now()

	results := make(chan fetchResult, len(ids))
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			began := time.Now()
			task, err := w.fetch.FetchStatus(ctx, id)
			results <- fetchResult{taskID: id, task: task, err: err, took: time.Since(began)}
		}(id)
	}
	wg.Wait()
	close(results)

	for res := range results {
		if ctx.Err() != nil {
			return
		}
		w.metrics.ObservePollStage("status_fetch", res.took)
		if res.err != nil {
			w.handleFetchError(res.taskID, res.err)
			continue
		}
		w.handleStatus(res.task)
	}

	w.pruneBookkeeping()
	w.metrics.IncPollRound(w.store.Feature())
	w.metrics.ObservePollStage("poll_round", time.Since(start))
	w.metrics.SetActiveTasks(w.store.Feature(), w.store.ActiveCount())
}

// handleStatus merges one fetched status document. The store is always
// updated first; the notification decision is then made against stored
// truth, so an absorbed (stale) terminal report can never re-notify.
func (w *Watcher) handleStatus(task Task) {
	w.store.UpsertStatus(task)

	stored, ok := w.store.Task(task.ID)
	if !ok || !stored.Terminal() {
		return
	}
	key := notifyKey{status: stored.Status, updatedAt: stored.Progress.UpdatedAt}

	w.mu.Lock()
	prev, seen := w.notified[stored.ID]
	if seen && prev.eq(key) {
		w.mu.Unlock()
		return
	}
	w.notified[stored.ID] = key
	w.mu.Unlock()

	w.notify(terminalNotification(w.store.Feature(), stored))
}

// handleFetchError classifies one failed fetch. A definitive not-found is
// terminal: the task is marked failed locally and announced once. Anything
// else is transient; the task stays active and the failure is logged every
// round but surfaced to the user at most once per cooldown.
func (w *Watcher) handleFetchError(taskID string, err error) {
	feature := w.store.Feature()
	w.metrics.IncFetchError(feature)

	if errors.Is(err, ErrTaskNotFound) {
		if w.store.MarkFailed(taskID, "task no longer known to the engine", CodeTaskNotFound) {
			w.log.Warnw("task lost", "feature", feature, "task_id", taskID)
			w.metrics.ObservePollIndicator("task_lost")
			w.notify(lostNotification(feature, taskID))
		}
		return
	}

	w.log.Warnw("status fetch failed", "feature", feature, "task_id", taskID, "error", err)
	now := time.Now()
	w.mu.Lock()
	last, ok := w.warnedAt[taskID]
	if ok && now.Sub(last) < w.warnCooldown {
		w.mu.Unlock()
		return
	}
	w.warnedAt[taskID] = now
	w.mu.Unlock()

	w.metrics.ObservePollIndicator("refresh_delayed")
	w.notify(delayNotification(feature, taskID, err))
}

// pruneBookkeeping drops dedup state for ids the store no longer tracks,
// and warning timestamps for tasks that stopped being polled.
func (w *Watcher) pruneBookkeeping() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.notified {
		if _, ok := w.store.Task(id); !ok {
			delete(w.notified, id)
		}
	}
	for id := range w.warnedAt {
		t, ok := w.store.Task(id)
		if !ok || t.Terminal() {
			delete(w.warnedAt, id)
		}
	}
}

func (w *Watcher) notify(n Notification) {
	if w.notifier == nil {
		return
	}
	w.metrics.IncNotification(string(n.Severity))
	w.notifier.Notify(n)
}

func terminalNotification(feature string, t Task) Notification {
	n := Notification{
		ID:      uuid.NewString(),
		Feature: feature,
		TaskID:  t.ID,
		At:      time.Now().UTC(),
	}
	switch t.Status {
	case StatusSucceeded:
		n.Severity = SeveritySuccess
		n.Title = "Task finished"
		n.Message = fmt.Sprintf("%s task %s finished.", feature, t.ID)
	case StatusCancelled:
		n.Severity = SeverityInfo
		n.Title = "Task cancelled"
		n.Message = fmt.Sprintf("%s task %s was cancelled.", feature, t.ID)
	default:
		n.Severity = SeverityError
		n.Title = "Task failed"
		detail := strings.TrimSpace(t.Error)
		if detail == "" {
			detail = "no error detail reported"
		}
		n.Message = fmt.Sprintf("%s task %s failed: %s", feature, t.ID, detail)
	}
	return n
}

func lostNotification(feature, taskID string) Notification {
	return Notification{
		ID:       uuid.NewString(),
		Severity: SeverityError,
		Feature:  feature,
		TaskID:   taskID,
		Title:    "Task lost",
		Message:  fmt.Sprintf("%s task %s is no longer known to the engine.", feature, taskID),
		At:       time.Now().UTC(),
	}
}

func delayNotification(feature, taskID string, err error) Notification {
	return Notification{
		ID:       uuid.NewString(),
		Severity: SeverityWarning,
		Feature:  feature,
		TaskID:   taskID,
		Title:    "Status refresh delayed",
		Message:  fmt.Sprintf("%s task %s status refresh failed: %v. Will keep retrying.", feature, taskID, err),
		At:       time.Now().UTC(),
	}
}
