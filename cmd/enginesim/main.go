package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// enginesim is a stand-in evaluation engine for local runs: it accepts
// backtest and sweep submissions and walks each task through a scripted
// pending/running/terminal progression, computed from wall time so
// repeated status reads are consistent.

type options struct {
	addr      string
	stepEvery time.Duration
	steps     int
	failEvery int
	loseEvery int
	verbose   bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginesim: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "enginesim: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var stepMS int

	flag.StringVar(&cfg.addr, "addr", ":8950", "listen address")
	flag.IntVar(&stepMS, "step-ms", 700, "time per simulated progress step in milliseconds")
	flag.IntVar(&cfg.steps, "steps", 6, "progress steps before a task finishes")
	flag.IntVar(&cfg.failEvery, "fail-every", 4, "every Nth submission fails (0 disables)")
	flag.IntVar(&cfg.loseEvery, "lose-every", 0, "every Nth submission vanishes mid-run (0 disables)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print submissions and terminal transitions")
	flag.Parse()

	if strings.TrimSpace(cfg.addr) == "" {
		return options{}, fmt.Errorf("addr is required")
	}
	if stepMS < 10 {
		return options{}, fmt.Errorf("step-ms must be >= 10")
	}
	if cfg.steps <= 0 {
		return options{}, fmt.Errorf("steps must be > 0")
	}
	if cfg.failEvery < 0 || cfg.loseEvery < 0 {
		return options{}, fmt.Errorf("fail-every and lose-every must be >= 0")
	}
	cfg.stepEvery = time.Duration(stepMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	sim := newSimulator(cfg)
	log.Printf("enginesim listening on %s (steps=%d step=%s fail-every=%d lose-every=%d)",
		cfg.addr, cfg.steps, cfg.stepEvery, cfg.failEvery, cfg.loseEvery)
	return http.ListenAndServe(cfg.addr, sim.router())
}

type simTask struct {
	id        string
	mode      string
	createdAt time.Time
	fail      bool
	lose      bool
}

type simulator struct {
	opts options

	mu    sync.Mutex
	seq   int
	tasks map[string]*simTask
}

func newSimulator(opts options) *simulator {
	return &simulator{
		opts:  opts,
		tasks: make(map[string]*simTask),
	}
}

func (s *simulator) router() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/v1/backtests", s.handleSubmit("backtest"))
	r.Post("/api/v1/sweeps", s.handleSubmit("sweep"))
	r.Get("/api/v1/tasks/{id}", s.handleStatus)
	return r
}

func (s *simulator) handleSubmit(mode string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var probe struct {
			Mode string `json:"mode"`
		}
		_ = json.NewDecoder(r.Body).Decode(&probe)
		if strings.TrimSpace(probe.Mode) != "" {
			mode = strings.TrimSpace(probe.Mode)
		}

		s.mu.Lock()
		s.seq++
		t := &simTask{
			id:        uuid.NewString(),
			mode:      mode,
			createdAt: time.Now(),
			fail:      s.opts.failEvery > 0 && s.seq%s.opts.failEvery == 0,
			lose:      s.opts.loseEvery > 0 && s.seq%s.opts.loseEvery == 0,
		}
		s.tasks[t.id] = t
		s.mu.Unlock()

		if s.opts.verbose {
			log.Printf("enginesim: accepted %s task %s (fail=%v lose=%v)", mode, t.id, t.fail, t.lose)
		}
		respondJSON(w, http.StatusAccepted, map[string]any{
			"task_id": t.id,
		})
	}
}

func (s *simulator) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))

	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		respondNotFound(w, id)
		return
	}

	doc, found := t.statusDocument(time.Now(), s.opts)
	if !found {
		respondNotFound(w, id)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

// statusDocument derives the task's current document from elapsed time.
// Derivation keeps repeated reads consistent: a terminal document has the
// same updated_at on every fetch.
func (t *simTask) statusDocument(now time.Time, opts options) (map[string]any, bool) {
	stepsDone := int(now.Sub(t.createdAt) / opts.stepEvery)
	if stepsDone > opts.steps {
		stepsDone = opts.steps
	}

	if t.lose && stepsDone >= opts.steps/2 {
		return nil, false
	}

	updatedAt := t.createdAt.Add(time.Duration(stepsDone) * opts.stepEvery).UTC()
	progress := map[string]any{
		"mode":            t.mode,
		"processed_count": stepsDone,
		"total_count":     opts.steps,
		"percent":         float64(stepsDone) / float64(opts.steps) * 100,
		"message":         fmt.Sprintf("evaluating window %d of %d", stepsDone, opts.steps),
		"stage_timings": []map[string]any{
			{"stage": "data_load", "seconds": opts.stepEvery.Seconds()},
			{"stage": "evaluation", "seconds": float64(stepsDone) * opts.stepEvery.Seconds()},
		},
		"started_at": t.createdAt.UTC(),
		"updated_at": updatedAt,
	}

	doc := map[string]any{
		"task_id":  t.id,
		"progress": progress,
	}
	switch {
	case stepsDone == 0:
		doc["status"] = "pending"
	case stepsDone < opts.steps:
		doc["status"] = "running"
	case t.fail:
		doc["status"] = "failed"
		doc["error"] = "simulated evaluation failure"
		doc["error_code"] = "EVALUATION_FAILED"
	default:
		doc["status"] = "succeeded"
		doc["result"] = map[string]any{
			"sharpe":       1.42,
			"max_drawdown": 0.18,
			"trades":       214,
		}
	}
	return doc, true
}

func respondNotFound(w http.ResponseWriter, id string) {
	respondJSON(w, http.StatusNotFound, map[string]any{
		"error": map[string]any{
			"code":    "TASK_NOT_FOUND",
			"message": "no task with id " + id,
		},
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
