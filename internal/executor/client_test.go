package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lcrespo/backwatch/internal/track"
)

func TestClientFetchStatusDecodesDocument(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/bt-1" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/api/v1/tasks/bt-1")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"task_id": "bt-1",
			"status": "running",
			"progress": {
				"mode": "backtest",
				"processed_count": 3,
				"total_count": 6,
				"percent": 50,
				"message": "evaluating window 3 of 6",
				"updated_at": "2026-02-10T09:03:00Z"
			}
		}`))
	}))
	defer ts.Close()

	c := New(Options{BaseURL: ts.URL})
	task, err := c.FetchStatus(context.Background(), "bt-1")
	if err != nil {
		t.Fatalf("FetchStatus() error = %v", err)
	}
	if task.ID != "bt-1" {
		t.Fatalf("ID = %q, want %q", task.ID, "bt-1")
	}
	if task.Status != track.StatusRunning {
		t.Fatalf("Status = %q, want %q", task.Status, track.StatusRunning)
	}
	if task.Progress.ProcessedCount != 3 || task.Progress.TotalCount != 6 {
		t.Fatalf("Progress counts = %d/%d, want 3/6", task.Progress.ProcessedCount, task.Progress.TotalCount)
	}
	want := time.Date(2026, 2, 10, 9, 3, 0, 0, time.UTC)
	if !task.Progress.UpdatedAt.Equal(want) {
		t.Fatalf("UpdatedAt = %v, want %v", task.Progress.UpdatedAt, want)
	}
}

func TestClientFetchStatusNotFoundEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"TASK_NOT_FOUND","message":"no task with id bt-gone"}}`))
	}))
	defer ts.Close()

	c := New(Options{BaseURL: ts.URL})
	_, err := c.FetchStatus(context.Background(), "bt-gone")
	if err == nil {
		t.Fatalf("FetchStatus() error = nil, want not-found")
	}
	if !errors.Is(err, track.ErrTaskNotFound) {
		t.Fatalf("errors.Is(err, ErrTaskNotFound) = false for %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("errors.As(*APIError) = false for %v", err)
	}
	if apiErr.Code != track.CodeTaskNotFound {
		t.Fatalf("Code = %q, want %q", apiErr.Code, track.CodeTaskNotFound)
	}
}

func TestClientFetchStatusBare404StaysTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer ts.Close()

	c := New(Options{BaseURL: ts.URL})
	_, err := c.FetchStatus(context.Background(), "bt-1")
	if err == nil {
		t.Fatalf("FetchStatus() error = nil, want error")
	}
	// A 404 without the engine's error envelope could be a proxy or a
	// misrouted request; it must not count as task-gone.
	if errors.Is(err, track.ErrTaskNotFound) {
		t.Fatalf("bare 404 mapped to ErrTaskNotFound: %v", err)
	}
}

func TestClientFetchStatusRejectsUnknownStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"task_id":"bt-1","status":"exploded"}`))
	}))
	defer ts.Close()

	c := New(Options{BaseURL: ts.URL})
	_, err := c.FetchStatus(context.Background(), "bt-1")
	if err == nil {
		t.Fatalf("FetchStatus() error = nil, want unknown-status error")
	}
}

func TestClientFetchStatusRejectsMismatchedID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"task_id":"bt-other","status":"running"}`))
	}))
	defer ts.Close()

	c := New(Options{BaseURL: ts.URL})
	_, err := c.FetchStatus(context.Background(), "bt-1")
	if err == nil {
		t.Fatalf("FetchStatus() error = nil, want mismatch error")
	}
}

func TestClientSubmitRetriesRetryableStatus(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n := attempts.Add(1); n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"task_id":"bt-42"}`))
	}))
	defer ts.Close()

	c := New(Options{BaseURL: ts.URL, SubmitRetries: 3})
	taskID, err := c.SubmitBacktest(context.Background(), json.RawMessage(`{"symbol":"ES"}`))
	if err != nil {
		t.Fatalf("SubmitBacktest() error = %v", err)
	}
	if taskID != "bt-42" {
		t.Fatalf("taskID = %q, want %q", taskID, "bt-42")
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestClientSubmitDoesNotRetryRejection(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"INVALID_PARAMS","message":"unknown symbol"}}`))
	}))
	defer ts.Close()

	c := New(Options{BaseURL: ts.URL, SubmitRetries: 5})
	_, err := c.SubmitSweep(context.Background(), json.RawMessage(`{"symbol":"??"}`))
	if err == nil {
		t.Fatalf("SubmitSweep() error = nil, want rejection")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("errors.As(*APIError) = false for %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Code != "INVALID_PARAMS" {
		t.Fatalf("APIError = %d/%q, want 400/INVALID_PARAMS", apiErr.Status, apiErr.Code)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestClientSubmitRejectsEmptyTaskID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"task_id":""}`))
	}))
	defer ts.Close()

	c := New(Options{BaseURL: ts.URL})
	_, err := c.SubmitBacktest(context.Background(), nil)
	if err == nil {
		t.Fatalf("SubmitBacktest() error = nil, want missing-task-id error")
	}
}

func TestClientSubmitDefaultsEmptyParams(t *testing.T) {
	var gotBody atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("decode submitted body: %v", err)
		}
		gotBody.Store(string(raw))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"task_id":"sw-1"}`))
	}))
	defer ts.Close()

	c := New(Options{BaseURL: ts.URL})
	if _, err := c.SubmitSweep(context.Background(), nil); err != nil {
		t.Fatalf("SubmitSweep() error = %v", err)
	}
	if got := gotBody.Load(); got != "{}" {
		t.Fatalf("submitted body = %v, want {}", got)
	}
}
