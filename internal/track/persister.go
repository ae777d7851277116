package track

import (
	"context"
	"errors"
	"time"
)

var ErrSnapshotNotFound = errors.New("snapshot not found in store")

// Snapshot is the persistable projection of a Store: one record per
// feature. Result payloads are stripped before every write so storage
// never grows with computation output; results live only in the in-memory
// session view.
type Snapshot struct {
	Feature    string    `json:"feature"`
	Tasks      []Task    `json:"tasks"`
	ActiveIDs  []string  `json:"active_ids"`
	SelectedID string    `json:"selected_id,omitempty"`
	SavedAt    time.Time `json:"saved_at"`
}

// Persister stores one snapshot per feature durably so tracked tasks
// survive a process restart.
type Persister interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context, feature string) (Snapshot, error)
	Close() error
}
