package track

import (
	"context"
	"sync"
)

// MemoryPersister keeps snapshots in process memory. It is the default
// backend when nothing durable is configured; restarts start clean.
type MemoryPersister struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{snaps: make(map[string]Snapshot)}
}

func (p *MemoryPersister) SaveSnapshot(_ context.Context, snap Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps[snap.Feature] = snap
	return nil
}

func (p *MemoryPersister) LoadSnapshot(_ context.Context, feature string) (Snapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap, ok := p.snaps[feature]
	if !ok {
		return Snapshot{}, ErrSnapshotNotFound
	}
	return snap, nil
}

func (p *MemoryPersister) Close() error { return nil }
