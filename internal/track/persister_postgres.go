package track

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresPersister stores one snapshot row per feature.
type PostgresPersister struct {
	pool *pgxpool.Pool
}

func NewPostgresPersister(ctx context.Context, databaseURL string) (*PostgresPersister, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := initSnapshotSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresPersister{pool: pool}, nil
}

func initSnapshotSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_snapshots (
			feature TEXT PRIMARY KEY,
			tasks JSONB NOT NULL,
			active_ids JSONB NOT NULL,
			selected_id TEXT NOT NULL DEFAULT '',
			saved_at TIMESTAMPTZ NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init snapshot schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (p *PostgresPersister) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	tasks, err := json.Marshal(snap.Tasks)
	if err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}
	active, err := json.Marshal(snap.ActiveIDs)
	if err != nil {
		return fmt.Errorf("encode active ids: %w", err)
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO task_snapshots (
			feature, tasks, active_ids, selected_id, saved_at
		) VALUES (
			$1,$2,$3,$4,$5
		)
		ON CONFLICT (feature) DO UPDATE SET
			tasks=EXCLUDED.tasks,
			active_ids=EXCLUDED.active_ids,
			selected_id=EXCLUDED.selected_id,
			saved_at=EXCLUDED.saved_at`,
		snap.Feature,
		tasks,
		active,
		snap.SelectedID,
		snap.SavedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (p *PostgresPersister) LoadSnapshot(ctx context.Context, feature string) (Snapshot, error) {
	var (
		snap   = Snapshot{Feature: feature}
		tasks  []byte
		active []byte
	)
	row := p.pool.QueryRow(ctx,
		`SELECT tasks, active_ids, selected_id, saved_at
		   FROM task_snapshots WHERE feature=$1`,
		feature,
	)
	if err := row.Scan(&tasks, &active, &snap.SelectedID, &snap.SavedAt); err != nil {
		if err == pgx.ErrNoRows {
			return Snapshot{}, ErrSnapshotNotFound
		}
		return Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	if err := json.Unmarshal(tasks, &snap.Tasks); err != nil {
		return Snapshot{}, fmt.Errorf("decode tasks: %w", err)
	}
	if err := json.Unmarshal(active, &snap.ActiveIDs); err != nil {
		return Snapshot{}, fmt.Errorf("decode active ids: %w", err)
	}
	return snap, nil
}

func (p *PostgresPersister) Close() error {
	p.pool.Close()
	return nil
}
