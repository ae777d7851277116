package track

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisSnapshotPrefix = "backwatch:snapshot:"

// RedisPersister stores one JSON snapshot value per feature.
type RedisPersister struct {
	client *redis.Client
}

func NewRedisPersister(ctx context.Context, redisAddr string) (*RedisPersister, error) {
	client := redis.NewClient(&redis.Options{
		Addr: strings.TrimSpace(redisAddr),
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisPersister{client: client}, nil
}

func (p *RedisPersister) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := p.client.Set(ctx, redisSnapshotPrefix+snap.Feature, raw, 0).Err(); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}

func (p *RedisPersister) LoadSnapshot(ctx context.Context, feature string) (Snapshot, error) {
	raw, err := p.client.Get(ctx, redisSnapshotPrefix+feature).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, ErrSnapshotNotFound
		}
		return Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (p *RedisPersister) Close() error {
	return p.client.Close()
}
