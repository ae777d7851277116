package track

import (
	"context"
	"strings"
)

// NewPersister picks the snapshot backend from what is configured:
// Postgres when a database URL is set, otherwise Redis when an address is
// set, otherwise process memory. It returns the backend name for logging.
func NewPersister(ctx context.Context, databaseURL, redisAddr string) (Persister, string, error) {
	switch {
	case strings.TrimSpace(databaseURL) != "":
		p, err := NewPostgresPersister(ctx, databaseURL)
		if err != nil {
			return nil, "", err
		}
		return p, "postgres", nil
	case strings.TrimSpace(redisAddr) != "":
		p, err := NewRedisPersister(ctx, redisAddr)
		if err != nil {
			return nil, "", err
		}
		return p, "redis", nil
	default:
		return NewMemoryPersister(), "memory", nil
	}
}
