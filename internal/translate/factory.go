package translate

import (
	"context"
	"strings"
	"time"
)

// NewCache creates a postgres-backed cache when configured, otherwise
// in-memory.
func NewCache(ctx context.Context, databaseURL string, ttl time.Duration) (Cache, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryCache(ttl), nil
	}
	return NewPostgresCache(ctx, databaseURL, ttl)
}
