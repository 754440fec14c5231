package translate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCache shares finished translations across relay restarts. Expiry
// is enforced on read; a periodic delete keeps the table bounded.
type PostgresCache struct {
	pool *pgxpool.Pool
	ttl  time.Duration
	done chan struct{}
}

func NewPostgresCache(ctx context.Context, databaseURL string, ttl time.Duration) (*PostgresCache, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &PostgresCache{pool: pool, ttl: ttl, done: make(chan struct{})}
	go c.sweep()
	return c, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS translation_cache (
			id TEXT PRIMARY KEY,
			normalized_text TEXT NOT NULL,
			source_lang TEXT NOT NULL,
			target_lang TEXT NOT NULL,
			translated TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (normalized_text, source_lang, target_lang)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_translation_cache_expiry ON translation_cache (expires_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (c *PostgresCache) Get(ctx context.Context, key CacheKey) (string, bool) {
	var translated string
	err := c.pool.QueryRow(ctx,
		`SELECT translated FROM translation_cache
		 WHERE normalized_text = $1 AND source_lang = $2 AND target_lang = $3 AND expires_at > now()`,
		key.NormalizedText, key.Source, key.Target,
	).Scan(&translated)
	if err != nil {
		return "", false
	}
	return translated, true
}

func (c *PostgresCache) Put(ctx context.Context, key CacheKey, translated string) error {
	_, err := c.pool.Exec(ctx,
		`INSERT INTO translation_cache (id, normalized_text, source_lang, target_lang, translated, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (normalized_text, source_lang, target_lang)
		 DO UPDATE SET translated = EXCLUDED.translated, expires_at = EXCLUDED.expires_at`,
		uuid.NewString(), key.NormalizedText, key.Source, key.Target, translated, time.Now().Add(c.ttl),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

func (c *PostgresCache) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.pool.Close()
}

func (c *PostgresCache) sweep() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, _ = c.pool.Exec(ctx, `DELETE FROM translation_cache WHERE expires_at <= now()`)
			cancel()
		}
	}
}
