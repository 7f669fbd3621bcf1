package store

import (
	"context"
	"database/sql"
	"time"
)

// PutCacheEntry inserts or overwrites a cache entry.
func (s *Store) PutCacheEntry(ctx context.Context, e *CacheEntry) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO response_cache (key, provider, model, text, tokens, created_at, expires_at, hit_count, last_hit_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL)
		 ON CONFLICT(key) DO UPDATE SET
		   provider=excluded.provider, model=excluded.model, text=excluded.text, tokens=excluded.tokens,
		   created_at=excluded.created_at, expires_at=excluded.expires_at, hit_count=0, last_hit_at=NULL`,
		e.Key, e.Provider, nullStr(e.Model), e.Text, nullInt(e.Tokens), posix(e.CreatedAt), posix(e.ExpiresAt),
	)
	return err
}

// GetCacheEntry retrieves a cache entry by key, or ErrNotFound.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (*CacheEntry, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT key, provider, model, text, tokens, created_at, expires_at, hit_count, last_hit_at
		 FROM response_cache WHERE key = ?`, key)
	return scanCacheEntry(row)
}

// TouchCacheEntry increments hit_count and updates last_hit_at.
func (s *Store) TouchCacheEntry(ctx context.Context, key string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE response_cache SET hit_count = hit_count + 1, last_hit_at = ? WHERE key = ?`,
		posix(time.Now()), key,
	)
	return err
}

// DeleteCacheEntry removes a single entry.
func (s *Store) DeleteCacheEntry(ctx context.Context, key string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM response_cache WHERE key = ?`, key)
	return err
}

// ClearCache removes all entries, optionally scoped to a provider.
func (s *Store) ClearCache(ctx context.Context, provider string) error {
	if provider == "" {
		_, err := s.write.ExecContext(ctx, `DELETE FROM response_cache`)
		return err
	}
	_, err := s.write.ExecContext(ctx, `DELETE FROM response_cache WHERE provider = ?`, provider)
	return err
}

// CleanupExpiredCache deletes cache entries whose expires_at has passed.
func (s *Store) CleanupExpiredCache(ctx context.Context) (int64, error) {
	result, err := s.write.ExecContext(ctx, `DELETE FROM response_cache WHERE expires_at < ?`, posix(time.Now()))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// EnforceMaxCacheEntries evicts the oldest entries if the cache exceeds max.
func (s *Store) EnforceMaxCacheEntries(ctx context.Context, max int) (int64, error) {
	var count int
	if err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM response_cache`).Scan(&count); err != nil {
		return 0, err
	}
	if count <= max {
		return 0, nil
	}
	excess := count - max
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM response_cache WHERE key IN (
		   SELECT key FROM response_cache ORDER BY created_at ASC LIMIT ?
		 )`, excess)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CacheStats is the aggregate view returned by GetCacheStats.
type CacheStats struct {
	Count       int
	OldestEntry *time.Time
	NewestEntry *time.Time
	TotalHits   int64
}

// GetCacheStats summarizes the current cache contents.
func (s *Store) GetCacheStats(ctx context.Context) (*CacheStats, error) {
	var stats CacheStats
	var oldest, newest sql.NullFloat64
	var hits sql.NullInt64
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(created_at), MAX(created_at), SUM(hit_count) FROM response_cache`,
	).Scan(&stats.Count, &oldest, &newest, &hits)
	if err != nil {
		return nil, err
	}
	if oldest.Valid {
		t := fromPosix(oldest.Float64)
		stats.OldestEntry = &t
	}
	if newest.Valid {
		t := fromPosix(newest.Float64)
		stats.NewestEntry = &t
	}
	stats.TotalHits = hits.Int64
	return &stats, nil
}

func scanCacheEntry(s scanner) (*CacheEntry, error) {
	var e CacheEntry
	var model sql.NullString
	var tokens sql.NullInt64
	var createdAt, expiresAt float64
	var hitCount int64
	var lastHitAt sql.NullFloat64

	err := s.Scan(&e.Key, &e.Provider, &model, &e.Text, &tokens, &createdAt, &expiresAt, &hitCount, &lastHitAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	e.Model = model.String
	e.CreatedAt = fromPosix(createdAt)
	e.ExpiresAt = fromPosix(expiresAt)
	e.HitCount = hitCount
	if tokens.Valid {
		v := int(tokens.Int64)
		e.Tokens = &v
	}
	if lastHitAt.Valid {
		t := fromPosix(lastHitAt.Float64)
		e.LastHitAt = &t
	}
	return &e, nil
}
