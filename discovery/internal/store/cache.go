package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetCached returns the cached body under key if it has not expired.
func (s *Store) GetCached(ctx context.Context, key string) ([]byte, bool, error) {
	var body string
	err := s.DB.QueryRowContext(ctx, s.q(
		`SELECT body FROM response_cache WHERE cache_key = ? AND expires_at > ?`), key, s.nowMs(),
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: read cache: %w", err)
	}
	return []byte(body), true, nil
}

// PutCached stores body under key for ttl.
func (s *Store) PutCached(ctx context.Context, key, jobID string, body []byte, ttl time.Duration) error {
	expires := s.Now().Add(ttl).UnixMilli()
	_, err := s.DB.ExecContext(ctx, s.q(
		`INSERT INTO response_cache (cache_key, job_id, body, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET body = excluded.body, expires_at = excluded.expires_at`),
		key, jobID, string(body), expires,
	)
	if err != nil {
		return fmt.Errorf("store: write cache: %w", err)
	}
	return nil
}

// PurgeExpiredCache deletes expired cache rows and returns how many.
func (s *Store) PurgeExpiredCache(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, s.q(`DELETE FROM response_cache WHERE expires_at <= ?`), s.nowMs())
	if err != nil {
		return 0, fmt.Errorf("store: purge cache: %w", err)
	}
	return res.RowsAffected()
}
