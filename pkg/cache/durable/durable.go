// Package durable is the relational tier of the result cache. It keeps every
// stored query with its hit counters and serves as the candidate pool for
// similarity lookups.
package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pario-ai/verdict/pkg/models"
	"github.com/pario-ai/verdict/pkg/store"
)

// ErrNotFound is returned when no entry exists for a fingerprint.
var ErrNotFound = errors.New("durable: entry not found")

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	query_hash TEXT PRIMARY KEY,
	query TEXT NOT NULL,
	result TEXT NOT NULL,
	hit_count BIGINT NOT NULL DEFAULT 1,
	created_at BIGINT NOT NULL,
	last_hit BIGINT NOT NULL,
	expires_at BIGINT NOT NULL
)`

const createRankIndex = `
CREATE INDEX IF NOT EXISTS idx_cache_entries_rank ON cache_entries (hit_count DESC, created_at)`

const createExpiresIndex = `
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries (expires_at)`

const entryColumns = `query_hash, query, result, hit_count, created_at, last_hit, expires_at`

type entryRow struct {
	QueryHash string `db:"query_hash"`
	Query     string `db:"query"`
	Result    []byte `db:"result"`
	HitCount  int64  `db:"hit_count"`
	CreatedAt int64  `db:"created_at"`
	LastHit   int64  `db:"last_hit"`
	ExpiresAt int64  `db:"expires_at"`
}

func (r entryRow) entry() models.CacheEntry {
	return models.CacheEntry{
		QueryHash: r.QueryHash,
		Query:     r.Query,
		Result:    r.Result,
		HitCount:  r.HitCount,
		CreatedAt: store.FromMillis(r.CreatedAt),
		LastHit:   store.FromMillis(r.LastHit),
		ExpiresAt: store.FromMillis(r.ExpiresAt),
	}
}

// CandidateQuery bounds the similarity candidate pool.
type CandidateQuery struct {
	Now         time.Time
	ActiveSince time.Time
	Limit       int
}

// CleanupResult counts rows removed by Cleanup.
type CleanupResult struct {
	Expired int64 `json:"expired"`
	Stale   int64 `json:"stale"`
}

// Store persists cache entries through sqlx. The same schema runs on SQLite
// and Postgres.
type Store struct {
	db *sqlx.DB
}

// New creates the cache tables if needed and returns a Store over db.
func New(ctx context.Context, db *sqlx.DB) (*Store, error) {
	if err := store.Migrate(ctx, db, createCacheTable, createRankIndex, createExpiresIndex); err != nil {
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	return &Store{db: db}, nil
}

// Upsert inserts e or, when its fingerprint exists, replaces the query,
// result and expiry. Hit count and creation time of an existing row are kept.
func (s *Store) Upsert(ctx context.Context, e models.CacheEntry) error {
	q := s.db.Rebind(`INSERT INTO cache_entries (` + entryColumns + `)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (query_hash) DO UPDATE SET
			query = excluded.query,
			result = excluded.result,
			last_hit = excluded.last_hit,
			expires_at = excluded.expires_at`)
	_, err := s.db.ExecContext(ctx, q,
		e.QueryHash, e.Query, string(e.Result),
		store.Millis(e.CreatedAt), store.Millis(e.LastHit), store.Millis(e.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("cache upsert: %w", err)
	}
	return nil
}

// Get returns the entry for hash, expired or not.
func (s *Store) Get(ctx context.Context, hash string) (*models.CacheEntry, error) {
	var row entryRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT `+entryColumns+` FROM cache_entries WHERE query_hash = ?`), hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	e := row.entry()
	return &e, nil
}

// RecordHit increments the hit counter of hash and stamps its last hit.
func (s *Store) RecordHit(ctx context.Context, hash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE cache_entries SET hit_count = hit_count + 1, last_hit = ? WHERE query_hash = ?`),
		store.Millis(at), hash)
	if err != nil {
		return fmt.Errorf("cache record hit: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Candidates returns unexpired entries active since q.ActiveSince, most hit
// first and oldest first among equals.
func (s *Store) Candidates(ctx context.Context, q CandidateQuery) ([]models.CacheEntry, error) {
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+entryColumns+` FROM cache_entries
		WHERE expires_at > ? AND last_hit >= ?
		ORDER BY hit_count DESC, created_at ASC
		LIMIT ?`),
		store.Millis(q.Now), store.Millis(q.ActiveSince), q.Limit)
	if err != nil {
		return nil, fmt.Errorf("cache candidates: %w", err)
	}
	entries := make([]models.CacheEntry, len(rows))
	for i, r := range rows {
		entries[i] = r.entry()
	}
	return entries, nil
}

// Cleanup removes expired entries and entries older than maxAge with fewer
// than minHits hits, in one transaction.
func (s *Store) Cleanup(ctx context.Context, now time.Time, maxAge time.Duration, minHits int64) (CleanupResult, error) {
	var result CleanupResult

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("cache cleanup begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM cache_entries WHERE expires_at < ?`), store.Millis(now))
	if err != nil {
		return result, fmt.Errorf("cache cleanup expired: %w", err)
	}
	result.Expired, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		tx.Rebind(`DELETE FROM cache_entries WHERE created_at < ? AND hit_count < ?`),
		store.Millis(now.Add(-maxAge)), minHits)
	if err != nil {
		return result, fmt.Errorf("cache cleanup stale: %w", err)
	}
	result.Stale, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return CleanupResult{}, fmt.Errorf("cache cleanup commit: %w", err)
	}
	return result, nil
}

// Stats returns entry count and hit aggregates. Metrics is left zero.
func (s *Store) Stats(ctx context.Context) (models.CacheStats, error) {
	var agg struct {
		Entries   int64   `db:"entries"`
		TotalHits int64   `db:"total_hits"`
		AvgHits   float64 `db:"avg_hits"`
	}
	err := s.db.GetContext(ctx, &agg, `SELECT
		COUNT(*) AS entries,
		COALESCE(SUM(hit_count), 0) AS total_hits,
		COALESCE(AVG(hit_count), 0) AS avg_hits
		FROM cache_entries`)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{Entries: agg.Entries, TotalHits: agg.TotalHits, AvgHits: agg.AvgHits}, nil
}

// Popular returns the limit most hit queries.
func (s *Store) Popular(ctx context.Context, limit int) ([]models.PopularQuery, error) {
	var rows []struct {
		Query    string `db:"query"`
		HitCount int64  `db:"hit_count"`
		LastHit  int64  `db:"last_hit"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT query, hit_count, last_hit FROM cache_entries
		ORDER BY hit_count DESC, last_hit DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("cache popular: %w", err)
	}
	out := make([]models.PopularQuery, len(rows))
	for i, r := range rows {
		out[i] = models.PopularQuery{Query: r.Query, HitCount: r.HitCount, LastHit: store.FromMillis(r.LastHit)}
	}
	return out, nil
}

// Delete removes the entry for hash. Deleting a missing entry is not an error.
func (s *Store) Delete(ctx context.Context, hash string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM cache_entries WHERE query_hash = ?`), hash); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}
