package durable

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/verdict/pkg/models"
	"github.com/pario-ai/verdict/pkg/store"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open("sqlite", filepath.Join(t.TempDir(), "cache_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := New(context.Background(), db)
	require.NoError(t, err)
	return s
}

func entry(hash string, created time.Time, ttl time.Duration) models.CacheEntry {
	return models.CacheEntry{
		QueryHash: hash,
		Query:     "query " + hash,
		Result:    []byte(`{"verdict":{"label":"true"}}`),
		CreatedAt: created,
		LastHit:   created,
		ExpiresAt: created.Add(ttl),
	}
}

func TestUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, entry("h1", base, time.Hour)))
	got, err := s.Get(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "query h1", got.Query)
	assert.Equal(t, int64(1), got.HitCount)
	assert.True(t, got.CreatedAt.Equal(base))
	assert.True(t, got.ExpiresAt.Equal(base.Add(time.Hour)))

	require.NoError(t, s.RecordHit(ctx, "h1", base.Add(time.Minute)))

	later := entry("h1", base.Add(10*time.Minute), 2*time.Hour)
	later.Result = []byte(`{"verdict":{"label":"false"}}`)
	require.NoError(t, s.Upsert(ctx, later))

	got, err = s.Get(ctx, "h1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"verdict":{"label":"false"}}`, string(got.Result))
	assert.Equal(t, int64(2), got.HitCount, "upsert keeps hit count")
	assert.True(t, got.CreatedAt.Equal(base), "upsert keeps creation time")
	assert.True(t, got.ExpiresAt.Equal(base.Add(10*time.Minute+2*time.Hour)))
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.RecordHit(ctx, "nope", base), ErrNotFound)
	assert.NoError(t, s.Delete(ctx, "nope"))
}

func TestCandidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, entry("b", base.Add(-3*time.Hour), 24*time.Hour)))
	require.NoError(t, s.Upsert(ctx, entry("c", base.Add(-2*time.Hour), 24*time.Hour)))
	require.NoError(t, s.Upsert(ctx, entry("a", base.Add(-1*time.Hour), 24*time.Hour)))
	require.NoError(t, s.Upsert(ctx, entry("expired", base.Add(-2*time.Hour), time.Hour)))
	require.NoError(t, s.Upsert(ctx, entry("idle", base.Add(-10*24*time.Hour), 30*24*time.Hour)))
	for i := 0; i < 2; i++ {
		require.NoError(t, s.RecordHit(ctx, "a", base))
	}

	q := CandidateQuery{Now: base, ActiveSince: base.Add(-7 * 24 * time.Hour), Limit: 50}
	got, err := s.Candidates(ctx, q)
	require.NoError(t, err)
	var hashes []string
	for _, e := range got {
		hashes = append(hashes, e.QueryHash)
	}
	assert.Equal(t, []string{"a", "b", "c"}, hashes)

	q.Limit = 2
	got, err = s.Candidates(ctx, q)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestCleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := base.Add(-40 * 24 * time.Hour)

	require.NoError(t, s.Upsert(ctx, entry("expired", base.Add(-2*time.Hour), time.Hour)))
	require.NoError(t, s.Upsert(ctx, entry("stale", old, 90*24*time.Hour)))
	require.NoError(t, s.Upsert(ctx, entry("popular", old, 90*24*time.Hour)))
	require.NoError(t, s.Upsert(ctx, entry("fresh", base, time.Hour)))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordHit(ctx, "popular", base))
	}

	res, err := s.Cleanup(ctx, base, 30*24*time.Hour, 3)
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{Expired: 1, Stale: 1}, res)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Entries)
}

func TestStatsAndPopular(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
	assert.Zero(t, stats.AvgHits)

	require.NoError(t, s.Upsert(ctx, entry("h1", base, time.Hour)))
	require.NoError(t, s.Upsert(ctx, entry("h2", base, time.Hour)))
	require.NoError(t, s.RecordHit(ctx, "h2", base.Add(time.Second)))
	require.NoError(t, s.RecordHit(ctx, "h2", base.Add(2*time.Second)))

	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Entries)
	assert.Equal(t, int64(4), stats.TotalHits)
	assert.InDelta(t, 2.0, stats.AvgHits, 1e-9)

	popular, err := s.Popular(ctx, 1)
	require.NoError(t, err)
	require.Len(t, popular, 1)
	assert.Equal(t, "query h2", popular[0].Query)
	assert.Equal(t, int64(3), popular[0].HitCount)

	require.NoError(t, s.Clear(ctx))
	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Store{db: sqlx.NewDb(db, "sqlmock")}, mock
}

func TestCleanupRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM cache_entries WHERE expires_at").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM cache_entries WHERE created_at").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := s.Cleanup(context.Background(), base, time.Hour, 3)
	assert.ErrorContains(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDriverError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM cache_entries").
		WithArgs("h1").
		WillReturnError(errors.New("connection reset"))

	_, err := s.Get(context.Background(), "h1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
