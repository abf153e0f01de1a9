package cache

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pario-ai/verdict/pkg/cache/durable"
	"github.com/pario-ai/verdict/pkg/fingerprint"
	"github.com/pario-ai/verdict/pkg/kv"
	"github.com/pario-ai/verdict/pkg/models"
	"github.com/pario-ai/verdict/pkg/store"
)

func newTestCache(t *testing.T) (*Cache, *kv.Memory, *durable.Store) {
	t.Helper()
	db, err := store.Open("sqlite", filepath.Join(t.TempDir(), "cache_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ds, err := durable.New(context.Background(), db)
	require.NoError(t, err)
	fast, err := kv.NewMemory(100)
	require.NoError(t, err)

	c := New(fast, ds, Options{})
	t.Cleanup(c.Close)
	return c, fast, ds
}

func sampleResult(label string) models.CachedResult {
	return models.CachedResult{
		Verdict:          models.Verdict{Label: label, Confidence: 0.92, Summary: "checked"},
		KeyFindings:      []string{"finding one"},
		Sources:          []models.Source{{Title: "Survey", URL: "https://example.org/survey"}},
		Explanation:      "because",
		ProcessingTimeMs: 1200,
		Timestamp:        time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	want := sampleResult("false")

	require.True(t, c.Set(ctx, "Is the Earth flat?", want, WaitDurable()))

	for _, q := range []string{"Is the Earth flat?", "is the earth flat", "IS THE EARTH FLAT"} {
		hit := c.Get(ctx, q)
		require.NotNil(t, hit, q)
		assert.Equal(t, want, hit.Result)
		assert.True(t, hit.Cached)
		assert.Equal(t, 1.0, hit.Similarity)
		assert.Equal(t, models.HitExact, hit.Source)
	}
}

func TestSimilarHit(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	require.True(t, c.Set(ctx, "is the earth flat", sampleResult("false"), WaitDurable()))

	// 4 shared tokens out of 5.
	hit := c.Get(ctx, "is the earth really flat", WithThreshold(0.75))
	require.NotNil(t, hit)
	assert.Equal(t, models.HitSimilar, hit.Source)
	assert.InDelta(t, 0.8, hit.Similarity, 1e-9)
	assert.Equal(t, "is the earth flat", hit.MatchedQuery)

	assert.Nil(t, c.Get(ctx, "is the earth really flat", WithThreshold(0.85)))
}

func TestSimilarHitPromotesToFastPath(t *testing.T) {
	c, fast, ds := newTestCache(t)
	ctx := context.Background()
	require.True(t, c.Set(ctx, "vaccines cause autism", sampleResult("false"), WaitDurable()))

	hash := fingerprint.Fingerprint("vaccines cause autism")
	require.NoError(t, fast.Delete(ctx, hash))

	hit := c.Get(ctx, "Vaccines Cause AUTISM")
	require.NotNil(t, hit)
	assert.Equal(t, models.HitSimilar, hit.Source)
	assert.Equal(t, 1.0, hit.Similarity)

	_, err := fast.Get(ctx, hash)
	assert.NoError(t, err, "matched entry should be back on the fast path")

	require.NoError(t, c.Flush(ctx))
	e, err := ds.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.HitCount)
}

func TestExactHitRecordsDurableHit(t *testing.T) {
	c, _, ds := newTestCache(t)
	ctx := context.Background()
	require.True(t, c.Set(ctx, "the moon landing was faked", sampleResult("false")))

	require.NotNil(t, c.Get(ctx, "the moon landing was faked"))
	require.NotNil(t, c.Get(ctx, "The moon landing was FAKED."))
	require.NoError(t, c.Flush(ctx))

	e, err := ds.Get(ctx, fingerprint.Fingerprint("the moon landing was faked"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.HitCount)
}

func TestThresholdMonotonicity(t *testing.T) {
	c, fast, _ := newTestCache(t)
	ctx := context.Background()
	stored := []string{
		"is the earth flat",
		"did humans land on the moon in 1969",
		"does coffee cause dehydration",
	}
	for _, q := range stored {
		require.True(t, c.Set(ctx, q, sampleResult("mixed"), WaitDurable()))
		require.NoError(t, fast.Delete(ctx, fingerprint.Fingerprint(q)))
	}

	queries := []string{
		"is the earth flat",
		"is the earth really flat",
		"did humans land on the moon",
		"does coffee cause dehydration in adults",
		"is coffee bad",
		"unrelated question entirely",
	}
	for _, q := range queries {
		strict := c.Get(ctx, q, WithThreshold(0.95))
		loose := c.Get(ctx, q, WithThreshold(0.65))
		if strict != nil {
			assert.NotNil(t, loose, "hit at 0.95 must also hit at 0.65: %q", q)
		}
	}
}

func TestMetricsConsistency(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	require.True(t, c.Set(ctx, "is the earth flat", sampleResult("false"), WaitDurable()))

	for i := 0; i < 3; i++ {
		require.NotNil(t, c.Get(ctx, "is the earth flat"))
	}
	assert.Nil(t, c.Get(ctx, "completely different claim"))
	assert.Nil(t, c.Get(ctx, "another unknown claim"))

	m := c.Metrics()
	assert.Equal(t, int64(3), m.Hits)
	assert.Equal(t, int64(2), m.Misses)
	assert.Equal(t, int64(5), m.TotalQueries)
	assert.InDelta(t, 0.6, m.HitRate, 1e-9)
	assert.Positive(t, m.AvgResponseTime)
}

func TestIntelligentSearch(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	require.True(t, c.Set(ctx, "is the earth flat", sampleResult("false"), WaitDurable()))

	hit := c.IntelligentSearch(ctx, "is the earth really flat")
	require.NotNil(t, hit)
	assert.InDelta(t, 0.8, hit.Similarity, 1e-9)

	m := c.Metrics()
	assert.Equal(t, int64(1), m.Hits)
	assert.Equal(t, int64(2), m.Misses, "0.95 and 0.85 miss before 0.75 hits")

	assert.Nil(t, c.IntelligentSearch(ctx, "who won the world cup"))
}

func TestInvalidate(t *testing.T) {
	c, _, ds := newTestCache(t)
	ctx := context.Background()
	require.True(t, c.Set(ctx, "is the earth flat", sampleResult("false")))

	require.NoError(t, c.Invalidate(ctx, "Is the earth flat?"))
	assert.Nil(t, c.Get(ctx, "is the earth flat"))
	_, err := ds.Get(ctx, fingerprint.Fingerprint("is the earth flat"))
	assert.ErrorIs(t, err, durable.ErrNotFound)
}

func TestEmptyQueryIsMiss(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	assert.False(t, c.Set(ctx, " ?! ", sampleResult("true")))
	assert.Nil(t, c.Get(ctx, "  "))
	assert.Equal(t, int64(1), c.Metrics().Misses)
}

type brokenFast struct{}

func (brokenFast) Get(context.Context, string) ([]byte, error) { return nil, kv.ErrUnavailable }
func (brokenFast) Set(context.Context, string, []byte, time.Duration) error {
	return kv.ErrUnavailable
}
func (brokenFast) Delete(context.Context, string) error { return kv.ErrUnavailable }
func (brokenFast) Close() error                         { return nil }

type fakeDurable struct {
	mu      sync.Mutex
	err     error
	upserts []models.CacheEntry
	hits    []string
}

func (f *fakeDurable) Upsert(_ context.Context, e models.CacheEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, e)
	return f.err
}

func (f *fakeDurable) RecordHit(_ context.Context, hash string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits = append(f.hits, hash)
	return f.err
}

func (f *fakeDurable) Candidates(context.Context, durable.CandidateQuery) ([]models.CacheEntry, error) {
	return nil, f.err
}

func (f *fakeDurable) Delete(context.Context, string) error { return f.err }

func (f *fakeDurable) Stats(context.Context) (models.CacheStats, error) {
	return models.CacheStats{}, f.err
}

func (f *fakeDurable) Popular(context.Context, int) ([]models.PopularQuery, error) {
	return nil, f.err
}

func (f *fakeDurable) Cleanup(context.Context, time.Time, time.Duration, int64) (durable.CleanupResult, error) {
	return durable.CleanupResult{}, f.err
}

func TestGetFailsOpen(t *testing.T) {
	c := New(brokenFast{}, &fakeDurable{err: errors.New("db down")}, Options{})
	defer c.Close()
	ctx := context.Background()

	assert.Nil(t, c.Get(ctx, "is the earth flat"))
	assert.Nil(t, c.IntelligentSearch(ctx, "is the earth flat"))
	assert.False(t, c.Set(ctx, "is the earth flat", sampleResult("false")))

	m := c.Metrics()
	assert.Equal(t, int64(5), m.Misses)
	assert.Zero(t, m.Hits)
}

func TestDurableFailureIsSwallowed(t *testing.T) {
	fast, err := kv.NewMemory(10)
	require.NoError(t, err)
	fd := &fakeDurable{err: errors.New("db down")}
	c := New(fast, fd, Options{})
	defer c.Close()
	ctx := context.Background()

	assert.True(t, c.Set(ctx, "is the earth flat", sampleResult("false")))
	assert.True(t, c.Set(ctx, "is water wet", sampleResult("true"), WaitDurable()))
	require.NoError(t, c.Flush(ctx))

	hit := c.Get(ctx, "is the earth flat")
	require.NotNil(t, hit)
	assert.Equal(t, models.HitExact, hit.Source)

	fd.mu.Lock()
	assert.Len(t, fd.upserts, 2)
	fd.mu.Unlock()
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes []models.LookupOutcome
}

func (r *countingRecorder) Observe(o models.LookupOutcome, _ time.Duration) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

func TestInjectedRecorder(t *testing.T) {
	fast, err := kv.NewMemory(10)
	require.NoError(t, err)
	rec := &countingRecorder{}
	c := New(fast, &fakeDurable{}, Options{Recorder: rec})
	defer c.Close()
	ctx := context.Background()

	require.True(t, c.Set(ctx, "q one", sampleResult("true")))
	c.Get(ctx, "q one")
	c.Get(ctx, "q two")

	assert.Equal(t, []models.LookupOutcome{models.OutcomeExact, models.OutcomeMiss}, rec.outcomes)
	assert.Equal(t, int64(2), c.Metrics().TotalQueries)
}

func TestCloseStopsWorkers(t *testing.T) {
	ignore := goleak.IgnoreCurrent()

	fast, err := kv.NewMemory(10)
	require.NoError(t, err)
	c := New(fast, &fakeDurable{}, Options{})
	c.StartCleanup(time.Millisecond)
	require.True(t, c.Set(context.Background(), "q", sampleResult("true")))
	time.Sleep(5 * time.Millisecond)
	c.Close()
	c.Close()

	goleak.VerifyNone(t, ignore)
}

type blockingDurable struct {
	fakeDurable
	entry   models.CacheEntry
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingDurable) Candidates(ctx context.Context, _ durable.CandidateQuery) ([]models.CacheEntry, error) {
	if b.calls.Add(1) == 1 {
		close(b.entered)
	}
	<-b.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []models.CacheEntry{b.entry}, nil
}

func TestSharedSimilarLookupIgnoresFirstCallerCancel(t *testing.T) {
	fast, err := kv.NewMemory(10)
	require.NoError(t, err)
	data, err := json.Marshal(sampleResult("false"))
	require.NoError(t, err)
	bd := &blockingDurable{
		entry: models.CacheEntry{
			QueryHash: fingerprint.Fingerprint("is the earth flat"),
			Query:     "is the earth flat",
			Result:    data,
			HitCount:  1,
			ExpiresAt: time.Now().Add(time.Hour),
		},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := New(fast, bd, Options{})
	defer c.Close()

	firstCtx, cancel := context.WithCancel(context.Background())
	first := make(chan *models.CacheHit, 1)
	go func() { first <- c.Get(firstCtx, "is the earth really flat", WithThreshold(0.75)) }()
	<-bd.entered

	second := make(chan *models.CacheHit, 1)
	go func() { second <- c.Get(context.Background(), "is the earth really flat", WithThreshold(0.75)) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(bd.release)

	hit := <-second
	require.NotNil(t, hit)
	assert.Equal(t, models.HitSimilar, hit.Source)
	assert.NotNil(t, <-first)
	assert.Equal(t, int32(1), bd.calls.Load())
}
