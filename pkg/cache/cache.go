// Package cache is the two-tier claim-check result cache. Exact repeats are
// served from a key-value fast path keyed by fingerprint; near repeats fall
// back to a Jaccard token match over the durable store.
//
// The cache fails open: Get never returns an error and treats every internal
// fault as a miss. Concurrent Set calls for the same query are not
// serialized; the stores resolve them last-write-wins.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pario-ai/verdict/pkg/cache/durable"
	"github.com/pario-ai/verdict/pkg/fingerprint"
	"github.com/pario-ai/verdict/pkg/kv"
	"github.com/pario-ai/verdict/pkg/models"
)

// Durable is the relational tier as used by the cache.
type Durable interface {
	Upsert(ctx context.Context, e models.CacheEntry) error
	RecordHit(ctx context.Context, hash string, at time.Time) error
	Candidates(ctx context.Context, q durable.CandidateQuery) ([]models.CacheEntry, error)
	Delete(ctx context.Context, hash string) error
	Stats(ctx context.Context) (models.CacheStats, error)
	Popular(ctx context.Context, limit int) ([]models.PopularQuery, error)
	Cleanup(ctx context.Context, now time.Time, maxAge time.Duration, minHits int64) (durable.CleanupResult, error)
}

// Options configures a Cache. Zero fields take the defaults below.
type Options struct {
	// Metrics receives every lookup; a fresh instance is used when nil.
	Metrics *Metrics
	// Recorder is an additional sink, such as Prometheus.
	Recorder Recorder

	DefaultTTL      time.Duration // 24h
	Threshold       float64       // 0.85
	Thresholds      []float64     // 0.95, 0.85, 0.75, 0.65
	CandidatePool   int           // 50
	CandidateWindow time.Duration // 7 days
	WritebackQueue  int           // 256
	MaxAge          time.Duration // 30 days
	MinHits         int64         // 3

	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.Metrics == nil {
		o.Metrics = NewMetrics()
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = 24 * time.Hour
	}
	if o.Threshold <= 0 {
		o.Threshold = 0.85
	}
	if len(o.Thresholds) == 0 {
		o.Thresholds = []float64{0.95, 0.85, 0.75, 0.65}
	}
	if o.CandidatePool <= 0 {
		o.CandidatePool = 50
	}
	if o.CandidateWindow <= 0 {
		o.CandidateWindow = 7 * 24 * time.Hour
	}
	if o.WritebackQueue <= 0 {
		o.WritebackQueue = 256
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 30 * 24 * time.Hour
	}
	if o.MinHits <= 0 {
		o.MinHits = 3
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Cache is the result cache orchestrator.
type Cache struct {
	fast     kv.Store
	durable  Durable
	opts     Options
	recorder Recorder
	now      func() time.Time

	strategies []strategy
	group      singleflight.Group
	wb         *writeback

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Cache over the given stores and starts its write-back worker.
func New(fast kv.Store, store Durable, opts Options) *Cache {
	opts.setDefaults()
	c := &Cache{
		fast:     fast,
		durable:  store,
		opts:     opts,
		recorder: Tee(opts.Metrics, opts.Recorder),
		now:      opts.Now,
		wb:       newWriteback(store, opts.WritebackQueue),
		done:     make(chan struct{}),
	}
	c.strategies = []strategy{exactStrategy{c}, similarStrategy{c}}
	return c
}

type getConfig struct {
	threshold float64
}

// GetOption adjusts a single Get call.
type GetOption func(*getConfig)

// WithThreshold sets the minimum similarity for a non-exact hit.
func WithThreshold(threshold float64) GetOption {
	return func(c *getConfig) { c.threshold = threshold }
}

// Get returns the cached result for query, or nil on a miss. Every call
// records exactly one observation.
func (c *Cache) Get(ctx context.Context, query string, opts ...GetOption) *models.CacheHit {
	start := time.Now()
	cfg := getConfig{threshold: c.opts.Threshold}
	for _, o := range opts {
		o(&cfg)
	}

	hit := c.find(ctx, lookup{query: query, hash: fingerprint.Fingerprint(query), threshold: cfg.threshold})

	outcome := models.OutcomeMiss
	if hit != nil {
		outcome = models.LookupOutcome(hit.Source)
	}
	c.recorder.Observe(outcome, time.Since(start))
	return hit
}

func (c *Cache) find(ctx context.Context, l lookup) *models.CacheHit {
	if fingerprint.Normalize(l.query) == "" {
		return nil
	}
	for _, s := range c.strategies {
		hit, err := s.find(ctx, l)
		if err != nil {
			log.Printf("cache: %s lookup %s: %v", s.name(), short(l.hash), err)
			continue
		}
		if hit != nil {
			return hit
		}
	}
	return nil
}

// IntelligentSearch walks the configured thresholds from strict to loose and
// returns the first hit. Each step is a full Get and is recorded as such.
func (c *Cache) IntelligentSearch(ctx context.Context, query string) *models.CacheHit {
	for _, th := range c.opts.Thresholds {
		if hit := c.Get(ctx, query, WithThreshold(th)); hit != nil {
			return hit
		}
	}
	return nil
}

type setConfig struct {
	ttl  time.Duration
	wait bool
}

// SetOption adjusts a single Set call.
type SetOption func(*setConfig)

// WithTTL overrides the default entry lifetime.
func WithTTL(ttl time.Duration) SetOption {
	return func(c *setConfig) { c.ttl = ttl }
}

// WaitDurable makes Set apply the durable write before returning. Its
// failure is still only logged.
func WaitDurable() SetOption {
	return func(c *setConfig) { c.wait = true }
}

// Set stores result for query. It reports false only when the fast path
// rejected the write; the durable write is queued and best-effort.
func (c *Cache) Set(ctx context.Context, query string, result models.CachedResult, opts ...SetOption) bool {
	cfg := setConfig{ttl: c.opts.DefaultTTL}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.ttl <= 0 {
		cfg.ttl = c.opts.DefaultTTL
	}
	if fingerprint.Normalize(query) == "" {
		log.Printf("cache: refusing to store empty query")
		return false
	}

	data, err := json.Marshal(result)
	if err != nil {
		log.Printf("cache: encode result: %v", err)
		return false
	}

	hash := fingerprint.Fingerprint(query)
	if err := c.fast.Set(ctx, hash, data, cfg.ttl); err != nil {
		log.Printf("cache: fast-path set %s: %v", short(hash), err)
		return false
	}

	now := c.now()
	j := job{kind: jobUpsert, entry: models.CacheEntry{
		QueryHash: hash,
		Query:     query,
		Result:    data,
		HitCount:  1,
		CreatedAt: now,
		LastHit:   now,
		ExpiresAt: now.Add(cfg.ttl),
	}}
	if cfg.wait {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writebackTimeout)
		defer cancel()
		c.wb.apply(wctx, j)
	} else {
		c.wb.enqueue(j)
	}
	return true
}

// Invalidate removes query from both tiers. Queued durable writes are
// flushed first so they cannot bring the entry back.
func (c *Cache) Invalidate(ctx context.Context, query string) error {
	hash := fingerprint.Fingerprint(query)
	if err := c.wb.flush(ctx); err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	var errs []error
	if err := c.fast.Delete(ctx, hash); err != nil {
		errs = append(errs, fmt.Errorf("fast-path delete: %w", err))
	}
	if err := c.durable.Delete(ctx, hash); err != nil {
		errs = append(errs, fmt.Errorf("durable delete: %w", err))
	}
	return errors.Join(errs...)
}

// Metrics returns the in-memory lookup metrics.
func (c *Cache) Metrics() models.CacheMetrics {
	return c.opts.Metrics.Snapshot()
}

// Stats combines lookup metrics with durable-store aggregates.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	stats, err := c.durable.Stats(ctx)
	if err != nil {
		return models.CacheStats{Metrics: c.Metrics()}, err
	}
	stats.Metrics = c.Metrics()
	return stats, nil
}

// Popular returns the n most hit queries.
func (c *Cache) Popular(ctx context.Context, n int) ([]models.PopularQuery, error) {
	return c.durable.Popular(ctx, n)
}

// Cleanup removes expired and stale low-value entries from the durable store.
func (c *Cache) Cleanup(ctx context.Context) (durable.CleanupResult, error) {
	return c.durable.Cleanup(ctx, c.now(), c.opts.MaxAge, c.opts.MinHits)
}

// StartCleanup runs Cleanup every interval until Close.
func (c *Cache) StartCleanup(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.wg.Add(1)
	go c.cleanupLoop(interval)
}

func (c *Cache) cleanupLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			res, err := c.Cleanup(context.Background())
			if err != nil {
				log.Printf("cache: cleanup: %v", err)
				continue
			}
			if res.Expired+res.Stale > 0 {
				log.Printf("cache: cleanup removed %d expired, %d stale", res.Expired, res.Stale)
			}
		}
	}
}

// Flush waits for queued durable writes to be applied.
func (c *Cache) Flush(ctx context.Context) error {
	return c.wb.flush(ctx)
}

// Close stops the cleanup loop and drains the write-back queue. It does not
// close the stores.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		c.wb.close()
	})
}
