package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/pario-ai/verdict/pkg/cache/durable"
	"github.com/pario-ai/verdict/pkg/kv"
	"github.com/pario-ai/verdict/pkg/models"
	"github.com/pario-ai/verdict/pkg/similarity"
)

// lookup is one Get call as seen by a strategy.
type lookup struct {
	query     string
	hash      string
	threshold float64
}

// strategy is one way of answering a lookup. A nil hit with a nil error is
// a clean miss; an error means the strategy could not decide.
type strategy interface {
	name() string
	find(ctx context.Context, l lookup) (*models.CacheHit, error)
}

// exactStrategy answers from the fast-path store by fingerprint.
type exactStrategy struct {
	c *Cache
}

func (exactStrategy) name() string { return "exact" }

func (s exactStrategy) find(ctx context.Context, l lookup) (*models.CacheHit, error) {
	data, err := s.c.fast.Get(ctx, l.hash)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var result models.CachedResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode fast-path entry: %w", err)
	}

	s.c.wb.enqueue(job{kind: jobHit, hash: l.hash, at: s.c.now()})
	return &models.CacheHit{
		Result:       result,
		Cached:       true,
		Similarity:   1.0,
		MatchedQuery: l.query,
		Source:       models.HitExact,
	}, nil
}

// similarStrategy scores the durable candidate pool against the query.
type similarStrategy struct {
	c *Cache
}

func (similarStrategy) name() string { return "similar" }

type scored struct {
	entry models.CacheEntry
	score float64
}

func (s similarStrategy) find(ctx context.Context, l lookup) (*models.CacheHit, error) {
	key := l.hash + "@" + strconv.FormatFloat(l.threshold, 'f', -1, 64)
	v, err, _ := s.c.group.Do(key, func() (interface{}, error) {
		// Callers share this result, so one caller's cancellation must not fail the rest.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writebackTimeout)
		defer cancel()
		return s.best(sctx, l)
	})
	if err != nil {
		return nil, err
	}
	m := v.(*scored)
	if m == nil {
		return nil, nil
	}

	var result models.CachedResult
	if err := json.Unmarshal(m.entry.Result, &result); err != nil {
		return nil, fmt.Errorf("decode durable entry %s: %w", short(m.entry.QueryHash), err)
	}

	s.c.wb.enqueue(job{kind: jobHit, hash: m.entry.QueryHash, at: s.c.now()})
	s.promote(ctx, m.entry)

	return &models.CacheHit{
		Result:       result,
		Cached:       true,
		Similarity:   m.score,
		MatchedQuery: m.entry.Query,
		Source:       models.HitSimilar,
	}, nil
}

// best loads the candidate pool and returns the winning entry, or nil.
func (s similarStrategy) best(ctx context.Context, l lookup) (*scored, error) {
	now := s.c.now()
	entries, err := s.c.durable.Candidates(ctx, durable.CandidateQuery{
		Now:         now,
		ActiveSince: now.Add(-s.c.opts.CandidateWindow),
		Limit:       s.c.opts.CandidatePool,
	})
	if err != nil {
		return nil, err
	}

	candidates := make([]similarity.Candidate, len(entries))
	for i, e := range entries {
		candidates[i] = similarity.Candidate{Key: strconv.Itoa(i), Query: e.Query}
	}
	match, ok := similarity.Best(l.query, candidates, l.threshold)
	if !ok {
		return nil, nil
	}
	i, _ := strconv.Atoi(match.Candidate.Key)
	return &scored{entry: entries[i], score: match.Score}, nil
}

// promote puts a matched entry back on the fast path under its own
// fingerprint when it is missing there.
func (s similarStrategy) promote(ctx context.Context, e models.CacheEntry) {
	_, err := s.c.fast.Get(ctx, e.QueryHash)
	if err == nil {
		return
	}
	if !errors.Is(err, kv.ErrNotFound) {
		log.Printf("cache: fast-path recheck %s: %v", short(e.QueryHash), err)
		return
	}
	ttl := e.ExpiresAt.Sub(s.c.now())
	if ttl <= 0 {
		return
	}
	if err := s.c.fast.Set(ctx, e.QueryHash, e.Result, ttl); err != nil {
		log.Printf("cache: fast-path promote %s: %v", short(e.QueryHash), err)
	}
}
