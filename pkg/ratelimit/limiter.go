// Package ratelimit decides whether an API key may make another request.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/pario-ai/verdict/pkg/models"
)

// ErrRateLimited is returned when a key has no tokens left.
var ErrRateLimited = errors.New("rate limit exceeded")

const (
	defaultMaxKeys = 10000
	defaultKeyTTL  = 10 * time.Minute
)

// Option adjusts a Limiter.
type Option func(*settings)

type settings struct {
	maxKeys int
	keyTTL  time.Duration
}

// WithMaxKeys bounds how many per-key buckets are kept. The least recently
// used bucket is dropped first.
func WithMaxKeys(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxKeys = n
		}
	}
}

// WithKeyTTL sets how long a bucket is kept after it was created.
func WithKeyTTL(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.keyTTL = d
		}
	}
}

// Limiter applies token-bucket policies per API key. A policy for the exact
// key wins over the "*" wildcard; keys matching neither are unlimited.
// Buckets live in a bounded LRU, so unknown keys cannot grow it without
// limit.
type Limiter struct {
	policies map[string]models.RateLimitPolicy

	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
}

// New creates a Limiter for the given policies.
func New(policies []models.RateLimitPolicy, opts ...Option) *Limiter {
	cfg := settings{maxKeys: defaultMaxKeys, keyTTL: defaultKeyTTL}
	for _, o := range opts {
		o(&cfg)
	}
	l := &Limiter{
		policies: make(map[string]models.RateLimitPolicy, len(policies)),
		buckets:  expirable.NewLRU[string, *rate.Limiter](cfg.maxKeys, nil, cfg.keyTTL),
	}
	for _, p := range policies {
		l.policies[p.Key] = p
	}
	return l
}

// Policy returns the policy that applies to apiKey.
func (l *Limiter) Policy(apiKey string) (models.RateLimitPolicy, bool) {
	if p, ok := l.policies[apiKey]; ok {
		return p, true
	}
	p, ok := l.policies["*"]
	return p, ok
}

// Allow consumes one token for apiKey and reports whether it was available.
func (l *Limiter) Allow(apiKey string) bool {
	p, ok := l.Policy(apiKey)
	if !ok {
		return true
	}
	return l.bucket(apiKey, p).Allow()
}

// Check is Allow returning ErrRateLimited on denial.
func (l *Limiter) Check(apiKey string) error {
	if !l.Allow(apiKey) {
		return ErrRateLimited
	}
	return nil
}

// bucket returns the key's limiter. Wildcard keys each get their own bucket.
func (l *Limiter) bucket(apiKey string, p models.RateLimitPolicy) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets.Get(apiKey)
	if !ok {
		burst := p.Burst
		if burst < 1 {
			burst = 1
		}
		b = rate.NewLimiter(rate.Limit(p.RequestsPerMinute/60), burst)
		l.buckets.Add(apiKey, b)
	}
	return b
}

// Len reports how many per-key buckets are currently held.
func (l *Limiter) Len() int {
	return l.buckets.Len()
}
