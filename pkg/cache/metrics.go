package cache

import (
	"sync"
	"time"

	"github.com/pario-ai/verdict/pkg/models"
)

// Recorder receives one observation per Get call.
type Recorder interface {
	Observe(outcome models.LookupOutcome, elapsed time.Duration)
}

// ewmaAlpha weights the newest sample of the response-time average.
const ewmaAlpha = 0.2

// Metrics is an in-memory Recorder. Each Cache gets its own instance unless
// one is injected, so tests can assert on isolated counters.
type Metrics struct {
	mu     sync.Mutex
	hits   int64
	misses int64
	avg    float64
}

// NewMetrics returns an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Observe implements Recorder.
func (m *Metrics) Observe(outcome models.LookupOutcome, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if outcome == models.OutcomeMiss {
		m.misses++
	} else {
		m.hits++
	}

	sample := float64(elapsed)
	if m.hits+m.misses == 1 {
		m.avg = sample
	} else {
		m.avg = ewmaAlpha*sample + (1-ewmaAlpha)*m.avg
	}
}

// Snapshot returns the current counters with the derived hit rate.
func (m *Metrics) Snapshot() models.CacheMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.hits + m.misses
	snap := models.CacheMetrics{
		Hits:            m.hits,
		Misses:          m.misses,
		TotalQueries:    total,
		AvgResponseTime: time.Duration(m.avg),
	}
	if total > 0 {
		snap.HitRate = float64(m.hits) / float64(total)
	}
	return snap
}

type tee []Recorder

func (t tee) Observe(outcome models.LookupOutcome, elapsed time.Duration) {
	for _, r := range t {
		r.Observe(outcome, elapsed)
	}
}

// Tee returns a Recorder that forwards to every non-nil recorder.
func Tee(recorders ...Recorder) Recorder {
	var t tee
	for _, r := range recorders {
		if r != nil {
			t = append(t, r)
		}
	}
	return t
}
