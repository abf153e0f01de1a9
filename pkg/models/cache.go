package models

import "time"

// Verdict is the headline judgement on a claim.
type Verdict struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Summary    string  `json:"summary,omitempty"`
}

// Source is a citation backing a verdict.
type Source struct {
	Title     string `json:"title"`
	URL       string `json:"url"`
	Publisher string `json:"publisher,omitempty"`
	Snippet   string `json:"snippet,omitempty"`
}

// CachedResult is a complete claim-check result. It is never mutated once
// written; a newer Set for the same query replaces it.
type CachedResult struct {
	Verdict          Verdict   `json:"verdict"`
	KeyFindings      []string  `json:"key_findings,omitempty"`
	Sources          []Source  `json:"sources,omitempty"`
	Explanation      string    `json:"explanation,omitempty"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	Timestamp        time.Time `json:"timestamp"`
}

// HitSource identifies which tier answered a lookup.
type HitSource string

const (
	HitExact   HitSource = "exact"
	HitSimilar HitSource = "similar"
)

// CacheHit is a CachedResult annotated with how it was found.
type CacheHit struct {
	Result       CachedResult `json:"result"`
	Cached       bool         `json:"cached"`
	Similarity   float64      `json:"similarity"`
	MatchedQuery string       `json:"matched_query,omitempty"`
	Source       HitSource    `json:"source"`
}

// CacheEntry is a durable-store row. QueryHash is the fingerprint of Query.
type CacheEntry struct {
	QueryHash string    `json:"query_hash"`
	Query     string    `json:"query"`
	Result    []byte    `json:"result"`
	HitCount  int64     `json:"hit_count"`
	CreatedAt time.Time `json:"created_at"`
	LastHit   time.Time `json:"last_hit"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its expiry at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// LookupOutcome classifies a single cache lookup for metrics.
type LookupOutcome string

const (
	OutcomeExact   LookupOutcome = "exact"
	OutcomeSimilar LookupOutcome = "similar"
	OutcomeMiss    LookupOutcome = "miss"
)

// CacheMetrics reports lookup performance for the life of the process.
type CacheMetrics struct {
	Hits            int64         `json:"hits"`
	Misses          int64         `json:"misses"`
	TotalQueries    int64         `json:"total_queries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	HitRate         float64       `json:"hit_rate"`
}

// CacheStats combines process metrics with durable-store aggregates.
type CacheStats struct {
	Metrics   CacheMetrics `json:"metrics"`
	Entries   int64        `json:"entries"`
	TotalHits int64        `json:"total_hits"`
	AvgHits   float64      `json:"avg_hits"`
}

// PopularQuery is a frequently hit durable entry.
type PopularQuery struct {
	Query    string    `json:"query"`
	HitCount int64     `json:"hit_count"`
	LastHit  time.Time `json:"last_hit"`
}
