package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/pario-ai/verdict/pkg/cache"
	"github.com/pario-ai/verdict/pkg/models"
)

type lookupRequest struct {
	Query               string   `json:"query" validate:"required,max=4096"`
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty" validate:"omitempty,gt=0,lte=1"`
	Intelligent         bool     `json:"intelligent,omitempty"`
}

type storeRequest struct {
	Query      string              `json:"query" validate:"required,max=4096"`
	Result     models.CachedResult `json:"result"`
	TTLSeconds int64               `json:"ttl_seconds,omitempty" validate:"gte=0"`
}

type failureRequest struct {
	Query string `json:"query" validate:"required,max=4096"`
	Error string `json:"error" validate:"required"`
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request, _ string) {
	var req lookupRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var hit *models.CacheHit
	switch {
	case req.Intelligent:
		hit = s.cache.IntelligentSearch(r.Context(), req.Query)
	case req.SimilarityThreshold != nil:
		hit = s.cache.Get(r.Context(), req.Query, cache.WithThreshold(*req.SimilarityThreshold))
	default:
		hit = s.cache.Get(r.Context(), req.Query)
	}

	if hit == nil {
		w.Header().Set("X-Verdict-Cache", "miss")
		writeJSON(w, http.StatusOK, map[string]bool{"cached": false})
		return
	}
	w.Header().Set("X-Verdict-Cache", "hit")
	writeJSON(w, http.StatusOK, hit)
}

func (s *Server) handleStoreResult(w http.ResponseWriter, r *http.Request, userID string) {
	var req storeRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Result.Timestamp.IsZero() {
		req.Result.Timestamp = time.Now().UTC()
	}

	var opts []cache.SetOption
	if req.TTLSeconds > 0 {
		opts = append(opts, cache.WithTTL(time.Duration(req.TTLSeconds)*time.Second))
	}
	if !s.cache.Set(r.Context(), req.Query, req.Result, opts...) {
		writeJSONError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}

	verdict := req.Result.Verdict
	s.notify(r.Context(), models.EventFactCheckCompleted, userID, models.EventData{
		Query:   req.Query,
		Verdict: &verdict,
		Details: map[string]any{"processing_time_ms": req.Result.ProcessingTimeMs},
	})
	writeJSON(w, http.StatusCreated, map[string]bool{"stored": true})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request, _ string) {
	query := r.URL.Query().Get("query")
	if query == "" {
		writeJSONError(w, http.StatusBadRequest, "query parameter is required")
		return
	}
	if err := s.cache.Invalidate(r.Context(), query); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFailure(w http.ResponseWriter, r *http.Request, userID string) {
	var req failureRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.notify(r.Context(), models.EventFactCheckFailed, userID, models.EventData{
		Query:   req.Query,
		Details: map[string]any{"error": req.Error},
	})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request, _ string) {
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePopular(w http.ResponseWriter, r *http.Request, _ string) {
	popular, err := s.cache.Popular(r.Context(), queryInt(r, "limit", 10))
	if err != nil {
		writeError(w, err)
		return
	}
	if popular == nil {
		popular = []models.PopularQuery{}
	}
	writeJSON(w, http.StatusOK, popular)
}

// notify triggers webhooks for an event. Failures are logged and never
// affect the response.
func (s *Server) notify(ctx context.Context, kind models.EventKind, userID string, data models.EventData) {
	if s.webhooks == nil {
		return
	}
	if _, err := s.webhooks.Trigger(context.WithoutCancel(ctx), kind, userID, data); err != nil {
		log.Printf("api: trigger %s: %v", kind, err)
	}
}
