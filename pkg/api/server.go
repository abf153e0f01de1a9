// Package api exposes the cache, webhook and session stores over a small
// JSON HTTP surface. Callers authenticate with an API key.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pario-ai/verdict/pkg/cache"
	"github.com/pario-ai/verdict/pkg/config"
	"github.com/pario-ai/verdict/pkg/metrics"
	"github.com/pario-ai/verdict/pkg/ratelimit"
	"github.com/pario-ai/verdict/pkg/session"
	"github.com/pario-ai/verdict/pkg/webhook"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Deps are the components the server routes to. Limiter and Metrics may be
// nil.
type Deps struct {
	Cache    *cache.Cache
	Webhooks *webhook.Service
	Sessions session.Store
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.Collector
}

// Server is the verdict HTTP API.
type Server struct {
	cfg      *config.Config
	cache    *cache.Cache
	webhooks *webhook.Service
	sessions session.Store
	limiter  *ratelimit.Limiter
	metrics  *metrics.Collector
	validate *validator.Validate
	mux      *http.ServeMux
}

// authedHandler serves a request from an identified caller.
type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// New creates a Server wired with all dependencies.
func New(cfg *config.Config, d Deps) *Server {
	s := &Server{
		cfg:      cfg,
		cache:    d.Cache,
		webhooks: d.Webhooks,
		sessions: d.Sessions,
		limiter:  d.Limiter,
		metrics:  d.Metrics,
		validate: validator.New(),
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil && cfg.Metrics.Enabled {
		s.mux.Handle("GET "+cfg.Metrics.Path, s.metrics.Handler())
	}

	s.route("POST /v1/lookup", s.handleLookup)
	s.route("POST /v1/results", s.handleStoreResult)
	s.route("DELETE /v1/results", s.handleInvalidate)
	s.route("POST /v1/failures", s.handleFailure)
	s.route("GET /v1/cache/stats", s.handleCacheStats)
	s.route("GET /v1/cache/popular", s.handlePopular)

	s.route("POST /v1/webhooks", s.handleCreateWebhook)
	s.route("GET /v1/webhooks", s.handleListWebhooks)
	s.route("GET /v1/webhooks/{id}", s.handleGetWebhook)
	s.route("PATCH /v1/webhooks/{id}", s.handleUpdateWebhook)
	s.route("DELETE /v1/webhooks/{id}", s.handleDeleteWebhook)
	s.route("GET /v1/webhooks/{id}/deliveries", s.handleWebhookDeliveries)
	s.route("GET /v1/webhooks/{id}/stats", s.handleWebhookStats)
	s.route("POST /v1/webhooks/{id}/test", s.handleTestWebhook)
	s.route("POST /v1/webhooks/{id}/rotate", s.handleRotateWebhook)

	s.route("POST /v1/sessions", s.handleCreateSession)
	s.route("GET /v1/sessions", s.handleListSessions)
	s.route("GET /v1/sessions/{id}", s.handleGetSession)
	s.route("PATCH /v1/sessions/{id}", s.handleRenameSession)
	s.route("DELETE /v1/sessions/{id}", s.handleDeleteSession)
	s.route("GET /v1/sessions/{id}/messages", s.handleListMessages)
	s.route("POST /v1/sessions/{id}/messages", s.handleAppendMessage)
	return s
}

// route registers h behind authentication, rate limiting and metrics.
func (s *Server) route(pattern string, h authedHandler) {
	_, path, _ := strings.Cut(pattern, " ")
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			if s.metrics != nil {
				s.metrics.ObserveHTTP(path, rec.code, time.Since(start))
			}
		}()

		key := extractAPIKey(r)
		if key == "" {
			writeJSONError(rec, http.StatusUnauthorized, "missing API key")
			return
		}
		if s.limiter != nil && !s.limiter.Allow(key) {
			writeJSONError(rec, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		r.Body = http.MaxBytesReader(rec, r.Body, maxBodyBytes)
		h(rec, r, UserID(key))
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("verdict api listening on %s", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	return ""
}

// UserID derives the stable owner id for an API key. Raw keys are never
// stored.
func UserID(apiKey string) string {
	h := sha256.Sum256([]byte(apiKey))
	return "usr_" + hex.EncodeToString(h[:8])
}

var errEmptyBody = &webhook.ValidationError{Field: "body", Reason: "empty request body"}

// decodeJSON reads a JSON body into v without validating it.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return &webhook.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// decode reads a JSON body into v and validates its struct tags.
func (s *Server) decode(r *http.Request, v any) error {
	if err := decodeJSON(r, v); err != nil {
		return err
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &webhook.ValidationError{Field: strings.ToLower(fe.Field()), Reason: fmt.Sprintf("failed %s", fe.Tag())}
		}
		return err
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"verdict_error","code":%d}}`, message, code)
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var verr *webhook.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSONError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, webhook.ErrNotFound), errors.Is(err, session.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not found")
	default:
		log.Printf("api: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
