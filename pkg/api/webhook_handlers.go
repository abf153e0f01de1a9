package api

import (
	"net/http"
	"time"

	"github.com/pario-ai/verdict/pkg/models"
	"github.com/pario-ai/verdict/pkg/webhook"
)

// redact hides the signing secret outside of create and rotate responses.
func redact(w *models.Webhook) *models.Webhook {
	cp := *w
	cp.Secret = ""
	return &cp
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request, userID string) {
	var req webhook.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	hook, err := s.webhooks.Create(r.Context(), userID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, hook)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request, userID string) {
	hooks, err := s.webhooks.List(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]*models.Webhook, 0, len(hooks))
	for i := range hooks {
		out = append(out, redact(&hooks[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request, userID string) {
	hook, err := s.webhooks.Get(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(hook))
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request, userID string) {
	var req webhook.UpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	hook, err := s.webhooks.Update(r.Context(), userID, r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(hook))
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.webhooks.Delete(r.Context(), userID, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request, userID string) {
	opts := models.DeliveryQueryOpts{
		Status: models.DeliveryStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 50),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		opts.Since = t
	}

	deliveries, err := s.webhooks.Deliveries(r.Context(), userID, r.PathValue("id"), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if deliveries == nil {
		deliveries = []models.WebhookDelivery{}
	}
	writeJSON(w, http.StatusOK, deliveries)
}

func (s *Server) handleWebhookStats(w http.ResponseWriter, r *http.Request, userID string) {
	stats, err := s.webhooks.Stats(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request, userID string) {
	d, err := s.webhooks.Test(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

func (s *Server) handleRotateWebhook(w http.ResponseWriter, r *http.Request, userID string) {
	hook, err := s.webhooks.RotateSecret(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hook)
}
