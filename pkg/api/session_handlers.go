package api

import (
	"net/http"

	"github.com/pario-ai/verdict/pkg/models"
)

type sessionRequest struct {
	Title string `json:"title" validate:"max=200"`
}

type messageRequest struct {
	Role    string          `json:"role" validate:"required,oneof=user assistant system"`
	Content string          `json:"content" validate:"required"`
	Verdict *models.Verdict `json:"verdict,omitempty"`
}

type sessionView struct {
	models.Session
	Messages []models.Message `json:"messages"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, userID string) {
	var req sessionRequest
	if err := s.decode(r, &req); err != nil && err != errEmptyBody {
		writeError(w, err)
		return
	}
	sess, err := s.sessions.Create(r.Context(), userID, req.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	s.notify(r.Context(), models.EventSessionCreated, userID, models.EventData{
		SessionID: sess.ID,
		Details:   map[string]any{"title": sess.Title},
	})
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, userID string) {
	sessions, err := s.sessions.List(r.Context(), userID, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	sess, err := s.sessions.Get(r.Context(), userID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.sessions.Messages(r.Context(), userID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, sessionView{Session: *sess, Messages: msgs})
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request, userID string) {
	var req sessionRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.sessions.Rename(r.Context(), userID, id, req.Title); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.sessions.Get(r.Context(), userID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	if err := s.sessions.Delete(r.Context(), userID, id); err != nil {
		writeError(w, err)
		return
	}
	s.notify(r.Context(), models.EventSessionDeleted, userID, models.EventData{SessionID: id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, userID string) {
	msgs, err := s.sessions.Messages(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request, userID string) {
	var req messageRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	msg, err := s.sessions.AppendMessage(r.Context(), userID, r.PathValue("id"), models.Message{
		Role:    req.Role,
		Content: req.Content,
		Verdict: req.Verdict,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}
