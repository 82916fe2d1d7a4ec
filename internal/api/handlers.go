package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/barisgudul/Therapy-New-sub003/internal/memory"
	"github.com/barisgudul/Therapy-New-sub003/internal/models"
)

// UserIDHeader may carry the user id instead of the body's userId.
const UserIDHeader = "X-User-ID"

// eventRequest is the body of POST /events.
type eventRequest struct {
	UserID string         `json:"userId"`
	Type   string         `json:"type"`
	Data   map[string]any `json:"data"`
}

// memoryRequest is the body of POST /memories.
type memoryRequest struct {
	UserID  string `json:"userId"`
	Content string `json:"content"`
	Layer   string `json:"sourceLayer"`
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.eventsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(msgInvalidJSON))
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = strings.TrimSpace(r.Header.Get(UserIDHeader))
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()
	resp, err := s.proc.Process(ctx, userID, models.Payload{Type: req.Type, Data: req.Data})
	if err != nil {
		writeError(w, err)
		return
	}
	if resp.Degraded {
		writeJSONResponse(w, http.StatusOK, models.Degraded(resp.Text, resp))
		return
	}
	slog.Debug("Server.eventsHandler: event processed", "transaction_id", resp.TransactionID, "status", resp.Status)
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health == nil {
		writeJSONResponse(w, http.StatusOK, models.Success(models.SystemHealth{Score: 100, EvaluatedAt: time.Now().UTC()}))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	h, err := s.opts.Health.EvaluateSystemHealth(ctx)
	if err != nil {
		slog.Warn("Server.healthHandler: health evaluation failed", "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("health evaluation failed"))
		return
	}
	if h.Score < s.opts.HealthThreshold {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Degraded("health below threshold", h))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(h))
}

func (s *Server) livenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}))
}

func (s *Server) memoriesHandler(w http.ResponseWriter, r *http.Request) {
	var req memoryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(msgInvalidJSON))
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = strings.TrimSpace(r.Header.Get(UserIDHeader))
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()
	frag, err := s.opts.Memory.Index(ctx, userID, req.Content, models.ParseSourceLayer(req.Layer))
	switch {
	case errors.Is(err, memory.ErrEmptyContent), errors.Is(err, models.ErrEmptyUserID):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	case err != nil:
		slog.Error("Server.memoriesHandler: indexing failed", "user_id", userID, "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("memory indexing failed, please retry"))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(frag))
}

func (s *Server) vaultHandler(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.PathValue("id"))
	if userID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("user id is required"))
		return
	}
	v, err := s.opts.Vault.GetUserVault(r.Context(), userID)
	if err != nil {
		slog.Error("Server.vaultHandler: failed to read vault", "user_id", userID, "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error(msgStorageUnavailable))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(v))
}
