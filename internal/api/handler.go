/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package api provides the REST endpoints for sessions, checkpoints,
// encryption keys, recovery, and retention maintenance.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-logr/logr"

	"github.com/workbenchlabs/sessiond/internal/checkpoint"
	"github.com/workbenchlabs/sessiond/internal/keys"
	"github.com/workbenchlabs/sessiond/internal/recovery"
	"github.com/workbenchlabs/sessiond/internal/retention"
	"github.com/workbenchlabs/sessiond/internal/session"
	"github.com/workbenchlabs/sessiond/internal/state"
	"github.com/workbenchlabs/sessiond/internal/store"
	"github.com/workbenchlabs/sessiond/pkg/logctx"
)

// Handler constants.
const (
	contentTypeJSON   = "application/json"
	headerContentType = "Content-Type"
)

// Request validation sentinels.
var (
	ErrMissingUserID    = errors.New("userId is required")
	ErrMissingSessionID = errors.New("sessionId is required")
	ErrInvalidBody      = errors.New("invalid request body")
)

// SessionListResponse is the JSON response for the session list endpoint.
type SessionListResponse struct {
	Sessions []*store.Session `json:"sessions"`
	Total    int64            `json:"total"`
	HasMore  bool             `json:"hasMore"`
}

// SessionResponse is the JSON response for a single session read.
type SessionResponse struct {
	Session *store.Session        `json:"session"`
	State   *state.WorkspaceState `json:"state,omitempty"`
}

// ErrorResponse is the JSON response for errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler provides the HTTP endpoints.
type Handler struct {
	sessions    *session.Engine
	checkpoints *checkpoint.Engine
	keys        *keys.Manager
	recovery    *recovery.Engine
	retention   *retention.Engine
	log         logr.Logger
}

// NewHandler creates the API handler. The retention engine may be nil,
// disabling the admin cleanup endpoint.
func NewHandler(
	sessions *session.Engine,
	checkpoints *checkpoint.Engine,
	km *keys.Manager,
	rec *recovery.Engine,
	ret *retention.Engine,
	log logr.Logger,
) *Handler {
	return &Handler{
		sessions:    sessions,
		checkpoints: checkpoints,
		keys:        km,
		recovery:    rec,
		retention:   ret,
		log:         log.WithName("api"),
	}
}

// RegisterRoutes registers all routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sessions", h.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions", h.handleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{sessionID}", h.handleGetSession)
	mux.HandleFunc("PUT /api/v1/sessions/{sessionID}", h.handleUpdateSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{sessionID}", h.handleDeleteSession)
	mux.HandleFunc("POST /api/v1/sessions/{sessionID}/activate", h.handleActivateSession)

	mux.HandleFunc("POST /api/v1/sessions/{sessionID}/checkpoints", h.handleCreateCheckpoint)
	mux.HandleFunc("GET /api/v1/sessions/{sessionID}/checkpoints", h.handleListCheckpoints)
	mux.HandleFunc("GET /api/v1/sessions/{sessionID}/checkpoints/statistics", h.handleCheckpointStatistics)
	mux.HandleFunc("PUT /api/v1/checkpoints/{checkpointID}", h.handleUpdateCheckpoint)
	mux.HandleFunc("POST /api/v1/checkpoints/{checkpointID}/restore", h.handleRestoreCheckpoint)
	mux.HandleFunc("POST /api/v1/checkpoints/delete", h.handleDeleteCheckpoints)

	mux.HandleFunc("POST /api/v1/keys", h.handleCreateKey)
	mux.HandleFunc("GET /api/v1/keys", h.handleListKeys)
	mux.HandleFunc("POST /api/v1/keys/{keyID}/validate", h.handleValidateKey)
	mux.HandleFunc("POST /api/v1/keys/{keyID}/rotate", h.handleRotateKey)
	mux.HandleFunc("DELETE /api/v1/keys/{keyID}", h.handleDeleteKey)

	mux.HandleFunc("POST /api/v1/recovery/merge", h.handleMergeConflicts)

	if h.retention != nil {
		mux.HandleFunc("POST /api/v1/admin/cleanup", h.handleCleanup)
	}
}

// --- session handlers ---------------------------------------------------------

type createSessionRequest struct {
	UserID      string                `json:"userId"`
	WorkspaceID string                `json:"workspaceId"`
	Name        string                `json:"name"`
	State       *state.WorkspaceState `json:"state"`
	Password    string                `json:"password,omitempty"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	sess, err := h.sessions.Create(r.Context(), session.CreateRequest{
		UserID:      req.UserID,
		WorkspaceID: req.WorkspaceID,
		Name:        req.Name,
		State:       req.State,
	}, req.Password)
	if err != nil {
		h.logServerError(r.Context(), err, "CreateSession failed")
		writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, SessionResponse{Session: sess})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")
	if userID == "" {
		writeError(w, ErrMissingUserID)
		return
	}

	opts := session.ListOptions{
		WorkspaceID: q.Get("workspaceId"),
		Page:        parseIntParam(r, "page", 1),
		PageSize:    parseIntParam(r, "pageSize", session.DefaultPageSize),
	}
	if v := q.Get("isActive"); v != "" {
		active := v == "true"
		opts.IsActive = &active
	}

	rows, total, err := h.sessions.List(r.Context(), userID, opts)
	if err != nil {
		h.logServerError(r.Context(), err, "ListSessions failed")
		writeError(w, err)
		return
	}
	writeJSON(w, SessionListResponse{
		Sessions: rows,
		Total:    total,
		HasMore:  int64(opts.Page*opts.PageSize) < total,
	})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	password := r.Header.Get("X-Session-Password")

	sess, st, err := h.sessions.Get(r.Context(), sessionID, password)
	if err != nil {
		h.logServerError(r.Context(), err, "GetSession failed", "sessionID", sessionID)
		writeError(w, err)
		return
	}
	writeJSON(w, SessionResponse{Session: sess, State: st})
}

type updateSessionRequest struct {
	State    *state.WorkspaceState `json:"state"`
	Password string                `json:"password,omitempty"`
}

func (h *Handler) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")

	var req updateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	sess, err := h.sessions.Update(r.Context(), sessionID, req.State, req.Password)
	if err != nil {
		h.logServerError(r.Context(), err, "UpdateSession failed", "sessionID", sessionID)
		writeError(w, err)
		return
	}
	writeJSON(w, SessionResponse{Session: sess})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if err := h.sessions.Delete(r.Context(), sessionID); err != nil {
		h.logServerError(r.Context(), err, "DeleteSession failed", "sessionID", sessionID)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleActivateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	sess, err := h.sessions.Activate(r.Context(), sessionID)
	if err != nil {
		h.logServerError(r.Context(), err, "ActivateSession failed", "sessionID", sessionID)
		writeError(w, err)
		return
	}
	writeJSON(w, SessionResponse{Session: sess})
}

// --- helpers ------------------------------------------------------------------

// decodeBody decodes a JSON request body.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return ErrInvalidBody
	}
	return nil
}

// parseIntParam returns an integer query parameter or the default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	return v
}

// logServerError logs failures that will map to a 5xx status, enriched with
// any identifiers carried in the request context; client errors stay out of
// the log.
func (h *Handler) logServerError(ctx context.Context, err error, msg string, kv ...any) {
	if statusFor(err) >= http.StatusInternalServerError {
		logctx.LoggerWithContext(h.log, ctx).Error(err, msg, kv...)
	}
}

// writeJSON writes a JSON 200 OK response.
func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

// writeJSONStatus writes a JSON response with the given status.
func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps known errors to HTTP status codes and writes a JSON error
// response.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, session.ErrExpired):
		return http.StatusGone
	case errors.Is(err, state.ErrStateTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, recovery.ErrUnrecoverable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, keys.ErrInvalidPassword):
		return http.StatusUnauthorized
	case errors.Is(err, keys.ErrKeyLocked):
		return http.StatusLocked
	case errors.Is(err, keys.ErrKeyNameConflict),
		errors.Is(err, keys.ErrKeyLimitExceeded),
		errors.Is(err, keys.ErrLastKey),
		errors.Is(err, keys.ErrRotationTooSoon),
		errors.Is(err, checkpoint.ErrLimitExceeded):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidRequest),
		errors.Is(err, state.ErrInvalidStateShape),
		errors.Is(err, checkpoint.ErrInvalidSessionID),
		errors.Is(err, checkpoint.ErrMissingName),
		errors.Is(err, checkpoint.ErrNameTooLong),
		errors.Is(err, checkpoint.ErrDescriptionTooLong),
		errors.Is(err, checkpoint.ErrMissingKey),
		errors.Is(err, checkpoint.ErrInvalidPriority),
		errors.Is(err, keys.ErrInvalidKeyName),
		errors.Is(err, keys.ErrWeakPassword),
		errors.Is(err, keys.ErrKeyInactive),
		errors.Is(err, recovery.ErrNoCandidates),
		errors.Is(err, recovery.ErrUnknownStrategy),
		errors.Is(err, ErrMissingUserID),
		errors.Is(err, ErrMissingSessionID),
		errors.Is(err, ErrInvalidBody):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
