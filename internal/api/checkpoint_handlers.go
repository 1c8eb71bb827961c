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

package api

import (
	"net/http"
	"time"

	"github.com/workbenchlabs/sessiond/internal/checkpoint"
	"github.com/workbenchlabs/sessiond/internal/state"
	"github.com/workbenchlabs/sessiond/internal/store"
)

type createCheckpointRequest struct {
	Name            string                `json:"name"`
	Description     string                `json:"description,omitempty"`
	Priority        store.Priority        `json:"priority,omitempty"`
	Tags            []string              `json:"tags,omitempty"`
	IsAutoGenerated bool                  `json:"isAutoGenerated,omitempty"`
	State           *state.WorkspaceState `json:"state"`
	Metadata        map[string]string     `json:"metadata,omitempty"`
	Password        string                `json:"password,omitempty"`
}

func (h *Handler) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")

	var req createCheckpointRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	cp, err := h.checkpoints.Create(r.Context(), checkpoint.CreateRequest{
		SessionID:       sessionID,
		Name:            req.Name,
		Description:     req.Description,
		Priority:        req.Priority,
		Tags:            req.Tags,
		IsAutoGenerated: req.IsAutoGenerated,
		State:           req.State,
		Metadata:        req.Metadata,
	}, req.Password)
	if err != nil {
		h.logServerError(r.Context(), err, "CreateCheckpoint failed", "sessionID", sessionID)
		writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, cp)
}

func (h *Handler) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	q := r.URL.Query()

	filter := store.CheckpointFilter{
		SessionID: sessionID,
		Priority:  store.Priority(q.Get("priority")),
		SortBy:    q.Get("sortBy"),
		SortOrder: q.Get("sortOrder"),
		Limit:     parseIntParam(r, "limit", 20),
		Offset:    parseIntParam(r, "offset", 0),
	}
	if tags := q["tag"]; len(tags) > 0 {
		filter.Tags = tags
	}
	if v := q.Get("isAutoGenerated"); v != "" {
		auto := v == "true"
		filter.IsAutoGenerated = &auto
	}
	if from := q.Get("dateFrom"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeError(w, err)
			return
		}
		filter.DateFrom = t
	}
	if to := q.Get("dateTo"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeError(w, err)
			return
		}
		filter.DateTo = t
	}

	res, err := h.checkpoints.List(r.Context(), filter)
	if err != nil {
		h.logServerError(r.Context(), err, "ListCheckpoints failed", "sessionID", sessionID)
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

func (h *Handler) handleCheckpointStatistics(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	stats, err := h.checkpoints.GetStatistics(r.Context(), sessionID)
	if err != nil {
		h.logServerError(r.Context(), err, "GetStatistics failed", "sessionID", sessionID)
		writeError(w, err)
		return
	}
	writeJSON(w, stats)
}

type updateCheckpointRequest struct {
	Name        *string           `json:"name,omitempty"`
	Description *string           `json:"description,omitempty"`
	Priority    *store.Priority   `json:"priority,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) handleUpdateCheckpoint(w http.ResponseWriter, r *http.Request) {
	checkpointID := r.PathValue("checkpointID")

	var req updateCheckpointRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	cp, err := h.checkpoints.Update(r.Context(), checkpointID, checkpoint.UpdateRequest{
		Name:        req.Name,
		Description: req.Description,
		Priority:    req.Priority,
		Tags:        req.Tags,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.logServerError(r.Context(), err, "UpdateCheckpoint failed", "checkpointID", checkpointID)
		writeError(w, err)
		return
	}
	writeJSON(w, cp)
}

type restoreCheckpointRequest struct {
	Password string `json:"password,omitempty"`
}

func (h *Handler) handleRestoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	checkpointID := r.PathValue("checkpointID")

	var req restoreCheckpointRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	sess, st, err := h.checkpoints.Restore(r.Context(), checkpointID, req.Password)
	if err != nil {
		h.logServerError(r.Context(), err, "RestoreCheckpoint failed", "checkpointID", checkpointID)
		writeError(w, err)
		return
	}
	writeJSON(w, SessionResponse{Session: sess, State: st})
}

type deleteCheckpointsRequest struct {
	CheckpointIDs []string `json:"checkpointIds"`
}

func (h *Handler) handleDeleteCheckpoints(w http.ResponseWriter, r *http.Request) {
	var req deleteCheckpointsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.checkpoints.Delete(r.Context(), req.CheckpointIDs)
	if err != nil {
		h.logServerError(r.Context(), err, "DeleteCheckpoints failed")
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}
