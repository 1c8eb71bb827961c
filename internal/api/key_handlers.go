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

	"github.com/workbenchlabs/sessiond/internal/keys"
)

type createKeyRequest struct {
	UserID        string   `json:"userId"`
	KeyName       string   `json:"keyName"`
	Password      string   `json:"password"`
	Description   string   `json:"description,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	ExpiresInDays int      `json:"expiresInDays,omitempty"`
}

func (h *Handler) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" {
		writeError(w, ErrMissingUserID)
		return
	}

	key, err := h.keys.CreateKey(r.Context(), keys.CreateKeyRequest{
		UserID:        req.UserID,
		KeyName:       req.KeyName,
		Password:      req.Password,
		Description:   req.Description,
		Tags:          req.Tags,
		ExpiresInDays: req.ExpiresInDays,
	})
	if err != nil {
		h.logServerError(r.Context(), err, "CreateKey failed", "userID", req.UserID)
		writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, key)
}

func (h *Handler) handleListKeys(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, ErrMissingUserID)
		return
	}

	rows, err := h.keys.ListKeys(r.Context(), userID)
	if err != nil {
		h.logServerError(r.Context(), err, "ListKeys failed", "userID", userID)
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"keys": rows})
}

type validateKeyRequest struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
}

func (h *Handler) handleValidateKey(w http.ResponseWriter, r *http.Request) {
	keyID := r.PathValue("keyID")

	var req validateKeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" {
		writeError(w, ErrMissingUserID)
		return
	}

	result, err := h.keys.ValidateKey(r.Context(), req.UserID, keyID, req.Password)
	if err != nil {
		h.logServerError(r.Context(), err, "ValidateKey failed", "userID", req.UserID, "keyID", keyID)
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

type rotateKeyRequest struct {
	UserID          string `json:"userId"`
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
	PreserveOldKey  bool   `json:"preserveOldKey,omitempty"`
	ForceRotation   bool   `json:"forceRotation,omitempty"`
}

func (h *Handler) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	keyID := r.PathValue("keyID")

	var req rotateKeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" {
		writeError(w, ErrMissingUserID)
		return
	}

	result, err := h.keys.RotateKey(r.Context(), req.UserID, keyID,
		req.CurrentPassword, req.NewPassword, keys.RotateOptions{
			PreserveOldKey: req.PreserveOldKey,
			ForceRotation:  req.ForceRotation,
		})
	if err != nil {
		h.logServerError(r.Context(), err, "RotateKey failed", "userID", req.UserID, "keyID", keyID)
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

type deleteKeyRequest struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
}

func (h *Handler) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	keyID := r.PathValue("keyID")

	var req deleteKeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" {
		writeError(w, ErrMissingUserID)
		return
	}

	if err := h.keys.DeleteKey(r.Context(), req.UserID, keyID, req.Password); err != nil {
		h.logServerError(r.Context(), err, "DeleteKey failed", "userID", req.UserID, "keyID", keyID)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
