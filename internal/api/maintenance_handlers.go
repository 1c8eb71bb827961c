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

	"github.com/workbenchlabs/sessiond/internal/recovery"
)

type mergeRequest struct {
	Candidates []recovery.Candidate   `json:"candidates"`
	Strategy   recovery.MergeStrategy `json:"strategy,omitempty"`
}

func (h *Handler) handleMergeConflicts(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.recovery.MergeConflicts(req.Candidates, req.Strategy)
	if err != nil {
		h.logServerError(r.Context(), err, "MergeConflicts failed")
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	result, err := h.retention.Run(r.Context())
	if err != nil {
		h.logServerError(r.Context(), err, "Cleanup failed")
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}
