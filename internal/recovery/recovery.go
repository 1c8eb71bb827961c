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

// Package recovery reconstructs workspace state from corrupted payloads.
// It validates structure, extracts parseable fragments from damaged byte
// streams, repairs partial states, and merges conflicting candidates.
package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/workbenchlabs/sessiond/internal/state"
)

// ErrNoCandidates is returned by MergeConflicts on an empty candidate list.
var ErrNoCandidates = errors.New("no recovery candidates")

// Engine runs recovery over corrupted session payloads.
type Engine struct {
	logger logr.Logger
	now    func() time.Time
}

// NewEngine creates a recovery Engine.
func NewEngine(logger logr.Logger) *Engine {
	return &Engine{logger: logger.WithName("recovery"), now: time.Now}
}

// ValidationReport is the outcome of a structural check.
type ValidationReport struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	// CanRecover is true when the payload parsed and at least one required
	// sequence is present as an array.
	CanRecover bool `json:"canRecover"`
}

// ValidateBasicStructure checks that the payload parses as a string-keyed
// mapping holding the four required sequences as arrays. Missing fields are
// errors; fields of the right name but wrong type are warnings.
func (e *Engine) ValidateBasicStructure(data []byte) *ValidationReport {
	report := &ValidationReport{}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("payload is not a JSON object: %v", err))
		return report
	}

	arrays := 0
	for _, field := range state.RequiredSequences {
		raw, ok := top[field]
		if !ok {
			report.Errors = append(report.Errors, fmt.Sprintf("missing required field %q", field))
			continue
		}
		if !isJSONArray(raw) {
			report.Warnings = append(report.Warnings, fmt.Sprintf("field %q is not an array", field))
			continue
		}
		arrays++
	}

	report.Valid = arrays == len(state.RequiredSequences)
	report.CanRecover = arrays > 0
	return report
}

// ExtractPartialState scans a corrupted byte stream for balanced-brace
// substrings and returns the first one that parses into a workspace-state
// shaped mapping. Returns nil when nothing qualifies.
func (e *Engine) ExtractPartialState(data []byte) map[string]any {
	for start := 0; start < len(data); start++ {
		if data[start] != '{' {
			continue
		}
		end := balancedEnd(data, start)
		if end < 0 {
			continue
		}

		var candidate map[string]any
		if json.Unmarshal(data[start:end+1], &candidate) != nil {
			continue
		}
		if isWorkspaceStateLike(candidate) {
			e.logger.V(1).Info("extracted partial state",
				"offset", start, "length", end-start+1)
			return candidate
		}
	}
	return nil
}

// balancedEnd returns the index of the brace closing the object opened at
// start, honoring JSON string literals and escapes. Returns -1 when the
// stream ends before the object closes.
func balancedEnd(data []byte, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(data); i++ {
		c := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// isWorkspaceStateLike reports whether all four required sequences are
// present as arrays.
func isWorkspaceStateLike(m map[string]any) bool {
	for _, field := range state.RequiredSequences {
		if _, ok := m[field].([]any); !ok {
			return false
		}
	}
	return true
}

func isJSONArray(raw json.RawMessage) bool {
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

// RepairResult is the outcome of a repair pass.
type RepairResult struct {
	State      *state.WorkspaceState `json:"state"`
	Checksum   string                `json:"checksum"`
	Validation *ValidationReport     `json:"validation"`
}

// RepairWorkspaceState rebuilds a usable state from a partial mapping:
// missing sequences become empty, malformed items are dropped, browser tabs
// are deduplicated by (url, title) and files by path. The opaque
// workspaceConfig and metadata mappings are preserved verbatim.
func (e *Engine) RepairWorkspaceState(partial map[string]any) (*RepairResult, error) {
	if partial == nil {
		partial = map[string]any{}
	}

	repaired := state.NewWorkspaceState()
	validation := &ValidationReport{Valid: true, CanRecover: true}

	repaired.Terminals = repairItems[state.Terminal](partial, "terminals", validation,
		func(item map[string]any) (string, bool) {
			id, ok := item["id"].(string)
			return id, ok && id != ""
		})
	repaired.AIConversations = repairItems[state.AIConversation](partial, "aiConversations", validation,
		func(item map[string]any) (string, bool) {
			id, ok := item["id"].(string)
			return id, ok && id != ""
		})
	repaired.BrowserTabs = repairItems[state.BrowserTab](partial, "browserTabs", validation,
		func(item map[string]any) (string, bool) {
			url, _ := item["url"].(string)
			title, _ := item["title"].(string)
			if url == "" && title == "" {
				return "", false
			}
			return url + "\x00" + title, true
		})
	repaired.OpenFiles = repairItems[state.OpenFile](partial, "openFiles", validation,
		func(item map[string]any) (string, bool) {
			path, ok := item["path"].(string)
			return path, ok && path != ""
		})

	if cfg, ok := partial["workspaceConfig"].(map[string]any); ok {
		repaired.WorkspaceConfig = cfg
	}
	if meta, ok := partial["metadata"].(map[string]any); ok {
		repaired.Metadata = meta
	} else {
		now := e.now().UTC()
		repaired.Metadata = map[string]any{
			"createdAt": now,
			"updatedAt": now,
		}
	}

	ser := state.NewSerializer(state.Config{})
	res, err := ser.Serialize(repaired, "")
	if err != nil {
		return nil, fmt.Errorf("re-serializing repaired state: %w", err)
	}

	e.logger.Info("repaired workspace state",
		"terminals", len(repaired.Terminals),
		"browserTabs", len(repaired.BrowserTabs),
		"aiConversations", len(repaired.AIConversations),
		"openFiles", len(repaired.OpenFiles),
		"warnings", len(validation.Warnings))

	return &RepairResult{State: repaired, Checksum: res.Checksum, Validation: validation}, nil
}

// repairItems filters a raw sequence down to well-formed, unique items and
// decodes them into their typed form. keyFn extracts the natural identifier;
// items without one are dropped with a warning.
func repairItems[T any](partial map[string]any, field string, validation *ValidationReport,
	keyFn func(map[string]any) (string, bool)) []T {

	out := []T{}
	raw, ok := partial[field].([]any)
	if !ok {
		if _, present := partial[field]; present {
			validation.Warnings = append(validation.Warnings,
				fmt.Sprintf("field %q was not an array; reset to empty", field))
		}
		return out
	}

	seen := make(map[string]struct{})
	dropped := 0
	for _, rawItem := range raw {
		item, ok := rawItem.(map[string]any)
		if !ok {
			dropped++
			continue
		}
		key, ok := keyFn(item)
		if !ok {
			dropped++
			continue
		}
		if _, dup := seen[key]; dup {
			dropped++
			continue
		}

		encoded, err := json.Marshal(item)
		if err != nil {
			dropped++
			continue
		}
		var typed T
		if err := json.Unmarshal(encoded, &typed); err != nil {
			dropped++
			continue
		}
		seen[key] = struct{}{}
		out = append(out, typed)
	}

	if dropped > 0 {
		validation.Warnings = append(validation.Warnings,
			fmt.Sprintf("dropped %d malformed or duplicate items from %q", dropped, field))
	}
	return out
}
