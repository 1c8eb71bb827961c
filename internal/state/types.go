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

// Package state defines the workspace state model and the serialization
// pipeline that turns it into durable payload bytes: canonical JSON encoding,
// optional gzip compression, optional AES-GCM encryption, and SHA-256
// integrity checksums.
package state

import (
	"encoding/json"
	"time"
)

// Required sequence field names, in canonical order.
var RequiredSequences = []string{"terminals", "browserTabs", "aiConversations", "openFiles"}

// Terminal captures one terminal pane: its shell command, working directory,
// environment, and scrollback history.
type Terminal struct {
	// ID is the stable identifier for this terminal.
	ID string `json:"id"`
	// Command is the command line currently running or last run.
	Command string `json:"command,omitempty"`
	// CWD is the working directory.
	CWD string `json:"cwd,omitempty"`
	// Env holds environment variable overrides.
	Env map[string]string `json:"env,omitempty"`
	// History is the scrollback command history.
	History []string `json:"history,omitempty"`
	// IsActive marks the focused terminal.
	IsActive bool `json:"isActive,omitempty"`
	// UpdatedAt is the last activity time.
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// BrowserTab captures one open browser tab. Tabs are identified by the
// (URL, Title) pair.
type BrowserTab struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	IsActive bool   `json:"isActive,omitempty"`
	// ScrollPosition is the vertical scroll offset in pixels.
	ScrollPosition int       `json:"scrollPosition,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt,omitempty"`
}

// ConversationMessage is a single turn inside an AI conversation transcript.
type ConversationMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// AIConversation captures one AI assistant conversation transcript.
type AIConversation struct {
	// ID is the stable identifier for this conversation.
	ID       string                `json:"id"`
	Title    string                `json:"title,omitempty"`
	Messages []ConversationMessage `json:"messages,omitempty"`
	// Metadata contains optional additional data.
	Metadata  map[string]any `json:"metadata,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt,omitempty"`
}

// OpenFile captures one open editor buffer. Files are identified by path.
type OpenFile struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	// CursorLine and CursorColumn are 1-based cursor coordinates.
	CursorLine        int       `json:"cursorLine,omitempty"`
	CursorColumn      int       `json:"cursorColumn,omitempty"`
	HasUnsavedChanges bool      `json:"hasUnsavedChanges"`
	UpdatedAt         time.Time `json:"updatedAt,omitempty"`
}

// WorkspaceState is the full captured contents of one developer workspace at
// a moment in time. It is a value, not an entity: it carries no identity of
// its own and is persisted as an opaque payload by the session and checkpoint
// stores.
//
// All four sequences must be present (non-nil) for the state to be
// structurally valid; a state missing any one is corrupt but potentially
// recoverable.
type WorkspaceState struct {
	Terminals       []Terminal       `json:"terminals"`
	BrowserTabs     []BrowserTab     `json:"browserTabs"`
	AIConversations []AIConversation `json:"aiConversations"`
	OpenFiles       []OpenFile       `json:"openFiles"`
	// WorkspaceConfig is an opaque configuration mapping preserved verbatim.
	WorkspaceConfig map[string]any `json:"workspaceConfig"`
	// Metadata is an opaque metadata mapping preserved verbatim.
	Metadata map[string]any `json:"metadata"`
}

// NewWorkspaceState returns an empty but structurally valid state.
func NewWorkspaceState() *WorkspaceState {
	return &WorkspaceState{
		Terminals:       []Terminal{},
		BrowserTabs:     []BrowserTab{},
		AIConversations: []AIConversation{},
		OpenFiles:       []OpenFile{},
		WorkspaceConfig: map[string]any{},
		Metadata:        map[string]any{},
	}
}

// Normalize replaces nil sequences and mappings with empty ones so that the
// canonical encoding always contains all required fields.
func (s *WorkspaceState) Normalize() {
	if s.Terminals == nil {
		s.Terminals = []Terminal{}
	}
	if s.BrowserTabs == nil {
		s.BrowserTabs = []BrowserTab{}
	}
	if s.AIConversations == nil {
		s.AIConversations = []AIConversation{}
	}
	if s.OpenFiles == nil {
		s.OpenFiles = []OpenFile{}
	}
	if s.WorkspaceConfig == nil {
		s.WorkspaceConfig = map[string]any{}
	}
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
}

// ValidateShape checks that raw JSON bytes hold a string-keyed mapping in
// which all four required sequences are present and are arrays.
func ValidateShape(raw []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return ErrInvalidStateShape
	}
	return validateSequences(top)
}

func validateSequences(top map[string]json.RawMessage) error {
	for _, field := range RequiredSequences {
		v, ok := top[field]
		if !ok || !isJSONArray(v) {
			return ErrInvalidStateShape
		}
	}
	return nil
}

// isJSONArray reports whether raw starts a JSON array after whitespace.
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
