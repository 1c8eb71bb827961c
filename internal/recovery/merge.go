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

package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/workbenchlabs/sessiond/internal/state"
)

// MergeStrategy selects how conflicting candidates are reconciled.
type MergeStrategy string

const (
	// StrategyLatest starts from the most recently saved candidate and
	// unions in items from older ones; the newer value wins conflicts.
	StrategyLatest MergeStrategy = "latest"
	// StrategyMostComplete orders candidates by a completeness score before
	// applying the latest-wins merge.
	StrategyMostComplete MergeStrategy = "most-complete"
	// StrategyManual detects conflicts without resolving them.
	StrategyManual MergeStrategy = "manual"
)

// ErrUnknownStrategy is returned for a merge strategy outside the three
// supported ones.
var ErrUnknownStrategy = errors.New("unknown merge strategy")

// conflictWindow is the timestamp divergence beyond which two versions of
// the same item are considered conflicting.
const conflictWindow = 60 * time.Second

// Candidate is one recovered version of a workspace state.
type Candidate struct {
	State       *state.WorkspaceState `json:"state"`
	LastSavedAt time.Time             `json:"lastSavedAt"`
	// Source labels where the candidate came from, e.g. "session" or
	// "checkpoint:<id>".
	Source string `json:"source,omitempty"`
}

// Conflict records a disagreement between two candidates over one item.
type Conflict struct {
	// Sequence is the state field the item belongs to.
	Sequence string `json:"sequence"`
	// Key is the item's natural identifier within the sequence.
	Key string `json:"key"`
	// Reason describes why the versions disagree.
	Reason string `json:"reason"`
}

// MergeResult is the outcome of a conflict merge.
type MergeResult struct {
	ResolvedState *state.WorkspaceState `json:"resolvedState"`
	Conflicts     []Conflict            `json:"conflicts,omitempty"`
	Warnings      []string              `json:"warnings,omitempty"`
}

// MergeConflicts reconciles candidate states under the given strategy.
// Fails with ErrNoCandidates on an empty list.
func (e *Engine) MergeConflicts(candidates []Candidate, strategy MergeStrategy) (*MergeResult, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	switch strategy {
	case StrategyLatest, "":
		ordered := byRecency(candidates)
		return e.mergeOrdered(ordered, nil), nil

	case StrategyMostComplete:
		ordered := byCompleteness(candidates, e.now().UTC())
		return e.mergeOrdered(ordered, nil), nil

	case StrategyManual:
		ordered := byRecency(candidates)
		res := e.detectOnly(ordered)
		res.Warnings = append(res.Warnings,
			"manual strategy: conflicts require human resolution")
		return res, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// byRecency returns candidates ordered by lastSavedAt descending.
func byRecency(candidates []Candidate) []Candidate {
	ordered := append([]Candidate(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].LastSavedAt.After(ordered[j].LastSavedAt)
	})
	return ordered
}

// byCompleteness orders candidates by completeness score descending, with
// recency as the tie-break.
func byCompleteness(candidates []Candidate, now time.Time) []Candidate {
	ordered := append([]Candidate(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		si, sj := completenessScore(ordered[i].State, now), completenessScore(ordered[j].State, now)
		if si != sj {
			return si > sj
		}
		return ordered[i].LastSavedAt.After(ordered[j].LastSavedAt)
	})
	return ordered
}

// completenessScore weighs how much usable context a candidate carries.
func completenessScore(s *state.WorkspaceState, now time.Time) int {
	if s == nil {
		return 0
	}
	score := 10 * len(s.Terminals)
	for _, t := range s.Terminals {
		if t.IsActive {
			score += 50
			break
		}
	}
	score += 5 * len(s.BrowserTabs)
	for _, tab := range s.BrowserTabs {
		if tab.IsActive {
			score += 30
			break
		}
	}
	score += 15 * len(s.AIConversations)
	for _, conv := range s.AIConversations {
		if !conv.UpdatedAt.IsZero() && now.Sub(conv.UpdatedAt) <= 24*time.Hour {
			score += 10
		}
	}
	score += 8 * len(s.OpenFiles)
	for _, f := range s.OpenFiles {
		if f.HasUnsavedChanges {
			score += 25
			break
		}
	}
	score += 3 * len(s.WorkspaceConfig)
	score += 2 * len(s.Metadata)
	return score
}

// mergeOrdered merges candidates in order: the first is the base; items
// from later candidates are unioned in, and disagreements over the same
// identifier are recorded as conflicts with the base's value winning.
func (e *Engine) mergeOrdered(ordered []Candidate, warnings []string) *MergeResult {
	base := cloneState(ordered[0].State)
	result := &MergeResult{ResolvedState: base, Warnings: warnings}

	for _, other := range ordered[1:] {
		if other.State == nil {
			continue
		}
		mergeSequences(base, other.State, result, true)
	}

	e.logger.Info("merged recovery candidates",
		"candidates", len(ordered), "conflicts", len(result.Conflicts))
	return result
}

// detectOnly copies the newest candidate and records conflicts against the
// rest without merging anything.
func (e *Engine) detectOnly(ordered []Candidate) *MergeResult {
	base := cloneState(ordered[0].State)
	result := &MergeResult{ResolvedState: base}

	for _, other := range ordered[1:] {
		if other.State == nil {
			continue
		}
		mergeSequences(base, other.State, result, false)
	}
	return result
}

// mergeSequences walks the four sequences of other against base. When union
// is set, items absent from base are appended.
func mergeSequences(base, other *state.WorkspaceState, result *MergeResult, union bool) {
	// Terminals by id.
	baseTerms := make(map[string]state.Terminal, len(base.Terminals))
	for _, t := range base.Terminals {
		baseTerms[t.ID] = t
	}
	for _, t := range other.Terminals {
		existing, ok := baseTerms[t.ID]
		if !ok {
			if union {
				base.Terminals = append(base.Terminals, t)
				baseTerms[t.ID] = t
			}
			continue
		}
		if reason, conflicting := itemConflict(existing.UpdatedAt, t.UpdatedAt,
			existing.IsActive, t.IsActive, true,
			contentKey(existing), contentKey(t)); conflicting {
			result.Conflicts = append(result.Conflicts,
				Conflict{Sequence: "terminals", Key: t.ID, Reason: reason})
		}
	}

	// Browser tabs by (url, title).
	baseTabs := make(map[string]state.BrowserTab, len(base.BrowserTabs))
	for _, tab := range base.BrowserTabs {
		baseTabs[tabKey(tab)] = tab
	}
	for _, tab := range other.BrowserTabs {
		key := tabKey(tab)
		existing, ok := baseTabs[key]
		if !ok {
			if union {
				base.BrowserTabs = append(base.BrowserTabs, tab)
				baseTabs[key] = tab
			}
			continue
		}
		if reason, conflicting := itemConflict(existing.UpdatedAt, tab.UpdatedAt,
			existing.IsActive, tab.IsActive, true,
			contentKey(existing), contentKey(tab)); conflicting {
			result.Conflicts = append(result.Conflicts,
				Conflict{Sequence: "browserTabs", Key: tab.URL, Reason: reason})
		}
	}

	// Conversations by id.
	baseConvs := make(map[string]state.AIConversation, len(base.AIConversations))
	for _, c := range base.AIConversations {
		baseConvs[c.ID] = c
	}
	for _, c := range other.AIConversations {
		existing, ok := baseConvs[c.ID]
		if !ok {
			if union {
				base.AIConversations = append(base.AIConversations, c)
				baseConvs[c.ID] = c
			}
			continue
		}
		if reason, conflicting := itemConflict(existing.UpdatedAt, c.UpdatedAt,
			false, false, false,
			contentKey(existing), contentKey(c)); conflicting {
			result.Conflicts = append(result.Conflicts,
				Conflict{Sequence: "aiConversations", Key: c.ID, Reason: reason})
		}
	}

	// Files by path.
	baseFiles := make(map[string]state.OpenFile, len(base.OpenFiles))
	for _, f := range base.OpenFiles {
		baseFiles[f.Path] = f
	}
	for _, f := range other.OpenFiles {
		existing, ok := baseFiles[f.Path]
		if !ok {
			if union {
				base.OpenFiles = append(base.OpenFiles, f)
				baseFiles[f.Path] = f
			}
			continue
		}
		if reason, conflicting := itemConflict(existing.UpdatedAt, f.UpdatedAt,
			false, false, false,
			contentKey(existing), contentKey(f)); conflicting {
			result.Conflicts = append(result.Conflicts,
				Conflict{Sequence: "openFiles", Key: f.Path, Reason: reason})
		}
	}
}

// itemConflict applies the three divergence tests: timestamps more than 60
// seconds apart, differing active flags, or differing content.
func itemConflict(aTime, bTime time.Time, aActive, bActive, hasActive bool,
	aContent, bContent string) (string, bool) {

	diff := aTime.Sub(bTime)
	if diff < 0 {
		diff = -diff
	}
	if diff > conflictWindow {
		return fmt.Sprintf("timestamps differ by %s", diff), true
	}
	if hasActive && aActive != bActive {
		return "active flag differs", true
	}
	if aContent != bContent {
		return "content differs", true
	}
	return "", false
}

func tabKey(tab state.BrowserTab) string {
	return tab.URL + "\x00" + tab.Title
}

// contentKey renders an item for comparison with the divergence-tested
// fields (updatedAt, isActive) removed.
func contentKey(item any) string {
	raw, err := json.Marshal(item)
	if err != nil {
		return ""
	}
	var m map[string]any
	if json.Unmarshal(raw, &m) != nil {
		return string(raw)
	}
	delete(m, "updatedAt")
	delete(m, "isActive")
	normalized, err := json.Marshal(m)
	if err != nil {
		return string(raw)
	}
	return string(normalized)
}

// cloneState deep-copies a workspace state.
func cloneState(s *state.WorkspaceState) *state.WorkspaceState {
	if s == nil {
		return state.NewWorkspaceState()
	}
	cp := state.NewWorkspaceState()
	cp.Terminals = append(cp.Terminals, s.Terminals...)
	cp.BrowserTabs = append(cp.BrowserTabs, s.BrowserTabs...)
	cp.AIConversations = append(cp.AIConversations, s.AIConversations...)
	cp.OpenFiles = append(cp.OpenFiles, s.OpenFiles...)
	for k, v := range s.WorkspaceConfig {
		cp.WorkspaceConfig[k] = v
	}
	for k, v := range s.Metadata {
		cp.Metadata[k] = v
	}
	return cp
}
