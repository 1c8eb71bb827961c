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

// Package retention purges expired sessions, stale checkpoints, and
// long-inactive sessions in batches, and schedules the encryption key
// maintenance scan.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/workbenchlabs/sessiond/internal/store"
	"github.com/workbenchlabs/sessiond/pkg/metrics"
)

// Result summarises a cleanup run.
type Result struct {
	AutoSavedDeleted     int64 `json:"autoSavedDeleted"`
	CheckpointsDeleted   int64 `json:"checkpointsDeleted"`
	InactiveDeleted      int64 `json:"inactiveDeleted"`
	TotalSessionsDeleted int64 `json:"totalSessionsDeleted"`
	// SpaceFreed is the payload bytes reclaimed, sessions plus checkpoints.
	SpaceFreed int64 `json:"spaceFreed"`

	Errors []error `json:"-"`
}

// Engine performs batched retention cleanup. Runs are idempotent: a second
// run over the same data deletes nothing.
type Engine struct {
	store   store.Store
	policy  Policy
	metrics *metrics.RetentionMetrics // may be nil
	logger  logr.Logger

	now func() time.Time
}

// NewEngine creates a retention engine.
func NewEngine(st store.Store, policy Policy, m *metrics.RetentionMetrics, logger logr.Logger) *Engine {
	return &Engine{
		store:   st,
		policy:  policy.normalized(),
		metrics: m,
		logger:  logger.WithName("retention"),
		now:     time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Run executes the full cleanup cycle: expired auto-saved sessions first,
// then old checkpoints, then inactive sessions.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{}

	if err := e.deleteExpiredSessions(ctx, result); err != nil {
		e.recordRun(start)
		return result, fmt.Errorf("expired session cleanup: %w", err)
	}
	if err := e.deleteOldCheckpoints(ctx, result); err != nil {
		e.recordRun(start)
		return result, fmt.Errorf("checkpoint cleanup: %w", err)
	}
	if err := e.deleteInactiveSessions(ctx, result); err != nil {
		e.recordRun(start)
		return result, fmt.Errorf("inactive session cleanup: %w", err)
	}

	result.TotalSessionsDeleted = result.AutoSavedDeleted + result.InactiveDeleted
	e.recordRun(start)
	e.logger.Info("cleanup complete",
		"autoSavedDeleted", result.AutoSavedDeleted,
		"checkpointsDeleted", result.CheckpointsDeleted,
		"inactiveDeleted", result.InactiveDeleted,
		"spaceFreed", result.SpaceFreed,
		"dryRun", e.policy.DryRun)
	return result, nil
}

// deleteExpiredSessions removes auto-saved sessions whose expiry passed
// more than the grace period ago. A session's expiry already reflects its
// owner's retention setting, so the grace period applies uniformly.
// Active sessions are never expired by this pass.
func (e *Engine) deleteExpiredSessions(ctx context.Context, result *Result) error {
	cutoff := e.policy.AutoSavedCutoff(e.now().UTC())
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sessions, err := e.store.Sessions().FindExpired(ctx, cutoff, e.policy.BatchSize)
		if err != nil {
			return fmt.Errorf("querying expired sessions: %w", err)
		}
		if len(sessions) == 0 {
			return nil
		}

		if e.policy.DryRun {
			e.logger.Info("dry-run: would delete expired sessions", "count", len(sessions))
			return nil
		}

		deleted := int64(0)
		for _, s := range sessions {
			freed, err := e.deleteSession(ctx, s.ID)
			if err != nil {
				e.recordError("delete_expired")
				result.Errors = append(result.Errors,
					fmt.Errorf("deleting session %s: %w", s.ID, err))
				continue
			}
			deleted++
			result.AutoSavedDeleted++
			result.SpaceFreed += freed
		}
		if e.metrics != nil {
			e.metrics.RecordSessionsDeleted("expired", deleted)
		}
		// A batch where every delete failed would repeat forever.
		if deleted == 0 {
			return fmt.Errorf("no progress deleting expired sessions, %d failures",
				len(sessions))
		}
	}
}

// deleteOldCheckpoints purges checkpoints past their owner's checkpoint
// retention horizon, then recounts the affected sessions' counters so a
// crashed earlier run cannot leave them drifted. Users without a stored
// config fall back to the policy horizon.
func (e *Engine) deleteOldCheckpoints(ctx context.Context, result *Result) error {
	now := e.now().UTC()
	touched := map[string]struct{}{}
	userCutoffs := map[string]time.Time{}

	sessionIDs, err := e.store.Metadata().ListSessionIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	for _, sessionID := range sessionIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		md, err := e.store.Metadata().Get(ctx, sessionID)
		if err != nil {
			e.recordError("delete_checkpoint")
			result.Errors = append(result.Errors,
				fmt.Errorf("reading metadata for %s: %w", sessionID, err))
			continue
		}
		cutoff, ok := userCutoffs[md.UserID]
		if !ok {
			cutoff = e.checkpointCutoff(ctx, now, md.UserID)
			userCutoffs[md.UserID] = cutoff
		}

		deleted, stop, err := e.purgeSessionCheckpoints(ctx, sessionID, cutoff, result)
		if err != nil {
			return err
		}
		if deleted > 0 {
			touched[sessionID] = struct{}{}
		}
		if stop {
			return nil
		}
	}

	for sessionID := range touched {
		n, err := e.store.Checkpoints().CountBySession(ctx, sessionID)
		if err != nil {
			e.recordError("recount_checkpoints")
			result.Errors = append(result.Errors,
				fmt.Errorf("recounting checkpoints for %s: %w", sessionID, err))
			continue
		}
		if err := e.store.Metadata().SetCheckpointCount(ctx, sessionID, n); err != nil {
			e.recordError("recount_checkpoints")
			result.Errors = append(result.Errors,
				fmt.Errorf("writing checkpoint count for %s: %w", sessionID, err))
		}
	}
	return nil
}

// purgeSessionCheckpoints deletes one session's checkpoints created before
// cutoff, in batches. In dry-run mode it logs the first batch and signals
// the caller to stop the pass.
func (e *Engine) purgeSessionCheckpoints(ctx context.Context, sessionID string, cutoff time.Time, result *Result) (int64, bool, error) {
	var total int64
	for {
		if ctx.Err() != nil {
			return total, false, ctx.Err()
		}
		checkpoints, _, err := e.store.Checkpoints().List(ctx, store.CheckpointFilter{
			SessionID: sessionID,
			DateTo:    cutoff,
			Limit:     e.policy.BatchSize,
		})
		if err != nil {
			return total, false, fmt.Errorf("querying old checkpoints: %w", err)
		}
		if len(checkpoints) == 0 {
			return total, false, nil
		}

		if e.policy.DryRun {
			e.logger.Info("dry-run: would delete checkpoints",
				"session", sessionID, "count", len(checkpoints), "cutoff", cutoff)
			return total, true, nil
		}

		deleted := int64(0)
		for _, cp := range checkpoints {
			if err := e.store.Checkpoints().Delete(ctx, cp.ID); err != nil {
				e.recordError("delete_checkpoint")
				result.Errors = append(result.Errors,
					fmt.Errorf("deleting checkpoint %s: %w", cp.ID, err))
				continue
			}
			deleted++
			result.CheckpointsDeleted++
			result.SpaceFreed += cp.CompressedSize
		}
		if e.metrics != nil {
			e.metrics.RecordCheckpointsDeleted(deleted)
		}
		if deleted == 0 {
			return total, false, fmt.Errorf("no progress deleting checkpoints for %s, %d failures",
				sessionID, len(checkpoints))
		}
		total += deleted
	}
}

// checkpointCutoff resolves the checkpoint horizon for one user, preferring
// the user's stored retention setting over the policy default.
func (e *Engine) checkpointCutoff(ctx context.Context, now time.Time, userID string) time.Time {
	cfg, err := e.store.Configs().Get(ctx, userID)
	if err == nil && cfg.CheckpointRetentionDays > 0 {
		return now.AddDate(0, 0, -cfg.CheckpointRetentionDays)
	}
	return e.policy.CheckpointCutoff(now)
}

// deleteInactiveSessions removes sessions that have not been saved within
// the inactive horizon and are not the user's active session.
func (e *Engine) deleteInactiveSessions(ctx context.Context, result *Result) error {
	cutoff := e.policy.InactiveCutoff(e.now().UTC())
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ids, err := e.store.Metadata().FindInactiveBefore(ctx, cutoff, e.policy.BatchSize)
		if err != nil {
			return fmt.Errorf("querying inactive sessions: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		if e.policy.DryRun {
			e.logger.Info("dry-run: would delete inactive sessions",
				"count", len(ids), "cutoff", cutoff)
			return nil
		}

		deleted := int64(0)
		for _, id := range ids {
			freed, err := e.deleteSession(ctx, id)
			if err != nil {
				e.recordError("delete_inactive")
				result.Errors = append(result.Errors,
					fmt.Errorf("deleting session %s: %w", id, err))
				continue
			}
			deleted++
			result.InactiveDeleted++
			result.SpaceFreed += freed
		}
		if e.metrics != nil {
			e.metrics.RecordSessionsDeleted("inactive", deleted)
		}
		if deleted == 0 {
			return fmt.Errorf("no progress deleting inactive sessions, %d failures",
				len(ids))
		}
	}
}

// deleteSession removes one session and returns the payload bytes freed,
// counting the cascaded checkpoints.
func (e *Engine) deleteSession(ctx context.Context, sessionID string) (int64, error) {
	var freed int64
	if md, err := e.store.Metadata().Get(ctx, sessionID); err == nil {
		freed += md.TotalSize
	}
	cps, _, err := e.store.Checkpoints().List(ctx, store.CheckpointFilter{SessionID: sessionID})
	if err == nil {
		for _, cp := range cps {
			freed += cp.CompressedSize
		}
	}
	if err := e.store.Sessions().Delete(ctx, sessionID); err != nil {
		return 0, err
	}
	if e.metrics != nil {
		e.metrics.RecordSpaceFreed(freed)
	}
	return freed, nil
}

func (e *Engine) recordError(operation string) {
	if e.metrics != nil {
		e.metrics.RecordError(operation)
	}
}

func (e *Engine) recordRun(start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordDuration(time.Since(start))
	e.metrics.RecordLastRun()
}
