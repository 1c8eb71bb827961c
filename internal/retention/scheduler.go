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

package retention

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"

	"github.com/workbenchlabs/sessiond/internal/keys"
	"github.com/workbenchlabs/sessiond/internal/store"
)

// Scheduler drives the cleanup and key maintenance jobs on cron schedules.
// Overlapping runs of the same job are collapsed: a tick that fires while
// the previous run is still going is skipped.
type Scheduler struct {
	engine *Engine
	keys   *keys.Manager
	store  store.Store
	policy Policy
	logger logr.Logger

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	cleanupMu  sync.Mutex
	rotationMu sync.Mutex
}

// NewScheduler creates a Scheduler. The key manager may be nil, disabling
// the rotation scan.
func NewScheduler(engine *Engine, km *keys.Manager, st store.Store, policy Policy, logger logr.Logger) *Scheduler {
	return &Scheduler{
		engine: engine,
		keys:   km,
		store:  st,
		policy: policy.normalized(),
		logger: logger.WithName("scheduler"),
	}
}

// Start registers the cron entries and begins running them. Returns an
// error when a schedule expression does not parse.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New()

	if s.policy.CleanupSchedule != "" {
		if _, err := s.cron.AddFunc(s.policy.CleanupSchedule, s.runCleanup); err != nil {
			return fmt.Errorf("cleanup schedule %q: %w", s.policy.CleanupSchedule, err)
		}
	}
	if s.policy.RotationEnabled && s.keys != nil && s.policy.RotationSchedule != "" {
		if _, err := s.cron.AddFunc(s.policy.RotationSchedule, s.runRotationScan); err != nil {
			return fmt.Errorf("rotation schedule %q: %w", s.policy.RotationSchedule, err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		"cleanupSchedule", s.policy.CleanupSchedule,
		"rotationSchedule", s.policy.RotationSchedule,
		"rotationEnabled", s.policy.RotationEnabled && s.keys != nil)
	return nil
}

// Stop cancels running jobs and waits for the cron runner to drain.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Scheduler) runCleanup() {
	if !s.cleanupMu.TryLock() {
		s.logger.Info("cleanup still running, skipping tick")
		return
	}
	defer s.cleanupMu.Unlock()

	if !s.sleepJitter() {
		return
	}
	result, err := s.engine.Run(s.ctx)
	if err != nil {
		s.logger.Error(err, "scheduled cleanup failed")
		return
	}
	if len(result.Errors) > 0 {
		s.logger.Info("scheduled cleanup finished with per-item failures",
			"failures", len(result.Errors))
	}
}

// runRotationScan deactivates expired keys and reports keys past the
// rotation age. Rotation itself needs the owner's password, so the scan
// only flags.
func (s *Scheduler) runRotationScan() {
	if !s.rotationMu.TryLock() {
		s.logger.Info("rotation scan still running, skipping tick")
		return
	}
	defer s.rotationMu.Unlock()

	if !s.sleepJitter() {
		return
	}

	deactivated, err := s.keys.CleanupExpired(s.ctx)
	if err != nil {
		s.logger.Error(err, "expired key cleanup failed")
	} else if deactivated > 0 {
		if s.engine.metrics != nil {
			for i := 0; i < deactivated; i++ {
				s.engine.metrics.RecordKeyRotated()
			}
		}
		s.logger.Info("deactivated expired keys", "count", deactivated)
	}

	cutoff := s.engine.now().UTC().Add(-keys.DefaultRotationMinAge)
	due, err := s.store.Keys().FindRotationDue(s.ctx, cutoff, s.policy.BatchSize)
	if err != nil {
		s.logger.Error(err, "rotation-due scan failed")
		return
	}
	for _, k := range due {
		s.logger.Info("key rotation due",
			"userID", k.UserID, "keyID", k.KeyID, "keyName", k.KeyName,
			"createdAt", k.CreatedAt)
	}
}

// sleepJitter delays a scheduled run by a random slice of MaxJitter.
// Returns false when the scheduler shut down during the wait.
func (s *Scheduler) sleepJitter() bool {
	if s.policy.MaxJitter <= 0 {
		return s.ctx.Err() == nil
	}
	delay := time.Duration(rand.Int63n(int64(s.policy.MaxJitter)))
	select {
	case <-time.After(delay):
		return true
	case <-s.ctx.Done():
		return false
	}
}
