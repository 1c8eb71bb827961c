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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workbenchlabs/sessiond/internal/cryptoutil"
	"github.com/workbenchlabs/sessiond/internal/keys"
	"github.com/workbenchlabs/sessiond/internal/store"
)

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"cleanupSchedule: \"15 2 * * *\"\n"+
			"checkpointDays: 30\n"+
			"dryRun: true\n"), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, "15 2 * * *", p.CleanupSchedule)
	assert.Equal(t, 30, p.CheckpointDays)
	assert.True(t, p.DryRun)
	// Omitted fields keep their defaults.
	assert.Equal(t, defaultAutoSavedDays, p.AutoSavedDays)
	assert.Equal(t, defaultBatchSize, p.BatchSize)
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestPolicyCutoffs(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now.AddDate(0, 0, -30), p.AutoSavedCutoff(now))
	assert.Equal(t, now.AddDate(0, 0, -90), p.CheckpointCutoff(now))
	assert.Equal(t, now.AddDate(0, 0, -7), p.InactiveCutoff(now))
}

func TestScheduler_RejectsBadSchedule(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	policy := DefaultPolicy()
	policy.CleanupSchedule = "not a cron expression"
	e := NewEngine(st, policy, nil, logr.Discard())
	s := NewScheduler(e, nil, st, policy, logr.Discard())

	err := s.Start(context.Background())
	assert.Error(t, err)
}

func TestScheduler_StartStop(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	policy := DefaultPolicy()
	policy.MaxJitter = 0
	e := NewEngine(st, policy, nil, logr.Discard())
	s := NewScheduler(e, nil, st, policy, logr.Discard())

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

func TestRotationScan_DeactivatesExpiredKeys(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	km := keys.NewManager(st, logr.Discard(),
		keys.WithKDFParams(cryptoutil.KDFParams{Algorithm: cryptoutil.KDFPBKDF2, Iterations: 1000}),
		keys.WithClock(func() time.Time { return now }))

	require.NoError(t, st.Keys().Create(ctx, &store.UserEncryptionKey{
		KeyID:     "k1",
		UserID:    "u1",
		KeyName:   "old",
		IsActive:  true,
		CreatedAt: now.Add(-100 * 24 * time.Hour),
		ExpiresAt: now.Add(-24 * time.Hour),
	}))

	policy := DefaultPolicy()
	policy.MaxJitter = 0
	e := NewEngine(st, policy, nil, logr.Discard()).
		WithClock(func() time.Time { return now })
	s := NewScheduler(e, km, st, policy, logr.Discard())
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	s.runRotationScan()

	got, err := st.Keys().Get(ctx, "u1", "k1")
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}
