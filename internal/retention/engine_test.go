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
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workbenchlabs/sessiond/internal/store"
	"github.com/workbenchlabs/sessiond/pkg/metrics"
)

var testNow = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func testEngine(t *testing.T, policy Policy) (*Engine, *store.MemoryStore, *metrics.RetentionMetrics) {
	t.Helper()

	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	m := metrics.NewRetentionMetricsWithRegistry(prometheus.NewRegistry())
	e := NewEngine(st, policy, m, logr.Discard()).
		WithClock(func() time.Time { return testNow })
	return e, st, m
}

func seedSession(t *testing.T, st *store.MemoryStore, id string, active bool, lastSaved, expires time.Time, size int64) {
	t.Helper()
	seedUserSession(t, st, id, "u1", active, lastSaved, expires, size)
}

func seedUserSession(t *testing.T, st *store.MemoryStore, id, userID string, active bool, lastSaved, expires time.Time, size int64) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, st.Sessions().Create(ctx, &store.Session{
		ID:          id,
		UserID:      userID,
		WorkspaceID: "ws1",
		IsActive:    active,
		LastSavedAt: lastSaved,
		ExpiresAt:   expires,
		CreatedAt:   lastSaved,
		Version:     1,
		Payload:     make([]byte, size),
	}))
	require.NoError(t, st.Metadata().Upsert(ctx, &store.SessionMetadata{
		SessionID:   id,
		UserID:      userID,
		WorkspaceID: "ws1",
		LastSavedAt: lastSaved,
		TotalSize:   size,
		IsActive:    active,
	}))
}

func seedCheckpoint(t *testing.T, st *store.MemoryStore, id, sessionID string, created time.Time, size int64) {
	t.Helper()
	require.NoError(t, st.Checkpoints().Create(context.Background(), &store.Checkpoint{
		ID:             id,
		SessionID:      sessionID,
		Name:           "cp",
		Priority:       store.PriorityMedium,
		CreatedAt:      created,
		CompressedSize: size,
	}))
}

func TestRun_DeletesExpiredSessions(t *testing.T) {
	e, st, m := testEngine(t, DefaultPolicy())
	ctx := context.Background()

	// Past the grace period and inactive: deleted. Recently expired: still
	// within the grace period. Active: kept regardless of expiry.
	seedSession(t, st, "expired", false, testNow.Add(-40*24*time.Hour), testNow.Add(-31*24*time.Hour), 100)
	seedSession(t, st, "grace", false, testNow.Add(-time.Hour), testNow.Add(-10*24*time.Hour), 100)
	seedSession(t, st, "active", true, testNow.Add(-time.Hour), testNow.Add(-31*24*time.Hour), 100)
	seedSession(t, st, "fresh", false, testNow.Add(-time.Hour), testNow.Add(29*24*time.Hour), 100)

	res, err := e.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.AutoSavedDeleted)
	assert.Equal(t, int64(1), res.TotalSessionsDeleted)
	assert.Equal(t, int64(100), res.SpaceFreed)
	assert.Empty(t, res.Errors)

	_, err = st.Sessions().Get(ctx, "expired")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Sessions().Get(ctx, "grace")
	assert.NoError(t, err)
	_, err = st.Sessions().Get(ctx, "active")
	assert.NoError(t, err)
	_, err = st.Sessions().Get(ctx, "fresh")
	assert.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsDeletedTotal.WithLabelValues("expired")))
}

func TestRun_DeletesOldCheckpointsAndRecounts(t *testing.T) {
	e, st, m := testEngine(t, DefaultPolicy())
	ctx := context.Background()

	seedSession(t, st, "s1", true, testNow, testNow.Add(24*time.Hour), 10)
	seedCheckpoint(t, st, "old", "s1", testNow.Add(-91*24*time.Hour), 500)
	seedCheckpoint(t, st, "recent", "s1", testNow.Add(-time.Hour), 200)
	require.NoError(t, st.Metadata().SetCheckpointCount(ctx, "s1", 2))

	res, err := e.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.CheckpointsDeleted)
	assert.Equal(t, int64(500), res.SpaceFreed)

	_, err = st.Checkpoints().Get(ctx, "old")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Checkpoints().Get(ctx, "recent")
	assert.NoError(t, err)

	md, err := st.Metadata().Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, md.CheckpointCount, "counter recounted after purge")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckpointsDeletedTotal))
}

func TestRun_DeletesInactiveSessions(t *testing.T) {
	e, st, _ := testEngine(t, DefaultPolicy())
	ctx := context.Background()

	// Not expired (far-future expiry) but unsaved past the inactive horizon.
	seedSession(t, st, "stale", false, testNow.Add(-8*24*time.Hour), testNow.Add(365*24*time.Hour), 50)
	seedSession(t, st, "current", false, testNow.Add(-time.Hour), testNow.Add(365*24*time.Hour), 50)

	res, err := e.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.InactiveDeleted)
	_, err = st.Sessions().Get(ctx, "stale")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Sessions().Get(ctx, "current")
	assert.NoError(t, err)
}

func TestRun_CheckpointRetentionPerUserOverride(t *testing.T) {
	e, st, _ := testEngine(t, DefaultPolicy())
	ctx := context.Background()

	// u1 has no stored config and gets the 90-day default.
	seedUserSession(t, st, "s-default", "u1", true, testNow, testNow.Add(24*time.Hour), 10)
	seedCheckpoint(t, st, "default-old", "s-default", testNow.Add(-91*24*time.Hour), 100)

	// u2 keeps checkpoints longer than the default.
	require.NoError(t, st.Configs().Upsert(ctx, &store.SessionConfig{
		UserID:                  "u2",
		CheckpointRetentionDays: 120,
	}))
	seedUserSession(t, st, "s-long", "u2", true, testNow, testNow.Add(24*time.Hour), 10)
	seedCheckpoint(t, st, "long-kept", "s-long", testNow.Add(-100*24*time.Hour), 100)
	seedCheckpoint(t, st, "long-old", "s-long", testNow.Add(-130*24*time.Hour), 100)

	// u3 keeps them shorter.
	require.NoError(t, st.Configs().Upsert(ctx, &store.SessionConfig{
		UserID:                  "u3",
		CheckpointRetentionDays: 30,
	}))
	seedUserSession(t, st, "s-short", "u3", true, testNow, testNow.Add(24*time.Hour), 10)
	seedCheckpoint(t, st, "short-old", "s-short", testNow.Add(-40*24*time.Hour), 100)

	res, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.CheckpointsDeleted)

	_, err = st.Checkpoints().Get(ctx, "default-old")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Checkpoints().Get(ctx, "long-old")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Checkpoints().Get(ctx, "short-old")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.Checkpoints().Get(ctx, "long-kept")
	assert.NoError(t, err, "user retention setting outlives the default horizon")
}

func TestRun_SpaceFreedIncludesCascadedCheckpoints(t *testing.T) {
	e, st, _ := testEngine(t, DefaultPolicy())
	ctx := context.Background()

	seedSession(t, st, "expired", false, testNow.Add(-40*24*time.Hour), testNow.Add(-31*24*time.Hour), 100)
	seedCheckpoint(t, st, "cp1", "expired", testNow.Add(-time.Hour), 300)

	res, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(400), res.SpaceFreed)

	_, err = st.Checkpoints().Get(ctx, "cp1")
	assert.ErrorIs(t, err, store.ErrNotFound, "checkpoints cascade with the session")
}

func TestRun_Idempotent(t *testing.T) {
	e, st, _ := testEngine(t, DefaultPolicy())
	ctx := context.Background()

	seedSession(t, st, "expired", false, testNow.Add(-40*24*time.Hour), testNow.Add(-31*24*time.Hour), 100)
	seedSession(t, st, "stale", false, testNow.Add(-8*24*time.Hour), testNow.Add(365*24*time.Hour), 50)
	seedSession(t, st, "keep", true, testNow, testNow.Add(24*time.Hour), 10)
	seedCheckpoint(t, st, "old", "keep", testNow.Add(-91*24*time.Hour), 500)

	first, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.TotalSessionsDeleted)
	assert.Equal(t, int64(1), first.CheckpointsDeleted)

	second, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.TotalSessionsDeleted)
	assert.Zero(t, second.CheckpointsDeleted)
	assert.Zero(t, second.SpaceFreed)
}

func TestRun_DryRunDeletesNothing(t *testing.T) {
	policy := DefaultPolicy()
	policy.DryRun = true
	e, st, _ := testEngine(t, policy)
	ctx := context.Background()

	seedSession(t, st, "expired", false, testNow.Add(-40*24*time.Hour), testNow.Add(-31*24*time.Hour), 100)
	seedCheckpoint(t, st, "old", "expired", testNow.Add(-91*24*time.Hour), 500)

	res, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.TotalSessionsDeleted)
	assert.Zero(t, res.CheckpointsDeleted)

	_, err = st.Sessions().Get(ctx, "expired")
	assert.NoError(t, err)
}

func TestRun_Batching(t *testing.T) {
	policy := DefaultPolicy()
	policy.BatchSize = 2
	e, st, _ := testEngine(t, policy)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		seedSession(t, st, fmt.Sprintf("exp-%d", i), false,
			testNow.Add(-40*24*time.Hour), testNow.Add(-31*24*time.Hour), 10)
	}

	res, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.AutoSavedDeleted, "all batches drained")
}

func TestRun_CancelledContext(t *testing.T) {
	e, st, _ := testEngine(t, DefaultPolicy())
	seedSession(t, st, "expired", false, testNow.Add(-40*24*time.Hour), testNow.Add(-31*24*time.Hour), 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
