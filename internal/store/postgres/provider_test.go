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

package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workbenchlabs/sessiond/internal/pgutil"
	"github.com/workbenchlabs/sessiond/internal/store"
)

func TestNew_RequiresConnString(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection string is required")
}

func TestApplySessionFilters(t *testing.T) {
	active := true
	qb := &pgutil.QueryBuilder{}
	applySessionFilters(qb, store.SessionFilter{
		UserID:      "u1",
		WorkspaceID: "ws1",
		IsActive:    &active,
	})

	assert.Equal(t, " AND user_id=$1 AND workspace_id=$2 AND is_active=$3", qb.Where())
	assert.Equal(t, []any{"u1", "ws1", true}, qb.Args())
}

func TestApplySessionFilters_Empty(t *testing.T) {
	qb := &pgutil.QueryBuilder{}
	applySessionFilters(qb, store.SessionFilter{})
	assert.Empty(t, qb.Where())
	assert.Empty(t, qb.Args())
}

func TestApplyCheckpointFilters(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	auto := false

	qb := &pgutil.QueryBuilder{}
	applyCheckpointFilters(qb, store.CheckpointFilter{
		SessionID:       "s1",
		DateFrom:        from,
		DateTo:          to,
		Tags:            []string{"release"},
		IsAutoGenerated: &auto,
		Priority:        store.PriorityHigh,
	})

	assert.Equal(t,
		" AND session_id=$1 AND created_at >= $2 AND created_at < $3"+
			" AND tags @> $4 AND is_auto_generated=$5 AND priority=$6",
		qb.Where())
	require.Len(t, qb.Args(), 6)
	assert.Equal(t, "s1", qb.Args()[0])
	assert.Equal(t, "high", qb.Args()[5])
}

func TestCheckpointOrderBy(t *testing.T) {
	tests := []struct {
		sortBy, sortOrder string
		want              string
	}{
		{"", "", " ORDER BY created_at DESC, id ASC"},
		{"createdAt", "asc", " ORDER BY created_at ASC, id ASC"},
		{"size", "desc", " ORDER BY compressed_size DESC, id ASC"},
		{"name", "ASC", " ORDER BY name ASC, id ASC"},
		// Unknown sort keys fall back to created_at.
		{"bogus", "", " ORDER BY created_at DESC, id ASC"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, checkpointOrderBy(tt.sortBy, tt.sortOrder),
			"sortBy=%q sortOrder=%q", tt.sortBy, tt.sortOrder)
	}
}
