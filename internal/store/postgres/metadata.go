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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/workbenchlabs/sessiond/internal/store"
)

var (
	_ store.MetadataStore = (*pgMetadata)(nil)
	_ store.ConfigStore   = (*pgConfigs)(nil)
)

type pgMetadata struct{ q querier }

const metadataColumns = `session_id, user_id, workspace_id, session_name,
	last_saved_at, checkpoint_count, total_size, is_active`

func (m *pgMetadata) Upsert(ctx context.Context, row *store.SessionMetadata) error {
	_, err := m.q.Exec(ctx, `
		INSERT INTO session_metadata (`+metadataColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (session_id) DO UPDATE SET
			session_name=EXCLUDED.session_name,
			last_saved_at=EXCLUDED.last_saved_at,
			checkpoint_count=EXCLUDED.checkpoint_count,
			total_size=EXCLUDED.total_size,
			is_active=EXCLUDED.is_active`,
		row.SessionID, row.UserID, row.WorkspaceID, row.SessionName,
		row.LastSavedAt, row.CheckpointCount, row.TotalSize, row.IsActive,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert session metadata: %w", err)
	}
	return nil
}

func (m *pgMetadata) Get(ctx context.Context, sessionID string) (*store.SessionMetadata, error) {
	var row store.SessionMetadata
	err := m.q.QueryRow(ctx,
		`SELECT `+metadataColumns+` FROM session_metadata WHERE session_id=$1`, sessionID).Scan(
		&row.SessionID, &row.UserID, &row.WorkspaceID, &row.SessionName,
		&row.LastSavedAt, &row.CheckpointCount, &row.TotalSize, &row.IsActive,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("metadata for session %s: %w", sessionID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: scan session metadata: %w", err)
	}
	return &row, nil
}

func (m *pgMetadata) SetCheckpointCount(ctx context.Context, sessionID string, count int) error {
	tag, err := m.q.Exec(ctx,
		`UPDATE session_metadata SET checkpoint_count=$1 WHERE session_id=$2`, count, sessionID)
	if err != nil {
		return fmt.Errorf("postgres: setting checkpoint count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("metadata for session %s: %w", sessionID, store.ErrNotFound)
	}
	return nil
}

func (m *pgMetadata) IncrementCheckpointCount(ctx context.Context, sessionID string, delta int) error {
	tag, err := m.q.Exec(ctx, `
		UPDATE session_metadata
		SET checkpoint_count=GREATEST(checkpoint_count + $1, 0)
		WHERE session_id=$2`, delta, sessionID)
	if err != nil {
		return fmt.Errorf("postgres: incrementing checkpoint count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("metadata for session %s: %w", sessionID, store.ErrNotFound)
	}
	return nil
}

func (m *pgMetadata) FindInactiveBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	query := `SELECT session_id FROM session_metadata
		WHERE NOT is_active AND last_saved_at < $1
		ORDER BY session_id ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := m.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: finding inactive sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterating inactive sessions: %w", err)
	}
	return ids, nil
}

func (m *pgMetadata) ListSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := m.q.Query(ctx,
		`SELECT session_id FROM session_metadata ORDER BY session_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing session ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterating session ids: %w", err)
	}
	return ids, nil
}

type pgConfigs struct{ q querier }

const configColumns = `user_id, auto_save_interval, retention_days, checkpoint_retention,
	max_session_size, compression_enabled, encryption_enabled`

func (c *pgConfigs) Upsert(ctx context.Context, cfg *store.SessionConfig) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO session_configs (`+configColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (user_id) DO UPDATE SET
			auto_save_interval=EXCLUDED.auto_save_interval,
			retention_days=EXCLUDED.retention_days,
			checkpoint_retention=EXCLUDED.checkpoint_retention,
			max_session_size=EXCLUDED.max_session_size,
			compression_enabled=EXCLUDED.compression_enabled,
			encryption_enabled=EXCLUDED.encryption_enabled`,
		cfg.UserID, cfg.AutoSaveIntervalSeconds, cfg.RetentionDays, cfg.CheckpointRetentionDays,
		cfg.MaxSessionSize, cfg.CompressionEnabled, cfg.EncryptionEnabled,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert session config: %w", err)
	}
	return nil
}

func (c *pgConfigs) Get(ctx context.Context, userID string) (*store.SessionConfig, error) {
	var cfg store.SessionConfig
	err := c.q.QueryRow(ctx,
		`SELECT `+configColumns+` FROM session_configs WHERE user_id=$1`, userID).Scan(
		&cfg.UserID, &cfg.AutoSaveIntervalSeconds, &cfg.RetentionDays, &cfg.CheckpointRetentionDays,
		&cfg.MaxSessionSize, &cfg.CompressionEnabled, &cfg.EncryptionEnabled,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("config for user %s: %w", userID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: scan session config: %w", err)
	}
	return &cfg, nil
}
