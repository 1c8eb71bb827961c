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

	"github.com/workbenchlabs/sessiond/internal/pgutil"
	"github.com/workbenchlabs/sessiond/internal/store"
)

var _ store.SessionStore = (*pgSessions)(nil)

type pgSessions struct{ q querier }

// sessionColumns is the SELECT column list for sessions (no trailing comma).
const sessionColumns = `id, user_id, workspace_id, name, is_active,
	last_saved_at, expires_at, created_at, version,
	state_checksum, encryption_algorithm, compression, payload`

// nullableSessionFields groups nullable columns scanned from a session row.
type nullableSessionFields struct {
	expiresAt *time.Time
}

func populateSession(s *store.Session, n nullableSessionFields) {
	s.ExpiresAt = pgutil.TimeOrZero(n.expiresAt)
}

func scanSession(row pgx.Row) (*store.Session, error) {
	var s store.Session
	var n nullableSessionFields

	err := row.Scan(
		&s.ID, &s.UserID, &s.WorkspaceID, &s.Name, &s.IsActive,
		&s.LastSavedAt, &n.expiresAt, &s.CreatedAt, &s.Version,
		&s.StateChecksum, &s.EncryptionAlgorithm, &s.Compression, &s.Payload,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan session: %w", err)
	}

	populateSession(&s, n)
	return &s, nil
}

func (s *pgSessions) Create(ctx context.Context, sess *store.Session) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		sess.ID, sess.UserID, sess.WorkspaceID, sess.Name, sess.IsActive,
		sess.LastSavedAt, pgutil.NullTime(sess.ExpiresAt), sess.CreatedAt, sess.Version,
		sess.StateChecksum, sess.EncryptionAlgorithm, sess.Compression, sess.Payload,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert session: %w", err)
	}
	return nil
}

func (s *pgSessions) Get(ctx context.Context, id string) (*store.Session, error) {
	row := s.q.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=$1`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
		}
		return nil, err
	}
	return sess, nil
}

func (s *pgSessions) Update(ctx context.Context, sess *store.Session, expectedVersion int64) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE sessions SET
			name=$1, is_active=$2, last_saved_at=$3, expires_at=$4, version=$5,
			state_checksum=$6, encryption_algorithm=$7, compression=$8, payload=$9
		WHERE id=$10 AND version=$11`,
		sess.Name, sess.IsActive, sess.LastSavedAt, pgutil.NullTime(sess.ExpiresAt), sess.Version,
		sess.StateChecksum, sess.EncryptionAlgorithm, sess.Compression, sess.Payload,
		sess.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("postgres: update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a concurrent write.
		var exists bool
		if err := s.q.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM sessions WHERE id=$1)`, sess.ID).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: checking session existence: %w", err)
		}
		if !exists {
			return fmt.Errorf("session %s: %w", sess.ID, store.ErrNotFound)
		}
		return fmt.Errorf("session %s at version %d: %w", sess.ID, expectedVersion, store.ErrVersionConflict)
	}
	return nil
}

// applySessionFilters translates a SessionFilter into WHERE clauses.
func applySessionFilters(qb *pgutil.QueryBuilder, f store.SessionFilter) {
	if f.UserID != "" {
		qb.Add("user_id=$?", f.UserID)
	}
	if f.WorkspaceID != "" {
		qb.Add("workspace_id=$?", f.WorkspaceID)
	}
	if f.IsActive != nil {
		qb.Add("is_active=$?", *f.IsActive)
	}
}

func (s *pgSessions) List(ctx context.Context, f store.SessionFilter) ([]*store.Session, int64, error) {
	qb := &pgutil.QueryBuilder{}
	applySessionFilters(qb, f)

	query := `SELECT ` + sessionColumns + `, count(*) OVER() FROM sessions WHERE 1=1` + qb.Where() +
		` ORDER BY last_saved_at DESC, id ASC`
	query = qb.AppendPagination(query, f.Limit, f.Offset)

	rows, err := s.q.Query(ctx, query, qb.Args()...)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: listing sessions: %w", err)
	}
	defer rows.Close()

	var (
		sessions []*store.Session
		total    int64
	)
	for rows.Next() {
		var sess store.Session
		var n nullableSessionFields
		if err := rows.Scan(
			&sess.ID, &sess.UserID, &sess.WorkspaceID, &sess.Name, &sess.IsActive,
			&sess.LastSavedAt, &n.expiresAt, &sess.CreatedAt, &sess.Version,
			&sess.StateChecksum, &sess.EncryptionAlgorithm, &sess.Compression, &sess.Payload,
			&total,
		); err != nil {
			return nil, 0, fmt.Errorf("postgres: scan session: %w", err)
		}
		populateSession(&sess, n)
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("postgres: iterating sessions: %w", err)
	}
	return sessions, total, nil
}

// Delete removes the session row; checkpoints and metadata follow via
// ON DELETE CASCADE.
func (s *pgSessions) Delete(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM sessions WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *pgSessions) DeactivateOthers(ctx context.Context, userID, keepID string) (int64, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE sessions SET is_active=FALSE
		WHERE user_id=$1 AND id<>$2 AND is_active`, userID, keepID)
	if err != nil {
		return 0, fmt.Errorf("postgres: deactivating sessions: %w", err)
	}
	// Keep the metadata projection in step.
	if _, err := s.q.Exec(ctx, `
		UPDATE session_metadata SET is_active=FALSE
		WHERE user_id=$1 AND session_id<>$2 AND is_active`, userID, keepID); err != nil {
		return 0, fmt.Errorf("postgres: deactivating session metadata: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *pgSessions) CountActive(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.q.QueryRow(ctx,
		`SELECT count(*) FROM sessions WHERE user_id=$1 AND is_active`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: counting active sessions: %w", err)
	}
	return n, nil
}

func (s *pgSessions) FindExpired(ctx context.Context, cutoff time.Time, limit int) ([]*store.Session, error) {
	qb := &pgutil.QueryBuilder{}
	qb.Add("expires_at < $?", cutoff)
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE NOT is_active AND expires_at IS NOT NULL` + qb.Where() +
		` ORDER BY expires_at ASC`
	query = qb.AppendPagination(query, limit, 0)

	rows, err := s.q.Query(ctx, query, qb.Args()...)
	if err != nil {
		return nil, fmt.Errorf("postgres: finding expired sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*store.Session
	for rows.Next() {
		var sess store.Session
		var n nullableSessionFields
		if err := rows.Scan(
			&sess.ID, &sess.UserID, &sess.WorkspaceID, &sess.Name, &sess.IsActive,
			&sess.LastSavedAt, &n.expiresAt, &sess.CreatedAt, &sess.Version,
			&sess.StateChecksum, &sess.EncryptionAlgorithm, &sess.Compression, &sess.Payload,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan session: %w", err)
		}
		populateSession(&sess, n)
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterating expired sessions: %w", err)
	}
	return sessions, nil
}
