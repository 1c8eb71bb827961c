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

var _ store.KeyStore = (*pgKeys)(nil)

type pgKeys struct{ q querier }

// keyColumns is the SELECT column list for user encryption keys.
const keyColumns = `key_id, user_id, key_name, encrypted_session_key, salt, iv,
	algorithm, iterations, is_active, created_at, expires_at,
	last_used_at, deactivated_at, deactivated_reason,
	failed_attempts, locked_until, tags, description, metadata`

type nullableKeyFields struct {
	expiresAt         *time.Time
	lastUsedAt        *time.Time
	deactivatedAt     *time.Time
	deactivatedReason *string
	lockedUntil       *time.Time
	description       *string
	metadataJSON      []byte
}

func populateKey(k *store.UserEncryptionKey, n nullableKeyFields) {
	k.ExpiresAt = pgutil.TimeOrZero(n.expiresAt)
	k.LastUsedAt = pgutil.TimeOrZero(n.lastUsedAt)
	k.DeactivatedAt = pgutil.TimeOrZero(n.deactivatedAt)
	k.DeactivatedReason = pgutil.DerefString(n.deactivatedReason)
	k.LockedUntil = pgutil.TimeOrZero(n.lockedUntil)
	k.Description = pgutil.DerefString(n.description)
	k.Metadata = pgutil.UnmarshalJSONB(n.metadataJSON)
	if k.Tags == nil {
		k.Tags = []string{}
	}
}

func scanKey(row pgx.Row) (*store.UserEncryptionKey, error) {
	var k store.UserEncryptionKey
	var n nullableKeyFields

	err := row.Scan(
		&k.KeyID, &k.UserID, &k.KeyName, &k.EncryptedSessionKey, &k.Salt, &k.IV,
		&k.Algorithm, &k.Iterations, &k.IsActive, &k.CreatedAt, &n.expiresAt,
		&n.lastUsedAt, &n.deactivatedAt, &n.deactivatedReason,
		&k.FailedAttempts, &n.lockedUntil, &k.Tags, &n.description, &n.metadataJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan key: %w", err)
	}

	populateKey(&k, n)
	return &k, nil
}

func (p *pgKeys) Create(ctx context.Context, k *store.UserEncryptionKey) error {
	_, err := p.q.Exec(ctx, `
		INSERT INTO user_encryption_keys (`+keyColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		k.KeyID, k.UserID, k.KeyName, k.EncryptedSessionKey, k.Salt, k.IV,
		k.Algorithm, k.Iterations, k.IsActive, k.CreatedAt, pgutil.NullTime(k.ExpiresAt),
		pgutil.NullTime(k.LastUsedAt), pgutil.NullTime(k.DeactivatedAt), pgutil.NullString(k.DeactivatedReason),
		k.FailedAttempts, pgutil.NullTime(k.LockedUntil), k.Tags, pgutil.NullString(k.Description),
		pgutil.MarshalJSONB(k.Metadata),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert key: %w", err)
	}
	return nil
}

func (p *pgKeys) Get(ctx context.Context, userID, keyID string) (*store.UserEncryptionKey, error) {
	row := p.q.QueryRow(ctx,
		`SELECT `+keyColumns+` FROM user_encryption_keys WHERE user_id=$1 AND key_id=$2`,
		userID, keyID)
	k, err := scanKey(row)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("key %s: %w", keyID, store.ErrNotFound)
		}
		return nil, err
	}
	return k, nil
}

// FindByName resolves a key by its per-user unique name; inactive keys are
// excluded.
func (p *pgKeys) FindByName(ctx context.Context, userID, keyName string) (*store.UserEncryptionKey, error) {
	row := p.q.QueryRow(ctx,
		`SELECT `+keyColumns+` FROM user_encryption_keys
		 WHERE user_id=$1 AND key_name=$2 AND is_active`,
		userID, keyName)
	k, err := scanKey(row)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("key named %q: %w", keyName, store.ErrNotFound)
		}
		return nil, err
	}
	return k, nil
}

func (p *pgKeys) Update(ctx context.Context, k *store.UserEncryptionKey) error {
	tag, err := p.q.Exec(ctx, `
		UPDATE user_encryption_keys SET
			key_name=$1, encrypted_session_key=$2, salt=$3, iv=$4,
			algorithm=$5, iterations=$6, is_active=$7, expires_at=$8,
			last_used_at=$9, deactivated_at=$10, deactivated_reason=$11,
			failed_attempts=$12, locked_until=$13, tags=$14, description=$15, metadata=$16
		WHERE user_id=$17 AND key_id=$18`,
		k.KeyName, k.EncryptedSessionKey, k.Salt, k.IV,
		k.Algorithm, k.Iterations, k.IsActive, pgutil.NullTime(k.ExpiresAt),
		pgutil.NullTime(k.LastUsedAt), pgutil.NullTime(k.DeactivatedAt), pgutil.NullString(k.DeactivatedReason),
		k.FailedAttempts, pgutil.NullTime(k.LockedUntil), k.Tags, pgutil.NullString(k.Description),
		pgutil.MarshalJSONB(k.Metadata),
		k.UserID, k.KeyID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("key %s: %w", k.KeyID, store.ErrNotFound)
	}
	return nil
}

func (p *pgKeys) Delete(ctx context.Context, userID, keyID string) error {
	tag, err := p.q.Exec(ctx,
		`DELETE FROM user_encryption_keys WHERE user_id=$1 AND key_id=$2`, userID, keyID)
	if err != nil {
		return fmt.Errorf("postgres: delete key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("key %s: %w", keyID, store.ErrNotFound)
	}
	return nil
}

func (p *pgKeys) ListByUser(ctx context.Context, userID string, activeOnly bool) ([]*store.UserEncryptionKey, error) {
	qb := &pgutil.QueryBuilder{}
	qb.Add("user_id=$?", userID)
	if activeOnly {
		qb.Add("is_active=$?", true)
	}
	query := `SELECT ` + keyColumns + ` FROM user_encryption_keys WHERE 1=1` + qb.Where() +
		` ORDER BY created_at DESC, key_id ASC`

	return p.queryKeys(ctx, query, qb.Args()...)
}

func (p *pgKeys) CountActive(ctx context.Context, userID string) (int, error) {
	var n int
	err := p.q.QueryRow(ctx,
		`SELECT count(*) FROM user_encryption_keys WHERE user_id=$1 AND is_active`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: counting active keys: %w", err)
	}
	return n, nil
}

func (p *pgKeys) FindExpired(ctx context.Context, cutoff time.Time, limit int) ([]*store.UserEncryptionKey, error) {
	qb := &pgutil.QueryBuilder{}
	qb.Add("expires_at < $?", cutoff)
	query := `SELECT ` + keyColumns + ` FROM user_encryption_keys
		WHERE is_active AND expires_at IS NOT NULL` + qb.Where() +
		` ORDER BY created_at ASC, key_id ASC`
	query = qb.AppendPagination(query, limit, 0)

	return p.queryKeys(ctx, query, qb.Args()...)
}

func (p *pgKeys) FindRotationDue(ctx context.Context, cutoff time.Time, limit int) ([]*store.UserEncryptionKey, error) {
	qb := &pgutil.QueryBuilder{}
	qb.Add("created_at < $?", cutoff)
	query := `SELECT ` + keyColumns + ` FROM user_encryption_keys
		WHERE is_active` + qb.Where() +
		` ORDER BY created_at ASC, key_id ASC`
	query = qb.AppendPagination(query, limit, 0)

	return p.queryKeys(ctx, query, qb.Args()...)
}

func (p *pgKeys) queryKeys(ctx context.Context, query string, args ...any) ([]*store.UserEncryptionKey, error) {
	rows, err := p.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: querying keys: %w", err)
	}
	defer rows.Close()

	var keys []*store.UserEncryptionKey
	for rows.Next() {
		var k store.UserEncryptionKey
		var n nullableKeyFields
		if err := rows.Scan(
			&k.KeyID, &k.UserID, &k.KeyName, &k.EncryptedSessionKey, &k.Salt, &k.IV,
			&k.Algorithm, &k.Iterations, &k.IsActive, &k.CreatedAt, &n.expiresAt,
			&n.lastUsedAt, &n.deactivatedAt, &n.deactivatedReason,
			&k.FailedAttempts, &n.lockedUntil, &k.Tags, &n.description, &n.metadataJSON,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan key: %w", err)
		}
		populateKey(&k, n)
		keys = append(keys, &k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterating keys: %w", err)
	}
	return keys, nil
}
