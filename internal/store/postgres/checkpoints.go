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
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/workbenchlabs/sessiond/internal/pgutil"
	"github.com/workbenchlabs/sessiond/internal/store"
)

var _ store.CheckpointStore = (*pgCheckpoints)(nil)

type pgCheckpoints struct{ q querier }

// checkpointColumns is the SELECT column list for checkpoints.
const checkpointColumns = `id, session_id, name, description, priority, tags,
	is_auto_generated, payload, state_checksum,
	compressed_size, uncompressed_size, created_at, metadata`

type nullableCheckpointFields struct {
	description  *string
	metadataJSON []byte
}

func populateCheckpoint(c *store.Checkpoint, n nullableCheckpointFields) {
	c.Description = pgutil.DerefString(n.description)
	c.Metadata = pgutil.UnmarshalJSONB(n.metadataJSON)
	if c.Tags == nil {
		c.Tags = []string{}
	}
}

func scanCheckpoint(row pgx.Row) (*store.Checkpoint, error) {
	var c store.Checkpoint
	var n nullableCheckpointFields

	err := row.Scan(
		&c.ID, &c.SessionID, &c.Name, &n.description, &c.Priority, &c.Tags,
		&c.IsAutoGenerated, &c.Payload, &c.StateChecksum,
		&c.CompressedSize, &c.UncompressedSize, &c.CreatedAt, &n.metadataJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan checkpoint: %w", err)
	}

	populateCheckpoint(&c, n)
	return &c, nil
}

func (c *pgCheckpoints) Create(ctx context.Context, cp *store.Checkpoint) error {
	_, err := c.q.Exec(ctx, `
		INSERT INTO checkpoints (`+checkpointColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		cp.ID, cp.SessionID, cp.Name, pgutil.NullString(cp.Description), cp.Priority, cp.Tags,
		cp.IsAutoGenerated, cp.Payload, cp.StateChecksum,
		cp.CompressedSize, cp.UncompressedSize, cp.CreatedAt, pgutil.MarshalJSONB(cp.Metadata),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert checkpoint: %w", err)
	}
	return nil
}

func (c *pgCheckpoints) Get(ctx context.Context, id string) (*store.Checkpoint, error) {
	row := c.q.QueryRow(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id=$1`, id)
	cp, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("checkpoint %s: %w", id, store.ErrNotFound)
		}
		return nil, err
	}
	return cp, nil
}

// Update writes the mutable columns only; payload, checksum, sizes, and
// origin are immutable after creation.
func (c *pgCheckpoints) Update(ctx context.Context, cp *store.Checkpoint) error {
	tag, err := c.q.Exec(ctx, `
		UPDATE checkpoints SET name=$1, description=$2, priority=$3, tags=$4, metadata=$5
		WHERE id=$6`,
		cp.Name, pgutil.NullString(cp.Description), cp.Priority, cp.Tags,
		pgutil.MarshalJSONB(cp.Metadata), cp.ID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("checkpoint %s: %w", cp.ID, store.ErrNotFound)
	}
	return nil
}

func (c *pgCheckpoints) Delete(ctx context.Context, id string) error {
	tag, err := c.q.Exec(ctx, `DELETE FROM checkpoints WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("checkpoint %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// applyCheckpointFilters translates a CheckpointFilter into WHERE clauses.
// The date window is half-open: [DateFrom, DateTo).
func applyCheckpointFilters(qb *pgutil.QueryBuilder, f store.CheckpointFilter) {
	if f.SessionID != "" {
		qb.Add("session_id=$?", f.SessionID)
	}
	if !f.DateFrom.IsZero() {
		qb.Add("created_at >= $?", f.DateFrom)
	}
	if !f.DateTo.IsZero() {
		qb.Add("created_at < $?", f.DateTo)
	}
	if len(f.Tags) > 0 {
		qb.Add("tags @> $?", f.Tags)
	}
	if f.IsAutoGenerated != nil {
		qb.Add("is_auto_generated=$?", *f.IsAutoGenerated)
	}
	if f.Priority != "" {
		qb.Add("priority=$?", string(f.Priority))
	}
}

// checkpointOrderBy maps a sort request onto a safe ORDER BY clause with the
// checkpoint ID as a stable tie-break.
func checkpointOrderBy(sortBy, sortOrder string) string {
	col := "created_at"
	switch sortBy {
	case "size":
		col = "compressed_size"
	case "name":
		col = "name"
	}
	dir := "DESC"
	if strings.EqualFold(sortOrder, "asc") {
		dir = "ASC"
	}
	return " ORDER BY " + col + " " + dir + ", id ASC"
}

func (c *pgCheckpoints) List(ctx context.Context, f store.CheckpointFilter) ([]*store.Checkpoint, int64, error) {
	qb := &pgutil.QueryBuilder{}
	applyCheckpointFilters(qb, f)

	query := `SELECT ` + checkpointColumns + `, count(*) OVER() FROM checkpoints WHERE 1=1` +
		qb.Where() + checkpointOrderBy(f.SortBy, f.SortOrder)
	query = qb.AppendPagination(query, f.Limit, f.Offset)

	rows, err := c.q.Query(ctx, query, qb.Args()...)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: listing checkpoints: %w", err)
	}
	defer rows.Close()

	var (
		checkpoints []*store.Checkpoint
		total       int64
	)
	for rows.Next() {
		var cp store.Checkpoint
		var n nullableCheckpointFields
		if err := rows.Scan(
			&cp.ID, &cp.SessionID, &cp.Name, &n.description, &cp.Priority, &cp.Tags,
			&cp.IsAutoGenerated, &cp.Payload, &cp.StateChecksum,
			&cp.CompressedSize, &cp.UncompressedSize, &cp.CreatedAt, &n.metadataJSON,
			&total,
		); err != nil {
			return nil, 0, fmt.Errorf("postgres: scan checkpoint: %w", err)
		}
		populateCheckpoint(&cp, n)
		checkpoints = append(checkpoints, &cp)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("postgres: iterating checkpoints: %w", err)
	}
	return checkpoints, total, nil
}

func (c *pgCheckpoints) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := c.q.QueryRow(ctx,
		`SELECT count(*) FROM checkpoints WHERE session_id=$1`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: counting checkpoints: %w", err)
	}
	return n, nil
}
