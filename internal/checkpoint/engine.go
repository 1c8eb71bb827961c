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

// Package checkpoint implements named point-in-time snapshots of sessions:
// creation against a per-session cap, filtered listing, mutation of the
// descriptive fields, batched deletion, restore, and statistics.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/workbenchlabs/sessiond/internal/cryptoutil"
	"github.com/workbenchlabs/sessiond/internal/state"
	"github.com/workbenchlabs/sessiond/internal/store"
)

// Validation sentinels.
var (
	ErrInvalidSessionID   = errors.New("invalid session id")
	ErrMissingName        = errors.New("checkpoint name is required")
	ErrNameTooLong        = errors.New("checkpoint name too long")
	ErrDescriptionTooLong = errors.New("checkpoint description too long")
	ErrMissingKey         = errors.New("session is encrypted, password required")
	ErrLimitExceeded      = errors.New("checkpoint limit exceeded")
	ErrInvalidPriority    = errors.New("invalid checkpoint priority")
)

const (
	// MaxPerSession caps the number of checkpoints a session can hold.
	MaxPerSession = 50
	// MaxNameLength and MaxDescriptionLength bound the descriptive fields.
	MaxNameLength        = 100
	MaxDescriptionLength = 500
)

// Config tunes the checkpoint engine's serializers.
type Config struct {
	MaxSessionSize     int64
	CompressionEnabled bool
	EncryptionEnabled  bool
	KDF                cryptoutil.KDFParams
}

// DefaultConfig mirrors the session engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxSessionSize:     state.DefaultMaxSessionSize,
		CompressionEnabled: true,
		EncryptionEnabled:  true,
		KDF:                cryptoutil.DefaultKDFParams(),
	}
}

// Engine implements checkpoint operations over a durable store. Checkpoints
// always carry a full state payload, never a delta.
type Engine struct {
	store  store.Store
	logger logr.Logger
	cfg    Config

	now func() time.Time
}

// NewEngine creates a checkpoint Engine.
func NewEngine(st store.Store, logger logr.Logger, cfg Config) *Engine {
	if cfg.MaxSessionSize <= 0 {
		cfg.MaxSessionSize = state.DefaultMaxSessionSize
	}
	return &Engine{
		store:  st,
		logger: logger.WithName("checkpoint"),
		cfg:    cfg,
		now:    time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// CreateRequest carries the inputs for Create.
type CreateRequest struct {
	SessionID       string
	Name            string
	Description     string
	Priority        store.Priority
	Tags            []string
	IsAutoGenerated bool
	State           *state.WorkspaceState
	Metadata        map[string]string
}

func (r CreateRequest) validate() error {
	if r.SessionID == "" {
		return ErrInvalidSessionID
	}
	if r.Name == "" {
		return ErrMissingName
	}
	if len(r.Name) > MaxNameLength {
		return fmt.Errorf("%w: %d > %d", ErrNameTooLong, len(r.Name), MaxNameLength)
	}
	if len(r.Description) > MaxDescriptionLength {
		return fmt.Errorf("%w: %d > %d", ErrDescriptionTooLong, len(r.Description), MaxDescriptionLength)
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPriority, r.Priority)
	}
	return nil
}

// Create snapshots the given state under a name. The insert and the
// metadata counter bump share one transaction, as does the cap check, so
// the stored count never drifts from the rows.
func (e *Engine) Create(ctx context.Context, req CreateRequest, password string) (*store.Checkpoint, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	sess, err := e.store.Sessions().Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.EncryptionAlgorithm != cryptoutil.AlgorithmNone && password == "" {
		return nil, fmt.Errorf("session %s: %w", req.SessionID, ErrMissingKey)
	}

	ser := state.NewSerializer(state.Config{
		MaxSessionSize:     e.cfg.MaxSessionSize,
		CompressionEnabled: e.cfg.CompressionEnabled,
		EncryptionEnabled:  e.cfg.EncryptionEnabled && password != "",
		KDF:                e.cfg.KDF,
	})
	res, err := ser.Serialize(req.State, password)
	if err != nil {
		return nil, err
	}

	priority := req.Priority
	if priority == "" {
		priority = store.PriorityMedium
	}

	cp := &store.Checkpoint{
		ID:               uuid.NewString(),
		SessionID:        req.SessionID,
		Name:             req.Name,
		Description:      req.Description,
		Priority:         priority,
		Tags:             req.Tags,
		IsAutoGenerated:  req.IsAutoGenerated,
		Payload:          res.Data,
		StateChecksum:    res.Checksum,
		CompressedSize:   res.Size,
		UncompressedSize: res.EncodedSize,
		CreatedAt:        e.now().UTC(),
		Metadata:         req.Metadata,
	}

	err = e.store.WithTx(ctx, func(tx store.Store) error {
		n, err := tx.Checkpoints().CountBySession(ctx, req.SessionID)
		if err != nil {
			return err
		}
		if n >= MaxPerSession {
			return fmt.Errorf("session %s has %d checkpoints: %w",
				req.SessionID, n, ErrLimitExceeded)
		}
		if err := tx.Checkpoints().Create(ctx, cp); err != nil {
			return err
		}
		return tx.Metadata().IncrementCheckpointCount(ctx, req.SessionID, 1)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("created checkpoint",
		"checkpointID", cp.ID, "sessionID", cp.SessionID, "name", cp.Name,
		"size", cp.CompressedSize, "auto", cp.IsAutoGenerated)
	return cp, nil
}

// ListResult pages checkpoint listings.
type ListResult struct {
	Checkpoints []*store.Checkpoint `json:"checkpoints"`
	Total       int64               `json:"total"`
	HasMore     bool                `json:"hasMore"`
}

// List returns checkpoints matching the filter plus the total match count.
func (e *Engine) List(ctx context.Context, filter store.CheckpointFilter) (*ListResult, error) {
	if filter.SessionID == "" {
		return nil, ErrInvalidSessionID
	}
	rows, total, err := e.store.Checkpoints().List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &ListResult{
		Checkpoints: rows,
		Total:       total,
		HasMore:     int64(filter.Offset+len(rows)) < total,
	}, nil
}

// Get loads a single checkpoint.
func (e *Engine) Get(ctx context.Context, checkpointID string) (*store.Checkpoint, error) {
	return e.store.Checkpoints().Get(ctx, checkpointID)
}

// UpdateRequest carries the mutable fields for Update. Nil pointers leave
// the stored value unchanged; Tags and Metadata replace wholesale when
// non-nil.
type UpdateRequest struct {
	Name        *string
	Description *string
	Priority    *store.Priority
	Tags        []string
	Metadata    map[string]string
}

// Update changes a checkpoint's descriptive fields. The payload, checksum,
// sizes, and origin flag stay immutable.
func (e *Engine) Update(ctx context.Context, checkpointID string, req UpdateRequest) (*store.Checkpoint, error) {
	cp, err := e.store.Checkpoints().Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		if *req.Name == "" {
			return nil, ErrMissingName
		}
		if len(*req.Name) > MaxNameLength {
			return nil, fmt.Errorf("%w: %d > %d", ErrNameTooLong, len(*req.Name), MaxNameLength)
		}
		cp.Name = *req.Name
	}
	if req.Description != nil {
		if len(*req.Description) > MaxDescriptionLength {
			return nil, fmt.Errorf("%w: %d > %d",
				ErrDescriptionTooLong, len(*req.Description), MaxDescriptionLength)
		}
		cp.Description = *req.Description
	}
	if req.Priority != nil {
		if !req.Priority.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, *req.Priority)
		}
		cp.Priority = *req.Priority
	}
	if req.Tags != nil {
		cp.Tags = req.Tags
	}
	if req.Metadata != nil {
		cp.Metadata = req.Metadata
	}

	if err := e.store.Checkpoints().Update(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// DeleteResult reports the outcome of a batched delete.
type DeleteResult struct {
	Deleted int               `json:"deleted"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// Delete removes checkpoints by id. Failures are collected per item rather
// than aborting the batch; each successful delete decrements the session's
// checkpoint counter in the same transaction.
func (e *Engine) Delete(ctx context.Context, checkpointIDs []string) (*DeleteResult, error) {
	result := &DeleteResult{}
	for _, id := range checkpointIDs {
		err := e.store.WithTx(ctx, func(tx store.Store) error {
			cp, err := tx.Checkpoints().Get(ctx, id)
			if err != nil {
				return err
			}
			if err := tx.Checkpoints().Delete(ctx, id); err != nil {
				return err
			}
			return tx.Metadata().IncrementCheckpointCount(ctx, cp.SessionID, -1)
		})
		if err != nil {
			if result.Errors == nil {
				result.Errors = make(map[string]string)
			}
			result.Errors[id] = err.Error()
			continue
		}
		result.Deleted++
	}
	if result.Deleted > 0 {
		e.logger.Info("deleted checkpoints",
			"deleted", result.Deleted, "failed", len(result.Errors))
	}
	return result, nil
}

// Restore overwrites the session's payload with the checkpoint's state,
// bumping the version and save timestamp in one transaction. The returned
// state is the restored one.
func (e *Engine) Restore(ctx context.Context, checkpointID, password string) (*store.Session, *state.WorkspaceState, error) {
	cp, err := e.store.Checkpoints().Get(ctx, checkpointID)
	if err != nil {
		return nil, nil, err
	}

	ser := state.NewSerializer(state.Config{
		MaxSessionSize:     e.cfg.MaxSessionSize,
		CompressionEnabled: e.cfg.CompressionEnabled,
		EncryptionEnabled:  e.cfg.EncryptionEnabled,
		KDF:                e.cfg.KDF,
	})
	restored, err := ser.Deserialize(cp.Payload, cp.StateChecksum, password)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint %s: %w", checkpointID, err)
	}

	var sess *store.Session
	err = e.store.WithTx(ctx, func(tx store.Store) error {
		s, err := tx.Sessions().Get(ctx, cp.SessionID)
		if err != nil {
			return err
		}
		loadedVersion := s.Version
		s.Version++
		s.LastSavedAt = e.now().UTC()
		s.Payload = cp.Payload
		s.StateChecksum = cp.StateChecksum
		if err := tx.Sessions().Update(ctx, s, loadedVersion); err != nil {
			return err
		}
		md, err := tx.Metadata().Get(ctx, cp.SessionID)
		if err != nil {
			return err
		}
		md.LastSavedAt = s.LastSavedAt
		md.TotalSize = int64(len(cp.Payload))
		if err := tx.Metadata().Upsert(ctx, md); err != nil {
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	e.logger.Info("restored session from checkpoint",
		"sessionID", sess.ID, "checkpointID", checkpointID, "version", sess.Version)
	return sess, restored, nil
}

// Statistics summarizes a session's checkpoints.
type Statistics struct {
	TotalCheckpoints      int64            `json:"totalCheckpoints"`
	TotalCompressedSize   int64            `json:"totalCompressedSize"`
	TotalUncompressedSize int64            `json:"totalUncompressedSize"`
	AverageSize           int64            `json:"averageSize"`
	OldestCheckpoint      *time.Time       `json:"oldestCheckpoint,omitempty"`
	NewestCheckpoint      *time.Time       `json:"newestCheckpoint,omitempty"`
	ByPriority            map[string]int64 `json:"byPriority"`
	ByTag                 map[string]int64 `json:"byTag"`
	// CompressionRatio is uncompressed over compressed bytes; 1 when the
	// session has no checkpoints.
	CompressionRatio float64 `json:"compressionRatio"`
}

// GetStatistics aggregates over all checkpoints of a session.
func (e *Engine) GetStatistics(ctx context.Context, sessionID string) (*Statistics, error) {
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}
	rows, _, err := e.store.Checkpoints().List(ctx, store.CheckpointFilter{SessionID: sessionID})
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		ByPriority:       make(map[string]int64),
		ByTag:            make(map[string]int64),
		CompressionRatio: 1,
	}
	for _, cp := range rows {
		stats.TotalCheckpoints++
		stats.TotalCompressedSize += cp.CompressedSize
		stats.TotalUncompressedSize += cp.UncompressedSize
		stats.ByPriority[string(cp.Priority)]++
		for _, tag := range cp.Tags {
			stats.ByTag[tag]++
		}
		created := cp.CreatedAt
		if stats.OldestCheckpoint == nil || created.Before(*stats.OldestCheckpoint) {
			stats.OldestCheckpoint = &created
		}
		if stats.NewestCheckpoint == nil || created.After(*stats.NewestCheckpoint) {
			stats.NewestCheckpoint = &created
		}
	}
	if stats.TotalCheckpoints > 0 {
		stats.AverageSize = stats.TotalCompressedSize / stats.TotalCheckpoints
	}
	if stats.TotalCompressedSize > 0 {
		stats.CompressionRatio = float64(stats.TotalUncompressedSize) / float64(stats.TotalCompressedSize)
	}
	return stats, nil
}
