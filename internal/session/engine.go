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

// Package session implements the session lifecycle: atomic creation with
// the one-active-per-user invariant, optimistic-concurrency updates, reads
// with recovery escalation, pagination, and deletion.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/workbenchlabs/sessiond/internal/cryptoutil"
	"github.com/workbenchlabs/sessiond/internal/recovery"
	"github.com/workbenchlabs/sessiond/internal/state"
	"github.com/workbenchlabs/sessiond/internal/store"
)

// Sentinel errors for session lifecycle operations.
var (
	// ErrExpired is returned for writes against an expired session.
	ErrExpired = errors.New("session expired")
	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = errors.New("invalid session request")
)

// Engine defaults.
const (
	// DefaultRetentionDays is the session expiry horizon.
	DefaultRetentionDays = 30
	// DefaultCheckpointRetentionDays is the checkpoint expiry horizon.
	DefaultCheckpointRetentionDays = 90
	// DefaultAutoSaveIntervalSeconds is the suggested client save cadence.
	DefaultAutoSaveIntervalSeconds = 30
	// DefaultPageSize and MaxPageSize bound session listings.
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Config tunes the session engine.
type Config struct {
	RetentionDays           int
	CheckpointRetentionDays int
	AutoSaveIntervalSeconds int
	MaxSessionSize          int64
	CompressionEnabled      bool
	EncryptionEnabled       bool
	// KDF parameters used by per-request serializers.
	KDF cryptoutil.KDFParams
}

// DefaultConfig returns the engine defaults: compression and encryption on,
// 50 MiB size cap.
func DefaultConfig() Config {
	return Config{
		RetentionDays:           DefaultRetentionDays,
		CheckpointRetentionDays: DefaultCheckpointRetentionDays,
		AutoSaveIntervalSeconds: DefaultAutoSaveIntervalSeconds,
		MaxSessionSize:          state.DefaultMaxSessionSize,
		CompressionEnabled:      true,
		EncryptionEnabled:       true,
		KDF:                     cryptoutil.DefaultKDFParams(),
	}
}

// Engine implements session lifecycle operations over a durable store.
// Serializers are constructed per request; the engine itself holds no
// mutable per-session state.
type Engine struct {
	store    store.Store
	recovery *recovery.Engine
	logger   logr.Logger
	cfg      Config

	now func() time.Time
}

// NewEngine creates a session Engine.
func NewEngine(st store.Store, rec *recovery.Engine, logger logr.Logger, cfg Config) *Engine {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if cfg.CheckpointRetentionDays <= 0 {
		cfg.CheckpointRetentionDays = DefaultCheckpointRetentionDays
	}
	if cfg.AutoSaveIntervalSeconds <= 0 {
		cfg.AutoSaveIntervalSeconds = DefaultAutoSaveIntervalSeconds
	}
	if cfg.MaxSessionSize <= 0 {
		cfg.MaxSessionSize = state.DefaultMaxSessionSize
	}
	return &Engine{
		store:    st,
		recovery: rec,
		logger:   logger.WithName("session"),
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// expired checks the session's expiry against the engine clock.
func (e *Engine) expired(s *store.Session) bool {
	return !s.ExpiresAt.IsZero() && e.now().After(s.ExpiresAt)
}

// serializerFor builds a per-request serializer from the user's stored
// configuration, falling back to engine defaults.
func (e *Engine) serializerFor(ctx context.Context, userID string, encrypt bool) (*state.Serializer, *store.SessionConfig) {
	cfg := e.userConfig(ctx, userID)
	return state.NewSerializer(state.Config{
		MaxSessionSize:     cfg.MaxSessionSize,
		CompressionEnabled: cfg.CompressionEnabled,
		EncryptionEnabled:  cfg.EncryptionEnabled && encrypt,
		KDF:                e.cfg.KDF,
	}), cfg
}

// userConfig loads the user's SessionConfig, falling back to defaults when
// none is stored.
func (e *Engine) userConfig(ctx context.Context, userID string) *store.SessionConfig {
	if cfg, err := e.store.Configs().Get(ctx, userID); err == nil {
		return cfg
	}
	return &store.SessionConfig{
		UserID:                  userID,
		AutoSaveIntervalSeconds: e.cfg.AutoSaveIntervalSeconds,
		RetentionDays:           e.cfg.RetentionDays,
		CheckpointRetentionDays: e.cfg.CheckpointRetentionDays,
		MaxSessionSize:          e.cfg.MaxSessionSize,
		CompressionEnabled:      e.cfg.CompressionEnabled,
		EncryptionEnabled:       e.cfg.EncryptionEnabled,
	}
}

// CreateRequest carries the inputs for Create.
type CreateRequest struct {
	UserID      string
	WorkspaceID string
	Name        string
	State       *state.WorkspaceState
}

// Create serializes the state and atomically inserts the session row, its
// metadata projection, and the user's configuration, then deactivates every
// other session of the user. A failure at any step leaves nothing behind.
func (e *Engine) Create(ctx context.Context, req CreateRequest, password string) (*store.Session, error) {
	if req.UserID == "" || req.WorkspaceID == "" {
		return nil, fmt.Errorf("%w: userId and workspaceId are required", ErrInvalidRequest)
	}

	ser, cfg := e.serializerFor(ctx, req.UserID, password != "")
	res, err := ser.Serialize(req.State, password)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	sess := &store.Session{
		ID:                  uuid.NewString(),
		UserID:              req.UserID,
		WorkspaceID:         req.WorkspaceID,
		Name:                req.Name,
		IsActive:            true,
		LastSavedAt:         now,
		ExpiresAt:           now.Add(time.Duration(cfg.RetentionDays) * 24 * time.Hour),
		CreatedAt:           now,
		Version:             1,
		StateChecksum:       res.Checksum,
		EncryptionAlgorithm: ser.Algorithm(res.Encrypted),
		Compression:         ser.Compression(),
		Payload:             res.Data,
	}

	err = e.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Sessions().Create(ctx, sess); err != nil {
			return err
		}
		if err := tx.Metadata().Upsert(ctx, &store.SessionMetadata{
			SessionID:   sess.ID,
			UserID:      sess.UserID,
			WorkspaceID: sess.WorkspaceID,
			SessionName: sess.Name,
			LastSavedAt: sess.LastSavedAt,
			TotalSize:   res.Size,
			IsActive:    true,
		}); err != nil {
			return err
		}
		if err := tx.Configs().Upsert(ctx, cfg); err != nil {
			return err
		}
		// One active session per user.
		_, err := tx.Sessions().DeactivateOthers(ctx, sess.UserID, sess.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("created session",
		"sessionID", sess.ID, "userID", sess.UserID, "workspaceID", sess.WorkspaceID,
		"size", res.Size, "encrypted", res.Encrypted, "compressed", res.Compressed)
	return sess, nil
}

// Update replaces the session payload under optimistic concurrency: the
// write succeeds only against the version it loaded, otherwise the store
// reports a version conflict. Expired sessions refuse updates.
func (e *Engine) Update(ctx context.Context, sessionID string, newState *state.WorkspaceState, password string) (*store.Session, error) {
	sess, err := e.store.Sessions().Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if e.expired(sess) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrExpired)
	}

	ser, _ := e.serializerFor(ctx, sess.UserID, password != "")
	res, err := ser.Serialize(newState, password)
	if err != nil {
		return nil, err
	}

	loadedVersion := sess.Version
	sess.Version++
	sess.LastSavedAt = e.now().UTC()
	sess.StateChecksum = res.Checksum
	sess.EncryptionAlgorithm = ser.Algorithm(res.Encrypted)
	sess.Compression = ser.Compression()
	sess.Payload = res.Data

	err = e.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Sessions().Update(ctx, sess, loadedVersion); err != nil {
			return err
		}
		md, err := tx.Metadata().Get(ctx, sessionID)
		if err != nil {
			return err
		}
		md.LastSavedAt = sess.LastSavedAt
		md.TotalSize = res.Size
		return tx.Metadata().Upsert(ctx, md)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Get loads and deserializes a session. Recoverable deserialization
// failures (integrity, shape, decryption of damaged payloads) escalate to
// the recovery engine; everything else propagates.
func (e *Engine) Get(ctx context.Context, sessionID, password string) (*store.Session, *state.WorkspaceState, error) {
	sess, err := e.store.Sessions().Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	ser, _ := e.serializerFor(ctx, sess.UserID, password != "")
	st, err := ser.Deserialize(sess.Payload, sess.StateChecksum, password)
	if err == nil {
		return sess, st, nil
	}
	if !recovery.IsRecoverable(err) {
		return nil, nil, err
	}

	e.logger.Info("deserialization failed, attempting recovery",
		"sessionID", sessionID, "error", err.Error())
	repaired, rerr := e.recovery.Recover(sess.Payload)
	if rerr != nil {
		return nil, nil, fmt.Errorf("session %s: %w (original: %v)", sessionID, rerr, err)
	}
	e.logger.Info("recovered session state",
		"sessionID", sessionID, "warnings", len(repaired.Validation.Warnings))
	return sess, repaired.State, nil
}

// ListOptions narrows and paginates session listings.
type ListOptions struct {
	WorkspaceID string
	IsActive    *bool
	// Page is 1-based; PageSize defaults to 20 and caps at 100.
	Page     int
	PageSize int
}

// List returns the user's sessions ordered by lastSavedAt descending, plus
// the total match count.
func (e *Engine) List(ctx context.Context, userID string, opts ListOptions) ([]*store.Session, int64, error) {
	if userID == "" {
		return nil, 0, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	page := opts.Page
	if page < 1 {
		page = 1
	}

	return e.store.Sessions().List(ctx, store.SessionFilter{
		UserID:      userID,
		WorkspaceID: opts.WorkspaceID,
		IsActive:    opts.IsActive,
		Limit:       pageSize,
		Offset:      (page - 1) * pageSize,
	})
}

// Activate makes the session the user's single active one, deactivating
// the rest in the same transaction. Expired sessions cannot be reactivated.
func (e *Engine) Activate(ctx context.Context, sessionID string) (*store.Session, error) {
	sess, err := e.store.Sessions().Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if e.expired(sess) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrExpired)
	}
	if sess.IsActive {
		return sess, nil
	}

	loadedVersion := sess.Version
	sess.IsActive = true
	sess.Version++
	err = e.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Sessions().Update(ctx, sess, loadedVersion); err != nil {
			return err
		}
		md, err := tx.Metadata().Get(ctx, sessionID)
		if err != nil {
			return err
		}
		md.IsActive = true
		if err := tx.Metadata().Upsert(ctx, md); err != nil {
			return err
		}
		_, err = tx.Sessions().DeactivateOthers(ctx, sess.UserID, sess.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Delete removes the session; checkpoints and metadata cascade.
func (e *Engine) Delete(ctx context.Context, sessionID string) error {
	if err := e.store.Sessions().Delete(ctx, sessionID); err != nil {
		return err
	}
	e.logger.Info("deleted session", "sessionID", sessionID)
	return nil
}
