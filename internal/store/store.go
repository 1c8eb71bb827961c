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

// Package store defines the durable-store contract for the persistence
// engine: typed row collections for sessions, checkpoints, metadata, user
// encryption keys, and per-user configuration, plus transactional multi-row
// writes. Implementations: in-memory (this package) and PostgreSQL
// (store/postgres).
package store

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by store implementations.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when an optimistic-concurrency write
	// observes a version other than the one it loaded.
	ErrVersionConflict = errors.New("version conflict")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store is closed")
)

// Priority orders checkpoints for retention and display.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Session is the current, mutable record of a workspace state for one user.
// At most one session per user has IsActive set; the session engine enforces
// the invariant inside the create transaction.
type Session struct {
	// ID is the UUIDv4 session identifier.
	ID string `json:"id"`
	// UserID is the owning user.
	UserID string `json:"userId"`
	// WorkspaceID is the workspace this session captured.
	WorkspaceID string `json:"workspaceId"`
	// Name is a human-readable label.
	Name string `json:"name"`
	// IsActive marks the user's single active session.
	IsActive bool `json:"isActive"`
	// LastSavedAt is when the payload was last written.
	LastSavedAt time.Time `json:"lastSavedAt"`
	// ExpiresAt is when the session becomes eligible for cleanup.
	ExpiresAt time.Time `json:"expiresAt"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"createdAt"`
	// Version is the monotonic optimistic-concurrency token, incremented on
	// every update.
	Version int64 `json:"version"`
	// StateChecksum is the SHA-256 hex digest of Payload.
	StateChecksum string `json:"stateChecksum"`
	// EncryptionAlgorithm is "AES-GCM" or "none".
	EncryptionAlgorithm string `json:"encryptionAlgorithm"`
	// Compression is "gzip" or "none".
	Compression string `json:"compression"`
	// Payload is the opaque serialized workspace state.
	Payload []byte `json:"-"`
}

// IsExpired returns true if the session has expired.
func (s *Session) IsExpired() bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(s.ExpiresAt)
}

// SessionMetadata is the derived projection of a Session, updated in the same
// transaction as the session it projects. Never the source of truth.
type SessionMetadata struct {
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId"`
	WorkspaceID string    `json:"workspaceId"`
	SessionName string    `json:"sessionName"`
	LastSavedAt time.Time `json:"lastSavedAt"`
	// CheckpointCount mirrors count(Checkpoint where sessionId=SessionID).
	CheckpointCount int `json:"checkpointCount"`
	// TotalSize is the stored payload size in bytes.
	TotalSize int64 `json:"totalSize"`
	IsActive  bool  `json:"isActive"`
}

// Checkpoint is an immutable, named snapshot of a workspace state created
// from a session. Only name, description, priority, tags, and metadata are
// mutable after creation.
type Checkpoint struct {
	// ID is the UUIDv4 checkpoint identifier.
	ID string `json:"id"`
	// SessionID is the parent session.
	SessionID string `json:"sessionId"`
	// Name is required and at most 100 characters.
	Name string `json:"name"`
	// Description is optional, at most 500 characters.
	Description string `json:"description,omitempty"`
	// Priority defaults to medium.
	Priority Priority `json:"priority"`
	// Tags is a set of labels for filtering.
	Tags []string `json:"tags,omitempty"`
	// IsAutoGenerated marks checkpoints created by the auto-save path.
	IsAutoGenerated bool `json:"isAutoGenerated"`
	// Payload is the full serialized state; checkpoints are standalone and
	// never store deltas.
	Payload []byte `json:"-"`
	// StateChecksum is the SHA-256 hex digest of Payload.
	StateChecksum string `json:"stateChecksum"`
	// CompressedSize and UncompressedSize are recorded at creation.
	CompressedSize   int64 `json:"compressedSize"`
	UncompressedSize int64 `json:"uncompressedSize"`
	// CreatedAt is when the checkpoint was created.
	CreatedAt time.Time `json:"createdAt"`
	// Metadata contains optional additional data.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// UserEncryptionKey is a per-user master key: a random data-encryption key
// wrapped under a password-derived key. The plaintext session key is never
// persisted.
type UserEncryptionKey struct {
	// KeyID is a 16-byte random identifier, hex-encoded (32 chars).
	KeyID string `json:"keyId"`
	// UserID is the owning user.
	UserID string `json:"userId"`
	// KeyName is unique per user.
	KeyName string `json:"keyName"`
	// EncryptedSessionKey is the wrapped data-encryption key.
	EncryptedSessionKey []byte `json:"-"`
	// Salt and IV were used to wrap the session key.
	Salt []byte `json:"-"`
	IV   []byte `json:"-"`
	// Algorithm is the KDF used to derive the wrapping key.
	Algorithm string `json:"algorithm"`
	// Iterations is the PBKDF2 iteration count used at creation.
	Iterations int  `json:"iterations"`
	IsActive   bool `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
	// ExpiresAt defaults to 90 days after creation.
	ExpiresAt time.Time `json:"expiresAt"`
	// LastUsedAt is updated on every successful validation.
	LastUsedAt time.Time `json:"lastUsedAt,omitempty"`
	// DeactivatedAt and DeactivatedReason record soft deactivation.
	DeactivatedAt     time.Time `json:"deactivatedAt,omitempty"`
	DeactivatedReason string    `json:"deactivatedReason,omitempty"`
	// FailedAttempts and LockedUntil implement the validation lockout.
	FailedAttempts int       `json:"-"`
	LockedUntil    time.Time `json:"-"`
	Tags           []string  `json:"tags,omitempty"`
	Description    string    `json:"description,omitempty"`
	// Metadata contains optional additional data (e.g. rotation lineage).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SessionConfig is the per-user engine configuration, upserted at first
// session creation.
type SessionConfig struct {
	UserID string `json:"userId"`
	// AutoSaveIntervalSeconds is the client auto-save cadence.
	AutoSaveIntervalSeconds int `json:"autoSaveInterval"`
	// RetentionDays controls session expiry.
	RetentionDays int `json:"retentionDays"`
	// CheckpointRetentionDays controls checkpoint expiry.
	CheckpointRetentionDays int `json:"checkpointRetention"`
	// MaxSessionSize caps the serialized state size in bytes.
	MaxSessionSize     int64 `json:"maxSessionSize"`
	CompressionEnabled bool  `json:"compressionEnabled"`
	EncryptionEnabled  bool  `json:"encryptionEnabled"`
}

// SessionFilter narrows session listings.
type SessionFilter struct {
	UserID      string
	WorkspaceID string
	// IsActive filters by the active flag when non-nil.
	IsActive *bool
	// Limit and Offset paginate; zero Limit means no limit.
	Limit  int
	Offset int
}

// CheckpointFilter narrows checkpoint listings. Results are filtered,
// sorted, and paginated by the store.
type CheckpointFilter struct {
	SessionID string
	// DateFrom/DateTo bound CreatedAt as a half-open interval [from, to).
	DateFrom time.Time
	DateTo   time.Time
	// Tags requires all listed tags to be present.
	Tags []string
	// IsAutoGenerated filters by origin when non-nil.
	IsAutoGenerated *bool
	Priority        Priority
	// SortBy is one of "createdAt" (default), "size", "name".
	SortBy string
	// SortOrder is "asc" or "desc" (default).
	SortOrder string
	Limit     int
	Offset    int
}

// SessionStore is the row collection for sessions.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// Update writes all mutable columns. The write succeeds only when the
	// stored version equals expectedVersion; otherwise ErrVersionConflict.
	Update(ctx context.Context, s *Session, expectedVersion int64) error
	// List returns a page ordered by lastSavedAt descending, plus the total
	// row count for the filter.
	List(ctx context.Context, f SessionFilter) ([]*Session, int64, error)
	// Delete removes the session and cascades to its checkpoints and
	// metadata.
	Delete(ctx context.Context, id string) error
	// DeactivateOthers clears IsActive on every session of userID except
	// keepID, returning the number of rows changed.
	DeactivateOthers(ctx context.Context, userID, keepID string) (int64, error)
	// CountActive returns the number of active sessions for a user.
	CountActive(ctx context.Context, userID string) (int, error)
	// FindExpired returns up to limit sessions with ExpiresAt before cutoff
	// and IsActive false, ordered by ExpiresAt ascending.
	FindExpired(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error)
}

// CheckpointStore is the row collection for checkpoints.
type CheckpointStore interface {
	Create(ctx context.Context, c *Checkpoint) error
	Get(ctx context.Context, id string) (*Checkpoint, error)
	// Update writes the mutable columns only (name, description, priority,
	// tags, metadata).
	Update(ctx context.Context, c *Checkpoint) error
	Delete(ctx context.Context, id string) error
	// List applies the filter and returns a page plus the total match count.
	List(ctx context.Context, f CheckpointFilter) ([]*Checkpoint, int64, error)
	// CountBySession returns the checkpoint count for a session.
	CountBySession(ctx context.Context, sessionID string) (int, error)
}

// MetadataStore is the row collection for session metadata projections.
type MetadataStore interface {
	Upsert(ctx context.Context, m *SessionMetadata) error
	Get(ctx context.Context, sessionID string) (*SessionMetadata, error)
	// SetCheckpointCount overwrites the counter (idempotent recount).
	SetCheckpointCount(ctx context.Context, sessionID string, count int) error
	// IncrementCheckpointCount adjusts the counter by delta.
	IncrementCheckpointCount(ctx context.Context, sessionID string, delta int) error
	// FindInactiveBefore returns session IDs whose metadata shows
	// lastSavedAt before cutoff and isActive false.
	FindInactiveBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	// ListSessionIDs returns all session IDs with metadata rows.
	ListSessionIDs(ctx context.Context) ([]string, error)
}

// KeyStore is the row collection for user encryption keys.
type KeyStore interface {
	Create(ctx context.Context, k *UserEncryptionKey) error
	Get(ctx context.Context, userID, keyID string) (*UserEncryptionKey, error)
	// FindByName looks a key up by its per-user unique name.
	FindByName(ctx context.Context, userID, keyName string) (*UserEncryptionKey, error)
	Update(ctx context.Context, k *UserEncryptionKey) error
	Delete(ctx context.Context, userID, keyID string) error
	// ListByUser returns the user's keys, optionally active only, ordered by
	// CreatedAt descending.
	ListByUser(ctx context.Context, userID string, activeOnly bool) ([]*UserEncryptionKey, error)
	// CountActive returns the number of active keys for a user.
	CountActive(ctx context.Context, userID string) (int, error)
	// FindExpired returns active keys with ExpiresAt before cutoff.
	FindExpired(ctx context.Context, cutoff time.Time, limit int) ([]*UserEncryptionKey, error)
	// FindRotationDue returns active keys created before cutoff.
	FindRotationDue(ctx context.Context, cutoff time.Time, limit int) ([]*UserEncryptionKey, error)
}

// ConfigStore is the row collection for per-user session configuration.
type ConfigStore interface {
	Upsert(ctx context.Context, c *SessionConfig) error
	Get(ctx context.Context, userID string) (*SessionConfig, error)
}

// Store groups the row collections and provides transactional execution.
type Store interface {
	Sessions() SessionStore
	Checkpoints() CheckpointStore
	Metadata() MetadataStore
	Keys() KeyStore
	Configs() ConfigStore

	// WithTx runs fn against a transactional view of the store. If fn
	// returns an error the transaction is rolled back and no writes are
	// visible; otherwise it commits. Context cancellation aborts the
	// transaction.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// Close releases any resources held by the store.
	Close() error
}
