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

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory Store. It backs tests and
// single-process deployments; production uses store/postgres.
type MemoryStore struct {
	mu     sync.RWMutex
	closed bool

	sessions    map[string]*Session
	checkpoints map[string]*Checkpoint
	metadata    map[string]*SessionMetadata
	keys        map[string]*UserEncryptionKey
	configs     map[string]*SessionConfig

	// txMu serializes transactions so snapshot/restore pairs never
	// interleave.
	txMu sync.Mutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*Session),
		checkpoints: make(map[string]*Checkpoint),
		metadata:    make(map[string]*SessionMetadata),
		keys:        make(map[string]*UserEncryptionKey),
		configs:     make(map[string]*SessionConfig),
	}
}

func (m *MemoryStore) Sessions() SessionStore       { return &memorySessions{m} }
func (m *MemoryStore) Checkpoints() CheckpointStore { return &memoryCheckpoints{m} }
func (m *MemoryStore) Metadata() MetadataStore      { return &memoryMetadata{m} }
func (m *MemoryStore) Keys() KeyStore               { return &memoryKeys{m} }
func (m *MemoryStore) Configs() ConfigStore         { return &memoryConfigs{m} }

// WithTx snapshots the store, runs fn, and restores the snapshot if fn
// fails. Transactions are serialized against each other.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.restoreLocked(snap)
		m.mu.Unlock()
		return err
	}
	return nil
}

// Close marks the store closed; subsequent operations fail with ErrClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memorySnapshot struct {
	sessions    map[string]*Session
	checkpoints map[string]*Checkpoint
	metadata    map[string]*SessionMetadata
	keys        map[string]*UserEncryptionKey
	configs     map[string]*SessionConfig
}

func (m *MemoryStore) snapshotLocked() *memorySnapshot {
	snap := &memorySnapshot{
		sessions:    make(map[string]*Session, len(m.sessions)),
		checkpoints: make(map[string]*Checkpoint, len(m.checkpoints)),
		metadata:    make(map[string]*SessionMetadata, len(m.metadata)),
		keys:        make(map[string]*UserEncryptionKey, len(m.keys)),
		configs:     make(map[string]*SessionConfig, len(m.configs)),
	}
	for k, v := range m.sessions {
		snap.sessions[k] = cloneSession(v)
	}
	for k, v := range m.checkpoints {
		snap.checkpoints[k] = cloneCheckpoint(v)
	}
	for k, v := range m.metadata {
		snap.metadata[k] = cloneMetadata(v)
	}
	for k, v := range m.keys {
		snap.keys[k] = cloneKey(v)
	}
	for k, v := range m.configs {
		snap.configs[k] = cloneConfig(v)
	}
	return snap
}

func (m *MemoryStore) restoreLocked(snap *memorySnapshot) {
	m.sessions = snap.sessions
	m.checkpoints = snap.checkpoints
	m.metadata = snap.metadata
	m.keys = snap.keys
	m.configs = snap.configs
}

// checkLocked validates liveness; callers hold at least a read lock.
func (m *MemoryStore) checkLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return ErrClosed
	}
	return nil
}

func keyKey(userID, keyID string) string { return userID + "/" + keyID }

// --- clone helpers -----------------------------------------------------

func cloneSession(s *Session) *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Payload = append([]byte(nil), s.Payload...)
	return &cp
}

func cloneCheckpoint(c *Checkpoint) *Checkpoint {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Payload = append([]byte(nil), c.Payload...)
	cp.Tags = append([]string(nil), c.Tags...)
	if c.Metadata != nil {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneMetadata(md *SessionMetadata) *SessionMetadata {
	if md == nil {
		return nil
	}
	cp := *md
	return &cp
}

func cloneKey(k *UserEncryptionKey) *UserEncryptionKey {
	if k == nil {
		return nil
	}
	cp := *k
	cp.EncryptedSessionKey = append([]byte(nil), k.EncryptedSessionKey...)
	cp.Salt = append([]byte(nil), k.Salt...)
	cp.IV = append([]byte(nil), k.IV...)
	cp.Tags = append([]string(nil), k.Tags...)
	if k.Metadata != nil {
		cp.Metadata = make(map[string]string, len(k.Metadata))
		for mk, mv := range k.Metadata {
			cp.Metadata[mk] = mv
		}
	}
	return &cp
}

func cloneConfig(c *SessionConfig) *SessionConfig {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// --- sessions ----------------------------------------------------------

type memorySessions struct{ m *MemoryStore }

var _ SessionStore = (*memorySessions)(nil)

func (s *memorySessions) Create(ctx context.Context, sess *Session) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.checkLocked(ctx); err != nil {
		return err
	}
	if _, exists := s.m.sessions[sess.ID]; exists {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	s.m.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *memorySessions) Get(ctx context.Context, id string) (*Session, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	if err := s.m.checkLocked(ctx); err != nil {
		return nil, err
	}
	sess, ok := s.m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return cloneSession(sess), nil
}

func (s *memorySessions) Update(ctx context.Context, sess *Session, expectedVersion int64) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.checkLocked(ctx); err != nil {
		return err
	}
	existing, ok := s.m.sessions[sess.ID]
	if !ok {
		return fmt.Errorf("session %s: %w", sess.ID, ErrNotFound)
	}
	if existing.Version != expectedVersion {
		return fmt.Errorf("session %s: expected version %d, have %d: %w",
			sess.ID, expectedVersion, existing.Version, ErrVersionConflict)
	}
	s.m.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *memorySessions) List(ctx context.Context, f SessionFilter) ([]*Session, int64, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	if err := s.m.checkLocked(ctx); err != nil {
		return nil, 0, err
	}

	var matched []*Session
	for _, sess := range s.m.sessions {
		if f.UserID != "" && sess.UserID != f.UserID {
			continue
		}
		if f.WorkspaceID != "" && sess.WorkspaceID != f.WorkspaceID {
			continue
		}
		if f.IsActive != nil && sess.IsActive != *f.IsActive {
			continue
		}
		matched = append(matched, sess)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].LastSavedAt.Equal(matched[j].LastSavedAt) {
			return matched[i].LastSavedAt.After(matched[j].LastSavedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := int64(len(matched))
	matched = pageSlice(matched, f.Offset, f.Limit)

	out := make([]*Session, len(matched))
	for i, sess := range matched {
		out[i] = cloneSession(sess)
	}
	return out, total, nil
}

func (s *memorySessions) Delete(ctx context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.checkLocked(ctx); err != nil {
		return err
	}
	if _, ok := s.m.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	delete(s.m.sessions, id)
	delete(s.m.metadata, id)
	for cid, cp := range s.m.checkpoints {
		if cp.SessionID == id {
			delete(s.m.checkpoints, cid)
		}
	}
	return nil
}

func (s *memorySessions) DeactivateOthers(ctx context.Context, userID, keepID string) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.checkLocked(ctx); err != nil {
		return 0, err
	}
	var n int64
	for _, sess := range s.m.sessions {
		if sess.UserID == userID && sess.ID != keepID && sess.IsActive {
			sess.IsActive = false
			if md, ok := s.m.metadata[sess.ID]; ok {
				md.IsActive = false
			}
			n++
		}
	}
	return n, nil
}

func (s *memorySessions) CountActive(ctx context.Context, userID string) (int, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	if err := s.m.checkLocked(ctx); err != nil {
		return 0, err
	}
	n := 0
	for _, sess := range s.m.sessions {
		if sess.UserID == userID && sess.IsActive {
			n++
		}
	}
	return n, nil
}

func (s *memorySessions) FindExpired(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	if err := s.m.checkLocked(ctx); err != nil {
		return nil, err
	}
	var matched []*Session
	for _, sess := range s.m.sessions {
		if !sess.IsActive && !sess.ExpiresAt.IsZero() && sess.ExpiresAt.Before(cutoff) {
			matched = append(matched, sess)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ExpiresAt.Before(matched[j].ExpiresAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*Session, len(matched))
	for i, sess := range matched {
		out[i] = cloneSession(sess)
	}
	return out, nil
}

// --- checkpoints -------------------------------------------------------

type memoryCheckpoints struct{ m *MemoryStore }

var _ CheckpointStore = (*memoryCheckpoints)(nil)

func (c *memoryCheckpoints) Create(ctx context.Context, cp *Checkpoint) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if err := c.m.checkLocked(ctx); err != nil {
		return err
	}
	if _, exists := c.m.checkpoints[cp.ID]; exists {
		return fmt.Errorf("checkpoint %s already exists", cp.ID)
	}
	c.m.checkpoints[cp.ID] = cloneCheckpoint(cp)
	return nil
}

func (c *memoryCheckpoints) Get(ctx context.Context, id string) (*Checkpoint, error) {
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	if err := c.m.checkLocked(ctx); err != nil {
		return nil, err
	}
	cp, ok := c.m.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	return cloneCheckpoint(cp), nil
}

func (c *memoryCheckpoints) Update(ctx context.Context, cp *Checkpoint) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if err := c.m.checkLocked(ctx); err != nil {
		return err
	}
	existing, ok := c.m.checkpoints[cp.ID]
	if !ok {
		return fmt.Errorf("checkpoint %s: %w", cp.ID, ErrNotFound)
	}
	// Payload, checksum, sizes, and origin are immutable after creation.
	existing.Name = cp.Name
	existing.Description = cp.Description
	existing.Priority = cp.Priority
	existing.Tags = append([]string(nil), cp.Tags...)
	if cp.Metadata != nil {
		existing.Metadata = make(map[string]string, len(cp.Metadata))
		for k, v := range cp.Metadata {
			existing.Metadata[k] = v
		}
	} else {
		existing.Metadata = nil
	}
	return nil
}

func (c *memoryCheckpoints) Delete(ctx context.Context, id string) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if err := c.m.checkLocked(ctx); err != nil {
		return err
	}
	if _, ok := c.m.checkpoints[id]; !ok {
		return fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	delete(c.m.checkpoints, id)
	return nil
}

func (c *memoryCheckpoints) List(ctx context.Context, f CheckpointFilter) ([]*Checkpoint, int64, error) {
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	if err := c.m.checkLocked(ctx); err != nil {
		return nil, 0, err
	}

	var matched []*Checkpoint
	for _, cp := range c.m.checkpoints {
		if !matchCheckpoint(cp, f) {
			continue
		}
		matched = append(matched, cp)
	}

	sortCheckpoints(matched, f.SortBy, f.SortOrder)

	total := int64(len(matched))
	matched = pageSlice(matched, f.Offset, f.Limit)

	out := make([]*Checkpoint, len(matched))
	for i, cp := range matched {
		out[i] = cloneCheckpoint(cp)
	}
	return out, total, nil
}

func (c *memoryCheckpoints) CountBySession(ctx context.Context, sessionID string) (int, error) {
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	if err := c.m.checkLocked(ctx); err != nil {
		return 0, err
	}
	n := 0
	for _, cp := range c.m.checkpoints {
		if cp.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}

func matchCheckpoint(cp *Checkpoint, f CheckpointFilter) bool {
	if f.SessionID != "" && cp.SessionID != f.SessionID {
		return false
	}
	if !f.DateFrom.IsZero() && cp.CreatedAt.Before(f.DateFrom) {
		return false
	}
	if !f.DateTo.IsZero() && !cp.CreatedAt.Before(f.DateTo) {
		return false
	}
	if f.IsAutoGenerated != nil && cp.IsAutoGenerated != *f.IsAutoGenerated {
		return false
	}
	if f.Priority != "" && cp.Priority != f.Priority {
		return false
	}
	for _, tag := range f.Tags {
		if !containsString(cp.Tags, tag) {
			return false
		}
	}
	return true
}

// sortCheckpoints orders by the requested field, descending by default,
// with the checkpoint ID as a stable tie-break.
func sortCheckpoints(cps []*Checkpoint, sortBy, sortOrder string) {
	asc := strings.EqualFold(sortOrder, "asc")
	less := func(i, j int) bool {
		var cmp int
		switch sortBy {
		case "size":
			switch {
			case cps[i].CompressedSize < cps[j].CompressedSize:
				cmp = -1
			case cps[i].CompressedSize > cps[j].CompressedSize:
				cmp = 1
			}
		case "name":
			cmp = strings.Compare(cps[i].Name, cps[j].Name)
		default: // createdAt
			switch {
			case cps[i].CreatedAt.Before(cps[j].CreatedAt):
				cmp = -1
			case cps[i].CreatedAt.After(cps[j].CreatedAt):
				cmp = 1
			}
		}
		if cmp == 0 {
			return cps[i].ID < cps[j].ID
		}
		if asc {
			return cmp < 0
		}
		return cmp > 0
	}
	sort.Slice(cps, less)
}

// --- metadata ----------------------------------------------------------

type memoryMetadata struct{ m *MemoryStore }

var _ MetadataStore = (*memoryMetadata)(nil)

func (md *memoryMetadata) Upsert(ctx context.Context, row *SessionMetadata) error {
	md.m.mu.Lock()
	defer md.m.mu.Unlock()
	if err := md.m.checkLocked(ctx); err != nil {
		return err
	}
	md.m.metadata[row.SessionID] = cloneMetadata(row)
	return nil
}

func (md *memoryMetadata) Get(ctx context.Context, sessionID string) (*SessionMetadata, error) {
	md.m.mu.RLock()
	defer md.m.mu.RUnlock()
	if err := md.m.checkLocked(ctx); err != nil {
		return nil, err
	}
	row, ok := md.m.metadata[sessionID]
	if !ok {
		return nil, fmt.Errorf("metadata for session %s: %w", sessionID, ErrNotFound)
	}
	return cloneMetadata(row), nil
}

func (md *memoryMetadata) SetCheckpointCount(ctx context.Context, sessionID string, count int) error {
	md.m.mu.Lock()
	defer md.m.mu.Unlock()
	if err := md.m.checkLocked(ctx); err != nil {
		return err
	}
	row, ok := md.m.metadata[sessionID]
	if !ok {
		return fmt.Errorf("metadata for session %s: %w", sessionID, ErrNotFound)
	}
	row.CheckpointCount = count
	return nil
}

func (md *memoryMetadata) IncrementCheckpointCount(ctx context.Context, sessionID string, delta int) error {
	md.m.mu.Lock()
	defer md.m.mu.Unlock()
	if err := md.m.checkLocked(ctx); err != nil {
		return err
	}
	row, ok := md.m.metadata[sessionID]
	if !ok {
		return fmt.Errorf("metadata for session %s: %w", sessionID, ErrNotFound)
	}
	row.CheckpointCount += delta
	if row.CheckpointCount < 0 {
		row.CheckpointCount = 0
	}
	return nil
}

func (md *memoryMetadata) FindInactiveBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	md.m.mu.RLock()
	defer md.m.mu.RUnlock()
	if err := md.m.checkLocked(ctx); err != nil {
		return nil, err
	}
	var ids []string
	for id, row := range md.m.metadata {
		if !row.IsActive && row.LastSavedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (md *memoryMetadata) ListSessionIDs(ctx context.Context) ([]string, error) {
	md.m.mu.RLock()
	defer md.m.mu.RUnlock()
	if err := md.m.checkLocked(ctx); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(md.m.metadata))
	for id := range md.m.metadata {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// --- keys --------------------------------------------------------------

type memoryKeys struct{ m *MemoryStore }

var _ KeyStore = (*memoryKeys)(nil)

func (k *memoryKeys) Create(ctx context.Context, key *UserEncryptionKey) error {
	k.m.mu.Lock()
	defer k.m.mu.Unlock()
	if err := k.m.checkLocked(ctx); err != nil {
		return err
	}
	id := keyKey(key.UserID, key.KeyID)
	if _, exists := k.m.keys[id]; exists {
		return fmt.Errorf("key %s already exists", key.KeyID)
	}
	k.m.keys[id] = cloneKey(key)
	return nil
}

func (k *memoryKeys) Get(ctx context.Context, userID, keyID string) (*UserEncryptionKey, error) {
	k.m.mu.RLock()
	defer k.m.mu.RUnlock()
	if err := k.m.checkLocked(ctx); err != nil {
		return nil, err
	}
	key, ok := k.m.keys[keyKey(userID, keyID)]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", keyID, ErrNotFound)
	}
	return cloneKey(key), nil
}

func (k *memoryKeys) FindByName(ctx context.Context, userID, keyName string) (*UserEncryptionKey, error) {
	k.m.mu.RLock()
	defer k.m.mu.RUnlock()
	if err := k.m.checkLocked(ctx); err != nil {
		return nil, err
	}
	for _, key := range k.m.keys {
		if key.UserID == userID && key.KeyName == keyName && key.IsActive {
			return cloneKey(key), nil
		}
	}
	return nil, fmt.Errorf("key named %q: %w", keyName, ErrNotFound)
}

func (k *memoryKeys) Update(ctx context.Context, key *UserEncryptionKey) error {
	k.m.mu.Lock()
	defer k.m.mu.Unlock()
	if err := k.m.checkLocked(ctx); err != nil {
		return err
	}
	id := keyKey(key.UserID, key.KeyID)
	if _, ok := k.m.keys[id]; !ok {
		return fmt.Errorf("key %s: %w", key.KeyID, ErrNotFound)
	}
	k.m.keys[id] = cloneKey(key)
	return nil
}

func (k *memoryKeys) Delete(ctx context.Context, userID, keyID string) error {
	k.m.mu.Lock()
	defer k.m.mu.Unlock()
	if err := k.m.checkLocked(ctx); err != nil {
		return err
	}
	id := keyKey(userID, keyID)
	if _, ok := k.m.keys[id]; !ok {
		return fmt.Errorf("key %s: %w", keyID, ErrNotFound)
	}
	delete(k.m.keys, id)
	return nil
}

func (k *memoryKeys) ListByUser(ctx context.Context, userID string, activeOnly bool) ([]*UserEncryptionKey, error) {
	k.m.mu.RLock()
	defer k.m.mu.RUnlock()
	if err := k.m.checkLocked(ctx); err != nil {
		return nil, err
	}
	var matched []*UserEncryptionKey
	for _, key := range k.m.keys {
		if key.UserID != userID {
			continue
		}
		if activeOnly && !key.IsActive {
			continue
		}
		matched = append(matched, key)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].KeyID < matched[j].KeyID
	})
	out := make([]*UserEncryptionKey, len(matched))
	for i, key := range matched {
		out[i] = cloneKey(key)
	}
	return out, nil
}

func (k *memoryKeys) CountActive(ctx context.Context, userID string) (int, error) {
	k.m.mu.RLock()
	defer k.m.mu.RUnlock()
	if err := k.m.checkLocked(ctx); err != nil {
		return 0, err
	}
	n := 0
	for _, key := range k.m.keys {
		if key.UserID == userID && key.IsActive {
			n++
		}
	}
	return n, nil
}

func (k *memoryKeys) FindExpired(ctx context.Context, cutoff time.Time, limit int) ([]*UserEncryptionKey, error) {
	return k.findBefore(ctx, limit, func(key *UserEncryptionKey) bool {
		return key.IsActive && !key.ExpiresAt.IsZero() && key.ExpiresAt.Before(cutoff)
	})
}

func (k *memoryKeys) FindRotationDue(ctx context.Context, cutoff time.Time, limit int) ([]*UserEncryptionKey, error) {
	return k.findBefore(ctx, limit, func(key *UserEncryptionKey) bool {
		return key.IsActive && key.CreatedAt.Before(cutoff)
	})
}

func (k *memoryKeys) findBefore(ctx context.Context, limit int, match func(*UserEncryptionKey) bool) ([]*UserEncryptionKey, error) {
	k.m.mu.RLock()
	defer k.m.mu.RUnlock()
	if err := k.m.checkLocked(ctx); err != nil {
		return nil, err
	}
	var matched []*UserEncryptionKey
	for _, key := range k.m.keys {
		if match(key) {
			matched = append(matched, key)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].KeyID < matched[j].KeyID
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*UserEncryptionKey, len(matched))
	for i, key := range matched {
		out[i] = cloneKey(key)
	}
	return out, nil
}

// --- configs -----------------------------------------------------------

type memoryConfigs struct{ m *MemoryStore }

var _ ConfigStore = (*memoryConfigs)(nil)

func (c *memoryConfigs) Upsert(ctx context.Context, cfg *SessionConfig) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if err := c.m.checkLocked(ctx); err != nil {
		return err
	}
	c.m.configs[cfg.UserID] = cloneConfig(cfg)
	return nil
}

func (c *memoryConfigs) Get(ctx context.Context, userID string) (*SessionConfig, error) {
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	if err := c.m.checkLocked(ctx); err != nil {
		return nil, err
	}
	cfg, ok := c.m.configs[userID]
	if !ok {
		return nil, fmt.Errorf("config for user %s: %w", userID, ErrNotFound)
	}
	return cloneConfig(cfg), nil
}

// --- shared helpers ----------------------------------------------------

func pageSlice[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
