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

// Package keys manages per-user encryption keys: random data-encryption keys
// wrapped under password-derived keys, with lifecycle operations for
// creation, validation, rotation, deletion, and expiry cleanup. The
// plaintext session key never leaves process memory and is never persisted.
package keys

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/workbenchlabs/sessiond/internal/cryptoutil"
	"github.com/workbenchlabs/sessiond/internal/store"
)

// Sentinel errors for key lifecycle operations.
var (
	// ErrInvalidKeyName is returned for empty or over-long key names.
	ErrInvalidKeyName = errors.New("invalid key name")
	// ErrKeyNameConflict is returned when the user already has an active key
	// with the requested name.
	ErrKeyNameConflict = errors.New("key name already in use")
	// ErrKeyLimitExceeded is returned when the user is at the active-key cap.
	ErrKeyLimitExceeded = errors.New("active key limit exceeded")
	// ErrWeakPassword is returned when the password fails the policy.
	ErrWeakPassword = errors.New("password does not meet policy")
	// ErrInvalidPassword is returned when the password cannot unwrap the key.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrKeyInactive is returned for operations against a deactivated key.
	ErrKeyInactive = errors.New("key is not active")
	// ErrKeyLocked is returned while a key is in failed-validation lockout.
	ErrKeyLocked = errors.New("key is temporarily locked")
	// ErrRotationTooSoon is returned when a key is younger than the minimum
	// rotation age and force was not requested.
	ErrRotationTooSoon = errors.New("key is too young to rotate")
	// ErrLastKey is returned on attempts to delete the user's only active key.
	ErrLastKey = errors.New("cannot delete the only active key")
)

// Lifecycle defaults.
const (
	// DefaultMaxActiveKeys caps active keys per user.
	DefaultMaxActiveKeys = 10
	// DefaultKeyTTL is the expiry horizon for new keys.
	DefaultKeyTTL = 90 * 24 * time.Hour
	// DefaultRotationMinAge is the minimum key age before rotation.
	DefaultRotationMinAge = 30 * 24 * time.Hour
	// DefaultNearExpiryWindow triggers an expiry warning during validation.
	DefaultNearExpiryWindow = 7 * 24 * time.Hour
	// MaxKeyNameLength bounds key names.
	MaxKeyNameLength = 100

	// DeactivatedReasonRotation marks keys retired by rotation.
	DeactivatedReasonRotation = "key_rotation"
	// DeactivatedReasonExpired marks keys retired by expiry cleanup.
	DeactivatedReasonExpired = "expired"
)

// Manager implements the key lifecycle over a durable store.
type Manager struct {
	store  store.Store
	logger logr.Logger

	policy           PasswordPolicy
	kdf              cryptoutil.KDFParams
	maxActiveKeys    int
	keyTTL           time.Duration
	rotationMinAge   time.Duration
	nearExpiryWindow time.Duration

	now func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithPolicy overrides the password policy.
func WithPolicy(p PasswordPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithKDFParams overrides the key derivation parameters for new keys.
func WithKDFParams(p cryptoutil.KDFParams) Option {
	return func(m *Manager) { m.kdf = p }
}

// WithKeyTTL overrides the expiry horizon for new keys.
func WithKeyTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.keyTTL = ttl }
}

// WithRotationMinAge overrides the minimum rotation age.
func WithRotationMinAge(age time.Duration) Option {
	return func(m *Manager) { m.rotationMinAge = age }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a key Manager with default policy and KDF parameters.
func NewManager(st store.Store, logger logr.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:            st,
		logger:           logger.WithName("keys"),
		policy:           DefaultPasswordPolicy(),
		kdf:              cryptoutil.DefaultKDFParams(),
		maxActiveKeys:    DefaultMaxActiveKeys,
		keyTTL:           DefaultKeyTTL,
		rotationMinAge:   DefaultRotationMinAge,
		nearExpiryWindow: DefaultNearExpiryWindow,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateKeyRequest carries the inputs for CreateKey.
type CreateKeyRequest struct {
	UserID      string
	KeyName     string
	Password    string
	Description string
	Tags        []string
	// ExpiresInDays overrides the default 90-day expiry when positive.
	ExpiresInDays int
}

// CreateKey generates a fresh 256-bit session key, wraps it under a key
// derived from the password, and persists the wrapped record. The returned
// record never contains the plaintext session key.
func (m *Manager) CreateKey(ctx context.Context, req CreateKeyRequest) (*store.UserEncryptionKey, error) {
	if req.KeyName == "" || len(req.KeyName) > MaxKeyNameLength {
		return nil, fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidKeyName, MaxKeyNameLength)
	}
	if reasons := m.policy.Check(req.Password); len(reasons) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrWeakPassword, strings.Join(reasons, "; "))
	}

	var created *store.UserEncryptionKey
	err := m.store.WithTx(ctx, func(tx store.Store) error {
		active, err := tx.Keys().CountActive(ctx, req.UserID)
		if err != nil {
			return err
		}
		if active >= m.maxActiveKeys {
			return fmt.Errorf("%w: %d active keys", ErrKeyLimitExceeded, active)
		}

		if _, err := tx.Keys().FindByName(ctx, req.UserID, req.KeyName); err == nil {
			return fmt.Errorf("%w: %q", ErrKeyNameConflict, req.KeyName)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		key, err := m.buildKey(req)
		if err != nil {
			return err
		}
		if err := tx.Keys().Create(ctx, key); err != nil {
			return err
		}
		created = key
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("created encryption key",
		"userID", created.UserID, "keyID", created.KeyID, "expiresAt", created.ExpiresAt)
	return created, nil
}

// buildKey assembles a wrapped key record from the request.
func (m *Manager) buildKey(req CreateKeyRequest) (*store.UserEncryptionKey, error) {
	sessionKey, err := cryptoutil.RandomBytes(cryptoutil.KeySize)
	if err != nil {
		return nil, err
	}
	salt, err := cryptoutil.RandomBytes(cryptoutil.SaltSize)
	if err != nil {
		return nil, err
	}
	keyID, err := cryptoutil.RandomHex(cryptoutil.KeyIDSize)
	if err != nil {
		return nil, err
	}

	wrapKey, err := cryptoutil.DeriveKey([]byte(req.Password), salt, m.kdf)
	if err != nil {
		return nil, err
	}
	nonce, wrapped, err := cryptoutil.Encrypt(wrapKey, sessionKey)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	ttl := m.keyTTL
	if req.ExpiresInDays > 0 {
		ttl = time.Duration(req.ExpiresInDays) * 24 * time.Hour
	}

	iterations := 0
	if m.kdf.Algorithm == cryptoutil.KDFPBKDF2 || m.kdf.Algorithm == "" {
		iterations = m.kdf.Iterations
		if iterations == 0 {
			iterations = cryptoutil.DefaultPBKDF2Iterations
		}
	}

	return &store.UserEncryptionKey{
		KeyID:               keyID,
		UserID:              req.UserID,
		KeyName:             req.KeyName,
		EncryptedSessionKey: wrapped,
		Salt:                salt,
		IV:                  nonce,
		Algorithm:           m.kdfAlgorithm(),
		Iterations:          iterations,
		IsActive:            true,
		CreatedAt:           now,
		ExpiresAt:           now.Add(ttl),
		Tags:                req.Tags,
		Description:         req.Description,
	}, nil
}

func (m *Manager) kdfAlgorithm() string {
	if m.kdf.Algorithm == "" {
		return cryptoutil.KDFPBKDF2
	}
	return m.kdf.Algorithm
}

// ValidationResult is the outcome of a key validation attempt.
type ValidationResult struct {
	IsValid      bool     `json:"isValid"`
	IsExpired    bool     `json:"isExpired"`
	IsNearExpiry bool     `json:"isNearExpiry"`
	Strength     int      `json:"strength"`
	Warnings     []string `json:"warnings,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

// ValidateKey checks that the password can unwrap the key's session key.
// Successful validation updates lastUsedAt and clears the failure counter;
// a failed attempt increments it, locking the key once the policy threshold
// is reached. An incorrect password is reported in the result, not as an
// error.
func (m *Manager) ValidateKey(ctx context.Context, userID, keyID, password string) (*ValidationResult, error) {
	key, err := m.store.Keys().Get(ctx, userID, keyID)
	if err != nil {
		return nil, err
	}
	if !key.IsActive {
		return nil, fmt.Errorf("key %s: %w", keyID, ErrKeyInactive)
	}

	now := m.now().UTC()
	if !key.LockedUntil.IsZero() && now.Before(key.LockedUntil) {
		return nil, fmt.Errorf("key %s locked until %s: %w",
			keyID, key.LockedUntil.Format(time.RFC3339), ErrKeyLocked)
	}

	if _, err := m.unwrapSessionKey(key, password); err != nil {
		key.FailedAttempts++
		if key.FailedAttempts >= m.policy.MaxFailedAttempts {
			key.LockedUntil = now.Add(m.policy.LockoutDuration)
			key.FailedAttempts = 0
			m.logger.Info("key locked after repeated failures",
				"userID", userID, "keyID", keyID, "lockedUntil", key.LockedUntil)
		}
		if err := m.store.Keys().Update(ctx, key); err != nil {
			return nil, err
		}
		return &ValidationResult{
			IsValid:  false,
			Strength: PasswordStrength(password),
			Errors:   []string{"password does not match key"},
		}, nil
	}

	key.FailedAttempts = 0
	key.LockedUntil = time.Time{}
	key.LastUsedAt = now
	if err := m.store.Keys().Update(ctx, key); err != nil {
		return nil, err
	}

	res := &ValidationResult{
		IsValid:  true,
		Strength: PasswordStrength(password),
	}
	if !key.ExpiresAt.IsZero() {
		if now.After(key.ExpiresAt) {
			res.IsExpired = true
			res.Warnings = append(res.Warnings, "key has expired")
		} else if key.ExpiresAt.Sub(now) <= m.nearExpiryWindow {
			res.IsNearExpiry = true
			res.Warnings = append(res.Warnings, "key expires within 7 days")
		}
	}
	if key.Algorithm == cryptoutil.KDFPBKDF2 && key.Iterations < cryptoutil.DefaultPBKDF2Iterations {
		res.Warnings = append(res.Warnings, "WeakKDF: iteration count below current recommendation")
	}
	return res, nil
}

// unwrapSessionKey derives the wrapping key from the password and the key's
// stored salt, then decrypts the wrapped session key.
func (m *Manager) unwrapSessionKey(key *store.UserEncryptionKey, password string) ([]byte, error) {
	wrapKey, err := cryptoutil.DeriveKey([]byte(password), key.Salt, cryptoutil.KDFParams{
		Algorithm:  key.Algorithm,
		Iterations: key.Iterations,
	})
	if err != nil {
		return nil, err
	}
	return cryptoutil.Decrypt(wrapKey, key.IV, key.EncryptedSessionKey)
}

// UnwrapSessionKey exposes the session key to the serializer path after a
// password check. Callers must zero the returned slice when done.
func (m *Manager) UnwrapSessionKey(ctx context.Context, userID, keyID, password string) ([]byte, error) {
	key, err := m.store.Keys().Get(ctx, userID, keyID)
	if err != nil {
		return nil, err
	}
	if !key.IsActive {
		return nil, fmt.Errorf("key %s: %w", keyID, ErrKeyInactive)
	}
	sessionKey, err := m.unwrapSessionKey(key, password)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", keyID, ErrInvalidPassword)
	}
	return sessionKey, nil
}

// RotateOptions tunes RotateKey behavior.
type RotateOptions struct {
	// PreserveOldKey keeps the old key active instead of deactivating it.
	PreserveOldKey bool
	// ForceRotation skips the minimum-age check.
	ForceRotation bool
}

// RotationResult is the outcome of a key rotation.
type RotationResult struct {
	NewKey            *store.UserEncryptionKey `json:"newKey"`
	OldKeyDeactivated bool                     `json:"oldKeyDeactivated"`
	// MigrationRequired signals that ciphertexts wrapped under the old key
	// must be re-encrypted under the new one.
	MigrationRequired bool `json:"migrationRequired"`
}

// RotateKey creates a replacement key wrapped under newPassword and, unless
// preservation is requested, soft-deactivates the old key in the same
// transaction. The new key carries the old key's id in its metadata.
func (m *Manager) RotateKey(ctx context.Context, userID, keyID, currentPassword, newPassword string, opts RotateOptions) (*RotationResult, error) {
	old, err := m.store.Keys().Get(ctx, userID, keyID)
	if err != nil {
		return nil, err
	}
	if !old.IsActive {
		return nil, fmt.Errorf("key %s: %w", keyID, ErrKeyInactive)
	}
	if _, err := m.unwrapSessionKey(old, currentPassword); err != nil {
		return nil, fmt.Errorf("key %s: %w", keyID, ErrInvalidPassword)
	}

	now := m.now().UTC()
	if age := now.Sub(old.CreatedAt); age < m.rotationMinAge && !opts.ForceRotation {
		return nil, fmt.Errorf("%w: age %s, minimum %s", ErrRotationTooSoon, age, m.rotationMinAge)
	}

	if reasons := m.policy.Check(newPassword); len(reasons) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrWeakPassword, strings.Join(reasons, "; "))
	}

	newName := old.KeyName
	if opts.PreserveOldKey {
		newName = fmt.Sprintf("%s-rotated-%d", old.KeyName, now.Unix())
	}

	var result RotationResult
	err = m.store.WithTx(ctx, func(tx store.Store) error {
		newKey, err := m.buildKey(CreateKeyRequest{
			UserID:      userID,
			KeyName:     newName,
			Password:    newPassword,
			Description: old.Description,
			Tags:        old.Tags,
		})
		if err != nil {
			return err
		}
		newKey.Metadata = map[string]string{"rotatedFrom": old.KeyID}

		if opts.PreserveOldKey {
			// Keeping the old key active adds one to the active count, so
			// the per-user cap applies just like on plain creation.
			active, err := tx.Keys().CountActive(ctx, userID)
			if err != nil {
				return err
			}
			if active >= m.maxActiveKeys {
				return fmt.Errorf("%w: %d active keys", ErrKeyLimitExceeded, active)
			}
		} else {
			old.IsActive = false
			old.DeactivatedAt = now
			old.DeactivatedReason = DeactivatedReasonRotation
			if err := tx.Keys().Update(ctx, old); err != nil {
				return err
			}
			result.OldKeyDeactivated = true
		}

		if err := tx.Keys().Create(ctx, newKey); err != nil {
			return err
		}
		result.NewKey = newKey
		result.MigrationRequired = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("rotated encryption key",
		"userID", userID, "oldKeyID", keyID, "newKeyID", result.NewKey.KeyID,
		"oldKeyDeactivated", result.OldKeyDeactivated)
	return &result, nil
}

// DeleteKey removes a key after a password check. The user's only active
// key cannot be deleted; re-encrypting dependent sessions is the caller's
// responsibility.
func (m *Manager) DeleteKey(ctx context.Context, userID, keyID, password string) error {
	key, err := m.store.Keys().Get(ctx, userID, keyID)
	if err != nil {
		return err
	}
	if _, err := m.unwrapSessionKey(key, password); err != nil {
		return fmt.Errorf("key %s: %w", keyID, ErrInvalidPassword)
	}

	return m.store.WithTx(ctx, func(tx store.Store) error {
		if key.IsActive {
			active, err := tx.Keys().CountActive(ctx, userID)
			if err != nil {
				return err
			}
			if active <= 1 {
				return fmt.Errorf("key %s: %w", keyID, ErrLastKey)
			}
		}
		return tx.Keys().Delete(ctx, userID, keyID)
	})
}

// ListKeys returns all of a user's keys, active and deactivated. Secret
// material is excluded from JSON rendering by the row's field tags.
func (m *Manager) ListKeys(ctx context.Context, userID string) ([]*store.UserEncryptionKey, error) {
	return m.store.Keys().ListByUser(ctx, userID, false)
}

// cleanupBatchSize bounds each expiry scan page.
const cleanupBatchSize = 1000

// CleanupExpired soft-deactivates active keys whose expiry has passed.
// Idempotent: already-deactivated keys are never revisited.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	now := m.now().UTC()
	total := 0
	for {
		expired, err := m.store.Keys().FindExpired(ctx, now, cleanupBatchSize)
		if err != nil {
			return total, err
		}
		if len(expired) == 0 {
			return total, nil
		}
		for _, key := range expired {
			key.IsActive = false
			key.DeactivatedAt = now
			key.DeactivatedReason = DeactivatedReasonExpired
			if err := m.store.Keys().Update(ctx, key); err != nil {
				return total, err
			}
			total++
		}
		m.logger.V(1).Info("deactivated expired keys", "count", len(expired))
	}
}
