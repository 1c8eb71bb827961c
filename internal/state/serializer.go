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

package state

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/workbenchlabs/sessiond/internal/cryptoutil"
)

// Sentinel errors returned by the serializer.
var (
	// ErrInvalidStateShape is returned when a state is missing one of the
	// four required sequences.
	ErrInvalidStateShape = errors.New("invalid workspace state shape")
	// ErrStateTooLarge is returned when the encoded state exceeds the
	// configured maximum session size.
	ErrStateTooLarge = errors.New("workspace state too large")
	// ErrIntegrityFailed is returned on a checksum mismatch.
	ErrIntegrityFailed = errors.New("payload integrity check failed")
	// ErrBaseStateMismatch is returned when a delta references a base state
	// whose checksum does not match the supplied base.
	ErrBaseStateMismatch = errors.New("delta base state checksum mismatch")
)

// DefaultMaxSessionSize is the default payload size cap (50 MiB).
const DefaultMaxSessionSize = 50 << 20

// Compression algorithm identifiers persisted on session rows.
const (
	CompressionGzip = "gzip"
	CompressionNone = "none"
)

// gzip magic bytes, used to detect compressed payloads on read.
var gzipMagic = []byte{0x1f, 0x8b}

// Config fixes the serializer behaviour at construction time.
type Config struct {
	// MaxSessionSize caps the canonical encoding size in bytes.
	// Defaults to DefaultMaxSessionSize when zero.
	MaxSessionSize int64
	// CompressionEnabled turns on gzip compression of the encoded state.
	CompressionEnabled bool
	// EncryptionEnabled turns on AES-GCM encryption when a password is
	// supplied to Serialize.
	EncryptionEnabled bool
	// KDF tunes the password-based key derivation. Zero value selects
	// PBKDF2 with the recommended iteration count.
	KDF cryptoutil.KDFParams
}

// Result is the outcome of a serialization.
type Result struct {
	// Data is the final payload: encrypted envelope JSON, gzip bytes, or the
	// raw canonical encoding.
	Data []byte
	// Checksum is the SHA-256 hex digest of Data.
	Checksum string
	// Size is len(Data).
	Size int64
	// EncodedSize is the canonical encoding length before compression and
	// encryption.
	EncodedSize int64
	// Compressed and Encrypted record which pipeline stages ran.
	Compressed bool
	Encrypted  bool
	// Delta is true when Data holds a delta document rather than a full state.
	Delta bool
}

// envelope is the on-disk encryption wrapper (spec'd payload envelope):
// base64 ciphertext, IV and salt, plus the algorithm identifier used to
// dispatch on read.
type envelope struct {
	Data      string `json:"data"`
	IV        string `json:"iv"`
	Salt      string `json:"salt"`
	Algorithm string `json:"algorithm"`
}

// Serializer turns workspace states into payload bytes and back.
//
// The previous-state fields used for incremental serialization are
// instance-local; a Serializer must not be shared across users. Construct one
// per session (or per request); the internal mutex only guards against
// accidental concurrent use of the same instance.
type Serializer struct {
	cfg Config

	mu           sync.Mutex
	prevEncoded  []byte
	prevChecksum string
}

// NewSerializer creates a Serializer with the given configuration.
func NewSerializer(cfg Config) *Serializer {
	if cfg.MaxSessionSize == 0 {
		cfg.MaxSessionSize = DefaultMaxSessionSize
	}
	return &Serializer{cfg: cfg}
}

// Serialize validates, encodes, and optionally compresses and encrypts state.
// The password is required only when encryption is enabled; with an empty
// password the payload is stored unencrypted.
func (s *Serializer) Serialize(state *WorkspaceState, password string) (*Result, error) {
	encoded, err := s.encode(state)
	if err != nil {
		return nil, err
	}

	res, err := s.finalize(encoded, password)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.prevEncoded = encoded
	s.prevChecksum = cryptoutil.SHA256Hex(encoded)
	s.mu.Unlock()

	return res, nil
}

// Deserialize reverses the pipeline: checksum verification first, then
// decryption, then decompression, then JSON decoding with the legacy date
// revival pass over the opaque mappings.
func (s *Serializer) Deserialize(data []byte, checksum, password string) (*WorkspaceState, error) {
	if !cryptoutil.TimingSafeEqualHex(cryptoutil.SHA256Hex(data), checksum) {
		return nil, ErrIntegrityFailed
	}

	payload := data
	if env, ok := parseEnvelope(data); ok {
		decrypted, err := openEnvelope(env, password, s.cfg.KDF)
		if err != nil {
			return nil, err
		}
		payload = decrypted
	}

	decoded, err := maybeDecompress(payload)
	if err != nil {
		return nil, err
	}

	if err := ValidateShape(decoded); err != nil {
		return nil, err
	}

	var state WorkspaceState
	if err := json.Unmarshal(decoded, &state); err != nil {
		return nil, ErrInvalidStateShape
	}
	state.Normalize()
	state.WorkspaceConfig = reviveDates(state.WorkspaceConfig)
	state.Metadata = reviveDates(state.Metadata)
	return &state, nil
}

// encode validates state and produces its canonical JSON encoding, enforcing
// the size cap.
func (s *Serializer) encode(state *WorkspaceState) ([]byte, error) {
	if state == nil {
		return nil, ErrInvalidStateShape
	}
	if state.Terminals == nil || state.BrowserTabs == nil ||
		state.AIConversations == nil || state.OpenFiles == nil {
		return nil, ErrInvalidStateShape
	}

	encoded, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encoding workspace state: %w", err)
	}
	if int64(len(encoded)) > s.cfg.MaxSessionSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d",
			ErrStateTooLarge, len(encoded), s.cfg.MaxSessionSize)
	}
	return encoded, nil
}

// finalize runs the compress and encrypt stages over an encoding and computes
// the payload checksum.
func (s *Serializer) finalize(encoded []byte, password string) (*Result, error) {
	payload := encoded
	compressed := false
	if s.cfg.CompressionEnabled {
		var err error
		payload, err = gzipCompress(payload)
		if err != nil {
			return nil, fmt.Errorf("compressing state: %w", err)
		}
		compressed = true
	}

	encrypted := false
	if s.cfg.EncryptionEnabled && password != "" {
		sealed, err := sealEnvelope(payload, password, s.cfg.KDF)
		if err != nil {
			return nil, err
		}
		payload = sealed
		encrypted = true
	}

	return &Result{
		Data:        payload,
		Checksum:    cryptoutil.SHA256Hex(payload),
		Size:        int64(len(payload)),
		EncodedSize: int64(len(encoded)),
		Compressed:  compressed,
		Encrypted:   encrypted,
	}, nil
}

// Compression returns the compression identifier recorded on rows written
// from this serializer's results.
func (s *Serializer) Compression() string {
	if s.cfg.CompressionEnabled {
		return CompressionGzip
	}
	return CompressionNone
}

// Algorithm returns the encryption identifier recorded on rows written from
// this serializer's results, given whether a password was supplied.
func (s *Serializer) Algorithm(encrypted bool) string {
	if encrypted {
		return cryptoutil.AlgorithmAESGCM
	}
	return cryptoutil.AlgorithmNone
}

// --- encryption envelope ------------------------------------------------------

// sealEnvelope derives a key from password plus a fresh salt, encrypts the
// payload, and wraps everything in the on-disk envelope.
func sealEnvelope(payload []byte, password string, kdf cryptoutil.KDFParams) ([]byte, error) {
	salt, err := cryptoutil.RandomBytes(cryptoutil.SaltSize)
	if err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	key, err := cryptoutil.DeriveKey([]byte(password), salt, kdf)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext, err := cryptoutil.Encrypt(key, payload)
	if err != nil {
		return nil, err
	}

	env := envelope{
		Data:      base64.StdEncoding.EncodeToString(ciphertext),
		IV:        base64.StdEncoding.EncodeToString(nonce),
		Salt:      base64.StdEncoding.EncodeToString(salt),
		Algorithm: cryptoutil.AlgorithmAESGCM,
	}
	envBytes, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}
	return envBytes, nil
}

// parseEnvelope reports whether data is an encryption envelope and returns it.
func parseEnvelope(data []byte) (*envelope, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false
	}
	if env.Data == "" || env.IV == "" || env.Salt == "" || env.Algorithm == "" {
		return nil, false
	}
	return &env, true
}

// openEnvelope re-derives the key from the stored salt and decrypts.
// Unknown algorithm identifiers are rejected before any key derivation.
func openEnvelope(env *envelope, password string, kdf cryptoutil.KDFParams) ([]byte, error) {
	if env.Algorithm != cryptoutil.AlgorithmAESGCM {
		return nil, fmt.Errorf("%w: %q", cryptoutil.ErrUnsupportedAlgorithm, env.Algorithm)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext encoding", cryptoutil.ErrDecryptionFailed)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid IV encoding", cryptoutil.ErrDecryptionFailed)
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid salt encoding", cryptoutil.ErrDecryptionFailed)
	}

	key, err := cryptoutil.DeriveKey([]byte(password), salt, kdf)
	if err != nil {
		return nil, err
	}
	return cryptoutil.Decrypt(key, nonce, ciphertext)
}

// --- compression --------------------------------------------------------------

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// maybeDecompress decodes a payload into canonical JSON bytes. It recognises
// gzip by magic bytes and falls back to a legacy shim: older writers recorded
// "compressed" payloads that were merely base64-encoded JSON.
func maybeDecompress(payload []byte) ([]byte, error) {
	if bytes.HasPrefix(payload, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("%w: bad gzip header", ErrIntegrityFailed)
		}
		defer zr.Close()
		decoded, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip stream truncated", ErrIntegrityFailed)
		}
		return decoded, nil
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return payload, nil
	}

	// Legacy no-op "compression": base64 of the JSON encoding.
	decoded, err := base64.StdEncoding.DecodeString(string(trimmed))
	if err == nil {
		dt := bytes.TrimSpace(decoded)
		if len(dt) > 0 && dt[0] == '{' {
			return decoded, nil
		}
	}
	return payload, nil
}
