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

// Package cryptoutil provides the cryptographic primitives used by the
// persistence engine: random byte generation, password-based key derivation,
// AES-256-GCM authenticated encryption, and SHA-256 checksums.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// Sentinel errors for crypto operations.
var (
	// ErrEncryptionFailed indicates encryption failed.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrDecryptionFailed indicates decryption failed, including
	// authentication-tag mismatches.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrUnsupportedAlgorithm indicates an unknown algorithm identifier.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
)

// Algorithm identifiers persisted alongside ciphertexts.
const (
	// AlgorithmAESGCM is AES-256-GCM with a 96-bit nonce.
	AlgorithmAESGCM = "AES-GCM"
	// AlgorithmNone marks an unencrypted payload.
	AlgorithmNone = "none"
)

// KDF algorithm identifiers.
const (
	KDFPBKDF2   = "PBKDF2"
	KDFArgon2id = "Argon2id"
)

// Key material sizes in bytes.
const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// SaltSize is the KDF salt length.
	SaltSize = 32
	// NonceSize is the AES-GCM nonce length (96 bits).
	NonceSize = 12
	// KeyIDSize is the random key-identifier length; hex-encoded to 32 chars.
	KeyIDSize = 16
)

// DefaultPBKDF2Iterations is the current OWASP recommendation for
// PBKDF2-HMAC-SHA-256.
const DefaultPBKDF2Iterations = 210_000

// Argon2id parameters used when KDFArgon2id is selected.
const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024 // KiB
	argon2Threads = 4
)

// KDFParams selects and tunes the key derivation function.
type KDFParams struct {
	// Algorithm is KDFPBKDF2 or KDFArgon2id.
	Algorithm string
	// Iterations is the PBKDF2 iteration count; ignored for Argon2id.
	Iterations int
	// KeyLength is the derived key length in bytes.
	KeyLength int
}

// DefaultKDFParams returns PBKDF2-HMAC-SHA-256 with the recommended
// iteration count and a 256-bit output.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Algorithm:  KDFPBKDF2,
		Iterations: DefaultPBKDF2Iterations,
		KeyLength:  KeySize,
	}
}

// RandomBytes returns n cryptographically-random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}

// RandomHex returns n random bytes hex-encoded to 2n characters.
func RandomHex(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// DeriveKey derives a symmetric key from a password and salt.
func DeriveKey(password, salt []byte, params KDFParams) ([]byte, error) {
	keyLen := params.KeyLength
	if keyLen == 0 {
		keyLen = KeySize
	}
	switch params.Algorithm {
	case KDFPBKDF2, "":
		iterations := params.Iterations
		if iterations == 0 {
			iterations = DefaultPBKDF2Iterations
		}
		return pbkdf2.Key(password, salt, iterations, keyLen, sha256.New), nil
	case KDFArgon2id:
		return argon2.IDKey(password, salt, argon2Time, argon2Memory, argon2Threads, uint32(keyLen)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, params.Algorithm)
	}
}

// Encrypt encrypts plaintext with AES-256-GCM using the provided key.
// Returns nonce and ciphertext.
func Encrypt(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: AES cipher creation failed: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: GCM creation failed: %v", ErrEncryptionFailed, err)
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: failed to generate nonce: %v", ErrEncryptionFailed, err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// Decrypt decrypts ciphertext with AES-256-GCM using the provided key and
// nonce. A tag mismatch surfaces as ErrDecryptionFailed.
func Decrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: AES cipher creation failed: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: GCM creation failed: %v", ErrDecryptionFailed, err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: AES-GCM decryption failed: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// SHA256Hex returns the SHA-256 digest of data as 64 lowercase hex chars.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// TimingSafeEqual compares two byte slices in constant time.
func TimingSafeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// TimingSafeEqualHex compares two hex digests in constant time using HMAC
// folding so that length differences do not leak timing.
func TimingSafeEqualHex(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
