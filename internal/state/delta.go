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
	"encoding/json"
	"fmt"

	"github.com/workbenchlabs/sessiond/internal/cryptoutil"
)

// deltaKind is the discriminator value for delta documents. Payloads are a
// closed sum on disk: either a full state encoding or a delta document
// carrying this marker.
const deltaKind = "delta"

// DeltaDocument is the incremental encoding of a new state relative to a
// previously serialized base state. Deltas are diagnostic: applying one
// verifies the base checksum and reports what changed, it does not patch.
type DeltaDocument struct {
	Kind         string   `json:"kind"`
	BaseChecksum string   `json:"baseChecksum"`
	NewChecksum  string   `json:"newChecksum"`
	Changes      []string `json:"changes"`
}

// SerializeIncremental emits a delta document when a verified previous state
// is held, and falls back to a full payload otherwise. The previous state is
// refreshed either way.
func (s *Serializer) SerializeIncremental(state *WorkspaceState, password string) (*Result, error) {
	encoded, err := s.encode(state)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	prevEncoded := s.prevEncoded
	prevChecksum := s.prevChecksum
	s.mu.Unlock()

	// No base, or the held base no longer re-verifies: emit a full payload.
	if prevEncoded == nil || cryptoutil.SHA256Hex(prevEncoded) != prevChecksum {
		return s.Serialize(state, password)
	}

	changes := diffEncoded(prevEncoded, encoded)
	doc := DeltaDocument{
		Kind:         deltaKind,
		BaseChecksum: prevChecksum,
		NewChecksum:  cryptoutil.SHA256Hex(encoded),
		Changes:      changes,
	}
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding delta document: %w", err)
	}

	res, err := s.finalize(docBytes, password)
	if err != nil {
		return nil, err
	}
	res.Delta = true

	s.mu.Lock()
	s.prevEncoded = encoded
	s.prevChecksum = doc.NewChecksum
	s.mu.Unlock()

	return res, nil
}

// ApplyDelta verifies and applies a delta payload against a base state.
// The delta must reference the base by checksum; a mismatch fails with
// ErrBaseStateMismatch. On success the base state is returned along with the
// reported change tags.
func (s *Serializer) ApplyDelta(data []byte, checksum, password string, base *WorkspaceState) (*WorkspaceState, []string, error) {
	if !cryptoutil.TimingSafeEqualHex(cryptoutil.SHA256Hex(data), checksum) {
		return nil, nil, ErrIntegrityFailed
	}

	payload := data
	if env, ok := parseEnvelope(data); ok {
		decrypted, err := openEnvelope(env, password, s.cfg.KDF)
		if err != nil {
			return nil, nil, err
		}
		payload = decrypted
	}
	decoded, err := maybeDecompress(payload)
	if err != nil {
		return nil, nil, err
	}

	var doc DeltaDocument
	if err := json.Unmarshal(decoded, &doc); err != nil || doc.Kind != deltaKind {
		return nil, nil, fmt.Errorf("%w: not a delta document", ErrInvalidStateShape)
	}

	baseEncoded, err := s.encode(base)
	if err != nil {
		return nil, nil, err
	}
	if cryptoutil.SHA256Hex(baseEncoded) != doc.BaseChecksum {
		return nil, nil, ErrBaseStateMismatch
	}

	return base, doc.Changes, nil
}

// IsDeltaPayload reports whether decoded plaintext bytes hold a delta
// document rather than a full state encoding.
func IsDeltaPayload(decoded []byte) bool {
	var doc DeltaDocument
	return json.Unmarshal(decoded, &doc) == nil && doc.Kind == deltaKind
}

// diffEncoded compares two canonical encodings field by field and returns
// the names of top-level fields whose JSON differs.
func diffEncoded(prev, next []byte) []string {
	var prevTop, nextTop map[string]json.RawMessage
	if json.Unmarshal(prev, &prevTop) != nil || json.Unmarshal(next, &nextTop) != nil {
		return nil
	}

	fields := append([]string{}, RequiredSequences...)
	fields = append(fields, "workspaceConfig", "metadata")

	var changes []string
	for _, f := range fields {
		if !bytes.Equal(prevTop[f], nextTop[f]) {
			changes = append(changes, f)
		}
	}
	return changes
}
