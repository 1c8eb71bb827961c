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

package recovery

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/workbenchlabs/sessiond/internal/cryptoutil"
	"github.com/workbenchlabs/sessiond/internal/state"
)

// ErrUnrecoverable is returned when no usable state can be reconstructed
// from a corrupted payload.
var ErrUnrecoverable = errors.New("unrecoverable corruption")

// IsRecoverable reports whether a read failure should be handed to the
// recovery engine. Lifecycle and infrastructure errors propagate unchanged.
func IsRecoverable(err error) bool {
	return errors.Is(err, state.ErrIntegrityFailed) ||
		errors.Is(err, state.ErrInvalidStateShape) ||
		errors.Is(err, cryptoutil.ErrDecryptionFailed)
}

// Recover attempts to reconstruct a workspace state from a corrupted
// payload: inflate if the bytes are gzip, structural validation, then
// balanced-brace extraction, then repair. Fails with ErrUnrecoverable when
// no fragment qualifies.
func (e *Engine) Recover(data []byte) (*RepairResult, error) {
	// Stored payloads are gzip by default, so the corrupted bytes usually
	// arrive compressed. A truncated stream still yields its readable prefix.
	if inflated := gunzipLenient(data); inflated != nil {
		data = inflated
	}

	report := e.ValidateBasicStructure(data)

	var partial map[string]any
	if report.CanRecover {
		if err := json.Unmarshal(data, &partial); err != nil {
			partial = nil
		}
	}
	if partial == nil {
		partial = e.ExtractPartialState(data)
	}
	if partial == nil {
		return nil, fmt.Errorf("%w: no parseable state fragment found", ErrUnrecoverable)
	}

	result, err := e.RepairWorkspaceState(partial)
	if err != nil {
		return nil, fmt.Errorf("%w: repair failed: %v", ErrUnrecoverable, err)
	}
	result.Validation.Errors = append(result.Validation.Errors, report.Errors...)
	result.Validation.Warnings = append(result.Validation.Warnings, report.Warnings...)
	return result, nil
}

// gunzipLenient inflates as much of a gzip stream as it can, tolerating a
// corrupted or truncated tail. Returns nil for non-gzip input or when
// nothing decodes.
func gunzipLenient(data []byte) []byte {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	defer zr.Close()
	zr.Multistream(false)

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, zr); err != nil && buf.Len() == 0 {
		return nil
	}
	if buf.Len() == 0 {
		return nil
	}
	return buf.Bytes()
}
