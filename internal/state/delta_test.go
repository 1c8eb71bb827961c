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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeIncremental_FirstCallEmitsFull(t *testing.T) {
	s := NewSerializer(Config{})

	res, err := s.SerializeIncremental(testState(), "")
	require.NoError(t, err)
	assert.False(t, res.Delta, "no previous state means a full payload")
}

func TestSerializeIncremental_SecondCallEmitsDelta(t *testing.T) {
	s := NewSerializer(Config{})
	base := testState()

	_, err := s.Serialize(base, "")
	require.NoError(t, err)

	next := testState()
	next.Terminals = append(next.Terminals, Terminal{ID: "t2", Command: "pwd"})

	res, err := s.SerializeIncremental(next, "")
	require.NoError(t, err)
	assert.True(t, res.Delta)
	assert.True(t, IsDeltaPayload(res.Data))

	got, changes, err := s.ApplyDelta(res.Data, res.Checksum, "", base)
	require.NoError(t, err)
	assert.Equal(t, base, got)
	assert.Equal(t, []string{"terminals"}, changes)
}

func TestApplyDelta_BaseMismatch(t *testing.T) {
	s := NewSerializer(Config{})
	base := testState()

	_, err := s.Serialize(base, "")
	require.NoError(t, err)

	next := testState()
	next.OpenFiles[0].Content = "changed"

	res, err := s.SerializeIncremental(next, "")
	require.NoError(t, err)
	require.True(t, res.Delta)

	// Apply against a different base than the delta references.
	wrongBase := testState()
	wrongBase.Terminals[0].Command = "whoami"

	_, _, err = s.ApplyDelta(res.Data, res.Checksum, "", wrongBase)
	assert.ErrorIs(t, err, ErrBaseStateMismatch)
}

func TestApplyDelta_RejectsFullPayload(t *testing.T) {
	s := NewSerializer(Config{})
	res, err := s.Serialize(testState(), "")
	require.NoError(t, err)

	_, _, err = s.ApplyDelta(res.Data, res.Checksum, "", testState())
	assert.ErrorIs(t, err, ErrInvalidStateShape)
}

func TestSerializeIncremental_ChangeTags(t *testing.T) {
	s := NewSerializer(Config{})
	base := testState()
	_, err := s.Serialize(base, "")
	require.NoError(t, err)

	next := testState()
	next.BrowserTabs = append(next.BrowserTabs, BrowserTab{URL: "https://go.dev", Title: "Go"})
	next.Metadata = map[string]any{"marker": true}

	res, err := s.SerializeIncremental(next, "")
	require.NoError(t, err)

	_, changes, err := s.ApplyDelta(res.Data, res.Checksum, "", base)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"browserTabs", "metadata"}, changes)
}
