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

package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	log, sync, err := NewLogger()
	require.NoError(t, err)
	require.NotNil(t, sync)
	defer sync()

	// Must not panic on use.
	log.Info("test message", "key", "value")
}

func TestNewLoggerDebug(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	log, sync, err := NewLogger()
	require.NoError(t, err)
	defer sync()

	require.True(t, log.V(1).Enabled())
}

func TestSlogFromZap(t *testing.T) {
	z, err := NewZapLogger()
	require.NoError(t, err)

	sl := SlogFromZap(z)
	require.NotNil(t, sl)
	sl.Info("slog through zap core", "key", "value")
}
