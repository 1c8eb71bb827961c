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

package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPasswordPolicy_Check(t *testing.T) {
	policy := DefaultPasswordPolicy()

	tests := []struct {
		name     string
		password string
		reasons  int
	}{
		{"acceptable", "CorrectHorse7!", 0},
		{"too short", "Short7!", 1},
		{"no uppercase", "correcthorse7!", 1},
		{"no digit", "CorrectHorse!!", 1},
		{"no special", "CorrectHorse77", 1},
		{"everything wrong", "abc", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, policy.Check(tt.password), tt.reasons)
		})
	}
}

func TestPasswordPolicy_CommonPasswords(t *testing.T) {
	policy := DefaultPasswordPolicy()

	reasons := policy.Check("Password12345")
	// Length, upper, and digit pass; the deny list and special-char rule fail.
	assert.Contains(t, reasons, "is a commonly used password")
}

func TestPasswordStrength(t *testing.T) {
	tests := []struct {
		password string
		want     int
	}{
		{"abc", 0},
		{"abcdefgh", 1},
		{"abcdefghijkl", 2},
		{"Abcdefghijk9", 3},
		{"Abcdefghijk9!", 4},
		// Common passwords always score zero.
		{"password123", 0},
		{"QWERTY123", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PasswordStrength(tt.password), "password %q", tt.password)
	}
}

func TestStrengthLabel(t *testing.T) {
	assert.Equal(t, "weak", StrengthLabel(0))
	assert.Equal(t, "weak", StrengthLabel(1))
	assert.Equal(t, "fair", StrengthLabel(2))
	assert.Equal(t, "good", StrengthLabel(3))
	assert.Equal(t, "strong", StrengthLabel(4))
}
