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
	"fmt"
	"strings"
	"time"
	"unicode"
)

// PasswordPolicy is the configurable password acceptance policy for user
// encryption keys.
type PasswordPolicy struct {
	MinLength        int
	RequireUppercase bool
	RequireDigit     bool
	RequireSpecial   bool
	PreventCommon    bool
	// MaxFailedAttempts failed validations lock the key for LockoutDuration.
	MaxFailedAttempts int
	LockoutDuration   time.Duration
}

// DefaultPasswordPolicy returns the policy defaults.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:         12,
		RequireUppercase:  true,
		RequireDigit:      true,
		RequireSpecial:    true,
		PreventCommon:     true,
		MaxFailedAttempts: 5,
		LockoutDuration:   15 * time.Minute,
	}
}

// commonPasswords is a deny-list of passwords seen at the top of public
// breach corpora. Matched case-insensitively.
var commonPasswords = map[string]struct{}{
	"password":      {},
	"password1":     {},
	"password123":   {},
	"passw0rd":      {},
	"123456":        {},
	"12345678":      {},
	"123456789":     {},
	"1234567890":    {},
	"qwerty":        {},
	"qwerty123":     {},
	"qwertyuiop":    {},
	"letmein":       {},
	"welcome":       {},
	"welcome1":      {},
	"admin":         {},
	"admin123":      {},
	"iloveyou":      {},
	"monkey":        {},
	"dragon":        {},
	"sunshine":      {},
	"princess":      {},
	"football":      {},
	"baseball":      {},
	"charlie":       {},
	"superman":      {},
	"trustno1":      {},
	"abc123":        {},
	"111111":        {},
	"password12345": {},
}

// Check validates a password against the policy and returns the list of
// violated rules, empty when the password is acceptable.
func (p PasswordPolicy) Check(password string) []string {
	var reasons []string

	if len(password) < p.MinLength {
		reasons = append(reasons, fmt.Sprintf("must be at least %d characters", p.MinLength))
	}

	var hasUpper, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			hasSpecial = true
		}
	}
	if p.RequireUppercase && !hasUpper {
		reasons = append(reasons, "must contain an uppercase letter")
	}
	if p.RequireDigit && !hasDigit {
		reasons = append(reasons, "must contain a digit")
	}
	if p.RequireSpecial && !hasSpecial {
		reasons = append(reasons, "must contain a special character")
	}

	if p.PreventCommon {
		if _, found := commonPasswords[strings.ToLower(password)]; found {
			reasons = append(reasons, "is a commonly used password")
		}
	}

	return reasons
}

// PasswordStrength scores a password on the 0-4 ladder from length and
// character-class diversity. Known common passwords score 0 regardless.
func PasswordStrength(password string) int {
	if _, found := commonPasswords[strings.ToLower(password)]; found {
		return 0
	}

	var hasLower, hasUpper, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSpecial = true
		}
	}
	classes := 0
	for _, ok := range []bool{hasLower, hasUpper, hasDigit, hasSpecial} {
		if ok {
			classes++
		}
	}

	score := 0
	if len(password) >= 8 {
		score++
	}
	if len(password) >= 12 {
		score++
	}
	if classes >= 3 {
		score++
	}
	if classes == 4 && len(password) >= 12 {
		score++
	}
	return score
}

// StrengthLabel maps a 0-4 strength score to its display label.
func StrengthLabel(score int) string {
	switch {
	case score <= 1:
		return "weak"
	case score == 2:
		return "fair"
	case score == 3:
		return "good"
	default:
		return "strong"
	}
}
