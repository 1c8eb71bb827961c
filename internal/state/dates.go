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
	"regexp"
	"time"
)

// Typed fields carry dates on the wire as time.Time. The opaque
// workspaceConfig and metadata mappings cannot, so legacy payloads store them
// as ISO-8601 strings. reviveDates is the compatibility shim that turns those
// strings back into time values on read; it is applied only to the opaque
// mappings, never to typed fields.
var isoDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d{3})?Z$`)

// reviveDates walks a decoded mapping and converts strings matching the
// ISO-8601 UTC pattern (optional milliseconds) into time.Time values.
func reviveDates(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	for k, v := range m {
		m[k] = reviveValue(v)
	}
	return m
}

func reviveValue(v any) any {
	switch val := v.(type) {
	case string:
		if isoDatePattern.MatchString(val) {
			if t, err := time.Parse(time.RFC3339, val); err == nil {
				return t
			}
		}
		return val
	case map[string]any:
		return reviveDates(val)
	case []any:
		for i, item := range val {
			val[i] = reviveValue(item)
		}
		return val
	default:
		return v
	}
}
