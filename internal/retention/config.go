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

package retention

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy defaults.
const (
	defaultAutoSavedDays  = 30
	defaultCheckpointDays = 90
	defaultInactiveDays   = 7
	defaultBatchSize      = 1000
)

// Policy is the retention policy read from a YAML file or built in code.
type Policy struct {
	// CleanupSchedule and RotationSchedule are cron expressions.
	CleanupSchedule  string `yaml:"cleanupSchedule"`
	RotationSchedule string `yaml:"rotationSchedule"`

	// AutoSavedDays is the grace period past a session's expiry before it
	// is purged, CheckpointDays bounds checkpoint age, InactiveDays bounds
	// sessions without recent saves.
	AutoSavedDays  int `yaml:"autoSavedDays"`
	CheckpointDays int `yaml:"checkpointDays"`
	InactiveDays   int `yaml:"inactiveDays"`

	BatchSize int `yaml:"batchSize"`

	// DryRun logs what would be deleted without deleting.
	DryRun bool `yaml:"dryRun"`

	// RotationEnabled turns the scheduled key scan on.
	RotationEnabled bool `yaml:"rotationEnabled"`
	// MaxJitter spreads scheduled runs to avoid thundering herds across
	// replicas.
	MaxJitter time.Duration `yaml:"maxJitter"`
}

// DefaultPolicy returns the built-in retention policy: nightly cleanup,
// rotation scan half an hour later.
func DefaultPolicy() Policy {
	return Policy{
		CleanupSchedule:  "0 3 * * *",
		RotationSchedule: "30 3 * * *",
		AutoSavedDays:    defaultAutoSavedDays,
		CheckpointDays:   defaultCheckpointDays,
		InactiveDays:     defaultInactiveDays,
		BatchSize:        defaultBatchSize,
		RotationEnabled:  true,
		MaxJitter:        5 * time.Minute,
	}
}

// LoadPolicy reads a retention policy YAML file, filling omitted fields with
// the defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("reading retention policy: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parsing retention policy: %w", err)
	}
	return p.normalized(), nil
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.AutoSavedDays <= 0 {
		p.AutoSavedDays = d.AutoSavedDays
	}
	if p.CheckpointDays <= 0 {
		p.CheckpointDays = d.CheckpointDays
	}
	if p.InactiveDays <= 0 {
		p.InactiveDays = d.InactiveDays
	}
	if p.BatchSize <= 0 {
		p.BatchSize = d.BatchSize
	}
	return p
}

// AutoSavedCutoff returns the expiry time before which auto-saved sessions
// are purged. Sessions keep a grace period past their expiry so a returning
// user can still resume.
func (p Policy) AutoSavedCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.AutoSavedDays)
}

// CheckpointCutoff returns the creation time before which checkpoints are
// purged.
func (p Policy) CheckpointCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.CheckpointDays)
}

// InactiveCutoff returns the last-saved time before which inactive sessions
// are purged.
func (p Policy) InactiveCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.InactiveDays)
}
