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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RetentionMetrics holds Prometheus metrics for retention cleanup runs and
// scheduled key rotation.
type RetentionMetrics struct {
	// RunDurationSeconds tracks the total duration of a cleanup run.
	RunDurationSeconds prometheus.Histogram
	// SessionsDeletedTotal counts deleted sessions by category
	// (expired, inactive).
	SessionsDeletedTotal *prometheus.CounterVec
	// CheckpointsDeletedTotal counts checkpoints removed by cleanup.
	CheckpointsDeletedTotal prometheus.Counter
	// SpaceFreedBytesTotal sums payload bytes reclaimed by cleanup.
	SpaceFreedBytesTotal prometheus.Counter
	// KeysRotatedTotal counts automatic key deactivations and rotations.
	KeysRotatedTotal prometheus.Counter
	// ErrorsTotal counts errors by operation.
	ErrorsTotal *prometheus.CounterVec
	// LastRunTimestamp records the timestamp of the last cleanup run.
	LastRunTimestamp prometheus.Gauge
}

// NewRetentionMetrics creates and registers retention metrics on the default
// registry.
func NewRetentionMetrics() *RetentionMetrics {
	return &RetentionMetrics{
		RunDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sessiond_retention_run_duration_seconds",
			Help:    "Duration of a retention cleanup run in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		SessionsDeletedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiond_retention_sessions_deleted_total",
			Help: "Total number of sessions deleted by cleanup, by category",
		}, []string{"category"}),
		CheckpointsDeletedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sessiond_retention_checkpoints_deleted_total",
			Help: "Total number of checkpoints deleted by cleanup",
		}),
		SpaceFreedBytesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sessiond_retention_space_freed_bytes_total",
			Help: "Total payload bytes reclaimed by cleanup",
		}),
		KeysRotatedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sessiond_retention_keys_rotated_total",
			Help: "Total number of encryption keys deactivated or rotated by the scheduler",
		}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiond_retention_errors_total",
			Help: "Total number of retention errors by operation",
		}, []string{"operation"}),
		LastRunTimestamp: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sessiond_retention_last_run_timestamp",
			Help: "Unix timestamp of the last cleanup run",
		}),
	}
}

// NewRetentionMetricsWithRegistry creates retention metrics on an isolated
// registry. Use for tests and one-shot cleanup binaries.
func NewRetentionMetricsWithRegistry(reg *prometheus.Registry) *RetentionMetrics {
	runDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sessiond_retention_run_duration_seconds",
		Help:    "Duration of a retention cleanup run in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	sessionsDeleted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiond_retention_sessions_deleted_total",
		Help: "Total number of sessions deleted by cleanup, by category",
	}, []string{"category"})
	checkpointsDeleted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessiond_retention_checkpoints_deleted_total",
		Help: "Total number of checkpoints deleted by cleanup",
	})
	spaceFreed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessiond_retention_space_freed_bytes_total",
		Help: "Total payload bytes reclaimed by cleanup",
	})
	keysRotated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessiond_retention_keys_rotated_total",
		Help: "Total number of encryption keys deactivated or rotated by the scheduler",
	})
	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiond_retention_errors_total",
		Help: "Total number of retention errors by operation",
	}, []string{"operation"})
	lastRun := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sessiond_retention_last_run_timestamp",
		Help: "Unix timestamp of the last cleanup run",
	})

	reg.MustRegister(runDuration, sessionsDeleted, checkpointsDeleted,
		spaceFreed, keysRotated, errorsTotal, lastRun)

	return &RetentionMetrics{
		RunDurationSeconds:      runDuration,
		SessionsDeletedTotal:    sessionsDeleted,
		CheckpointsDeletedTotal: checkpointsDeleted,
		SpaceFreedBytesTotal:    spaceFreed,
		KeysRotatedTotal:        keysRotated,
		ErrorsTotal:             errorsTotal,
		LastRunTimestamp:        lastRun,
	}
}

// RecordDuration observes a cleanup run duration.
func (m *RetentionMetrics) RecordDuration(d time.Duration) {
	m.RunDurationSeconds.Observe(d.Seconds())
}

// RecordSessionsDeleted adds n to the deleted counter for a category.
func (m *RetentionMetrics) RecordSessionsDeleted(category string, n int64) {
	m.SessionsDeletedTotal.WithLabelValues(category).Add(float64(n))
}

// RecordCheckpointsDeleted adds n to the checkpoint counter.
func (m *RetentionMetrics) RecordCheckpointsDeleted(n int64) {
	m.CheckpointsDeletedTotal.Add(float64(n))
}

// RecordSpaceFreed adds reclaimed payload bytes.
func (m *RetentionMetrics) RecordSpaceFreed(bytes int64) {
	m.SpaceFreedBytesTotal.Add(float64(bytes))
}

// RecordKeyRotated increments the rotation counter.
func (m *RetentionMetrics) RecordKeyRotated() {
	m.KeysRotatedTotal.Inc()
}

// RecordError increments the error counter for the given operation.
func (m *RetentionMetrics) RecordError(operation string) {
	m.ErrorsTotal.WithLabelValues(operation).Inc()
}

// RecordLastRun sets the last run timestamp to now.
func (m *RetentionMetrics) RecordLastRun() {
	m.LastRunTimestamp.SetToCurrentTime()
}
