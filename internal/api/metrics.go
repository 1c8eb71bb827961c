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

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric name constants.
const (
	metricRequestDuration = "sessiond_api_request_duration_seconds"
	metricRequestsTotal   = "sessiond_api_requests_total"
	metricRecoveries      = "sessiond_api_recoveries_total"
)

// DefaultHTTPDurationBuckets are histogram buckets for HTTP request durations.
var DefaultHTTPDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// HTTPMetrics holds Prometheus metrics for the HTTP layer.
type HTTPMetrics struct {
	// RequestDuration tracks HTTP request duration in seconds by method,
	// route, and status code.
	RequestDuration *prometheus.HistogramVec

	// RequestsTotal counts HTTP requests by method, route, and status code.
	RequestsTotal *prometheus.CounterVec

	// RecoveriesTotal counts state recovery attempts by outcome.
	RecoveriesTotal *prometheus.CounterVec
}

// HTTPMetricsConfig configures the HTTP metrics.
type HTTPMetricsConfig struct {
	DurationBuckets []float64
}

// NewHTTPMetrics creates and registers HTTP metrics on the default registry.
func NewHTTPMetrics(cfg *HTTPMetricsConfig) *HTTPMetrics {
	var buckets []float64
	if cfg != nil && cfg.DurationBuckets != nil {
		buckets = cfg.DurationBuckets
	} else {
		buckets = DefaultHTTPDurationBuckets
	}

	return &HTTPMetrics{
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricRequestDuration,
			Help:    "HTTP request duration in seconds",
			Buckets: buckets,
		}, []string{"method", "route", "status_code"}),

		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: metricRequestsTotal,
			Help: "Total HTTP requests by method, route, and status code",
		}, []string{"method", "route", "status_code"}),

		RecoveriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: metricRecoveries,
			Help: "State recovery attempts by outcome",
		}, []string{"outcome"}),
	}
}

// NewHTTPMetricsWithRegistry creates HTTP metrics on an isolated registry.
func NewHTTPMetricsWithRegistry(reg *prometheus.Registry) *HTTPMetrics {
	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    metricRequestDuration,
		Help:    "HTTP request duration in seconds",
		Buckets: DefaultHTTPDurationBuckets,
	}, []string{"method", "route", "status_code"})
	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricRequestsTotal,
		Help: "Total HTTP requests by method, route, and status code",
	}, []string{"method", "route", "status_code"})
	recoveriesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricRecoveries,
		Help: "State recovery attempts by outcome",
	}, []string{"outcome"})

	reg.MustRegister(requestDuration, requestsTotal, recoveriesTotal)
	return &HTTPMetrics{
		RequestDuration: requestDuration,
		RequestsTotal:   requestsTotal,
		RecoveriesTotal: recoveriesTotal,
	}
}

// Initialize pre-registers label combinations so they appear in /metrics at
// startup.
func (m *HTTPMetrics) Initialize() {
	for _, outcome := range []string{"recovered", "unrecoverable"} {
		m.RecoveriesTotal.WithLabelValues(outcome).Add(0)
	}
}

// statusCapture wraps http.ResponseWriter to capture the status code.
type statusCapture struct {
	http.ResponseWriter
	code int
}

func (s *statusCapture) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware returns HTTP middleware that records request metrics.
func MetricsMiddleware(m *HTTPMetrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sc := &statusCapture{ResponseWriter: w, code: http.StatusOK}

		next.ServeHTTP(sc, r)

		duration := time.Since(start).Seconds()
		route := normalizeRoute(r)
		status := strconv.Itoa(sc.code)

		m.RequestDuration.WithLabelValues(r.Method, route, status).Observe(duration)
		m.RequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

// normalizeRoute extracts a low-cardinality route label from the request.
func normalizeRoute(r *http.Request) string {
	if pat := r.Pattern; pat != "" {
		return pat
	}
	return r.URL.Path
}
