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

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/workbenchlabs/sessiond/internal/api"
	"github.com/workbenchlabs/sessiond/internal/checkpoint"
	"github.com/workbenchlabs/sessiond/internal/keys"
	"github.com/workbenchlabs/sessiond/internal/recovery"
	"github.com/workbenchlabs/sessiond/internal/retention"
	"github.com/workbenchlabs/sessiond/internal/session"
	"github.com/workbenchlabs/sessiond/internal/store"
	storepg "github.com/workbenchlabs/sessiond/internal/store/postgres"
	"github.com/workbenchlabs/sessiond/pkg/logging"
	"github.com/workbenchlabs/sessiond/pkg/metrics"
)

// flags groups all CLI flags for the sessiond binary.
type flags struct {
	apiAddr         string
	healthAddr      string
	metricsAddr     string
	storeBackend    string
	postgresConn    string
	retentionPolicy string
	dryRun          bool
	schedulerOff    bool
	migrateOnly     bool
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.apiAddr, "api-addr", ":8080", "API server listen address")
	flag.StringVar(&f.healthAddr, "health-addr", ":8081", "Health probe listen address")
	flag.StringVar(&f.metricsAddr, "metrics-addr", ":9090", "Metrics server listen address")
	flag.StringVar(&f.storeBackend, "store", "postgres", "Storage backend (postgres, memory)")
	flag.StringVar(&f.postgresConn, "postgres-conn", "", "Postgres connection string")
	flag.StringVar(&f.retentionPolicy, "retention-policy", "", "Path to retention policy YAML")
	flag.BoolVar(&f.dryRun, "dry-run", false, "Retention runs report without deleting")
	flag.BoolVar(&f.schedulerOff, "no-scheduler", false, "Disable the retention scheduler")
	flag.BoolVar(&f.migrateOnly, "migrate-only", false, "Run database migrations and exit")
	flag.Parse()

	f.applyEnvFallbacks()
	return f
}

// applyEnvFallbacks applies environment variable overrides to flag defaults.
func (f *flags) applyEnvFallbacks() {
	envFallback(&f.postgresConn, "", "POSTGRES_CONN")
	envFallback(&f.retentionPolicy, "", "RETENTION_POLICY")
	envFallback(&f.storeBackend, "postgres", "STORE_BACKEND")
	envFallback(&f.apiAddr, ":8080", "API_ADDR")
	envFallback(&f.healthAddr, ":8081", "HEALTH_ADDR")
	envFallback(&f.metricsAddr, ":9090", "METRICS_ADDR")

	envBoolFallback(&f.dryRun, "RETENTION_DRY_RUN")
	envBoolFallback(&f.schedulerOff, "SCHEDULER_DISABLED")
}

// envFallback sets *dst from the environment variable envKey when *dst still
// equals the default value and the environment variable is non-empty.
func envFallback(dst *string, defaultVal, envKey string) {
	if *dst == defaultVal {
		if v := os.Getenv(envKey); v != "" {
			*dst = v
		}
	}
}

// envBoolFallback enables a boolean flag from an environment variable when the
// flag is still false and the env var is "true".
func envBoolFallback(dst *bool, envKey string) {
	if !*dst && os.Getenv(envKey) == "true" {
		*dst = true
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()

	// --- Logger ---
	log, syncLog, err := logging.NewLogger()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer syncLog()

	if f.migrateOnly {
		if f.postgresConn == "" {
			return fmt.Errorf("--postgres-conn or POSTGRES_CONN is required")
		}
		if err := runMigrations(f.postgresConn, log); err != nil {
			return err
		}
		log.Info("migrations complete")
		return nil
	}

	// --- Signal context ---
	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	// --- Store ---
	st, ping, err := initStore(ctx, f, log)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	// --- Retention policy ---
	policy, err := loadPolicy(f, log)
	if err != nil {
		return err
	}

	// --- Engines ---
	rec := recovery.NewEngine(log)
	sessions := session.NewEngine(st, rec, log, session.DefaultConfig())
	checkpoints := checkpoint.NewEngine(st, log, checkpoint.DefaultConfig())
	keyManager := keys.NewManager(st, log)

	retMetrics := metrics.NewRetentionMetrics()
	retEngine := retention.NewEngine(st, policy, retMetrics, log)

	// --- Retention scheduler ---
	if !f.schedulerOff {
		scheduler := retention.NewScheduler(retEngine, keyManager, st, policy, log)
		if err := scheduler.Start(ctx); err != nil {
			return fmt.Errorf("starting retention scheduler: %w", err)
		}
		defer scheduler.Stop()
	}

	// --- Build API mux ---
	httpMetrics := api.NewHTTPMetrics(nil)
	httpMetrics.Initialize()

	handler := api.NewHandler(sessions, checkpoints, keyManager, rec, retEngine, log)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	apiHandler := api.RequestIDMiddleware(api.MetricsMiddleware(httpMetrics, mux))

	// --- Servers ---
	healthSrv := newHealthServer(f.healthAddr, ping)
	metricsSrv := newMetricsServer(f.metricsAddr)
	apiSrv := &http.Server{Addr: f.apiAddr, Handler: apiHandler}

	startHTTPServer(log, "health", f.healthAddr, healthSrv)
	startHTTPServer(log, "metrics", f.metricsAddr, metricsSrv)
	startHTTPServer(log, "session API", f.apiAddr, apiSrv)

	log.Info("sessiond ready",
		"api", f.apiAddr,
		"health", f.healthAddr,
		"metrics", f.metricsAddr,
		"store", f.storeBackend,
		"scheduler", !f.schedulerOff,
	)

	// --- Wait for shutdown ---
	<-ctx.Done()
	log.Info("shutting down")

	shutdownServers(log, apiSrv, healthSrv, metricsSrv)
	return nil
}

// initStore creates the configured storage backend, running migrations for
// postgres. The returned ping function is nil for backends without a
// connectivity probe.
func initStore(ctx context.Context, f *flags, log logr.Logger) (store.Store, func(context.Context) error, error) {
	switch f.storeBackend {
	case "memory":
		log.Info("using in-memory store; data will not survive a restart")
		return store.NewMemoryStore(), nil, nil

	case "postgres":
		if f.postgresConn == "" {
			return nil, nil, fmt.Errorf("--postgres-conn or POSTGRES_CONN is required")
		}
		if err := runMigrations(f.postgresConn, log); err != nil {
			return nil, nil, err
		}
		log.V(1).Info("migrations complete")

		cfg := storepg.DefaultConfig(f.postgresConn)
		cfg.MaxConns = envInt32("PG_MAX_CONNS", cfg.MaxConns)
		cfg.MinConns = envInt32("PG_MIN_CONNS", cfg.MinConns)
		cfg.MaxConnLifetime = envDuration("PG_MAX_CONN_LIFETIME", cfg.MaxConnLifetime)
		cfg.MaxConnIdleTime = envDuration("PG_MAX_CONN_IDLE_TIME", cfg.MaxConnIdleTime)

		provider, err := storepg.New(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("creating postgres store: %w", err)
		}
		if err := provider.Ping(ctx); err != nil {
			_ = provider.Close()
			return nil, nil, fmt.Errorf("pinging postgres: %w", err)
		}
		log.V(1).Info("postgres store created",
			"maxConns", cfg.MaxConns, "minConns", cfg.MinConns)
		return provider, provider.Ping, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", f.storeBackend)
	}
}

// loadPolicy reads the retention policy file, falling back to defaults when no
// path is given. The dry-run flag overrides the file.
func loadPolicy(f *flags, log logr.Logger) (retention.Policy, error) {
	policy := retention.DefaultPolicy()
	if f.retentionPolicy != "" {
		p, err := retention.LoadPolicy(f.retentionPolicy)
		if err != nil {
			return policy, err
		}
		policy = p
		log.V(1).Info("retention policy loaded", "path", f.retentionPolicy)
	}
	if f.dryRun {
		policy.DryRun = true
	}
	return policy, nil
}

// runMigrations applies database schema migrations.
func runMigrations(connStr string, log logr.Logger) error {
	migrator, err := storepg.NewMigrator(connStr, log)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		return fmt.Errorf("running migrations: %w", err)
	}
	_ = migrator.Close()
	return nil
}

// startHTTPServer starts an HTTP server in a background goroutine.
func startHTTPServer(log logr.Logger, name, addr string, srv *http.Server) {
	go func() {
		log.Info("starting server", "server", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "server error", "server", name)
		}
	}()
}

// shutdownServers gracefully stops all servers with a 30-second timeout.
func shutdownServers(log logr.Logger, apiSrv, healthSrv, metricsSrv *http.Server) {
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()

	for _, s := range []struct {
		name string
		srv  *http.Server
	}{
		{"metrics", metricsSrv},
		{"API", apiSrv},
		{"health", healthSrv},
	} {
		if err := s.srv.Shutdown(shutCtx); err != nil {
			log.Error(err, "server shutdown error", "server", s.name)
		}
	}
}

// newMetricsServer creates a dedicated HTTP server for Prometheus metrics.
func newMetricsServer(addr string) *http.Server {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: metricsMux}
}

// newHealthServer creates an HTTP server for health and readiness probes.
// A nil ping function reports ready unconditionally.
func newHealthServer(addr string, ping func(context.Context) error) *http.Server {
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	healthMux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			if err := ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("store unavailable"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: healthMux}
}

// envInt32 reads an environment variable as int32, returning def on missing/invalid values.
func envInt32(key string, def int32) int32 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return def
	}
	return int32(n)
}

// envDuration reads an environment variable as a time.Duration, returning def on missing/invalid.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
