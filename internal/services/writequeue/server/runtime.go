// Package server wires the writequeue process: storage, breakers, replay
// transport, connectivity probe, dispatcher and the HTTP and gRPC health
// listeners.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/magickw/linkDAO-sub002/internal/platform/timeouts"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/api/httpapi"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/app"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/backoff"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/breaker"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/connectivity"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/queue"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/storage"
	writequeuesqlite "github.com/magickw/linkDAO-sub002/internal/services/writequeue/storage/sqlite"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/transport/httpreplay"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// RuntimeConfig controls writequeue startup, dependencies, and loop behavior.
type RuntimeConfig struct {
	HTTPAddr   string
	HealthPort int
	DBPath     string

	BackendURL string
	ProbeURL   string
	// Routes maps action kinds to backend paths, "kind=path" comma separated.
	Routes string

	PollInterval    time.Duration
	ProbeInterval   time.Duration
	DispatchTimeout time.Duration
	RetryBase       time.Duration
	RetryMax        time.Duration
	// LeaseTTL bounds a dispatch claim; it is raised to twice DispatchTimeout
	// when shorter.
	LeaseTTL time.Duration

	BreakerFailureRatio float64
	BreakerWindow       int
	BreakerMinSamples   int
	BreakerCooldown     time.Duration
	BreakerMaxCooldown  time.Duration

	SigningKey    string
	TokenIssuer   string
	TokenAudience string
}

const (
	defaultHTTPAddr      = ":8094"
	defaultHealthPort    = 8095
	defaultDBPath        = "data/writequeue.db"
	defaultProbeInterval = 5 * time.Second
	defaultPollInterval  = 2 * time.Second
)

// RuntimeHealthService is the gRPC health service name reporting whether the
// runtime finished startup.
const RuntimeHealthService = "writequeue.runtime"

func (c RuntimeConfig) normalized() RuntimeConfig {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		c.HTTPAddr = defaultHTTPAddr
	}
	if c.HealthPort <= 0 {
		c.HealthPort = defaultHealthPort
	}
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = defaultDBPath
	}
	c.BackendURL = strings.TrimRight(strings.TrimSpace(c.BackendURL), "/")
	if strings.TrimSpace(c.ProbeURL) == "" && c.BackendURL != "" {
		c.ProbeURL = c.BackendURL + "/up"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = defaultProbeInterval
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = timeouts.Dispatch
	}
	if c.LeaseTTL < 2*c.DispatchTimeout {
		c.LeaseTTL = 2 * c.DispatchTimeout
	}
	return c
}

// ParseRoutes parses "kind=path,kind=path".
func ParseRoutes(value string) (map[string]string, error) {
	routes := make(map[string]string)
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kind, path, ok := strings.Cut(entry, "=")
		kind, path = strings.TrimSpace(kind), strings.TrimSpace(path)
		if !ok || kind == "" || path == "" {
			return nil, fmt.Errorf("invalid route %q, want kind=path", entry)
		}
		if _, dup := routes[kind]; dup {
			return nil, fmt.Errorf("duplicate route for kind %q", kind)
		}
		routes[kind] = path
	}
	return routes, nil
}

// Run starts writequeue runtime dependencies and blocks until ctx is done.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.normalized()
	if cfg.BackendURL == "" {
		return fmt.Errorf("backend url is required")
	}
	routes, err := ParseRoutes(cfg.Routes)
	if err != nil {
		return err
	}
	if len(routes) == 0 {
		return fmt.Errorf("at least one action route is required")
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create writequeue storage dir: %w", err)
		}
	}
	db, err := writequeuesqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open writequeue sqlite store: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("close writequeue sqlite store: %v", closeErr)
		}
	}()

	store, err := queue.Open(ctx, queue.Config{
		Snapshots: db,
		Backoff:   backoff.Policy{Base: cfg.RetryBase, Max: cfg.RetryMax},
		LeaseTTL:  cfg.LeaseTTL,
	})
	if err != nil {
		return fmt.Errorf("open action queue: %w", err)
	}

	healthServer := health.NewServer()
	breakers := breaker.NewSet(breaker.Config{
		FailureRatio:  cfg.BreakerFailureRatio,
		Window:        cfg.BreakerWindow,
		MinSamples:    cfg.BreakerMinSamples,
		Cooldown:      cfg.BreakerCooldown,
		MaxCooldown:   cfg.BreakerMaxCooldown,
		OnStateChange: breakerHealthReporter(healthServer),
	})

	client := &httpreplay.Client{
		BaseURL: cfg.BackendURL,
		HTTP:    &http.Client{},
	}
	if key := strings.TrimSpace(cfg.SigningKey); key != "" {
		client.Signer = &httpreplay.Signer{Key: []byte(key), Issuer: cfg.TokenIssuer, Audience: cfg.TokenAudience}
	}
	registry := app.NewRegistry()
	kinds := make([]string, 0, len(routes))
	for kind := range routes {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		if err := registry.Register(kind, app.Handler{Replay: client.Replay(routes[kind]), Timeout: cfg.DispatchTimeout}); err != nil {
			return err
		}
		breakers.For(kind)
		healthServer.SetServingStatus(KindHealthService(kind), grpc_health_v1.HealthCheckResponse_SERVING)
	}

	conn := connectivity.NewSwitch(true)
	prober := &connectivity.Prober{
		Switch:   conn,
		Probe:    connectivity.HTTPProbe(nil, cfg.ProbeURL),
		Interval: cfg.ProbeInterval,
	}

	hub := app.NewHub(0, nil)
	submitter := app.NewSubmitter(store, registry, breakers, conn, hub, app.SubmitterConfig{})
	dispatcher := app.NewDispatcher(store, registry, breakers, conn, hub, newAttemptStoreRecorder(db), app.Config{
		PollInterval: cfg.PollInterval,
	})

	httpServer := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewHandler(httpapi.Deps{
			Service:  submitter,
			Queue:    store,
			Breakers: breakers,
			Attempts: db,
		}),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen on http addr %s: %w", cfg.HTTPAddr, err)
	}

	healthListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HealthPort))
	if err != nil {
		_ = httpListener.Close()
		return fmt.Errorf("listen on health port %d: %w", cfg.HealthPort, err)
	}
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(RuntimeHealthService, grpc_health_v1.HealthCheckResponse_SERVING)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("writequeue api listening at %v", httpListener.Addr())
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("writequeue health server listening at %v", healthListener.Addr())
		if err := grpcServer.Serve(healthListener); err != nil {
			return fmt.Errorf("serve grpc health: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return prober.Run(gctx)
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		healthServer.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Shutdown)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown http server: %v", err)
		}
		grpcServer.GracefulStop()
		return nil
	})
	return g.Wait()
}

// breakerHealthReporter mirrors each kind's breaker onto its gRPC health
// service: open is NOT_SERVING, closed and half-open are SERVING.
func breakerHealthReporter(healthServer *health.Server) func(name string, from, to breaker.State) {
	return func(name string, from, to breaker.State) {
		log.Printf("writequeue: breaker %s %s -> %s", name, from, to)
		status := grpc_health_v1.HealthCheckResponse_SERVING
		if to == breaker.StateOpen {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
		healthServer.SetServingStatus(KindHealthService(name), status)
	}
}

// KindHealthService names the gRPC health service tracking the breaker of
// one action kind. It is NOT_SERVING while that breaker is open.
func KindHealthService(kind string) string {
	return "writequeue.kind." + kind
}

type attemptStoreRecorder struct {
	store storage.AttemptStore
}

func newAttemptStoreRecorder(store storage.AttemptStore) *attemptStoreRecorder {
	return &attemptStoreRecorder{store: store}
}

func (r *attemptStoreRecorder) RecordAttempt(ctx context.Context, attempt app.Attempt) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.RecordAttempt(ctx, storage.AttemptRecord{
		ActionID:  attempt.ActionID,
		Kind:      attempt.Kind,
		Outcome:   canonicalOutcomeValue(attempt.Outcome),
		Attempt:   attempt.Attempt,
		LastError: attempt.Error,
		CreatedAt: attempt.CreatedAt,
	})
}

func canonicalOutcomeValue(outcome string) string {
	switch outcome {
	case app.AttemptSucceeded, app.AttemptRetry, app.AttemptExhausted, app.AttemptRejected,
		app.AttemptDeferred, app.AttemptReleased, app.AttemptDiscarded:
		return outcome
	default:
		return "unknown"
	}
}
