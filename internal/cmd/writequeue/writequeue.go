// Package writequeue parses writequeue command flags and launches the
// writequeue runtime.
package writequeue

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/magickw/linkDAO-sub002/internal/platform/cmd"
	writequeueserver "github.com/magickw/linkDAO-sub002/internal/services/writequeue/server"
)

// Config holds writequeue command configuration.
type Config struct {
	HTTPAddr   string `env:"LINKDAO_WRITEQUEUE_HTTP_ADDR" envDefault:":8094"`
	HealthPort int    `env:"LINKDAO_WRITEQUEUE_HEALTH_PORT" envDefault:"8095"`
	DBPath     string `env:"LINKDAO_WRITEQUEUE_DB_PATH" envDefault:"data/writequeue.db"`

	BackendURL string `env:"LINKDAO_WRITEQUEUE_BACKEND_URL" envDefault:"http://localhost:10000/api"`
	ProbeURL   string `env:"LINKDAO_WRITEQUEUE_PROBE_URL"`
	Routes     string `env:"LINKDAO_WRITEQUEUE_ROUTES" envDefault:"create-post=/posts,create-comment=/comments,update-profile=/profiles"`

	PollInterval    time.Duration `env:"LINKDAO_WRITEQUEUE_POLL_INTERVAL" envDefault:"2s"`
	ProbeInterval   time.Duration `env:"LINKDAO_WRITEQUEUE_PROBE_INTERVAL" envDefault:"5s"`
	DispatchTimeout time.Duration `env:"LINKDAO_WRITEQUEUE_DISPATCH_TIMEOUT" envDefault:"10s"`
	RetryBase       time.Duration `env:"LINKDAO_WRITEQUEUE_RETRY_BASE" envDefault:"1s"`
	RetryMax        time.Duration `env:"LINKDAO_WRITEQUEUE_RETRY_MAX" envDefault:"60s"`
	LeaseTTL        time.Duration `env:"LINKDAO_WRITEQUEUE_LEASE_TTL" envDefault:"60s"`

	BreakerFailureRatio float64       `env:"LINKDAO_WRITEQUEUE_BREAKER_FAILURE_RATIO" envDefault:"0.5"`
	BreakerWindow       int           `env:"LINKDAO_WRITEQUEUE_BREAKER_WINDOW" envDefault:"10"`
	BreakerMinSamples   int           `env:"LINKDAO_WRITEQUEUE_BREAKER_MIN_SAMPLES" envDefault:"5"`
	BreakerCooldown     time.Duration `env:"LINKDAO_WRITEQUEUE_BREAKER_COOLDOWN" envDefault:"30s"`
	BreakerMaxCooldown  time.Duration `env:"LINKDAO_WRITEQUEUE_BREAKER_MAX_COOLDOWN" envDefault:"5m"`

	SigningKey    string `env:"LINKDAO_WRITEQUEUE_SIGNING_KEY"`
	TokenIssuer   string `env:"LINKDAO_WRITEQUEUE_TOKEN_ISSUER" envDefault:"writequeue"`
	TokenAudience string `env:"LINKDAO_WRITEQUEUE_TOKEN_AUDIENCE" envDefault:"linkdao-api"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The writequeue HTTP API listen address")
	fs.IntVar(&cfg.HealthPort, "health-port", cfg.HealthPort, "The writequeue health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The writequeue SQLite database path")
	fs.StringVar(&cfg.BackendURL, "backend-url", cfg.BackendURL, "Base URL actions are replayed against")
	fs.StringVar(&cfg.ProbeURL, "probe-url", cfg.ProbeURL, "Connectivity probe URL (defaults to <backend-url>/up)")
	fs.StringVar(&cfg.Routes, "routes", cfg.Routes, "Action routes as kind=path pairs, comma separated")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Dispatcher poll interval")
	fs.DurationVar(&cfg.ProbeInterval, "probe-interval", cfg.ProbeInterval, "Connectivity probe interval")
	fs.DurationVar(&cfg.DispatchTimeout, "dispatch-timeout", cfg.DispatchTimeout, "Per-call timeout for replayed actions")
	fs.DurationVar(&cfg.RetryBase, "retry-base", cfg.RetryBase, "Base retry backoff delay")
	fs.DurationVar(&cfg.RetryMax, "retry-max", cfg.RetryMax, "Maximum retry delay")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "How long a dispatch claim holds before the action is reclaimed")
	fs.Float64Var(&cfg.BreakerFailureRatio, "breaker-failure-ratio", cfg.BreakerFailureRatio, "Failure ratio that trips a breaker")
	fs.IntVar(&cfg.BreakerWindow, "breaker-window", cfg.BreakerWindow, "Trailing outcomes considered by a breaker")
	fs.IntVar(&cfg.BreakerMinSamples, "breaker-min-samples", cfg.BreakerMinSamples, "Minimum outcomes before a breaker may trip")
	fs.DurationVar(&cfg.BreakerCooldown, "breaker-cooldown", cfg.BreakerCooldown, "Initial breaker open duration")
	fs.DurationVar(&cfg.BreakerMaxCooldown, "breaker-max-cooldown", cfg.BreakerMaxCooldown, "Maximum breaker open duration")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the writequeue runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceWriteQueue, func(ctx context.Context) error {
		return writequeueserver.Run(ctx, writequeueserver.RuntimeConfig{
			HTTPAddr:            cfg.HTTPAddr,
			HealthPort:          cfg.HealthPort,
			DBPath:              cfg.DBPath,
			BackendURL:          cfg.BackendURL,
			ProbeURL:            cfg.ProbeURL,
			Routes:              cfg.Routes,
			PollInterval:        cfg.PollInterval,
			ProbeInterval:       cfg.ProbeInterval,
			DispatchTimeout:     cfg.DispatchTimeout,
			RetryBase:           cfg.RetryBase,
			RetryMax:            cfg.RetryMax,
			LeaseTTL:            cfg.LeaseTTL,
			BreakerFailureRatio: cfg.BreakerFailureRatio,
			BreakerWindow:       cfg.BreakerWindow,
			BreakerMinSamples:   cfg.BreakerMinSamples,
			BreakerCooldown:     cfg.BreakerCooldown,
			BreakerMaxCooldown:  cfg.BreakerMaxCooldown,
			SigningKey:          cfg.SigningKey,
			TokenIssuer:         cfg.TokenIssuer,
			TokenAudience:       cfg.TokenAudience,
		})
	})
}
