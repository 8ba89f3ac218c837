package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/callbridge/pkg/authtoken"
	"github.com/harunnryd/callbridge/pkg/bridge"
	"github.com/harunnryd/callbridge/pkg/config"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/ratelimit"
	"github.com/harunnryd/callbridge/pkg/realtime"
	"github.com/harunnryd/callbridge/pkg/redact"
	"github.com/harunnryd/callbridge/pkg/resilience"
	"github.com/harunnryd/callbridge/pkg/runner"
	"github.com/harunnryd/callbridge/pkg/server"
	"github.com/harunnryd/callbridge/pkg/transports/twilio"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	logger := logging.InitLogger(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	redact.SetEnabled(cfg.Privacy.RedactPII)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("callbridge_exit", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	key, err := authtoken.ParseKey(cfg.AuthKey)
	if err != nil {
		return err
	}
	codec, err := authtoken.NewCodec(key, authtoken.WithTTL(cfg.TokenTTL))
	if err != nil {
		return err
	}

	m := metrics.New(cfg.Metrics.Namespace, prometheus.NewRegistry())

	store, closeStore, err := openStore(ctx, cfg.RateLimit)
	if err != nil {
		return err
	}
	defer closeStore()
	limiter := ratelimit.New(store,
		ratelimit.WithBreaker(resilience.NewCircuitBreaker(cfg.RateLimit.BreakerThreshold, cfg.RateLimit.BreakerCooldown)),
		ratelimit.WithTimeout(cfg.RateLimit.Timeout),
		ratelimit.WithLogger(logging.NewComponentLogger(logger, "ratelimit")),
		ratelimit.WithMetrics(m),
	)

	issue := func() (string, error) { return codec.Issue(authtoken.ContextTelephony) }
	srv := server.New(cfg.Server, cfg.Session, server.Deps{
		Codec:     codec,
		Limiter:   limiter,
		Upstreams: realtime.NewFactory(cfg.Realtime, logging.NewComponentLogger(logger, "realtime")),
		Webhooks:  twilio.NewWebhooks(cfg.Twilio, issue, logging.NewComponentLogger(logger, "twilio")),
		Registry:  bridge.NewRegistry(),
		Metrics:   m,
		Logger:    logging.NewComponentLogger(logger, "server"),
	})

	r := runner.NewLifecycleRunner(srv, runner.Hooks{
		OnStart: func(ctx context.Context) error {
			if err := srv.Start(ctx); err != nil {
				return err
			}
			logger.Info("callbridge_ready", "fields", srv.ReadyFields())
			return nil
		},
		OnStop: func() { logger.Info("callbridge_stopped") },
	}, cfg.Session.DrainFallback)
	return r.Run(ctx)
}

// openStore returns the configured limiter store and its release func.
func openStore(ctx context.Context, cfg config.RateLimitConfig) (ratelimit.Store, func(), error) {
	switch cfg.Store {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return ratelimit.NewRedisStore(client, cfg.Redis.Prefix), func() { _ = client.Close() }, nil
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		store := ratelimit.NewPostgresStore(pool, cfg.Postgres.IdleGrace)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres migrate: %w", err)
		}
		return store, pool.Close, nil
	default:
		return ratelimit.NewLocalStore(cfg.Local), func() {}, nil
	}
}
