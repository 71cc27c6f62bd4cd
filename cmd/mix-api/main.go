package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/hopmix/internal/config"
	"github.com/juno-intents/hopmix/internal/metrics"
	"github.com/juno-intents/hopmix/internal/mix"
	mixpg "github.com/juno-intents/hopmix/internal/mix/postgres"
	"github.com/juno-intents/hopmix/internal/mixapi"
	"github.com/juno-intents/hopmix/internal/mixevent"
	"github.com/juno-intents/hopmix/internal/mixnode"
	"github.com/juno-intents/hopmix/internal/mixservice"
	"github.com/juno-intents/hopmix/internal/queue"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional config file (toml|yaml|json); MIXER_* env vars override")
		listenAddr = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")

		storeDriver = flag.String("store-driver", "postgres", "mix store driver: postgres|memory")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required when --store-driver=postgres)")
		awsSecrets  = flag.Bool("aws-secrets", false, "resolve aws: wallet key references through AWS Secrets Manager")

		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "event queue driver: kafka|stdio")
		queueBrokers = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka when --events-topic is set)")
		eventsTopic  = flag.String("events-topic", "", "optional topic for mix lifecycle events")

		rateLimitMaxIPs   = flag.Int("rate-limit-max-tracked-ips", 10_000, "maximum client IPs tracked by the rate limiter")
		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "HTTP read header timeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "HTTP read timeout")
		writeTimeout      = flag.Duration("write-timeout", 30*time.Second, "HTTP write timeout")
		idleTimeout       = flag.Duration("idle-timeout", 2*time.Minute, "HTTP idle timeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: --rate-limit-max-tracked-ips must be > 0")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: HTTP timeouts must be > 0")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, *storeDriver, *postgresDSN)
	if err != nil {
		log.Error("init mix store", "err", err)
		os.Exit(2)
	}
	defer closeStore()

	sp, err := mixnode.Secrets(ctx, *awsSecrets)
	if err != nil {
		log.Error("init secrets", "err", err)
		os.Exit(2)
	}

	m := metrics.New()
	node, err := mixnode.Build(ctx, cfg, sp, m, log)
	if err != nil {
		log.Error("init mix node", "err", err)
		os.Exit(1)
	}
	defer node.Close()

	svc, err := mixservice.New(mixservice.Config{
		Fees:            node.Fees,
		Chains:          cfg.Enabled(),
		MaxDelayMinutes: cfg.API.MaxDelayMinutes,
		VerifyDeposits:  cfg.API.VerifyDeposits,
	}, store, node.Pool, node.Planner, node.Router, log)
	if err != nil {
		log.Error("init mix service", "err", err)
		os.Exit(2)
	}
	svc.WithMetrics(m)

	if strings.TrimSpace(*eventsTopic) != "" {
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
		})
		if err != nil {
			log.Error("init event producer", "err", err)
			os.Exit(2)
		}
		defer func() { _ = producer.Close() }()
		pub, err := mixevent.NewPublisher(producer, *eventsTopic, log)
		if err != nil {
			log.Error("init event publisher", "err", err)
			os.Exit(2)
		}
		svc.WithEvents(pub)
	}

	handler, err := mixapi.NewHandler(mixapi.Config{
		RateLimitPerIPPerSecond: cfg.API.RateLimit,
		RateLimitBurst:          cfg.API.RateBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Metrics:                 m,
	}, svc, log)
	if err != nil {
		log.Error("init handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("mix api listening", "addr", *listenAddr, "store_driver", *storeDriver, "chains", cfg.Enabled())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "err", err)
	}
}

func openStore(ctx context.Context, driver, dsn string) (mix.Store, func(), error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "memory":
		return mix.NewMemoryStore(nil), func() {}, nil
	case "postgres", "":
		if strings.TrimSpace(dsn) == "" {
			return nil, nil, fmt.Errorf("--postgres-dsn is required for postgres store driver")
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("init pgx pool: %w", err)
		}
		s, err := mixpg.New(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return s, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}
