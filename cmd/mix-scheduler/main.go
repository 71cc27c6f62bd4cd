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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/hopmix/internal/blobstore"
	"github.com/juno-intents/hopmix/internal/config"
	"github.com/juno-intents/hopmix/internal/intervention"
	"github.com/juno-intents/hopmix/internal/leases"
	leasespg "github.com/juno-intents/hopmix/internal/leases/postgres"
	"github.com/juno-intents/hopmix/internal/metrics"
	"github.com/juno-intents/hopmix/internal/mix"
	mixpg "github.com/juno-intents/hopmix/internal/mix/postgres"
	"github.com/juno-intents/hopmix/internal/mixevent"
	"github.com/juno-intents/hopmix/internal/mixnode"
	"github.com/juno-intents/hopmix/internal/mixscheduler"
	"github.com/juno-intents/hopmix/internal/mixservice"
	"github.com/juno-intents/hopmix/internal/queue"
	"github.com/robfig/cron/v3"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional config file (toml|yaml|json); MIXER_* env vars override")
		owner      = flag.String("owner", "", "unique instance identity for request claims and the leader lease (default: hostname-pid)")

		storeDriver = flag.String("store-driver", "postgres", "mix store and lease driver: postgres|memory")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required when --store-driver=postgres)")
		awsSecrets  = flag.Bool("aws-secrets", false, "resolve aws: wallet key references through AWS Secrets Manager")

		blobDriver  = flag.String("blob-driver", "none", "hop receipt store: s3|memory|none")
		blobBucket  = flag.String("blob-bucket", "", "S3 bucket for hop receipts (required for s3)")
		blobPrefix  = flag.String("blob-prefix", "", "optional key prefix for hop receipts")
		blobMaxSize = flag.Int64("blob-max-get-size", 1<<20, "maximum hop receipt size read back (bytes)")

		queueDriver       = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers      = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		eventsTopic       = flag.String("events-topic", "", "optional topic for mix lifecycle events")
		depositTopic      = flag.String("deposit-topic", "", "optional topic carrying deposit confirmations")
		depositGroup      = flag.String("deposit-group", "mix-scheduler", "consumer group for --deposit-topic (required for kafka)")
		queueMaxBytes     = flag.Int("queue-max-bytes", 1<<20, "maximum kafka message size for consumer reads (bytes)")
		maxLineBytes      = flag.Int("max-line-bytes", 1<<20, "maximum stdin line size for stdio driver (bytes)")
		ackTimeout        = flag.Duration("queue-ack-timeout", 5*time.Second, "timeout for queue message acknowledgements")
		confirmTimeout    = flag.Duration("confirm-timeout", 30*time.Second, "per-message timeout for deposit confirmations")
		metricsListenAddr = flag.String("metrics-listen", "", "optional listen address serving GET /metrics")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *queueMaxBytes <= 0 || *maxLineBytes <= 0 || *blobMaxSize <= 0 {
		fmt.Fprintln(os.Stderr, "error: --queue-max-bytes, --max-line-bytes, and --blob-max-get-size must be > 0")
		os.Exit(2)
	}
	if *ackTimeout <= 0 || *confirmTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --queue-ack-timeout and --confirm-timeout must be > 0")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if strings.TrimSpace(*owner) == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "mix-scheduler"
		}
		*owner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store      mix.Store
		leaseStore leases.Store
	)
	switch strings.ToLower(strings.TrimSpace(*storeDriver)) {
	case "memory":
		store = mix.NewMemoryStore(nil)
		leaseStore = leases.NewMemoryStore(nil)
	case "postgres":
		if strings.TrimSpace(*postgresDSN) == "" {
			fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required for --store-driver=postgres")
			os.Exit(2)
		}
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		ms, err := mixpg.New(pool)
		if err != nil {
			log.Error("init mix store", "err", err)
			os.Exit(2)
		}
		if err := ms.EnsureSchema(ctx); err != nil {
			log.Error("ensure mix schema", "err", err)
			os.Exit(2)
		}
		ls, err := leasespg.New(pool)
		if err != nil {
			log.Error("init lease store", "err", err)
			os.Exit(2)
		}
		if err := ls.EnsureSchema(ctx); err != nil {
			log.Error("ensure lease schema", "err", err)
			os.Exit(2)
		}
		store, leaseStore = ms, ls
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --store-driver %q\n", *storeDriver)
		os.Exit(2)
	}

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

	var events *mixevent.Publisher
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
		events, err = mixevent.NewPublisher(producer, *eventsTopic, log)
		if err != nil {
			log.Error("init event publisher", "err", err)
			os.Exit(2)
		}
	}

	leader, err := mixscheduler.NewLeaderElector(leaseStore, cfg.Scheduler.LeaseName, *owner, cfg.Scheduler.LeaseTTL)
	if err != nil {
		log.Error("init leader elector", "err", err)
		os.Exit(2)
	}

	sched, err := mixscheduler.New(mixscheduler.Config{
		Owner:        *owner,
		Interval:     cfg.Scheduler.Interval,
		BatchSize:    cfg.Scheduler.BatchSize,
		ClaimTTL:     cfg.Scheduler.ClaimTTL,
		HopTimeout:   cfg.Scheduler.HopTimeout,
		FeeAddresses: node.FeeAddresses(),
	}, store, node.Planner, node.Pool, node.Router, log)
	if err != nil {
		log.Error("init scheduler", "err", err)
		os.Exit(2)
	}
	sched.WithLeaderElector(leader).WithMetrics(m)
	if events != nil {
		sched.WithEvents(events)
	}

	blobs, err := newBlobStore(ctx, *blobDriver, *blobBucket, *blobPrefix, *blobMaxSize)
	if err != nil {
		log.Error("init blobstore", "err", err)
		os.Exit(2)
	}
	if blobs != nil {
		sched.WithBlobStore(blobs)
	}

	sweeper, err := intervention.New(intervention.Config{}, store, log)
	if err != nil {
		log.Error("init sweeper", "err", err)
		os.Exit(2)
	}
	sweeper.WithBalances(node.Router).WithMetrics(m)
	if events != nil {
		sweeper.WithEvents(events)
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(cfg.Scheduler.SweepSchedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if _, err := sweeper.Sweep(sweepCtx); err != nil {
			log.Error("stranded funds sweep", "err", err)
		}
	}); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid sweep schedule %q: %v\n", cfg.Scheduler.SweepSchedule, err)
		os.Exit(2)
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	if *metricsListenAddr != "" {
		srv := &http.Server{
			Addr:              *metricsListenAddr,
			Handler:           m.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if strings.TrimSpace(*depositTopic) != "" {
		svc, err := mixservice.New(mixservice.Config{
			Fees:           node.Fees,
			Chains:         cfg.Enabled(),
			VerifyDeposits: cfg.API.VerifyDeposits,
		}, store, node.Pool, node.Planner, node.Router, log)
		if err != nil {
			log.Error("init mix service", "err", err)
			os.Exit(2)
		}
		svc.WithMetrics(m)
		if events != nil {
			svc.WithEvents(events)
		}

		consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
			Driver:        *queueDriver,
			Brokers:       queue.SplitCommaList(*queueBrokers),
			Group:         *depositGroup,
			Topics:        []string{*depositTopic},
			KafkaMaxBytes: *queueMaxBytes,
			MaxLineBytes:  *maxLineBytes,
		})
		if err != nil {
			log.Error("init deposit consumer", "err", err)
			os.Exit(2)
		}
		defer func() { _ = consumer.Close() }()

		go consumeDeposits(ctx, consumer, svc, *confirmTimeout, *ackTimeout, log)
	}

	log.Info("mix scheduler started",
		"owner", *owner,
		"store_driver", *storeDriver,
		"blob_driver", *blobDriver,
		"interval", cfg.Scheduler.Interval,
		"sweep_schedule", cfg.Scheduler.SweepSchedule,
	)

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("scheduler stopped", "err", err)
		os.Exit(1)
	}
	log.Info("mix scheduler stopped")
}

func consumeDeposits(ctx context.Context, consumer queue.Consumer, svc *mixservice.Service, confirmTimeout, ackTimeout time.Duration, log *slog.Logger) {
	msgCh := consumer.Messages()
	errCh := consumer.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				log.Error("deposit queue error", "err", err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			dc, err := mixevent.ParseDepositConfirmation(msg.Value)
			if err != nil {
				log.Error("parse deposit confirmation", "topic", msg.Topic, "err", err)
				ackMessage(msg, ackTimeout, log)
				continue
			}

			cctx, cancel := withTimeout(ctx, confirmTimeout)
			_, err = svc.ConfirmDeposit(cctx, dc.ID, dc.TxHash)
			cancel()
			switch {
			case err == nil:
				ackMessage(msg, ackTimeout, log)
			case errors.Is(err, mixservice.ErrNotFound), errors.Is(err, mixservice.ErrConflict), errors.Is(err, mixservice.ErrInvalidRequest):
				log.Warn("deposit confirmation rejected", "id", dc.ID, "tx", dc.TxHash, "err", err)
				ackMessage(msg, ackTimeout, log)
			default:
				// Left unacked so the consumer group redelivers it.
				log.Error("confirm deposit", "id", dc.ID, "tx", dc.TxHash, "err", err)
			}
		}
	}
}

func newBlobStore(ctx context.Context, driver, bucket, prefix string, maxGetSize int64) (blobstore.Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	cfg := blobstore.Config{
		Driver:     driver,
		Bucket:     strings.TrimSpace(bucket),
		Prefix:     strings.TrimSpace(prefix),
		MaxGetSize: maxGetSize,
	}
	if cfg.Driver == blobstore.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	return blobstore.New(cfg)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func ackMessage(msg queue.Message, timeout time.Duration, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil {
		log.Error("ack queue message", "topic", msg.Topic, "err", err)
	}
}
