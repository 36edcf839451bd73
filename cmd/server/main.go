package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	_ "github.com/lib/pq"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"auditrail/internal/platform/config"
	"auditrail/internal/platform/httpserver"
	"auditrail/internal/platform/logger"
	platformmetrics "auditrail/internal/platform/metrics"
	platformredis "auditrail/internal/platform/redis"
	httptransport "auditrail/internal/transport/http"
	"auditrail/pkg/platform/audit/capture"
	"auditrail/pkg/platform/audit/classifier"
	"auditrail/pkg/platform/audit/deadletter"
	"auditrail/pkg/platform/audit/dedup"
	"auditrail/pkg/platform/audit/dispatcher"
	"auditrail/pkg/platform/audit/health"
	"auditrail/pkg/platform/audit/metrics"
	"auditrail/pkg/platform/audit/notify"
	"auditrail/pkg/platform/audit/queue"
	"auditrail/pkg/platform/audit/store/memory"
	"auditrail/pkg/platform/audit/store/postgres"
	"auditrail/pkg/platform/audit/worker"
	"auditrail/pkg/platform/circuit"
	"auditrail/pkg/platform/middleware/auth"
)

// auditStore is everything the pipeline asks of its persistence layer.
type auditStore interface {
	worker.Store
	worker.ExpiredDeleter
	deadletter.Store
	health.Database
	httptransport.RecordLister
}

// main wires the capture, dispatch and processing pipeline behind the HTTP
// router and keeps the process lifecycle small.
func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env", "error", err)
	}
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("auditrail stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	m := metrics.New(metrics.WithProcessCollectors())
	httpMetrics := platformmetrics.New(m.Registry())

	redisClient, err := platformredis.Open(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	store, closeStore, err := openStore(ctx, cfg.Postgres, log)
	if err != nil {
		return err
	}
	defer closeStore()

	q, err := openQueue(ctx, cfg, redisClient, log)
	if err != nil {
		return err
	}

	notifier, digest, closeKafka, err := buildNotifier(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeKafka()
	sampled := notify.NewSampler(notifier, cfg.Pipeline.NotifySampleRate)
	sampled.SetRate(notify.KindCriticalEvent, 1)
	sampled.SetRate(notify.KindComplianceScan, 1)

	processor := worker.NewProcessor(store,
		worker.WithLogger(log),
		worker.WithMetrics(m),
		worker.WithSigner(worker.NewJWTSigner(cfg.Pipeline.SigningKey, cfg.Pipeline.SigningIssuer)),
		worker.WithCompressor(worker.NewCompressor(cfg.Pipeline.CompressionThreshold)),
		worker.WithNotifier(sampled),
		worker.WithRetention(cfg.Retention.Policy),
		worker.WithTracer(otel.Tracer("auditrail")),
	)

	deadLetters := deadletter.New(store, q,
		deadletter.WithLogger(log),
		deadletter.WithMetrics(m),
		deadletter.WithFallback(deadletter.NewFileFallback(filepath.Join(cfg.Pipeline.FallbackDir, "dead-letters.jsonl"))),
		deadletter.WithNotifier(notifier),
		deadletter.WithMaxResubmissions(cfg.Pipeline.MaxResubmissions),
	)

	runner, err := queue.NewRunner(q, cfg.Lanes, processor,
		queue.WithLogger(log),
		queue.WithMetrics(m),
		queue.WithFailureHandler(deadLetters),
		queue.WithSuccessHandler(deadLetters),
	)
	if err != nil {
		return fmt.Errorf("build runner: %w", err)
	}

	disp := dispatcher.New(q,
		dispatcher.WithLogger(log),
		dispatcher.WithMetrics(m),
		dispatcher.WithBufferSize(cfg.Pipeline.BufferSize),
		dispatcher.WithSyncBudget(cfg.Pipeline.SyncBudget),
		dispatcher.WithBreaker(circuit.New("audit-queue")),
		dispatcher.WithDropHandler(deadLetters),
	)

	cls, err := classifier.New(classifier.DefaultRoutes(), classifier.WithSkipRoutes(cfg.Pipeline.SkipRoutes...))
	if err != nil {
		return fmt.Errorf("build classifier: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	captureOpts := []capture.Option{capture.WithLogger(log), capture.WithMetrics(m)}
	switch cfg.Pipeline.DedupBackend {
	case "redis":
		captureOpts = append(captureOpts, capture.WithDedup(dedup.NewRedisCache(redisClient, cfg.Pipeline.DedupTTL)))
	default:
		cache := dedup.NewMemoryCache(cfg.Pipeline.DedupTTL)
		g.Go(func() error {
			cache.Run(gctx, cfg.Pipeline.DedupTTL)
			return nil
		})
		captureOpts = append(captureOpts, capture.WithDedup(cache))
	}
	capturer := capture.New(cls, disp, captureOpts...)

	lanes := make([]queue.LaneName, 0, len(cfg.Lanes))
	for _, l := range cfg.Lanes {
		lanes = append(lanes, l.Name)
	}
	checker := health.New(q, store, m,
		health.WithLogger(log),
		health.WithThresholds(cfg.Health.Thresholds),
		health.WithDispatcher(disp),
		health.WithNotifier(notifier),
		health.WithLanes(lanes...),
	)

	var validator auth.JWTValidator
	if cfg.Server.JWTSigningKey != "" {
		validator = auth.NewHMACValidator(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer)
	}
	router := httptransport.NewRouter(httptransport.Dependencies{
		Logger:       log,
		Capture:      capturer.Middleware,
		Health:       checker.Handler(cfg.Health.MaxAge),
		Metrics:      m.Handler(),
		HTTPMetrics:  httpMetrics,
		Admin:        httptransport.NewAdminHandler(deadLetters, store, log),
		AdminToken:   cfg.Server.AdminToken,
		JWTValidator: validator,
	})
	srv := httpserver.New(cfg.Server.Addr, router,
		httpserver.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		httpserver.WithErrorLog(log),
	)

	// Workers stop on their own context so the HTTP server and the dispatcher
	// can drain into the queue first.
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()
	work, workCtx := errgroup.WithContext(workCtx)
	work.Go(func() error { return runner.Run(workCtx) })

	g.Go(func() error {
		checker.Run(gctx, cfg.Health.Interval)
		return nil
	})
	g.Go(func() error {
		worker.NewCleaner(store,
			worker.WithCleanerLogger(log),
			worker.WithBatchSize(cfg.Retention.BatchSize),
		).Run(gctx, cfg.Retention.SweepInterval)
		return nil
	})
	g.Go(func() error {
		digest.Run(gctx, cfg.Pipeline.DigestInterval)
		return nil
	})
	g.Go(func() error {
		log.Info("starting auditrail", "addr", cfg.Server.Addr, "queue", cfg.Pipeline.QueueBackend, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	<-gctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("graceful shutdown failed: %w", err))
	}
	if err := disp.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain dispatcher: %w", err))
	}
	stopWork()
	if err := work.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, fmt.Errorf("runner: %w", err))
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// openStore connects to Postgres when a DSN is configured and falls back to
// the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.PostgresConfig, log *slog.Logger) (auditStore, func(), error) {
	if cfg.DSN == "" {
		log.Warn("DATABASE_URL not set, audit records are kept in memory")
		return memory.NewInMemoryStore(), func() {}, nil
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store := postgres.New(db)
	if err := store.Ping(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
	}
	return store, func() { db.Close() }, nil
}

// openQueue builds the configured queue. A Redis queue first returns jobs
// left claimed by a crashed process to their lanes.
func openQueue(ctx context.Context, cfg config.Config, client *goredis.Client, log *slog.Logger) (queue.Queue, error) {
	switch cfg.Pipeline.QueueBackend {
	case "redis":
		q, err := queue.NewRedisQueue(client, cfg.Lanes, queue.WithPrefix(cfg.Pipeline.QueuePrefix))
		if err != nil {
			return nil, fmt.Errorf("build redis queue: %w", err)
		}
		recovered, err := q.Recover(ctx, cfg.Pipeline.RecoverAfter)
		if err != nil {
			return nil, fmt.Errorf("recover stale jobs: %w", err)
		}
		if recovered > 0 {
			log.Warn("recovered stale audit jobs", "count", recovered)
		}
		return q, nil
	default:
		q, err := queue.NewMemoryQueue(cfg.Lanes)
		if err != nil {
			return nil, fmt.Errorf("build memory queue: %w", err)
		}
		return q, nil
	}
}

// buildNotifier routes notification channels. With Kafka brokers configured
// every channel is published to its topic and the loud channels are also
// logged. The digest channel is batched either way.
func buildNotifier(ctx context.Context, cfg config.Config, log *slog.Logger) (*notify.Router, *notify.Digest, func(), error) {
	logNotifier := notify.NewLogNotifier(log)
	router := notify.NewRouter(log, logNotifier)

	if len(cfg.Kafka.Brokers) == 0 {
		digest := notify.NewDigest(logNotifier, cfg.Pipeline.DigestCapacity, log)
		router.Register(notify.ChannelDigest, digest)
		return router, digest, func() {}, nil
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Kafka.Brokers...),
		kgo.ClientID("auditrail"),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build kafka client: %w", err)
	}
	if err := notify.EnsureTopics(ctx, kadm.NewClient(client), cfg.Kafka.TopicPrefix, cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor); err != nil {
		client.Close()
		return nil, nil, nil, fmt.Errorf("provision notification topics: %w", err)
	}

	kafka := notify.NewKafkaNotifier(client, cfg.Kafka.TopicPrefix)
	for _, ch := range notify.Channels() {
		switch ch {
		case notify.ChannelPager, notify.ChannelUrgent:
			router.Register(ch, notify.Multi{logNotifier, kafka})
		case notify.ChannelDigest:
		default:
			router.Register(ch, kafka)
		}
	}
	digest := notify.NewDigest(kafka, cfg.Pipeline.DigestCapacity, log)
	router.Register(notify.ChannelDigest, digest)
	return router, digest, client.Close, nil
}
