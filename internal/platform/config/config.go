package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"auditrail/pkg/platform/audit/health"
	"auditrail/pkg/platform/audit/queue"
	"auditrail/pkg/platform/audit/worker"
	platformstrings "auditrail/pkg/platform/strings"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	Env             string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// JWTSigningKey verifies host-issued bearer tokens. Empty leaves every
	// request anonymous.
	JWTSigningKey string
	JWTIssuer     string
	AdminToken    string
}

// RedisConfig configures the shared Redis client. An empty URL disables Redis.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// PostgresConfig configures the audit database. An empty DSN keeps records
// in memory.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Migrate         bool
}

// KafkaConfig configures the notification producer. No brokers means
// notifications are only logged.
type KafkaConfig struct {
	Brokers           []string
	TopicPrefix       string
	Partitions        int32
	ReplicationFactor int16
}

// Pipeline holds the capture, dispatch and processing knobs.
type Pipeline struct {
	QueueBackend         string
	QueuePrefix          string
	RecoverAfter         time.Duration
	DedupBackend         string
	DedupTTL             time.Duration
	SyncBudget           time.Duration
	BufferSize           int
	CompressionThreshold int
	SigningKey           string
	SigningIssuer        string
	FallbackDir          string
	SkipRoutes           []string
	DigestInterval       time.Duration
	DigestCapacity       int
	NotifySampleRate     float64
	MaxResubmissions     int
}

// Health configures the periodic health check.
type Health struct {
	Thresholds health.Thresholds
	Interval   time.Duration
	MaxAge     time.Duration
}

// Retention configures record expiry and the cleanup sweep.
type Retention struct {
	Policy        worker.RetentionPolicy
	SweepInterval time.Duration
	BatchSize     int
}

// Config is the full process configuration.
type Config struct {
	Server    Server
	Redis     RedisConfig
	Postgres  PostgresConfig
	Kafka     KafkaConfig
	Pipeline  Pipeline
	Lanes     []queue.Lane
	Health    Health
	Retention Retention
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	e := &env{}
	redisURL := e.str("REDIS_URL", "")
	queueBackend := "memory"
	if redisURL != "" {
		queueBackend = "redis"
	}
	cfg := Config{
		Server: Server{
			Addr:            e.str("AUDIT_ADDR", ":8080"),
			Env:             e.str("APP_ENV", "development"),
			ReadTimeout:     e.duration("AUDIT_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    e.duration("AUDIT_WRITE_TIMEOUT", 45*time.Second),
			ShutdownTimeout: e.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
			JWTSigningKey:   e.str("JWT_SIGNING_KEY", ""),
			JWTIssuer:       e.str("JWT_ISSUER", ""),
			AdminToken:      e.str("AUDIT_ADMIN_TOKEN", ""),
		},
		Redis: RedisConfig{
			URL:          redisURL,
			PoolSize:     e.int("REDIS_POOL_SIZE", 20),
			MinIdleConns: e.int("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  e.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  e.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: e.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Postgres: PostgresConfig{
			DSN:             e.str("DATABASE_URL", ""),
			MaxOpenConns:    e.int("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    e.int("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: e.duration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			Migrate:         e.bool("DATABASE_MIGRATE", true),
		},
		Kafka: KafkaConfig{
			Brokers:           e.list("KAFKA_BROKERS"),
			TopicPrefix:       e.str("KAFKA_TOPIC_PREFIX", "audit.notifications"),
			Partitions:        int32(e.int("KAFKA_TOPIC_PARTITIONS", 3)),
			ReplicationFactor: int16(e.int("KAFKA_REPLICATION_FACTOR", 1)),
		},
		Pipeline: Pipeline{
			QueueBackend:         e.str("AUDIT_QUEUE_BACKEND", queueBackend),
			QueuePrefix:          e.str("AUDIT_QUEUE_PREFIX", "{audit}:queue"),
			RecoverAfter:         e.duration("AUDIT_QUEUE_RECOVER_AFTER", 5*time.Minute),
			DedupBackend:         e.str("AUDIT_DEDUP_BACKEND", "memory"),
			DedupTTL:             e.duration("AUDIT_DEDUP_TTL", 5*time.Minute),
			SyncBudget:           e.duration("AUDIT_SYNC_BUDGET", 5*time.Millisecond),
			BufferSize:           e.int("AUDIT_HANDOFF_BUFFER", 1024),
			CompressionThreshold: e.int("AUDIT_COMPRESSION_THRESHOLD", 1024),
			SigningKey:           e.str("AUDIT_SIGNING_KEY", ""),
			SigningIssuer:        e.str("AUDIT_SIGNING_ISSUER", "auditrail"),
			FallbackDir:          e.str("AUDIT_FALLBACK_DIR", "./data/audit-fallback"),
			SkipRoutes:           e.list("AUDIT_SKIP_ROUTES"),
			DigestInterval:       e.duration("AUDIT_DIGEST_INTERVAL", time.Hour),
			DigestCapacity:       e.int("AUDIT_DIGEST_CAPACITY", 500),
			NotifySampleRate:     e.float("AUDIT_NOTIFY_SAMPLE_RATE", 1),
			MaxResubmissions:     e.int("AUDIT_DEADLETTER_MAX_RESUBMISSIONS", 5),
		},
		Health: Health{
			Thresholds: health.Thresholds{
				ErrorRateWarning:     e.float("AUDIT_HEALTH_ERROR_RATE_WARNING", 0.05),
				ErrorRateCritical:    e.float("AUDIT_HEALTH_ERROR_RATE_CRITICAL", 0.10),
				ResponseTimeWarning:  e.duration("AUDIT_HEALTH_RESPONSE_TIME_WARNING", time.Second),
				ResponseTimeCritical: e.duration("AUDIT_HEALTH_RESPONSE_TIME_CRITICAL", 5*time.Second),
				QueueSizeWarning:     int64(e.int("AUDIT_HEALTH_QUEUE_SIZE_WARNING", 1000)),
				QueueSizeCritical:    int64(e.int("AUDIT_HEALTH_QUEUE_SIZE_CRITICAL", 5000)),
				MinThroughput:        e.float("AUDIT_HEALTH_MIN_THROUGHPUT", 0.1),
				CheckTimeout:         e.duration("AUDIT_HEALTH_CHECK_TIMEOUT", 2*time.Second),
			},
			Interval: e.duration("AUDIT_HEALTH_INTERVAL", time.Minute),
			MaxAge:   e.duration("AUDIT_HEALTH_MAX_AGE", 10*time.Second),
		},
		Retention: Retention{
			Policy: worker.RetentionPolicy{
				Default:         e.duration("AUDIT_RETENTION_DEFAULT", worker.DefaultRetention().Default),
				OperationErrors: e.duration("AUDIT_RETENTION_OPERATION_ERRORS", worker.DefaultRetention().OperationErrors),
				Critical:        e.duration("AUDIT_RETENTION_CRITICAL", worker.DefaultRetention().Critical),
				LGPD:            e.duration("AUDIT_RETENTION_LGPD", worker.DefaultRetention().LGPD),
			},
			SweepInterval: e.duration("AUDIT_RETENTION_SWEEP_INTERVAL", time.Hour),
			BatchSize:     e.int("AUDIT_RETENTION_BATCH_SIZE", 1000),
		},
	}
	cfg.Lanes = e.lanes(queue.DefaultLanes())

	if cfg.Pipeline.SigningKey == "" && cfg.Server.Env != "production" {
		// Use a default for development - should be overridden in production
		cfg.Pipeline.SigningKey = "dev-audit-signing-key-change-in-production"
	}
	if e.err != nil {
		return Config{}, e.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Pipeline.QueueBackend {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("AUDIT_QUEUE_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown AUDIT_QUEUE_BACKEND %q", c.Pipeline.QueueBackend)
	}
	switch c.Pipeline.DedupBackend {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("AUDIT_DEDUP_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown AUDIT_DEDUP_BACKEND %q", c.Pipeline.DedupBackend)
	}
	if c.Pipeline.MaxResubmissions < 0 {
		return fmt.Errorf("AUDIT_DEADLETTER_MAX_RESUBMISSIONS must not be negative")
	}
	for _, l := range c.Lanes {
		if err := l.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// env reads typed variables and keeps the first parse error.
type env struct {
	err error
}

func (e *env) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return f
}

func (e *env) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}

func (e *env) list(key string) []string {
	return platformstrings.SplitList(os.Getenv(key), ",")
}

// lanes applies AUDIT_LANE_<NAME>_{CONCURRENCY,ATTEMPTS,BACKOFF} overrides.
func (e *env) lanes(lanes []queue.Lane) []queue.Lane {
	for i := range lanes {
		prefix := "AUDIT_LANE_" + strings.ToUpper(string(lanes[i].Name)) + "_"
		lanes[i].Concurrency = e.int(prefix+"CONCURRENCY", lanes[i].Concurrency)
		lanes[i].Attempts = e.int(prefix+"ATTEMPTS", lanes[i].Attempts)
		lanes[i].Backoff.Delay = e.duration(prefix+"BACKOFF", lanes[i].Backoff.Delay)
	}
	return lanes
}

func (e *env) fail(key, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}
