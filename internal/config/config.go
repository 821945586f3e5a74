package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/carpool/internal/retry"
)

// Backends are the external systems both processes connect to. Empty
// addresses disable the corresponding integration.
type Backends struct {
	PGDSN         string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	AMQPURL      string
	AMQPExchange string

	WebhookURL string
	WebhookKey string
}

// Engine tunes the expiry, matching and dispatch engines.
type Engine struct {
	ExpiryInterval  time.Duration
	ExpiryWindow    time.Duration
	CleanupInterval time.Duration

	RetryAttempts int
	RetryBase     time.Duration
	RetryJitter   time.Duration

	DispatchQueueSize int

	DefaultRadiusMiles float64
	MatchDedup         bool
	MatchDedupTTL      time.Duration

	NameCacheTTL time.Duration
}

// RetryPolicy is the store retry policy these settings describe.
func (e Engine) RetryPolicy() retry.Policy {
	return retry.Policy{Attempts: e.RetryAttempts, Base: e.RetryBase, MaxJitter: e.RetryJitter}
}

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	Backends
	Engine

	LogLevel string
}

// WorkerConfig is the background process: sweeps, the event consumer and
// notification delivery.
type WorkerConfig struct {
	Backends
	Engine

	KafkaGroup  string
	MetricsAddr string
	LogLevel    string
}

func defaultBackends() Backends {
	return Backends{KafkaTopic: "carpool-events", AMQPExchange: "notifications"}
}

func defaultEngine() Engine {
	return Engine{
		ExpiryInterval:     time.Minute,
		ExpiryWindow:       0,
		CleanupInterval:    time.Hour,
		RetryAttempts:      retry.DefaultAttempts,
		RetryBase:          100 * time.Millisecond,
		RetryJitter:        50 * time.Millisecond,
		DispatchQueueSize:  256,
		DefaultRadiusMiles: 25,
		MatchDedupTTL:      7 * 24 * time.Hour,
		NameCacheTTL:       5 * time.Minute,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		Backends:        defaultBackends(),
		Engine:          defaultEngine(),
		LogLevel:        "info",
	}
}

func defaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Backends:    defaultBackends(),
		Engine:      defaultEngine(),
		KafkaGroup:  "carpool-matcher",
		MetricsAddr: ":2112",
		LogLevel:    "info",
	}
}

// LoadDotEnv loads KEY=VALUE files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	loadBackends(&cfg.Backends)
	loadEngine(&cfg.Engine, &errs)
	loadLogLevel(&cfg.LogLevel)

	return cfg, errors.Join(errs...)
}

func LoadWorkerConfig() (WorkerConfig, error) {
	cfg := defaultWorkerConfig()
	var errs []error

	loadBackends(&cfg.Backends)
	loadEngine(&cfg.Engine, &errs)
	loadLogLevel(&cfg.LogLevel)
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")

	return cfg, errors.Join(errs...)
}

func loadBackends(b *Backends) {
	b.PGDSN = os.Getenv("PG_DSN")
	b.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	b.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	b.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		b.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&b.KafkaTopic, "KAFKA_TOPIC")

	b.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&b.AMQPExchange, "AMQP_EXCHANGE")

	b.WebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	b.WebhookKey = os.Getenv("NOTIFY_WEBHOOK_KEY")
}

func loadEngine(e *Engine, errs *[]error) {
	setDurationFromEnv(&e.ExpiryInterval, "EXPIRY_SWEEP_INTERVAL", errs)
	setDurationFromEnv(&e.ExpiryWindow, "EXPIRY_WINDOW", errs)
	setDurationFromEnv(&e.CleanupInterval, "CLEANUP_INTERVAL", errs)
	setIntFromEnv(&e.RetryAttempts, "RETRY_ATTEMPTS", errs)
	setDurationFromEnv(&e.RetryBase, "RETRY_BASE", errs)
	setDurationFromEnv(&e.RetryJitter, "RETRY_JITTER", errs)
	setIntFromEnv(&e.DispatchQueueSize, "DISPATCH_QUEUE_SIZE", errs)
	setFloatFromEnv(&e.DefaultRadiusMiles, "MATCH_DEFAULT_RADIUS_MILES", errs)
	setBoolFromEnv(&e.MatchDedup, "MATCH_DEDUP", errs)
	setDurationFromEnv(&e.MatchDedupTTL, "MATCH_DEDUP_TTL", errs)
	setDurationFromEnv(&e.NameCacheTTL, "NAME_CACHE_TTL", errs)

	if e.ExpiryInterval <= 0 {
		*errs = append(*errs, fmt.Errorf("EXPIRY_SWEEP_INTERVAL must be > 0"))
	}
	if e.CleanupInterval <= 0 {
		*errs = append(*errs, fmt.Errorf("CLEANUP_INTERVAL must be > 0"))
	}
	if e.ExpiryWindow < 0 {
		*errs = append(*errs, fmt.Errorf("EXPIRY_WINDOW must be >= 0"))
	}
	if e.RetryAttempts <= 0 {
		*errs = append(*errs, fmt.Errorf("RETRY_ATTEMPTS must be > 0"))
	}
	if e.DispatchQueueSize <= 0 {
		*errs = append(*errs, fmt.Errorf("DISPATCH_QUEUE_SIZE must be > 0"))
	}
	if e.DefaultRadiusMiles <= 0 {
		*errs = append(*errs, fmt.Errorf("MATCH_DEFAULT_RADIUS_MILES must be > 0"))
	}
}

func loadLogLevel(target *string) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		*target = strings.ToLower(v)
	}
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
