package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the API + scheduler
// process. Values are primarily loaded from environment variables with sane
// defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisPlazaKey string

	KafkaBrokers          []string
	KafkaTripTopic        string
	KafkaTollTopic        string
	KafkaGroup            string
	KafkaDispositionTopic string
	KafkaAuditTopic       string

	PGDSN string

	GraceWindow        time.Duration
	LowCutoff          time.Duration
	ProximityThreshold float64 // meters

	Workers       int
	PollInterval  time.Duration
	EmptyBackoff  time.Duration
	StaleAfter    time.Duration
	FilerEndpoint string
	FilerTimeout  time.Duration

	RetryBase        time.Duration
	RetryMax         time.Duration
	RetryMaxAttempts int

	StripeEnabled bool

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RedisPlazaKey: "toll_plazas_geo",

		KafkaTripTopic:        "collector-trips",
		KafkaTollTopic:        "collector-tolls",
		KafkaGroup:            "toll-recovery-ingestor",
		KafkaDispositionTopic: "claim-dispositions",
		KafkaAuditTopic:       "match-review",

		GraceWindow:        15 * time.Minute,
		LowCutoff:          24 * time.Hour,
		ProximityThreshold: 500,

		Workers:      4,
		PollInterval: time.Second,
		EmptyBackoff: 3 * time.Second,
		StaleAfter:   10 * time.Minute,
		FilerTimeout: 30 * time.Second,

		RetryBase:        30 * time.Second,
		RetryMax:         15 * time.Minute,
		RetryMaxAttempts: 5,

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisPlazaKey, "REDIS_PLAZA_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTripTopic, "KAFKA_TRIP_TOPIC")
	setStringFromEnv(&cfg.KafkaTollTopic, "KAFKA_TOLL_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.KafkaDispositionTopic, "KAFKA_DISPOSITION_TOPIC")
	setStringFromEnv(&cfg.KafkaAuditTopic, "KAFKA_AUDIT_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setDurationFromEnv(&cfg.GraceWindow, "MATCH_GRACE_WINDOW", &errs)
	setDurationFromEnv(&cfg.LowCutoff, "MATCH_LOW_CUTOFF", &errs)
	setFloatFromEnv(&cfg.ProximityThreshold, "MATCH_PROXIMITY_M", &errs)

	setIntFromEnv(&cfg.Workers, "SCHED_WORKERS", &errs)
	setDurationFromEnv(&cfg.PollInterval, "SCHED_POLL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.EmptyBackoff, "SCHED_EMPTY_BACKOFF", &errs)
	setDurationFromEnv(&cfg.StaleAfter, "SCHED_STALE_AFTER", &errs)

	cfg.FilerEndpoint = strings.TrimSpace(os.Getenv("FILER_ENDPOINT"))
	setDurationFromEnv(&cfg.FilerTimeout, "FILER_TIMEOUT", &errs)

	setDurationFromEnv(&cfg.RetryBase, "RETRY_BASE", &errs)
	setDurationFromEnv(&cfg.RetryMax, "RETRY_MAX", &errs)
	setIntFromEnv(&cfg.RetryMaxAttempts, "RETRY_MAX_ATTEMPTS", &errs)

	cfg.StripeEnabled = os.Getenv("STRIPE_API_KEY") != ""

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.Workers <= 0 {
		errs = append(errs, fmt.Errorf("SCHED_WORKERS must be > 0"))
	}
	if cfg.RetryMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RETRY_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.GraceWindow < 0 {
		errs = append(errs, fmt.Errorf("MATCH_GRACE_WINDOW must be >= 0"))
	}
	if cfg.ProximityThreshold <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_PROXIMITY_M must be > 0"))
	}

	return cfg, errors.Join(errs...)
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
