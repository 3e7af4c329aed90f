package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/toll-recovery/internal/audit"
	"github.com/example/toll-recovery/internal/config"
	"github.com/example/toll-recovery/internal/geo"
	"github.com/example/toll-recovery/internal/jobstore"
	"github.com/example/toll-recovery/internal/logging"
	"github.com/example/toll-recovery/internal/match"
	"github.com/example/toll-recovery/internal/normalize"
)

var (
	batchesConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestor_batches_consumed_total",
		Help: "Total collector batches consumed from kafka",
	}, []string{"topic"})
	batchesInvalid = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestor_batches_invalid_total",
		Help: "Total collector batches that failed to decode",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(batchesConsumed, batchesInvalid)
}

func main() {
	// allow some flags for local runs
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		log.Fatal("KAFKA_BROKERS is required for the ingestor")
	}

	var store jobstore.Store
	var pg *jobstore.PostgresStore
	if cfg.PGDSN != "" {
		pg, err = jobstore.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		store = pg
		defer pg.Close()
	} else {
		logger.Warn("PG_DSN not set; using in-process job store")
		store = jobstore.NewMemoryStore()
	}

	var plazas geo.PlazaLocator
	var redisPlazas *geo.RedisPlazaIndex
	if cfg.RedisAddr != "" {
		redisPlazas = geo.NewRedisPlazaIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPlazaKey)
		plazas = redisPlazas
		defer redisPlazas.Close()
	} else {
		plazas = geo.NewIndex()
	}

	auditLog := audit.NewKafkaAudit(cfg.KafkaBrokers, cfg.KafkaAuditTopic)
	defer auditLog.Close()

	engine := match.New(match.Config{
		GraceWindow:        cfg.GraceWindow,
		LowCutoff:          cfg.LowCutoff,
		ProximityThreshold: cfg.ProximityThreshold,
	}, plazas)
	trips := match.NewTripCache()
	norm := normalize.New(logger)
	ingestor := &match.Ingestor{Engine: engine, Store: store, Audit: auditLog, Log: logger}

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if pg != nil {
				if err := pg.Ping(r.Context()); err != nil {
					http.Error(w, "store not ready", 503)
					return
				}
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		consume(ctx, cfg, cfg.KafkaTripTopic, func(value []byte) {
			var raw []normalize.RawTrip
			if err := json.Unmarshal(value, &raw); err != nil {
				batchesInvalid.WithLabelValues(cfg.KafkaTripTopic).Inc()
				logger.Warn("invalid trip batch", "error", err)
				return
			}
			trips.Upsert(norm.Trips(raw))
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		consume(ctx, cfg, cfg.KafkaTollTopic, func(value []byte) {
			var raw []normalize.RawToll
			if err := json.Unmarshal(value, &raw); err != nil {
				batchesInvalid.WithLabelValues(cfg.KafkaTollTopic).Inc()
				logger.Warn("invalid toll batch", "error", err)
				return
			}
			tolls := norm.Tolls(raw)
			created, err := ingestor.Run(ctx, tolls, trips.Snapshot())
			if err != nil {
				logger.Error("toll batch ingestion incomplete", "error", err)
			}
			if created > 0 {
				logger.Info("toll batch ingested", "tolls", len(tolls), "jobs_created", created)
			}
		})
	}()

	// trips age out of matching scope once they are past the low-confidence
	// horizon plus grace
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-(cfg.LowCutoff + cfg.GraceWindow))
				if n := trips.PruneEndedBefore(cutoff); n > 0 {
					logger.Info("pruned trips", "count", n)
				}
			}
		}
	}()

	wg.Wait()
	logger.Info("ingestor stopped")
}

// consume reads one topic until ctx is cancelled, handing each message value
// to handle. Read errors back off exponentially up to 30s.
func consume(ctx context.Context, cfg config.ServerConfig, topic string, handle func([]byte)) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    topic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	log.Printf("ingestor listening topic=%s brokers=%v group=%s", topic, cfg.KafkaBrokers, cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Printf("shutting down consumer for %s", topic)
				return
			}
			log.Printf("kafka read error on %s: %v; backing off %s", topic, err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		batchesConsumed.WithLabelValues(topic).Inc()
		handle(m.Value)
	}
}
