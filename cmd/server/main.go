package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/example/toll-recovery/internal/audit"
	"github.com/example/toll-recovery/internal/config"
	"github.com/example/toll-recovery/internal/dispatch"
	"github.com/example/toll-recovery/internal/filer"
	"github.com/example/toll-recovery/internal/geo"
	httpapi "github.com/example/toll-recovery/internal/http"
	"github.com/example/toll-recovery/internal/jobstore"
	"github.com/example/toll-recovery/internal/logging"
	"github.com/example/toll-recovery/internal/match"
	"github.com/example/toll-recovery/internal/normalize"
	"github.com/example/toll-recovery/internal/payments"
	"github.com/example/toll-recovery/internal/retry"
	"github.com/example/toll-recovery/internal/scheduler"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(cfg.PGDSN, logger)
	}

	var store jobstore.Store
	var pg *jobstore.PostgresStore
	if cfg.PGDSN != "" {
		pg, err = jobstore.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		store = pg
	} else {
		logger.Warn("PG_DSN not set; using in-process job store")
		store = jobstore.NewMemoryStore()
	}

	var plazas geo.PlazaLocator
	var redisPlazas *geo.RedisPlazaIndex
	if cfg.RedisAddr != "" {
		redisPlazas = geo.NewRedisPlazaIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPlazaKey)
		plazas = redisPlazas
	} else {
		plazas = geo.NewIndex()
	}

	var auditLog audit.Log = &audit.SlogAudit{Log: logger}
	var kafkaAudit *audit.KafkaAudit
	if len(cfg.KafkaBrokers) > 0 {
		kafkaAudit = audit.NewKafkaAudit(cfg.KafkaBrokers, cfg.KafkaAuditTopic)
		auditLog = kafkaAudit
	}

	wsreg := dispatch.NewWSRegistry(logger)
	sinks := dispatch.Fanout{wsreg}
	var kafkaDisp *dispatch.KafkaDispatcher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaDisp = dispatch.NewKafkaDispatcher(cfg.KafkaBrokers, cfg.KafkaDispositionTopic)
		sinks = append(sinks, kafkaDisp)
	}
	if cfg.StripeEnabled {
		sinks = append(sinks, &payments.PassThrough{Client: payments.NewStripeClient(), Log: logger})
	}
	sinks = append(sinks, &dispatch.LogDispatcher{Log: logger})

	engine := match.New(match.Config{
		GraceWindow:        cfg.GraceWindow,
		LowCutoff:          cfg.LowCutoff,
		ProximityThreshold: cfg.ProximityThreshold,
	}, plazas)
	trips := match.NewTripCache()
	ingestor := &match.Ingestor{Engine: engine, Store: store, Audit: auditLog, Log: logger}

	srv := httpapi.NewServer(httpapi.Deps{
		Logger:     logger,
		Store:      store,
		Normalizer: normalize.New(logger),
		Trips:      trips,
		Ingestor:   ingestor,
		Plazas:     plazas,
		WSReg:      wsreg,
		Ready: func(ctx context.Context) error {
			if pg != nil {
				if err := pg.Ping(ctx); err != nil {
					return err
				}
			}
			if redisPlazas != nil {
				return redisPlazas.Ping(ctx)
			}
			return nil
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	if cfg.FilerEndpoint != "" {
		sched := &scheduler.Scheduler{
			Store: store,
			Filer: filer.NewHTTPFiler(cfg.FilerEndpoint, cfg.FilerTimeout),
			Policy: retry.Policy{
				Base:           cfg.RetryBase,
				Max:            cfg.RetryMax,
				MaxAttempts:    cfg.RetryMaxAttempts,
				JitterFraction: 0.2,
			},
			Dispatch:     sinks,
			Log:          logger,
			Workers:      cfg.Workers,
			PollInterval: cfg.PollInterval,
			EmptyBackoff: cfg.EmptyBackoff,
			StaleAfter:   cfg.StaleAfter,
			FilerTimeout: cfg.FilerTimeout,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(ctx)
		}()
	} else {
		logger.Warn("FILER_ENDPOINT not set; scheduler disabled, API only")
	}

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

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("toll-recovery listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	wg.Wait() // scheduler drains its in-flight jobs

	if kafkaDisp != nil {
		_ = kafkaDisp.Close()
	}
	if kafkaAudit != nil {
		_ = kafkaAudit.Close()
	}
	if redisPlazas != nil {
		_ = redisPlazas.Close()
	}
	if pg != nil {
		_ = pg.Close()
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Printf("migration db open error: %v", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_submission_jobs.sql"))
	if err != nil {
		log.Printf("migration read error: %v", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		log.Printf("migration exec error: %v", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_submission_jobs.sql")
}
