package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"sandbox-governor/internal/api"
	"sandbox-governor/internal/artifact"
	"sandbox-governor/internal/config"
	"sandbox-governor/internal/engine"
	"sandbox-governor/internal/monitor"
	"sandbox-governor/internal/quota"
	"sandbox-governor/internal/sandbox"
	"sandbox-governor/internal/scheduler"
	"sandbox-governor/internal/storage"
)

const reconcileInterval = time.Minute

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	cfg := loadConfig()
	if lvl, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}

func loadConfig() *config.Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	if _, statErr := os.Stat(configPath); statErr == nil {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			log.Fatal().Str("port", port).Msg("invalid PORT")
		}
		log.Info().Int("port", p).Msg("using port from environment")
		cfg.Server.Port = p
	}
	return cfg
}

func run(ctx context.Context, cfg *config.Config) error {
	metrics := monitor.NewMetrics()
	tracer := monitor.NewTracer()
	if cfg.Tracing.Enabled {
		log.Info().Float64("sample_rate", cfg.Tracing.Sample).Msg("tracing enabled, spans use the global otel provider")
	}

	// Persistence is optional; without a DSN history lives only in memory.
	var (
		db     *storage.DB
		writer *storage.Writer
		sink   storage.Sink = storage.Discard
	)
	if cfg.Database.DSN != "" {
		var err error
		db, err = storage.New(ctx, cfg.Database.DSN, storage.Options{
			MaxConns:        int32(cfg.Database.MaxOpenConns),
			MinConns:        int32(cfg.Database.MinConns),
			MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, persistence disabled")
		} else {
			defer db.Close()
			if cfg.Database.Migrate {
				if err := db.Migrate(ctx); err != nil {
					return err
				}
			}
			writer = storage.NewWriter(db, cfg.Database.BufferSize, metrics.PersistenceFailures)
			writer.Start()
			sink = writer
		}
	}

	// Concurrency slots are shared through redis when several governors
	// front the same callers.
	var slots quota.SlotStore
	if cfg.Quota.Slots == "redis" {
		rc := cfg.Quota.Redis
		rdb := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		slots = quota.NewRedisSlots(rdb, rc.Prefix, rc.SlotTTL)
		log.Info().Str("addr", rc.Addr).Msg("using redis concurrency slots")
	} else {
		slots = quota.NewMemorySlots()
	}

	tiers, err := quota.NewTiers(cfg.Quota.Tiers)
	if err != nil {
		return err
	}
	policy := quota.NewPolicy(tiers, slots, sink, metrics)

	drivers, err := sandbox.NewDrivers(ctx, cfg.Sandbox)
	if err != nil {
		return err
	}
	manager, err := sandbox.NewManager(sandbox.ManagerConfig{
		WorkRoot:       cfg.Sandbox.WorkRoot,
		DiskMB:         cfg.Sandbox.DiskMB,
		NoFile:         cfg.Sandbox.NoFile,
		BlockCritical:  cfg.Sandbox.BlockCritical,
		AllowedImports: cfg.Sandbox.AllowedImports,
	}, metrics, drivers...)
	if err != nil {
		return err
	}
	if n := manager.CleanupOrphaned(ctx); n > 0 {
		log.Warn().Int("count", n).Msg("removed environments left over from a previous run")
	}

	mon := monitor.New(monitor.Config{
		Interval:  cfg.Monitor.Interval,
		Retention: cfg.Monitor.Retention,
		Thresholds: monitor.Thresholds{
			CPUPercent:     cfg.Monitor.CPUPercent,
			MemoryPercent:  cfg.Monitor.MemoryPercent,
			IOBytesPerSec:  cfg.Monitor.IOBytesPerSec,
			NetBytesPerSec: cfg.Monitor.NetBytesPerSec,
		},
	}, sink, metrics)

	var verifier artifact.Verifier = artifact.NoopVerifier{}
	if cfg.Artifact.VerifySignatures {
		v, err := artifact.NewEd25519Verifier(cfg.Artifact.PublicKeys)
		if err != nil {
			return err
		}
		verifier = v
	} else {
		log.Warn().Msg("artifact signature verification disabled")
	}

	eng := engine.New(engine.Config{
		VerifySignatures: cfg.Artifact.VerifySignatures,
		LogExportBytes:   cfg.Sandbox.LogExportBytes,
	}, policy, manager, mon, verifier, metrics, tracer)

	sched := scheduler.New(scheduler.Config{
		MaxJobsPerBatch: cfg.Scheduler.MaxJobsPerBatch,
		MaxDelay:        cfg.Scheduler.MaxDelay,
		Retry:           scheduler.RetryPolicyFrom(cfg.Scheduler.Retry),
		Retention:       cfg.Scheduler.Retention,
	}, eng, sink, metrics)

	server := api.NewServer(cfg, api.Deps{
		Scheduler: sched,
		Policy:    policy,
		Monitor:   mon,
		Manager:   manager,
		DB:        db,
		Metrics:   metrics,
	})

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Strs("backends", manager.Drivers()).
		Strs("languages", eng.Languages()).
		Msg("server starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		mon.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(reconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := manager.Reconcile(gctx); n > 0 {
					log.Info().Int("count", n).Msg("reclaimed leaked environments")
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stop accepting batches and tear down running environments before
		// the listener closes so clients see final statuses.
		if err := sched.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("scheduler shutdown error")
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if writer != nil {
			writer.Flush(10 * time.Second)
		}
		if err := manager.Close(); err != nil {
			log.Error().Err(err).Msg("sandbox manager close error")
		}
		return nil
	})

	return g.Wait()
}
