package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/clinio/slot-booking/internal/booking"
	"github.com/clinio/slot-booking/internal/config"
	"github.com/clinio/slot-booking/internal/db"
	"github.com/clinio/slot-booking/internal/metrics"
	redisclient "github.com/clinio/slot-booking/internal/redis"
)

// The sweep worker cancels pending appointments that were never confirmed
// within the pending TTL, so abandoned bookings give their slot back.
func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "sweep-worker").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	log.Info().Str("env", cfg.Env).Dur("interval", cfg.SweepInterval).Msg("sweep-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: cfg.RedisPoolSize,
		Timeout:  cfg.RedisTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing redis")
		}
	}()
	log.Info().Msg("connected to Redis")

	svc := booking.NewService(booking.Deps{
		Repo:       booking.NewPgRepository(pgPool),
		Schedules:  booking.NewPgScheduleSource(pgPool),
		Settings:   booking.NewPgSettingsSource(pgPool),
		Locker:     redisclient.NewSlotLocker(rdb),
		Cache:      redisclient.NewSlotCache(rdb, log),
		Metrics:    metrics.NewCollector(prometheus.NewRegistry()),
		Log:        log,
		LockTTL:    cfg.LockTTL,
		CacheTTL:   cfg.CacheTTL,
		PendingTTL: cfg.PendingTTL,
	})

	// Run once at startup
	runOnce(rootCtx, svc, log)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping sweep worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, log)
		}
	}
}

func runOnce(ctx context.Context, svc *booking.Service, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	swept, err := svc.SweepStalePending(runCtx)
	if err != nil {
		log.Error().Err(err).Msg("sweep run error")
		return
	}
	log.Info().Int("swept", swept).Dur("took", time.Since(start)).Msg("sweep run complete")
}
