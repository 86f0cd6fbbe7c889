package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logging"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New(false, "info")
		bootLog.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.IsDev(), cfg.LogLevel).With().Str("component", "overlap-sweep").Logger()
	logger.Info().Dur("interval", cfg.SweepInterval).Msg("overlap sweep starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2})
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()

	// The sweep only reads, so an in-process locker is enough.
	svc := appointment.NewService(
		appointment.NewPgRepository(pgPool, cfg.TxIsolation),
		redisclient.NewLocalLocker(),
		appointment.WithLogger(logger),
	)

	runOnce(rootCtx, logger, svc)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping overlap sweep")
			return
		case <-ticker.C:
			runOnce(rootCtx, logger, svc)
		}
	}
}

func runOnce(ctx context.Context, logger zerolog.Logger, svc *appointment.Service) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	pairs, err := svc.ActiveOverlaps(runCtx)
	if err != nil {
		logger.Error().Err(err).Msg("overlap sweep failed")
		return
	}
	for _, p := range pairs {
		logger.Warn().
			Str("doctor_id", p.DoctorID.String()).
			Str("first_id", p.First.ID.String()).
			Time("first_start", p.First.Start).
			Time("first_end", p.First.End).
			Str("second_id", p.Second.ID.String()).
			Time("second_start", p.Second.Start).
			Time("second_end", p.Second.End).
			Msg("overlapping active appointments")
	}
	logger.Info().Int("pairs", len(pairs)).Dur("took", time.Since(start)).Msg("overlap sweep complete")
}
