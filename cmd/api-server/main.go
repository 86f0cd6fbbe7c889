package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/api"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/events"
	"github.com/hackgods/clinic-scheduling/internal/logging"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New(false, "info")
		bootLog.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.IsDev(), cfg.LogLevel).With().Str("component", "api-server").Logger()
	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("tx_isolation", string(cfg.TxIsolation)).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{})
	if err == nil {
		err = db.Migrate(pgCtx, pgPool)
	}
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres setup error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	deps := []api.Dependency{{Name: "postgres", Pinger: pgPool, Required: true}}

	var locker redisclient.Locker
	if cfg.RedisAddr != "" {
		rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection error")
		}
		defer closeRedis(logger, rdb)
		locker = redisclient.NewRedisDoctorLocker(rdb, cfg.LockTTL, cfg.LockWait)
		deps = append(deps, api.Dependency{Name: "redis", Pinger: api.RedisPinger{Client: rdb}})
		logger.Info().Msg("connected to Redis")
	} else {
		locker = redisclient.NewLocalLocker()
		logger.Warn().Msg("REDIS_ADDR not set, doctor calendar locks are process local")
	}

	publishers := events.Fanout{events.NewLogPublisher(logger)}
	if brokers := events.SplitBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		kp := events.NewKafkaPublisher(events.NewKafkaWriter(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic}))
		defer func() {
			if err := kp.Close(); err != nil {
				logger.Error().Err(err).Msg("error closing kafka writer")
			}
		}()
		publishers = append(publishers, kp)
		logger.Info().Strs("brokers", brokers).Str("topic", cfg.KafkaTopic).Msg("publishing events to Kafka")
	}

	repo := appointment.NewPgRepository(pgPool, cfg.TxIsolation)
	svc := appointment.NewService(repo, locker,
		appointment.WithPublisher(publishers),
		appointment.WithLogger(logger),
	)

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Service: svc,
			Health:  api.NewHealthHandler(deps, cfg.Env, version),
			Logger:  logger,
			Retries: cfg.CommandRetries,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("api-server stopped")
}

func closeRedis(logger zerolog.Logger, rdb *redis.Client) {
	if err := rdb.Close(); err != nil {
		logger.Error().Err(err).Msg("error closing redis")
	}
}
