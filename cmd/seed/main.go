package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logging"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

func main() {
	env := os.Getenv("APP_ENV")
	logger := logging.New(env == "" || env == "dev", "info").With().Str("component", "seed").Logger()
	logger.Info().Msg("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		logger.Fatal().Msg("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn, db.PoolOptions{})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}

	doctors := envInt("SEED_DOCTORS", 100)
	patients := envInt("SEED_PATIENTS", 9000)

	if err := seedDoctors(context.Background(), logger, pool, doctors); err != nil {
		logger.Fatal().Err(err).Msg("seed doctors")
	}
	if err := seedPatients(context.Background(), logger, pool, patients); err != nil {
		logger.Fatal().Err(err).Msg("seed patients")
	}

	logger.Info().Msg("seed complete")
}

func seedDoctors(ctx context.Context, logger zerolog.Logger, pool *pgxpool.Pool, count int) error {
	logger.Info().Int("count", count).Msg("seeding doctors")

	rows := make([][]any, 0, count)
	for i := 0; i < count; i++ {
		rows = append(rows, []any{
			uuid.New(),
			"Dr. " + gofakeit.Name(),
			specialties[gofakeit.Number(0, len(specialties)-1)],
		})
	}

	n, err := pool.CopyFrom(ctx, pgx.Identifier{"doctors"}, []string{"id", "name", "specialty"}, pgx.CopyFromRows(rows))
	if err != nil {
		return err
	}
	logger.Info().Int64("rows", n).Msg("doctors seeded")
	return nil
}

func seedPatients(ctx context.Context, logger zerolog.Logger, pool *pgxpool.Pool, count int) error {
	logger.Info().Int("count", count).Msg("seeding patients")

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		batch := &pgx.Batch{}
		for i := offset; i < end; i++ {
			batch.Queue(`
				INSERT INTO patients (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, uuid.New(), gofakeit.Name(), gofakeit.Email())
		}

		if err := pool.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}

		logger.Info().Int("done", end).Int("total", count).Msg("patients seeded")
	}
	return nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
