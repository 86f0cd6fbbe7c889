package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logging"
)

type SimConfig struct {
	APIBaseURL      string
	Duration        time.Duration
	Workers         int
	BookingRatio    float64
	RescheduleRatio float64
	CompleteRatio   float64
	CancelRatio     float64
	ReadRatio       float64
	PatientLimit    int
	DoctorLimit     int
	PostgresDSN     string
}

type DataPool struct {
	Patients     []uuid.UUID
	Doctors      []uuid.UUID
	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Rejected  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		atomic.AddInt64(&om.Error, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	case status >= http.StatusBadRequest:
		atomic.AddInt64(&om.Rejected, 1)
	default:
		atomic.AddInt64(&om.Success, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, lo, hi, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	n := len(latencies)
	return sum / time.Duration(n), latencies[0], latencies[n-1],
		latencies[min(n*50/100, n-1)], latencies[min(n*95/100, n-1)]
}

type Metrics struct {
	Booking       OperationMetrics
	Reschedule    OperationMetrics
	Complete      OperationMetrics
	Cancel        OperationMetrics
	ReadByID      OperationMetrics
	ListByPatient OperationMetrics
	ListByDoctor  OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	logger  zerolog.Logger
	metrics Metrics
}

func main() {
	env := os.Getenv("APP_ENV")
	logger := logging.New(env == "" || env == "dev", "info").With().Str("component", "simulate").Logger()
	logger.Info().Msg("simulator starting")

	cfg, err := loadConfig()
	if err == nil {
		err = validateConfig(cfg)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("reschedule", cfg.RescheduleRatio).
		Float64("complete", cfg.CompleteRatio).
		Float64("cancel", cfg.CancelRatio).
		Float64("read", cfg.ReadRatio).
		Msg("config")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("load data pool")
	}
	logger.Info().Int("patients", len(dataPool.Patients)).Int("doctors", len(dataPool.Doctors)).Msg("loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() (SimConfig, error) {
	baseCfg, err := config.Load()
	if err != nil {
		return SimConfig{}, fmt.Errorf("load base config: %w", err)
	}

	cfg := SimConfig{
		APIBaseURL:      getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:        getDuration("SIM_DURATION", 30*time.Second),
		Workers:         getInt("SIM_WORKERS", 10),
		BookingRatio:    getFloat("SIM_BOOKING_RATIO", 0.4),
		RescheduleRatio: getFloat("SIM_RESCHEDULE_RATIO", 0.1),
		CompleteRatio:   getFloat("SIM_COMPLETE_RATIO", 0.1),
		CancelRatio:     getFloat("SIM_CANCEL_RATIO", 0.1),
		ReadRatio:       getFloat("SIM_READ_RATIO", 0.3),
		PatientLimit:    getInt("SIM_PATIENT_LIMIT", 4000),
		DoctorLimit:     getInt("SIM_DOCTOR_LIMIT", 20),
		PostgresDSN:     baseCfg.PostgresDSN,
	}

	total := cfg.BookingRatio + cfg.RescheduleRatio + cfg.CompleteRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.RescheduleRatio /= total
		cfg.CompleteRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg, nil
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadIDs(ctx context.Context, pool *pgxpool.Pool, table string, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT id FROM %s LIMIT $1`, table), limit)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no %s loaded, run cmd/seed first", table)
	}
	return ids, nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	patients, err := loadIDs(ctx, pool, "patients", cfg.PatientLimit)
	if err != nil {
		return nil, err
	}
	doctors, err := loadIDs(ctx, pool, "doctors", cfg.DoctorLimit)
	if err != nil {
		return nil, err
	}
	return &DataPool{Patients: patients, Doctors: doctors}, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.logger.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.logger.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	c := s.config

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < c.BookingRatio:
			s.doBooking(ctx, rng)
		case r < c.BookingRatio+c.RescheduleRatio:
			s.doReschedule(ctx, rng)
		case r < c.BookingRatio+c.RescheduleRatio+c.CompleteRatio:
			s.doComplete(ctx, rng)
		case r < c.BookingRatio+c.RescheduleRatio+c.CompleteRatio+c.CancelRatio:
			s.doCancel(ctx, rng)
		default:
			switch rng.Intn(3) {
			case 0:
				s.doReadByID(ctx, rng)
			case 1:
				s.doListBy(ctx, "patient_id", s.pool.Patients, rng, &s.metrics.ListByPatient)
			case 2:
				s.doListBy(ctx, "doctor_id", s.pool.Doctors, rng, &s.metrics.ListByDoctor)
			}
		}
	}
}

// randomWindow picks a 15-minute aligned slot between 2 and 14 days out, so
// doctors with few slots see real contention.
func randomWindow(rng *rand.Rand) (time.Time, time.Time) {
	base := time.Now().UTC().Truncate(time.Hour).Add(48 * time.Hour)
	start := base.Add(time.Duration(rng.Intn(12*24*4)) * 15 * time.Minute)
	length := time.Duration(2+rng.Intn(4)) * 15 * time.Minute
	return start, start.Add(length)
}

func (s *Simulator) call(ctx context.Context, method, path string, body any, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < http.StatusBadRequest {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	start, end := randomWindow(rng)
	body := map[string]string{
		"patient_id": s.pool.Patients[rng.Intn(len(s.pool.Patients))].String(),
		"doctor_id":  s.pool.Doctors[rng.Intn(len(s.pool.Doctors))].String(),
		"start":      start.Format(time.RFC3339),
		"end":        end.Format(time.RFC3339),
		"notes":      phrase(6),
	}

	var created struct {
		ID uuid.UUID `json:"id"`
	}
	began := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/appointments", body, &created)
	s.metrics.Booking.Record(time.Since(began), status, err)

	if status == http.StatusCreated && created.ID != uuid.Nil {
		s.pool.AddAppointment(created.ID)
	}
}

func (s *Simulator) doReschedule(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	start, end := randomWindow(rng)
	body := map[string]string{
		"start":  start.Format(time.RFC3339),
		"end":    end.Format(time.RFC3339),
		"reason": phrase(4),
	}

	began := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/appointments/"+id.String()+"/reschedule", body, nil)
	s.metrics.Reschedule.Record(time.Since(began), status, err)
}

func (s *Simulator) doComplete(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	began := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/appointments/"+id.String()+"/complete", map[string]string{"notes": phrase(8)}, nil)
	s.metrics.Complete.Record(time.Since(began), status, err)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	began := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/appointments/"+id.String()+"/cancel", map[string]string{"reason": phrase(3)}, nil)
	s.metrics.Cancel.Record(time.Since(began), status, err)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	began := time.Now()
	status, err := s.call(ctx, http.MethodGet, "/appointments/"+id.String(), nil, nil)
	s.metrics.ReadByID.Record(time.Since(began), status, err)
}

func (s *Simulator) doListBy(ctx context.Context, param string, ids []uuid.UUID, rng *rand.Rand, om *OperationMetrics) {
	id := ids[rng.Intn(len(ids))]
	began := time.Now()
	status, err := s.call(ctx, http.MethodGet, fmt.Sprintf("/appointments?%s=%s&limit=20&offset=0", param, id), nil, nil)
	om.Record(time.Since(began), status, err)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Reschedule", &s.metrics.Reschedule)
	printOperationReport("Complete", &s.metrics.Complete)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List by Patient", &s.metrics.ListByPatient)
	printOperationReport("List by Doctor", &s.metrics.ListByDoctor)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }
	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	rejected := atomic.LoadInt64(&om.Rejected)
	failed := atomic.LoadInt64(&om.Error)

	avg, lo, hi, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, pct(success))
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, pct(conflict))
	}
	if rejected > 0 {
		fmt.Printf("  Rejected: %d (%.1f%%)\n", rejected, pct(rejected))
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, pct(failed))
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), lo.Round(time.Millisecond), hi.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func phrase(words int) string {
	parts := make([]string, words)
	for i := range parts {
		parts[i] = gofakeit.Word()
	}
	return strings.Join(parts, " ")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
