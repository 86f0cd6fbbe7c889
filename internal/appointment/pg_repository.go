package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-scheduling/internal/policy"
)

const activeSlotConstraint = "appointments_active_slot_key"

const appointmentColumns = `id, patient_id, doctor_id, start_time, end_time, status, notes,
	completed_at, cancelled_at, cancellation_reason, version, created_at, updated_at`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool      *pgxpool.Pool
	isolation pgx.TxIsoLevel
}

// NewPgRepository returns a repository whose transactions run at the given
// isolation level. An empty level means serializable.
func NewPgRepository(pool *pgxpool.Pool, isolation pgx.TxIsoLevel) *PgRepository {
	if isolation == "" {
		isolation = pgx.Serializable
	}
	return &PgRepository{pool: pool, isolation: isolation}
}

// Helpers

// recordDest lists scan targets in appointmentColumns order.
func recordDest(rec *Record) []any {
	return []any{
		&rec.ID,
		&rec.PatientID,
		&rec.DoctorID,
		&rec.Start,
		&rec.End,
		&rec.Status,
		&rec.Notes,
		&rec.CompletedAt,
		&rec.CancelledAt,
		&rec.CancellationReason,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	}
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	if err := row.Scan(recordDest(&rec)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrAppointmentNotFound
		}
		return Record{}, err
	}
	// timestamptz comes back in the session's local zone
	return rec.InUTC(), nil
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()

	var result []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// mapPgError turns storage-level conflicts into scheduling errors.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return ErrConcurrencyConflict
	case "23505": // unique_violation
		if pgErr.ConstraintName == activeSlotConstraint {
			return ErrSlotConflict
		}
	}
	return err
}

func exists(ctx context.Context, q querier, table string, id uuid.UUID) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table), id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check %s exists: %w", table, err)
	}
	return ok, nil
}

func getAppointment(ctx context.Context, q querier, id uuid.UUID) (*Appointment, error) {
	row := q.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, err
	}
	return FromRecord(rec), nil
}

func hasOverlapQuery(ctx context.Context, q querier, doctorID uuid.UUID, start, end time.Time, exclude uuid.UUID) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM appointments
			WHERE doctor_id = $1
			  AND status IN ('scheduled', 'rescheduled')
			  AND id <> $4
			  AND start_time < $3
			  AND end_time > $2
		)
	`, doctorID, start, end, exclude).Scan(&ok)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Interface methods

func (r *PgRepository) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return exists(ctx, r.pool, "patients", id)
}

func (r *PgRepository) DoctorExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return exists(ctx, r.pool, "doctors", id)
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return getAppointment(ctx, r.pool, id)
}

func (r *PgRepository) HasOverlap(ctx context.Context, doctorID uuid.UUID, start, end time.Time, exclude uuid.UUID) (bool, error) {
	return hasOverlapQuery(ctx, r.pool, doctorID, start, end, exclude)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.PatientID != uuid.Nil {
		add("patient_id = $%d", f.PatientID)
	}
	if f.DoctorID != uuid.Nil {
		add("doctor_id = $%d", f.DoctorID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if !f.From.IsZero() {
		add("end_time > $%d", f.From)
	}
	if !f.To.IsZero() {
		add("start_time < $%d", f.To)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = policy.DefaultListLimit
	}

	sql := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit, f.Offset)
	sql += fmt.Sprintf(` ORDER BY start_time ASC, id ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return collectRecords(rows)
}

func (r *PgRepository) FindOverlappingActive(ctx context.Context, from time.Time) ([]OverlapPair, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+prefixed("a")+`, `+prefixed("b")+`
		FROM appointments a
		JOIN appointments b
		  ON a.doctor_id = b.doctor_id
		 AND a.id < b.id
		 AND a.start_time < b.end_time
		 AND b.start_time < a.end_time
		WHERE a.status IN ('scheduled', 'rescheduled')
		  AND b.status IN ('scheduled', 'rescheduled')
		  AND a.end_time > $1
		  AND b.end_time > $1
		ORDER BY a.start_time
	`, from)
	if err != nil {
		return nil, fmt.Errorf("find overlapping appointments: %w", err)
	}
	defer rows.Close()

	var pairs []OverlapPair
	for rows.Next() {
		var first, second Record
		if err := rows.Scan(append(recordDest(&first), recordDest(&second)...)...); err != nil {
			return nil, err
		}
		first, second = first.InUTC(), second.InUTC()
		pairs = append(pairs, OverlapPair{DoctorID: first.DoctorID, First: first, Second: second})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return pairs, nil
}

func prefixed(alias string) string {
	cols := strings.Split(appointmentColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// Transact runs fn inside a pgx transaction. The doctor lock is a
// session advisory lock taken before BEGIN, so a writer queued behind it
// takes its snapshot only after the holder has committed.
func (r *PgRepository) Transact(ctx context.Context, lockDoctor uuid.UUID, fn func(ctx context.Context, s Store) error) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()

	if lockDoctor != uuid.Nil {
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, lockDoctor.String()); err != nil {
			return fmt.Errorf("lock doctor calendar: %w", mapPgError(err))
		}
		defer unlockDoctor(conn, lockDoctor)
	}

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: r.isolation})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	pt := &pgTx{tx: tx}
	if err := fn(ctx, pt); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(err)
	}
	for _, a := range pt.accepted {
		a.agg.setVersion(a.version)
	}
	return nil
}

// unlockDoctor releases the session lock. A connection whose unlock fails
// is closed so the lock cannot leak back into the pool.
func unlockDoctor(conn *pgxpool.Conn, doctorID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, doctorID.String()); err != nil {
		_ = conn.Conn().Close(ctx)
	}
}

type pgTx struct {
	tx       pgx.Tx
	accepted []acceptedWrite
}

func (t *pgTx) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return getAppointment(ctx, t.tx, id)
}

func (t *pgTx) HasOverlap(ctx context.Context, doctorID uuid.UUID, start, end time.Time, exclude uuid.UUID) (bool, error) {
	return hasOverlapQuery(ctx, t.tx, doctorID, start, end, exclude)
}

func (t *pgTx) Insert(ctx context.Context, a *Appointment) error {
	rec := a.Record()
	var version int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, start_time, end_time, status, notes,
			completed_at, cancelled_at, cancellation_reason, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $12)
		RETURNING version
	`, rec.ID, rec.PatientID, rec.DoctorID, rec.Start, rec.End, rec.Status, rec.Notes,
		rec.CompletedAt, rec.CancelledAt, rec.CancellationReason, rec.CreatedAt, rec.UpdatedAt).Scan(&version)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", mapPgError(err))
	}
	t.accepted = append(t.accepted, acceptedWrite{agg: a, version: version})
	return nil
}

func (t *pgTx) Update(ctx context.Context, a *Appointment) error {
	rec := a.Record()
	var version int64
	err := t.tx.QueryRow(ctx, `
		UPDATE appointments
		SET start_time = $3,
		    end_time = $4,
		    status = $5,
		    notes = $6,
		    completed_at = $7,
		    cancelled_at = $8,
		    cancellation_reason = $9,
		    updated_at = $10,
		    version = version + 1
		WHERE id = $1
		  AND version = $2
		RETURNING version
	`, rec.ID, rec.Version, rec.Start, rec.End, rec.Status, rec.Notes,
		rec.CompletedAt, rec.CancelledAt, rec.CancellationReason, rec.UpdatedAt).Scan(&version)
	if err != nil {
		// rows are never deleted, so no match means the version moved
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("update appointment: %w", mapPgError(err))
	}
	t.accepted = append(t.accepted, acceptedWrite{agg: a, version: version})
	return nil
}

func (t *pgTx) InsertEvents(ctx context.Context, events []Event) error {
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", ev.EventType(), err)
		}
		_, err = t.tx.Exec(ctx, `
			INSERT INTO event_logs (event_id, event_type, appointment_id, payload, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, ev.EventID(), ev.EventType(), ev.AggregateID(), payload, ev.OccurredAt())
		if err != nil {
			return fmt.Errorf("insert event log: %w", err)
		}
	}
	return nil
}
