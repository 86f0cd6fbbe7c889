package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
)

// Publisher delivers committed domain events. It is only ever called after
// the transaction that produced the events has committed.
type Publisher interface {
	Publish(ctx context.Context, events []Event) error
}

type Service struct {
	repo      Repository
	locker    redisclient.Locker
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(repo Repository, locker redisclient.Locker, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		locker: locker,
		logger: zerolog.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type BookInput struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	Start     time.Time
	End       time.Time
	Notes     string
}

type BookResult struct {
	ID      uuid.UUID
	Start   time.Time
	End     time.Time
	Status  Status
	Version int64
}

type RescheduleInput struct {
	ID     uuid.UUID
	Start  time.Time
	End    time.Time
	Reason string
	// ExpectedVersion pins the version the caller last read. Zero means
	// whatever version is loaded.
	ExpectedVersion int64
}

type RescheduleResult struct {
	ID       uuid.UUID
	Window   Window
	Previous Window
	Status   Status
	Version  int64
}

type CompleteInput struct {
	ID              uuid.UUID
	Notes           string
	ExpectedVersion int64
}

type CompleteResult struct {
	ID          uuid.UUID
	Status      Status
	CompletedAt time.Time
	Notes       string
	Version     int64
	// AlreadyCompleted is set when the call was an idempotent no-op.
	AlreadyCompleted bool
}

type CancelInput struct {
	ID              uuid.UUID
	Reason          string
	ExpectedVersion int64
}

type CancelResult struct {
	ID          uuid.UUID
	Status      Status
	CancelledAt time.Time
	Reason      string
	Version     int64
	// AlreadyCancelled is set when the call was an idempotent no-op.
	AlreadyCancelled bool
}

// Book schedules a new appointment for a patient with a doctor.
// The conflict check and insert run under the doctor's calendar lock and in
// one transaction, so two bookings for the same doctor cannot interleave.
func (s *Service) Book(ctx context.Context, in BookInput) (*BookResult, error) {
	now := s.now()

	if in.PatientID == uuid.Nil {
		return nil, validationError("patient_required", "patient_id is required")
	}
	if in.DoctorID == uuid.Nil {
		return nil, validationError("doctor_required", "doctor_id is required")
	}
	window := Window{Start: in.Start, End: in.End}
	if err := CheckBookingWindow(window, now); err != nil {
		return nil, err
	}
	if err := CheckNotes(in.Notes); err != nil {
		return nil, err
	}

	if ok, err := s.repo.PatientExists(ctx, in.PatientID); err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	} else if !ok {
		return nil, ErrPatientNotFound
	}
	if ok, err := s.repo.DoctorExists(ctx, in.DoctorID); err != nil {
		return nil, fmt.Errorf("load doctor: %w", err)
	} else if !ok {
		return nil, ErrDoctorNotFound
	}

	var created *Appointment
	err := s.withCalendar(ctx, in.DoctorID, func(ctx context.Context, st Store) error {
		conflict, err := NewConflictDetector(st).HasConflict(ctx, ConflictQuery{
			DoctorID: in.DoctorID,
			Window:   window,
		})
		if err != nil {
			return err
		}
		if conflict {
			return ErrSlotConflict
		}

		appt, err := Schedule(ScheduleParams{
			PatientID: in.PatientID,
			DoctorID:  in.DoctorID,
			Start:     window.Start,
			End:       window.End,
			Notes:     in.Notes,
		}, now)
		if err != nil {
			return err
		}
		if err := st.Insert(ctx, appt); err != nil {
			return err
		}
		if err := st.InsertEvents(ctx, appt.PendingEvents()); err != nil {
			return err
		}
		created = appt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, created.PullEvents())

	return &BookResult{
		ID:      created.ID(),
		Start:   created.Start(),
		End:     created.End(),
		Status:  created.Status(),
		Version: created.Version(),
	}, nil
}

// Reschedule moves an active appointment to a new window.
func (s *Service) Reschedule(ctx context.Context, in RescheduleInput) (*RescheduleResult, error) {
	now := s.now()

	appt, err := s.load(ctx, in.ID, in.ExpectedVersion)
	if err != nil {
		return nil, err
	}

	window := Window{Start: in.Start, End: in.End}
	if err := appt.CheckReschedule(window, in.Reason, now); err != nil {
		return nil, err
	}
	previous := appt.Window()

	err = s.withCalendar(ctx, appt.DoctorID(), func(ctx context.Context, st Store) error {
		conflict, err := NewConflictDetector(st).HasConflict(ctx, ConflictQuery{
			DoctorID: appt.DoctorID(),
			Window:   window,
			Exclude:  appt.ID(),
		})
		if err != nil {
			return err
		}
		if conflict {
			return ErrSlotConflict
		}

		if err := appt.Reschedule(window, in.Reason, now); err != nil {
			return err
		}
		if err := st.Update(ctx, appt); err != nil {
			return err
		}
		return st.InsertEvents(ctx, appt.PendingEvents())
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, appt.PullEvents())

	return &RescheduleResult{
		ID:       appt.ID(),
		Window:   appt.Window(),
		Previous: previous,
		Status:   appt.Status(),
		Version:  appt.Version(),
	}, nil
}

// Complete marks an appointment completed. Completing an already completed
// appointment succeeds without writing and returns the original data.
func (s *Service) Complete(ctx context.Context, in CompleteInput) (*CompleteResult, error) {
	now := s.now()

	appt, err := s.load(ctx, in.ID, in.ExpectedVersion)
	if err != nil {
		return nil, err
	}

	changed, err := appt.Complete(in.Notes, now)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := s.persist(ctx, appt); err != nil {
			return nil, err
		}
		s.publish(ctx, appt.PullEvents())
	}

	return &CompleteResult{
		ID:               appt.ID(),
		Status:           appt.Status(),
		CompletedAt:      valueOf(appt.CompletedAt()),
		Notes:            appt.Notes(),
		Version:          appt.Version(),
		AlreadyCompleted: !changed,
	}, nil
}

// Cancel cancels an appointment. Cancelling an already cancelled
// appointment succeeds without writing and returns the original data.
func (s *Service) Cancel(ctx context.Context, in CancelInput) (*CancelResult, error) {
	now := s.now()

	if err := CheckCancellationReason(in.Reason); err != nil {
		return nil, err
	}

	appt, err := s.load(ctx, in.ID, in.ExpectedVersion)
	if err != nil {
		return nil, err
	}

	changed, err := appt.Cancel(in.Reason, now)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := s.persist(ctx, appt); err != nil {
			return nil, err
		}
		s.publish(ctx, appt.PullEvents())
	}

	return &CancelResult{
		ID:               appt.ID(),
		Status:           appt.Status(),
		CancelledAt:      valueOf(appt.CancelledAt()),
		Reason:           appt.CancellationReason(),
		Version:          appt.Version(),
		AlreadyCancelled: !changed,
	}, nil
}

// HasConflict answers the conflict query for callers outside a command,
// e.g. a UI checking a slot before offering it.
func (s *Service) HasConflict(ctx context.Context, q ConflictQuery) (bool, error) {
	return NewConflictDetector(s.repo).HasConflict(ctx, q)
}

// GetAppointment retrieves an appointment by ID
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (Record, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("get appointment: %w", err)
	}
	return appt.Record(), nil
}

// ListAppointments retrieves appointments matching the filter, ordered by start.
func (s *Service) ListAppointments(ctx context.Context, f ListFilter) ([]Record, error) {
	f = f.Normalized()
	if f.Status != "" && !f.Status.Valid() {
		return nil, validationError("invalid_status", "unknown status %q", f.Status)
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return nil, validationError("window_order", "from must be before to")
	}

	records, err := s.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return records, nil
}

// ActiveOverlaps lists pairs of active appointments of one doctor that overlap
// and have not yet ended. A healthy calendar returns none.
func (s *Service) ActiveOverlaps(ctx context.Context) ([]OverlapPair, error) {
	pairs, err := s.repo.FindOverlappingActive(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("overlap sweep: %w", err)
	}
	return pairs, nil
}

// load fetches the aggregate and enforces an optional pinned version.
func (s *Service) load(ctx context.Context, id uuid.UUID, expectedVersion int64) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if expectedVersion != 0 && appt.Version() != expectedVersion {
		return nil, ErrConcurrencyConflict
	}
	return appt, nil
}

// withCalendar runs fn under the doctor's distributed lock and inside a
// doctor-locked transaction.
func (s *Service) withCalendar(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context, st Store) error) error {
	err := s.locker.WithDoctorLock(ctx, doctorID, func(lockCtx context.Context) error {
		return s.repo.Transact(lockCtx, doctorID, fn)
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrCalendarBusy
	}
	return err
}

// persist writes a transition that does not change calendar occupancy.
func (s *Service) persist(ctx context.Context, appt *Appointment) error {
	return s.repo.Transact(ctx, uuid.Nil, func(ctx context.Context, st Store) error {
		if err := st.Update(ctx, appt); err != nil {
			return err
		}
		return st.InsertEvents(ctx, appt.PendingEvents())
	})
}

func (s *Service) publish(ctx context.Context, events []Event) {
	if s.publisher == nil || len(events) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, events); err != nil {
		// state is already committed; the event_logs rows remain the record
		s.logger.Error().Err(err).Int("events", len(events)).Msg("publish domain events")
	}
}

func valueOf(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// Retry runs op until it succeeds, fails with a non-retryable error, or
// attempts run out. Each attempt must re-read and re-validate from scratch.
func Retry(ctx context.Context, attempts int, op func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = op(ctx); err == nil || !IsRetryable(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}
