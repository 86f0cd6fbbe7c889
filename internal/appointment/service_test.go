package appointment

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, events []Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return p.err
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType())
	}
	return out
}

type busyLocker struct{}

func (busyLocker) WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

type fixture struct {
	svc       *Service
	repo      *MemoryRepository
	clock     *fakeClock
	publisher *recordingPublisher
	patient   uuid.UUID
	doctor    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:      NewMemoryRepository(),
		clock:     &fakeClock{now: baseNow},
		publisher: &recordingPublisher{},
		patient:   uuid.New(),
		doctor:    uuid.New(),
	}
	f.repo.AddPatient(f.patient)
	f.repo.AddDoctor(f.doctor)
	f.svc = NewService(f.repo, redisclient.NewLocalLocker(),
		WithClock(f.clock.Now),
		WithPublisher(f.publisher),
	)
	return f
}

func (f *fixture) book(t *testing.T, start time.Time, d time.Duration) *BookResult {
	t.Helper()
	res, err := f.svc.Book(context.Background(), BookInput{
		PatientID: f.patient,
		DoctorID:  f.doctor,
		Start:     start,
		End:       start.Add(d),
	})
	require.NoError(t, err)
	return res
}

func TestServiceBook_Succeeds(t *testing.T) {
	f := newFixture(t)

	res := f.book(t, at(10, 0), 30*time.Minute)

	assert.Equal(t, StatusScheduled, res.Status)
	assert.Equal(t, at(10, 0), res.Start)
	assert.Equal(t, at(10, 30), res.End)
	assert.Equal(t, int64(1), res.Version)

	stored, err := f.svc.GetAppointment(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, f.doctor, stored.DoctorID)
	assert.Equal(t, StatusScheduled, stored.Status)

	assert.Equal(t, []string{EventAppointmentBooked}, f.publisher.Types())
	assert.Len(t, f.repo.Events(), 1, "audit trail written with the insert")
}

// Book(D, 10:00-10:30) then Book(D, 10:15-10:45) overlaps at [10:15, 10:30).
func TestServiceBook_OverlapIsResourceConflict(t *testing.T) {
	f := newFixture(t)
	f.book(t, at(10, 0), 30*time.Minute)

	_, err := f.svc.Book(context.Background(), BookInput{
		PatientID: f.patient,
		DoctorID:  f.doctor,
		Start:     at(10, 15),
		End:       at(10, 45),
	})
	assert.ErrorIs(t, err, ErrSlotConflict)
	assert.Equal(t, KindResourceConflict, KindOf(err))
	assert.Len(t, f.publisher.Types(), 1, "failed booking publishes nothing")
}

func TestServiceBook_AdjacentSlotIsFree(t *testing.T) {
	f := newFixture(t)
	f.book(t, at(10, 0), 30*time.Minute)
	f.book(t, at(10, 30), 30*time.Minute)
}

func TestServiceBook_NineMinutesFailsValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Book(context.Background(), BookInput{
		PatientID: f.patient,
		DoctorID:  f.doctor,
		Start:     at(10, 0),
		End:       at(10, 9),
	})
	assert.ErrorIs(t, err, &Error{Code: "duration_out_of_range"})
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestServiceBook_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Book(context.Background(), BookInput{PatientID: uuid.New(), DoctorID: f.doctor, Start: at(10, 0), End: at(11, 0)})
	assert.ErrorIs(t, err, ErrPatientNotFound)

	_, err = f.svc.Book(context.Background(), BookInput{PatientID: f.patient, DoctorID: uuid.New(), Start: at(10, 0), End: at(11, 0)})
	assert.ErrorIs(t, err, ErrDoctorNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestServiceBook_CancelledSlotCanBeRebooked(t *testing.T) {
	f := newFixture(t)
	res := f.book(t, at(10, 0), 30*time.Minute)

	_, err := f.svc.Cancel(context.Background(), CancelInput{ID: res.ID, Reason: "patient request"})
	require.NoError(t, err)

	f.book(t, at(10, 0), 30*time.Minute)
}

func TestServiceBook_CalendarBusy(t *testing.T) {
	f := newFixture(t)
	f.svc = NewService(f.repo, busyLocker{}, WithClock(f.clock.Now))

	_, err := f.svc.Book(context.Background(), BookInput{PatientID: f.patient, DoctorID: f.doctor, Start: at(10, 0), End: at(11, 0)})
	assert.ErrorIs(t, err, ErrCalendarBusy)
	assert.True(t, IsRetryable(err))
}

func TestServiceBook_PublishFailureDoesNotFailCommand(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("broker down")

	res := f.book(t, at(10, 0), time.Hour)

	_, err := f.svc.GetAppointment(context.Background(), res.ID)
	assert.NoError(t, err)
}

func TestServiceBook_CancelledContextLeavesNoState(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Book(ctx, BookInput{PatientID: f.patient, DoctorID: f.doctor, Start: at(10, 0), End: at(11, 0)})
	require.Error(t, err)

	recs, err := f.svc.ListAppointments(context.Background(), ListFilter{DoctorID: f.doctor})
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, f.publisher.Types())
	assert.Empty(t, f.repo.Events())
}

func TestServiceBook_ConcurrentOverlappingBookingsOneWins(t *testing.T) {
	f := newFixture(t)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := at(10, i) // every window overlaps every other
			_, errs[i] = f.svc.Book(context.Background(), BookInput{
				PatientID: f.patient, DoctorID: f.doctor, Start: start, End: start.Add(30 * time.Minute),
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrSlotConflict)
	}
	assert.Equal(t, 1, wins)

	pairs, err := f.repo.FindOverlappingActive(context.Background(), baseNow)
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestServiceReschedule_Succeeds(t *testing.T) {
	f := newFixture(t)
	booked := f.book(t, baseNow.Add(48*time.Hour), time.Hour)

	newStart := baseNow.Add(72 * time.Hour)
	res, err := f.svc.Reschedule(context.Background(), RescheduleInput{
		ID: booked.ID, Start: newStart, End: newStart.Add(time.Hour), Reason: "conference",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusRescheduled, res.Status)
	assert.Equal(t, Window{Start: newStart, End: newStart.Add(time.Hour)}, res.Window)
	assert.Equal(t, Window{Start: booked.Start, End: booked.End}, res.Previous)
	assert.Equal(t, int64(2), res.Version)

	stored, err := f.svc.GetAppointment(context.Background(), booked.ID)
	require.NoError(t, err)
	assert.Equal(t, "conference", stored.Notes)
	assert.Equal(t, []string{EventAppointmentBooked, EventAppointmentRescheduled}, f.publisher.Types())
}

func TestServiceReschedule_OverlapWithOwnSlotIsAllowed(t *testing.T) {
	f := newFixture(t)
	booked := f.book(t, baseNow.Add(48*time.Hour), time.Hour)

	_, err := f.svc.Reschedule(context.Background(), RescheduleInput{
		ID: booked.ID, Start: booked.Start.Add(30 * time.Minute), End: booked.End.Add(30 * time.Minute),
	})
	assert.NoError(t, err)
}

func TestServiceReschedule_OverlapWithOtherIsConflict(t *testing.T) {
	f := newFixture(t)
	first := f.book(t, baseNow.Add(48*time.Hour), time.Hour)
	second := f.book(t, baseNow.Add(50*time.Hour), time.Hour)

	_, err := f.svc.Reschedule(context.Background(), RescheduleInput{
		ID: second.ID, Start: first.Start.Add(30 * time.Minute), End: first.End.Add(30 * time.Minute),
	})
	assert.ErrorIs(t, err, ErrSlotConflict)

	stored, err := f.svc.GetAppointment(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, stored.Status, "conflict leaves the appointment untouched")
	assert.Equal(t, int64(1), stored.Version)
}

// Moved from 48h out to 30h out; ten hours later the new start is 20h away
// and the appointment can no longer be moved.
func TestServiceReschedule_WindowClosesOnNewStart(t *testing.T) {
	f := newFixture(t)
	booked := f.book(t, baseNow.Add(48*time.Hour), 30*time.Minute)

	target := baseNow.Add(30 * time.Hour)
	_, err := f.svc.Reschedule(context.Background(), RescheduleInput{ID: booked.ID, Start: target, End: target.Add(30 * time.Minute)})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Hour)
	later := baseNow.Add(96 * time.Hour)
	_, err = f.svc.Reschedule(context.Background(), RescheduleInput{ID: booked.ID, Start: later, End: later.Add(30 * time.Minute)})
	assert.ErrorIs(t, err, ErrRescheduleWindowClosed)
}

func TestServiceReschedule_TenHoursOutIsClosed(t *testing.T) {
	f := newFixture(t)
	booked := f.book(t, baseNow.Add(10*time.Hour), 30*time.Minute)

	target := baseNow.Add(30 * time.Hour)
	_, err := f.svc.Reschedule(context.Background(), RescheduleInput{ID: booked.ID, Start: target, End: target.Add(30 * time.Minute)})
	assert.ErrorIs(t, err, ErrRescheduleWindowClosed)
}

func TestServiceReschedule_Failures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Reschedule(ctx, RescheduleInput{ID: uuid.New(), Start: baseNow.Add(30 * time.Hour), End: baseNow.Add(31 * time.Hour)})
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	cancelled := f.book(t, baseNow.Add(48*time.Hour), time.Hour)
	_, err = f.svc.Cancel(ctx, CancelInput{ID: cancelled.ID, Reason: "patient request"})
	require.NoError(t, err)
	_, err = f.svc.Reschedule(ctx, RescheduleInput{ID: cancelled.ID, Start: baseNow.Add(72 * time.Hour), End: baseNow.Add(73 * time.Hour)})
	assert.ErrorIs(t, err, ErrAppointmentCancelled)

	completed := f.book(t, baseNow.Add(60*time.Hour), time.Hour)
	_, err = f.svc.Complete(ctx, CompleteInput{ID: completed.ID})
	require.NoError(t, err)
	_, err = f.svc.Reschedule(ctx, RescheduleInput{ID: completed.ID, Start: baseNow.Add(80 * time.Hour), End: baseNow.Add(81 * time.Hour)})
	assert.ErrorIs(t, err, ErrAppointmentCompleted)
}

func TestServiceReschedule_StaleVersionIsConcurrencyConflict(t *testing.T) {
	f := newFixture(t)
	booked := f.book(t, baseNow.Add(48*time.Hour), time.Hour)

	_, err := f.svc.Reschedule(context.Background(), RescheduleInput{
		ID: booked.ID, Start: baseNow.Add(72 * time.Hour), End: baseNow.Add(73 * time.Hour),
	})
	require.NoError(t, err)

	_, err = f.svc.Reschedule(context.Background(), RescheduleInput{
		ID: booked.ID, Start: baseNow.Add(80 * time.Hour), End: baseNow.Add(81 * time.Hour),
		ExpectedVersion: booked.Version,
	})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.NotErrorIs(t, err, ErrSlotConflict)
}

func TestMemoryRepository_StaleCopyRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	booked := f.book(t, baseNow.Add(48*time.Hour), time.Hour)

	first, err := f.repo.GetAppointment(ctx, booked.ID)
	require.NoError(t, err)
	second, err := f.repo.GetAppointment(ctx, booked.ID)
	require.NoError(t, err)

	save := func(a *Appointment) error {
		return f.repo.Transact(ctx, a.DoctorID(), func(ctx context.Context, st Store) error {
			return st.Update(ctx, a)
		})
	}

	require.NoError(t, first.Reschedule(Window{Start: baseNow.Add(72 * time.Hour), End: baseNow.Add(73 * time.Hour)}, "", baseNow))
	require.NoError(t, save(first))
	assert.Equal(t, int64(2), first.Version())

	require.NoError(t, second.Reschedule(Window{Start: baseNow.Add(90 * time.Hour), End: baseNow.Add(91 * time.Hour)}, "", baseNow))
	assert.ErrorIs(t, save(second), ErrConcurrencyConflict)

	stored, err := f.svc.GetAppointment(ctx, booked.ID)
	require.NoError(t, err)
	assert.Equal(t, baseNow.Add(72*time.Hour), stored.Start)
}

func TestServiceComplete_Idempotent(t *testing.T) {
	f := newFixture(t)
	booked := f.book(t, baseNow.Add(time.Hour), time.Hour)

	f.clock.Advance(2 * time.Hour)
	first, err := f.svc.Complete(context.Background(), CompleteInput{ID: booked.ID, Notes: "follow up in 6 weeks"})
	require.NoError(t, err)
	assert.False(t, first.AlreadyCompleted)
	assert.Equal(t, StatusCompleted, first.Status)

	f.clock.Advance(time.Hour)
	second, err := f.svc.Complete(context.Background(), CompleteInput{ID: booked.ID, Notes: "other"})
	require.NoError(t, err)
	assert.True(t, second.AlreadyCompleted)
	assert.Equal(t, first.CompletedAt, second.CompletedAt)
	assert.Equal(t, "follow up in 6 weeks", second.Notes)
	assert.Equal(t, first.Version, second.Version, "no-op makes no write")

	assert.Equal(t, []string{EventAppointmentBooked, EventAppointmentCompleted}, f.publisher.Types())
}

func TestServiceComplete_CancelledFails(t *testing.T) {
	f := newFixture(t)
	booked := f.book(t, baseNow.Add(time.Hour), time.Hour)
	_, err := f.svc.Cancel(context.Background(), CancelInput{ID: booked.ID, Reason: "patient request"})
	require.NoError(t, err)

	_, err = f.svc.Complete(context.Background(), CompleteInput{ID: booked.ID})
	assert.ErrorIs(t, err, ErrAppointmentCancelled)

	_, err = f.svc.Complete(context.Background(), CompleteInput{ID: uuid.New()})
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestServiceCancel_Idempotent(t *testing.T) {
	f := newFixture(t)
	booked := f.book(t, baseNow.Add(time.Hour), time.Hour)

	first, err := f.svc.Cancel(context.Background(), CancelInput{ID: booked.ID, Reason: "patient request"})
	require.NoError(t, err)
	assert.False(t, first.AlreadyCancelled)

	f.clock.Advance(time.Minute)
	second, err := f.svc.Cancel(context.Background(), CancelInput{ID: booked.ID, Reason: "again"})
	require.NoError(t, err)
	assert.True(t, second.AlreadyCancelled)
	assert.Equal(t, first.CancelledAt, second.CancelledAt)
	assert.Equal(t, "patient request", second.Reason)
	assert.Equal(t, StatusCancelled, second.Status)
}

func TestServiceCancel_EmptyReasonAndCompleted(t *testing.T) {
	f := newFixture(t)
	booked := f.book(t, baseNow.Add(time.Hour), time.Hour)

	_, err := f.svc.Cancel(context.Background(), CancelInput{ID: booked.ID, Reason: ""})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Complete(context.Background(), CompleteInput{ID: booked.ID})
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), CancelInput{ID: booked.ID, Reason: "patient request"})
	assert.ErrorIs(t, err, ErrAppointmentCompleted)
	assert.Equal(t, KindStatusConflict, KindOf(err))
}

func TestServiceHasConflict(t *testing.T) {
	f := newFixture(t)
	booked := f.book(t, at(10, 0), time.Hour)

	busy, err := f.svc.HasConflict(context.Background(), ConflictQuery{DoctorID: f.doctor, Window: Window{Start: at(10, 30), End: at(11, 30)}})
	require.NoError(t, err)
	assert.True(t, busy)

	busy, err = f.svc.HasConflict(context.Background(), ConflictQuery{DoctorID: f.doctor, Window: Window{Start: at(10, 30), End: at(11, 30)}, Exclude: booked.ID})
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestServiceListAppointments(t *testing.T) {
	f := newFixture(t)
	otherDoctor := uuid.New()
	f.repo.AddDoctor(otherDoctor)

	f.book(t, at(12, 0), time.Hour)
	f.book(t, at(10, 0), time.Hour)
	_, err := f.svc.Book(context.Background(), BookInput{PatientID: f.patient, DoctorID: otherDoctor, Start: at(10, 0), End: at(11, 0)})
	require.NoError(t, err)

	recs, err := f.svc.ListAppointments(context.Background(), ListFilter{PatientID: f.patient})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.False(t, recs[1].Start.Before(recs[0].Start), "ordered by start")

	recs, err = f.svc.ListAppointments(context.Background(), ListFilter{DoctorID: f.doctor, From: at(11, 30)})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, at(12, 0), recs[0].Start)

	recs, err = f.svc.ListAppointments(context.Background(), ListFilter{PatientID: f.patient, Limit: 1, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	_, err = f.svc.ListAppointments(context.Background(), ListFilter{Status: "pending"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRetry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return ErrConcurrencyConflict
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Retry(context.Background(), 5, func(ctx context.Context) error {
		calls++
		return ErrSlotConflict
	})
	assert.ErrorIs(t, err, ErrSlotConflict)
	assert.Equal(t, 1, calls, "non-retryable errors stop immediately")

	calls = 0
	err = Retry(context.Background(), 2, func(ctx context.Context) error {
		calls++
		return ErrCalendarBusy
	})
	assert.ErrorIs(t, err, ErrCalendarBusy)
	assert.Equal(t, 2, calls)
}

func TestServiceActiveOverlaps(t *testing.T) {
	f := newFixture(t)
	f.book(t, at(10, 0), time.Hour)

	pairs, err := f.svc.ActiveOverlaps(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pairs)

	// a row that bypassed the conflict check
	stray := Record{
		ID:        uuid.New(),
		PatientID: f.patient,
		DoctorID:  f.doctor,
		Start:     at(10, 30),
		End:       at(11, 30),
		Status:    StatusScheduled,
		Version:   1,
	}
	f.repo.Put(stray)

	pairs, err = f.svc.ActiveOverlaps(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, f.doctor, pairs[0].DoctorID)

	f.clock.Advance(72 * time.Hour)
	pairs, err = f.svc.ActiveOverlaps(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pairs, "finished appointments are not reported")
}

func TestService_RandomCommandSequenceKeepsCalendarsDisjoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	doctors := []uuid.UUID{f.doctor, uuid.New(), uuid.New()}
	for _, d := range doctors[1:] {
		f.repo.AddDoctor(d)
	}
	window := func() (time.Time, time.Time) {
		start := baseNow.Truncate(time.Hour).Add(48*time.Hour + time.Duration(rng.Intn(96))*15*time.Minute)
		return start, start.Add(time.Duration(15+rng.Intn(46)) * time.Minute)
	}

	var ids []uuid.UUID
	for i := 0; i < 300; i++ {
		var err error
		switch n := rng.Intn(10); {
		case n < 5 || len(ids) == 0:
			start, end := window()
			var res *BookResult
			res, err = f.svc.Book(ctx, BookInput{PatientID: f.patient, DoctorID: doctors[rng.Intn(len(doctors))], Start: start, End: end})
			if err == nil {
				ids = append(ids, res.ID)
			}
		case n < 8:
			start, end := window()
			_, err = f.svc.Reschedule(ctx, RescheduleInput{ID: ids[rng.Intn(len(ids))], Start: start, End: end})
		default:
			_, err = f.svc.Cancel(ctx, CancelInput{ID: ids[rng.Intn(len(ids))], Reason: "x"})
		}

		if err != nil {
			require.Contains(t, []Kind{KindResourceConflict, KindStatusConflict}, KindOf(err), "op %d: %v", i, err)
		}
		pairs, err := f.repo.FindOverlappingActive(ctx, time.Time{})
		require.NoError(t, err)
		require.Empty(t, pairs, "op %d", i)
	}
}
