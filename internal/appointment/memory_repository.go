package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/policy"
)

// MemoryRepository keeps everything in process. Transact holds one mutex
// for the whole unit of work, so transactions are fully serialized.
type MemoryRepository struct {
	mu           sync.RWMutex
	patients     map[uuid.UUID]struct{}
	doctors      map[uuid.UUID]struct{}
	appointments map[uuid.UUID]Record
	events       []Event
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		patients:     make(map[uuid.UUID]struct{}),
		doctors:      make(map[uuid.UUID]struct{}),
		appointments: make(map[uuid.UUID]Record),
	}
}

func (r *MemoryRepository) AddPatient(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients[id] = struct{}{}
}

func (r *MemoryRepository) AddDoctor(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doctors[id] = struct{}{}
}

// Put stores a record as-is, bypassing the aggregate. Intended for seeding
// fixtures such as overlaps the service would refuse to create.
func (r *MemoryRepository) Put(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appointments[rec.ID] = rec
}

// Events returns the audit trail written so far.
func (r *MemoryRepository) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Event(nil), r.events...)
}

func (r *MemoryRepository) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.patients[id]
	return ok, nil
}

func (r *MemoryRepository) DoctorExists(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.doctors[id]
	return ok, nil
}

func (r *MemoryRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return FromRecord(rec), nil
}

func (r *MemoryRepository) HasOverlap(ctx context.Context, doctorID uuid.UUID, start, end time.Time, exclude uuid.UUID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return hasOverlap(r.appointments, doctorID, Window{Start: start, End: end}, exclude), nil
}

func (r *MemoryRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Record
	for _, rec := range r.appointments {
		if matchesFilter(rec, f) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].Start.Before(out[j].Start)
	})

	if f.Offset >= len(out) {
		return []Record{}, nil
	}
	out = out[f.Offset:]
	limit := f.Limit
	if limit <= 0 {
		limit = policy.DefaultListLimit
	}
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) FindOverlappingActive(ctx context.Context, from time.Time) ([]OverlapPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var recs []Record
	for _, rec := range r.appointments {
		if rec.End.After(from) {
			recs = append(recs, rec)
		}
	}
	return FindOverlaps(recs), nil
}

// Transact stages writes and applies them only when fn succeeds and ctx is
// still live.
func (r *MemoryRepository) Transact(ctx context.Context, lockDoctor uuid.UUID, fn func(ctx context.Context, s Store) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryTx{repo: r, staged: make(map[uuid.UUID]Record)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for id, rec := range tx.staged {
		r.appointments[id] = rec
	}
	r.events = append(r.events, tx.events...)
	for _, a := range tx.accepted {
		a.agg.setVersion(a.version)
	}
	return nil
}

type acceptedWrite struct {
	agg     *Appointment
	version int64
}

type memoryTx struct {
	repo     *MemoryRepository
	staged   map[uuid.UUID]Record
	events   []Event
	accepted []acceptedWrite
}

func (t *memoryTx) lookup(id uuid.UUID) (Record, bool) {
	if rec, ok := t.staged[id]; ok {
		return rec, true
	}
	rec, ok := t.repo.appointments[id]
	return rec, ok
}

func (t *memoryTx) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	rec, ok := t.lookup(id)
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return FromRecord(rec), nil
}

func (t *memoryTx) HasOverlap(ctx context.Context, doctorID uuid.UUID, start, end time.Time, exclude uuid.UUID) (bool, error) {
	w := Window{Start: start, End: end}
	if hasOverlap(t.staged, doctorID, w, exclude) {
		return true, nil
	}
	for id, rec := range t.repo.appointments {
		if _, shadowed := t.staged[id]; shadowed {
			continue
		}
		if conflictsWith(rec, doctorID, w, exclude) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) Insert(ctx context.Context, a *Appointment) error {
	if _, exists := t.lookup(a.ID()); exists {
		return ErrConcurrencyConflict
	}
	rec := a.Record()
	rec.Version = 1
	t.staged[rec.ID] = rec
	t.accepted = append(t.accepted, acceptedWrite{agg: a, version: rec.Version})
	return nil
}

func (t *memoryTx) Update(ctx context.Context, a *Appointment) error {
	current, ok := t.lookup(a.ID())
	if !ok {
		return ErrAppointmentNotFound
	}
	if current.Version != a.Version() {
		return ErrConcurrencyConflict
	}
	rec := a.Record()
	rec.Version = current.Version + 1
	t.staged[rec.ID] = rec
	t.accepted = append(t.accepted, acceptedWrite{agg: a, version: rec.Version})
	return nil
}

func (t *memoryTx) InsertEvents(ctx context.Context, events []Event) error {
	t.events = append(t.events, events...)
	return nil
}

func hasOverlap(recs map[uuid.UUID]Record, doctorID uuid.UUID, w Window, exclude uuid.UUID) bool {
	for _, rec := range recs {
		if conflictsWith(rec, doctorID, w, exclude) {
			return true
		}
	}
	return false
}

func matchesFilter(rec Record, f ListFilter) bool {
	if f.PatientID != uuid.Nil && rec.PatientID != f.PatientID {
		return false
	}
	if f.DoctorID != uuid.Nil && rec.DoctorID != f.DoctorID {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && !rec.End.After(f.From) {
		return false
	}
	if !f.To.IsZero() && !rec.Start.Before(f.To) {
		return false
	}
	return true
}
