package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the set of operations available inside one unit of work.
type Store interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// HasOverlap reports whether the doctor has an active appointment other
	// than exclude whose window overlaps [start, end).
	HasOverlap(ctx context.Context, doctorID uuid.UUID, start, end time.Time, exclude uuid.UUID) (bool, error)

	// Insert persists a freshly scheduled appointment.
	Insert(ctx context.Context, a *Appointment) error

	// Update persists a mutated appointment if the stored version still
	// equals a.Version(), otherwise returns ErrConcurrencyConflict.
	Update(ctx context.Context, a *Appointment) error

	// InsertEvents writes the audit trail for events recorded by a transition.
	InsertEvents(ctx context.Context, events []Event) error
}

// Repository contains all DB interactions needed by the service.
type Repository interface {
	PatientExists(ctx context.Context, id uuid.UUID) (bool, error)
	DoctorExists(ctx context.Context, id uuid.UUID) (bool, error)

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f ListFilter) ([]Record, error)
	HasOverlap(ctx context.Context, doctorID uuid.UUID, start, end time.Time, exclude uuid.UUID) (bool, error)

	// Transact runs fn in a single unit of work. When lockDoctor is not
	// uuid.Nil, the doctor's calendar is locked for the duration so the
	// conflict check and the write cannot interleave with another writer
	// for that doctor. Nothing fn wrote survives if it returns an error.
	Transact(ctx context.Context, lockDoctor uuid.UUID, fn func(ctx context.Context, s Store) error) error

	// FindOverlappingActive is used by the sweep to find double bookings
	// that slipped past the conflict check.
	FindOverlappingActive(ctx context.Context, from time.Time) ([]OverlapPair, error)
}
