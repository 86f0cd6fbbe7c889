package appointment

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/policy"
)

type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusRescheduled Status = "rescheduled"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
)

// ActiveStatuses occupy a slot on the doctor's calendar.
var ActiveStatuses = []Status{StatusScheduled, StatusRescheduled}

func (s Status) IsActive() bool {
	return slices.Contains(ActiveStatuses, s)
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Overlaps reports whether [a.Start, a.End) and [b.Start, b.End) intersect.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Record is the persisted shape of an appointment. Repositories read and
// write Records; everything else goes through Appointment.
type Record struct {
	ID                 uuid.UUID
	PatientID          uuid.UUID
	DoctorID           uuid.UUID
	Start              time.Time
	End                time.Time
	Status             Status
	Notes              string
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	CancellationReason string
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (r Record) Window() Window {
	return Window{Start: r.Start, End: r.End}
}

// InUTC returns r with every timestamp converted to UTC.
func (r Record) InUTC() Record {
	r.Start = r.Start.UTC()
	r.End = r.End.UTC()
	r.CompletedAt = utcPtr(r.CompletedAt)
	r.CancelledAt = utcPtr(r.CancelledAt)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r
}

// ListFilter narrows the query handler's result set. Zero values mean
// "no constraint".
type ListFilter struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	Status    Status
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// Normalized applies the default limit and clamps limit and offset.
func (f ListFilter) Normalized() ListFilter {
	if f.Limit <= 0 {
		f.Limit = policy.DefaultListLimit
	}
	if f.Limit > policy.MaxListLimit {
		f.Limit = policy.MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// OverlapPair is two active appointments of one doctor whose windows
// intersect. Found by the background sweep.
type OverlapPair struct {
	DoctorID uuid.UUID
	First    Record
	Second   Record
}
