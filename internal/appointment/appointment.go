package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/policy"
)

// Appointment is the scheduling aggregate. Its state only changes through
// Schedule, Reschedule, Complete and Cancel; each successful transition
// records an Event that the caller drains with PullEvents after persisting.
type Appointment struct {
	id                 uuid.UUID
	patientID          uuid.UUID
	doctorID           uuid.UUID
	window             Window
	status             Status
	notes              string
	completedAt        *time.Time
	cancelledAt        *time.Time
	cancellationReason string
	version            int64
	createdAt          time.Time
	updatedAt          time.Time

	events []Event
}

type ScheduleParams struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	Start     time.Time
	End       time.Time
	Notes     string
}

// Schedule creates a new appointment in the Scheduled state.
func Schedule(p ScheduleParams, now time.Time) (*Appointment, error) {
	if p.PatientID == uuid.Nil {
		return nil, validationError("patient_required", "patient_id is required")
	}
	if p.DoctorID == uuid.Nil {
		return nil, validationError("doctor_required", "doctor_id is required")
	}
	w := Window{Start: p.Start, End: p.End}
	if err := CheckBookingWindow(w, now); err != nil {
		return nil, err
	}
	if err := CheckNotes(p.Notes); err != nil {
		return nil, err
	}

	now = now.UTC()
	a := &Appointment{
		id:        uuid.New(),
		patientID: p.PatientID,
		doctorID:  p.DoctorID,
		window:    w,
		status:    StatusScheduled,
		notes:     p.Notes,
		createdAt: now,
		updatedAt: now,
	}
	a.record(Booked{
		eventHeader: newHeader(a.id, now),
		PatientID:   a.patientID,
		DoctorID:    a.doctorID,
		Start:       w.Start,
		End:         w.End,
		Notes:       a.notes,
	})
	return a, nil
}

// FromRecord rebuilds an aggregate from its persisted shape.
func FromRecord(r Record) *Appointment {
	return &Appointment{
		id:                 r.ID,
		patientID:          r.PatientID,
		doctorID:           r.DoctorID,
		window:             Window{Start: r.Start.UTC(), End: r.End.UTC()},
		status:             r.Status,
		notes:              r.Notes,
		completedAt:        utcPtr(r.CompletedAt),
		cancelledAt:        utcPtr(r.CancelledAt),
		cancellationReason: r.CancellationReason,
		version:            r.Version,
		createdAt:          r.CreatedAt.UTC(),
		updatedAt:          r.UpdatedAt.UTC(),
	}
}

func (a *Appointment) Record() Record {
	return Record{
		ID:                 a.id,
		PatientID:          a.patientID,
		DoctorID:           a.doctorID,
		Start:              a.window.Start,
		End:                a.window.End,
		Status:             a.status,
		Notes:              a.notes,
		CompletedAt:        a.completedAt,
		CancelledAt:        a.cancelledAt,
		CancellationReason: a.cancellationReason,
		Version:            a.version,
		CreatedAt:          a.createdAt,
		UpdatedAt:          a.updatedAt,
	}
}

func (a *Appointment) ID() uuid.UUID              { return a.id }
func (a *Appointment) PatientID() uuid.UUID       { return a.patientID }
func (a *Appointment) DoctorID() uuid.UUID        { return a.doctorID }
func (a *Appointment) Window() Window             { return a.window }
func (a *Appointment) Start() time.Time           { return a.window.Start }
func (a *Appointment) End() time.Time             { return a.window.End }
func (a *Appointment) Status() Status             { return a.status }
func (a *Appointment) Notes() string              { return a.notes }
func (a *Appointment) CompletedAt() *time.Time    { return a.completedAt }
func (a *Appointment) CancelledAt() *time.Time    { return a.cancelledAt }
func (a *Appointment) CancellationReason() string { return a.cancellationReason }
func (a *Appointment) Version() int64             { return a.version }
func (a *Appointment) CreatedAt() time.Time       { return a.createdAt }
func (a *Appointment) UpdatedAt() time.Time       { return a.updatedAt }

// CheckReschedule runs every reschedule guard without mutating anything.
// The window-closed cutoff on the original start is checked before the new
// window so it wins regardless of where the new window lies.
func (a *Appointment) CheckReschedule(newWindow Window, reason string, now time.Time) error {
	switch a.status {
	case StatusCancelled:
		return statusError(ErrAppointmentCancelled, "reschedule")
	case StatusCompleted:
		return statusError(ErrAppointmentCompleted, "reschedule")
	}
	if a.window.Start.Sub(now) <= policy.RescheduleCutoff {
		return ErrRescheduleWindowClosed
	}
	if err := CheckRescheduleWindow(newWindow, now); err != nil {
		return err
	}
	if err := CheckRescheduleReason(reason); err != nil {
		return err
	}
	if err := CheckNotes(joinNotes(a.notes, reason)); err != nil {
		return err
	}
	return nil
}

// Reschedule moves the appointment to newWindow. The caller is responsible
// for the conflict check against the doctor's other appointments.
func (a *Appointment) Reschedule(newWindow Window, reason string, now time.Time) error {
	if err := a.CheckReschedule(newWindow, reason, now); err != nil {
		return err
	}
	previous := a.window
	a.window = newWindow
	a.status = StatusRescheduled
	a.notes = joinNotes(a.notes, reason)
	a.updatedAt = now.UTC()
	a.record(Rescheduled{
		eventHeader:   newHeader(a.id, a.updatedAt),
		DoctorID:      a.doctorID,
		PreviousStart: previous.Start,
		PreviousEnd:   previous.End,
		Start:         newWindow.Start,
		End:           newWindow.End,
		Reason:        reason,
	})
	return nil
}

// Complete marks the appointment completed. It reports changed=false when
// the appointment was already completed; the existing completion data is
// left untouched and the supplied notes are ignored in that case.
func (a *Appointment) Complete(notes string, now time.Time) (changed bool, err error) {
	switch a.status {
	case StatusCompleted:
		return false, nil
	case StatusCancelled:
		return false, statusError(ErrAppointmentCancelled, "complete")
	}
	if err := CheckNotes(notes); err != nil {
		return false, err
	}
	at := now.UTC()
	a.status = StatusCompleted
	a.completedAt = &at
	if notes != "" {
		a.notes = notes
	}
	a.updatedAt = at
	a.record(Completed{
		eventHeader: newHeader(a.id, at),
		CompletedAt: at,
		Notes:       a.notes,
	})
	return true, nil
}

// Cancel marks the appointment cancelled. It reports changed=false when
// the appointment was already cancelled.
func (a *Appointment) Cancel(reason string, now time.Time) (changed bool, err error) {
	if err := CheckCancellationReason(reason); err != nil {
		return false, err
	}
	switch a.status {
	case StatusCancelled:
		return false, nil
	case StatusCompleted:
		return false, statusError(ErrAppointmentCompleted, "cancel")
	}
	at := now.UTC()
	a.status = StatusCancelled
	a.cancelledAt = &at
	a.cancellationReason = reason
	a.updatedAt = at
	a.record(Cancelled{
		eventHeader: newHeader(a.id, at),
		CancelledAt: at,
		Reason:      reason,
	})
	return true, nil
}

// PullEvents returns the recorded events and clears the outbox.
func (a *Appointment) PullEvents() []Event {
	events := a.events
	a.events = nil
	return events
}

// PendingEvents returns the recorded events without clearing them.
func (a *Appointment) PendingEvents() []Event {
	return append([]Event(nil), a.events...)
}

// setVersion is called by repositories once a write has been accepted.
func (a *Appointment) setVersion(v int64) {
	a.version = v
}

func (a *Appointment) record(e Event) {
	a.events = append(a.events, e)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
