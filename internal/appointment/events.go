package appointment

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventAppointmentBooked      = "appointment.booked"
	EventAppointmentRescheduled = "appointment.rescheduled"
	EventAppointmentCompleted   = "appointment.completed"
	EventAppointmentCancelled   = "appointment.cancelled"
)

// Event is a domain event recorded by a successful transition.
type Event interface {
	EventID() uuid.UUID
	EventType() string
	AggregateID() uuid.UUID
	OccurredAt() time.Time
}

type eventHeader struct {
	ID            uuid.UUID `json:"event_id"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	At            time.Time `json:"occurred_at"`
}

func newHeader(appointmentID uuid.UUID, at time.Time) eventHeader {
	return eventHeader{ID: uuid.New(), AppointmentID: appointmentID, At: at}
}

func (h eventHeader) EventID() uuid.UUID     { return h.ID }
func (h eventHeader) AggregateID() uuid.UUID { return h.AppointmentID }
func (h eventHeader) OccurredAt() time.Time  { return h.At }

type Booked struct {
	eventHeader
	PatientID uuid.UUID `json:"patient_id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Notes     string    `json:"notes,omitempty"`
}

func (Booked) EventType() string { return EventAppointmentBooked }

type Rescheduled struct {
	eventHeader
	DoctorID      uuid.UUID `json:"doctor_id"`
	PreviousStart time.Time `json:"previous_start"`
	PreviousEnd   time.Time `json:"previous_end"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Reason        string    `json:"reason,omitempty"`
}

func (Rescheduled) EventType() string { return EventAppointmentRescheduled }

type Completed struct {
	eventHeader
	CompletedAt time.Time `json:"completed_at"`
	Notes       string    `json:"notes,omitempty"`
}

func (Completed) EventType() string { return EventAppointmentCompleted }

type Cancelled struct {
	eventHeader
	CancelledAt time.Time `json:"cancelled_at"`
	Reason      string    `json:"reason"`
}

func (Cancelled) EventType() string { return EventAppointmentCancelled }
