package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

type BookAppointmentRequest struct {
	PatientID string `json:"patient_id"`
	DoctorID  string `json:"doctor_id"`
	Start     string `json:"start"`
	End       string `json:"end"`
	Notes     string `json:"notes"`
}

type RescheduleRequest struct {
	Start  string `json:"start"`
	End    string `json:"end"`
	Reason string `json:"reason"`
}

type CompleteRequest struct {
	Notes string `json:"notes"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID  `json:"id"`
	PatientID          uuid.UUID  `json:"patient_id"`
	DoctorID           uuid.UUID  `json:"doctor_id"`
	Start              time.Time  `json:"start"`
	End                time.Time  `json:"end"`
	Status             string     `json:"status"`
	Notes              string     `json:"notes,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
	Version            int64      `json:"version"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func toAppointmentResponse(rec appointment.Record) AppointmentResponse {
	return AppointmentResponse{
		ID:                 rec.ID,
		PatientID:          rec.PatientID,
		DoctorID:           rec.DoctorID,
		Start:              rec.Start,
		End:                rec.End,
		Status:             string(rec.Status),
		Notes:              rec.Notes,
		CompletedAt:        rec.CompletedAt,
		CancelledAt:        rec.CancelledAt,
		CancellationReason: rec.CancellationReason,
		Version:            rec.Version,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}
}

type ListAppointmentsResponse struct {
	Items  []AppointmentResponse `json:"items"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

type BookResponse struct {
	ID      uuid.UUID `json:"id"`
	Status  string    `json:"status"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Version int64     `json:"version"`
}

type RescheduleResponse struct {
	ID            uuid.UUID `json:"id"`
	Status        string    `json:"status"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	PreviousStart time.Time `json:"previous_start"`
	PreviousEnd   time.Time `json:"previous_end"`
	Version       int64     `json:"version"`
}

type CompleteResponse struct {
	ID               uuid.UUID `json:"id"`
	Status           string    `json:"status"`
	CompletedAt      time.Time `json:"completed_at"`
	Notes            string    `json:"notes,omitempty"`
	Version          int64     `json:"version"`
	AlreadyCompleted bool      `json:"already_completed"`
}

type CancelResponse struct {
	ID               uuid.UUID `json:"id"`
	Status           string    `json:"status"`
	CancelledAt      time.Time `json:"cancelled_at"`
	Reason           string    `json:"reason"`
	Version          int64     `json:"version"`
	AlreadyCancelled bool      `json:"already_cancelled"`
}

type ConflictResponse struct {
	DoctorID uuid.UUID `json:"doctor_id"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Conflict bool      `json:"conflict"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
