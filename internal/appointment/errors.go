package appointment

import (
	"errors"
	"fmt"
)

// Kind classifies a failure independently of any transport.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindValidation          Kind = "validation"
	KindStatusConflict      Kind = "status_conflict"
	KindResourceConflict    Kind = "resource_conflict"
	KindConcurrencyConflict Kind = "concurrency_conflict"
)

// Error is the failure type returned by the scheduling core. Code names
// the guard that failed, Message explains it to a human.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches on Code when the target carries one, otherwise on Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return t.Code == e.Code
	}
	return t.Kind == e.Kind
}

var (
	ErrAppointmentNotFound = &Error{Kind: KindNotFound, Code: "appointment_not_found", Message: "appointment not found"}
	ErrPatientNotFound     = &Error{Kind: KindNotFound, Code: "patient_not_found", Message: "patient not found"}
	ErrDoctorNotFound      = &Error{Kind: KindNotFound, Code: "doctor_not_found", Message: "doctor not found"}

	// ErrValidation matches every validation failure.
	ErrValidation = &Error{Kind: KindValidation}

	ErrRescheduleWindowClosed = &Error{
		Kind:    KindValidation,
		Code:    "reschedule_window_closed",
		Message: "appointment starts within 24 hours and can no longer be rescheduled",
	}

	ErrAppointmentCancelled = &Error{Kind: KindStatusConflict, Code: "appointment_cancelled", Message: "appointment is cancelled"}
	ErrAppointmentCompleted = &Error{Kind: KindStatusConflict, Code: "appointment_completed", Message: "appointment is completed"}

	ErrSlotConflict = &Error{
		Kind:    KindResourceConflict,
		Code:    "slot_conflict",
		Message: "doctor already has an active appointment overlapping the requested window",
	}

	ErrConcurrencyConflict = &Error{
		Kind:    KindConcurrencyConflict,
		Code:    "concurrency_conflict",
		Message: "appointment was modified by another request, reload and retry",
	}
	ErrCalendarBusy = &Error{
		Kind:    KindConcurrencyConflict,
		Code:    "calendar_busy",
		Message: "doctor calendar is being modified by another request, retry shortly",
	}
)

func validationError(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func statusError(base *Error, op string) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: fmt.Sprintf("cannot %s: %s", op, base.Message)}
}

// KindOf reports the kind of a scheduling error, or "" for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether the whole operation may be retried.
func IsRetryable(err error) bool {
	return KindOf(err) == KindConcurrencyConflict
}
