package appointment

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hackgods/clinic-scheduling/internal/policy"
)

func isUTC(t time.Time) bool {
	return t.Location() == time.UTC
}

// checkWindow validates a requested window against the shared duration
// bounds and the given lead time relative to now.
func checkWindow(w Window, lead time.Duration, now time.Time) error {
	if w.Start.IsZero() || w.End.IsZero() {
		return validationError("window_required", "start and end are required")
	}
	if !isUTC(w.Start) || !isUTC(w.End) {
		return validationError("window_not_utc", "start and end must be UTC timestamps")
	}
	if !w.Start.Before(w.End) {
		return validationError("window_order", "start %s must be before end %s",
			w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	if d := w.Duration(); d < policy.MinDuration || d > policy.MaxDuration {
		return validationError("duration_out_of_range", "duration %s must be between %s and %s",
			d, policy.MinDuration, policy.MaxDuration)
	}
	if w.Start.Sub(now) < lead {
		return validationError("lead_time", "start must be at least %s from now", lead)
	}
	return nil
}

// CheckBookingWindow is the booking pre-check used before any store access.
func CheckBookingWindow(w Window, now time.Time) error {
	return checkWindow(w, policy.BookingLeadTime, now)
}

// CheckRescheduleWindow validates the new window of a reschedule.
func CheckRescheduleWindow(w Window, now time.Time) error {
	return checkWindow(w, policy.RescheduleLeadTime, now)
}

func checkLength(code, field, value string, max int) error {
	if n := utf8.RuneCountInString(value); n > max {
		return validationError(code, "%s is %d characters, maximum is %d", field, n, max)
	}
	return nil
}

func CheckNotes(notes string) error {
	return checkLength("notes_too_long", "notes", notes, policy.MaxNotesLength)
}

func CheckRescheduleReason(reason string) error {
	return checkLength("reason_too_long", "reason", reason, policy.MaxRescheduleReasonLength)
}

func CheckCancellationReason(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return validationError("reason_required", "cancellation reason is required")
	}
	return checkLength("reason_too_long", "reason", reason, policy.MaxCancellationReasonLength)
}

func joinNotes(notes, addition string) string {
	if addition == "" {
		return notes
	}
	if notes == "" {
		return addition
	}
	return notes + policy.NotesSeparator + addition
}
