// Package policy holds the scheduling thresholds shared by request
// validation and the appointment aggregate.
package policy

import "time"

const (
	// MinDuration and MaxDuration bound the length of any appointment window.
	MinDuration = 10 * time.Minute
	MaxDuration = 8 * time.Hour

	// BookingLeadTime is how far beyond now a new booking must start.
	BookingLeadTime = 15 * time.Minute

	// RescheduleLeadTime is how far beyond now the new window of a
	// reschedule must start.
	RescheduleLeadTime = 2 * time.Hour

	// RescheduleCutoff: once the original start is this close, the
	// appointment can no longer be moved.
	RescheduleCutoff = 24 * time.Hour
)

const (
	MaxNotesLength              = 1024
	MaxRescheduleReasonLength   = 500
	MaxCancellationReasonLength = 500

	// NotesSeparator joins a reschedule reason onto existing notes.
	NotesSeparator = "\n"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)
