package appointment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// OverlapFinder answers the range-filtered existence query behind
// conflict detection. Both Store and Repository satisfy it.
type OverlapFinder interface {
	HasOverlap(ctx context.Context, doctorID uuid.UUID, start, end time.Time, exclude uuid.UUID) (bool, error)
}

type ConflictQuery struct {
	DoctorID uuid.UUID
	Window   Window
	// Exclude is the appointment being modified, or uuid.Nil.
	Exclude uuid.UUID
}

// ConflictDetector is the single entry point used by Book and Reschedule,
// so both apply the same overlap semantics.
type ConflictDetector struct {
	finder OverlapFinder
}

func NewConflictDetector(finder OverlapFinder) ConflictDetector {
	return ConflictDetector{finder: finder}
}

func (d ConflictDetector) HasConflict(ctx context.Context, q ConflictQuery) (bool, error) {
	if q.DoctorID == uuid.Nil {
		return false, validationError("doctor_required", "doctor_id is required")
	}
	if !q.Window.Start.Before(q.Window.End) {
		return false, validationError("window_order", "start must be before end")
	}
	ok, err := d.finder.HasOverlap(ctx, q.DoctorID, q.Window.Start.UTC(), q.Window.End.UTC(), q.Exclude)
	if err != nil {
		return false, fmt.Errorf("conflict query: %w", err)
	}
	return ok, nil
}

// conflictsWith is the in-memory form of the conflict predicate, shared by
// the memory repository and the overlap sweep.
func conflictsWith(r Record, doctorID uuid.UUID, w Window, exclude uuid.UUID) bool {
	return r.DoctorID == doctorID &&
		r.Status.IsActive() &&
		r.ID != exclude &&
		r.Window().Overlaps(w)
}

// FindOverlaps returns every pair of active records for the same doctor
// whose windows overlap.
func FindOverlaps(records []Record) []OverlapPair {
	byDoctor := make(map[uuid.UUID][]Record)
	for _, r := range records {
		if r.Status.IsActive() {
			byDoctor[r.DoctorID] = append(byDoctor[r.DoctorID], r)
		}
	}

	var pairs []OverlapPair
	for doctorID, recs := range byDoctor {
		sort.Slice(recs, func(i, j int) bool { return recs[i].Start.Before(recs[j].Start) })
		for i := range recs {
			for j := i + 1; j < len(recs); j++ {
				// sorted by start, so nothing later can overlap recs[i]
				if !recs[j].Start.Before(recs[i].End) {
					break
				}
				if conflictsWith(recs[j], doctorID, recs[i].Window(), recs[i].ID) {
					pairs = append(pairs, OverlapPair{DoctorID: doctorID, First: recs[i], Second: recs[j]})
				}
			}
		}
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].First.Start.Before(pairs[j].First.Start) })
	return pairs
}
