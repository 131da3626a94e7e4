package schedule

import (
	"sort"
	"time"
)

// ConflictType classifies an OverlapConflict. Time overlap is the only kind
// detected today.
type ConflictType string

const ConflictTimeOverlap ConflictType = "time-overlap"

// Severity grades how much of the two windows collide.
type Severity string

const (
	SeverityPartial Severity = "partial"
	SeverityFull    Severity = "full"
)

// OverlapConflict names two scheduled items whose windows intersect, together
// with the intersection itself. Conflicts are computed on demand and never
// persisted.
type OverlapConflict struct {
	EventID            string
	ConflictingEventID string
	Type               ConflictType
	StartTime          time.Time
	EndTime            time.Time
	Severity           Severity
}

// Overlaps reports whether the two items share any instant. Touching windows
// (a ends exactly when b starts) do not overlap, so back-to-back scheduling
// is always legal. Items missing either bound never overlap anything.
func Overlaps(a, b Item) bool {
	if !a.Scheduled() || !b.Scheduled() {
		return false
	}
	return a.Start.Before(*b.End) && b.Start.Before(*a.End)
}

// DetectAll scans the items for every pairwise time overlap. Each unordered
// pair is reported once, and the result does not depend on input order.
// Sorting by start time lets the scan stop early once candidates start after
// the current item ends, so typical weeks cost O(n log n) rather than the
// naive O(n²) pairwise sweep it is equivalent to.
func DetectAll(items []Item) []OverlapConflict {
	scheduled := make([]Item, 0, len(items))
	for _, it := range items {
		if it.Scheduled() && it.ValidWindow() {
			scheduled = append(scheduled, it)
		}
	}
	sort.Slice(scheduled, func(i, j int) bool {
		if scheduled[i].Start.Equal(*scheduled[j].Start) {
			return scheduled[i].ID < scheduled[j].ID
		}
		return scheduled[i].Start.Before(*scheduled[j].Start)
	})

	var conflicts []OverlapConflict
	for i := 0; i < len(scheduled); i++ {
		for j := i + 1; j < len(scheduled); j++ {
			// Sorted by start, so once a candidate starts at or after the
			// current item's end nothing further can overlap it.
			if !scheduled[j].Start.Before(*scheduled[i].End) {
				break
			}
			if Overlaps(scheduled[i], scheduled[j]) {
				conflicts = append(conflicts, newConflict(scheduled[i], scheduled[j]))
			}
		}
	}
	return conflicts
}

// WouldCollide reports whether the candidate's window overlaps any existing
// item, ignoring the candidate itself and the item named by excludeID.
// excludeID lets "move event X" checks skip X's own prior position.
func WouldCollide(candidate Item, existing []Item, excludeID string) bool {
	for _, it := range existing {
		if it.ID == excludeID || it.ID == candidate.ID {
			continue
		}
		if Overlaps(candidate, it) {
			return true
		}
	}
	return false
}

// ConflictsWith lists the conflicts a candidate would have against the
// existing items, one per overlapping item. The candidate itself and the
// item named by excludeID are skipped, mirroring WouldCollide.
func ConflictsWith(candidate Item, existing []Item, excludeID string) []OverlapConflict {
	var conflicts []OverlapConflict
	for _, it := range existing {
		if it.ID == excludeID || it.ID == candidate.ID {
			continue
		}
		if Overlaps(candidate, it) {
			conflicts = append(conflicts, newConflict(candidate, it))
		}
	}
	return conflicts
}

func newConflict(a, b Item) OverlapConflict {
	start := *a.Start
	if b.Start.After(start) {
		start = *b.Start
	}
	end := *a.End
	if b.End.Before(end) {
		end = *b.End
	}

	sev := SeverityPartial
	if contains(a, b) || contains(b, a) {
		sev = SeverityFull
	}

	return OverlapConflict{
		EventID:            a.ID,
		ConflictingEventID: b.ID,
		Type:               ConflictTimeOverlap,
		StartTime:          start,
		EndTime:            end,
		Severity:           sev,
	}
}

// contains reports whether inner lies entirely within outer.
func contains(outer, inner Item) bool {
	return !inner.Start.Before(*outer.Start) && !inner.End.After(*outer.End)
}
