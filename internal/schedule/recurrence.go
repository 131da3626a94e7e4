package schedule

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// Cap on expansion so a malformed or unbounded rule cannot flood a window.
const maxOccurrencesPerEvent = 1000

// Occurrences expands a recurring event into the concrete instances that
// start within [from, to). A non-recurring scheduled event yields itself if
// its start falls inside the window. Unscheduled events expand to nothing.
// Each occurrence keeps the base event's id so collision checks that exclude
// the event also exclude all of its instances.
func Occurrences(ev Event, from, to time.Time) ([]Item, error) {
	if ev.StartTime == nil || ev.EndTime == nil {
		return nil, nil
	}
	if ev.RecurrenceRule == "" {
		if ev.StartTime.Before(to) && !ev.StartTime.Before(from) {
			return []Item{ev.Item()}, nil
		}
		return nil, nil
	}

	rule, err := rrule.StrToRRule(ev.RecurrenceRule)
	if err != nil {
		return nil, fmt.Errorf("parse recurrence rule for %s: %w", ev.ID, err)
	}
	rule.DTStart(*ev.StartTime)

	starts := rule.Between(from, to, true)
	if len(starts) > maxOccurrencesPerEvent {
		starts = starts[:maxOccurrencesPerEvent]
	}

	duration := ev.EndTime.Sub(*ev.StartTime)
	items := make([]Item, 0, len(starts))
	for _, s := range starts {
		start := s
		end := s.Add(duration)
		items = append(items, Item{ID: ev.ID, Start: &start, End: &end})
	}
	return items, nil
}

// ExpandWindow flattens a set of events into scheduling items inside the
// window, expanding recurrences. Events whose rule fails to parse fall back
// to their base window rather than disappearing from conflict checks.
func ExpandWindow(events []Event, from, to time.Time) []Item {
	var items []Item
	for _, ev := range events {
		occ, err := Occurrences(ev, from, to)
		if err != nil {
			items = append(items, ev.Item())
			continue
		}
		items = append(items, occ...)
	}
	return items
}
