package planner

import (
	"strings"
	"time"

	"gitea.jw6.us/james/weekplan/internal/schedule"
)

// EntryKind discriminates a search result.
type EntryKind string

const (
	EntryEvent EntryKind = "event"
	EntryTask  EntryKind = "task"
)

// Entry is one search or filter hit, carrying whichever entity matched.
type Entry struct {
	Kind  EntryKind
	Event *schedule.Event
	Task  *schedule.Task
}

// Filter narrows FilterEvents results. All set fields must match.
type Filter struct {
	Categories []string
	From       *time.Time
	To         *time.Time
}

func (f Filter) matchCategory(cat string) bool {
	if len(f.Categories) == 0 {
		return true
	}
	for _, c := range f.Categories {
		if strings.EqualFold(c, cat) {
			return true
		}
	}
	return false
}

func (f Filter) matchWindow(start, end *time.Time) bool {
	if f.From == nil && f.To == nil {
		return true
	}
	if start == nil || end == nil {
		return false
	}
	if f.From != nil && end.Before(*f.From) {
		return false
	}
	if f.To != nil && start.After(*f.To) {
		return false
	}
	return true
}

// SearchEvents returns every event and task whose title or description
// contains the query, case-insensitively. An empty query matches nothing.
func (s *Store) SearchEvents(query string) []Entry {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	var out []Entry
	for _, ev := range s.Events() {
		if strings.Contains(strings.ToLower(ev.Title), query) ||
			strings.Contains(strings.ToLower(ev.Description), query) {
			ev := ev
			out = append(out, Entry{Kind: EntryEvent, Event: &ev})
		}
	}
	for _, t := range s.Tasks() {
		if strings.Contains(strings.ToLower(t.Title), query) ||
			strings.Contains(strings.ToLower(t.Description), query) {
			t := t
			out = append(out, Entry{Kind: EntryTask, Task: &t})
		}
	}
	return out
}

// FilterEvents returns the events and tasks matching every set filter field.
func (s *Store) FilterEvents(f Filter) []Entry {
	var out []Entry
	for _, ev := range s.Events() {
		if f.matchCategory(ev.Category) && f.matchWindow(ev.StartTime, ev.EndTime) {
			ev := ev
			out = append(out, Entry{Kind: EntryEvent, Event: &ev})
		}
	}
	for _, t := range s.Tasks() {
		if f.matchCategory(t.Category) && f.matchWindow(t.StartTime, t.EndTime) {
			t := t
			out = append(out, Entry{Kind: EntryTask, Task: &t})
		}
	}
	return out
}

// EventConflicts lists the overlaps the candidate window would cause against
// everything currently scheduled, recurrences expanded. The item's own id is
// excluded so checking an existing event against its own slot is a no-op.
func (s *Store) EventConflicts(candidate schedule.Item) []schedule.OverlapConflict {
	if !candidate.Scheduled() || !candidate.ValidWindow() {
		return nil
	}
	s.mu.Lock()
	existing := s.scheduledItemsLocked(*candidate.Start, *candidate.End)
	s.mu.Unlock()
	return schedule.ConflictsWith(candidate, existing, candidate.ID)
}

// DetectOverlaps scans the displayed week for every pairwise collision.
func (s *Store) DetectOverlaps() []schedule.OverlapConflict {
	s.mu.Lock()
	from := s.currentWeek
	to := from.AddDate(0, 0, 7)
	items := s.scheduledItemsLocked(from, to)
	s.mu.Unlock()
	return schedule.DetectAll(items)
}

// scheduledItemsLocked flattens events (recurrences expanded) and tasks into
// schedulable items near the given window. The window is padded a week on
// each side so occurrences straddling its edges still participate.
func (s *Store) scheduledItemsLocked(from, to time.Time) []schedule.Item {
	expandFrom := from.AddDate(0, 0, -7)
	expandTo := to.AddDate(0, 0, 7)

	var items []schedule.Item
	for _, ev := range s.events {
		if ev.RecurrenceRule == "" {
			items = append(items, ev.Item())
			continue
		}
		occ, err := schedule.Occurrences(ev, expandFrom, expandTo)
		if err != nil {
			// A rule that fails to parse still participates with its base
			// window rather than escaping collision checks.
			items = append(items, ev.Item())
			continue
		}
		items = append(items, occ...)
	}
	for _, t := range s.tasks {
		items = append(items, t.Item())
	}
	return items
}

// ExportICS renders the visible events as an iCalendar document.
func (s *Store) ExportICS(calendarName string) string {
	return schedule.BuildCalendar(calendarName, s.Events())
}
