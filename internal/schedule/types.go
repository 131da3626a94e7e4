package schedule

import "time"

// Event is a calendar entry owned by a user. StartTime/EndTime are nil for
// unscheduled entries; when both are set EndTime is strictly after StartTime.
type Event struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	StartTime      *time.Time `json:"startTime,omitempty"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	IsAllDay       bool       `json:"isAllDay,omitempty"`
	Location       string     `json:"location,omitempty"`
	Category       string     `json:"category,omitempty"`
	RecurrenceRule string     `json:"recurrenceRule,omitempty"`
	UserID         string     `json:"userId"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Task is a to-do entry. Tasks may carry an optional scheduled window so they
// participate in overlap detection alongside events.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	StartTime   *time.Time `json:"startTime,omitempty"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	Completed   bool       `json:"completed"`
	Priority    int        `json:"priority,omitempty"`
	Category    string     `json:"category,omitempty"`
	UserID      string     `json:"userId"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Item is the scheduling view shared by events and tasks: just an id and an
// optional time window. The overlap detector operates on Items so it never
// needs to know which entity type it is looking at.
type Item struct {
	ID    string
	Start *time.Time
	End   *time.Time
}

// Item returns the scheduling view of the event.
func (e Event) Item() Item {
	return Item{ID: e.ID, Start: e.StartTime, End: e.EndTime}
}

// Item returns the scheduling view of the task.
func (t Task) Item() Item {
	return Item{ID: t.ID, Start: t.StartTime, End: t.EndTime}
}

// Scheduled reports whether the item has both time bounds set.
func (i Item) Scheduled() bool {
	return i.Start != nil && i.End != nil
}

// ValidWindow reports whether the item either has no window or a well-formed
// one (end strictly after start).
func (i Item) ValidWindow() bool {
	if i.Start == nil || i.End == nil {
		return true
	}
	return i.End.After(*i.Start)
}
