package schedule

import (
	"time"

	ical "github.com/arran4/golang-ical"
)

// BuildCalendar renders events as an iCalendar document so external calendar
// apps can subscribe to the planner feed. Unscheduled events are skipped;
// recurrence rules are carried through as RRULE properties rather than
// expanded, leaving expansion to the consuming client.
func BuildCalendar(name string, events []Event) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//weekplan//planner//EN")
	cal.SetName(name)

	for _, ev := range events {
		if ev.StartTime == nil || ev.EndTime == nil {
			continue
		}
		ve := cal.AddEvent(ev.ID)
		ve.SetSummary(ev.Title)
		ve.SetDtStampTime(ev.UpdatedAt.UTC())
		if ev.IsAllDay {
			ve.SetAllDayStartAt(ev.StartTime.UTC())
			ve.SetAllDayEndAt(ev.EndTime.UTC())
		} else {
			ve.SetStartAt(ev.StartTime.UTC())
			ve.SetEndAt(ev.EndTime.UTC())
		}
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
		if ev.Location != "" {
			ve.SetLocation(ev.Location)
		}
		if ev.RecurrenceRule != "" {
			ve.AddRrule(ev.RecurrenceRule)
		}
		if !ev.CreatedAt.IsZero() {
			ve.SetCreatedTime(ev.CreatedAt.UTC())
		}
		ve.SetModifiedAt(ev.UpdatedAt.UTC())
	}

	return cal.Serialize()
}

// WeekOf returns the start of the week containing t, normalized to midnight
// in t's location. weekStart picks the first day of the week.
func WeekOf(t time.Time, weekStart time.Weekday) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	offset := (int(day.Weekday()) - int(weekStart) + 7) % 7
	return day.AddDate(0, 0, -offset)
}
