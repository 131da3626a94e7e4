package schedule

import "time"

// ViewSettings captures how the planner presents the calendar. It is part of
// the locally persisted state so the layout survives restarts.
type ViewSettings struct {
	DefaultView  string       `json:"defaultView"`
	WeekStartsOn time.Weekday `json:"weekStartsOn"`
	ShowWeekends bool         `json:"showWeekends"`
	TimeZone     string       `json:"timeZone"`
}

// DefaultViewSettings returns the out-of-the-box week view.
func DefaultViewSettings() ViewSettings {
	return ViewSettings{
		DefaultView:  "week",
		WeekStartsOn: time.Monday,
		ShowWeekends: true,
		TimeZone:     "UTC",
	}
}
