// Package validate checks user input before it is applied optimistically.
// Failures wrap store.ErrValidation so the planner surfaces them uniformly
// and never sends the mutation to persistence.
package validate

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"gitea.jw6.us/james/weekplan/internal/schedule"
	"gitea.jw6.us/james/weekplan/internal/store"
)

const maxTitleLen = 255

// Rules is the default validator.
type Rules struct{}

// New returns the default rule set.
func New() *Rules {
	return &Rules{}
}

// Event validates a prospective event.
func (r *Rules) Event(ev schedule.Event) error {
	if err := r.common(ev.Title, ev.UserID, ev.StartTime, ev.EndTime); err != nil {
		return err
	}
	if ev.RecurrenceRule != "" {
		if _, err := rrule.StrToRRule(ev.RecurrenceRule); err != nil {
			return fmt.Errorf("%w: invalid recurrence rule: %v", store.ErrValidation, err)
		}
		if ev.StartTime == nil {
			return fmt.Errorf("%w: recurring events need a start time", store.ErrValidation)
		}
	}
	return nil
}

// Task validates a prospective task.
func (r *Rules) Task(t schedule.Task) error {
	if err := r.common(t.Title, t.UserID, t.StartTime, t.EndTime); err != nil {
		return err
	}
	if t.Priority < 0 || t.Priority > 5 {
		return fmt.Errorf("%w: priority must be between 0 and 5", store.ErrValidation)
	}
	return nil
}

func (r *Rules) common(title, userID string, start, end *time.Time) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: title is required", store.ErrValidation)
	}
	if len(title) > maxTitleLen {
		return fmt.Errorf("%w: title exceeds %d characters", store.ErrValidation, maxTitleLen)
	}
	if userID == "" {
		return fmt.Errorf("%w: user id is required", store.ErrValidation)
	}
	if (start == nil) != (end == nil) {
		return fmt.Errorf("%w: start and end time must be set together", store.ErrValidation)
	}
	if start != nil && end != nil && !end.After(*start) {
		return fmt.Errorf("%w: end time must be after start time", store.ErrValidation)
	}
	return nil
}
