// Package conflict resolves disagreements between a local and a remote
// version of the same entity found during a sync pass. It is a pure operator:
// it never retains references to either side.
package conflict

import (
	"fmt"
	"time"

	"gitea.jw6.us/james/weekplan/internal/schedule"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	// ClientWins keeps the local version regardless of timestamps.
	ClientWins Strategy = "client-wins"
	// ServerWins keeps the remote version regardless of timestamps.
	ServerWins Strategy = "server-wins"
	// Merge combines both versions field by field, preferring the side whose
	// record-level UpdatedAt is more recent for every field both sides carry.
	// Fields set on only one side are carried through. This is last-writer-
	// wins per field, not a CRDT: concurrent edits to the same field always
	// take one side whole.
	Merge Strategy = "merge"
)

// EventConflict pairs the two versions of an event that diverged.
type EventConflict struct {
	ID     string
	Local  schedule.Event
	Remote schedule.Event
}

// TaskConflict pairs the two versions of a task that diverged.
type TaskConflict struct {
	ID     string
	Local  schedule.Task
	Remote schedule.Task
}

// ResolvedEvent is the outcome of resolving an EventConflict.
type ResolvedEvent struct {
	Data         schedule.Event
	StrategyUsed Strategy
}

// ResolvedTask is the outcome of resolving a TaskConflict.
type ResolvedTask struct {
	Data         schedule.Task
	StrategyUsed Strategy
}

// ResolveEvent resolves a single event conflict under the given strategy.
// A conflict missing an id on either side is a caller error.
func ResolveEvent(c EventConflict, strategy Strategy) (ResolvedEvent, error) {
	if c.Local.ID == "" || c.Remote.ID == "" {
		return ResolvedEvent{}, fmt.Errorf("conflict %q: both sides must carry an id", c.ID)
	}
	switch strategy {
	case ClientWins:
		return ResolvedEvent{Data: c.Local, StrategyUsed: ClientWins}, nil
	case ServerWins:
		return ResolvedEvent{Data: c.Remote, StrategyUsed: ServerWins}, nil
	case Merge:
		return ResolvedEvent{Data: mergeEvents(c.Local, c.Remote), StrategyUsed: Merge}, nil
	default:
		return ResolvedEvent{}, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
}

// ResolveTask resolves a single task conflict under the given strategy.
func ResolveTask(c TaskConflict, strategy Strategy) (ResolvedTask, error) {
	if c.Local.ID == "" || c.Remote.ID == "" {
		return ResolvedTask{}, fmt.Errorf("conflict %q: both sides must carry an id", c.ID)
	}
	switch strategy {
	case ClientWins:
		return ResolvedTask{Data: c.Local, StrategyUsed: ClientWins}, nil
	case ServerWins:
		return ResolvedTask{Data: c.Remote, StrategyUsed: ServerWins}, nil
	case Merge:
		return ResolvedTask{Data: mergeTasks(c.Local, c.Remote), StrategyUsed: Merge}, nil
	default:
		return ResolvedTask{}, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
}

// ResolveEvents applies one strategy uniformly across a batch. Mixed
// strategies are not supported; call ResolveEvent per conflict for that.
func ResolveEvents(conflicts []EventConflict, strategy Strategy) ([]ResolvedEvent, error) {
	out := make([]ResolvedEvent, 0, len(conflicts))
	for _, c := range conflicts {
		r, err := ResolveEvent(c, strategy)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ResolveTasks applies one strategy uniformly across a batch of task
// conflicts.
func ResolveTasks(conflicts []TaskConflict, strategy Strategy) ([]ResolvedTask, error) {
	out := make([]ResolvedTask, 0, len(conflicts))
	for _, c := range conflicts {
		r, err := ResolveTask(c, strategy)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case ClientWins, ServerWins, Merge:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

func mergeEvents(local, remote schedule.Event) schedule.Event {
	localFresh := local.UpdatedAt.After(remote.UpdatedAt)
	fresh, stale := remote, local
	if localFresh {
		fresh, stale = local, remote
	}

	merged := schedule.Event{
		ID:             fresh.ID,
		Title:          pickString(fresh.Title, stale.Title),
		Description:    pickString(fresh.Description, stale.Description),
		StartTime:      pickTime(fresh.StartTime, stale.StartTime),
		EndTime:        pickTime(fresh.EndTime, stale.EndTime),
		IsAllDay:       fresh.IsAllDay,
		Location:       pickString(fresh.Location, stale.Location),
		Category:       pickString(fresh.Category, stale.Category),
		RecurrenceRule: pickString(fresh.RecurrenceRule, stale.RecurrenceRule),
		UserID:         pickString(fresh.UserID, stale.UserID),
		CreatedAt:      earliest(local.CreatedAt, remote.CreatedAt),
		UpdatedAt:      latest(local.UpdatedAt, remote.UpdatedAt),
	}
	return merged
}

func mergeTasks(local, remote schedule.Task) schedule.Task {
	localFresh := local.UpdatedAt.After(remote.UpdatedAt)
	fresh, stale := remote, local
	if localFresh {
		fresh, stale = local, remote
	}

	// Zero is a valid priority (the validator allows 0..5), so absence cannot
	// be inferred from the value; like Completed, the fresher side wins whole.
	merged := schedule.Task{
		ID:          fresh.ID,
		Title:       pickString(fresh.Title, stale.Title),
		Description: pickString(fresh.Description, stale.Description),
		StartTime:   pickTime(fresh.StartTime, stale.StartTime),
		EndTime:     pickTime(fresh.EndTime, stale.EndTime),
		Completed:   fresh.Completed,
		Priority:    fresh.Priority,
		Category:    pickString(fresh.Category, stale.Category),
		UserID:      pickString(fresh.UserID, stale.UserID),
		CreatedAt:   earliest(local.CreatedAt, remote.CreatedAt),
		UpdatedAt:   latest(local.UpdatedAt, remote.UpdatedAt),
	}
	return merged
}

// pickString prefers the fresher side, carrying the stale value through only
// when the fresher side never set the field.
func pickString(fresh, stale string) string {
	if fresh != "" {
		return fresh
	}
	return stale
}

func pickTime(fresh, stale *time.Time) *time.Time {
	if fresh != nil {
		return cloneTime(fresh)
	}
	return cloneTime(stale)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	if a.Before(b) {
		return a
	}
	return b
}
