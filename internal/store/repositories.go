package store

import (
	"context"

	"gitea.jw6.us/james/weekplan/internal/schedule"
)

// EventRepository defines persistence operations for calendar events.
// Implementations signal failures through the sentinel errors in this
// package so callers can choose between rollback and retry.
type EventRepository interface {
	Create(ctx context.Context, ev schedule.Event) (*schedule.Event, error)
	Update(ctx context.Context, id string, ev schedule.Event) (*schedule.Event, error)
	Delete(ctx context.Context, id string) (*schedule.Event, error)
	GetByID(ctx context.Context, id string) (*schedule.Event, error)
	ListByUser(ctx context.Context, userID string) ([]schedule.Event, error)
}

// TaskRepository defines persistence operations for tasks.
type TaskRepository interface {
	Create(ctx context.Context, task schedule.Task) (*schedule.Task, error)
	Update(ctx context.Context, id string, task schedule.Task) (*schedule.Task, error)
	Delete(ctx context.Context, id string) (*schedule.Task, error)
	GetByID(ctx context.Context, id string) (*schedule.Task, error)
	ListByUser(ctx context.Context, userID string) ([]schedule.Task, error)
}
