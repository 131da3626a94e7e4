package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"gitea.jw6.us/james/weekplan/internal/schedule"
)

const eventColumns = "id, title, description, start_time, end_time, is_all_day, location, category, recurrence_rule, user_id, created_at, updated_at"

const taskColumns = "id, title, description, start_time, end_time, completed, priority, category, user_id, created_at, updated_at"

// eventRepo implements EventRepository.
type eventRepo struct {
	pool *pgxpool.Pool
}

func (r *eventRepo) Create(ctx context.Context, ev schedule.Event) (*schedule.Event, error) {
	defer observeDB(ctx, "db.events.create")()

	// Locally generated temporary ids are discarded; the database assigns the
	// canonical id and timestamps.
	row := r.pool.QueryRow(ctx, `
		INSERT INTO events (title, description, start_time, end_time, is_all_day, location, category, recurrence_rule, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+eventColumns,
		ev.Title, ev.Description, ev.StartTime, ev.EndTime, ev.IsAllDay, ev.Location, ev.Category, ev.RecurrenceRule, ev.UserID)
	return scanEvent(row)
}

func (r *eventRepo) Update(ctx context.Context, id string, ev schedule.Event) (*schedule.Event, error) {
	defer observeDB(ctx, "db.events.update")()

	row := r.pool.QueryRow(ctx, `
		UPDATE events
		SET title = $2, description = $3, start_time = $4, end_time = $5, is_all_day = $6,
		    location = $7, category = $8, recurrence_rule = $9, updated_at = now()
		WHERE id = $1
		RETURNING `+eventColumns,
		id, ev.Title, ev.Description, ev.StartTime, ev.EndTime, ev.IsAllDay, ev.Location, ev.Category, ev.RecurrenceRule)
	return scanEvent(row)
}

func (r *eventRepo) Delete(ctx context.Context, id string) (*schedule.Event, error) {
	defer observeDB(ctx, "db.events.delete")()

	row := r.pool.QueryRow(ctx, `DELETE FROM events WHERE id = $1 RETURNING `+eventColumns, id)
	return scanEvent(row)
}

func (r *eventRepo) GetByID(ctx context.Context, id string) (*schedule.Event, error) {
	defer observeDB(ctx, "db.events.get")()

	row := r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	return scanEvent(row)
}

func (r *eventRepo) ListByUser(ctx context.Context, userID string) ([]schedule.Event, error) {
	defer observeDB(ctx, "db.events.list")()

	rows, err := r.pool.Query(ctx, `SELECT `+eventColumns+` FROM events WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var events []schedule.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return events, nil
}

// taskRepo implements TaskRepository.
type taskRepo struct {
	pool *pgxpool.Pool
}

func (r *taskRepo) Create(ctx context.Context, task schedule.Task) (*schedule.Task, error) {
	defer observeDB(ctx, "db.tasks.create")()

	row := r.pool.QueryRow(ctx, `
		INSERT INTO tasks (title, description, start_time, end_time, completed, priority, category, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+taskColumns,
		task.Title, task.Description, task.StartTime, task.EndTime, task.Completed, task.Priority, task.Category, task.UserID)
	return scanTask(row)
}

func (r *taskRepo) Update(ctx context.Context, id string, task schedule.Task) (*schedule.Task, error) {
	defer observeDB(ctx, "db.tasks.update")()

	row := r.pool.QueryRow(ctx, `
		UPDATE tasks
		SET title = $2, description = $3, start_time = $4, end_time = $5, completed = $6,
		    priority = $7, category = $8, updated_at = now()
		WHERE id = $1
		RETURNING `+taskColumns,
		id, task.Title, task.Description, task.StartTime, task.EndTime, task.Completed, task.Priority, task.Category)
	return scanTask(row)
}

func (r *taskRepo) Delete(ctx context.Context, id string) (*schedule.Task, error) {
	defer observeDB(ctx, "db.tasks.delete")()

	row := r.pool.QueryRow(ctx, `DELETE FROM tasks WHERE id = $1 RETURNING `+taskColumns, id)
	return scanTask(row)
}

func (r *taskRepo) GetByID(ctx context.Context, id string) (*schedule.Task, error) {
	defer observeDB(ctx, "db.tasks.get")()

	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (r *taskRepo) ListByUser(ctx context.Context, userID string) ([]schedule.Task, error) {
	defer observeDB(ctx, "db.tasks.list")()

	rows, err := r.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var tasks []schedule.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return tasks, nil
}

func scanEvent(row pgx.Row) (*schedule.Event, error) {
	var ev schedule.Event
	err := row.Scan(&ev.ID, &ev.Title, &ev.Description, &ev.StartTime, &ev.EndTime, &ev.IsAllDay,
		&ev.Location, &ev.Category, &ev.RecurrenceRule, &ev.UserID, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &ev, nil
}

func scanTask(row pgx.Row) (*schedule.Task, error) {
	var task schedule.Task
	err := row.Scan(&task.ID, &task.Title, &task.Description, &task.StartTime, &task.EndTime,
		&task.Completed, &task.Priority, &task.Category, &task.UserID, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &task, nil
}

// mapError translates driver failures into the package's error taxonomy.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 23 = integrity constraint violation; the write itself was
		// rejected, retrying cannot help.
		if strings.HasPrefix(pgErr.Code, "23") || strings.HasPrefix(pgErr.Code, "22") {
			return fmt.Errorf("%w: %s", ErrValidation, pgErr.Message)
		}
	}

	// Everything else (connection failures, shutdown, unknown) is treated as
	// transient: the optimistic mutation rolls back and a later sync pass may
	// retry.
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
