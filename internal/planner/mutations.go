package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gitea.jw6.us/james/weekplan/internal/metrics"
	"gitea.jw6.us/james/weekplan/internal/optimistic"
	"gitea.jw6.us/james/weekplan/internal/schedule"
	"gitea.jw6.us/james/weekplan/internal/store"
)

// ErrMutationPending is surfaced when a mutation targets an entity whose
// previous mutation is still awaiting confirmation. The caller retries after
// the first mutation resolves; allowing the overlap would make rollback
// ambiguous.
var ErrMutationPending = errors.New("a change to this item is still being saved")

// EventPatch selects the event fields an update touches; nil fields are left
// alone. ClearSchedule unsets both time bounds.
type EventPatch struct {
	Title          *string    `json:"title,omitempty"`
	Description    *string    `json:"description,omitempty"`
	StartTime      *time.Time `json:"startTime,omitempty"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	ClearSchedule  bool       `json:"clearSchedule,omitempty"`
	IsAllDay       *bool      `json:"isAllDay,omitempty"`
	Location       *string    `json:"location,omitempty"`
	Category       *string    `json:"category,omitempty"`
	RecurrenceRule *string    `json:"recurrenceRule,omitempty"`
}

func (p EventPatch) apply(ev *schedule.Event) {
	if p.Title != nil {
		ev.Title = *p.Title
	}
	if p.Description != nil {
		ev.Description = *p.Description
	}
	if p.ClearSchedule {
		ev.StartTime, ev.EndTime = nil, nil
	}
	if p.StartTime != nil {
		t := *p.StartTime
		ev.StartTime = &t
	}
	if p.EndTime != nil {
		t := *p.EndTime
		ev.EndTime = &t
	}
	if p.IsAllDay != nil {
		ev.IsAllDay = *p.IsAllDay
	}
	if p.Location != nil {
		ev.Location = *p.Location
	}
	if p.Category != nil {
		ev.Category = *p.Category
	}
	if p.RecurrenceRule != nil {
		ev.RecurrenceRule = *p.RecurrenceRule
	}
}

// TaskPatch selects the task fields an update touches.
type TaskPatch struct {
	Title         *string    `json:"title,omitempty"`
	Description   *string    `json:"description,omitempty"`
	StartTime     *time.Time `json:"startTime,omitempty"`
	EndTime       *time.Time `json:"endTime,omitempty"`
	ClearSchedule bool       `json:"clearSchedule,omitempty"`
	Completed     *bool      `json:"completed,omitempty"`
	Priority      *int       `json:"priority,omitempty"`
	Category      *string    `json:"category,omitempty"`
}

func (p TaskPatch) apply(t *schedule.Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.ClearSchedule {
		t.StartTime, t.EndTime = nil, nil
	}
	if p.StartTime != nil {
		ts := *p.StartTime
		t.StartTime = &ts
	}
	if p.EndTime != nil {
		ts := *p.EndTime
		t.EndTime = &ts
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Category != nil {
		t.Category = *p.Category
	}
}

// AddEvent validates and inserts the event optimistically, then confirms it
// against persistence. On confirmation the locally generated id and
// timestamps are replaced by the canonical ones; on failure the optimistic
// insert is rolled back and Err reports why. Reports whether the event is in
// the store when it returns.
func (s *Store) AddEvent(ctx context.Context, ev schedule.Event) bool {
	s.mu.Lock()
	if err := s.validator.Event(ev); err != nil {
		s.setErrLocked(err)
		s.mu.Unlock()
		return false
	}
	if ev.ID == "" {
		ev.ID = localID()
	}
	if s.ledger.Has(ev.ID) {
		s.setErrLocked(fmt.Errorf("%w: %s", ErrMutationPending, ev.ID))
		s.mu.Unlock()
		return false
	}
	stamp := s.now()
	ev.CreatedAt, ev.UpdatedAt = stamp, stamp
	s.events[ev.ID] = ev
	if err := s.ledger.Apply(ev.ID, optimistic.OpCreate, optimistic.KindEvent, ev, nil); err != nil {
		delete(s.events, ev.ID)
		s.setErrLocked(err)
		s.mu.Unlock()
		return false
	}
	s.ledger.SetInFlight(ev.ID, true)
	s.persistLocked()
	s.mu.Unlock()

	// Suspension point: readers see the optimistic event while the create is
	// in flight.
	created, err := s.eventRepo.Create(ctx, ev)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.rollbackLocked(ev.ID)
		s.setErrLocked(userError(err))
		return false
	}
	s.ledger.Commit(ev.ID)
	delete(s.events, ev.ID)
	s.events[created.ID] = *created
	s.clearErrLocked()
	s.persistLocked()
	return true
}

// AddTask mirrors AddEvent for tasks.
func (s *Store) AddTask(ctx context.Context, task schedule.Task) bool {
	s.mu.Lock()
	if err := s.validator.Task(task); err != nil {
		s.setErrLocked(err)
		s.mu.Unlock()
		return false
	}
	if task.ID == "" {
		task.ID = localID()
	}
	if s.ledger.Has(task.ID) {
		s.setErrLocked(fmt.Errorf("%w: %s", ErrMutationPending, task.ID))
		s.mu.Unlock()
		return false
	}
	stamp := s.now()
	task.CreatedAt, task.UpdatedAt = stamp, stamp
	s.tasks[task.ID] = task
	if err := s.ledger.Apply(task.ID, optimistic.OpCreate, optimistic.KindTask, task, nil); err != nil {
		delete(s.tasks, task.ID)
		s.setErrLocked(err)
		s.mu.Unlock()
		return false
	}
	s.ledger.SetInFlight(task.ID, true)
	s.persistLocked()
	s.mu.Unlock()

	created, err := s.taskRepo.Create(ctx, task)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.rollbackLocked(task.ID)
		s.setErrLocked(userError(err))
		return false
	}
	s.ledger.Commit(task.ID)
	delete(s.tasks, task.ID)
	s.tasks[created.ID] = *created
	s.clearErrLocked()
	s.persistLocked()
	return true
}

// UpdateEvent applies the patch optimistically with the current entity as
// the rollback pre-image, then confirms against persistence.
func (s *Store) UpdateEvent(ctx context.Context, id string, patch EventPatch) bool {
	s.mu.Lock()
	existing, ok := s.events[id]
	if !ok {
		s.setErrLocked(fmt.Errorf("item not found: %w", store.ErrNotFound))
		s.mu.Unlock()
		return false
	}
	if s.ledger.Has(id) {
		s.setErrLocked(fmt.Errorf("%w: %s", ErrMutationPending, id))
		s.mu.Unlock()
		return false
	}

	updated := existing
	patch.apply(&updated)
	if err := s.validator.Event(updated); err != nil {
		s.setErrLocked(err)
		s.mu.Unlock()
		return false
	}
	updated.UpdatedAt = s.now()

	s.events[id] = updated
	if err := s.ledger.Apply(id, optimistic.OpUpdate, optimistic.KindEvent, updated, existing); err != nil {
		s.events[id] = existing
		s.setErrLocked(err)
		s.mu.Unlock()
		return false
	}
	s.ledger.SetInFlight(id, true)
	s.persistLocked()
	s.mu.Unlock()

	confirmed, err := s.eventRepo.Update(ctx, id, updated)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.rollbackLocked(id)
		s.setErrLocked(userError(err))
		return false
	}
	s.ledger.Commit(id)
	s.events[confirmed.ID] = *confirmed
	s.clearErrLocked()
	s.persistLocked()
	return true
}

// UpdateTask mirrors UpdateEvent for tasks.
func (s *Store) UpdateTask(ctx context.Context, id string, patch TaskPatch) bool {
	s.mu.Lock()
	existing, ok := s.tasks[id]
	if !ok {
		s.setErrLocked(fmt.Errorf("item not found: %w", store.ErrNotFound))
		s.mu.Unlock()
		return false
	}
	if s.ledger.Has(id) {
		s.setErrLocked(fmt.Errorf("%w: %s", ErrMutationPending, id))
		s.mu.Unlock()
		return false
	}

	updated := existing
	patch.apply(&updated)
	if err := s.validator.Task(updated); err != nil {
		s.setErrLocked(err)
		s.mu.Unlock()
		return false
	}
	updated.UpdatedAt = s.now()

	s.tasks[id] = updated
	if err := s.ledger.Apply(id, optimistic.OpUpdate, optimistic.KindTask, updated, existing); err != nil {
		s.tasks[id] = existing
		s.setErrLocked(err)
		s.mu.Unlock()
		return false
	}
	s.ledger.SetInFlight(id, true)
	s.persistLocked()
	s.mu.Unlock()

	confirmed, err := s.taskRepo.Update(ctx, id, updated)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.rollbackLocked(id)
		s.setErrLocked(userError(err))
		return false
	}
	s.ledger.Commit(id)
	s.tasks[confirmed.ID] = *confirmed
	s.clearErrLocked()
	s.persistLocked()
	return true
}

// DeleteEvent removes the event optimistically; the full entity is the
// pre-image restored if the remote delete fails.
func (s *Store) DeleteEvent(ctx context.Context, id string) bool {
	s.mu.Lock()
	existing, ok := s.events[id]
	if !ok {
		s.setErrLocked(fmt.Errorf("item not found: %w", store.ErrNotFound))
		s.mu.Unlock()
		return false
	}
	if s.ledger.Has(id) {
		s.setErrLocked(fmt.Errorf("%w: %s", ErrMutationPending, id))
		s.mu.Unlock()
		return false
	}

	delete(s.events, id)
	if err := s.ledger.Apply(id, optimistic.OpDelete, optimistic.KindEvent, nil, existing); err != nil {
		s.events[id] = existing
		s.setErrLocked(err)
		s.mu.Unlock()
		return false
	}
	s.ledger.SetInFlight(id, true)
	s.persistLocked()
	s.mu.Unlock()

	_, err := s.eventRepo.Delete(ctx, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.rollbackLocked(id)
		s.setErrLocked(userError(err))
		return false
	}
	s.ledger.Commit(id)
	s.clearErrLocked()
	s.persistLocked()
	return true
}

// DeleteTask mirrors DeleteEvent for tasks.
func (s *Store) DeleteTask(ctx context.Context, id string) bool {
	s.mu.Lock()
	existing, ok := s.tasks[id]
	if !ok {
		s.setErrLocked(fmt.Errorf("item not found: %w", store.ErrNotFound))
		s.mu.Unlock()
		return false
	}
	if s.ledger.Has(id) {
		s.setErrLocked(fmt.Errorf("%w: %s", ErrMutationPending, id))
		s.mu.Unlock()
		return false
	}

	delete(s.tasks, id)
	if err := s.ledger.Apply(id, optimistic.OpDelete, optimistic.KindTask, nil, existing); err != nil {
		s.tasks[id] = existing
		s.setErrLocked(err)
		s.mu.Unlock()
		return false
	}
	s.ledger.SetInFlight(id, true)
	s.persistLocked()
	s.mu.Unlock()

	_, err := s.taskRepo.Delete(ctx, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.rollbackLocked(id)
		s.setErrLocked(userError(err))
		return false
	}
	s.ledger.Commit(id)
	s.clearErrLocked()
	s.persistLocked()
	return true
}

// MoveEvent re-schedules an event after checking the new window against
// every other scheduled item. A collision or an inverted window rejects the
// move before anything reaches the ledger or persistence.
func (s *Store) MoveEvent(ctx context.Context, id string, newStart, newEnd time.Time) bool {
	s.mu.Lock()
	if _, ok := s.events[id]; !ok {
		s.setErrLocked(fmt.Errorf("item not found: %w", store.ErrNotFound))
		s.mu.Unlock()
		return false
	}
	if !newEnd.After(newStart) {
		s.setErrLocked(fmt.Errorf("%w: end time must be after start time", store.ErrValidation))
		s.mu.Unlock()
		return false
	}

	candidate := schedule.Item{ID: id, Start: &newStart, End: &newEnd}
	collides := schedule.WouldCollide(candidate, s.scheduledItemsLocked(newStart, newEnd), id)
	metrics.OverlapCheck(collides)
	if collides {
		s.setErrLocked(errors.New("time conflict detected"))
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	return s.UpdateEvent(ctx, id, EventPatch{StartTime: &newStart, EndTime: &newEnd})
}

// rollbackLocked undoes one optimistic mutation on the visible collections
// using the ledger entry's pre-image.
func (s *Store) rollbackLocked(id string) {
	entry, ok := s.ledger.Rollback(id)
	if !ok {
		return
	}
	metrics.OptimisticRollback(string(entry.Kind))

	switch entry.Kind {
	case optimistic.KindEvent:
		switch entry.Op {
		case optimistic.OpCreate:
			delete(s.events, id)
		case optimistic.OpUpdate, optimistic.OpDelete:
			if pre, ok := entry.PreImage.(schedule.Event); ok {
				s.events[id] = pre
			}
		}
	case optimistic.KindTask:
		switch entry.Op {
		case optimistic.OpCreate:
			delete(s.tasks, id)
		case optimistic.OpUpdate, optimistic.OpDelete:
			if pre, ok := entry.PreImage.(schedule.Task); ok {
				s.tasks[id] = pre
			}
		}
	}
	s.persistLocked()
}

// ApplyOptimistic exposes the raw optimistic-apply step for multi-step flows
// (bulk operations) that manage persistence themselves. The caller must have
// already mutated the visible collection to match.
func (s *Store) ApplyOptimistic(id string, op optimistic.Op, kind optimistic.EntityKind, payload, preImage any) error {
	return s.ledger.Apply(id, op, kind, payload, preImage)
}

// CommitOptimistic finalizes a raw optimistic step.
func (s *Store) CommitOptimistic(id string) bool {
	return s.ledger.Commit(id)
}

// RollbackOptimistic undoes a raw optimistic step, restoring the visible
// collection from the recorded pre-image.
func (s *Store) RollbackOptimistic(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ledger.Has(id) {
		return false
	}
	s.rollbackLocked(id)
	return true
}
