package planner

import (
	"context"
	"fmt"

	"gitea.jw6.us/james/weekplan/internal/schedule"
)

// SyncWithDatabase runs one full push-and-pull pass immediately, bypassing
// the rate gate. Err reflects the outcome.
func (s *Store) SyncWithDatabase(ctx context.Context, userID string) bool {
	_, err := s.sync.Force(ctx, userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.setErrLocked(userError(err))
		return false
	}
	s.clearErrLocked()
	return true
}

// SaveToDatabase flushes pending optimistic mutations to persistence. It is
// the same pass as SyncWithDatabase; the name exists for call sites that
// only care about the push side.
func (s *Store) SaveToDatabase(ctx context.Context, userID string) bool {
	return s.SyncWithDatabase(ctx, userID)
}

// LoadFromDatabase replaces the visible collections with the remote state
// for the user. Refused while optimistic mutations are pending, since the
// replacement would orphan their ledger entries.
func (s *Store) LoadFromDatabase(ctx context.Context, userID string) bool {
	if s.ledger.Len() > 0 {
		s.mu.Lock()
		s.setErrLocked(fmt.Errorf("%w: unsaved changes pending, sync first", ErrMutationPending))
		s.mu.Unlock()
		return false
	}

	events, err := s.eventRepo.ListByUser(ctx, userID)
	if err != nil {
		s.mu.Lock()
		s.setErrLocked(userError(err))
		s.mu.Unlock()
		return false
	}
	tasks, err := s.taskRepo.ListByUser(ctx, userID)
	if err != nil {
		s.mu.Lock()
		s.setErrLocked(userError(err))
		s.mu.Unlock()
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check under the lock: a mutation may have started while the fetches
	// ran, and replacing the maps now would orphan its ledger entry.
	if s.ledger.Len() > 0 {
		s.setErrLocked(fmt.Errorf("%w: unsaved changes pending, sync first", ErrMutationPending))
		return false
	}
	s.events = make(map[string]schedule.Event, len(events))
	for _, ev := range events {
		s.events[ev.ID] = ev
	}
	s.tasks = make(map[string]schedule.Task, len(tasks))
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	s.clearErrLocked()
	s.persistLocked()
	return true
}
