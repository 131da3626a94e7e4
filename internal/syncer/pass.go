package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"gitea.jw6.us/james/weekplan/internal/conflict"
	"gitea.jw6.us/james/weekplan/internal/metrics"
	"gitea.jw6.us/james/weekplan/internal/optimistic"
	"gitea.jw6.us/james/weekplan/internal/schedule"
	"gitea.jw6.us/james/weekplan/internal/store"
)

// pass runs one synchronization round: push pending mutations, pull the
// remote snapshot, resolve conflicts, then hand the fully staged result to
// the source. Nothing local is mutated unless the whole pass succeeds.
func (s *Service) pass(ctx context.Context, userID string) (*Result, error) {
	started := s.now()
	s.setSyncing(true)
	s.emitStart(userID)

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	res, err := s.reconcile(ctx, userID)
	s.setSyncing(false)

	if err != nil {
		err = s.classify(ctx, err)
		metrics.ObserveSyncPass("error", time.Since(started))
		s.emitError(userID, err)
		return nil, err
	}

	if applyErr := s.source.ApplySyncResult(res); applyErr != nil {
		metrics.ObserveSyncPass("error", time.Since(started))
		err = fmt.Errorf("apply sync result: %w", applyErr)
		s.emitError(userID, err)
		return nil, err
	}

	completed := s.now()
	res.CompletedAt = completed
	s.mu.Lock()
	s.lastSync = &completed
	s.mu.Unlock()

	metrics.ObserveSyncPass("success", time.Since(started))
	s.emitComplete(userID, res)
	return res, nil
}

// classify keeps timeout distinct from other failures so callers can tell a
// slow server from a rejecting one.
func (s *Service) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, store.ErrTimeout) {
		return fmt.Errorf("%w: sync pass exceeded %s", store.ErrTimeout, s.opts.Timeout)
	}
	return err
}

func (s *Service) reconcile(ctx context.Context, userID string) (*Result, error) {
	started := s.now()
	localEvents, localTasks, pending := s.source.LocalSnapshot()

	events := make(map[string]schedule.Event, len(localEvents))
	for _, ev := range localEvents {
		events[ev.ID] = ev
	}
	tasks := make(map[string]schedule.Task, len(localTasks))
	for _, t := range localTasks {
		tasks[t.ID] = t
	}

	res := &Result{
		PassID:    uuid.NewString(),
		IDRemap:   make(map[string]string),
		StartedAt: started,
	}

	if err := s.push(ctx, pending, events, tasks, res); err != nil {
		return nil, err
	}
	if err := s.pull(ctx, userID, events, tasks, res); err != nil {
		return nil, err
	}

	res.Events = sortedEvents(events)
	res.Tasks = sortedTasks(tasks)
	return res, nil
}

// push replays the pending ledger entries against the remote store, oldest
// first, in batches with a context check between batches.
func (s *Service) push(ctx context.Context, pending []optimistic.Entry, events map[string]schedule.Event, tasks map[string]schedule.Task, res *Result) error {
	for i := 0; i < len(pending); i += s.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := i + s.opts.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		for _, entry := range pending[i:end] {
			if err := s.pushEntry(ctx, entry, events, tasks, res); err != nil {
				return fmt.Errorf("push %s %s %s: %w", entry.Op, entry.Kind, entry.ID, err)
			}
			res.Committed = append(res.Committed, entry.ID)
			res.Pushed++
		}
	}
	return nil
}

func (s *Service) pushEntry(ctx context.Context, entry optimistic.Entry, events map[string]schedule.Event, tasks map[string]schedule.Task, res *Result) error {
	switch entry.Kind {
	case optimistic.KindEvent:
		return s.pushEvent(ctx, entry, events, res)
	case optimistic.KindTask:
		return s.pushTask(ctx, entry, tasks, res)
	default:
		return fmt.Errorf("unknown entity kind %q", entry.Kind)
	}
}

func (s *Service) pushEvent(ctx context.Context, entry optimistic.Entry, events map[string]schedule.Event, res *Result) error {
	switch entry.Op {
	case optimistic.OpCreate:
		ev, ok := entry.Payload.(schedule.Event)
		if !ok {
			return fmt.Errorf("create payload has type %T", entry.Payload)
		}
		var created *schedule.Event
		err := s.withRetry(ctx, func(ctx context.Context) error {
			var err error
			created, err = s.events.Create(ctx, ev)
			return err
		})
		if err != nil {
			return err
		}
		delete(events, entry.ID)
		events[created.ID] = *created
		res.IDRemap[entry.ID] = created.ID
		return nil

	case optimistic.OpUpdate:
		ev, ok := entry.Payload.(schedule.Event)
		if !ok {
			return fmt.Errorf("update payload has type %T", entry.Payload)
		}
		var updated *schedule.Event
		err := s.withRetry(ctx, func(ctx context.Context) error {
			var err error
			updated, err = s.events.Update(ctx, entry.ID, ev)
			return err
		})
		if errors.Is(err, store.ErrNotFound) {
			// Deleted remotely while edited locally: an update/delete
			// conflict. Client-wins recreates the entity, every other
			// strategy lets the remote deletion stand.
			res.Conflicts++
			metrics.ConflictResolved(string(s.opts.Strategy))
			if s.opts.Strategy == conflict.ClientWins {
				var created *schedule.Event
				if err := s.withRetry(ctx, func(ctx context.Context) error {
					var err error
					created, err = s.events.Create(ctx, ev)
					return err
				}); err != nil {
					return err
				}
				delete(events, entry.ID)
				events[created.ID] = *created
				res.IDRemap[entry.ID] = created.ID
				return nil
			}
			delete(events, entry.ID)
			return nil
		}
		if err != nil {
			return err
		}
		events[updated.ID] = *updated
		return nil

	case optimistic.OpDelete:
		err := s.withRetry(ctx, func(ctx context.Context) error {
			_, err := s.events.Delete(ctx, entry.ID)
			return err
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		delete(events, entry.ID)
		return nil

	default:
		return fmt.Errorf("unknown operation %q", entry.Op)
	}
}

func (s *Service) pushTask(ctx context.Context, entry optimistic.Entry, tasks map[string]schedule.Task, res *Result) error {
	switch entry.Op {
	case optimistic.OpCreate:
		task, ok := entry.Payload.(schedule.Task)
		if !ok {
			return fmt.Errorf("create payload has type %T", entry.Payload)
		}
		var created *schedule.Task
		err := s.withRetry(ctx, func(ctx context.Context) error {
			var err error
			created, err = s.tasks.Create(ctx, task)
			return err
		})
		if err != nil {
			return err
		}
		delete(tasks, entry.ID)
		tasks[created.ID] = *created
		res.IDRemap[entry.ID] = created.ID
		return nil

	case optimistic.OpUpdate:
		task, ok := entry.Payload.(schedule.Task)
		if !ok {
			return fmt.Errorf("update payload has type %T", entry.Payload)
		}
		var updated *schedule.Task
		err := s.withRetry(ctx, func(ctx context.Context) error {
			var err error
			updated, err = s.tasks.Update(ctx, entry.ID, task)
			return err
		})
		if errors.Is(err, store.ErrNotFound) {
			res.Conflicts++
			metrics.ConflictResolved(string(s.opts.Strategy))
			if s.opts.Strategy == conflict.ClientWins {
				var created *schedule.Task
				if err := s.withRetry(ctx, func(ctx context.Context) error {
					var err error
					created, err = s.tasks.Create(ctx, task)
					return err
				}); err != nil {
					return err
				}
				delete(tasks, entry.ID)
				tasks[created.ID] = *created
				res.IDRemap[entry.ID] = created.ID
				return nil
			}
			delete(tasks, entry.ID)
			return nil
		}
		if err != nil {
			return err
		}
		tasks[updated.ID] = *updated
		return nil

	case optimistic.OpDelete:
		err := s.withRetry(ctx, func(ctx context.Context) error {
			_, err := s.tasks.Delete(ctx, entry.ID)
			return err
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		delete(tasks, entry.ID)
		return nil

	default:
		return fmt.Errorf("unknown operation %q", entry.Op)
	}
}

// pull fetches the remote collections and reconciles them with the local
// maps in place. A local record whose UpdatedAt differs from the remote one
// is a data conflict, resolved under the configured strategy; resolutions
// that keep local content are written back so both sides converge. Records
// only present remotely are pulled; local records the remote no longer has
// were deleted elsewhere and are dropped (all pending creates were already
// pushed).
func (s *Service) pull(ctx context.Context, userID string, events map[string]schedule.Event, tasks map[string]schedule.Task, res *Result) error {
	var remoteEvents []schedule.Event
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		remoteEvents, err = s.events.ListByUser(ctx, userID)
		return err
	}); err != nil {
		return fmt.Errorf("pull events: %w", err)
	}

	var remoteTasks []schedule.Task
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		remoteTasks, err = s.tasks.ListByUser(ctx, userID)
		return err
	}); err != nil {
		return fmt.Errorf("pull tasks: %w", err)
	}

	seenEvents := make(map[string]bool, len(remoteEvents))
	for _, remote := range remoteEvents {
		seenEvents[remote.ID] = true
		local, exists := events[remote.ID]
		switch {
		case !exists:
			events[remote.ID] = remote
			res.Pulled++
		case local.UpdatedAt.Equal(remote.UpdatedAt):
			events[remote.ID] = remote
		default:
			resolved, err := conflict.ResolveEvent(conflict.EventConflict{ID: remote.ID, Local: local, Remote: remote}, s.opts.Strategy)
			if err != nil {
				return err
			}
			res.Conflicts++
			metrics.ConflictResolved(string(resolved.StrategyUsed))
			if resolved.StrategyUsed != conflict.ServerWins {
				var updated *schedule.Event
				if err := s.withRetry(ctx, func(ctx context.Context) error {
					var err error
					updated, err = s.events.Update(ctx, remote.ID, resolved.Data)
					return err
				}); err != nil {
					return fmt.Errorf("write back resolved event %s: %w", remote.ID, err)
				}
				events[remote.ID] = *updated
			} else {
				events[remote.ID] = resolved.Data
			}
		}
	}
	for id := range events {
		if !seenEvents[id] {
			delete(events, id)
		}
	}

	seenTasks := make(map[string]bool, len(remoteTasks))
	for _, remote := range remoteTasks {
		seenTasks[remote.ID] = true
		local, exists := tasks[remote.ID]
		switch {
		case !exists:
			tasks[remote.ID] = remote
			res.Pulled++
		case local.UpdatedAt.Equal(remote.UpdatedAt):
			tasks[remote.ID] = remote
		default:
			resolved, err := conflict.ResolveTask(conflict.TaskConflict{ID: remote.ID, Local: local, Remote: remote}, s.opts.Strategy)
			if err != nil {
				return err
			}
			res.Conflicts++
			metrics.ConflictResolved(string(resolved.StrategyUsed))
			if resolved.StrategyUsed != conflict.ServerWins {
				var updated *schedule.Task
				if err := s.withRetry(ctx, func(ctx context.Context) error {
					var err error
					updated, err = s.tasks.Update(ctx, remote.ID, resolved.Data)
					return err
				}); err != nil {
					return fmt.Errorf("write back resolved task %s: %w", remote.ID, err)
				}
				tasks[remote.ID] = *updated
			} else {
				tasks[remote.ID] = resolved.Data
			}
		}
	}
	for id := range tasks {
		if !seenTasks[id] {
			delete(tasks, id)
		}
	}

	return nil
}

// withRetry retries transient failures with doubling backoff. Other error
// kinds, including timeout and not-found, surface immediately.
func (s *Service) withRetry(ctx context.Context, op func(context.Context) error) error {
	backoff := 250 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil || !errors.Is(err, store.ErrTransient) || attempt >= s.opts.RetryAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func sortedEvents(m map[string]schedule.Event) []schedule.Event {
	out := make([]schedule.Event, 0, len(m))
	for _, ev := range m {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedTasks(m map[string]schedule.Task) []schedule.Task {
	out := make([]schedule.Task, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
