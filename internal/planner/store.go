// Package planner is the stateful façade the application drives: it owns the
// visible events and tasks, the optimistic update ledger, and the displayed
// week, and routes every mutation through optimistic-apply, persistence, and
// commit-or-rollback. Collaborators (persistence, validation, connectivity,
// clock, local snapshot) are injected so tests can instantiate isolated
// stores.
package planner

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gitea.jw6.us/james/weekplan/internal/connectivity"
	"gitea.jw6.us/james/weekplan/internal/optimistic"
	"gitea.jw6.us/james/weekplan/internal/schedule"
	"gitea.jw6.us/james/weekplan/internal/snapshot"
	"gitea.jw6.us/james/weekplan/internal/store"
	"gitea.jw6.us/james/weekplan/internal/syncer"
)

// Validator checks user input before any optimistic apply.
type Validator interface {
	Event(schedule.Event) error
	Task(schedule.Task) error
}

// Config wires a Store's collaborators.
type Config struct {
	Events    store.EventRepository
	Tasks     store.TaskRepository
	Validator Validator
	Snapshot  *snapshot.Store
	Monitor   connectivity.Monitor
	Sync      syncer.Options
	Now       func() time.Time
}

// Store is the single mutable source of truth for the visible calendar.
type Store struct {
	mu          sync.Mutex
	events      map[string]schedule.Event
	tasks       map[string]schedule.Task
	view        schedule.ViewSettings
	currentWeek time.Time
	lastErr     error

	ledger    *optimistic.Ledger
	eventRepo store.EventRepository
	taskRepo  store.TaskRepository
	validator Validator
	snap      *snapshot.Store
	sync      *syncer.Service
	now       func() time.Time
}

// New builds a store, restoring the last persisted snapshot when one exists.
func New(cfg Config) (*Store, error) {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		events:    make(map[string]schedule.Event),
		tasks:     make(map[string]schedule.Task),
		view:      schedule.DefaultViewSettings(),
		ledger:    optimistic.NewLedger(now),
		eventRepo: cfg.Events,
		taskRepo:  cfg.Tasks,
		validator: cfg.Validator,
		snap:      cfg.Snapshot,
		now:       now,
	}
	s.currentWeek = schedule.WeekOf(now(), s.view.WeekStartsOn)

	if s.snap != nil {
		state, ok, err := s.snap.Load()
		if err != nil {
			return nil, fmt.Errorf("restore snapshot: %w", err)
		}
		if ok {
			for _, ev := range state.Events {
				s.events[ev.ID] = ev
			}
			for _, t := range state.Tasks {
				s.tasks[t.ID] = t
			}
			s.view = state.View
			if !state.CurrentWeek.IsZero() {
				s.currentWeek = state.CurrentWeek
			}
		}
	}

	s.sync = syncer.New(s, cfg.Events, cfg.Tasks, cfg.Monitor, cfg.Sync, now)
	return s, nil
}

// Close tears the store down; no sync events are emitted afterwards.
func (s *Store) Close() {
	s.sync.Destroy()
}

// Sync exposes the sync service for listener registration and scheduling.
func (s *Store) Sync() *syncer.Service {
	return s.sync
}

// Err returns the most recent user-facing failure; nil when the last
// operation succeeded.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Events returns a copy of the visible events, sorted by id.
func (s *Store) Events() []schedule.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]schedule.Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tasks returns a copy of the visible tasks, sorted by id.
func (s *Store) Tasks() []schedule.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]schedule.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Event looks up a single event.
func (s *Store) Event(id string) (schedule.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	return ev, ok
}

// Task looks up a single task.
func (s *Store) Task(id string) (schedule.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// CurrentWeek returns the start of the displayed week.
func (s *Store) CurrentWeek() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentWeek
}

// SetCurrentWeek moves the displayed week to the week containing t.
func (s *Store) SetCurrentWeek(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentWeek = schedule.WeekOf(t, s.view.WeekStartsOn)
	s.persistLocked()
}

// ViewSettings returns the current display settings.
func (s *Store) ViewSettings() schedule.ViewSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// SetViewSettings replaces the display settings.
func (s *Store) SetViewSettings(v schedule.ViewSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = v
	s.persistLocked()
}

// setErrLocked records a user-facing failure.
func (s *Store) setErrLocked(err error) {
	s.lastErr = err
}

// clearErrLocked marks the latest operation successful.
func (s *Store) clearErrLocked() {
	s.lastErr = nil
}

// persistLocked writes the durable subset of the state (events, tasks, view
// settings, current week) to the local snapshot. The ledger is transient and
// never persisted. Persistence failures are logged, not surfaced: losing the
// snapshot must not fail the mutation that triggered it.
func (s *Store) persistLocked() {
	if s.snap == nil {
		return
	}
	state := snapshot.State{
		Events:      make([]schedule.Event, 0, len(s.events)),
		Tasks:       make([]schedule.Task, 0, len(s.tasks)),
		View:        s.view,
		CurrentWeek: s.currentWeek,
	}
	for _, ev := range s.events {
		state.Events = append(state.Events, ev)
	}
	for _, t := range s.tasks {
		state.Tasks = append(state.Tasks, t)
	}
	if err := s.snap.Save(state); err != nil {
		log.Printf("[WARN] failed to persist local snapshot: %v", err)
	}
}

// localID mints a temporary id for an entity created while the server has
// not assigned one yet. The sync push replaces it with the canonical id.
func localID() string {
	return "local-" + uuid.NewString()
}

// LocalSnapshot implements syncer.Source. Entries whose own persistence call
// is in flight are excluded: that call commits or rolls them back itself, and
// replaying them in a pass would apply the mutation twice.
func (s *Store) LocalSnapshot() ([]schedule.Event, []schedule.Task, []optimistic.Entry) {
	events := s.Events()
	tasks := s.Tasks()

	all := s.ledger.Entries()
	pending := make([]optimistic.Entry, 0, len(all))
	for _, e := range all {
		if !e.InFlight {
			pending = append(pending, e)
		}
	}
	return events, tasks, pending
}

// PendingCount implements syncer.Source.
func (s *Store) PendingCount() int {
	return s.ledger.Len()
}

// ApplySyncResult implements syncer.Source: installs the reconciled
// collections from a successful pass and commits the pushed ledger entries.
// Applied atomically under the store lock; a failed pass never reaches here,
// so local state is untouched on failure.
//
// The reconciled collections were built from a snapshot taken at
// res.StartedAt; mutations that began after that are absent from them. Those
// are preserved two ways: entities updated since the pass started are carried
// over, and every still-pending ledger entry is re-applied on top before the
// swap.
func (s *Store) ApplySyncResult(res *syncer.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range res.Committed {
		s.ledger.Commit(id)
	}

	events := make(map[string]schedule.Event, len(res.Events))
	for _, ev := range res.Events {
		events[ev.ID] = ev
	}
	tasks := make(map[string]schedule.Task, len(res.Tasks))
	for _, t := range res.Tasks {
		tasks[t.ID] = t
	}

	for id, ev := range s.events {
		if _, ok := events[id]; !ok && ev.UpdatedAt.After(res.StartedAt) {
			events[id] = ev
		}
	}
	for id, t := range s.tasks {
		if _, ok := tasks[id]; !ok && t.UpdatedAt.After(res.StartedAt) {
			tasks[id] = t
		}
	}
	for _, e := range s.ledger.Entries() {
		switch e.Op {
		case optimistic.OpCreate, optimistic.OpUpdate:
			switch payload := e.Payload.(type) {
			case schedule.Event:
				events[e.ID] = payload
			case schedule.Task:
				tasks[e.ID] = payload
			}
		case optimistic.OpDelete:
			delete(events, e.ID)
			delete(tasks, e.ID)
		}
	}

	s.events = events
	s.tasks = tasks
	s.persistLocked()
	return nil
}

// userError translates a persistence failure into the message surfaced
// through Err while keeping the structured kind reachable via errors.Is.
func userError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrValidation):
		return err
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("item not found: %w", err)
	case errors.Is(err, store.ErrTimeout):
		return fmt.Errorf("the server took too long to respond: %w", err)
	case errors.Is(err, store.ErrTransient):
		return fmt.Errorf("temporarily unable to reach the server: %w", err)
	default:
		return err
	}
}
