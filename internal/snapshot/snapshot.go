// Package snapshot persists the planner's visible state to local disk so a
// restart (or an offline launch) restores the last known calendar. Only
// {events, tasks, view settings, current week} are persisted; the optimistic
// ledger and other transient state never are.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/peterbourgon/diskv/v3"

	"gitea.jw6.us/james/weekplan/internal/schedule"
)

// schemaVersion guards the on-disk format. Instants are encoded as RFC 3339
// strings by the JSON codec and decoded back into typed time.Time values on
// load, including the optional nested bounds on every item.
const schemaVersion = 1

const stateKey = "planner-state"

// State is the persisted subset of the planner's state.
type State struct {
	SchemaVersion int                   `json:"schemaVersion"`
	SavedAt       time.Time             `json:"savedAt"`
	Events        []schedule.Event      `json:"events"`
	Tasks         []schedule.Task       `json:"tasks"`
	View          schedule.ViewSettings `json:"viewSettings"`
	CurrentWeek   time.Time             `json:"currentWeek"`
}

// ErrSchemaMismatch indicates a snapshot written by an incompatible version.
var ErrSchemaMismatch = errors.New("snapshot schema version mismatch")

// Store reads and writes snapshots under a base path.
type Store struct {
	d   *diskv.Diskv
	now func() time.Time
}

// Open creates a snapshot store rooted at basePath. now is injectable for
// deterministic tests; nil means time.Now.
func Open(basePath string, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		d: diskv.New(diskv.Options{
			BasePath:     basePath,
			CacheSizeMax: 1024 * 1024, // 1MB
		}),
		now: now,
	}
}

// Save serializes the state and replaces the previous snapshot.
func (s *Store) Save(state State) error {
	state.SchemaVersion = schemaVersion
	state.SavedAt = s.now()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.d.Write(stateKey, data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Load restores the last persisted state. ok is false when no snapshot
// exists yet; a snapshot with an unexpected schema version returns
// ErrSchemaMismatch rather than a partially decoded state.
func (s *Store) Load() (State, bool, error) {
	if !s.d.Has(stateKey) {
		return State{}, false, nil
	}
	data, err := s.d.Read(stateKey)
	if err != nil {
		return State{}, false, fmt.Errorf("read snapshot: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	if state.SchemaVersion != schemaVersion {
		return State{}, false, fmt.Errorf("%w: got %d, want %d", ErrSchemaMismatch, state.SchemaVersion, schemaVersion)
	}
	return state, true, nil
}

// Erase removes the persisted snapshot, if any.
func (s *Store) Erase() error {
	if !s.d.Has(stateKey) {
		return nil
	}
	return s.d.Erase(stateKey)
}
