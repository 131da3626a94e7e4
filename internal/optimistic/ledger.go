// Package optimistic tracks in-flight local mutations awaiting confirmation
// from the persistence layer. Each entry carries enough information for the
// owner of the visible collections to undo the mutation deterministically.
package optimistic

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Op identifies the kind of in-flight mutation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// EntityKind names the collection an entry belongs to.
type EntityKind string

const (
	KindEvent EntityKind = "event"
	KindTask  EntityKind = "task"
)

// Entry records one pending mutation. Payload holds the optimistically
// applied value; PreImage holds the value to restore on rollback (the prior
// entity for updates, the deleted entity for deletes, nil for creates).
// InFlight marks an entry whose own persistence call is currently running:
// that call will commit or roll the entry back itself, so a sync pass must
// not replay it (replaying a create would insert the entity twice).
type Entry struct {
	ID        string
	Op        Op
	Kind      EntityKind
	Payload   any
	PreImage  any
	Timestamp time.Time
	InFlight  bool
}

// ErrPending is returned when a mutation targets an entity that already has
// an entry in flight. Callers must wait for the first mutation to resolve;
// overlapping same-id mutations would make rollback ambiguous.
var ErrPending = fmt.Errorf("optimistic update already pending for entity")

// Ledger is the set of in-flight mutations, keyed by entity id. At most one
// entry exists per id. Safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

// NewLedger returns an empty ledger. now is injectable for deterministic
// tests; nil means time.Now.
func NewLedger(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{entries: make(map[string]Entry), now: now}
}

// Apply records a pending mutation. The caller is responsible for having
// already applied the mutation to the visible collection; the ledger only
// tracks that it is in flight and how to undo it. Returns ErrPending if an
// entry for the id already exists.
func (l *Ledger) Apply(id string, op Op, kind EntityKind, payload, preImage any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrPending, id)
	}
	l.entries[id] = Entry{
		ID:        id,
		Op:        op,
		Kind:      kind,
		Payload:   payload,
		PreImage:  preImage,
		Timestamp: l.now(),
	}
	return nil
}

// Commit removes the entry without reverting anything; the optimistic value
// becomes final. Committing an unknown id is a no-op and reports false.
func (l *Ledger) Commit(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[id]; !exists {
		return false
	}
	delete(l.entries, id)
	return true
}

// Rollback removes the entry and returns it so the caller can revert the
// visible collection: remove the entity for a create, restore PreImage for an
// update or delete. Rolling back an unknown id (including one already
// committed) is a no-op and reports false.
func (l *Ledger) Rollback(id string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.entries[id]
	if !exists {
		return Entry{}, false
	}
	delete(l.entries, id)
	return entry, true
}

// SetInFlight flags or unflags the entry as being confirmed by its own
// persistence call. Reports false when no entry exists for the id.
func (l *Ledger) SetInFlight(id string, inFlight bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.entries[id]
	if !exists {
		return false
	}
	entry.InFlight = inFlight
	l.entries[id] = entry
	return true
}

// Has reports whether a mutation is pending for the id.
func (l *Ledger) Has(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, exists := l.entries[id]
	return exists
}

// Get returns the pending entry for the id, if any.
func (l *Ledger) Get(id string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, exists := l.entries[id]
	return entry, exists
}

// Pending returns the ids with in-flight mutations, sorted for stable
// iteration.
func (l *Ledger) Pending() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Entries returns a snapshot of all pending entries ordered by timestamp,
// oldest first, so a sync pass can push mutations in the order the user made
// them.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Len reports the number of pending entries; it backs the pendingChanges
// field of the sync status.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
