// Package syncer owns connectivity state and the lifecycle of sync passes:
// pushing pending optimistic mutations to the remote store, pulling the
// remote snapshot back, and resolving data conflicts along the way. The
// service is a stateless operator over the planner's data: it receives
// snapshots, returns a staged result, and leaves all mutation of the visible
// collections to its source.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/weekplan/internal/conflict"
	"gitea.jw6.us/james/weekplan/internal/connectivity"
	"gitea.jw6.us/james/weekplan/internal/optimistic"
	"gitea.jw6.us/james/weekplan/internal/schedule"
	"gitea.jw6.us/james/weekplan/internal/store"
)

var (
	// ErrOffline is returned when a pass is requested while the remote store
	// is unreachable.
	ErrOffline = errors.New("sync unavailable while offline")
	// ErrStopped is returned after Destroy.
	ErrStopped = errors.New("sync service stopped")
	// ErrThrottled is returned when the rate gate rejects a non-forced pass.
	ErrThrottled = errors.New("sync pass throttled")
)

// Options bound one sync pass.
type Options struct {
	// Timeout aborts the whole pass; expiry is reported as store.ErrTimeout.
	Timeout time.Duration
	// BatchSize caps how many pending mutations are pushed between context
	// checks.
	BatchSize int
	// RetryAttempts is the number of automatic retries for transient
	// persistence failures inside a pass.
	RetryAttempts int
	// Strategy resolves data conflicts found while pulling.
	Strategy conflict.Strategy
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.RetryAttempts < 0 {
		o.RetryAttempts = 0
	}
	if o.Strategy == "" {
		o.Strategy = conflict.ServerWins
	}
	return o
}

// Status is a point-in-time snapshot of the sync state.
type Status struct {
	IsOnline       bool       `json:"isOnline"`
	IsSyncing      bool       `json:"isSyncing"`
	PendingChanges int        `json:"pendingChanges"`
	LastSync       *time.Time `json:"lastSync,omitempty"`
}

// Result describes one completed pass. Events and Tasks hold the fully
// reconciled collections the source swaps in; Committed names the ledger
// entries confirmed by the push phase, and IDRemap maps local temporary ids
// to their server-assigned replacements. StartedAt is taken before the local
// snapshot, so the source can tell which of its records the pass never saw.
type Result struct {
	PassID      string
	Pushed      int
	Pulled      int
	Conflicts   int
	Events      []schedule.Event
	Tasks       []schedule.Task
	Committed   []string
	IDRemap     map[string]string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Listener observes the sync lifecycle. Exactly one terminal callback
// (complete or error) follows every start callback.
type Listener interface {
	OnSyncStart(userID string)
	OnSyncComplete(userID string, res *Result)
	OnSyncError(userID string, err error)
}

// Source is the owner of the local state the service reconciles, in practice
// the planner store. The service never holds references into the source's
// collections across a pass; it works on the returned snapshots.
type Source interface {
	// LocalSnapshot returns copies of the visible collections and the
	// pending optimistic entries, oldest first.
	LocalSnapshot() (events []schedule.Event, tasks []schedule.Task, pending []optimistic.Entry)
	// PendingCount mirrors the ledger size for status reporting.
	PendingCount() int
	// ApplySyncResult atomically installs a successful pass: commit the
	// named ledger entries, swap in the reconciled collections, persist.
	ApplySyncResult(res *Result) error
}

// Service drives sync passes with mutual exclusion: concurrent starts while
// a pass is running coalesce onto the running pass instead of spawning a
// second one.
type Service struct {
	source  Source
	events  store.EventRepository
	tasks   store.TaskRepository
	monitor connectivity.Monitor
	opts    Options
	now     func() time.Time

	group singleflight.Group
	gate  *rate.Limiter

	mu        sync.Mutex
	listeners []Listener
	syncing   bool
	online    bool
	destroyed bool
	lastSync  *time.Time
	autoUser  string

	cron     *cron.Cron
	cronID   cron.EntryID
	stopOnce sync.Once
	stopped  chan struct{}
	watcher  sync.WaitGroup
}

// New constructs a service and subscribes to the connectivity monitor. opts
// apply to every pass.
func New(source Source, events store.EventRepository, tasks store.TaskRepository, monitor connectivity.Monitor, opts Options, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	s := &Service{
		source:  source,
		events:  events,
		tasks:   tasks,
		monitor: monitor,
		opts:    opts.withDefaults(),
		now:     now,
		// At most one non-forced pass per 10s window, with room for a burst
		// right after startup.
		gate:    rate.NewLimiter(rate.Every(10*time.Second), 2),
		online:  monitor.Online(),
		stopped: make(chan struct{}),
	}
	s.watcher.Add(1)
	go s.watchConnectivity()
	return s
}

// AddListener registers a lifecycle listener. Registration after Destroy is
// ignored.
func (s *Service) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.listeners = append(s.listeners, l)
}

// Status returns the current snapshot without blocking on a running pass.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		IsOnline:       s.online,
		IsSyncing:      s.syncing,
		PendingChanges: s.source.PendingCount(),
		LastSync:       s.lastSync,
	}
}

// Start runs one sync pass for the user, subject to the rate gate. A call
// made while a pass is already running joins that pass and shares its
// outcome.
func (s *Service) Start(ctx context.Context, userID string) (*Result, error) {
	if !s.gate.Allow() {
		return nil, ErrThrottled
	}
	return s.run(ctx, userID)
}

// Force runs one sync pass bypassing the rate gate. Mutual exclusion with
// other passes still applies.
func (s *Service) Force(ctx context.Context, userID string) (*Result, error) {
	return s.run(ctx, userID)
}

// EnableAutoSync schedules recurring passes for the user on a cron spec
// (e.g. "*/5 * * * *") and triggers a catch-up pass whenever connectivity
// returns. Calling it again replaces the previous schedule.
func (s *Service) EnableAutoSync(spec, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrStopped
	}
	if s.cron != nil {
		s.cron.Stop()
	}
	s.cron = cron.New()
	id, err := s.cron.AddFunc(spec, func() { s.autoPass() })
	if err != nil {
		s.cron = nil
		return fmt.Errorf("invalid auto-sync schedule %q: %w", spec, err)
	}
	s.cronID = id
	s.autoUser = userID
	s.cron.Start()
	return nil
}

// Stop cancels any scheduled auto-sync. Idempotent; an in-flight pass is
// left to finish on its own.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCronLocked()
}

// Destroy stops auto-sync, detaches from the connectivity monitor, and
// silences all future events. Idempotent.
func (s *Service) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	s.listeners = nil
	s.stopCronLocked()
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopped) })
	s.watcher.Wait()
}

func (s *Service) stopCronLocked() {
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
	s.autoUser = ""
}

func (s *Service) watchConnectivity() {
	defer s.watcher.Done()
	for {
		select {
		case <-s.stopped:
			return
		case online, ok := <-s.monitor.Updates():
			if !ok {
				return
			}
			s.mu.Lock()
			s.online = online
			autoUser := s.autoUser
			s.mu.Unlock()

			if online {
				log.Printf("[INFO] connectivity restored")
				if autoUser != "" {
					go s.autoPass()
				}
			} else {
				log.Printf("[WARN] connectivity lost, suspending sync passes")
			}
		}
	}
}

// autoPass is the timer- and reconnect-driven entry point. It honors the
// rate gate so a flapping link cannot trigger back-to-back passes.
func (s *Service) autoPass() {
	s.mu.Lock()
	userID := s.autoUser
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed || userID == "" {
		return
	}
	if _, err := s.Start(context.Background(), userID); err != nil &&
		!errors.Is(err, ErrThrottled) && !errors.Is(err, ErrOffline) {
		log.Printf("[ERROR] auto-sync failed: %v", err)
	}
}

// run enforces mutual exclusion via singleflight: callers arriving during a
// pass share its result rather than starting a second overlapping pass.
func (s *Service) run(ctx context.Context, userID string) (*Result, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if !s.online {
		s.mu.Unlock()
		return nil, ErrOffline
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do("sync:"+userID, func() (any, error) {
		return s.pass(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (s *Service) setSyncing(on bool) {
	s.mu.Lock()
	s.syncing = on
	s.mu.Unlock()
}

func (s *Service) snapshotListeners() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil
	}
	return append([]Listener(nil), s.listeners...)
}

func (s *Service) emitStart(userID string) {
	for _, l := range s.snapshotListeners() {
		l.OnSyncStart(userID)
	}
}

func (s *Service) emitComplete(userID string, res *Result) {
	for _, l := range s.snapshotListeners() {
		l.OnSyncComplete(userID, res)
	}
}

func (s *Service) emitError(userID string, err error) {
	for _, l := range s.snapshotListeners() {
		l.OnSyncError(userID, err)
	}
}
