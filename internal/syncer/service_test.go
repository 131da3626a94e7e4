package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gitea.jw6.us/james/weekplan/internal/conflict"
	"gitea.jw6.us/james/weekplan/internal/connectivity"
	"gitea.jw6.us/james/weekplan/internal/optimistic"
	"gitea.jw6.us/james/weekplan/internal/schedule"
	"gitea.jw6.us/james/weekplan/internal/store"
)

type fakeSource struct {
	mu      sync.Mutex
	events  []schedule.Event
	tasks   []schedule.Task
	pending []optimistic.Entry
	applied *Result
}

func (f *fakeSource) LocalSnapshot() ([]schedule.Event, []schedule.Task, []optimistic.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schedule.Event(nil), f.events...),
		append([]schedule.Task(nil), f.tasks...),
		append([]optimistic.Entry(nil), f.pending...)
}

func (f *fakeSource) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *fakeSource) ApplySyncResult(res *Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = res
	f.events = res.Events
	f.tasks = res.Tasks
	committed := make(map[string]bool, len(res.Committed))
	for _, id := range res.Committed {
		committed[id] = true
	}
	var remaining []optimistic.Entry
	for _, e := range f.pending {
		if !committed[e.ID] {
			remaining = append(remaining, e)
		}
	}
	f.pending = remaining
	return nil
}

// fakeEventRepo scripts ListByUser failures and can block a pass on demand.
type fakeEventRepo struct {
	mu        sync.Mutex
	byID      map[string]schedule.Event
	nextID    int
	listErrs  []error
	listCalls int
	block     chan struct{}
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{byID: make(map[string]schedule.Event)}
}

func (r *fakeEventRepo) Create(_ context.Context, ev schedule.Event) (*schedule.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	ev.ID = fmt.Sprintf("evt-%d", r.nextID)
	r.byID[ev.ID] = ev
	out := ev
	return &out, nil
}

func (r *fakeEventRepo) Update(_ context.Context, id string, ev schedule.Event) (*schedule.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return nil, store.ErrNotFound
	}
	ev.ID = id
	r.byID[id] = ev
	out := ev
	return &out, nil
}

func (r *fakeEventRepo) Delete(_ context.Context, id string) (*schedule.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(r.byID, id)
	return &ev, nil
}

func (r *fakeEventRepo) GetByID(_ context.Context, id string) (*schedule.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &ev, nil
}

func (r *fakeEventRepo) ListByUser(ctx context.Context, userID string) ([]schedule.Event, error) {
	r.mu.Lock()
	r.listCalls++
	var scripted error
	if len(r.listErrs) > 0 {
		scripted = r.listErrs[0]
		r.listErrs = r.listErrs[1:]
	}
	block := r.block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-block:
		}
	}
	if scripted != nil {
		return nil, scripted
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var out []schedule.Event
	for _, ev := range r.byID {
		if ev.UserID == userID {
			out = append(out, ev)
		}
	}
	return out, nil
}

type fakeTaskRepo struct {
	mu     sync.Mutex
	byID   map[string]schedule.Task
	nextID int
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{byID: make(map[string]schedule.Task)}
}

func (r *fakeTaskRepo) Create(_ context.Context, task schedule.Task) (*schedule.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	task.ID = fmt.Sprintf("task-%d", r.nextID)
	r.byID[task.ID] = task
	out := task
	return &out, nil
}

func (r *fakeTaskRepo) Update(_ context.Context, id string, task schedule.Task) (*schedule.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return nil, store.ErrNotFound
	}
	task.ID = id
	r.byID[id] = task
	out := task
	return &out, nil
}

func (r *fakeTaskRepo) Delete(_ context.Context, id string) (*schedule.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(r.byID, id)
	return &task, nil
}

func (r *fakeTaskRepo) GetByID(_ context.Context, id string) (*schedule.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &task, nil
}

func (r *fakeTaskRepo) ListByUser(_ context.Context, userID string) ([]schedule.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []schedule.Task
	for _, t := range r.byID {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

type recordingListener struct {
	mu        sync.Mutex
	starts    int
	completes int
	failures  int
	lastErr   error
}

func (l *recordingListener) OnSyncStart(string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts++
}

func (l *recordingListener) OnSyncComplete(string, *Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completes++
}

func (l *recordingListener) OnSyncError(_ string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures++
	l.lastErr = err
}

func (l *recordingListener) counts() (int, int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts, l.completes, l.failures
}

func newTestService(t *testing.T, src Source, events store.EventRepository, tasks store.TaskRepository, online bool, opts Options) *Service {
	t.Helper()
	s := New(src, events, tasks, connectivity.NewStatic(online), opts, nil)
	t.Cleanup(s.Destroy)
	return s
}

func pendingCreate(id, title, userID string) optimistic.Entry {
	return optimistic.Entry{
		ID:      id,
		Op:      optimistic.OpCreate,
		Kind:    optimistic.KindEvent,
		Payload: schedule.Event{ID: id, Title: title, UserID: userID},
	}
}

func TestForcePushesPendingCreateAndRemapsID(t *testing.T) {
	src := &fakeSource{
		events:  []schedule.Event{{ID: "local-1", Title: "Standup", UserID: "u1"}},
		pending: []optimistic.Entry{pendingCreate("local-1", "Standup", "u1")},
	}
	events := newFakeEventRepo()
	s := newTestService(t, src, events, newFakeTaskRepo(), true, Options{})

	res, err := s.Force(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Force: %v", err)
	}
	if res.Pushed != 1 {
		t.Errorf("Pushed = %d, want 1", res.Pushed)
	}
	if got := res.IDRemap["local-1"]; got != "evt-1" {
		t.Errorf("IDRemap[local-1] = %q, want evt-1", got)
	}
	if len(res.Events) != 1 || res.Events[0].ID != "evt-1" {
		t.Fatalf("reconciled events = %+v, want one with the canonical id", res.Events)
	}
	if src.PendingCount() != 0 {
		t.Errorf("pending count = %d after pass, want 0", src.PendingCount())
	}
}

func TestConcurrentStartsCoalesce(t *testing.T) {
	src := &fakeSource{}
	events := newFakeEventRepo()
	events.block = make(chan struct{})
	s := newTestService(t, src, events, newFakeTaskRepo(), true, Options{})

	results := make([]*Result, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		i := i
		go func() {
			defer wg.Done()
			res, err := s.Force(context.Background(), "u1")
			if err != nil {
				t.Errorf("Force: %v", err)
				return
			}
			results[i] = res
		}()
	}

	// Wait until the first pass is inside the blocked pull, then release
	// both; the second caller must have joined rather than started its own.
	deadline := time.Now().Add(2 * time.Second)
	for {
		events.mu.Lock()
		calls := events.listCalls
		events.mu.Unlock()
		if calls >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pass never reached the pull phase")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(events.block)
	wg.Wait()

	events.mu.Lock()
	calls := events.listCalls
	events.mu.Unlock()
	if calls != 1 {
		t.Errorf("ListByUser called %d times, want 1 coalesced pass", calls)
	}
	if results[0] == nil || results[0] != results[1] {
		t.Error("concurrent callers did not share the same pass result")
	}
}

func TestExactlyOneTerminalEventPerPass(t *testing.T) {
	src := &fakeSource{}
	s := newTestService(t, src, newFakeEventRepo(), newFakeTaskRepo(), true, Options{})
	rec := &recordingListener{}
	s.AddListener(rec)

	if _, err := s.Force(context.Background(), "u1"); err != nil {
		t.Fatalf("Force: %v", err)
	}
	if starts, completes, failures := rec.counts(); starts != 1 || completes != 1 || failures != 0 {
		t.Errorf("after success: starts=%d completes=%d failures=%d, want 1/1/0", starts, completes, failures)
	}

	failing := newFakeEventRepo()
	failing.listErrs = []error{fmt.Errorf("%w: rejected", store.ErrValidation)}
	s2 := newTestService(t, src, failing, newFakeTaskRepo(), true, Options{})
	rec2 := &recordingListener{}
	s2.AddListener(rec2)

	if _, err := s2.Force(context.Background(), "u1"); err == nil {
		t.Fatal("Force succeeded despite a failing pull")
	}
	if starts, completes, failures := rec2.counts(); starts != 1 || completes != 0 || failures != 1 {
		t.Errorf("after failure: starts=%d completes=%d failures=%d, want 1/0/1", starts, completes, failures)
	}
}

func TestOfflineRejectsPass(t *testing.T) {
	src := &fakeSource{}
	s := newTestService(t, src, newFakeEventRepo(), newFakeTaskRepo(), false, Options{})
	rec := &recordingListener{}
	s.AddListener(rec)

	if _, err := s.Force(context.Background(), "u1"); !errors.Is(err, ErrOffline) {
		t.Fatalf("Force while offline = %v, want ErrOffline", err)
	}
	if starts, _, _ := rec.counts(); starts != 0 {
		t.Error("offline rejection still emitted a start event")
	}
}

func TestStartThrottledForceBypasses(t *testing.T) {
	src := &fakeSource{}
	s := newTestService(t, src, newFakeEventRepo(), newFakeTaskRepo(), true, Options{})

	// The gate allows a burst of two, then refuses until the window refills.
	for i := 0; i < 2; i++ {
		if _, err := s.Start(context.Background(), "u1"); err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
	}
	if _, err := s.Start(context.Background(), "u1"); !errors.Is(err, ErrThrottled) {
		t.Fatalf("third Start = %v, want ErrThrottled", err)
	}
	if _, err := s.Force(context.Background(), "u1"); err != nil {
		t.Fatalf("Force after throttle: %v", err)
	}
}

func TestPassTimeoutReportsTimeoutKind(t *testing.T) {
	src := &fakeSource{}
	events := newFakeEventRepo()
	events.block = make(chan struct{}) // never released, the pull hangs
	s := newTestService(t, src, events, newFakeTaskRepo(), true, Options{Timeout: 50 * time.Millisecond})

	_, err := s.Force(context.Background(), "u1")
	if !errors.Is(err, store.ErrTimeout) {
		t.Fatalf("Force = %v, want ErrTimeout kind", err)
	}
}

func TestTransientFailuresRetriedWithinPass(t *testing.T) {
	src := &fakeSource{}
	events := newFakeEventRepo()
	events.listErrs = []error{
		fmt.Errorf("%w: connection refused", store.ErrTransient),
		fmt.Errorf("%w: connection refused", store.ErrTransient),
	}
	s := newTestService(t, src, events, newFakeTaskRepo(), true, Options{RetryAttempts: 2})

	if _, err := s.Force(context.Background(), "u1"); err != nil {
		t.Fatalf("Force: %v", err)
	}
	events.mu.Lock()
	calls := events.listCalls
	events.mu.Unlock()
	if calls != 3 {
		t.Errorf("ListByUser called %d times, want 3 (two retries)", calls)
	}
}

func TestUpdateDeleteConflictServerWinsDropsEntity(t *testing.T) {
	local := schedule.Event{ID: "evt-9", Title: "Edited locally", UserID: "u1"}
	src := &fakeSource{
		events: []schedule.Event{local},
		pending: []optimistic.Entry{{
			ID: "evt-9", Op: optimistic.OpUpdate, Kind: optimistic.KindEvent, Payload: local,
		}},
	}
	// Repo has no evt-9: deleted remotely while edited locally.
	s := newTestService(t, src, newFakeEventRepo(), newFakeTaskRepo(), true, Options{Strategy: conflict.ServerWins})

	res, err := s.Force(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Force: %v", err)
	}
	if res.Conflicts != 1 {
		t.Errorf("Conflicts = %d, want 1", res.Conflicts)
	}
	if len(res.Events) != 0 {
		t.Errorf("events = %+v, want remote deletion to stand", res.Events)
	}
}

func TestUpdateDeleteConflictClientWinsRecreates(t *testing.T) {
	local := schedule.Event{ID: "evt-9", Title: "Edited locally", UserID: "u1"}
	src := &fakeSource{
		events: []schedule.Event{local},
		pending: []optimistic.Entry{{
			ID: "evt-9", Op: optimistic.OpUpdate, Kind: optimistic.KindEvent, Payload: local,
		}},
	}
	s := newTestService(t, src, newFakeEventRepo(), newFakeTaskRepo(), true, Options{Strategy: conflict.ClientWins})

	res, err := s.Force(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Force: %v", err)
	}
	if res.Conflicts != 1 {
		t.Errorf("Conflicts = %d, want 1", res.Conflicts)
	}
	if len(res.Events) != 1 || res.Events[0].Title != "Edited locally" {
		t.Fatalf("events = %+v, want the local edit recreated", res.Events)
	}
	if res.IDRemap["evt-9"] == "" {
		t.Error("recreated entity did not get an id remap")
	}
}

func TestPullResolvesDataConflictServerWins(t *testing.T) {
	older := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	src := &fakeSource{
		events: []schedule.Event{{ID: "evt-1", Title: "Local title", UserID: "u1", UpdatedAt: newer}},
	}
	events := newFakeEventRepo()
	events.byID["evt-1"] = schedule.Event{ID: "evt-1", Title: "Remote title", UserID: "u1", UpdatedAt: older}
	s := newTestService(t, src, events, newFakeTaskRepo(), true, Options{Strategy: conflict.ServerWins})

	res, err := s.Force(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Force: %v", err)
	}
	if res.Conflicts != 1 {
		t.Errorf("Conflicts = %d, want 1", res.Conflicts)
	}
	if len(res.Events) != 1 || res.Events[0].Title != "Remote title" {
		t.Fatalf("events = %+v, want the remote version", res.Events)
	}
}

func TestDestroySilencesEvents(t *testing.T) {
	src := &fakeSource{}
	s := New(src, newFakeEventRepo(), newFakeTaskRepo(), connectivity.NewStatic(true), Options{}, nil)
	rec := &recordingListener{}
	s.AddListener(rec)

	s.Destroy()
	s.Destroy() // idempotent

	if _, err := s.Force(context.Background(), "u1"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Force after Destroy = %v, want ErrStopped", err)
	}
	if starts, completes, failures := rec.counts(); starts+completes+failures != 0 {
		t.Error("destroyed service still emitted events")
	}
}

func TestStatusReflectsPendingAndLastSync(t *testing.T) {
	src := &fakeSource{pending: []optimistic.Entry{pendingCreate("local-1", "Standup", "u1")}}
	s := newTestService(t, src, newFakeEventRepo(), newFakeTaskRepo(), true, Options{})

	st := s.Status()
	if !st.IsOnline || st.IsSyncing || st.PendingChanges != 1 || st.LastSync != nil {
		t.Fatalf("initial status = %+v", st)
	}

	if _, err := s.Force(context.Background(), "u1"); err != nil {
		t.Fatalf("Force: %v", err)
	}
	st = s.Status()
	if st.PendingChanges != 0 || st.LastSync == nil {
		t.Errorf("post-pass status = %+v, want drained pending and a last sync time", st)
	}
}

func TestEnableAutoSyncRejectsBadSpec(t *testing.T) {
	src := &fakeSource{}
	s := newTestService(t, src, newFakeEventRepo(), newFakeTaskRepo(), true, Options{})

	if err := s.EnableAutoSync("not a cron spec", "u1"); err == nil {
		t.Fatal("EnableAutoSync accepted a malformed spec")
	}
	if err := s.EnableAutoSync("*/5 * * * *", "u1"); err != nil {
		t.Fatalf("EnableAutoSync: %v", err)
	}
}
