package snapshot

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"gitea.jw6.us/james/weekplan/internal/schedule"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	fixed := time.Date(2024, time.January, 2, 9, 0, 0, 0, time.UTC)
	return Open(t.TempDir(), func() time.Time { return fixed })
}

func TestLoadMissingSnapshot(t *testing.T) {
	s := testStore(t)
	_, ok, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing snapshot")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := testStore(t)

	start := time.Date(2024, time.January, 2, 9, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)
	week := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

	in := State{
		Events: []schedule.Event{{
			ID:        "e1",
			Title:     "Standup",
			StartTime: &start,
			EndTime:   &end,
			UserID:    "u1",
			CreatedAt: start.Add(-time.Hour),
			UpdatedAt: start.Add(-time.Hour),
		}},
		Tasks: []schedule.Task{{
			ID:    "t1",
			Title: "Pay rent",
		}},
		View:        schedule.DefaultViewSettings(),
		CurrentWeek: week,
	}
	if err := s.Save(in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, ok, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("expected snapshot to exist")
	}

	if len(out.Events) != 1 || len(out.Tasks) != 1 {
		t.Fatalf("restored %d events / %d tasks, want 1 / 1", len(out.Events), len(out.Tasks))
	}

	ev := out.Events[0]
	// Dates must come back as typed instants, including the optional nested
	// bounds, not as strings.
	if ev.StartTime == nil || !ev.StartTime.Equal(start) {
		t.Errorf("restored startTime = %v, want %v", ev.StartTime, start)
	}
	if ev.EndTime == nil || !ev.EndTime.Equal(end) {
		t.Errorf("restored endTime = %v, want %v", ev.EndTime, end)
	}
	if out.Tasks[0].StartTime != nil {
		t.Error("unscheduled task grew a start time on restore")
	}
	if !out.CurrentWeek.Equal(week) {
		t.Errorf("restored currentWeek = %v, want %v", out.CurrentWeek, week)
	}
	if out.View.WeekStartsOn != time.Monday {
		t.Errorf("restored view settings: %+v", out.View)
	}
	if out.SchemaVersion != schemaVersion {
		t.Errorf("schemaVersion = %d, want %d", out.SchemaVersion, schemaVersion)
	}
}

func TestSaveOverwritesPrevious(t *testing.T) {
	s := testStore(t)

	if err := s.Save(State{Events: []schedule.Event{{ID: "old", Title: "Old"}}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(State{Events: []schedule.Event{{ID: "new", Title: "New"}}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, ok, err := s.Load()
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if len(out.Events) != 1 || out.Events[0].ID != "new" {
		t.Errorf("expected only the latest snapshot, got %+v", out.Events)
	}
}

func TestLoadRejectsSchemaMismatch(t *testing.T) {
	s := testStore(t)

	stale := map[string]any{"schemaVersion": 99, "events": nil, "tasks": nil}
	data, err := json.Marshal(stale)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := s.d.Write(stateKey, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, _, err = s.Load()
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestErase(t *testing.T) {
	s := testStore(t)
	if err := s.Erase(); err != nil {
		t.Fatalf("Erase on empty store: %v", err)
	}
	if err := s.Save(State{}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Erase(); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if _, ok, _ := s.Load(); ok {
		t.Error("snapshot survived erase")
	}
}
