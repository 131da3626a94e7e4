package schedule

import (
	"math/rand"
	"sort"
	"testing"
	"time"
)

func at(hour, min int) *time.Time {
	t := time.Date(2024, time.January, 2, hour, min, 0, 0, time.UTC)
	return &t
}

func item(id string, start, end *time.Time) Item {
	return Item{ID: id, Start: start, End: end}
}

func TestOverlapsSymmetric(t *testing.T) {
	cases := []struct {
		name string
		a, b Item
		want bool
	}{
		{"strict overlap", item("a", at(10, 0), at(11, 0)), item("b", at(10, 30), at(11, 30)), true},
		{"touching is not overlapping", item("a", at(10, 0), at(11, 0)), item("b", at(11, 0), at(12, 0)), false},
		{"disjoint", item("a", at(8, 0), at(9, 0)), item("b", at(11, 0), at(12, 0)), false},
		{"containment", item("a", at(9, 0), at(12, 0)), item("b", at(10, 0), at(11, 0)), true},
		{"identical", item("a", at(10, 0), at(11, 0)), item("b", at(10, 0), at(11, 0)), true},
		{"missing end bound", item("a", at(10, 0), nil), item("b", at(10, 0), at(11, 0)), false},
		{"unscheduled", item("a", nil, nil), item("b", at(10, 0), at(11, 0)), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Overlaps(tc.a, tc.b); got != tc.want {
				t.Errorf("Overlaps(a, b) = %v, want %v", got, tc.want)
			}
			if got := Overlaps(tc.b, tc.a); got != tc.want {
				t.Errorf("Overlaps(b, a) = %v, want %v (not symmetric)", got, tc.want)
			}
		})
	}
}

func TestDetectAllReportsEachPairOnce(t *testing.T) {
	items := []Item{
		item("e1", at(10, 0), at(11, 0)),
		item("e2", at(10, 30), at(11, 30)),
		item("e3", at(11, 0), at(12, 0)), // touches e1, overlaps e2
		item("e4", at(15, 0), at(16, 0)),
		item("e5", at(9, 0), nil), // missing bound, never flagged
	}

	conflicts := DetectAll(items)
	got := pairSet(conflicts)
	want := map[string]bool{"e1|e2": true, "e2|e3": true}

	if len(got) != len(want) {
		t.Fatalf("expected %d conflict pairs, got %d: %v", len(want), len(got), got)
	}
	for pair := range want {
		if !got[pair] {
			t.Errorf("missing expected conflict pair %s", pair)
		}
	}
}

func TestDetectAllOrderIndependent(t *testing.T) {
	items := []Item{
		item("a", at(9, 0), at(10, 30)),
		item("b", at(10, 0), at(11, 0)),
		item("c", at(10, 45), at(12, 0)),
		item("d", at(13, 0), at(14, 0)),
	}

	want := pairSet(DetectAll(items))
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]Item(nil), items...)
		rng.Shuffle(len(shuffled), func(x, y int) { shuffled[x], shuffled[y] = shuffled[y], shuffled[x] })

		got := pairSet(DetectAll(shuffled))
		if len(got) != len(want) {
			t.Fatalf("shuffle %d: expected %d pairs, got %d", i, len(want), len(got))
		}
		for pair := range want {
			if !got[pair] {
				t.Fatalf("shuffle %d: missing pair %s", i, pair)
			}
		}
	}
}

func TestDetectAllConflictWindow(t *testing.T) {
	conflicts := DetectAll([]Item{
		item("a", at(10, 0), at(11, 0)),
		item("b", at(10, 30), at(11, 30)),
	})
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}

	c := conflicts[0]
	if c.Type != ConflictTimeOverlap {
		t.Errorf("unexpected conflict type %q", c.Type)
	}
	if !c.StartTime.Equal(*at(10, 30)) || !c.EndTime.Equal(*at(11, 0)) {
		t.Errorf("unexpected overlap window [%v, %v]", c.StartTime, c.EndTime)
	}
	if c.Severity != SeverityPartial {
		t.Errorf("expected partial severity, got %q", c.Severity)
	}
}

func TestDetectAllFullSeverity(t *testing.T) {
	conflicts := DetectAll([]Item{
		item("outer", at(9, 0), at(12, 0)),
		item("inner", at(10, 0), at(11, 0)),
	})
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	if conflicts[0].Severity != SeverityFull {
		t.Errorf("expected full severity for contained window, got %q", conflicts[0].Severity)
	}
}

func TestWouldCollide(t *testing.T) {
	existing := []Item{
		item("e1", at(10, 0), at(11, 0)),
		item("e2", at(14, 0), at(15, 0)),
	}

	if !WouldCollide(item("e3", at(10, 15), at(11, 15)), existing, "") {
		t.Error("expected collision with e1")
	}
	if WouldCollide(item("e3", at(11, 0), at(12, 0)), existing, "") {
		t.Error("back-to-back slot should not collide")
	}

	// Moving e1 slightly within its own old span must not flag against itself.
	if WouldCollide(item("e1", at(10, 15), at(11, 15)), existing, "e1") {
		t.Error("move check flagged the event against its own prior position")
	}
	// The candidate's own id is excluded even without excludeID.
	if WouldCollide(item("e1", at(10, 15), at(11, 15)), existing, "") {
		t.Error("candidate collided with itself")
	}
}

func pairSet(conflicts []OverlapConflict) map[string]bool {
	set := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		ids := []string{c.EventID, c.ConflictingEventID}
		sort.Strings(ids)
		set[ids[0]+"|"+ids[1]] = true
	}
	return set
}
