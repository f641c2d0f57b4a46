package notice

import (
	"reflect"
	"testing"
)

// TestKindString verifies the String() method for Kind.
func TestKindString(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindPause, "pause"},
		{KindWarning, "warning"},
		{Kind(999), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.expected {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.expected)
		}
	}
}

// TestDescribe verifies the rendered form used in logs and messages.
func TestDescribe(t *testing.T) {
	n := Pause("local_git_sync", "ref for main missing")
	want := "pause from local_git_sync: ref for main missing"
	if got := n.Describe(); got != want {
		t.Errorf("Describe() = %q, want %q", got, want)
	}

	w := Warning("local_filetree_sync", "slow flush")
	want = "warning from local_filetree_sync: slow flush"
	if got := w.Describe(); got != want {
		t.Errorf("Describe() = %q, want %q", got, want)
	}
}

// TestSort verifies that pauses sort before warnings and that ties break on
// tag then reason.
func TestSort(t *testing.T) {
	notices := []Notice{
		Warning("b", "w1"),
		Pause("b", "p2"),
		Warning("a", "w2"),
		Pause("a", "p1"),
		Pause("a", "p0"),
	}

	Sort(notices)

	want := []Notice{
		Pause("a", "p0"),
		Pause("a", "p1"),
		Pause("b", "p2"),
		Warning("a", "w2"),
		Warning("b", "w1"),
	}
	if !reflect.DeepEqual(notices, want) {
		t.Errorf("Sort() = %v, want %v", notices, want)
	}
}

// TestPartition verifies the pausing/warning split preserves order.
func TestPartition(t *testing.T) {
	notices := []Notice{
		Pause("a", "p1"),
		Warning("a", "w1"),
		Pause("b", "p2"),
	}

	pauses, warnings := Partition(notices)

	if len(pauses) != 2 || pauses[0].Reason != "p1" || pauses[1].Reason != "p2" {
		t.Errorf("Partition() pauses = %v, want [p1 p2]", pauses)
	}
	if len(warnings) != 1 || warnings[0].Reason != "w1" {
		t.Errorf("Partition() warnings = %v, want [w1]", warnings)
	}
}

// TestHasPausing verifies detection of blocking notices.
func TestHasPausing(t *testing.T) {
	if HasPausing(nil) {
		t.Error("HasPausing(nil) = true, want false")
	}
	if HasPausing([]Notice{Warning("a", "w")}) {
		t.Error("HasPausing(warnings only) = true, want false")
	}
	if !HasPausing([]Notice{Warning("a", "w"), Pause("a", "p")}) {
		t.Error("HasPausing(mixed) = false, want true")
	}
}

// TestReasons verifies reason extraction order.
func TestReasons(t *testing.T) {
	notices := []Notice{Pause("a", "first"), Warning("b", "second")}
	got := Reasons(notices)
	want := []string{"first", "second"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Reasons() = %v, want %v", got, want)
	}
}
