package device

import (
	"fmt"
	"testing"
)

func TestHistoryAppendWithinCapacity(t *testing.T) {
	q := NewHistoryQueue(10)

	q.Append("first")
	q.Append("second")
	q.Append("third")

	if q.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", q.Len())
	}

	// Cursor tracks the newest entry
	text, ok := q.Current()
	if !ok || text != "third" {
		t.Errorf("expected cursor on %q, got %q (ok=%v)", "third", text, ok)
	}
}

func TestHistoryEvictsOldest(t *testing.T) {
	q := NewHistoryQueue(10)

	for i := 0; i < 15; i++ {
		q.Append(fmt.Sprintf("msg-%d", i))
	}

	if q.Len() != 10 {
		t.Fatalf("expected 10 entries after overflow, got %d", q.Len())
	}

	// The queue holds exactly the last 10, in arrival order
	entries := q.Snapshot()
	for i, entry := range entries {
		want := fmt.Sprintf("msg-%d", i+5)
		if entry != want {
			t.Errorf("entry %d: got %q, want %q", i, entry, want)
		}
	}
}

func TestHistoryCursorNavigation(t *testing.T) {
	q := NewHistoryQueue(10)
	q.Append("a")
	q.Append("b")
	q.Append("c")

	q.Previous()
	if text, _ := q.Current(); text != "b" {
		t.Errorf("after Previous: got %q, want %q", text, "b")
	}

	q.Previous()
	if text, _ := q.Current(); text != "a" {
		t.Errorf("after two Previous: got %q, want %q", text, "a")
	}

	// Clamped at the oldest entry
	q.Previous()
	if text, _ := q.Current(); text != "a" {
		t.Errorf("Previous at oldest should clamp: got %q", text)
	}

	q.Next()
	q.Next()
	if text, _ := q.Current(); text != "c" {
		t.Errorf("after two Next: got %q, want %q", text, "c")
	}

	// Clamped at the newest entry
	q.Next()
	if text, _ := q.Current(); text != "c" {
		t.Errorf("Next at newest should clamp: got %q", text)
	}
}

func TestHistoryAppendResetsCursor(t *testing.T) {
	q := NewHistoryQueue(10)
	q.Append("a")
	q.Append("b")
	q.Previous()

	q.Append("c")
	if text, _ := q.Current(); text != "c" {
		t.Errorf("append should snap cursor to newest: got %q", text)
	}
}

func TestHistoryEmpty(t *testing.T) {
	q := NewHistoryQueue(10)

	if _, ok := q.Current(); ok {
		t.Error("Current on empty queue should report not ok")
	}

	// Navigation on an empty queue must not panic
	q.Next()
	q.Previous()

	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d entries", q.Len())
	}
}

func TestHistoryZeroCapacityFallsBack(t *testing.T) {
	q := NewHistoryQueue(0)
	for i := 0; i < 20; i++ {
		q.Append(fmt.Sprintf("msg-%d", i))
	}
	if q.Len() != DefaultHistoryCapacity {
		t.Errorf("expected fallback capacity %d, got %d", DefaultHistoryCapacity, q.Len())
	}
}
