package device

import "sync"

// DefaultHistoryCapacity matches the firmware's fixed message queue size.
const DefaultHistoryCapacity = 10

// HistoryQueue is a fixed-capacity FIFO of display strings with a cursor
// for navigating them. Appending beyond capacity evicts the oldest entry.
//
// Appends arrive from the session manager's event loop while the display
// refresh and cursor navigation read concurrently, so every method takes
// an exclusive lock around the whole structure. A reader can never observe
// a partially shifted queue.
type HistoryQueue struct {
	mu       sync.Mutex
	entries  []string
	cursor   int
	capacity int
}

// NewHistoryQueue creates a queue with the given capacity. A capacity of
// zero or less falls back to DefaultHistoryCapacity.
func NewHistoryQueue(capacity int) *HistoryQueue {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &HistoryQueue{
		entries:  make([]string, 0, capacity),
		capacity: capacity,
	}
}

// Append adds an entry, evicting the oldest when full, and moves the
// cursor to the newest entry (newest-message-first display policy).
func (q *HistoryQueue) Append(text string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) < q.capacity {
		q.entries = append(q.entries, text)
	} else {
		copy(q.entries, q.entries[1:])
		q.entries[q.capacity-1] = text
	}
	q.cursor = len(q.entries) - 1
}

// Next moves the cursor one entry forward. No-op at the newest entry.
func (q *HistoryQueue) Next() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) > 0 && q.cursor < len(q.entries)-1 {
		q.cursor++
	}
}

// Previous moves the cursor one entry back. No-op at the oldest entry.
func (q *HistoryQueue) Previous() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) > 0 && q.cursor > 0 {
		q.cursor--
	}
}

// Current returns the entry under the cursor. The second result is false
// when the queue is empty.
func (q *HistoryQueue) Current() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return "", false
	}
	return q.entries[q.cursor], true
}

// Cursor returns the current cursor index.
func (q *HistoryQueue) Cursor() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cursor
}

// Len returns the number of entries.
func (q *HistoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of the entries in append order.
func (q *HistoryQueue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.entries))
	copy(out, q.entries)
	return out
}
