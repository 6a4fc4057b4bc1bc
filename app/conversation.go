package app

import (
	"fmt"
	"sync"
	"time"
)

// Origin tags who a conversation message came from.
type Origin string

const (
	OriginAI     Origin = "ai"
	OriginUser   Origin = "user"
	OriginDevice Origin = "device"
)

// Message is one entry in the conversation log.
type Message struct {
	ID        string
	Text      string
	Timestamp time.Time
	Origin    Origin
	Expanded  bool
}

// ConversationLog is an append-only ordered sequence of tagged messages
// with per-item expand/collapse state. Unlike the peripheral's history
// queue it has no capacity bound; the phone has ample memory.
type ConversationLog struct {
	mu       sync.Mutex
	messages []Message
	seq      uint64
}

// NewConversationLog creates an empty log.
func NewConversationLog() *ConversationLog {
	return &ConversationLog{}
}

// Append adds a message and returns it. IDs compose the wall clock with a
// monotonic counter, so two messages created in the same millisecond still
// get distinct ids.
func (l *ConversationLog) Append(text string, origin Origin) Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	now := time.Now()
	msg := Message{
		ID:        fmt.Sprintf("%d-%d", now.UnixMilli(), l.seq),
		Text:      text,
		Timestamp: now,
		Origin:    origin,
	}
	l.messages = append(l.messages, msg)
	return msg
}

// ToggleExpand flips the expanded flag of the matching message. Returns
// false when the id is absent.
func (l *ConversationLog) ToggleExpand(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.messages {
		if l.messages[i].ID == id {
			l.messages[i].Expanded = !l.messages[i].Expanded
			return true
		}
	}
	return false
}

// Messages returns a copy of the log in insertion order.
func (l *ConversationLog) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len returns the number of messages.
func (l *ConversationLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}
