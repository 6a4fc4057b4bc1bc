package app

import (
	"testing"
)

func TestConversationAppendPreservesOrder(t *testing.T) {
	log := NewConversationLog()

	log.Append("first", OriginUser)
	log.Append("second", OriginDevice)
	log.Append("third", OriginAI)

	msgs := log.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "first" || msgs[1].Text != "second" || msgs[2].Text != "third" {
		t.Errorf("messages out of order: %v", msgs)
	}
	if msgs[0].Origin != OriginUser || msgs[1].Origin != OriginDevice || msgs[2].Origin != OriginAI {
		t.Errorf("origins not preserved: %v", msgs)
	}
}

func TestConversationIDsUniqueUnderBurst(t *testing.T) {
	log := NewConversationLog()

	// Many appends inside the same millisecond must still get distinct ids
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		msg := log.Append("burst", OriginUser)
		if msg.ID == "" {
			t.Fatal("message id must not be empty")
		}
		if seen[msg.ID] {
			t.Fatalf("duplicate id %q at message %d", msg.ID, i)
		}
		seen[msg.ID] = true
	}
}

func TestConversationToggleExpand(t *testing.T) {
	log := NewConversationLog()
	msg := log.Append("a long response worth collapsing", OriginDevice)

	if !log.ToggleExpand(msg.ID) {
		t.Fatal("toggle of an existing message should report found")
	}
	if got := log.Messages()[0]; !got.Expanded {
		t.Error("first toggle should expand")
	}

	log.ToggleExpand(msg.ID)
	if got := log.Messages()[0]; got.Expanded {
		t.Error("second toggle should collapse")
	}
}

func TestConversationToggleExpandUnknownID(t *testing.T) {
	log := NewConversationLog()
	log.Append("hello", OriginUser)

	if log.ToggleExpand("1700000000000-999") {
		t.Error("toggle of an unknown id should be a no-op reporting not found")
	}
	if log.Messages()[0].Expanded {
		t.Error("no-op toggle must not change any message")
	}
}

func TestConversationMessagesReturnsCopy(t *testing.T) {
	log := NewConversationLog()
	log.Append("original", OriginUser)

	msgs := log.Messages()
	msgs[0].Text = "mutated"

	if log.Messages()[0].Text != "original" {
		t.Error("Messages must return a copy, not the backing slice")
	}
}
