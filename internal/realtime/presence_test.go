package realtime

import "testing"

func TestPresenceJoinReturnsPreviousRoom(t *testing.T) {
	presence := NewPresence()
	if previous, ok := presence.Join("s1", "w1"); ok || previous != "" {
		t.Fatalf("first join should have no previous room, got %q", previous)
	}
	previous, ok := presence.Join("s1", "w2")
	if !ok || previous != "w1" {
		t.Fatalf("expected previous room w1, got %q %v", previous, ok)
	}
	if roomID, _ := presence.Room("s1"); roomID != "w2" {
		t.Fatalf("expected current room w2, got %q", roomID)
	}
}

func TestPresenceLeaveIsIdempotent(t *testing.T) {
	presence := NewPresence()
	presence.Join("s1", "w1")

	roomID, ok := presence.Leave("s1")
	if !ok || roomID != "w1" {
		t.Fatalf("expected w1, got %q %v", roomID, ok)
	}
	if roomID, ok := presence.Leave("s1"); ok || roomID != "" {
		t.Fatalf("second leave should return nothing, got %q %v", roomID, ok)
	}
	if _, ok := presence.Leave("never-joined"); ok {
		t.Fatalf("unknown session should return nothing")
	}
}
