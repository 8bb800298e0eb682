package realtime

import "sync"

// Presence maps each session to the single room it has joined.
type Presence struct {
	mu    sync.Mutex
	rooms map[string]string
}

// NewPresence constructs an empty tracker.
func NewPresence() *Presence {
	return &Presence{rooms: make(map[string]string)}
}

// Join records the session's room and returns the room it was in before, if any.
func (p *Presence) Join(session, roomID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	previous, ok := p.rooms[session]
	p.rooms[session] = roomID
	return previous, ok
}

// Leave forgets the session and returns its room. Leaving twice is harmless.
func (p *Presence) Leave(session string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	roomID, ok := p.rooms[session]
	if ok {
		delete(p.rooms, session)
	}
	return roomID, ok
}

// Room returns the room the session has joined.
func (p *Presence) Room(session string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	roomID, ok := p.rooms[session]
	return roomID, ok
}
