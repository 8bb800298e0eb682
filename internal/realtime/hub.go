package realtime

import (
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const defaultBufferSize = 256

var (
	// ErrUnknownSession indicates that the session was never registered or already left.
	ErrUnknownSession = errors.New("realtime: unknown session")
	// ErrDuplicateSession indicates that a session id is already registered.
	ErrDuplicateSession = errors.New("realtime: duplicate session")
	// ErrInvalidSession indicates an empty session id.
	ErrInvalidSession = errors.New("realtime: invalid session")
	// ErrNotJoining indicates a Release without a preceding Enter, or after the session left the room.
	ErrNotJoining = errors.New("realtime: session is not joining a room")
)

// HubConfig configures a Hub.
type HubConfig struct {
	// BufferSize bounds each subscriber's outbound queue and replay backlog.
	BufferSize int
	Logger     *zap.Logger
	// OnEvict is invoked when a subscriber is dropped for not keeping up.
	OnEvict func(session string)
}

// Hub fans events out to the sessions of a room. Broadcasts to one room are delivered to every
// member in the order Broadcast was called.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	rooms       map[string]*room
	bufferSize  int
	logger      *zap.Logger
	onEvict     func(string)
}

type room struct {
	mu      sync.Mutex
	members map[string]*Subscriber
}

// Subscriber is the outbound side of one session.
type Subscriber struct {
	session string
	stream  chan Event

	// guarded by Hub.mu
	room string

	mu      sync.Mutex
	pending bool
	backlog []Event
	closed  bool
}

// Session returns the session id.
func (s *Subscriber) Session() string {
	return s.session
}

// Events returns the outbound queue. It is closed when the session unregisters or is evicted.
func (s *Subscriber) Events() <-chan Event {
	return s.stream
}

// NewHub constructs an empty hub.
func NewHub(cfg HubConfig) *Hub {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	onEvict := cfg.OnEvict
	if onEvict == nil {
		onEvict = func(string) {}
	}
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		rooms:       make(map[string]*room),
		bufferSize:  bufferSize,
		logger:      logger,
		onEvict:     onEvict,
	}
}

// Register creates the subscriber for a new session.
func (h *Hub) Register(session string) (*Subscriber, error) {
	if strings.TrimSpace(session) == "" {
		return nil, ErrInvalidSession
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.subscribers[session]; exists {
		return nil, ErrDuplicateSession
	}
	subscriber := &Subscriber{
		session: session,
		stream:  make(chan Event, h.bufferSize),
	}
	h.subscribers[session] = subscriber
	return subscriber, nil
}

// Unregister removes the session from its room and closes its queue. Unknown sessions are ignored.
func (h *Hub) Unregister(session string) {
	h.mu.Lock()
	subscriber := h.subscribers[session]
	if subscriber == nil {
		h.mu.Unlock()
		return
	}
	h.exitLocked(subscriber)
	delete(h.subscribers, session)
	h.mu.Unlock()

	subscriber.mu.Lock()
	subscriber.closeLocked()
	subscriber.mu.Unlock()
}

// Enter adds the session to a room in replay-pending mode: events for the room are held in a
// backlog until Release. A session is a member of at most one room; entering a room first exits
// the previous one.
func (h *Hub) Enter(session, roomID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscriber := h.subscribers[session]
	if subscriber == nil {
		return ErrUnknownSession
	}
	h.exitLocked(subscriber)

	target := h.rooms[roomID]
	if target == nil {
		target = &room{members: make(map[string]*Subscriber)}
		h.rooms[roomID] = target
	}
	target.mu.Lock()
	subscriber.mu.Lock()
	subscriber.pending = true
	subscriber.backlog = nil
	subscriber.mu.Unlock()
	target.members[session] = subscriber
	target.mu.Unlock()
	subscriber.room = roomID
	return nil
}

// Release delivers everything held back since Enter, then switches the session to live delivery.
func (h *Hub) Release(session string) error {
	h.mu.RLock()
	subscriber := h.subscribers[session]
	h.mu.RUnlock()
	if subscriber == nil {
		return ErrUnknownSession
	}

	subscriber.mu.Lock()
	defer subscriber.mu.Unlock()
	if subscriber.closed {
		return ErrUnknownSession
	}
	if !subscriber.pending {
		return ErrNotJoining
	}
	backlog := subscriber.backlog
	subscriber.pending = false
	subscriber.backlog = nil
	for _, event := range backlog {
		if !h.sendLocked(subscriber, event) {
			return nil
		}
	}
	return nil
}

// Exit removes the session from its room and returns the room it left.
func (h *Hub) Exit(session string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscriber := h.subscribers[session]
	if subscriber == nil || subscriber.room == "" {
		return "", false
	}
	left := subscriber.room
	h.exitLocked(subscriber)
	return left, true
}

func (h *Hub) exitLocked(subscriber *Subscriber) {
	if subscriber.room == "" {
		return
	}
	current := h.rooms[subscriber.room]
	if current != nil {
		current.mu.Lock()
		delete(current.members, subscriber.session)
		empty := len(current.members) == 0
		current.mu.Unlock()
		if empty {
			delete(h.rooms, subscriber.room)
		}
	}
	subscriber.mu.Lock()
	subscriber.pending = false
	subscriber.backlog = nil
	subscriber.mu.Unlock()
	subscriber.room = ""
}

// Broadcast delivers the event to every member of the room except exclude and returns the number
// of sessions it reached. Broadcasting to an empty or unknown room is a no-op.
func (h *Hub) Broadcast(roomID string, event Event, exclude string) int {
	h.mu.RLock()
	target := h.rooms[roomID]
	h.mu.RUnlock()
	if target == nil {
		return 0
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	delivered := 0
	for session, subscriber := range target.members {
		if session == exclude {
			continue
		}
		if h.deliver(subscriber, event) {
			delivered++
		}
	}
	return delivered
}

// Unicast delivers the event to a single session. It skips the backlog of a pending join, so
// events unicast between Enter and Release reach the session ahead of the room's held-back events.
func (h *Hub) Unicast(session string, event Event) bool {
	h.mu.RLock()
	subscriber := h.subscribers[session]
	h.mu.RUnlock()
	if subscriber == nil {
		return false
	}
	subscriber.mu.Lock()
	defer subscriber.mu.Unlock()
	if subscriber.closed {
		return false
	}
	return h.sendLocked(subscriber, event)
}

// Members returns the sessions currently in the room.
func (h *Hub) Members(roomID string) []string {
	h.mu.RLock()
	target := h.rooms[roomID]
	h.mu.RUnlock()
	if target == nil {
		return nil
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	sessions := make([]string, 0, len(target.members))
	for session := range target.members {
		sessions = append(sessions, session)
	}
	return sessions
}

// Sessions returns the number of registered sessions.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) deliver(subscriber *Subscriber, event Event) bool {
	subscriber.mu.Lock()
	defer subscriber.mu.Unlock()
	if subscriber.closed {
		return false
	}
	if subscriber.pending {
		if len(subscriber.backlog) >= h.bufferSize {
			h.evictLocked(subscriber)
			return false
		}
		subscriber.backlog = append(subscriber.backlog, event)
		return true
	}
	return h.sendLocked(subscriber, event)
}

func (h *Hub) sendLocked(subscriber *Subscriber, event Event) bool {
	select {
	case subscriber.stream <- event:
		return true
	default:
		h.evictLocked(subscriber)
		return false
	}
}

func (h *Hub) evictLocked(subscriber *Subscriber) {
	subscriber.closeLocked()
	h.logger.Warn("evicting slow subscriber", zap.String("session_id", subscriber.session))
	h.onEvict(subscriber.session)
}

func (s *Subscriber) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.pending = false
	s.backlog = nil
	close(s.stream)
}
