// Package collab implements the real-time collaboration engine: room joins with snapshot replay,
// live edit fan-out with debounced persistence, chat and cursor signaling.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/quorum/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/notes"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/workspaces"
)

const (
	defaultHistoryLimit = 50

	fieldSessionID   = "session_id"
	fieldWorkspaceID = "workspace_id"
	fieldNoteID      = "note_id"
	fieldEvent       = "event"
)

var (
	errMissingStore      = errors.New("collab: note store required")
	errMissingAuthorizer = errors.New("collab: authorizer required")
)

// NoteStore is the durable note collaborator.
type NoteStore interface {
	ListNotes(ctx context.Context, workspaceID notes.WorkspaceID) ([]notes.Note, error)
	CreateNote(ctx context.Context, draft notes.NoteDraft) (notes.Note, error)
	UpdateNote(ctx context.Context, noteID notes.NoteID, workspaceID notes.WorkspaceID, patch notes.NotePatch) (notes.Note, error)
	DeleteNote(ctx context.Context, noteID notes.NoteID, workspaceID notes.WorkspaceID) error
}

// Authorizer answers workspace permission checks.
type Authorizer interface {
	HasPermission(ctx context.Context, userID, workspaceID string, required workspaces.Permission) (bool, error)
}

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Store          NoteStore
	Authorizer     Authorizer
	Chat           chat.Buffer
	SaveDelay      time.Duration
	SaveWorkers    int
	SaveRetries    int
	HistoryLimit   int
	ChatTimeout    time.Duration
	OutboundBuffer int
	Clock          func() time.Time
	Logger         *zap.Logger
	Metrics        *Metrics
}

// Engine is the per-process collaboration context. Handlers for one session must be called
// sequentially; different sessions may call concurrently.
type Engine struct {
	store        NoteStore
	authorizer   Authorizer
	chat         *chat.Recorder
	hub          *realtime.Hub
	presence     *realtime.Presence
	debouncer    *Debouncer
	historyLimit int
	clock        func() time.Time
	logger       *zap.Logger
	metrics      *Metrics

	mu    sync.RWMutex
	users map[string]string

	// membership serializes permission-checked room entry against RevokeAccess.
	membership sync.Mutex
}

// NewEngine constructs the engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Authorizer == nil {
		return nil, errMissingAuthorizer
	}
	buffer := cfg.Chat
	if buffer == nil {
		buffer = chat.NoopBuffer{}
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	engine := &Engine{
		store:        cfg.Store,
		authorizer:   cfg.Authorizer,
		presence:     realtime.NewPresence(),
		historyLimit: historyLimit,
		clock:        clock,
		logger:       logger,
		metrics:      metrics,
		users:        make(map[string]string),
	}
	debouncer, err := NewDebouncer(DebouncerConfig{
		Delay:   cfg.SaveDelay,
		Workers: cfg.SaveWorkers,
		Retries: cfg.SaveRetries,
		Save:    engine.persistEdit,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return nil, err
	}
	engine.hub = realtime.NewHub(realtime.HubConfig{
		BufferSize: cfg.OutboundBuffer,
		Logger:     logger,
		OnEvict: func(string) {
			metrics.EvictedSessions.Inc()
		},
	})
	engine.chat = chat.NewRecorder(buffer, chat.RecorderConfig{Timeout: cfg.ChatTimeout, Logger: logger})
	engine.debouncer = debouncer
	return engine, nil
}

// Connect registers a new session for the authenticated user and returns its outbound queue.
func (e *Engine) Connect(session, userID string) (*realtime.Subscriber, error) {
	subscriber, err := e.hub.Register(session)
	if err != nil {
		return nil, fmt.Errorf("collab: connect: %w", err)
	}
	e.mu.Lock()
	e.users[session] = userID
	e.mu.Unlock()
	e.metrics.ConnectedSessions.Inc()
	e.logger.Debug("session connected", zap.String(fieldSessionID, session), zap.String("user_id", userID))
	return subscriber, nil
}

// Disconnect forgets the session and tells its room. Sessions that never joined leave silently.
func (e *Engine) Disconnect(session string) {
	e.mu.Lock()
	_, known := e.users[session]
	delete(e.users, session)
	e.mu.Unlock()
	if !known {
		return
	}
	e.metrics.ConnectedSessions.Dec()

	roomID, joined := e.presence.Leave(session)
	e.hub.Unregister(session)
	if joined {
		e.broadcast(roomID, realtime.NewEvent(EventUserDisconnected, PresencePayload{Session: session}), session)
	}
	e.logger.Debug("session disconnected", zap.String(fieldSessionID, session), zap.String(fieldWorkspaceID, roomID))
}

// Shutdown persists every buffered edit and drains queued chat history. Live edits are refused
// afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	return errors.Join(e.debouncer.Flush(ctx), e.chat.Close(ctx))
}

// Dispatch decodes an inbound event and routes it to its handler. Unknown events and payloads
// that do not decode are dropped.
func (e *Engine) Dispatch(ctx context.Context, session, name string, data json.RawMessage) {
	var err error
	switch name {
	case EventJoinRoom:
		var payload JoinRoomPayload
		if err = decode(data, &payload); err == nil {
			e.Join(ctx, session, payload)
		}
	case EventCreateNote:
		var payload CreateNotePayload
		if err = decode(data, &payload); err == nil {
			e.CreateNote(ctx, session, payload)
		}
	case EventUpdateNote:
		var payload UpdateNotePayload
		if err = decode(data, &payload); err == nil {
			e.UpdateNote(ctx, session, payload)
		}
	case EventDeleteNote:
		var payload DeleteNotePayload
		if err = decode(data, &payload); err == nil {
			e.DeleteNote(ctx, session, payload)
		}
	case EventMessage:
		var payload MessagePayload
		if err = decode(data, &payload); err == nil {
			e.SendMessage(ctx, session, payload)
		}
	case EventLiveUpdate:
		var payload LiveUpdatePayload
		if err = decode(data, &payload); err == nil {
			e.LiveUpdate(ctx, session, payload)
		}
	case EventCursorUpdate:
		var payload CursorUpdatePayload
		if err = decode(data, &payload); err == nil {
			e.CursorUpdate(ctx, session, payload)
		}
	default:
		e.drop(session, name, DropReasonUnknownEvent)
		return
	}
	if err != nil {
		e.drop(session, name, DropReasonMalformed)
	}
}

func decode(data json.RawMessage, target interface{}) error {
	if len(data) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(data, target)
}

// Join moves the session into the workspace room and replays the notes snapshot and recent chat
// before any live event of the room reaches it.
func (e *Engine) Join(ctx context.Context, session string, payload JoinRoomPayload) {
	workspaceID, err := notes.NewWorkspaceID(payload.WorkspaceID)
	if err != nil {
		e.drop(session, EventJoinRoom, DropReasonMalformed)
		return
	}
	roomID := workspaceID.String()

	e.membership.Lock()
	if !e.authorize(ctx, session, EventJoinRoom, workspaceID, workspaces.PermissionViewer) {
		e.membership.Unlock()
		return
	}
	previous, hadRoom := e.presence.Join(session, roomID)
	if err := e.hub.Enter(session, roomID); err != nil {
		e.presence.Leave(session)
		e.membership.Unlock()
		e.logger.Warn("join for unknown session", zap.String(fieldSessionID, session), zap.Error(err))
		return
	}
	e.membership.Unlock()
	if hadRoom && previous != roomID {
		e.broadcast(previous, realtime.NewEvent(EventUserDisconnected, PresencePayload{Session: session}), session)
	}

	stored, err := e.store.ListNotes(ctx, workspaceID)
	if err != nil {
		e.hub.Exit(session)
		e.presence.Leave(session)
		e.logger.Error("notes snapshot failed",
			zap.String(fieldSessionID, session),
			zap.String(fieldWorkspaceID, roomID),
			zap.Error(err))
		return
	}
	views := make([]NoteView, 0, len(stored))
	for _, note := range stored {
		views = append(views, NewNoteView(note))
	}
	e.hub.Unicast(session, realtime.NewEvent(EventNotesList, NotesListPayload{Notes: views}))
	if history := e.chat.Recent(ctx, roomID, e.historyLimit); len(history) > 0 {
		e.hub.Unicast(session, realtime.NewEvent(EventChatHistory, ChatHistoryPayload{Messages: history}))
	}
	if err := e.hub.Release(session); err != nil {
		e.presence.Leave(session)
		e.logger.Debug("session left the room before its replay completed",
			zap.String(fieldSessionID, session),
			zap.String(fieldWorkspaceID, roomID),
			zap.Error(err))
		return
	}

	if hadRoom && previous == roomID {
		return
	}
	e.broadcast(roomID, realtime.NewEvent(EventUserJoined, PresencePayload{Session: session, UserID: e.userID(session)}), "")
	e.logger.Debug("session joined room", zap.String(fieldSessionID, session), zap.String(fieldWorkspaceID, roomID))
}

// RevokeAccess removes the user's sessions from the workspace room once their access has been
// withdrawn and tells the remaining members. It returns the number of sessions removed.
func (e *Engine) RevokeAccess(rawWorkspaceID, userID string) int {
	workspaceID, err := notes.NewWorkspaceID(rawWorkspaceID)
	if err != nil || userID == "" {
		return 0
	}
	roomID := workspaceID.String()

	e.membership.Lock()
	defer e.membership.Unlock()

	e.mu.RLock()
	var sessions []string
	for session, owner := range e.users {
		if owner == userID {
			sessions = append(sessions, session)
		}
	}
	e.mu.RUnlock()

	removed := 0
	for _, session := range sessions {
		if joined, ok := e.presence.Room(session); !ok || joined != roomID {
			continue
		}
		if _, ok := e.presence.Leave(session); !ok {
			continue
		}
		e.hub.Exit(session)
		e.broadcast(roomID, realtime.NewEvent(EventUserDisconnected, PresencePayload{Session: session}), session)
		removed++
	}
	if removed > 0 {
		e.logger.Info("access revoked, sessions removed from room",
			zap.String("user_id", userID),
			zap.String(fieldWorkspaceID, roomID),
			zap.Int("sessions", removed))
	}
	return removed
}

// CreateNote persists a new note immediately and announces it to the room.
func (e *Engine) CreateNote(ctx context.Context, session string, payload CreateNotePayload) {
	workspaceID, err := notes.NewWorkspaceID(payload.WorkspaceID)
	if err != nil {
		e.drop(session, EventCreateNote, DropReasonMalformed)
		return
	}
	if !e.authorize(ctx, session, EventCreateNote, workspaceID, workspaces.PermissionEditor) {
		return
	}
	draft := notes.NoteDraft{WorkspaceID: workspaceID, AuthorID: e.userID(session)}
	if payload.Title != nil {
		draft.Title = *payload.Title
	}
	if payload.Content != nil {
		draft.Content = *payload.Content
	}
	note, err := e.store.CreateNote(ctx, draft)
	if err != nil {
		e.logger.Error("create note failed",
			zap.String(fieldSessionID, session),
			zap.String(fieldWorkspaceID, workspaceID.String()),
			zap.Error(err))
		return
	}
	e.broadcast(workspaceID.String(), realtime.NewEvent(EventNoteCreated, NewNoteView(note)), "")
}

// UpdateNote applies the present fields right away and announces the stored note to the room.
func (e *Engine) UpdateNote(ctx context.Context, session string, payload UpdateNotePayload) {
	noteID, workspaceID, ok := e.noteTarget(session, EventUpdateNote, payload.NoteID, payload.WorkspaceID)
	if !ok {
		return
	}
	if !e.authorize(ctx, session, EventUpdateNote, workspaceID, workspaces.PermissionEditor) {
		return
	}
	note, err := e.store.UpdateNote(ctx, noteID, workspaceID, notes.NotePatch{Title: payload.Title, Content: payload.Content})
	if errors.Is(err, notes.ErrNoteNotFound) {
		return
	}
	if err != nil {
		e.logger.Error("update note failed",
			zap.String(fieldSessionID, session),
			zap.String(fieldNoteID, noteID.String()),
			zap.Error(err))
		return
	}
	e.broadcast(workspaceID.String(), realtime.NewEvent(EventNoteUpdated, NewNoteView(note)), "")
}

// DeleteNote removes the note, discards its buffered edit and announces the deletion.
func (e *Engine) DeleteNote(ctx context.Context, session string, payload DeleteNotePayload) {
	noteID, workspaceID, ok := e.noteTarget(session, EventDeleteNote, payload.NoteID, payload.WorkspaceID)
	if !ok {
		return
	}
	if !e.authorize(ctx, session, EventDeleteNote, workspaceID, workspaces.PermissionEditor) {
		return
	}
	err := e.store.DeleteNote(ctx, noteID, workspaceID)
	if errors.Is(err, notes.ErrNoteNotFound) {
		return
	}
	if err != nil {
		e.logger.Error("delete note failed",
			zap.String(fieldSessionID, session),
			zap.String(fieldNoteID, noteID.String()),
			zap.Error(err))
		return
	}
	e.debouncer.Cancel(noteID)
	e.broadcast(workspaceID.String(), realtime.NewEvent(EventNoteDeleted, NoteDeletedPayload{NoteID: noteID.String()}), "")
}

// SendMessage delivers the chat message to the room, then queues it for the history buffer.
func (e *Engine) SendMessage(ctx context.Context, session string, payload MessagePayload) {
	workspaceID, err := notes.NewWorkspaceID(payload.WorkspaceID)
	if err != nil || payload.Content == nil {
		e.drop(session, EventMessage, DropReasonMalformed)
		return
	}
	if !e.authorize(ctx, session, EventMessage, workspaceID, workspaces.PermissionViewer) {
		return
	}
	stamp := e.clock().UTC()
	entry := chat.Entry{
		Session:   session,
		UserID:    e.userID(session),
		Content:   *payload.Content,
		Timestamp: &stamp,
	}
	e.broadcast(workspaceID.String(), realtime.NewEvent(EventNewMessage, entry), "")
	e.chat.Append(ctx, workspaceID.String(), entry)
}

// LiveUpdate echoes the edit to the other members of the room at once and buffers it for a
// debounced save.
func (e *Engine) LiveUpdate(ctx context.Context, session string, payload LiveUpdatePayload) {
	noteID, workspaceID, ok := e.noteTarget(session, EventLiveUpdate, payload.NoteID, payload.WorkspaceID)
	if !ok {
		return
	}
	if !e.authorize(ctx, session, EventLiveUpdate, workspaceID, workspaces.PermissionEditor) {
		return
	}
	e.broadcast(workspaceID.String(), realtime.NewEvent(EventLiveUpdate, LiveUpdateBroadcast{
		NoteID:  noteID.String(),
		Content: payload.Content,
		Title:   payload.Title,
		Session: session,
	}), session)

	if !e.debouncer.Schedule(PendingEdit{
		NoteID:      noteID,
		WorkspaceID: workspaceID,
		Title:       payload.Title,
		Content:     payload.Content,
		Originator:  session,
	}) {
		e.logger.Warn("live edit not buffered during shutdown",
			zap.String(fieldSessionID, session),
			zap.String(fieldNoteID, noteID.String()))
	}
}

// CursorUpdate relays the cursor position to the other members of the room.
func (e *Engine) CursorUpdate(ctx context.Context, session string, payload CursorUpdatePayload) {
	noteID, workspaceID, ok := e.noteTarget(session, EventCursorUpdate, payload.NoteID, payload.WorkspaceID)
	if !ok {
		return
	}
	if !e.authorize(ctx, session, EventCursorUpdate, workspaceID, workspaces.PermissionEditor) {
		return
	}
	e.broadcast(workspaceID.String(), realtime.NewEvent(EventCursorUpdate, CursorBroadcast{
		Session:   session,
		NoteID:    noteID.String(),
		Cursor:    payload.Cursor,
		Selection: payload.Selection,
	}), session)
}

func (e *Engine) persistEdit(ctx context.Context, edit PendingEdit) error {
	note, err := e.store.UpdateNote(ctx, edit.NoteID, edit.WorkspaceID, notes.NotePatch{Title: edit.Title, Content: edit.Content})
	if errors.Is(err, notes.ErrNoteNotFound) {
		return ErrEditDiscarded
	}
	if err != nil {
		return err
	}
	e.broadcast(edit.WorkspaceID.String(), realtime.NewEvent(EventNoteUpdated, NewNoteView(note)), edit.Originator)
	return nil
}

func (e *Engine) noteTarget(session, event, rawNoteID, rawWorkspaceID string) (notes.NoteID, notes.WorkspaceID, bool) {
	noteID, err := notes.NewNoteID(rawNoteID)
	if err != nil {
		e.drop(session, event, DropReasonMalformed)
		return "", "", false
	}
	workspaceID, err := notes.NewWorkspaceID(rawWorkspaceID)
	if err != nil {
		e.drop(session, event, DropReasonMalformed)
		return "", "", false
	}
	return noteID, workspaceID, true
}

func (e *Engine) authorize(ctx context.Context, session, event string, workspaceID notes.WorkspaceID, required workspaces.Permission) bool {
	userID := e.userID(session)
	allowed, err := e.authorizer.HasPermission(ctx, userID, workspaceID.String(), required)
	if err != nil {
		e.logger.Error("permission check failed",
			zap.String(fieldSessionID, session),
			zap.String(fieldWorkspaceID, workspaceID.String()),
			zap.String(fieldEvent, event),
			zap.Error(err))
		e.metrics.InboundDropped.WithLabelValues(DropReasonForbidden).Inc()
		return false
	}
	if !allowed {
		e.logger.Warn("permission denied",
			zap.String(fieldSessionID, session),
			zap.String("user_id", userID),
			zap.String(fieldWorkspaceID, workspaceID.String()),
			zap.String(fieldEvent, event),
			zap.String("required", required.String()))
		e.metrics.InboundDropped.WithLabelValues(DropReasonForbidden).Inc()
		return false
	}
	return true
}

func (e *Engine) broadcast(roomID string, event realtime.Event, exclude string) {
	e.hub.Broadcast(roomID, event, exclude)
	e.metrics.EventsBroadcast.WithLabelValues(event.Name).Inc()
}

func (e *Engine) drop(session, event, reason string) {
	e.metrics.InboundDropped.WithLabelValues(reason).Inc()
	e.logger.Debug("inbound event dropped",
		zap.String(fieldSessionID, session),
		zap.String(fieldEvent, event),
		zap.String("reason", reason))
}

// RecordDrop counts an inbound message dropped before it reached the engine.
func (e *Engine) RecordDrop(session, reason string) {
	e.drop(session, "", reason)
}

func (e *Engine) userID(session string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.users[session]
}

// RoomMembers returns the sessions currently joined to the workspace room.
func (e *Engine) RoomMembers(workspaceID string) []string {
	return e.hub.Members(workspaceID)
}

// PendingEdits returns the number of notes with unsaved live edits.
func (e *Engine) PendingEdits() int {
	return e.debouncer.Len()
}
