package collab

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/quorum/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/notes"
)

// Inbound event names.
const (
	EventJoinRoom     = "join_room"
	EventCreateNote   = "create_note"
	EventUpdateNote   = "update_note"
	EventDeleteNote   = "delete_note"
	EventMessage      = "message"
	EventLiveUpdate   = "note_live_update"
	EventCursorUpdate = "cursor_update"
)

// Outbound event names. note_live_update and cursor_update are echoed under their inbound names.
const (
	EventNotesList        = "notes_list"
	EventChatHistory      = "chat_history"
	EventUserJoined       = "user_joined"
	EventUserDisconnected = "user_disconnected"
	EventNoteCreated      = "note_created"
	EventNoteUpdated      = "note_updated"
	EventNoteDeleted      = "note_deleted"
	EventNewMessage       = "new_message"
)

// JoinRoomPayload is the body of join_room.
type JoinRoomPayload struct {
	WorkspaceID string `json:"workspace_id"`
}

// CreateNotePayload is the body of create_note.
type CreateNotePayload struct {
	WorkspaceID string  `json:"workspace_id"`
	Title       *string `json:"title"`
	Content     *string `json:"content"`
}

// UpdateNotePayload is the body of update_note; absent fields are left unchanged.
type UpdateNotePayload struct {
	WorkspaceID string  `json:"workspace_id"`
	NoteID      string  `json:"note_id"`
	Title       *string `json:"title"`
	Content     *string `json:"content"`
}

// DeleteNotePayload is the body of delete_note.
type DeleteNotePayload struct {
	WorkspaceID string `json:"workspace_id"`
	NoteID      string `json:"note_id"`
}

// MessagePayload is the body of an inbound chat message.
type MessagePayload struct {
	WorkspaceID string  `json:"workspace_id"`
	Content     *string `json:"content"`
}

// LiveUpdatePayload is the body of an inbound live edit.
type LiveUpdatePayload struct {
	NoteID      string  `json:"note_id"`
	WorkspaceID string  `json:"workspace_id"`
	Content     *string `json:"content"`
	Title       *string `json:"title"`
}

// CursorUpdatePayload is the body of an inbound cursor move.
type CursorUpdatePayload struct {
	NoteID      string          `json:"note_id"`
	WorkspaceID string          `json:"workspace_id"`
	Cursor      json.RawMessage `json:"cursor"`
	Selection   json.RawMessage `json:"selection"`
}

// NoteView is the wire form of a note.
type NoteView struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	AuthorID    string    `json:"author_id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Summary     string    `json:"summary"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewNoteView converts a stored note.
func NewNoteView(note notes.Note) NoteView {
	return NoteView{
		ID:          note.ID,
		WorkspaceID: note.WorkspaceID,
		AuthorID:    note.AuthorID,
		Title:       note.Title,
		Content:     note.Content,
		Summary:     note.Summary,
		CreatedAt:   note.CreatedAt.UTC(),
		UpdatedAt:   note.UpdatedAt.UTC(),
	}
}

// NotesListPayload carries the room snapshot sent to a joining session.
type NotesListPayload struct {
	Notes []NoteView `json:"notes"`
}

// ChatHistoryPayload carries the recent chat sent to a joining session.
type ChatHistoryPayload struct {
	Messages []chat.Entry `json:"messages"`
}

// PresencePayload announces a user joining or leaving the room.
type PresencePayload struct {
	Session string `json:"session"`
	UserID  string `json:"user_id,omitempty"`
}

// NoteDeletedPayload announces a deleted note.
type NoteDeletedPayload struct {
	NoteID string `json:"note_id"`
}

// LiveUpdateBroadcast relays a live edit to the other sessions in the room.
type LiveUpdateBroadcast struct {
	NoteID  string  `json:"note_id"`
	Content *string `json:"content"`
	Title   *string `json:"title"`
	Session string  `json:"session"`
}

// CursorBroadcast relays a cursor move to the other sessions in the room.
type CursorBroadcast struct {
	Session   string          `json:"session"`
	NoteID    string          `json:"note_id"`
	Cursor    json.RawMessage `json:"cursor"`
	Selection json.RawMessage `json:"selection"`
}
