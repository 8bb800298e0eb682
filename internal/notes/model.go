package notes

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTitle is applied to notes created without a title.
	DefaultTitle = "Untitled"
)

var (
	// ErrInvalidNoteID indicates that a note identifier is not a UUID.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidWorkspaceID indicates that a workspace identifier is not a UUID.
	ErrInvalidWorkspaceID = errors.New("notes: invalid workspace id")
	// ErrNoteNotFound indicates that no note matched the id and workspace pair.
	ErrNoteNotFound = errors.New("notes: note not found")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID in canonical form.
func NewNoteID(rawInput string) (NoteID, error) {
	parsed, err := parseUUID(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidNoteID, err)
	}
	return NoteID(parsed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// WorkspaceID represents a validated workspace identifier.
type WorkspaceID string

// NewWorkspaceID validates raw input and returns a WorkspaceID in canonical form.
func NewWorkspaceID(rawInput string) (WorkspaceID, error) {
	parsed, err := parseUUID(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWorkspaceID, err)
	}
	return WorkspaceID(parsed), nil
}

// String returns the underlying string identifier.
func (id WorkspaceID) String() string {
	return string(id)
}

func parseUUID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", errors.New("empty")
	}
	value, err := uuid.Parse(trimmed)
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Note models a persisted note inside a workspace.
type Note struct {
	ID          string    `gorm:"column:id;primaryKey;size:36;not null"`
	WorkspaceID string    `gorm:"column:workspace_id;size:36;not null;index:idx_notes_workspace_updated,priority:1"`
	AuthorID    string    `gorm:"column:author_id;size:190;not null;default:''"`
	Title       string    `gorm:"column:title;size:512;not null"`
	Content     string    `gorm:"column:content;type:text;not null"`
	Summary     string    `gorm:"column:summary;type:text;not null;default:''"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false;index:idx_notes_workspace_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// NoteDraft describes a note to be created.
type NoteDraft struct {
	WorkspaceID WorkspaceID
	AuthorID    string
	Title       string
	Content     string
}

// NotePatch carries a partial update; nil fields leave the stored value untouched.
type NotePatch struct {
	Title   *string
	Content *string
}

// Empty reports whether the patch changes nothing.
func (p NotePatch) Empty() bool {
	return p.Title == nil && p.Content == nil
}

func (p NotePatch) applyTo(note *Note) {
	if p.Title != nil {
		note.Title = *p.Title
	}
	if p.Content != nil {
		note.Content = *p.Content
	}
}
