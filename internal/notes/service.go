package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "notes.service.new"
	opListNotes   = "notes.list_notes"
	opGetNote     = "notes.get_note"
	opCreateNote  = "notes.create_note"
	opUpdateNote  = "notes.update_note"
	opDeleteNote  = "notes.delete_note"
	fieldNoteID   = "note_id"
	fieldWorkspID = "workspace_id"
	queryNoteWS   = "id = ? AND workspace_id = ?"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Service is the durable note store backing the collaboration engine and the REST surface.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// ListNotes returns every note of the workspace, most recently updated first.
func (s *Service) ListNotes(ctx context.Context, workspaceID WorkspaceID) ([]Note, error) {
	var notes []Note
	if err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID.String()).
		Order("updated_at DESC").
		Find(&notes).Error; err != nil {
		s.logError(opListNotes, "query_failed", err, zap.String(fieldWorkspID, workspaceID.String()))
		return nil, newServiceError(opListNotes, "query_failed", err)
	}
	return notes, nil
}

// GetNote loads a note by id, scoped to the workspace that owns it.
func (s *Service) GetNote(ctx context.Context, noteID NoteID, workspaceID WorkspaceID) (Note, error) {
	var note Note
	err := s.db.WithContext(ctx).
		Where(queryNoteWS, noteID.String(), workspaceID.String()).
		Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, ErrNoteNotFound
	}
	if err != nil {
		s.logError(opGetNote, "query_failed", err,
			zap.String(fieldNoteID, noteID.String()),
			zap.String(fieldWorkspID, workspaceID.String()))
		return Note{}, newServiceError(opGetNote, "query_failed", err)
	}
	return note, nil
}

// CreateNote persists a new note immediately.
func (s *Service) CreateNote(ctx context.Context, draft NoteDraft) (Note, error) {
	if draft.WorkspaceID == "" {
		return Note{}, newServiceError(opCreateNote, "missing_workspace_id", ErrInvalidWorkspaceID)
	}
	noteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateNote, "id_generation_failed", err, zap.String(fieldWorkspID, draft.WorkspaceID.String()))
		return Note{}, newServiceError(opCreateNote, "id_generation_failed", err)
	}

	title := draft.Title
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}
	now := s.clock().UTC()
	note := Note{
		ID:          noteID,
		WorkspaceID: draft.WorkspaceID.String(),
		AuthorID:    draft.AuthorID,
		Title:       title,
		Content:     draft.Content,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&note).Error; err != nil {
		s.logError(opCreateNote, "insert_failed", err,
			zap.String(fieldNoteID, noteID),
			zap.String(fieldWorkspID, draft.WorkspaceID.String()))
		return Note{}, newServiceError(opCreateNote, "insert_failed", err)
	}
	return note, nil
}

// UpdateNote applies the non-nil fields of the patch to the stored note.
// An empty patch returns the stored note without writing or touching updated_at.
// ErrNoteNotFound is returned when the note does not exist in the workspace.
func (s *Service) UpdateNote(ctx context.Context, noteID NoteID, workspaceID WorkspaceID, patch NotePatch) (Note, error) {
	if patch.Empty() {
		return s.GetNote(ctx, noteID, workspaceID)
	}
	var updated Note
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Note
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryNoteWS, noteID.String(), workspaceID.String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoteNotFound
		}
		if err != nil {
			s.logError(opUpdateNote, "note_select_failed", err,
				zap.String(fieldNoteID, noteID.String()),
				zap.String(fieldWorkspID, workspaceID.String()))
			return newServiceError(opUpdateNote, "note_select_failed", err)
		}

		patch.applyTo(&existing)
		existing.UpdatedAt = s.clock().UTC()
		if err := tx.Save(&existing).Error; err != nil {
			s.logError(opUpdateNote, "note_save_failed", err,
				zap.String(fieldNoteID, noteID.String()),
				zap.String(fieldWorkspID, workspaceID.String()))
			return newServiceError(opUpdateNote, "note_save_failed", err)
		}
		updated = existing
		return nil
	})
	if txErr != nil {
		return Note{}, txErr
	}
	return updated, nil
}

// DeleteNote removes the note from the workspace.
func (s *Service) DeleteNote(ctx context.Context, noteID NoteID, workspaceID WorkspaceID) error {
	result := s.db.WithContext(ctx).
		Where(queryNoteWS, noteID.String(), workspaceID.String()).
		Delete(&Note{})
	if result.Error != nil {
		s.logError(opDeleteNote, "delete_failed", result.Error,
			zap.String(fieldNoteID, noteID.String()),
			zap.String(fieldWorkspID, workspaceID.String()))
		return newServiceError(opDeleteNote, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNoteNotFound
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
