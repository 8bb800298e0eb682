package workspaces

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

// IDProvider issues identifiers for new workspaces.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies required for workspace access control.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service stores workspaces and answers permission checks.
type Service struct {
	db         *gorm.DB
	idProvider IDProvider
	now        func() time.Time
	logger     *zap.Logger
}

// NewService constructs the workspace service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("workspaces: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("workspaces: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		now:        clock,
		logger:     logger,
	}, nil
}

// CreateWorkspace creates a workspace owned by the given user.
func (s *Service) CreateWorkspace(ctx context.Context, ownerID, name string) (Workspace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Workspace{}, ErrInvalidName
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Workspace{}, fmt.Errorf("workspaces: owner id required")
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Workspace{}, fmt.Errorf("workspaces: generate id: %w", err)
	}
	workspace := Workspace{
		ID:        id,
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&workspace).Error; err != nil {
		s.logger.Error("workspace insert failed", zap.String("workspace_id", id), zap.Error(err))
		return Workspace{}, fmt.Errorf("workspaces: create: %w", err)
	}
	return workspace, nil
}

// ListWorkspaces returns owned workspaces followed by accepted collaborations.
func (s *Service) ListWorkspaces(ctx context.Context, userID string) ([]Workspace, error) {
	var owned []Workspace
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", userID).
		Order("created_at ASC").
		Find(&owned).Error; err != nil {
		return nil, fmt.Errorf("workspaces: list owned: %w", err)
	}

	var shared []Workspace
	if err := s.db.WithContext(ctx).
		Joins("JOIN workspace_collaborators ON workspace_collaborators.workspace_id = workspaces.id").
		Where("workspace_collaborators.user_id = ? AND workspace_collaborators.accepted_at IS NOT NULL AND workspaces.owner_id <> ?", userID, userID).
		Order("workspaces.created_at ASC").
		Find(&shared).Error; err != nil {
		return nil, fmt.Errorf("workspaces: list shared: %w", err)
	}

	return append(owned, shared...), nil
}

// GetWorkspace loads a workspace by identifier.
func (s *Service) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	var workspace Workspace
	err := s.db.WithContext(ctx).Where("id = ?", workspaceID).Take(&workspace).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Workspace{}, ErrWorkspaceNotFound
	}
	if err != nil {
		return Workspace{}, fmt.Errorf("workspaces: get: %w", err)
	}
	return workspace, nil
}

// AddCollaborator invites a user as viewer or editor, or changes the level of an existing
// invitation. Re-inviting keeps the acceptance state of the existing row.
func (s *Service) AddCollaborator(ctx context.Context, workspaceID, userID string, permission Permission) (Collaborator, error) {
	if err := grantable(permission); err != nil {
		return Collaborator{}, err
	}
	workspace, err := s.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return Collaborator{}, err
	}
	collaborator := Collaborator{
		WorkspaceID: workspaceID,
		UserID:      strings.TrimSpace(userID),
		Permission:  permission,
		InvitedAt:   s.now().UTC(),
	}
	if collaborator.UserID == "" {
		return Collaborator{}, fmt.Errorf("workspaces: collaborator user id required")
	}
	if collaborator.UserID == workspace.OwnerID {
		return Collaborator{}, ErrOwnerImmutable
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"permission_level"}),
	}).Create(&collaborator).Error
	if err != nil {
		return Collaborator{}, fmt.Errorf("workspaces: add collaborator: %w", err)
	}
	return s.collaborator(ctx, workspaceID, collaborator.UserID)
}

// ListCollaborators returns every invitation and grant on the workspace, oldest first.
// The owner is not part of the list.
func (s *Service) ListCollaborators(ctx context.Context, workspaceID string) ([]Collaborator, error) {
	if _, err := s.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}
	var collaborators []Collaborator
	if err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("invited_at ASC, id ASC").
		Find(&collaborators).Error; err != nil {
		return nil, fmt.Errorf("workspaces: list collaborators: %w", err)
	}
	return collaborators, nil
}

// UpdateCollaborator changes the level of an existing invitation or grant.
func (s *Service) UpdateCollaborator(ctx context.Context, workspaceID, userID string, permission Permission) (Collaborator, error) {
	if err := grantable(permission); err != nil {
		return Collaborator{}, err
	}
	if err := s.ensureNotOwner(ctx, workspaceID, userID); err != nil {
		return Collaborator{}, err
	}
	result := s.db.WithContext(ctx).
		Model(&Collaborator{}).
		Where("workspace_id = ? AND user_id = ?", workspaceID, userID).
		Update("permission_level", permission)
	if result.Error != nil {
		return Collaborator{}, fmt.Errorf("workspaces: update collaborator: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return Collaborator{}, ErrCollaboratorNotFound
	}
	return s.collaborator(ctx, workspaceID, userID)
}

// RemoveCollaborator revokes the user's invitation or grant.
func (s *Service) RemoveCollaborator(ctx context.Context, workspaceID, userID string) error {
	if err := s.ensureNotOwner(ctx, workspaceID, userID); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).
		Where("workspace_id = ? AND user_id = ?", workspaceID, userID).
		Delete(&Collaborator{})
	if result.Error != nil {
		return fmt.Errorf("workspaces: remove collaborator: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCollaboratorNotFound
	}
	s.logger.Info("collaborator removed", zap.String("workspace_id", workspaceID), zap.String("user_id", userID))
	return nil
}

// ListInvitations returns the user's pending invitations, oldest first.
func (s *Service) ListInvitations(ctx context.Context, userID string) ([]Invitation, error) {
	var invitations []Invitation
	if err := s.db.WithContext(ctx).
		Model(&Collaborator{}).
		Select("workspace_collaborators.workspace_id, workspaces.name AS workspace_name, workspaces.owner_id, workspace_collaborators.permission_level, workspace_collaborators.invited_at").
		Joins("JOIN workspaces ON workspaces.id = workspace_collaborators.workspace_id").
		Where("workspace_collaborators.user_id = ? AND workspace_collaborators.accepted_at IS NULL", userID).
		Order("workspace_collaborators.invited_at ASC, workspace_collaborators.id ASC").
		Scan(&invitations).Error; err != nil {
		return nil, fmt.Errorf("workspaces: list invitations: %w", err)
	}
	return invitations, nil
}

// DeclineInvitation drops the user's pending invitation.
func (s *Service) DeclineInvitation(ctx context.Context, workspaceID, userID string) error {
	result := s.db.WithContext(ctx).
		Where("workspace_id = ? AND user_id = ? AND accepted_at IS NULL", workspaceID, userID).
		Delete(&Collaborator{})
	if result.Error != nil {
		return fmt.Errorf("workspaces: decline invitation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInvitationNotFound
	}
	return nil
}

func (s *Service) collaborator(ctx context.Context, workspaceID, userID string) (Collaborator, error) {
	var collaborator Collaborator
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND user_id = ?", workspaceID, userID).
		Take(&collaborator).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Collaborator{}, ErrCollaboratorNotFound
	}
	if err != nil {
		return Collaborator{}, fmt.Errorf("workspaces: load collaborator: %w", err)
	}
	return collaborator, nil
}

func (s *Service) ensureNotOwner(ctx context.Context, workspaceID, userID string) error {
	workspace, err := s.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if workspace.OwnerID == userID {
		return ErrOwnerImmutable
	}
	return nil
}

func grantable(permission Permission) error {
	if permission != PermissionViewer && permission != PermissionEditor {
		return fmt.Errorf("%w: %s cannot be granted", ErrInvalidPermission, permission)
	}
	return nil
}

// AcceptInvitation marks the user's pending invitation as accepted.
func (s *Service) AcceptInvitation(ctx context.Context, workspaceID, userID string) error {
	acceptedAt := s.now().UTC()
	result := s.db.WithContext(ctx).
		Model(&Collaborator{}).
		Where("workspace_id = ? AND user_id = ? AND accepted_at IS NULL", workspaceID, userID).
		Update("accepted_at", acceptedAt)
	if result.Error != nil {
		return fmt.Errorf("workspaces: accept invitation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInvitationNotFound
	}
	return nil
}

// HasPermission reports whether the user holds at least the required level on the workspace.
// Owners always pass; other users need an accepted invitation.
func (s *Service) HasPermission(ctx context.Context, userID, workspaceID string, required Permission) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, nil
	}
	workspace, err := s.GetWorkspace(ctx, workspaceID)
	if errors.Is(err, ErrWorkspaceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if workspace.OwnerID == userID {
		return true, nil
	}

	var collaborator Collaborator
	err = s.db.WithContext(ctx).
		Where("workspace_id = ? AND user_id = ? AND accepted_at IS NOT NULL", workspaceID, userID).
		Take(&collaborator).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("workspaces: permission lookup: %w", err)
	}
	return collaborator.Permission >= required, nil
}
