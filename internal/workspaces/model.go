package workspaces

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Permission is the access level a user holds on a workspace.
type Permission int

const (
	PermissionViewer Permission = 1
	PermissionEditor Permission = 2
	PermissionOwner  Permission = 3
)

var (
	// ErrInvalidPermission indicates an unknown permission level.
	ErrInvalidPermission = errors.New("workspaces: invalid permission")
	// ErrWorkspaceNotFound indicates that no workspace matched the identifier.
	ErrWorkspaceNotFound = errors.New("workspaces: workspace not found")
	// ErrInvitationNotFound indicates that the user has no invitation for the workspace.
	ErrInvitationNotFound = errors.New("workspaces: invitation not found")
	// ErrInvalidName indicates an empty workspace name.
	ErrInvalidName = errors.New("workspaces: invalid name")
	// ErrCollaboratorNotFound indicates that the user holds no invitation or grant on the workspace.
	ErrCollaboratorNotFound = errors.New("workspaces: collaborator not found")
	// ErrOwnerImmutable indicates an attempt to invite, re-level or remove the workspace owner.
	ErrOwnerImmutable = errors.New("workspaces: owner access cannot be changed")
)

// ParsePermission maps the names used by the REST surface to permission levels.
func ParsePermission(raw string) (Permission, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "viewer":
		return PermissionViewer, nil
	case "editor":
		return PermissionEditor, nil
	case "owner":
		return PermissionOwner, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPermission, raw)
	}
}

// String returns the permission name.
func (p Permission) String() string {
	switch p {
	case PermissionViewer:
		return "viewer"
	case PermissionEditor:
		return "editor"
	case PermissionOwner:
		return "owner"
	default:
		return fmt.Sprintf("permission(%d)", int(p))
	}
}

// Workspace groups notes and collaborators.
type Workspace struct {
	ID        string    `gorm:"column:id;primaryKey;size:36;not null"`
	Name      string    `gorm:"column:name;size:320;not null"`
	OwnerID   string    `gorm:"column:owner_id;size:190;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (Workspace) TableName() string {
	return "workspaces"
}

// Collaborator grants a non-owner user access to a workspace once the invitation is accepted.
type Collaborator struct {
	ID          int64      `gorm:"column:id;primaryKey;autoIncrement"`
	WorkspaceID string     `gorm:"column:workspace_id;size:36;not null;uniqueIndex:uq_workspace_user,priority:1"`
	UserID      string     `gorm:"column:user_id;size:190;not null;uniqueIndex:uq_workspace_user,priority:2;index"`
	Permission  Permission `gorm:"column:permission_level;not null;default:1"`
	InvitedAt   time.Time  `gorm:"column:invited_at;not null;autoCreateTime:false"`
	AcceptedAt  *time.Time `gorm:"column:accepted_at"`
}

// TableName provides the explicit table binding for GORM.
func (Collaborator) TableName() string {
	return "workspace_collaborators"
}

// Pending reports whether the invitation has not been accepted yet.
func (c Collaborator) Pending() bool {
	return c.AcceptedAt == nil
}

// Invitation is a pending collaborator row joined with the workspace it grants access to.
type Invitation struct {
	WorkspaceID   string     `gorm:"column:workspace_id"`
	WorkspaceName string     `gorm:"column:workspace_name"`
	OwnerID       string     `gorm:"column:owner_id"`
	Permission    Permission `gorm:"column:permission_level"`
	InvitedAt     time.Time  `gorm:"column:invited_at"`
}
