package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/quorum/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/notes"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/users"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/workspaces"
)

type workspacePayload struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

func newWorkspacePayload(workspace workspaces.Workspace) workspacePayload {
	return workspacePayload{
		ID:        workspace.ID,
		Name:      workspace.Name,
		OwnerID:   workspace.OwnerID,
		CreatedAt: workspace.CreatedAt.UTC(),
	}
}

type createWorkspaceRequest struct {
	Name string `json:"name"`
}

type addCollaboratorRequest struct {
	UserID     string `json:"user_id"`
	Email      string `json:"email"`
	Permission string `json:"permission"`
}

type updateCollaboratorRequest struct {
	Permission string `json:"permission"`
}

type collaboratorPayload struct {
	WorkspaceID string     `json:"workspace_id"`
	UserID      string     `json:"user_id"`
	Email       string     `json:"email,omitempty"`
	Name        string     `json:"name,omitempty"`
	Permission  string     `json:"permission"`
	Pending     bool       `json:"pending"`
	IsOwner     bool       `json:"is_owner"`
	InvitedAt   *time.Time `json:"invited_at,omitempty"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
}

type invitationPayload struct {
	WorkspaceID   string    `json:"workspace_id"`
	WorkspaceName string    `json:"workspace_name"`
	OwnerID       string    `json:"owner_id"`
	OwnerName     string    `json:"owner_name,omitempty"`
	Permission    string    `json:"permission"`
	InvitedAt     time.Time `json:"invited_at"`
}

func (h *httpHandler) newCollaboratorPayload(ctx context.Context, collaborator workspaces.Collaborator) collaboratorPayload {
	invitedAt := collaborator.InvitedAt.UTC()
	payload := collaboratorPayload{
		WorkspaceID: collaborator.WorkspaceID,
		UserID:      collaborator.UserID,
		Permission:  collaborator.Permission.String(),
		Pending:     collaborator.Pending(),
		InvitedAt:   &invitedAt,
	}
	if collaborator.AcceptedAt != nil {
		acceptedAt := collaborator.AcceptedAt.UTC()
		payload.AcceptedAt = &acceptedAt
	}
	if user, ok := h.lookupUser(ctx, collaborator.UserID); ok {
		payload.Email = user.Email
		payload.Name = user.DisplayName
	}
	return payload
}

// lookupUser decorates listings with profile data; unknown users are listed without it.
func (h *httpHandler) lookupUser(ctx context.Context, userID string) (users.User, bool) {
	user, err := h.users.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, users.ErrUserNotFound) {
			h.logger.Warn("user lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		return users.User{}, false
	}
	return user, true
}

func (h *httpHandler) handleListWorkspaces(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	listed, err := h.workspaces.ListWorkspaces(c.Request.Context(), principal.UserID)
	if err != nil {
		h.logger.Error("failed to list workspaces", zap.String("user_id", principal.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	response := make([]workspacePayload, 0, len(listed))
	for _, workspace := range listed {
		response = append(response, newWorkspacePayload(workspace))
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": response})
}

func (h *httpHandler) handleCreateWorkspace(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request createWorkspaceRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	workspace, err := h.workspaces.CreateWorkspace(c.Request.Context(), principal.UserID, request.Name)
	if err != nil {
		h.logger.Error("failed to create workspace", zap.String("user_id", principal.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, newWorkspacePayload(workspace))
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	principal, workspaceID, ok := h.workspaceRequest(c)
	if !ok {
		return
	}
	if !h.requirePermission(c, principal, workspaceID.String(), workspaces.PermissionViewer) {
		return
	}
	stored, err := h.notes.ListNotes(c.Request.Context(), workspaceID)
	if err != nil {
		h.logger.Error("failed to list notes", zap.String("workspace_id", workspaceID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	views := make([]collab.NoteView, 0, len(stored))
	for _, note := range stored {
		views = append(views, collab.NewNoteView(note))
	}
	c.JSON(http.StatusOK, gin.H{"notes": views})
}

func (h *httpHandler) handleListCollaborators(c *gin.Context) {
	principal, workspaceID, ok := h.workspaceRequest(c)
	if !ok {
		return
	}
	if !h.requirePermission(c, principal, workspaceID.String(), workspaces.PermissionViewer) {
		return
	}
	ctx := c.Request.Context()
	workspace, err := h.workspaces.GetWorkspace(ctx, workspaceID.String())
	if err != nil {
		h.writeWorkspaceError(c, "failed to load workspace", workspaceID.String(), err)
		return
	}
	collaborators, err := h.workspaces.ListCollaborators(ctx, workspaceID.String())
	if err != nil {
		h.writeWorkspaceError(c, "failed to list collaborators", workspaceID.String(), err)
		return
	}

	owner := collaboratorPayload{
		WorkspaceID: workspace.ID,
		UserID:      workspace.OwnerID,
		Permission:  workspaces.PermissionOwner.String(),
		IsOwner:     true,
	}
	if user, found := h.lookupUser(ctx, workspace.OwnerID); found {
		owner.Email = user.Email
		owner.Name = user.DisplayName
	}
	response := make([]collaboratorPayload, 0, len(collaborators)+1)
	response = append(response, owner)
	for _, collaborator := range collaborators {
		response = append(response, h.newCollaboratorPayload(ctx, collaborator))
	}
	c.JSON(http.StatusOK, gin.H{"collaborators": response})
}

func (h *httpHandler) handleAddCollaborator(c *gin.Context) {
	principal, workspaceID, ok := h.workspaceRequest(c)
	if !ok {
		return
	}
	var request addCollaboratorRequest
	if err := c.ShouldBindJSON(&request); err != nil || (strings.TrimSpace(request.UserID) == "" && strings.TrimSpace(request.Email) == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	permission, err := workspaces.ParsePermission(request.Permission)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_permission"})
		return
	}
	if !h.requirePermission(c, principal, workspaceID.String(), workspaces.PermissionOwner) {
		return
	}

	ctx := c.Request.Context()
	var invitee users.User
	if strings.TrimSpace(request.Email) != "" {
		invitee, err = h.users.FindByEmail(ctx, request.Email)
	} else {
		invitee, err = h.users.GetUser(ctx, request.UserID)
	}
	if errors.Is(err, users.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to resolve invitee", zap.String("workspace_id", workspaceID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invite_failed"})
		return
	}

	collaborator, err := h.workspaces.AddCollaborator(ctx, workspaceID.String(), invitee.ID, permission)
	if err != nil {
		h.writeWorkspaceError(c, "failed to add collaborator", workspaceID.String(), err, zap.String("collaborator_id", invitee.ID))
		return
	}
	c.JSON(http.StatusCreated, h.newCollaboratorPayload(ctx, collaborator))
}

func (h *httpHandler) handleUpdateCollaborator(c *gin.Context) {
	principal, workspaceID, ok := h.workspaceRequest(c)
	if !ok {
		return
	}
	target, ok := collaboratorParam(c)
	if !ok {
		return
	}
	var request updateCollaboratorRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	permission, err := workspaces.ParsePermission(request.Permission)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_permission"})
		return
	}
	if !h.requirePermission(c, principal, workspaceID.String(), workspaces.PermissionOwner) {
		return
	}
	ctx := c.Request.Context()
	collaborator, err := h.workspaces.UpdateCollaborator(ctx, workspaceID.String(), target, permission)
	if err != nil {
		h.writeWorkspaceError(c, "failed to update collaborator", workspaceID.String(), err, zap.String("collaborator_id", target))
		return
	}
	c.JSON(http.StatusOK, h.newCollaboratorPayload(ctx, collaborator))
}

// handleRemoveCollaborator lets the owner revoke anyone and a collaborator leave on their own.
// Sessions of the removed user are taken out of the room right away.
func (h *httpHandler) handleRemoveCollaborator(c *gin.Context) {
	principal, workspaceID, ok := h.workspaceRequest(c)
	if !ok {
		return
	}
	target, ok := collaboratorParam(c)
	if !ok {
		return
	}
	if target != principal.UserID && !h.requirePermission(c, principal, workspaceID.String(), workspaces.PermissionOwner) {
		return
	}
	if err := h.workspaces.RemoveCollaborator(c.Request.Context(), workspaceID.String(), target); err != nil {
		h.writeWorkspaceError(c, "failed to remove collaborator", workspaceID.String(), err, zap.String("collaborator_id", target))
		return
	}
	removed := h.engine.RevokeAccess(workspaceID.String(), target)
	h.logger.Info("collaborator access revoked",
		zap.String("workspace_id", workspaceID.String()),
		zap.String("collaborator_id", target),
		zap.String("revoked_by", principal.UserID),
		zap.Int("sessions_removed", removed))
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListInvitations(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ctx := c.Request.Context()
	invitations, err := h.workspaces.ListInvitations(ctx, principal.UserID)
	if err != nil {
		h.logger.Error("failed to list invitations", zap.String("user_id", principal.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	response := make([]invitationPayload, 0, len(invitations))
	for _, invitation := range invitations {
		payload := invitationPayload{
			WorkspaceID:   invitation.WorkspaceID,
			WorkspaceName: invitation.WorkspaceName,
			OwnerID:       invitation.OwnerID,
			Permission:    invitation.Permission.String(),
			InvitedAt:     invitation.InvitedAt.UTC(),
		}
		if owner, found := h.lookupUser(ctx, invitation.OwnerID); found {
			payload.OwnerName = owner.DisplayName
		}
		response = append(response, payload)
	}
	c.JSON(http.StatusOK, gin.H{"invitations": response})
}

func (h *httpHandler) handleAcceptInvitation(c *gin.Context) {
	principal, workspaceID, ok := h.workspaceRequest(c)
	if !ok {
		return
	}
	err := h.workspaces.AcceptInvitation(c.Request.Context(), workspaceID.String(), principal.UserID)
	if err != nil {
		h.writeWorkspaceError(c, "failed to accept invitation", workspaceID.String(), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeclineInvitation(c *gin.Context) {
	principal, workspaceID, ok := h.workspaceRequest(c)
	if !ok {
		return
	}
	err := h.workspaces.DeclineInvitation(c.Request.Context(), workspaceID.String(), principal.UserID)
	if err != nil {
		h.writeWorkspaceError(c, "failed to decline invitation", workspaceID.String(), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) workspaceRequest(c *gin.Context) (auth.Principal, notes.WorkspaceID, bool) {
	principal, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return auth.Principal{}, "", false
	}
	workspaceID, err := notes.NewWorkspaceID(c.Param(workspaceIDParam))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_workspace_id"})
		return auth.Principal{}, "", false
	}
	return principal, workspaceID, true
}

func collaboratorParam(c *gin.Context) (string, bool) {
	userID := strings.TrimSpace(c.Param(userIDParam))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) writeWorkspaceError(c *gin.Context, message, workspaceID string, err error, fields ...zap.Field) {
	switch {
	case errors.Is(err, workspaces.ErrInvalidPermission):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_permission"})
	case errors.Is(err, workspaces.ErrOwnerImmutable):
		c.JSON(http.StatusConflict, gin.H{"error": "owner_immutable"})
	case errors.Is(err, workspaces.ErrWorkspaceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "workspace_not_found"})
	case errors.Is(err, workspaces.ErrCollaboratorNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "collaborator_not_found"})
	case errors.Is(err, workspaces.ErrInvitationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "invitation_not_found"})
	default:
		fields = append(fields, zap.String("workspace_id", workspaceID), zap.Error(err))
		h.logger.Error(message, fields...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request_failed"})
	}
}
