package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/quorum/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/notes"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/users"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/workspaces"
)

const (
	principalContextKey = "quorum_principal"
	workspaceIDParam    = "workspace_id"
	userIDParam         = "user_id"
)

var (
	errMissingSessions   = errors.New("session authenticator dependency required")
	errMissingEngine     = errors.New("collaboration engine dependency required")
	errMissingWorkspaces = errors.New("workspace service dependency required")
	errMissingNotes      = errors.New("note lister dependency required")
	errMissingUsers      = errors.New("user directory dependency required")
	errMissingTokens     = errors.New("session issuer dependency required for identity exchange")
)

// SessionAuthenticator resolves the principal behind an HTTP request.
type SessionAuthenticator interface {
	AuthenticateRequest(r *http.Request) (auth.Principal, error)
}

// CollaborationEngine is the real-time core the socket endpoint feeds.
type CollaborationEngine interface {
	Connect(session, userID string) (*realtime.Subscriber, error)
	Disconnect(session string)
	Dispatch(ctx context.Context, session, name string, data json.RawMessage)
	RecordDrop(session, reason string)
	RevokeAccess(workspaceID, userID string) int
}

// WorkspaceService backs the workspace REST endpoints and their permission checks.
type WorkspaceService interface {
	CreateWorkspace(ctx context.Context, ownerID, name string) (workspaces.Workspace, error)
	ListWorkspaces(ctx context.Context, userID string) ([]workspaces.Workspace, error)
	GetWorkspace(ctx context.Context, workspaceID string) (workspaces.Workspace, error)
	AddCollaborator(ctx context.Context, workspaceID, userID string, permission workspaces.Permission) (workspaces.Collaborator, error)
	ListCollaborators(ctx context.Context, workspaceID string) ([]workspaces.Collaborator, error)
	UpdateCollaborator(ctx context.Context, workspaceID, userID string, permission workspaces.Permission) (workspaces.Collaborator, error)
	RemoveCollaborator(ctx context.Context, workspaceID, userID string) error
	ListInvitations(ctx context.Context, userID string) ([]workspaces.Invitation, error)
	AcceptInvitation(ctx context.Context, workspaceID, userID string) error
	DeclineInvitation(ctx context.Context, workspaceID, userID string) error
	HasPermission(ctx context.Context, userID, workspaceID string, required workspaces.Permission) (bool, error)
}

// UserDirectory resolves and maintains the users behind principals.
type UserDirectory interface {
	ResolveUser(ctx context.Context, profile users.Profile) (users.User, error)
	GetUser(ctx context.Context, userID string) (users.User, error)
	FindByEmail(ctx context.Context, email string) (users.User, error)
	UpdateDisplayName(ctx context.Context, userID, displayName string) (users.User, error)
}

// IdentityVerifier validates identity provider ID tokens.
type IdentityVerifier interface {
	Verify(ctx context.Context, rawToken string) (auth.IdentityClaims, error)
}

// SessionIssuer mints session tokens for verified users.
type SessionIssuer interface {
	Issue(ctx context.Context, principal auth.Principal) (string, time.Time, error)
}

// NoteLister lists the notes of a workspace.
type NoteLister interface {
	ListNotes(ctx context.Context, workspaceID notes.WorkspaceID) ([]notes.Note, error)
}

// Dependencies wires the HTTP surface. Identity is optional and enables POST /auth/token;
// Tokens is required when it is set.
type Dependencies struct {
	Sessions   SessionAuthenticator
	Engine     CollaborationEngine
	Workspaces WorkspaceService
	Notes      NoteLister
	Users      UserDirectory
	Identity   IdentityVerifier
	Tokens     SessionIssuer
	Gatherer   prometheus.Gatherer
	WebSocket  WebSocketConfig
	Logger     *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Workspaces == nil {
		return nil, errMissingWorkspaces
	}
	if deps.Notes == nil {
		return nil, errMissingNotes
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Identity != nil && deps.Tokens == nil {
		return nil, errMissingTokens
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:   deps.Sessions,
		engine:     deps.Engine,
		workspaces: deps.Workspaces,
		notes:      deps.Notes,
		users:      deps.Users,
		identity:   deps.Identity,
		tokens:     deps.Tokens,
		websocket:  deps.WebSocket.withDefaults(),
		logger:     logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	if handler.identity != nil {
		router.POST("/auth/token", handler.handleTokenExchange)
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/ws", handler.handleWebSocket)
	protected.GET("/me", handler.handleGetMe)
	protected.PUT("/me", handler.handleUpdateMe)
	protected.GET("/invitations", handler.handleListInvitations)
	protected.GET("/workspaces", handler.handleListWorkspaces)
	protected.POST("/workspaces", handler.handleCreateWorkspace)
	protected.GET("/workspaces/:workspace_id/notes", handler.handleListNotes)
	protected.GET("/workspaces/:workspace_id/collaborators", handler.handleListCollaborators)
	protected.POST("/workspaces/:workspace_id/collaborators", handler.handleAddCollaborator)
	protected.PUT("/workspaces/:workspace_id/collaborators/:user_id", handler.handleUpdateCollaborator)
	protected.DELETE("/workspaces/:workspace_id/collaborators/:user_id", handler.handleRemoveCollaborator)
	protected.POST("/workspaces/:workspace_id/accept", handler.handleAcceptInvitation)
	protected.POST("/workspaces/:workspace_id/decline", handler.handleDeclineInvitation)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions   SessionAuthenticator
	engine     CollaborationEngine
	workspaces WorkspaceService
	notes      NoteLister
	users      UserDirectory
	identity   IdentityVerifier
	tokens     SessionIssuer
	websocket  WebSocketConfig
	logger     *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	principal, err := h.sessions.AuthenticateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func principalFrom(c *gin.Context) (auth.Principal, bool) {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return auth.Principal{}, false
	}
	principal, ok := value.(auth.Principal)
	return principal, ok && principal.UserID != ""
}

func (h *httpHandler) requirePermission(c *gin.Context, principal auth.Principal, workspaceID string, required workspaces.Permission) bool {
	allowed, err := h.workspaces.HasPermission(c.Request.Context(), principal.UserID, workspaceID, required)
	if err != nil {
		h.logger.Error("permission check failed", zap.String("workspace_id", workspaceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "permission_check_failed"})
		return false
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return false
	}
	return true
}
