package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/quorum/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/config"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/database"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/notes"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/users"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/workspaces"
)

const (
	testSigningSecret = "integration-secret"
	testIssuer        = "quorum-auth"
	testCookieName    = "app_session"

	testIdentityAudience = "quorum-web"
	testIdentityIssuer   = "https://login.example.com/"
	testIdentityKeyID    = "test-key"
)

var (
	identityKeyOnce sync.Once
	identityKey     *rsa.PrivateKey
)

func testIdentityKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	identityKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		identityKey = key
	})
	return identityKey
}

type testServer struct {
	server     *httptest.Server
	issuer     *auth.TokenIssuer
	notes      *notes.Service
	workspaces *workspaces.Service
	users      *users.Service
	engine     *collab.Engine
}

func newTestServer(t *testing.T, saveDelay time.Duration) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	db, err := database.Open(database.Options{
		Driver: config.DatabaseDriverSQLite,
		Path:   filepath.Join(t.TempDir(), "quorum.db"),
	}, logger)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	notesService, err := notes.NewService(notes.ServiceConfig{Database: db, IDProvider: notes.NewUUIDProvider(), Logger: logger})
	if err != nil {
		t.Fatalf("notes service: %v", err)
	}
	workspaceService, err := workspaces.NewService(workspaces.ServiceConfig{Database: db, IDProvider: notes.NewUUIDProvider(), Logger: logger})
	if err != nil {
		t.Fatalf("workspace service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, IDProvider: notes.NewUUIDProvider(), Logger: logger})
	if err != nil {
		t.Fatalf("user service: %v", err)
	}

	redisServer := miniredis.RunT(t)
	buffer, closeBuffer := chat.Connect(context.Background(), "redis://"+redisServer.Addr(), chat.RedisBufferConfig{Logger: logger})
	t.Cleanup(func() { _ = closeBuffer() })

	registry := prometheus.NewRegistry()
	engine, err := collab.NewEngine(collab.EngineConfig{
		Store:      notesService,
		Authorizer: workspaceService,
		Chat:       buffer,
		SaveDelay:  saveDelay,
		Logger:     logger,
		Metrics:    collab.NewMetrics(registry),
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
	})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}

	privateKey := testIdentityKey(t)
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []any{map[string]string{
			"kty": "RSA",
			"alg": "RS256",
			"kid": testIdentityKeyID,
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(privateKey.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(privateKey.PublicKey.E)).Bytes()),
		}}})
	}))
	t.Cleanup(jwksServer.Close)
	verifier, err := auth.NewIdentityVerifier(auth.IdentityVerifierConfig{
		Provider:       "auth0",
		Audience:       testIdentityAudience,
		JWKSURL:        jwksServer.URL,
		AllowedIssuers: []string{testIdentityIssuer},
		HTTPClient:     jwksServer.Client(),
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("identity verifier: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:   validator,
		Engine:     engine,
		Workspaces: workspaceService,
		Notes:      notesService,
		Users:      userService,
		Identity:   verifier,
		Tokens:     issuer,
		Gatherer:   registry,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
		_ = engine.Shutdown(context.Background())
	})

	return &testServer{
		server:     server,
		issuer:     issuer,
		notes:      notesService,
		workspaces: workspaceService,
		users:      userService,
		engine:     engine,
	}
}

// user registers a local account and returns it.
func (s *testServer) user(t *testing.T, subject, email string) users.User {
	t.Helper()
	user, err := s.users.ResolveUser(context.Background(), users.Profile{
		Subject:     subject,
		Email:       email,
		DisplayName: subject,
	})
	if err != nil {
		t.Fatalf("register user %s: %v", subject, err)
	}
	return user
}

func signIdentityToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testIdentityKeyID
	signed, err := token.SignedString(testIdentityKey(t))
	if err != nil {
		t.Fatalf("sign identity token: %v", err)
	}
	return signed
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := s.issuer.Issue(context.Background(), auth.Principal{UserID: userID})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (s *testServer) request(t *testing.T, method, path, userID, body string) *http.Response {
	t.Helper()
	request, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+s.token(t, userID))
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	return response
}

func (s *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	endpoint := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws?token=" + s.token(t, userID)
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (s *testServer) sharedWorkspace(t *testing.T, ownerID string, editors ...string) workspaces.Workspace {
	t.Helper()
	ctx := context.Background()
	workspace, err := s.workspaces.CreateWorkspace(ctx, ownerID, "Team")
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	for _, editor := range editors {
		if _, err := s.workspaces.AddCollaborator(ctx, workspace.ID, editor, workspaces.PermissionEditor); err != nil {
			t.Fatalf("add collaborator: %v", err)
		}
		if err := s.workspaces.AcceptInvitation(ctx, workspace.ID, editor); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	return workspace
}

type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	if err := conn.WriteJSON(map[string]interface{}{"event": event, "data": data}); err != nil {
		t.Fatalf("send %s: %v", event, err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn, want string) wireEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var event wireEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("waiting for %s: %v", want, err)
	}
	if event.Event != want {
		t.Fatalf("expected %s, got %s: %s", want, event.Event, string(event.Data))
	}
	return event
}

func decodeData(t *testing.T, event wireEvent, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(event.Data, target); err != nil {
		t.Fatalf("decode %s: %v", event.Event, err)
	}
}
