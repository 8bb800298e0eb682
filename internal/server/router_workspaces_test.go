package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/quorum/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/notes"
	"github.com/MarcoPoloResearchLab/quorum/backend/internal/workspaces"
)

func decodeBody(t *testing.T, response *http.Response, target interface{}) {
	t.Helper()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestWorkspaceEndpoints(t *testing.T) {
	ts := newTestServer(t, time.Second)
	owner := ts.user(t, "owner", "owner@example.com")
	guest := ts.user(t, "guest", "guest@example.com")

	if response := ts.request(t, http.MethodGet, "/workspaces", "", ""); response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", response.StatusCode)
	}

	created := ts.request(t, http.MethodPost, "/workspaces", owner.ID, `{"name":"Research"}`)
	if created.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", created.StatusCode)
	}
	var workspace workspacePayload
	decodeBody(t, created, &workspace)
	if workspace.Name != "Research" || workspace.OwnerID != owner.ID {
		t.Fatalf("unexpected workspace %+v", workspace)
	}

	if response := ts.request(t, http.MethodPost, "/workspaces", owner.ID, `{"name":"  "}`); response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a blank name, got %d", response.StatusCode)
	}

	invitePath := "/workspaces/" + workspace.ID + "/collaborators"
	if response := ts.request(t, http.MethodPost, invitePath, guest.ID, `{"user_id":"`+guest.ID+`","permission":"viewer"}`); response.StatusCode != http.StatusForbidden {
		t.Fatalf("only owners may invite, got %d", response.StatusCode)
	}
	if response := ts.request(t, http.MethodPost, invitePath, owner.ID, `{"email":"guest@example.com","permission":"admin"}`); response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown permission, got %d", response.StatusCode)
	}
	if response := ts.request(t, http.MethodPost, invitePath, owner.ID, `{"email":"guest@example.com","permission":"owner"}`); response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an owner grant, got %d", response.StatusCode)
	}
	if response := ts.request(t, http.MethodPost, invitePath, owner.ID, `{"email":"nobody@example.com","permission":"viewer"}`); response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown invitee, got %d", response.StatusCode)
	}
	if response := ts.request(t, http.MethodPost, invitePath, owner.ID, `{"user_id":"`+owner.ID+`","permission":"viewer"}`); response.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 when inviting the owner, got %d", response.StatusCode)
	}
	invited := ts.request(t, http.MethodPost, invitePath, owner.ID, `{"email":"Guest@Example.com","permission":"viewer"}`)
	if invited.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", invited.StatusCode)
	}
	var collaborator collaboratorPayload
	decodeBody(t, invited, &collaborator)
	if !collaborator.Pending || collaborator.Permission != "viewer" || collaborator.UserID != guest.ID {
		t.Fatalf("unexpected collaborator %+v", collaborator)
	}
	if collaborator.Email != "guest@example.com" || collaborator.Name != "guest" {
		t.Fatalf("expected invitee profile on the collaborator, got %+v", collaborator)
	}

	notesPath := "/workspaces/" + workspace.ID + "/notes"
	if response := ts.request(t, http.MethodGet, notesPath, guest.ID, ""); response.StatusCode != http.StatusForbidden {
		t.Fatalf("pending invitation must not grant access, got %d", response.StatusCode)
	}

	acceptPath := "/workspaces/" + workspace.ID + "/accept"
	if response := ts.request(t, http.MethodPost, acceptPath, guest.ID, ""); response.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", response.StatusCode)
	}
	if response := ts.request(t, http.MethodPost, acceptPath, guest.ID, ""); response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for a second accept, got %d", response.StatusCode)
	}

	reinvited := ts.request(t, http.MethodPost, invitePath, owner.ID, `{"user_id":"`+guest.ID+`","permission":"editor"}`)
	if reinvited.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for a re-invite, got %d", reinvited.StatusCode)
	}
	decodeBody(t, reinvited, &collaborator)
	if collaborator.Pending || collaborator.AcceptedAt == nil || collaborator.Permission != "editor" {
		t.Fatalf("re-invite must report the stored acceptance, got %+v", collaborator)
	}

	if _, err := ts.notes.CreateNote(context.Background(), notes.NoteDraft{
		WorkspaceID: notes.WorkspaceID(workspace.ID),
		AuthorID:    owner.ID,
		Title:       "Findings",
	}); err != nil {
		t.Fatalf("seed note: %v", err)
	}
	listed := ts.request(t, http.MethodGet, notesPath, guest.ID, "")
	if listed.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", listed.StatusCode)
	}
	var notesBody struct {
		Notes []collab.NoteView `json:"notes"`
	}
	decodeBody(t, listed, &notesBody)
	if len(notesBody.Notes) != 1 || notesBody.Notes[0].Title != "Findings" {
		t.Fatalf("unexpected notes %+v", notesBody.Notes)
	}

	mine := ts.request(t, http.MethodGet, "/workspaces", guest.ID, "")
	var workspacesBody struct {
		Workspaces []workspacePayload `json:"workspaces"`
	}
	decodeBody(t, mine, &workspacesBody)
	if len(workspacesBody.Workspaces) != 1 || workspacesBody.Workspaces[0].ID != workspace.ID {
		t.Fatalf("unexpected workspace list %+v", workspacesBody.Workspaces)
	}

	if response := ts.request(t, http.MethodGet, "/workspaces/not-a-uuid/notes", guest.ID, ""); response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed id, got %d", response.StatusCode)
	}
}

func TestCollaboratorManagementEndpoints(t *testing.T) {
	ts := newTestServer(t, time.Second)
	owner := ts.user(t, "owner", "owner@example.com")
	editor := ts.user(t, "editor", "editor@example.com")
	viewer := ts.user(t, "viewer", "viewer@example.com")
	stranger := ts.user(t, "stranger", "stranger@example.com")

	workspace := ts.sharedWorkspace(t, owner.ID, editor.ID)
	if _, err := ts.workspaces.AddCollaborator(context.Background(), workspace.ID, viewer.ID, workspaces.PermissionViewer); err != nil {
		t.Fatalf("invite viewer: %v", err)
	}

	collaboratorsPath := "/workspaces/" + workspace.ID + "/collaborators"
	if response := ts.request(t, http.MethodGet, collaboratorsPath, stranger.ID, ""); response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for a stranger, got %d", response.StatusCode)
	}
	listed := ts.request(t, http.MethodGet, collaboratorsPath, editor.ID, "")
	if listed.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", listed.StatusCode)
	}
	var body struct {
		Collaborators []collaboratorPayload `json:"collaborators"`
	}
	decodeBody(t, listed, &body)
	if len(body.Collaborators) != 3 {
		t.Fatalf("expected owner and two collaborators, got %+v", body.Collaborators)
	}
	if !body.Collaborators[0].IsOwner || body.Collaborators[0].UserID != owner.ID || body.Collaborators[0].Permission != "owner" {
		t.Fatalf("expected the owner first, got %+v", body.Collaborators[0])
	}
	if body.Collaborators[1].UserID != editor.ID || body.Collaborators[1].Pending {
		t.Fatalf("unexpected editor entry %+v", body.Collaborators[1])
	}
	if body.Collaborators[2].UserID != viewer.ID || !body.Collaborators[2].Pending {
		t.Fatalf("unexpected viewer entry %+v", body.Collaborators[2])
	}

	editorPath := collaboratorsPath + "/" + editor.ID
	if response := ts.request(t, http.MethodPut, editorPath, editor.ID, `{"permission":"viewer"}`); response.StatusCode != http.StatusForbidden {
		t.Fatalf("only owners may change levels, got %d", response.StatusCode)
	}
	if response := ts.request(t, http.MethodPut, collaboratorsPath+"/"+owner.ID, owner.ID, `{"permission":"viewer"}`); response.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for the owner's level, got %d", response.StatusCode)
	}
	if response := ts.request(t, http.MethodPut, collaboratorsPath+"/"+stranger.ID, owner.ID, `{"permission":"viewer"}`); response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for a non-collaborator, got %d", response.StatusCode)
	}
	updated := ts.request(t, http.MethodPut, editorPath, owner.ID, `{"permission":"viewer"}`)
	if updated.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", updated.StatusCode)
	}
	var collaborator collaboratorPayload
	decodeBody(t, updated, &collaborator)
	if collaborator.Permission != "viewer" || collaborator.Pending {
		t.Fatalf("unexpected updated collaborator %+v", collaborator)
	}
	allowed, err := ts.workspaces.HasPermission(context.Background(), editor.ID, workspace.ID, workspaces.PermissionEditor)
	if err != nil || allowed {
		t.Fatalf("expected editor rights to be withdrawn, got %v, %v", allowed, err)
	}

	viewerPath := collaboratorsPath + "/" + viewer.ID
	if response := ts.request(t, http.MethodDelete, viewerPath, editor.ID, ""); response.StatusCode != http.StatusForbidden {
		t.Fatalf("collaborators may only remove themselves, got %d", response.StatusCode)
	}
	if response := ts.request(t, http.MethodDelete, viewerPath, owner.ID, ""); response.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 for the owner's removal, got %d", response.StatusCode)
	}
	if response := ts.request(t, http.MethodDelete, viewerPath, owner.ID, ""); response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for a second removal, got %d", response.StatusCode)
	}
	if response := ts.request(t, http.MethodDelete, editorPath, editor.ID, ""); response.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 when leaving, got %d", response.StatusCode)
	}
	if response := ts.request(t, http.MethodDelete, collaboratorsPath+"/"+owner.ID, owner.ID, ""); response.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 when the owner leaves, got %d", response.StatusCode)
	}

	remaining, err := ts.workspaces.ListCollaborators(context.Background(), workspace.ID)
	if err != nil {
		t.Fatalf("list collaborators: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no collaborators left, got %+v", remaining)
	}
}

func TestInvitationEndpoints(t *testing.T) {
	ts := newTestServer(t, time.Second)
	owner := ts.user(t, "owner", "owner@example.com")
	guest := ts.user(t, "guest", "guest@example.com")
	ctx := context.Background()

	first, err := ts.workspaces.CreateWorkspace(ctx, owner.ID, "First")
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := ts.workspaces.CreateWorkspace(ctx, owner.ID, "Second")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	for _, workspace := range []workspaces.Workspace{first, second} {
		if _, err := ts.workspaces.AddCollaborator(ctx, workspace.ID, guest.ID, workspaces.PermissionEditor); err != nil {
			t.Fatalf("invite: %v", err)
		}
	}

	listed := ts.request(t, http.MethodGet, "/invitations", guest.ID, "")
	if listed.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", listed.StatusCode)
	}
	var body struct {
		Invitations []invitationPayload `json:"invitations"`
	}
	decodeBody(t, listed, &body)
	if len(body.Invitations) != 2 {
		t.Fatalf("expected 2 invitations, got %+v", body.Invitations)
	}
	if body.Invitations[0].WorkspaceName != "First" || body.Invitations[0].OwnerName != "owner" || body.Invitations[0].Permission != "editor" {
		t.Fatalf("unexpected invitation %+v", body.Invitations[0])
	}

	declinePath := "/workspaces/" + first.ID + "/decline"
	if response := ts.request(t, http.MethodPost, declinePath, guest.ID, ""); response.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", response.StatusCode)
	}
	if response := ts.request(t, http.MethodPost, declinePath, guest.ID, ""); response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for a second decline, got %d", response.StatusCode)
	}
	if response := ts.request(t, http.MethodPost, "/workspaces/"+first.ID+"/accept", guest.ID, ""); response.StatusCode != http.StatusNotFound {
		t.Fatalf("declined invitation must not be accepted, got %d", response.StatusCode)
	}

	listed = ts.request(t, http.MethodGet, "/invitations", guest.ID, "")
	decodeBody(t, listed, &body)
	if len(body.Invitations) != 1 || body.Invitations[0].WorkspaceID != second.ID {
		t.Fatalf("unexpected invitations after decline %+v", body.Invitations)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	ts := newTestServer(t, time.Second)

	health := ts.request(t, http.MethodGet, "/healthz", "", "")
	if health.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", health.StatusCode)
	}

	ts.dial(t, "watcher")
	metrics := ts.request(t, http.MethodGet, "/metrics", "", "")
	body, err := io.ReadAll(metrics.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(body), "quorum_connected_sessions 1") {
		t.Fatalf("expected the connected session gauge, got:\n%s", body)
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err != errMissingSessions {
		t.Fatalf("expected missing sessions error, got %v", err)
	}
}

func TestNewHTTPHandlerRequiresIssuerForIdentityExchange(t *testing.T) {
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	verifier, err := auth.NewIdentityVerifier(auth.IdentityVerifierConfig{
		Audience:       testIdentityAudience,
		JWKSURL:        "https://login.example.com/.well-known/jwks.json",
		AllowedIssuers: []string{testIdentityIssuer},
	})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	ts := newTestServer(t, time.Second)
	_, err = NewHTTPHandler(Dependencies{
		Sessions:   validator,
		Engine:     ts.engine,
		Workspaces: ts.workspaces,
		Notes:      ts.notes,
		Users:      ts.users,
		Identity:   verifier,
	})
	if err != errMissingTokens {
		t.Fatalf("expected missing tokens error, got %v", err)
	}
}
