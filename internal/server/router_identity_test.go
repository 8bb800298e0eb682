package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func identityTokenClaims(subject string) jwt.MapClaims {
	now := time.Now().UTC()
	return jwt.MapClaims{
		"aud":            testIdentityAudience,
		"iss":            testIdentityIssuer,
		"sub":            subject,
		"email":          "Ada@Example.com",
		"email_verified": true,
		"name":           "Ada Lovelace",
		"picture":        "https://example.com/ada.png",
		"exp":            now.Add(5 * time.Minute).Unix(),
		"iat":            now.Unix(),
	}
}

func TestTokenExchangeRegistersUserOnce(t *testing.T) {
	ts := newTestServer(t, time.Second)
	body := `{"id_token":"` + signIdentityToken(t, identityTokenClaims("auth0|ada")) + `"}`

	first := ts.request(t, http.MethodPost, "/auth/token", "", body)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.StatusCode)
	}
	var exchanged tokenExchangeResponse
	decodeBody(t, first, &exchanged)
	if exchanged.AccessToken == "" || exchanged.TokenType != "Bearer" || exchanged.ExpiresIn <= 0 {
		t.Fatalf("unexpected exchange response %+v", exchanged)
	}
	if exchanged.User.ID == "" || exchanged.User.Email != "ada@example.com" || exchanged.User.Name != "Ada Lovelace" {
		t.Fatalf("unexpected user %+v", exchanged.User)
	}

	second := ts.request(t, http.MethodPost, "/auth/token", "", body)
	var again tokenExchangeResponse
	decodeBody(t, second, &again)
	if again.User.ID != exchanged.User.ID {
		t.Fatalf("expected the same user on a second login, got %q and %q", exchanged.User.ID, again.User.ID)
	}

	request, err := http.NewRequest(http.MethodGet, ts.server.URL+"/me", http.NoBody)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+exchanged.AccessToken)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("GET /me: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected the session token to authenticate, got %d", response.StatusCode)
	}
	var me userPayload
	decodeBody(t, response, &me)
	if me.ID != exchanged.User.ID || !me.EmailVerified || me.AvatarURL != "https://example.com/ada.png" {
		t.Fatalf("unexpected profile %+v", me)
	}
}

func TestTokenExchangeRejectsInvalidTokens(t *testing.T) {
	ts := newTestServer(t, time.Second)

	if response := ts.request(t, http.MethodPost, "/auth/token", "", `{}`); response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without an id token, got %d", response.StatusCode)
	}

	wrongAudience := identityTokenClaims("auth0|ada")
	wrongAudience["aud"] = "another-app"
	body := `{"id_token":"` + signIdentityToken(t, wrongAudience) + `"}`
	if response := ts.request(t, http.MethodPost, "/auth/token", "", body); response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a foreign audience, got %d", response.StatusCode)
	}
	if response := ts.request(t, http.MethodPost, "/auth/token", "", `{"id_token":"garbage"}`); response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a malformed token, got %d", response.StatusCode)
	}
}

func TestProfileEndpoints(t *testing.T) {
	ts := newTestServer(t, time.Second)
	user := ts.user(t, "grace", "grace@example.com")

	if response := ts.request(t, http.MethodGet, "/me", "", ""); response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", response.StatusCode)
	}
	if response := ts.request(t, http.MethodGet, "/me", "unregistered", ""); response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown user, got %d", response.StatusCode)
	}

	current := ts.request(t, http.MethodGet, "/me", user.ID, "")
	if current.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", current.StatusCode)
	}
	var profile userPayload
	decodeBody(t, current, &profile)
	if profile.ID != user.ID || profile.Email != "grace@example.com" || profile.Name != "grace" {
		t.Fatalf("unexpected profile %+v", profile)
	}

	if response := ts.request(t, http.MethodPut, "/me", user.ID, `{"name":"   "}`); response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a blank name, got %d", response.StatusCode)
	}
	renamed := ts.request(t, http.MethodPut, "/me", user.ID, `{"name":" Grace Hopper "}`)
	if renamed.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", renamed.StatusCode)
	}
	decodeBody(t, renamed, &profile)
	if profile.Name != "Grace Hopper" {
		t.Fatalf("expected renamed profile, got %+v", profile)
	}
}
