package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcphub-dev/mcphub/internal/applog"
	"github.com/mcphub-dev/mcphub/internal/settings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *settings.Store {
	t.Helper()
	dir := t.TempDir()
	return settings.NewStore(filepath.Join(dir, "mcp_settings.json"), applog.NewNop())
}

func seedServer(t *testing.T, store *settings.Store, name string, oauthCfg *settings.OAuthConfig) {
	t.Helper()
	doc, err := store.LoadOriginal()
	require.NoError(t, err)
	doc.MCPServers[name] = &settings.ServerConfig{
		Type:    settings.ServerTypeSSE,
		Enabled: settings.Bool(true),
		URL:     "https://upstream.example.com/mcp",
		OAuth:   oauthCfg,
	}
	require.NoError(t, store.Save(doc))
}

func signedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": exp.Unix(),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestCoordinatorTokenReturnsValidStaticToken(t *testing.T) {
	store := newTestStore(t)
	c := New(store, "https://hub.example.com/oauth/callback", applog.NewNop())

	token := signedJWT(t, time.Now().Add(time.Hour))
	cfg := &settings.OAuthConfig{AccessToken: token}
	seedServer(t, store, "alpha", cfg)

	got, err := c.Token(context.Background(), "alpha", cfg)
	require.NoError(t, err)
	assert.Equal(t, token, got)
}

func TestCoordinatorTokenOpaqueAssumedValid(t *testing.T) {
	store := newTestStore(t)
	c := New(store, "https://hub.example.com/oauth/callback", applog.NewNop())

	cfg := &settings.OAuthConfig{AccessToken: "opaque-token-xyz"}
	seedServer(t, store, "alpha", cfg)

	got, err := c.Token(context.Background(), "alpha", cfg)
	require.NoError(t, err)
	assert.Equal(t, "opaque-token-xyz", got)
}

func TestCoordinatorTokenRefreshesExpiredJWT(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.FormValue("grant_type"))
		assert.Equal(t, "the-refresh-token", r.FormValue("refresh_token"))
		_ = json.NewEncoder(w).Encode(TokenResponse{
			AccessToken:  "fresh-access-token",
			RefreshToken: "rotated-refresh-token",
			ExpiresIn:    3600,
		})
	}))
	defer srv.Close()

	store := newTestStore(t)
	c := New(store, "https://hub.example.com/oauth/callback", applog.NewNop())

	expired := signedJWT(t, time.Now().Add(-time.Hour))
	cfg := &settings.OAuthConfig{
		AccessToken:   expired,
		RefreshToken:  "the-refresh-token",
		TokenEndpoint: srv.URL,
		ClientID:      "client-123",
	}
	seedServer(t, store, "alpha", cfg)

	got, err := c.Token(context.Background(), "alpha", cfg)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access-token", got)

	doc, err := store.LoadOriginal()
	require.NoError(t, err)
	assert.Equal(t, "fresh-access-token", doc.MCPServers["alpha"].OAuth.AccessToken)
	assert.Equal(t, "rotated-refresh-token", doc.MCPServers["alpha"].OAuth.RefreshToken)
}

func TestCoordinatorRefreshInvalidGrantClearsRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(TokenErrorResponse{Error: "invalid_grant"})
	}))
	defer srv.Close()

	store := newTestStore(t)
	c := New(store, "https://hub.example.com/oauth/callback", applog.NewNop())

	expired := signedJWT(t, time.Now().Add(-time.Hour))
	cfg := &settings.OAuthConfig{
		AccessToken:   expired,
		RefreshToken:  "stale-refresh-token",
		TokenEndpoint: srv.URL,
	}
	seedServer(t, store, "alpha", cfg)

	_, err := c.Token(context.Background(), "alpha", cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefreshFailed)

	doc, err := store.LoadOriginal()
	require.NoError(t, err)
	assert.Empty(t, doc.MCPServers["alpha"].OAuth.AccessToken)
	assert.Empty(t, doc.MCPServers["alpha"].OAuth.RefreshToken)
}

func TestCoordinatorRefreshServerErrorKeepsRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(TokenErrorResponse{Error: "server_error"})
	}))
	defer srv.Close()

	store := newTestStore(t)
	c := New(store, "https://hub.example.com/oauth/callback", applog.NewNop())

	expired := signedJWT(t, time.Now().Add(-time.Hour))
	cfg := &settings.OAuthConfig{
		AccessToken:   expired,
		RefreshToken:  "keep-me",
		TokenEndpoint: srv.URL,
	}
	seedServer(t, store, "alpha", cfg)

	_, err := c.Token(context.Background(), "alpha", cfg)
	require.Error(t, err)

	doc, err := store.LoadOriginal()
	require.NoError(t, err)
	assert.Equal(t, "keep-me", doc.MCPServers["alpha"].OAuth.RefreshToken)
}

func TestCoordinatorBeginAuthorizationCreatesPendingAuthorization(t *testing.T) {
	store := newTestStore(t)
	c := New(store, "https://hub.example.com/oauth/callback", applog.NewNop())

	cfg := &settings.OAuthConfig{
		ClientID:              "client-123",
		AuthorizationEndpoint: "https://upstream.example.com/authorize",
		TokenEndpoint:         "https://upstream.example.com/token",
		Scopes:                []string{"read", "write"},
	}
	seedServer(t, store, "alpha", cfg)

	require.NoError(t, c.BeginAuthorization(context.Background(), "alpha", cfg))

	doc, err := store.LoadOriginal()
	require.NoError(t, err)
	pending := doc.MCPServers["alpha"].OAuth.PendingAuthorization
	require.NotNil(t, pending)
	assert.NotEmpty(t, pending.State)
	assert.NotEmpty(t, pending.CodeVerifier)
	assert.Contains(t, pending.AuthorizationURL, "code_challenge=")
	assert.Contains(t, pending.AuthorizationURL, "client_id=client-123")
}

func TestCoordinatorBeginAuthorizationSupersedesExistingPending(t *testing.T) {
	store := newTestStore(t)
	c := New(store, "https://hub.example.com/oauth/callback", applog.NewNop())

	cfg := &settings.OAuthConfig{
		ClientID:              "client-123",
		AuthorizationEndpoint: "https://upstream.example.com/authorize",
		TokenEndpoint:         "https://upstream.example.com/token",
	}
	seedServer(t, store, "alpha", cfg)

	require.NoError(t, c.BeginAuthorization(context.Background(), "alpha", cfg))
	doc, _ := store.LoadOriginal()
	firstState := doc.MCPServers["alpha"].OAuth.PendingAuthorization.State

	require.NoError(t, c.BeginAuthorization(context.Background(), "alpha", cfg))
	doc, _ = store.LoadOriginal()
	second := doc.MCPServers["alpha"].OAuth.PendingAuthorization
	require.NotNil(t, second)
	assert.NotEqual(t, firstState, second.State, "a new BeginAuthorization must supersede the prior pending state")
}

func TestCoordinatorBeginAuthorizationWithDynamicRegistration(t *testing.T) {
	registerCalled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/register":
			registerCalled = true
			var req ClientRegistrationRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []string{"https://hub.example.com/oauth/callback"}, req.RedirectURIs)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(ClientRegistrationResponse{
				ClientID:     "dynamic-client-id",
				ClientSecret: "dynamic-secret",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	store := newTestStore(t)
	c := New(store, "https://hub.example.com/oauth/callback", applog.NewNop())

	cfg := &settings.OAuthConfig{
		AuthorizationEndpoint: "https://upstream.example.com/authorize",
		TokenEndpoint:         "https://upstream.example.com/token",
		DynamicRegistration: &settings.DynamicRegistration{
			Enabled:              true,
			RegistrationEndpoint: srv.URL + "/register",
		},
	}
	seedServer(t, store, "alpha", cfg)

	require.NoError(t, c.BeginAuthorization(context.Background(), "alpha", cfg))
	assert.True(t, registerCalled)

	doc, err := store.LoadOriginal()
	require.NoError(t, err)
	oa := doc.MCPServers["alpha"].OAuth
	assert.Equal(t, "dynamic-client-id", oa.ClientID)
	assert.Equal(t, "dynamic-secret", oa.ClientSecret)
	require.NotNil(t, oa.PendingAuthorization)
}

func TestCoordinatorHandleCallbackCompletesFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.FormValue("grant_type"))
		assert.Equal(t, "the-code", r.FormValue("code"))
		assert.NotEmpty(t, r.FormValue("code_verifier"))
		_ = json.NewEncoder(w).Encode(TokenResponse{
			AccessToken:  "callback-access-token",
			RefreshToken: "callback-refresh-token",
			ExpiresIn:    3600,
		})
	}))
	defer srv.Close()

	store := newTestStore(t)
	c := New(store, "https://hub.example.com/oauth/callback", applog.NewNop())

	resumed := ""
	c.OnResume(func(name string) { resumed = name })

	cfg := &settings.OAuthConfig{
		ClientID:              "client-123",
		AuthorizationEndpoint: "https://upstream.example.com/authorize",
		TokenEndpoint:         srv.URL,
	}
	seedServer(t, store, "alpha", cfg)
	require.NoError(t, c.BeginAuthorization(context.Background(), "alpha", cfg))

	doc, err := store.LoadOriginal()
	require.NoError(t, err)
	state := doc.MCPServers["alpha"].OAuth.PendingAuthorization.State

	name, err := c.HandleCallback(context.Background(), state, "the-code")
	require.NoError(t, err)
	assert.Equal(t, "alpha", name)
	assert.Equal(t, "alpha", resumed)

	doc, err = store.LoadOriginal()
	require.NoError(t, err)
	oa := doc.MCPServers["alpha"].OAuth
	assert.Equal(t, "callback-access-token", oa.AccessToken)
	assert.Equal(t, "callback-refresh-token", oa.RefreshToken)
	assert.Nil(t, oa.PendingAuthorization)
}

func TestCoordinatorExpiredPendingAuthorizationIsCollected(t *testing.T) {
	store := newTestStore(t)
	c := New(store, "https://hub.example.com/oauth/callback", applog.NewNop())

	cfg := &settings.OAuthConfig{
		AccessToken: "opaque",
		PendingAuthorization: &settings.PendingAuthorization{
			AuthorizationURL: "https://upstream.example.com/authorize?state=stale",
			State:            "stale-state",
			CodeVerifier:     "stale-verifier",
			CreatedAt:        time.Now().Add(-31 * time.Minute),
		},
	}
	seedServer(t, store, "alpha", cfg)

	_, err := c.Token(context.Background(), "alpha", cfg)
	require.NoError(t, err)

	doc, err := store.LoadOriginal()
	require.NoError(t, err)
	assert.Nil(t, doc.MCPServers["alpha"].OAuth.PendingAuthorization,
		"a pending authorization older than 30 minutes must be garbage-collected")
}

func TestCoordinatorHandleCallbackRejectsExpiredState(t *testing.T) {
	store := newTestStore(t)
	c := New(store, "https://hub.example.com/oauth/callback", applog.NewNop())

	cfg := &settings.OAuthConfig{
		ClientID:      "client-123",
		TokenEndpoint: "https://upstream.example.com/token",
		PendingAuthorization: &settings.PendingAuthorization{
			State:        "expired-state",
			CodeVerifier: "v",
			CreatedAt:    time.Now().Add(-31 * time.Minute),
		},
	}
	seedServer(t, store, "alpha", cfg)

	_, err := c.HandleCallback(context.Background(), "expired-state", "the-code")
	assert.Error(t, err)
}

func TestCoordinatorHandleCallbackRecoversFromDecodedState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.FormValue("grant_type"))
		assert.Equal(t, "the-code", r.FormValue("code"))
		_ = json.NewEncoder(w).Encode(TokenResponse{AccessToken: "recovered-token"})
	}))
	defer srv.Close()

	store := newTestStore(t)
	c := New(store, "https://hub.example.com/oauth/callback", applog.NewNop())

	// No pending authorization persisted — as after a process restart
	// that lost the record; only the state payload knows the server.
	cfg := &settings.OAuthConfig{ClientID: "client-123", TokenEndpoint: srv.URL}
	seedServer(t, store, "alpha", cfg)

	state, err := encodeState("alpha")
	require.NoError(t, err)

	name, err := c.HandleCallback(context.Background(), state, "the-code")
	require.NoError(t, err)
	assert.Equal(t, "alpha", name)

	doc, err := store.LoadOriginal()
	require.NoError(t, err)
	assert.Equal(t, "recovered-token", doc.MCPServers["alpha"].OAuth.AccessToken)
}

func TestCoordinatorHandleCallbackStoredStateWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(TokenResponse{AccessToken: "stored-wins-token"})
	}))
	defer srv.Close()

	store := newTestStore(t)
	c := New(store, "https://hub.example.com/oauth/callback", applog.NewNop())

	// The state string decodes to "beta", but "alpha" holds the stored
	// pending record for it; the stored record must win the tie-break.
	state, err := encodeState("beta")
	require.NoError(t, err)

	seedServer(t, store, "alpha", &settings.OAuthConfig{
		ClientID:      "client-a",
		TokenEndpoint: srv.URL,
		PendingAuthorization: &settings.PendingAuthorization{
			State:        state,
			CodeVerifier: "verifier-a",
			CreatedAt:    time.Now(),
		},
	})
	seedServer(t, store, "beta", &settings.OAuthConfig{
		ClientID:      "client-b",
		TokenEndpoint: srv.URL,
	})

	name, err := c.HandleCallback(context.Background(), state, "the-code")
	require.NoError(t, err)
	assert.Equal(t, "alpha", name)
}

func TestCoordinatorHandleCallbackUnknownStateFails(t *testing.T) {
	store := newTestStore(t)
	c := New(store, "https://hub.example.com/oauth/callback", applog.NewNop())
	seedServer(t, store, "alpha", &settings.OAuthConfig{})

	_, err := c.HandleCallback(context.Background(), "not-a-real-state", "the-code")
	assert.Error(t, err)
}
