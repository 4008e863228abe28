package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mcphub-dev/mcphub/internal/oauth"
	"github.com/mcphub-dev/mcphub/internal/observability"
	"github.com/mcphub-dev/mcphub/internal/settings"
)

func newTestServer(t *testing.T, secret string) (*Server, *settings.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcphub.json")
	store := settings.NewStore(path, zap.NewNop())

	doc := settings.Default()
	doc.MCPServers["weather"] = &settings.ServerConfig{Type: settings.ServerTypeStdio, Command: "weather-mcp", Enabled: settings.Bool(true)}
	require.NoError(t, store.Save(doc))

	coordinator := oauth.New(store, "http://localhost/oauth/callback", zap.NewNop())
	return New(store, coordinator, secret, nil, zap.NewNop()), store
}

func signedToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": subject})
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestSettingsExportRequiresBearerToken(t *testing.T) {
	srv, _ := newTestServer(t, "test-secret")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/settings/export", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSettingsExportWithValidToken(t *testing.T) {
	srv, _ := newTestServer(t, "test-secret")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/settings/export", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "test-secret", "alice"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var doc settings.Settings
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&doc))
	require.Contains(t, doc.MCPServers, "weather")
}

func TestEmptySecretSkipsVerification(t *testing.T) {
	srv, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/servers", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSetServerEnabledPersists(t *testing.T) {
	srv, store := newTestServer(t, "")

	body, _ := json.Marshal(map[string]bool{"enabled": false})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/servers/weather/enabled", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	doc, err := store.Load()
	require.NoError(t, err)
	require.False(t, doc.MCPServers["weather"].IsEnabled())
}

func TestSetServerEnabledUnknownServer(t *testing.T) {
	srv, _ := newTestServer(t, "")

	body, _ := json.Marshal(map[string]bool{"enabled": true})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/servers/nope/enabled", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPutAndDeleteGroup(t *testing.T) {
	srv, store := newTestServer(t, "")

	group := map[string]interface{}{
		"name":    "Shared",
		"members": []string{"weather"},
	}
	body, _ := json.Marshal(group)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/groups/shared", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	doc, err := store.Load()
	require.NoError(t, err)
	require.Contains(t, doc.Groups, "shared")

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/groups/shared", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	doc, err = store.Load()
	require.NoError(t, err)
	require.NotContains(t, doc.Groups, "shared")
}

func TestMCPSettingsExportSingleServer(t *testing.T) {
	srv, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/mcp-settings?serverName=weather", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success bool                              `json:"success"`
		Data    map[string]*settings.ServerConfig `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.True(t, body.Success)
	require.Contains(t, body.Data, "weather")
}

func TestMCPSettingsExportUnknownServer(t *testing.T) {
	srv, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/mcp-settings?serverName=missing", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)

	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.False(t, body.Success)
	require.Equal(t, "Server 'missing' not found", body.Message)
}

func TestObservabilityRoutesServed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcphub.json")
	store := settings.NewStore(path, zap.NewNop())
	require.NoError(t, store.Save(settings.Default()))

	coordinator := oauth.New(store, "http://localhost/oauth/callback", zap.NewNop())
	obs := observability.New(zap.NewNop())
	srv := New(store, coordinator, "", obs, zap.NewNop())

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestObservabilityRoutesAbsentWithoutManager(t *testing.T) {
	srv, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOAuthCallbackMissingParamsRejected(t *testing.T) {
	srv, _ := newTestServer(t, "test-secret")

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOAuthCallbackDoesNotRequireBearerToken(t *testing.T) {
	srv, _ := newTestServer(t, "test-secret")

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=abc&state=unknown-state", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.NotEqual(t, http.StatusUnauthorized, rec.Code)
}
