package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcphub-dev/mcphub/internal/oauth"
	"github.com/mcphub-dev/mcphub/internal/settings"
)

// fakeIssuer is a minimal RFC 8414 authorization server: metadata,
// plus a token endpoint that echoes a canned grant.
func fakeIssuer(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/oauth-authorization-server":
			_ = json.NewEncoder(w).Encode(oauth.DiscoveryMetadata{
				Issuer:                srv.URL,
				AuthorizationEndpoint: srv.URL + "/upstream-authorize",
				TokenEndpoint:         srv.URL + "/upstream-token",
			})
		case "/upstream-token":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "authorization_code", r.FormValue("grant_type"))
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(oauth.TokenResponse{AccessToken: "proxied-token"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func enableProxy(t *testing.T, store *settings.Store, issuer string) {
	t.Helper()
	doc, err := store.LoadOriginal()
	require.NoError(t, err)
	doc.System.OAuth = &settings.ProviderConfig{Enabled: true, Issuer: issuer}
	require.NoError(t, store.Save(doc))
}

func TestOAuthProxyDisabledAnswers404(t *testing.T) {
	srv, _ := newTestServer(t, "")

	for _, path := range []string{"/.well-known/oauth-authorization-server", "/authorize"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestOAuthProxyMetadataNamesTheHub(t *testing.T) {
	issuer := fakeIssuer(t)
	srv, store := newTestServer(t, "")
	enableProxy(t, store, issuer.URL)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	req.Host = "hub.example.com"
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var meta oauth.DiscoveryMetadata
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&meta))
	assert.Equal(t, "http://hub.example.com", meta.Issuer)
	assert.Equal(t, "http://hub.example.com/authorize", meta.AuthorizationEndpoint)
	assert.Equal(t, "http://hub.example.com/token", meta.TokenEndpoint)
}

func TestOAuthProxyAuthorizeRedirectsToIssuer(t *testing.T) {
	issuer := fakeIssuer(t)
	srv, store := newTestServer(t, "")
	enableProxy(t, store, issuer.URL)

	req := httptest.NewRequest(http.MethodGet, "/authorize?client_id=abc&state=xyz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location := rec.Header().Get("Location")
	assert.True(t, strings.HasPrefix(location, issuer.URL+"/upstream-authorize"))
	assert.Contains(t, location, "client_id=abc")
	assert.Contains(t, location, "state=xyz")
}

func TestOAuthProxyTokenRelaysGrant(t *testing.T) {
	issuer := fakeIssuer(t)
	srv, store := newTestServer(t, "")
	enableProxy(t, store, issuer.URL)

	body := strings.NewReader("grant_type=authorization_code&code=abc")
	req := httptest.NewRequest(http.MethodPost, "/token", body)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	raw, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "proxied-token")
}
