package httpapi

import (
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/mcphub-dev/mcphub/internal/oauth"
	"github.com/mcphub-dev/mcphub/internal/settings"
)

// The authorization-proxy role (spec.md §4.3/§6): when
// systemConfig.oauth.enabled is set, the hub publishes RFC 8414 metadata
// naming itself as the authorization server and relays /authorize and
// /token to the configured issuer. Downstream MCP clients that expect the
// hub itself to speak OAuth then work without knowing about the issuer.

// providerConfig returns the enabled proxy configuration, or nil when the
// proxy role is off (the routes then answer 404).
func (s *Server) providerConfig() *settings.ProviderConfig {
	doc, err := s.store.Load()
	if err != nil {
		return nil
	}
	p := doc.System.OAuth
	if p == nil || !p.Enabled || p.Issuer == "" {
		return nil
	}
	return p
}

func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (s *Server) handleProxyMetadata(w http.ResponseWriter, r *http.Request) {
	p := s.providerConfig()
	if p == nil {
		http.NotFound(w, r)
		return
	}
	meta, err := s.oauth.DiscoverMetadata(p.Issuer)
	if err != nil {
		s.logger.Warn("issuer metadata discovery failed", zap.String("issuer", p.Issuer), zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "issuer metadata unavailable")
		return
	}

	base := requestBaseURL(r)
	s.writeJSON(w, http.StatusOK, oauth.DiscoveryMetadata{
		Issuer:                base,
		AuthorizationEndpoint: base + "/authorize",
		TokenEndpoint:         base + "/token",
		RegistrationEndpoint:  meta.RegistrationEndpoint,
		ScopesSupported:       meta.ScopesSupported,
	})
}

// handleProxyAuthorize relays the authorization request to the issuer's
// authorization endpoint, preserving the caller's query string verbatim
// (state, PKCE challenge, redirect_uri all pass through untouched).
func (s *Server) handleProxyAuthorize(w http.ResponseWriter, r *http.Request) {
	p := s.providerConfig()
	if p == nil {
		http.NotFound(w, r)
		return
	}
	meta, err := s.oauth.DiscoverMetadata(p.Issuer)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "issuer metadata unavailable")
		return
	}

	target, err := url.Parse(meta.AuthorizationEndpoint)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "issuer authorization endpoint invalid")
		return
	}
	target.RawQuery = r.URL.RawQuery
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// handleProxyToken forwards the token-grant POST body to the issuer's
// token endpoint and relays the reply (status, content type, body) as-is.
func (s *Server) handleProxyToken(w http.ResponseWriter, r *http.Request) {
	p := s.providerConfig()
	if p == nil {
		http.NotFound(w, r)
		return
	}
	meta, err := s.oauth.DiscoverMetadata(p.Issuer)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "issuer metadata unavailable")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, meta.TokenEndpoint, r.Body)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to build token relay request")
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "token relay failed")
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Warn("token relay copy failed", zap.Error(err))
	}
}
