package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mcphub-dev/mcphub/internal/settings"
	"github.com/mcphub-dev/mcphub/internal/workerpool"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// expirySkew is the clock-skew tolerance applied when comparing a JWT
// access token's exp claim against now (spec.md §4.3).
const expirySkew = 60 * time.Second

// pendingAuthorizationTTL bounds how long a pending PKCE authorization
// stays valid awaiting its callback; older records are garbage-collected
// on the next OAuth operation (spec.md §3 Invariant 4).
const pendingAuthorizationTTL = 30 * time.Minute

// Coordinator implements the OAuthCoordinator: token acquisition for
// upstream clients and the authorization callback that completes a PKCE
// flow. It is constructor-injected (spec.md §9) rather than a package
// singleton; every mutation is persisted through the settings.Store so
// SettingsStore stays the single source of truth.
type Coordinator struct {
	store      *settings.Store
	httpClient *http.Client
	redirectURI string
	logger     *zap.Logger
	pool       *workerpool.Pool

	mu      sync.Mutex
	resumer func(serverName string)
}

// SetWorkerPool bounds concurrent token-endpoint round trips (code
// exchange and refresh) behind pool (spec.md §5); dynamic-client
// registration is not routed through it. Nil (the default) runs them
// inline on the calling goroutine.
func (c *Coordinator) SetWorkerPool(pool *workerpool.Pool) {
	c.pool = pool
}

// New constructs a Coordinator. redirectURI is the hub's own OAuth
// callback URL (spec.md §6, e.g. "<base>/oauth/callback"), used both as
// the registered redirect_uri in DCR requests and to build authorization
// URLs.
func New(store *settings.Store, redirectURI string, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:       store,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		redirectURI: redirectURI,
		logger:      logger.Named("oauth"),
	}
}

// OnResume registers a callback invoked after a successful token
// acquisition or callback, so the UpstreamRegistry can immediately retry
// connecting the affected server instead of waiting for its next poll.
func (c *Coordinator) OnResume(fn func(serverName string)) {
	c.mu.Lock()
	c.resumer = fn
	c.mu.Unlock()
}

func (c *Coordinator) notifyResume(serverName string) {
	c.mu.Lock()
	fn := c.resumer
	c.mu.Unlock()
	if fn != nil {
		fn(serverName)
	}
}

// gcExpiredPending clears every pending authorization older than
// pendingAuthorizationTTL across the document. Invoked at the start of
// each OAuth operation rather than on a timer, so expiry is enforced
// lazily but consistently.
func (c *Coordinator) gcExpiredPending() {
	doc, err := c.store.LoadOriginal()
	if err != nil {
		return
	}
	changed := false
	for name, server := range doc.MCPServers {
		if server.OAuth == nil || server.OAuth.PendingAuthorization == nil {
			continue
		}
		if time.Since(server.OAuth.PendingAuthorization.CreatedAt) > pendingAuthorizationTTL {
			server.OAuth.PendingAuthorization = nil
			changed = true
			c.logger.Info("expired pending authorization discarded", zap.String("server", name))
		}
	}
	if changed {
		if err := c.store.Save(doc); err != nil {
			c.logger.Warn("failed to persist pending-authorization gc", zap.Error(err))
		}
	}
}

// Token implements upstream.OAuthProvider: return a usable access token
// for serverName's OAuthConfig, refreshing it if a refresh token is
// available, per spec.md §4.3 flow 1(a)-1(b).
func (c *Coordinator) Token(ctx context.Context, serverName string, cfg *settings.OAuthConfig) (string, error) {
	c.gcExpiredPending()

	if cfg.AccessToken != "" && !isExpired(cfg.AccessToken) {
		return cfg.AccessToken, nil
	}

	if cfg.RefreshToken != "" {
		return c.refresh(ctx, serverName, cfg)
	}

	if cfg.AccessToken != "" {
		// Opaque or expired-looking token with nothing to refresh with;
		// hand it back and let the upstream attempt reveal the truth.
		return cfg.AccessToken, nil
	}

	return "", fmt.Errorf("oauth: no usable token for %s", serverName)
}

// isExpired reports whether token parses as a JWT with an exp claim in
// the past (beyond expirySkew). Opaque tokens are never considered
// expired here; the upstream's own 401 is the authority for those.
func isExpired(token string) bool {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	_, _, err := parser.ParseUnverified(token, claims)
	if err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Now().After(exp.Time.Add(expirySkew))
}

// refresh performs the refresh_token grant and persists the result. On
// failure it clears the access token and, only on invalid_grant, the
// refresh token too (spec.md §9 open-question resolution).
func (c *Coordinator) refresh(ctx context.Context, serverName string, cfg *settings.OAuthConfig) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cfg.RefreshToken},
	}
	if cfg.ClientID != "" {
		form.Set("client_id", cfg.ClientID)
	}

	tok, oauthErr, err := c.postToken(ctx, cfg.TokenEndpoint, form, cfg.ClientID, cfg.ClientSecret)
	if err != nil {
		return "", c.handleRefreshFailure(serverName, nil, err)
	}
	if oauthErr != nil {
		return "", c.handleRefreshFailure(serverName, oauthErr, nil)
	}

	err = c.mutateServerOAuth(serverName, func(o *settings.OAuthConfig) {
		o.AccessToken = tok.AccessToken
		if tok.RefreshToken != "" {
			o.RefreshToken = tok.RefreshToken
		}
	})
	if err != nil {
		return "", err
	}

	c.logger.Debug("access token refreshed",
		zap.String("server", serverName),
		zap.String("access_token", maskOAuthSecret(tok.AccessToken)))

	c.notifyResume(serverName)
	return tok.AccessToken, nil
}

func (c *Coordinator) handleRefreshFailure(serverName string, oauthErr *TokenErrorResponse, transportErr error) error {
	invalidGrant := oauthErr != nil && oauthErr.Error == "invalid_grant"

	err := c.mutateServerOAuth(serverName, func(o *settings.OAuthConfig) {
		o.AccessToken = ""
		if invalidGrant {
			o.RefreshToken = ""
		}
	})
	if err != nil {
		c.logger.Warn("failed to persist refresh failure state", zap.String("server", serverName), zap.Error(err))
	}

	if transportErr != nil {
		return fmt.Errorf("%w: %v", ErrRefreshFailed, transportErr)
	}
	return fmt.Errorf("%w: %s", ErrRefreshFailed, oauthErr.Error)
}

// tokenExchange bundles postToken's two possible non-transport-error
// outcomes so it can travel through workerpool.RunBounded's single-value
// result channel.
type tokenExchange struct {
	tok *TokenResponse
	oe  *TokenErrorResponse
}

// postToken POSTs form to tokenEndpoint and decodes either a TokenResponse
// or a TokenErrorResponse from the reply. The round trip runs behind
// c.pool so a burst of concurrent refreshes or callbacks can't spawn
// unbounded outbound requests (spec.md §5).
func (c *Coordinator) postToken(ctx context.Context, tokenEndpoint string, form url.Values, clientID, clientSecret string) (*TokenResponse, *TokenErrorResponse, error) {
	result, err := workerpool.RunBounded(ctx, c.pool, func(ctx context.Context) (tokenExchange, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return tokenExchange{}, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if clientID != "" && clientSecret != "" {
			req.SetBasicAuth(clientID, clientSecret)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return tokenExchange{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			var oe TokenErrorResponse
			_ = json.NewDecoder(resp.Body).Decode(&oe)
			if oe.Error == "" {
				oe.Error = fmt.Sprintf("token endpoint returned %d", resp.StatusCode)
			}
			return tokenExchange{oe: &oe}, nil
		}

		var tok TokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
			return tokenExchange{}, fmt.Errorf("decode token response: %w", err)
		}
		return tokenExchange{tok: &tok}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result.tok, result.oe, nil
}

// BeginAuthorization implements upstream.OAuthProvider: drive flows 1(c)
// and 1(d) — dynamic client registration if needed, then mint a pending
// PKCE authorization and persist it, leaving the server in oauth_required
// until HandleCallback completes it.
func (c *Coordinator) BeginAuthorization(ctx context.Context, serverName string, cfg *settings.OAuthConfig) error {
	c.gcExpiredPending()

	if cfg.DynamicRegistration != nil && cfg.DynamicRegistration.Enabled && cfg.ClientID == "" {
		if err := c.performDynamicRegistration(ctx, serverName, cfg); err != nil {
			return err
		}
		// Re-read the freshly persisted config for the next step.
		doc, err := c.store.Load()
		if err != nil {
			return err
		}
		updated, ok := doc.MCPServers[serverName]
		if !ok || updated.OAuth == nil {
			return fmt.Errorf("oauth: server %s vanished during registration", serverName)
		}
		cfg = updated.OAuth
	}

	return c.createPendingAuthorization(serverName, cfg)
}

func (c *Coordinator) performDynamicRegistration(ctx context.Context, serverName string, cfg *settings.OAuthConfig) error {
	dr := cfg.DynamicRegistration

	authEndpoint := cfg.AuthorizationEndpoint
	tokenEndpoint := cfg.TokenEndpoint
	registrationEndpoint := dr.RegistrationEndpoint

	if authEndpoint == "" || tokenEndpoint == "" || registrationEndpoint == "" {
		if dr.Issuer == "" {
			return fmt.Errorf("oauth: dynamic registration for %s needs an issuer or explicit endpoints", serverName)
		}
		meta, err := discoverMetadata(c.httpClient, dr.Issuer)
		if err != nil {
			return err
		}
		if authEndpoint == "" {
			authEndpoint = meta.AuthorizationEndpoint
		}
		if tokenEndpoint == "" {
			tokenEndpoint = meta.TokenEndpoint
		}
		if registrationEndpoint == "" {
			registrationEndpoint = meta.RegistrationEndpoint
		}
	}
	if registrationEndpoint == "" {
		return fmt.Errorf("oauth: no registration endpoint available for %s", serverName)
	}

	req := &ClientRegistrationRequest{
		RedirectURIs:  []string{c.redirectURI},
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		ResponseTypes: []string{"code"},
		ClientName:    "mcphub",
		Scope:         joinScopes(cfg.Scopes),
	}
	if dr.InitialAccessToken != "" {
		req.TokenEndpointAuthMethod = "none"
	}

	reg, err := registerClient(c.httpClient, registrationEndpoint, req)
	if err != nil {
		return err
	}

	c.logger.Info("registered oauth client",
		zap.String("server", serverName),
		zap.String("client_id", reg.ClientID),
		zap.String("client_secret", maskOAuthSecret(reg.ClientSecret)))

	return c.mutateServerOAuth(serverName, func(o *settings.OAuthConfig) {
		o.ClientID = reg.ClientID
		o.ClientSecret = reg.ClientSecret
		o.AuthorizationEndpoint = authEndpoint
		o.TokenEndpoint = tokenEndpoint
	})
}

func (c *Coordinator) createPendingAuthorization(serverName string, cfg *settings.OAuthConfig) error {
	pkce, err := newPKCEParams()
	if err != nil {
		return err
	}
	state, err := encodeState(serverName)
	if err != nil {
		return err
	}

	authURL, err := buildAuthorizationURL(cfg, c.redirectURI, state, pkce.CodeVerifier)
	if err != nil {
		return err
	}

	if u, perr := url.Parse(authURL); perr == nil {
		q := u.Query()
		params := make(map[string]string, len(q))
		for k := range q {
			params[k] = q.Get(k)
		}
		c.logger.Info("authorization pending",
			zap.String("server", serverName),
			zap.Any("params", maskExtraParams(params)))
	}

	return c.mutateServerOAuth(serverName, func(o *settings.OAuthConfig) {
		o.PendingAuthorization = &settings.PendingAuthorization{
			AuthorizationURL: authURL,
			State:            state,
			CodeVerifier:     pkce.CodeVerifier,
			CreatedAt:        time.Now(),
		}
	})
}

func buildAuthorizationURL(cfg *settings.OAuthConfig, redirectURI, state, codeVerifier string) (string, error) {
	if cfg.AuthorizationEndpoint == "" {
		return "", fmt.Errorf("oauth: no authorization endpoint configured")
	}
	conf := &oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: redirectURI,
		Scopes:      cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthorizationEndpoint,
			TokenURL: cfg.TokenEndpoint,
		},
	}
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(codeVerifier)}
	if cfg.Resource != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", cfg.Resource))
	}
	return conf.AuthCodeURL(state, opts...), nil
}

func joinScopes(scopes []string) string {
	out := ""
	for i, s := range scopes {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}

// HandleCallback completes a pending PKCE flow: it locates the server
// whose pendingAuthorization.state matches state, exchanges code for
// tokens, persists them, and clears the pending authorization.
func (c *Coordinator) HandleCallback(ctx context.Context, state, code string) (serverName string, err error) {
	c.gcExpiredPending()

	doc, err := c.store.Load()
	if err != nil {
		return "", err
	}

	serverName, cfg := findPendingByState(doc, state)
	if cfg == nil {
		// No stored pending record matches; fall back to decoding the
		// state payload itself to recover the target server (spec.md
		// §4.3 flow 3 — the stored state, when present, already won the
		// tie-break above).
		name, derr := decodeState(state)
		if derr != nil {
			return "", fmt.Errorf("oauth: no pending authorization for state %q", state)
		}
		server, ok := doc.MCPServers[name]
		if !ok || server.OAuth == nil {
			return "", fmt.Errorf("oauth: state names unknown server %q", name)
		}
		serverName, cfg = name, server.OAuth
		c.logger.Info("recovered callback target from state payload",
			zap.String("server", serverName))
	}

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {c.redirectURI},
		"client_id":    {cfg.ClientID},
	}
	if cfg.PendingAuthorization != nil && cfg.PendingAuthorization.CodeVerifier != "" {
		form.Set("code_verifier", cfg.PendingAuthorization.CodeVerifier)
	}

	tok, oauthErr, err := c.postToken(ctx, cfg.TokenEndpoint, form, cfg.ClientID, cfg.ClientSecret)
	if err != nil {
		return "", fmt.Errorf("oauth: token exchange: %w", err)
	}
	if oauthErr != nil {
		return "", fmt.Errorf("oauth: token exchange rejected: %s", oauthErr.Error)
	}

	if err := c.mutateServerOAuth(serverName, func(o *settings.OAuthConfig) {
		o.AccessToken = tok.AccessToken
		o.RefreshToken = tok.RefreshToken
		o.PendingAuthorization = nil
	}); err != nil {
		return "", err
	}

	c.logger.Info("authorization completed",
		zap.String("server", serverName),
		zap.String("access_token", maskOAuthSecret(tok.AccessToken)))

	c.notifyResume(serverName)
	return serverName, nil
}

// DiscoverMetadata fetches issuer's RFC 8414 metadata document with the
// coordinator's HTTP client. The authorization-proxy endpoints use it to
// resolve the configured issuer's authorize/token endpoints.
func (c *Coordinator) DiscoverMetadata(issuer string) (*DiscoveryMetadata, error) {
	return discoverMetadata(c.httpClient, issuer)
}

func findPendingByState(doc *settings.Settings, state string) (string, *settings.OAuthConfig) {
	for name, server := range doc.MCPServers {
		if server.OAuth != nil && server.OAuth.PendingAuthorization != nil && server.OAuth.PendingAuthorization.State == state {
			return name, server.OAuth
		}
	}
	return "", nil
}

// mutateServerOAuth loads the current document, applies mutate to the
// named server's OAuthConfig (creating one if absent), and saves — the
// only path by which this coordinator changes persisted state, per
// spec.md §4.3's "All mutations go through SettingsStore" invariant.
func (c *Coordinator) mutateServerOAuth(serverName string, mutate func(*settings.OAuthConfig)) error {
	doc, err := c.store.LoadOriginal()
	if err != nil {
		return err
	}
	server, ok := doc.MCPServers[serverName]
	if !ok {
		return fmt.Errorf("oauth: server %q no longer exists", serverName)
	}
	if server.OAuth == nil {
		server.OAuth = &settings.OAuthConfig{}
	}
	mutate(server.OAuth)
	return c.store.Save(doc)
}

// encodeState packs {server, nonce} into a URL-safe base64 JSON blob, so
// a callback can recover its target server even across process restarts
// (spec.md §4.3 flow 3).
func encodeState(serverName string) (string, error) {
	nonce, err := randomURLSafe(12)
	if err != nil {
		return "", err
	}
	payload := struct {
		Server string `json:"server"`
		Nonce  string `json:"nonce"`
	}{Server: serverName, Nonce: nonce}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// decodeState unpacks the {server, nonce} payload encodeState produced,
// returning the server name. It is the recovery path for callbacks whose
// persisted pending-authorization record is gone (process restart,
// superseded flow); a stored record matching the state always wins over
// this decode.
func decodeState(state string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return "", fmt.Errorf("oauth: undecodable state: %w", err)
	}
	var payload struct {
		Server string `json:"server"`
		Nonce  string `json:"nonce"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("oauth: malformed state payload: %w", err)
	}
	if payload.Server == "" {
		return "", fmt.Errorf("oauth: state payload names no server")
	}
	return payload.Server, nil
}
