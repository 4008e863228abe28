// Package settings owns the MCPHub configuration document: parsing,
// environment-variable expansion, validation, atomic persistence, and
// change notification. It is the sole source of truth consumed by every
// other component (upstream, oauth, session, dispatch).
package settings

import (
	"encoding/json"
	"time"
)

// ServerType identifies the upstream transport a ServerConfig describes.
type ServerType string

const (
	ServerTypeStdio          ServerType = "stdio"
	ServerTypeSSE             ServerType = "sse"
	ServerTypeStreamableHTTP  ServerType = "streamable-http"
	ServerTypeOpenAPI         ServerType = "openapi"
)

// ToolOptions bounds how long the dispatcher waits on an upstream call and
// whether progress notifications extend that deadline.
type ToolOptions struct {
	TimeoutMs             int  `json:"timeoutMs,omitempty"`
	ResetTimeoutOnProgress bool `json:"resetTimeoutOnProgress,omitempty"`
	MaxTotalTimeoutMs      int  `json:"maxTotalTimeoutMs,omitempty"`
}

// ToolSetting is the per-tool enable flag and optional description override
// carried in ServerConfig.Tools.
type ToolSetting struct {
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
}

// OAuthConfig mirrors spec.md §3's OAuthConfig exactly: static token,
// dynamic client registration, and PKCE pending-authorization fields all
// live on one struct so a server can move through its lifecycle without
// changing shape.
type OAuthConfig struct {
	ClientID              string                 `json:"clientId,omitempty"`
	ClientSecret          string                 `json:"clientSecret,omitempty"`
	Scopes                []string               `json:"scopes,omitempty"`
	AccessToken           string                 `json:"accessToken,omitempty"`
	RefreshToken          string                 `json:"refreshToken,omitempty"`
	AuthorizationEndpoint string                 `json:"authorizationEndpoint,omitempty"`
	TokenEndpoint         string                 `json:"tokenEndpoint,omitempty"`
	Resource              string                 `json:"resource,omitempty"`
	DynamicRegistration   *DynamicRegistration   `json:"dynamicRegistration,omitempty"`
	PendingAuthorization  *PendingAuthorization  `json:"pendingAuthorization,omitempty"`
}

// DynamicRegistration configures RFC 7591 client registration.
type DynamicRegistration struct {
	Enabled              bool                   `json:"enabled"`
	Issuer               string                 `json:"issuer,omitempty"`
	RegistrationEndpoint string                 `json:"registrationEndpoint,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
	InitialAccessToken   string                 `json:"initialAccessToken,omitempty"`
}

// PendingAuthorization is the persisted intermediate state of an
// authorization-code-with-PKCE flow awaiting its callback.
type PendingAuthorization struct {
	AuthorizationURL string    `json:"authorizationUrl"`
	State            string    `json:"state"`
	CodeVerifier     string    `json:"codeVerifier"`
	CreatedAt        time.Time `json:"createdAt"`
}

// OpenAPIConfig describes the openapi ServerConfig variant: an upstream
// synthesized from an OpenAPI document rather than spoken to directly.
type OpenAPIConfig struct {
	URL                string   `json:"url,omitempty"`
	Schema             string   `json:"schema,omitempty"`
	Version            string   `json:"version,omitempty"`
	Security           string   `json:"security,omitempty"`
	PassthroughHeaders []string `json:"passthroughHeaders,omitempty"`
}

// ServerConfig is the tagged-variant upstream server document from
// spec.md §3. Only the fields relevant to Type are expected to be
// populated; the others are the zero value.
type ServerConfig struct {
	Type ServerType `json:"type"`

	// Enabled is tri-state: nil (absent in JSON) means enabled.
	Enabled *bool        `json:"enabled,omitempty"`
	Options *ToolOptions `json:"options,omitempty"`

	Tools   map[string]ToolSetting `json:"tools,omitempty"`
	Prompts map[string]ToolSetting `json:"prompts,omitempty"`

	OAuth *OAuthConfig `json:"oauth,omitempty"`

	// stdio
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// sse / streamable-http
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// openapi
	OpenAPI *OpenAPIConfig `json:"openapi,omitempty"`
}

// IsEnabled reports whether the server should be connected; a config
// that never mentions `enabled` is enabled.
func (c *ServerConfig) IsEnabled() bool {
	return c != nil && (c.Enabled == nil || *c.Enabled)
}

// Bool returns a pointer to v, for the tri-state `enabled` field.
func Bool(v bool) *bool { return &v }

// GroupMember is either a bare server name or a server name scoped to a
// tool allowlist, per spec.md §3's `members` union.
type GroupMember struct {
	Name  string   `json:"name"`
	Tools string   `json:"tools,omitempty"` // "all" or empty to mean "all"
	Allow []string `json:"-"`               // populated when Tools is an explicit list in JSON
}

// UnmarshalJSON accepts either a bare string (server name) or an object
// {name, tools}, matching the spec's union member shape.
func (m *GroupMember) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		m.Name = name
		m.Tools = "all"
		return nil
	}

	var obj struct {
		Name  string          `json:"name"`
		Tools json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	m.Name = obj.Name

	if len(obj.Tools) == 0 {
		m.Tools = "all"
		return nil
	}

	var asString string
	if err := json.Unmarshal(obj.Tools, &asString); err == nil {
		m.Tools = asString
		return nil
	}

	var asList []string
	if err := json.Unmarshal(obj.Tools, &asList); err != nil {
		return err
	}
	m.Allow = asList
	m.Tools = ""
	return nil
}

// MarshalJSON renders a plain-"all" member as a bare string for a tidy
// round trip, and an explicit allowlist as {name, tools: [...]}.
func (m GroupMember) MarshalJSON() ([]byte, error) {
	if len(m.Allow) == 0 && (m.Tools == "all" || m.Tools == "") {
		return json.Marshal(m.Name)
	}
	obj := struct {
		Name  string      `json:"name"`
		Tools interface{} `json:"tools"`
	}{Name: m.Name}
	if len(m.Allow) > 0 {
		obj.Tools = m.Allow
	} else {
		obj.Tools = m.Tools
	}
	return json.Marshal(obj)
}

// AllowsTool reports whether toolName passes this member's filter.
func (m GroupMember) AllowsTool(toolName string) bool {
	if len(m.Allow) == 0 {
		return true // "all"
	}
	for _, t := range m.Allow {
		if t == toolName {
			return true
		}
	}
	return false
}

// Group is a named collection of servers (or server+tool-filter pairs)
// addressable as a single routing scope.
type Group struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Members     []GroupMember `json:"members"`
}

// User is a hub account. PasswordHash is opaque to this package; the
// out-of-scope REST/dashboard layer owns authentication UX.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"`
	IsAdmin      bool   `json:"isAdmin"`
}

// RoutingConfig controls URL-scope grammar and downstream bearer auth.
type RoutingConfig struct {
	EnableGlobalRoute    bool   `json:"enableGlobalRoute"`
	EnableGroupNameRoute bool   `json:"enableGroupNameRoute"`
	EnableBearerAuth     bool   `json:"enableBearerAuth"`
	BearerAuthKey        string `json:"bearerAuthKey,omitempty"`
	SkipAuth             bool   `json:"skipAuth"`
}

// SmartRoutingConfig toggles the search_tools/call_tool meta-tool scope.
type SmartRoutingConfig struct {
	Enabled            bool    `json:"enabled"`
	SimilarityThreshold float64 `json:"similarityThreshold,omitempty"`
	DefaultLimit       int     `json:"defaultLimit,omitempty"`
	MaxLimit           int     `json:"maxLimit,omitempty"`
}

// ProviderConfig configures the optional OAuth authorization-proxy role
// (systemConfig.oauth in spec.md §3/§6).
type ProviderConfig struct {
	Enabled  bool   `json:"enabled"`
	Issuer   string `json:"issuer,omitempty"`
}

// SystemConfig is the global routing/smart-routing/oauth-proxy policy.
type SystemConfig struct {
	Routing      RoutingConfig       `json:"routing"`
	SmartRouting SmartRoutingConfig  `json:"smartRouting"`
	OAuth        *ProviderConfig     `json:"oauth,omitempty"`
}

// Settings is the full configuration document: the single source of truth
// for every other component.
type Settings struct {
	MCPServers  map[string]*ServerConfig `json:"mcpServers"`
	Users       []User                   `json:"users"`
	Groups      map[string]*Group        `json:"groups"`
	System      SystemConfig             `json:"systemConfig"`
	UserConfigs map[string]SystemConfig  `json:"userConfigs,omitempty"`

	// Ambient fields the teacher's Config carries that this expansion
	// keeps because the CLI/storage/logging stack needs them; they are
	// not part of spec.md §3's documented shape but don't change its
	// semantics.
	DataDir    string       `json:"dataDir,omitempty"`
	ListenAddr string       `json:"listenAddr,omitempty"`
	Logging    *LogSettings `json:"logging,omitempty"`

	// QualifiedNameSeparator is spec.md Invariant 2's configurable,
	// non-empty <sep>; defaults to "::".
	QualifiedNameSeparator string `json:"qualifiedNameSeparator,omitempty"`
}

// LogSettings is the logging section carried in the settings document.
// cmd/mcphub builds its logger from the --log-level/--log-json flags and
// NODE_ENV before the document is loaded, and does not read this section.
type LogSettings struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "console" | "json"
}

// Separator returns the configured qualified-name separator, defaulting
// to "::" when unset (spec.md Invariant 2).
func (s *Settings) Separator() string {
	if s == nil || s.QualifiedNameSeparator == "" {
		return "::"
	}
	return s.QualifiedNameSeparator
}

// Default returns an empty-but-valid Settings document: the "missing
// file is not fatal" synthesis path from spec.md §4.1.
func Default() *Settings {
	return &Settings{
		MCPServers: map[string]*ServerConfig{},
		Users:      []User{},
		Groups:     map[string]*Group{},
		System: SystemConfig{
			Routing: RoutingConfig{
				EnableGlobalRoute:    true,
				EnableGroupNameRoute: true,
			},
			SmartRouting: SmartRoutingConfig{
				Enabled:             true,
				SimilarityThreshold: 0.25,
				DefaultLimit:        10,
				MaxLimit:            50,
			},
		},
		QualifiedNameSeparator: "::",
	}
}
