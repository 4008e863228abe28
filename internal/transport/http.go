package transport

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mcphub-dev/mcphub/internal/settings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"go.uber.org/zap"
)

const (
	TransportStreamableHTTP = "streamable-http"
	TransportSSE            = "sse"
	TransportStdio          = "stdio"
	TransportOpenAPI        = "openapi"
)

// HTTPConfig holds the parameters needed to dial an sse/streamable-http
// upstream, including an optional bearer token supplied by the
// OAuthCoordinator for the current call.
type HTTPConfig struct {
	URL         string
	Headers     map[string]string
	BearerToken string
}

func (c *HTTPConfig) headersWithAuth() map[string]string {
	if c.BearerToken == "" {
		return c.Headers
	}
	headers := make(map[string]string, len(c.Headers)+1)
	for k, v := range c.Headers {
		headers[k] = v
	}
	headers["Authorization"] = "Bearer " + c.BearerToken
	return headers
}

// NewHTTPConfig derives an HTTPConfig from a settings.ServerConfig.
func NewHTTPConfig(server *settings.ServerConfig, bearerToken string) *HTTPConfig {
	return &HTTPConfig{URL: server.URL, Headers: server.Headers, BearerToken: bearerToken}
}

// CreateStreamableHTTPClient dials the streamable-HTTP transport variant
// (spec.md §4.2: bidirectional HTTP framed transport, mcp-session-id
// correlation handled by mark3labs/mcp-go/client internally).
func CreateStreamableHTTPClient(cfg *HTTPConfig, logger *zap.Logger) (*client.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("transport: no URL specified for streamable-http upstream")
	}

	headers := cfg.headersWithAuth()

	var httpTransport *transport.StreamableHTTP
	var err error
	if len(headers) > 0 {
		httpTransport, err = transport.NewStreamableHTTP(cfg.URL,
			transport.WithHTTPHeaders(headers),
			transport.WithHTTPTimeout(180*time.Second))
	} else {
		httpTransport, err = transport.NewStreamableHTTP(cfg.URL,
			transport.WithHTTPTimeout(180*time.Second))
	}
	if err != nil {
		return nil, fmt.Errorf("transport: create streamable-http transport: %w", err)
	}
	logger.Debug("dialing streamable-http upstream", zap.String("url", cfg.URL))
	return client.NewClient(httpTransport), nil
}

// CreateSSEClient dials the one-way SSE transport variant (spec.md §4.2):
// a long-lived GET stream plus POSTs to the `endpoint` URL discovered from
// the stream's opening event.
func CreateSSEClient(cfg *HTTPConfig, logger *zap.Logger) (*client.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("transport: no URL specified for sse upstream")
	}

	httpClient := &http.Client{
		Timeout: 180 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			DisableKeepAlives:   false,
			MaxIdleConnsPerHost: 5,
		},
	}

	opts := []transport.ClientOption{client.WithHTTPClient(httpClient)}
	headers := cfg.headersWithAuth()
	if len(headers) > 0 {
		opts = append(opts, client.WithHeaders(headers))
	}

	logger.Debug("dialing sse upstream", zap.String("url", cfg.URL))
	sseClient, err := client.NewSSEMCPClient(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: create sse client: %w", err)
	}
	return sseClient, nil
}

// DetermineTransportType resolves the dial strategy for server from its
// declared settings.ServerType.
func DetermineTransportType(server *settings.ServerConfig) string {
	switch server.Type {
	case settings.ServerTypeStdio:
		return TransportStdio
	case settings.ServerTypeSSE:
		return TransportSSE
	case settings.ServerTypeOpenAPI:
		return TransportOpenAPI
	default:
		return TransportStreamableHTTP
	}
}
