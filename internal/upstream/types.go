package upstream

import "encoding/json"

// ToolInfo is the cached catalog entry for one upstream tool, after
// per-tool enable flags and description overrides from
// settings.ServerConfig.Tools have been applied.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// PromptInfo mirrors ToolInfo for the prompts/list catalog.
type PromptInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ResourceInfo mirrors ToolInfo for the resources/list catalog.
type ResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Status is a point-in-time, read-only snapshot of a client's lifecycle
// and catalog, safe to hand to callers outside the registry's lock.
type Status struct {
	Name      string
	State     ConnectionState
	LastError error
	Tools     []ToolInfo
	Prompts   []PromptInfo
	Resources []ResourceInfo
}
