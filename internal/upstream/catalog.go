package upstream

import "encoding/json"

// QualifiedTool is a tool catalog entry namespaced with its owning server
// (spec.md Invariant 2: "<serverName><sep><toolName>"), the shape every
// RequestDispatcher tools/list response is built from.
type QualifiedTool struct {
	ServerName  string          `json:"serverName"`
	ToolName    string          `json:"toolName"`
	Qualified   string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// QualifiedPrompt mirrors QualifiedTool for prompts/list.
type QualifiedPrompt struct {
	ServerName  string `json:"serverName"`
	PromptName  string `json:"promptName"`
	Qualified   string `json:"name"`
	Description string `json:"description,omitempty"`
}

// QualifiedResource mirrors QualifiedTool for resources/list. Resources are
// identified by URI, not a namespaced name, so it carries ServerName
// alongside the URI for scope filtering rather than a qualified string.
type QualifiedResource struct {
	ServerName  string `json:"serverName"`
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Filter narrows a catalog listing to a specific set of server names. A
// nil or empty Servers means "no restriction" (global scope).
type Filter struct {
	Servers []string
}

func (f Filter) allows(serverName string) bool {
	if len(f.Servers) == 0 {
		return true
	}
	for _, s := range f.Servers {
		if s == serverName {
			return true
		}
	}
	return false
}

func qualify(separator, serverName, name string) string {
	return serverName + separator + name
}

// Split divides a qualified name at the first occurrence of separator,
// per spec.md Invariant 2: "the first occurrence of <sep> is the split
// point." Returns ok=false if separator does not appear.
func Split(separator, qualified string) (serverName, name string, ok bool) {
	idx := indexOf(qualified, separator)
	if idx < 0 {
		return "", "", false
	}
	return qualified[:idx], qualified[idx+len(separator):], true
}

func indexOf(s, sep string) int {
	if sep == "" {
		return -1
	}
	for i := 0; i+len(sep) <= len(s); i++ {
		if s[i:i+len(sep)] == sep {
			return i
		}
	}
	return -1
}
