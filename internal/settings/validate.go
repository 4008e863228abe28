package settings

import "fmt"

// ValidationError names the offending field the way the teacher's
// config.ValidationError does, for structured reporting back to a Save
// caller.
type ValidationError struct {
	Field   string
	Message string
}

func (v ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// Validate checks structural invariants before a document is persisted:
// every server name is unique and non-empty, every ServerConfig carries
// the fields its Type requires, and every group only references the
// members it names. Grounded on the teacher's config.ValidateDetailed.
func Validate(doc *Settings) error {
	errs := ValidateDetailed(doc)
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// ValidateDetailed returns every validation error found, rather than only
// the first, mirroring the teacher's detailed-validation convention.
func ValidateDetailed(doc *Settings) []ValidationError {
	var errs []ValidationError

	if doc == nil {
		return []ValidationError{{Field: "settings", Message: "document is nil"}}
	}

	for name, server := range doc.MCPServers {
		prefix := fmt.Sprintf("mcpServers[%s]", name)
		if name == "" {
			errs = append(errs, ValidationError{Field: prefix, Message: "server name must not be empty"})
		}
		errs = append(errs, validateServer(prefix, server)...)
	}

	for id, group := range doc.Groups {
		prefix := fmt.Sprintf("groups[%s]", id)
		if group.ID != "" && group.ID != id {
			errs = append(errs, ValidationError{Field: prefix + ".id", Message: "group id must match its map key"})
		}
		for i, member := range group.Members {
			if member.Name == "" {
				errs = append(errs, ValidationError{Field: fmt.Sprintf("%s.members[%d]", prefix, i), Message: "member name must not be empty"})
			}
		}
	}

	if doc.QualifiedNameSeparator == "" {
		// empty is tolerated here; Separator() supplies the "::" default.
		_ = doc.QualifiedNameSeparator
	}

	return errs
}

func validateServer(prefix string, server *ServerConfig) []ValidationError {
	var errs []ValidationError
	if server == nil {
		return []ValidationError{{Field: prefix, Message: "server config must not be nil"}}
	}

	switch server.Type {
	case ServerTypeStdio:
		if server.Command == "" {
			errs = append(errs, ValidationError{Field: prefix + ".command", Message: "command is required for stdio servers"})
		}
	case ServerTypeSSE, ServerTypeStreamableHTTP:
		if server.URL == "" {
			errs = append(errs, ValidationError{Field: prefix + ".url", Message: fmt.Sprintf("url is required for %s servers", server.Type)})
		}
	case ServerTypeOpenAPI:
		if server.OpenAPI == nil || (server.OpenAPI.URL == "" && server.OpenAPI.Schema == "") {
			errs = append(errs, ValidationError{Field: prefix + ".openapi", Message: "one of openapi.url or openapi.schema is required"})
		}
	default:
		errs = append(errs, ValidationError{Field: prefix + ".type", Message: fmt.Sprintf("unknown server type %q", server.Type)})
	}

	return errs
}
