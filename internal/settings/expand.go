package settings

import (
	"os"
	"regexp"
)

// envVarPattern matches ${NAME} or $NAME where NAME is [A-Z_][A-Z0-9_]*,
// per spec.md §4.1's expansion grammar.
var envVarPattern = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}|\$([A-Z_][A-Z0-9_]*)`)

// expandString substitutes every ${NAME}/$NAME reference in s with
// lookupEnv(NAME), using "" for an unset variable. Non-matching text is
// left untouched.
func expandString(s string, lookupEnv func(string) string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name := sub[1]
		if name == "" {
			name = sub[2]
		}
		return lookupEnv(name)
	})
}

// expandValue recursively expands every string leaf in an arbitrary JSON
// value (as produced by encoding/json's map[string]interface{} decoding).
// Numbers, booleans and null pass through untouched, matching spec.md
// §4.1: "Non-string leaves ... are preserved".
func expandValue(v interface{}, lookupEnv func(string) string) interface{} {
	switch val := v.(type) {
	case string:
		return expandString(val, lookupEnv)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = expandValue(elem, lookupEnv)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			out[k] = expandValue(elem, lookupEnv)
		}
		return out
	default:
		return val
	}
}

// ExpandEnv returns a copy of a Settings document with every string field's
// ${NAME}/$NAME references expanded against os.LookupEnv; doc itself is not
// modified. It operates via
// a generic JSON round-trip so that new fields added to the document shape
// are expanded automatically without updating this function.
func ExpandEnv(doc *Settings) (*Settings, error) {
	return expandSettings(doc, func(name string) string {
		v, _ := os.LookupEnv(name)
		return v
	})
}

func expandSettings(doc *Settings, lookupEnv func(string) string) (*Settings, error) {
	raw, err := toGenericJSON(doc)
	if err != nil {
		return nil, err
	}
	expanded := expandValue(raw, lookupEnv)
	out := &Settings{}
	if err := fromGenericJSON(expanded, out); err != nil {
		return nil, err
	}
	return out, nil
}
