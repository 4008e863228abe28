package oauth

import "strings"

// maskOAuthSecret masks a secret for log output, keeping the first 3 and
// last 4 characters so two values remain distinguishable without being
// recoverable. Anything 8 characters or shorter is masked entirely. The
// coordinator runs every client secret and token it logs through this
// (spec.md §3 Invariant 4: accessToken is never logged).
func maskOAuthSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	// Show first 3 and last 4 chars: "abc***xyz9"
	return secret[:3] + "***" + secret[len(secret)-4:]
}

// isResourceParam reports whether an authorization-URL parameter names a
// public resource endpoint. Resource/audience values are public URLs, so
// log lines keep them readable in full.
func isResourceParam(key string) bool {
	keyLower := strings.ToLower(key)
	return strings.HasPrefix(keyLower, "resource") || keyLower == "audience"
}

// maskExtraParams applies selective masking to a set of authorization
// parameters before they reach a log line: resource/audience values pass
// through, keys that look secret-bearing are masked entirely, and
// everything else is partially masked as a precaution.
func maskExtraParams(params map[string]string) map[string]string {
	if len(params) == 0 {
		return params
	}

	masked := make(map[string]string, len(params))
	for k, v := range params {
		switch {
		case isResourceParam(k):
			masked[k] = v
		case containsSensitiveKeyword(k):
			masked[k] = "***"
		default:
			masked[k] = maskOAuthSecret(v)
		}
	}
	return masked
}

// containsSensitiveKeyword reports whether a parameter key matches the
// usual secret-bearing naming patterns.
func containsSensitiveKeyword(key string) bool {
	keyLower := strings.ToLower(key)
	sensitiveKeywords := []string{"key", "secret", "token", "password", "credential"}

	for _, keyword := range sensitiveKeywords {
		if strings.Contains(keyLower, keyword) {
			return true
		}
	}
	return false
}
