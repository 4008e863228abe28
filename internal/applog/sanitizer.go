package applog

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// secretSanitizer wraps a zapcore.Core and masks OAuth tokens and other
// bearer-style secrets before they reach any sink. It exists to uphold the
// invariant that an OAuthConfig.accessToken is never written to a log line,
// console or file, regardless of which component logged it.
// globalSecrets holds values registered via RegisterSecret, shared by every
// sanitizer instance in the process. No code outside this package calls
// RegisterSecret, so an OAuth token is masked only where it appears in the
// Bearer or JWT shape that the patterns below recognise.
var globalSecrets sync.Map

// RegisterSecret marks value for masking in all subsequent log output.
func RegisterSecret(value string) {
	if len(value) < 6 {
		return
	}
	globalSecrets.Store(value, struct{}{})
}

type secretSanitizer struct {
	zapcore.Core
	patterns []secretPattern
	resolved *sync.Map
}

type secretPattern struct {
	regex    *regexp.Regexp
	maskFunc func(string) string
}

func newSecretSanitizer(core zapcore.Core) *secretSanitizer {
	return &secretSanitizer{
		Core:     core,
		resolved: &sync.Map{},
		patterns: []secretPattern{
			{
				// OAuth2 bearer tokens, the "Authorization: Bearer <token>" shape.
				regex: regexp.MustCompile(`\b(Bearer\s+[A-Za-z0-9\-._~+/]+=*)\b`),
				maskFunc: func(token string) string {
					parts := strings.SplitN(token, " ", 2)
					if len(parts) != 2 || len(parts[1]) <= 4 {
						return "Bearer ****"
					}
					return "Bearer " + parts[1][:4] + "***" + parts[1][len(parts[1])-2:]
				},
			},
			{
				// JWT access/id tokens.
				regex: regexp.MustCompile(`\b(eyJ[A-Za-z0-9\-_]+\.eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+)\b`),
				maskFunc: func(jwt string) string {
					parts := strings.Split(jwt, ".")
					if len(parts) != 3 || len(parts[2]) < 4 {
						return "****"
					}
					return parts[0] + ".***." + parts[2][len(parts[2])-4:]
				},
			},
		},
	}
}

// registerSecret marks a concrete value (an access token, a refresh token, a
// client secret) for masking wherever it appears verbatim in a log line,
// even outside the shapes the regex patterns recognize.
func (s *secretSanitizer) registerSecret(value string) {
	if len(value) < 6 {
		return
	}
	s.resolved.Store(value, struct{}{})
}

func (s *secretSanitizer) sanitize(str string) string {
	result := str
	mask := func(key, _ interface{}) bool {
		secret := key.(string)
		result = strings.ReplaceAll(result, secret, maskValue(secret))
		return true
	}
	s.resolved.Range(mask)
	globalSecrets.Range(mask)
	for _, p := range s.patterns {
		result = p.regex.ReplaceAllStringFunc(result, p.maskFunc)
	}
	return result
}

func (s *secretSanitizer) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Message = s.sanitize(entry.Message)
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = s.sanitizeField(f)
	}
	return s.Core.Write(entry, out)
}

func (s *secretSanitizer) sanitizeField(f zapcore.Field) zapcore.Field {
	switch f.Type {
	case zapcore.StringType:
		f.String = s.sanitize(f.String)
	case zapcore.ByteStringType:
		if b, ok := f.Interface.([]byte); ok {
			f.Interface = []byte(s.sanitize(string(b)))
		}
	}
	return f
}

func (s *secretSanitizer) With(fields []zapcore.Field) zapcore.Core {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = s.sanitizeField(f)
	}
	return &secretSanitizer{Core: s.Core.With(out), patterns: s.patterns, resolved: s.resolved}
}

func (s *secretSanitizer) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(entry.Level) {
		return ce.AddCore(entry, s)
	}
	return ce
}

func maskValue(value string) string {
	if len(value) <= 5 {
		return "****"
	}
	if len(value) <= 8 {
		return value[:2] + "****"
	}
	return value[:3] + "***" + value[len(value)-2:]
}
