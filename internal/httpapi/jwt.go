package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey int

const subjectContextKey contextKey = iota

// jwtVerifier gates the admin surface with HS256 bearer tokens, matching
// spec.md §4.5's note that the REST layer is "trusted to have already
// gated the request" before SessionManager ever sees it — this is the
// minimal concrete implementation of that trust boundary. An empty
// secret disables verification entirely (every request is accepted as
// subject "local"), for single-operator deployments that rely on
// network isolation instead.
type jwtVerifier struct {
	secret []byte
}

func newJWTVerifier(secret string) *jwtVerifier {
	return &jwtVerifier{secret: []byte(secret)}
}

func (j *jwtVerifier) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(j.secret) == 0 {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectContextKey, "local")))
			return
		}

		header := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			return j.secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}

		subject, err := token.Claims.GetSubject()
		if err != nil || subject == "" {
			http.Error(w, "token missing subject", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectContextKey, subject)))
	})
}
