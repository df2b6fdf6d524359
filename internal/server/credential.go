package server

import (
	"context"
	"net/http"
	"strings"
)

// APIKeyHeader lets a caller supply its own upstream credential.
const APIKeyHeader = "X-Anthropic-Api-Key"

type apiKeyContextKey struct{}

// CredentialMiddleware moves a caller-supplied upstream key from the
// X-Anthropic-Api-Key header into the request context. The header is
// stripped either way; when allow is false it is ignored.
func CredentialMiddleware(allow bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(APIKeyHeader))
			r.Header.Del(APIKeyHeader)
			if allow && key != "" {
				r = r.WithContext(WithAPIKey(r.Context(), key))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithAPIKey returns a context carrying a request-scoped upstream key.
func WithAPIKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, apiKeyContextKey{}, key)
}

// APIKeyFromContext returns the request-scoped upstream key, if any.
func APIKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(apiKeyContextKey{}).(string)
	return key
}
