package api

import (
	"context"
	"net/http"
	"strings"
)

// UserHeader names the header carrying the UID of the user a request is
// made on behalf of. Authentication happens in front of this service.
const UserHeader = "X-Authenticated-User"

type userCtxKey struct{}

// WithUser returns a context carrying the acting user's UID.
func WithUser(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, userCtxKey{}, uid)
}

// UserFromContext returns the acting user's UID, or "" when none was sent.
func UserFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(userCtxKey{}).(string)
	return uid
}

// UserMiddleware stores the value of UserHeader in the request context. The
// UID is recorded in the audit trail only; it grants nothing.
func UserMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid := strings.TrimSpace(r.Header.Get(UserHeader))
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), uid)))
		})
	}
}
