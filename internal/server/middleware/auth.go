package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/marketdesk/internal/domain"
)

type userKey struct{}

// WithUser returns a copy of ctx carrying userID as the signed-in user.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the signed-in user stored by Session, if any.
func UserFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok && id != ""
}

// ContextIdentity reports the user that Session resolved for the request.
type ContextIdentity struct{}

// CurrentUser implements view.Identity.
func (ContextIdentity) CurrentUser(ctx context.Context) (string, bool) {
	return UserFrom(ctx)
}

// Session returns middleware that resolves a bearer token to a user id
// through the session store and stores it in the request context. Tokens are
// issued elsewhere; an unknown or expired token, or a store failure, leaves
// the request anonymous. Handlers decide whether anonymity is acceptable.
func Session(sessions domain.SessionStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" || sessions == nil {
				next.ServeHTTP(w, r)
				return
			}

			userID, err := sessions.Lookup(r.Context(), token)
			switch {
			case err == nil:
				r = r.WithContext(WithUser(r.Context(), userID))
			case errors.Is(err, domain.ErrNotFound):
			default:
				logger.WarnContext(r.Context(), "session lookup failed",
					slog.String("error", err.Error()),
				)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireUser rejects anonymous requests with 401.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserFrom(r.Context()); !ok {
			writeUnauthorized(w, "sign in required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or, for websocket upgrades that cannot set headers, in the token query
// parameter.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
