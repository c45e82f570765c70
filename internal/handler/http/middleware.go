package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/iotyro/cartsync/internal/auth"
	cartsync "github.com/iotyro/cartsync/internal/sync"
)

// contextKey is an unexported type for context keys to prevent collisions.
type contextKey string

const principalKey contextKey = "principal"

// ResolvePrincipal is middleware that identifies the cart owner: a Bearer
// token names the user, the X-Session-ID header names the guest session.
// Either alone is enough; both together is the post-sign-in state that merge
// relies on. A request carrying neither is given a fresh session ID, echoed
// back in the X-Session-ID response header so the client can keep it. A
// token that fails verification is rejected rather than silently downgraded
// to a guest.
func ResolvePrincipal(verifier *auth.Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := cartsync.Principal{SessionID: r.Header.Get("X-Session-ID")}

			if ah := r.Header.Get("Authorization"); ah != "" {
				token, ok := strings.CutPrefix(ah, "Bearer ")
				if !ok {
					writeJSON(w, http.StatusUnauthorized, response{
						Error: &errorResponse{Code: "UNAUTHORIZED", Message: "authorization header must be a bearer token"},
					})
					return
				}
				claims, err := verifier.Verify(token)
				if err != nil {
					logger.DebugContext(r.Context(), "rejected bearer token", slog.String("error", err.Error()))
					writeJSON(w, http.StatusUnauthorized, response{
						Error: &errorResponse{Code: "UNAUTHORIZED", Message: "invalid or expired token"},
					})
					return
				}
				p.UserID = claims.UserID
			}

			if p.UserID == "" && p.SessionID == "" {
				p.SessionID = uuid.New().String()
				w.Header().Set("X-Session-ID", p.SessionID)
			}

			ctx := context.WithValue(r.Context(), principalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// principalFromContext extracts the resolved principal from the request context.
func principalFromContext(ctx context.Context) (cartsync.Principal, bool) {
	p, ok := ctx.Value(principalKey).(cartsync.Principal)
	return p, ok
}

// ContentTypeJSON enforces Content-Type: application/json on body-carrying
// methods. Other methods pass through even with a stray body.
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			if ct != "" && !strings.HasPrefix(ct, "application/json") {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnsupportedMediaType)
				_, _ = w.Write([]byte(`{"error":{"code":"UNSUPPORTED_MEDIA_TYPE","message":"Content-Type must be application/json"}}`))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
