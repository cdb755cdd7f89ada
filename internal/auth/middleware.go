package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/awebai/aweb/internal/errs"
)

type contextKey struct{}

// ContextKey carries the authenticated Principal in a request context.
var ContextKey = contextKey{}

// Middleware authenticates every request and injects the Principal into the
// request context. Unauthenticated requests get 401.
func Middleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := svc.Authenticate(r.Context(), r)
			if err != nil {
				status := http.StatusUnauthorized
				if !errs.Is(err, errs.Unauthenticated) {
					status = http.StatusInternalServerError
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				json.NewEncoder(w).Encode(map[string]string{"error": errs.Message(err)})
				return
			}
			ctx := context.WithValue(r.Context(), ContextKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipal extracts the Principal from the request context.
func GetPrincipal(ctx context.Context) *Principal {
	p, _ := ctx.Value(ContextKey).(*Principal)
	return p
}
