package httpserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"zpulse/internal/security"
)

type contextKey string

const claimsContextKey contextKey = "serviceClaims"

// WithClaims returns a new context carrying the caller's token claims.
func WithClaims(ctx context.Context, claims *security.ServiceClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// CurrentClaims extracts the caller's claims from context, if any.
func CurrentClaims(r *http.Request) *security.ServiceClaims {
	if v := r.Context().Value(claimsContextKey); v != nil {
		if c, ok := v.(*security.ServiceClaims); ok {
			return c
		}
	}
	return nil
}

// AuthMiddleware validates the Bearer token and attaches its claims to the
// context. A nil TokenService disables the check.
func AuthMiddleware(tokens *security.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if tokens == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid Authorization header"})
				return
			}
			tokenStr := strings.TrimSpace(authHeader[len("Bearer "):])

			claims, err := tokens.Parse(tokenStr)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireOrgAccess rejects callers whose token does not list the {orgID}
// path parameter. Requests without claims pass through.
func RequireOrgAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := CurrentClaims(r)
		if claims != nil && !claims.CanAccess(chi.URLParam(r, "orgID")) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "organization not accessible"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
