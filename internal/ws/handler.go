package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"zpulse/internal/domain"
	"zpulse/internal/security"
	"zpulse/internal/service"
)

// JobLookup loads an import job by ID regardless of organization.
type JobLookup func(ctx context.Context, importID string) (*domain.ImportJob, error)

type wsAuthError struct {
	status int
	msg    string
}

func (e wsAuthError) Error() string {
	return e.msg
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

// makeCheckOrigin accepts requests without an Origin header (service
// clients), any origin when "*" is configured, and the listed origins.
func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	_, wildcard := allowed["*"]

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" || wildcard {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}

func extractTokenFromWSRequest(r *http.Request) (string, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("Bearer "):])
		if token != "" {
			return token, nil
		}
	}

	protocolHeader := r.Header.Get("Sec-WebSocket-Protocol")
	if protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") {
			token := parts[1]
			if token != "" {
				return token, nil
			}
		}
	}

	return "", wsAuthError{status: http.StatusUnauthorized, msg: "missing bearer token"}
}

// MakeHandler returns an HTTP handler for the /ws endpoint. The client names
// the import with ?import_id=; the current state is sent on connect and every
// later checkpoint is pushed by the hub. With tokens nil authentication is
// skipped, otherwise the bearer token must grant the import's organization.
func MakeHandler(hub *Hub, tokens *security.TokenService, jobs JobLookup, allowedOrigins []string) http.HandlerFunc {
	checkOrigin := makeCheckOrigin(allowedOrigins)
	upgrader := websocket.Upgrader{
		CheckOrigin:  checkOrigin,
		Subprotocols: []string{"bearer"},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if !checkOrigin(r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		importID := strings.TrimSpace(r.URL.Query().Get("import_id"))
		if importID == "" {
			http.Error(w, "import_id is required", http.StatusBadRequest)
			return
		}

		var claims *security.ServiceClaims
		if tokens != nil {
			tokenStr, err := extractTokenFromWSRequest(r)
			if err != nil {
				var authErr wsAuthError
				if errors.As(err, &authErr) {
					http.Error(w, authErr.msg, authErr.status)
					return
				}
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if claims, err = tokens.Parse(tokenStr); err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
		}

		job, err := jobs(r.Context(), importID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				http.Error(w, "import not found", http.StatusNotFound)
				return
			}
			http.Error(w, "load import", http.StatusInternalServerError)
			return
		}
		if claims != nil && !claims.CanAccess(job.OrgID) {
			http.Error(w, "import not found", http.StatusNotFound)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		greeting := progressMessage(service.ImportProgress{
			ImportID:  job.ID,
			Status:    job.Status,
			Processed: job.ProcessedOffset,
			Total:     job.TotalEvents,
			Summary:   job.Summary(),
			Error:     derefString(job.ErrorMessage),
		})
		if err := hub.Register(importID, conn, greeting); err != nil {
			return
		}
		defer hub.Unregister(importID, conn)

		// Drain client frames until the peer goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
