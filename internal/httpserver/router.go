package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zpulse/internal/domain"
	"zpulse/internal/security"
	"zpulse/internal/service"
	"zpulse/internal/ws"
)

// Deps are the services the router exposes.
type Deps struct {
	Participants *service.ParticipantService
	Backfill     *service.BackfillService
	Analytics    *service.AnalyticsService
	Imports      *service.ImportService
	Ingest       *service.IngestService
	Chats        *service.ChatService

	Hub       *ws.Hub
	JobLookup ws.JobLookup
	// Tokens is nil when token checking is disabled.
	Tokens *security.TokenService
	Logger *slog.Logger

	CORSOrigins  []string
	AsyncImports bool
	Version      string
}

var validate = validator.New()

// NewRouter constructs the main HTTP router and wires routes and middleware.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	// Middlewares
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(d.Logger))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "zpulse engagement API", "version": d.Version})
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/orgs/{orgID}", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(AuthMiddleware(d.Tokens))
		r.Use(RequireOrgAccess)

		r.Route("/participants", func(r chi.Router) {
			r.Get("/", handleListParticipants(d.Participants))
			r.Get("/duplicates", handleListDuplicates(d.Participants))
			r.Post("/{participantID}/merge", handleMergeParticipant(d.Participants))
		})
		r.Post("/backfill", handleBackfill(d.Backfill))

		r.Route("/chats", func(r chi.Router) {
			r.Get("/", handleListChats(d.Chats))
			r.Post("/", handleConnectChat(d.Chats))
			r.Get("/{chatID}/analytics", handleAnalytics(d.Analytics, d.Chats))
			r.Post("/{chatID}/imports", handleCreateImport(d.Imports, d.AsyncImports))
		})
		r.Get("/imports/{importID}", handleGetImport(d.Imports))
		r.Post("/events", handleIngestEvent(d.Ingest))
	})

	// WebSocket endpoint
	r.Get("/ws", ws.MakeHandler(d.Hub, d.Tokens, d.JobLookup, d.CORSOrigins))

	return r
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps domain sentinels to HTTP status codes. Unexpected errors
// are logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrDuplicate), errors.Is(err, domain.ErrMergeCycle):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrDatabaseConnection):
		status = http.StatusServiceUnavailable
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a JSON body into v and validates its tags.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<20)).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", domain.ErrInvalidInput)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// RequestLogger logs one line per request with slog.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
