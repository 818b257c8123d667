package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"zpulse/internal/domain"
	"zpulse/internal/service"
)

func handleIngestEvent(svc *service.IngestService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var raw domain.RawEvent
		if err := decodeJSON(w, r, &raw); err != nil {
			writeError(w, r, err)
			return
		}
		res, err := svc.Ingest(r.Context(), chi.URLParam(r, "orgID"), raw, service.TransportHTTP)
		if err != nil {
			writeError(w, r, err)
			return
		}
		status := http.StatusCreated
		if res.Duplicate {
			status = http.StatusOK
		}
		writeJSON(w, status, res)
	}
}
