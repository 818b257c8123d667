package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"zpulse/internal/domain"
	"zpulse/internal/service"
)

type importResponse struct {
	ImportID string               `json:"import_id"`
	Status   string               `json:"status"`
	Summary  domain.ImportSummary `json:"summary"`
	Error    *string              `json:"error,omitempty"`
}

func importResponseOf(job *domain.ImportJob) importResponse {
	return importResponse{
		ImportID: job.ID,
		Status:   job.Status,
		Summary:  job.Summary(),
		Error:    job.ErrorMessage,
	}
}

// handleCreateImport runs the import inline unless async is set, in which
// case it answers 202 with the queued job.
func handleCreateImport(svc *service.ImportService, async bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID, err := chatIDParam(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		var payload service.ImportPayload
		if err := decodeJSON(w, r, &payload); err != nil {
			writeError(w, r, err)
			return
		}

		job, err := svc.Submit(r.Context(), chi.URLParam(r, "orgID"), chatID, payload, async)
		if err != nil {
			if job == nil {
				writeError(w, r, err)
				return
			}
			slog.ErrorContext(r.Context(), "import failed", "import_id", job.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, importResponseOf(job))
			return
		}

		status := http.StatusOK
		if job.Status == domain.ImportPending {
			status = http.StatusAccepted
		}
		writeJSON(w, status, importResponseOf(job))
	}
}

func handleGetImport(svc *service.ImportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := svc.Get(r.Context(), chi.URLParam(r, "orgID"), chi.URLParam(r, "importID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, importResponseOf(job))
	}
}
