package httpserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"zpulse/internal/service"
)

type mergeRequest struct {
	TargetID string `json:"target_id" validate:"required"`
}

func handleListParticipants(svc *service.ParticipantService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		computeOnly, _ := strconv.ParseBool(r.URL.Query().Get("compute_only"))
		res, err := svc.List(r.Context(), chi.URLParam(r, "orgID"), computeOnly)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleListDuplicates(svc *service.ParticipantService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dups, err := svc.ListDuplicates(r.Context(), chi.URLParam(r, "orgID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"duplicates": dups})
	}
}

func handleMergeParticipant(svc *service.ParticipantService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req mergeRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		merged, err := svc.Merge(r.Context(), chi.URLParam(r, "orgID"), chi.URLParam(r, "participantID"), req.TargetID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, merged)
	}
}

func handleBackfill(svc *service.BackfillService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.Backfill(r.Context(), chi.URLParam(r, "orgID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
