package httpserver

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"zpulse/internal/domain"
	"zpulse/internal/service"
)

type connectChatRequest struct {
	ChatID int64  `json:"chat_id" validate:"required"`
	Title  string `json:"title" validate:"max=255"`
}

func chatIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("chat id %q: %w", chi.URLParam(r, "chatID"), domain.ErrInvalidInput)
	}
	return id, nil
}

func handleListChats(svc *service.ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := svc.List(r.Context(), chi.URLParam(r, "orgID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if ids == nil {
			ids = []int64{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"chat_ids": ids})
	}
}

func handleConnectChat(svc *service.ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req connectChatRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		chat := &domain.OrgChat{
			OrgID:  chi.URLParam(r, "orgID"),
			ChatID: req.ChatID,
			Title:  req.Title,
		}
		if err := svc.Connect(r.Context(), chat); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, chat)
	}
}

// handleAnalytics only serves chats connected to the organization.
func handleAnalytics(svc *service.AnalyticsService, chats *service.ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID := chi.URLParam(r, "orgID")
		chatID, err := chatIDParam(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		days := 0
		if v := r.URL.Query().Get("days"); v != "" {
			days, err = strconv.Atoi(v)
			if err != nil || days < 1 || days > 90 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "days must be between 1 and 90"})
				return
			}
		}

		connected, err := chats.List(r.Context(), orgID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !slices.Contains(connected, chatID) {
			writeError(w, r, domain.ErrNotFound)
			return
		}

		snap, err := svc.Snapshot(r.Context(), orgID, chatID, days)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}
