package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/playversus/arena/internal/game"
)

const defaultNotificationLimit = 50

// NotificationsResponse is the response for GET /api/players/{playerID}/notifications.
type NotificationsResponse struct {
	Notifications []game.Notification `json:"notifications"`
}

func handlePlayerNotifications(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playerID := chi.URLParam(r, "playerID")

		limit := defaultNotificationLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 500 {
				writeError(w, http.StatusBadRequest, game.ReasonBadPayload, "limit must be between 1 and 500")
				return
			}
			limit = n
		}

		list, err := deps.Notify.ForPlayer(r.Context(), playerID, limit)
		if err != nil {
			deps.Logger.Error("listing notifications failed", "player_id", playerID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "internal error")
			return
		}
		if list == nil {
			list = []game.Notification{}
		}

		writeJSON(w, http.StatusOK, NotificationsResponse{Notifications: list})
	}
}

func handleNotificationRead(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Notify.MarkRead(r.Context(), id)
		if errors.Is(err, game.ErrNotFound) {
			writeError(w, http.StatusNotFound, "notification_not_found", "notification not found")
			return
		}
		if err != nil {
			deps.Logger.Error("marking notification read failed", "id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "internal error")
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
