package httpserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"msghub/internal/session"
)

func handleOnlineUsers(registry *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := registry.OnlineUsers()
		if ids == nil {
			ids = []int64{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_ids": ids})
	}
}

func handleUserPresence(registry *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user id"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id":  userID,
			"online":   registry.IsOnline(userID),
			"sessions": registry.SessionCount(userID),
		})
	}
}
