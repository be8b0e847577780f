package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"msghub/internal/delivery"
	"msghub/internal/domain"
)

type directMessageRequest struct {
	ReceiverID  int64  `json:"receiver_id"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

type groupMessageRequest struct {
	GroupID     int64  `json:"group_id"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

type markReadRequest struct {
	PeerKey string `json:"peer_key"`
}

func handleSendDirect(engine *delivery.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID := CurrentUserID(r)
		if callerID == 0 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		var req directMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}

		msg, err := engine.SendDirect(r.Context(), callerID, req.ReceiverID, req.Content, domain.ContentType(req.ContentType))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, engine.ToResponse(msg))
	}
}

func handleSendGroup(engine *delivery.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID := CurrentUserID(r)
		if callerID == 0 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		var req groupMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}

		msg, err := engine.SendGroup(r.Context(), callerID, req.GroupID, req.Content, domain.ContentType(req.ContentType))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, engine.ToResponse(msg))
	}
}

func handleHistory(engine *delivery.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID := CurrentUserID(r)
		if callerID == 0 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		peerKey := chi.URLParam(r, "peerKey")
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		size, _ := strconv.Atoi(r.URL.Query().Get("size"))

		msgs, err := engine.History(r.Context(), callerID, peerKey, page, size)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, engine.ToResponses(msgs))
	}
}

func handleSearch(engine *delivery.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID := CurrentUserID(r)
		if callerID == 0 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		q := r.URL.Query()
		page, _ := strconv.Atoi(q.Get("page"))
		size, _ := strconv.Atoi(q.Get("size"))

		msgs, err := engine.Search(r.Context(), callerID, q.Get("peer_key"), q.Get("q"), page, size)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func handleOffline(engine *delivery.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID := CurrentUserID(r)
		if callerID == 0 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		msgs, err := engine.OfflineMessages(r.Context(), callerID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, engine.ToResponses(msgs))
	}
}

func handleRecall(engine *delivery.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID := CurrentUserID(r)
		if callerID == 0 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		msgID, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message id"})
			return
		}

		msg, err := engine.Recall(r.Context(), callerID, msgID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, engine.ToResponse(msg))
	}
}

func handleDelete(engine *delivery.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID := CurrentUserID(r)
		if callerID == 0 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		msgID, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message id"})
			return
		}

		if err := engine.Delete(r.Context(), callerID, msgID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)
	}
}

func handleMarkRead(engine *delivery.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID := CurrentUserID(r)
		if callerID == 0 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		var req markReadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}

		if err := engine.MarkRead(r.Context(), callerID, req.PeerKey); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)
	}
}

func handleUnreadCounts(engine *delivery.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID := CurrentUserID(r)
		if callerID == 0 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		counts, err := engine.UnreadCounts(r.Context(), callerID)
		if err != nil {
			writeError(w, err)
			return
		}
		if counts == nil {
			counts = map[string]int64{}
		}
		writeJSON(w, http.StatusOK, counts)
	}
}

func handleMembershipChanged(engine *delivery.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groupID, err := strconv.ParseInt(chi.URLParam(r, "groupID"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid group id"})
			return
		}
		engine.InvalidateGroup(groupID)
		writeJSON(w, http.StatusNoContent, nil)
	}
}
