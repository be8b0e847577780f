package ws

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"msghub/internal/delivery"
	"msghub/internal/domain"
	"msghub/internal/security"
	"msghub/internal/session"
)

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

func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	if len(allowed) == 0 {
		return func(r *http.Request) bool {
			return false
		}
	}

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			return false
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

// MakeHandler returns an HTTP handler for the /ws endpoint.
// Authenticates via Bearer token (Authorization header or Sec-WebSocket-Protocol), then dispatches events:
//   - message        -> persist a 1:1 message and push to the receiver
//   - group_message  -> persist and fan out to the group membership
//   - mark_read      -> advance read marker, reset unread, emit read receipts
//   - recall         -> retract a message's content for all viewers
//   - typing         -> forward a transient typing indicator
func MakeHandler(
	registry *session.Registry,
	engine *delivery.Engine,
	tokens *security.TokenService,
	allowedOrigins []string,
	timeouts Timeouts,
) http.HandlerFunc {
	checkOrigin := makeCheckOrigin(allowedOrigins)
	upgrader := websocket.Upgrader{
		CheckOrigin: checkOrigin,
		Subprotocols: []string{
			"bearer",
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if !checkOrigin(r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		tokenStr, err := extractTokenFromWSRequest(r)
		if err != nil {
			if authErr, ok := err.(wsAuthError); ok {
				http.Error(w, authErr.msg, authErr.status)
				return
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		userID, err := tokens.Authenticate(tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		// The request context carries the router's per-request timeout, but the
		// session outlives the request: frames must keep dispatching for as
		// long as the heartbeat holds. Detach the deadline, keep the values.
		ctx := context.WithoutCancel(r.Context())
		client := NewClient(conn, timeouts)
		sess, first := registry.Register(userID, client)
		go client.WritePump()

		if first {
			engine.BroadcastPresence(ctx, userID, true)
		}

		defer func() {
			client.Close()
			if last := registry.Unregister(sess); last {
				engine.BroadcastPresence(ctx, userID, false)
			}
		}()

		client.ReadPump(func(payload map[string]any) {
			msgType, _ := payload["type"].(string)
			switch msgType {

			// ── direct message ───────────────────────────────────────────────
			case "message":
				receiverIDf, _ := payload["receiver_id"].(float64)
				content, _ := payload["content"].(string)
				contentType, _ := payload["content_type"].(string)
				if receiverIDf == 0 || content == "" {
					client.SendError("message requires receiver_id and non-empty content")
					return
				}
				if _, err := engine.SendDirect(ctx, userID, int64(receiverIDf), content, domain.ContentType(contentType)); err != nil {
					log.Printf("ws: send direct: %v", err)
					client.SendError("failed to send message")
				}

			// ── group message ────────────────────────────────────────────────
			case "group_message":
				groupIDf, _ := payload["group_id"].(float64)
				content, _ := payload["content"].(string)
				contentType, _ := payload["content_type"].(string)
				if groupIDf == 0 || content == "" {
					client.SendError("group_message requires group_id and non-empty content")
					return
				}
				if _, err := engine.SendGroup(ctx, userID, int64(groupIDf), content, domain.ContentType(contentType)); err != nil {
					log.Printf("ws: send group: %v", err)
					client.SendError("failed to send group message")
				}

			// ── mark read ────────────────────────────────────────────────────
			case "mark_read":
				peerKey, _ := payload["peer_key"].(string)
				if peerKey == "" {
					return
				}
				if err := engine.MarkRead(ctx, userID, peerKey); err != nil {
					log.Printf("ws: mark_read: %v", err)
					client.SendError("failed to mark conversation as read")
				}

			// ── recall ───────────────────────────────────────────────────────
			case "recall":
				msgIDf, _ := payload["message_id"].(float64)
				if msgIDf == 0 {
					return
				}
				if _, err := engine.Recall(ctx, userID, int64(msgIDf)); err != nil {
					log.Printf("ws: recall: %v", err)
					client.SendError("failed to recall message")
				}

			// ── typing indicator ─────────────────────────────────────────────
			case "typing":
				peerKey, _ := payload["peer_key"].(string)
				if peerKey == "" {
					return
				}
				if err := engine.NotifyTyping(ctx, userID, peerKey); err != nil {
					client.SendError("not allowed for this conversation")
				}

			default:
				log.Printf("ws: unknown event type %q from user %d", msgType, userID)
			}
		})
	}
}
