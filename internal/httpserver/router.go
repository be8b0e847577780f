package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"msghub/internal/config"
	"msghub/internal/delivery"
	"msghub/internal/domain"
	"msghub/internal/security"
	"msghub/internal/session"
	"msghub/internal/ws"
)

// NewRouter constructs the main HTTP router and wires routes and middleware.
func NewRouter(cfg *config.Config, engine *delivery.Engine, registry *session.Registry, tokenSvc *security.TokenService) http.Handler {
	r := chi.NewRouter()

	// Middlewares
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"message":"msghub delivery API","version":"1.0.0"}`))
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(AuthMiddleware(tokenSvc))

		r.Route("/messages", func(r chi.Router) {
			r.Post("/direct", handleSendDirect(engine))
			r.Post("/group", handleSendGroup(engine))
			r.Get("/history/{peerKey}", handleHistory(engine))
			r.Get("/search", handleSearch(engine))
			r.Get("/offline", handleOffline(engine))
			r.Get("/unread", handleUnreadCounts(engine))
			r.Post("/read", handleMarkRead(engine))
			r.Post("/{messageID}/recall", handleRecall(engine))
			r.Delete("/{messageID}", handleDelete(engine))
		})

		r.Route("/presence", func(r chi.Router) {
			r.Get("/online", handleOnlineUsers(registry))
			r.Get("/{userID}", handleUserPresence(registry))
		})

		// Membership-change notifications from the group directory owner.
		r.Post("/groups/{groupID}/membership-changed", handleMembershipChanged(engine))
	})

	// WebSocket endpoint
	r.Get("/ws", ws.MakeHandler(registry, engine, tokenSvc, cfg.CORSOrigins, ws.Timeouts{
		PongWait:   cfg.PongWait,
		PingPeriod: cfg.PingPeriod,
		WriteWait:  cfg.WriteWait,
	}))

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

// writeError maps domain sentinel errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
