package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/msgrelay/msgrelay/auth"
)

const maxBodyBytes = 64 * 1024

// NewRouter creates and configures the HTTP router.
func NewRouter(h *Handler, authClient auth.Client) *chi.Mux {
	r := chi.NewRouter()

	if h.conf.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestSize(maxBodyBytes))

	origins := h.conf.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: len(h.conf.AllowedOrigins) > 0,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth(authClient))

		r.Route("/api/messages", func(r chi.Router) {
			r.Post("/send", h.Send)
			r.Get("/", h.Inbox)
			r.Get("/unread", h.Unread)
			r.Get("/conversation/{id}", h.Conversation)
			r.Post("/{id}/read", h.MarkRead)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.RequireAdmin)

			r.Get("/api/admin/messages/summary", h.Summary)
			if h.conf.EnableDebug {
				r.Get("/socket/debug", h.Debug)
			}
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.Error(w, http.StatusNotFound, "not found")
	})
	return r
}
