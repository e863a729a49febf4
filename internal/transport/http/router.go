package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Deps struct {
	Handler     *Handler
	WS          http.HandlerFunc
	CORSOrigins []string
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	if len(d.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if d.WS != nil {
		r.Get("/ws", d.WS)
	}

	h := d.Handler
	r.Group(func(api chi.Router) {
		api.Use(middleware.Timeout(30 * time.Second))

		api.Route("/rooms", func(rm chi.Router) {
			rm.Get("/", h.ListRooms)
			rm.Get("/{id}", h.GetRoom)
		})

		api.Route("/conversations", func(cv chi.Router) {
			cv.Use(h.requireHistory)
			cv.Post("/", h.CreateConversation)
			cv.Get("/", h.ListConversations)
			cv.Route("/{id}", func(c chi.Router) {
				c.Get("/", h.GetConversation)
				c.Delete("/", h.DeleteConversation)
				c.Post("/messages", h.AddMessage)
				c.Get("/messages", h.ListMessages)
			})
		})
	})

	return r
}
