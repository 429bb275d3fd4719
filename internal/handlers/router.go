package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	mW "github.com/orderpay/backend/internal/middleware"
	"github.com/sirupsen/logrus"
)

// RouteMounter is implemented by every handler group.
type RouteMounter interface {
	Routes(r chi.Router)
}

// NewRouter builds the service's HTTP surface: /health plus the given
// handler groups under /rpc/v1, guarded by service auth.
func NewRouter(log *logrus.Logger, jwtSecret string, groups ...RouteMounter) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Route("/rpc/v1", func(r chi.Router) {
		r.Use(mW.ServiceAuth(jwtSecret, log))
		for _, g := range groups {
			g.Routes(r)
		}
	})

	return r
}
