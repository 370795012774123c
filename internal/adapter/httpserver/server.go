package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/zenscraper/internal/adapter/observability"
	"github.com/fairyhunter13/zenscraper/internal/config"
	"github.com/fairyhunter13/zenscraper/internal/originctl"
)

// Server holds the handles the admin endpoints inspect.
type Server struct {
	cfg  config.Config
	pool *pgxpool.Pool
	rdb  *redis.Client
	ctrl *originctl.Controller
}

// NewServer constructs a Server.
func NewServer(cfg config.Config, pool *pgxpool.Pool, rdb *redis.Client, ctrl *originctl.Controller) *Server {
	return &Server{cfg: cfg, pool: pool, rdb: rdb, ctrl: ctrl}
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer())
	r.Use(RequestID())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(TraceMiddleware)
	r.Use(AccessLog())
	r.Use(SecurityHeaders)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/healthz", s.HealthzHandler())
	r.Get("/readyz", s.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	r.Group(func(dr chi.Router) {
		dr.Use(httprate.LimitByIP(60, time.Minute))
		dr.Get("/debug/origins", s.OriginsHandler())
	})

	return r
}

// HealthzHandler reports process liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler reports readiness: the peer is ready once its database and
// the browser-pool queue backend both answer.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{"db": "ok", "redis": "ok"}
		status := http.StatusOK

		if s.pool == nil {
			checks["db"] = "not configured"
			status = http.StatusServiceUnavailable
		} else if err := s.pool.Ping(ctx); err != nil {
			checks["db"] = err.Error()
			status = http.StatusServiceUnavailable
		}

		if s.rdb == nil {
			checks["redis"] = "not configured"
			status = http.StatusServiceUnavailable
		} else if err := s.rdb.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, checks)
	}
}

// OriginsHandler dumps the origin controller's learned profiles.
func (s *Server) OriginsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.ctrl == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "controller not configured"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"origins": s.ctrl.Summaries()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
