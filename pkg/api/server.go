// Package api serves the publishing commands, queries and operational
// endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/kubeflow/publishing-api/pkg/commands"
	"github.com/kubeflow/publishing-api/pkg/consistency"
	"github.com/kubeflow/publishing-api/pkg/content"
	"github.com/kubeflow/publishing-api/pkg/downstream"
	"github.com/kubeflow/publishing-api/pkg/queue"
)

// Deps are the collaborators served by the router. Checker, Propagator and
// Tasks are optional; their routes are not mounted when nil.
type Deps struct {
	DB         *gorm.DB
	Commands   *commands.Commands
	Items      *content.ItemStore
	Checker    *consistency.Checker
	Propagator *downstream.Propagator
	Tasks      *queue.Store
	Logger     *slog.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	deps      Deps
	logger    *slog.Logger
	startedAt time.Time
}

// NewServer creates a Server.
func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Items == nil && d.DB != nil {
		d.Items = content.NewItemStore(d.DB)
	}
	return &Server{deps: d, logger: d.Logger, startedAt: time.Now()}
}

// Routes builds the chi router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", UserHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(UserMiddleware())

	r.Get("/healthcheck", s.healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v2", func(r chi.Router) {
		r.Route("/content/{contentID}", func(r chi.Router) {
			r.Put("/", s.putContent)
			r.Get("/", s.getContent)
			r.Post("/publish", s.publish)
			r.Post("/unpublish", s.unpublish)
			r.Post("/discard-draft", s.discardDraft)
			r.Get("/actions", s.actions)
		})
		r.Get("/links/{contentID}", s.getLinkSet)
		r.Patch("/links/{contentID}", s.patchLinkSet)
		r.Get("/expanded-links/{contentID}", s.expandedLinks)

		if s.deps.Checker != nil {
			r.Get("/consistency/{contentID}", s.consistency)
		}
		if s.deps.Propagator != nil {
			r.Post("/represent-downstream", s.representDownstream)
		}
		if s.deps.Tasks != nil {
			r.Mount("/tasks", queue.Router(s.deps.Tasks))
		}
	})

	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	resp := map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.deps.DB != nil {
		if err := pingDB(r.Context(), s.deps.DB); err != nil {
			status = http.StatusServiceUnavailable
			resp["status"] = "unavailable"
			resp["database"] = err.Error()
		}
	}
	writeJSON(w, status, resp)
}

func pingDB(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

type errorBody struct {
	Code    int                 `json:"code"`
	Message string              `json:"message"`
	Fields  map[string][]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeErrorBody(w http.ResponseWriter, body errorBody) {
	writeJSON(w, body.Code, map[string]errorBody{"error": body})
}

// writeError renders err. Command errors keep their status and field detail;
// anything else is logged and reported as a 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if ce, ok := commands.AsCommandError(err); ok {
		writeErrorBody(w, errorBody{Code: ce.Code, Message: ce.Message, Fields: ce.Fields})
		return
	}
	s.logger.Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"requestID", middleware.GetReqID(r.Context()),
		"error", err)
	writeErrorBody(w, errorBody{Code: http.StatusInternalServerError, Message: "Internal server error"})
}
