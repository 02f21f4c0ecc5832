// Package server exposes projects, version history and the live project list
// over HTTP for a local front end.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"scribe/internal/identity"
	"scribe/internal/scribe"
)

// DefaultOrigins are allowed when no origins are configured.
var DefaultOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}

// Options wires a Server to the persistence layer.
type Options struct {
	Projects       *scribe.ProjectStore
	Ledger         *scribe.Ledger
	Journal        scribe.Journal // may be nil
	IDs            scribe.IDGenerator
	Logger         scribe.Logger
	AllowedOrigins []string
}

// Server serves the API. Every request that mutates a project opens its own
// Session, applies the change and saves before responding.
type Server struct {
	projects *scribe.ProjectStore
	ledger   *scribe.Ledger
	journal  scribe.Journal
	ids      scribe.IDGenerator
	logger   scribe.Logger
	origins  []string
	validate *validator.Validate
}

func New(opts Options) *Server {
	s := &Server{
		projects: opts.Projects,
		ledger:   opts.Ledger,
		journal:  opts.Journal,
		ids:      opts.IDs,
		logger:   opts.Logger,
		origins:  opts.AllowedOrigins,
		validate: validator.New(),
	}
	if s.ids == nil {
		s.ids = scribe.UUIDGenerator{}
	}
	if s.logger == nil {
		s.logger = scribe.NewNopLogger()
	}
	if len(s.origins) == 0 {
		s.origins = DefaultOrigins
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID", identity.OwnerHeader},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(identity.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/feed/projects", s.projectFeed)

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", s.listProjects)
			r.Post("/", s.createProject)

			r.Route("/{projectID}", func(r chi.Router) {
				r.Get("/", s.getProject)
				r.Put("/", s.putProject)
				r.Delete("/", s.deleteProject)
				r.Get("/history", s.listHistory)
				r.Post("/history", s.snapshot)
				r.Post("/history/{versionID}/restore", s.restore)
				r.Post("/memory", s.mergeMemory)
				r.Post("/gallery/{galleryID}/assign", s.assignImage)
			})
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// originHosts converts CORS origins into the host patterns the websocket
// handshake matches against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(o, "https://")
		o = strings.TrimPrefix(o, "http://")
		hosts = append(hosts, o)
	}
	return hosts
}
