package api

import (
	"net/http"
	"strings"

	"github.com/ethpandaops/testoor/pkg/blobstore"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Handle("/metrics", s.metricsHandler())

	s.mountFiles(r)

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.Server.RateLimit.Enabled {
			r.Use(s.rateLimitMiddleware(s.cfg.Server.RateLimit.RequestsPerMinute))
		}

		r.Get("/health", s.handleHealth)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleCreateRun)

			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Patch("/", s.handleUpdateRun)
				r.Post("/complete", s.handleCompleteRun)
				r.Post("/discover", s.handleDiscoverTests)
				r.Get("/tests", s.handleRunTests)
				r.Post("/results", s.handleRecordResult)
			})
		})

		r.Route("/tests", func(r chi.Router) {
			r.Get("/", s.handleListTests)
			r.Get("/stats", s.handleTestStats)

			r.Route("/{testID}", func(r chi.Router) {
				r.Delete("/", s.handleDeleteTest)
				r.Get("/history", s.handleTestHistory)
				r.Get("/attachments", s.handleTestAttachments)
				r.Get("/note", s.handleGetNote)
				r.Put("/note", s.handlePutNote)
				r.Delete("/note", s.handleDeleteNote)
			})
		})

		r.Route("/executions/{executionID}", func(r chi.Router) {
			r.Get("/", s.handleGetExecution)
			r.Delete("/", s.handleDeleteExecution)
		})

		r.Route("/analytics", func(r chi.Router) {
			r.Get("/flaky", s.handleFlakyTests)
			r.Get("/timeline", s.handleTimeline)
		})

		r.Get("/storage/stats", s.handleStorageStats)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/prune", s.handlePrune)
			r.Post("/sweep", s.handleSweep)
			r.Post("/clear", s.handleClear)
		})
	})

	return r
}

// mountFiles serves blobs under the local URL prefix. Local blobs are
// streamed from disk; S3 blobs are redirected to a presigned URL.
func (s *server) mountFiles(r chi.Router) {
	prefix := strings.TrimRight(s.cfg.Storage.Local.URLPrefix, "/")
	if prefix == "" {
		prefix = "/files"
	}

	if local, ok := s.blobs.(blobstore.LocalStore); ok {
		r.Handle(prefix+"/*", http.StripPrefix(prefix, local))

		return
	}

	if s.presigner != nil {
		r.Get(prefix+"/*", s.handlePresignedFile)
		r.Head(prefix+"/*", s.handlePresignedFile)
	}
}

func (s *server) metricsHandler() http.Handler {
	if s.metrics == nil {
		return http.NotFoundHandler()
	}

	return s.metrics.Handler()
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
