// Package api wires the HTTP surface: job CRUD, scan control, image
// listings, file preview, and the live-update websocket.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/imgforge/imgforge/internal/api/handlers"
	"github.com/imgforge/imgforge/internal/auth"
	"github.com/imgforge/imgforge/internal/config"
	"github.com/imgforge/imgforge/internal/gateway"
	"github.com/imgforge/imgforge/internal/pipeline"
	"github.com/imgforge/imgforge/internal/store"
)

// Server holds the HTTP server and all handler dependencies.
type Server struct {
	addr string
	srv  *http.Server
}

// New wires all routes and returns a Server ready to Run.
func New(
	cfg *config.Config,
	st *store.Store,
	orc *pipeline.Orchestrator,
	gw *gateway.Gateway,
	authsvc *auth.Service,
) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(handlers.CorrelationID)

	jobsH := &handlers.JobsHandler{Store: st, Orc: orc, Sources: cfg.Sources}
	scansH := &handlers.ScansHandler{Orc: orc}
	imagesH := &handlers.ImagesHandler{Store: st}
	filesH := &handlers.FilesHandler{Sources: cfg.Sources}
	sourcesH := &handlers.SourcesHandler{Sources: cfg.Sources}

	r.Route("/api", func(r chi.Router) {
		r.Use(handlers.Auth(authsvc))

		r.Post("/jobs", jobsH.Create)
		r.Get("/jobs", jobsH.List)
		r.Get("/jobs/in-progress", jobsH.InProgress)
		r.Get("/jobs/{id}", jobsH.Get)
		r.Delete("/jobs/{id}", jobsH.Delete)

		r.Post("/jobs/{id}/scan", scansH.Start)
		r.Post("/scans/pause", scansH.Pause)
		r.Post("/scans/resume", scansH.Resume)
		r.Get("/scans/status", scansH.Status)

		r.Get("/jobs/{id}/images", imagesH.List)
		r.Get("/files", filesH.Serve)
		r.Get("/sources", sourcesH.List)

		r.Get("/jobs/{id}/updates", func(w http.ResponseWriter, r *http.Request) {
			gw.Serve(w, r, chi.URLParam(r, "id"))
		})
	})

	return &Server{
		addr: cfg.HTTPAddr,
		srv:  &http.Server{Addr: cfg.HTTPAddr, Handler: r},
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down HTTP server")
		return s.srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
