// Package api exposes the canvas over HTTP: placement, snapshot and history reads, the
// live websocket feed and a health check.
package api

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/dyluth/canvas/internal/broadcast"
	"github.com/dyluth/canvas/pkg/canvas"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Submitter accepts placements. *ingest.Gateway implements it.
type Submitter interface {
	SubmitAs(ctx context.Context, x, y int, color, userID string) (*canvas.PlacementEvent, error)
}

// Store is the read side of the materialised state. *store.Store implements it.
type Store interface {
	Pinger
	History(ctx context.Context, since int64, until *int64) ([]canvas.HistoryRecord, error)
	LatestSnapshot(ctx context.Context) (*canvas.Snapshot, error)
	ListSnapshots(ctx context.Context, limit int) ([]canvas.Snapshot, error)
	GetSnapshot(ctx context.Context, id int64) (*canvas.Snapshot, error)
}

// BlobOpener reads snapshot images. *blob.BucketStore implements it.
type BlobOpener interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Deps are the components the API serves.
type Deps struct {
	Gateway     Submitter
	Store       Store
	Blobs       BlobOpener
	Broadcaster *broadcast.Broadcaster
	Redis       Pinger
}

// Server is the canvas HTTP API.
type Server struct {
	deps   Deps
	health *HealthServer
	server *http.Server
}

// NewServer creates the API server listening on addr.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{
		deps:   deps,
		health: NewHealthServer("", deps.Redis, deps.Store),
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	// Any origin may read and place, like the public canvas viewer expects.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         600,
	}))

	r.Get("/healthz", s.health.healthCheckHandler)

	r.Route("/api", func(r chi.Router) {
		r.Post("/place", s.handlePlace)
		r.Get("/snapshot", s.handleLatestSnapshot)
		r.Get("/snapshots", s.handleListSnapshots)
		r.Get("/snapshots/{id}/image", s.handleSnapshotImage)
		r.Get("/history", s.handleHistory)
	})

	if s.deps.Broadcaster != nil {
		r.Get("/ws", broadcast.ServeWS(s.deps.Broadcaster))
	}
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[API] Listening on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("[API] Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
