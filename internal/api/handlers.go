package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/dyluth/canvas/internal/blob"
	"github.com/dyluth/canvas/internal/ingest"
	"github.com/dyluth/canvas/internal/store"
	"github.com/dyluth/canvas/pkg/canvas"
	"github.com/go-chi/chi/v5"
)

const (
	defaultSnapshotLimit = 20
	maxSnapshotLimit     = 100
)

type placeRequest struct {
	X      *int   `json:"x"`
	Y      *int   `json:"y"`
	Color  string `json:"color"`
	UserID string `json:"user_id"`
}

type placeResponse struct {
	Success bool `json:"success"`
	*canvas.PlacementEvent
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handlePlace(w http.ResponseWriter, r *http.Request) {
	var req placeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.X == nil || req.Y == nil {
		writeError(w, http.StatusBadRequest, "x and y must be numbers")
		return
	}

	event, err := s.deps.Gateway.SubmitAs(r.Context(), *req.X, *req.Y, req.Color, req.UserID)
	if err != nil {
		var verr *ingest.ValidationError
		var derr *ingest.DurabilityError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Error())
		case errors.Is(err, ingest.ErrCooldown):
			writeError(w, http.StatusTooManyRequests, "cell is cooling down, try again shortly")
		case errors.As(err, &derr), errors.Is(err, ingest.ErrClosed):
			log.Printf("[API] Placement not persisted: %v", err)
			writeError(w, http.StatusServiceUnavailable, "placement could not be saved, retry")
		default:
			log.Printf("[API] Placement failed: %v", err)
			writeError(w, http.StatusInternalServerError, "placement failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, placeResponse{Success: true, PlacementEvent: event})
}

func (s *Server) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Store.LatestSnapshot(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "No snapshot found")
		return
	}
	if err != nil {
		log.Printf("[API] Failed to read latest snapshot: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	limit := defaultSnapshotLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		limit = min(n, maxSnapshotLimit)
	}

	snaps, err := s.deps.Store.ListSnapshots(r.Context(), limit)
	if err != nil {
		log.Printf("[API] Failed to list snapshots: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to list snapshots")
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleSnapshotImage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid snapshot id")
		return
	}

	snap, err := s.deps.Store.GetSnapshot(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "No snapshot found")
		return
	}
	if err != nil {
		log.Printf("[API] Failed to read snapshot %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch snapshot")
		return
	}

	rc, err := s.deps.Blobs.Open(r.Context(), snap.BlobURL)
	if errors.Is(err, blob.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Snapshot image missing")
		return
	}
	if err != nil {
		log.Printf("[API] Failed to open snapshot image %s: %v", snap.BlobURL, err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch snapshot image")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "image/"+snap.Metadata.Format)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, rc); err != nil {
		log.Printf("[API] Failed to stream snapshot image: %v", err)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sinceParam := q.Get("since")
	if sinceParam == "" {
		writeError(w, http.StatusBadRequest, "Missing 'since' query parameter")
		return
	}
	since, err := strconv.ParseInt(sinceParam, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'since' must be a valid timestamp")
		return
	}

	var until *int64
	if v := q.Get("until"); v != "" {
		u, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'until' must be a valid timestamp")
			return
		}
		until = &u
	}

	records, err := s.deps.Store.History(r.Context(), since, until)
	if err != nil {
		log.Printf("[API] Failed to fetch history: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch history")
		return
	}
	writeJSON(w, http.StatusOK, records)
}
