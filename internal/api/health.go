package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Pinger is anything with a connectivity check: the canvas client, the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer serves /healthz on its own listener. The worker runs one; the API server
// mounts the same handler on its router.
type HealthServer struct {
	addr   string
	redis  Pinger
	store  Pinger
	server *http.Server
}

// NewHealthServer creates a new health check server. store may be nil.
func NewHealthServer(addr string, redis, store Pinger) *HealthServer {
	return &HealthServer{
		addr:  addr,
		redis: redis,
		store: store,
	}
}

// Start starts the HTTP health check server in the background.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)

	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Health server error: %v\n", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the health check server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK if Redis (and the store, when configured) are reachable, 503 otherwise.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{Status: "healthy"}
	status := http.StatusOK

	if err := h.redis.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Redis = "disconnected"
		response.Error = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		response.Redis = "connected"
	}

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			response.Status = "unhealthy"
			response.Store = "unavailable"
			if response.Error == "" {
				response.Error = err.Error()
			}
			status = http.StatusServiceUnavailable
		} else {
			response.Store = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status string `json:"status"`
	Redis  string `json:"redis,omitempty"`
	Store  string `json:"store,omitempty"`
	Error  string `json:"error,omitempty"`
}
