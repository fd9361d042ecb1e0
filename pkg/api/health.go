package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/vmware/mangle-sub000/pkg/metrics"
	"github.com/vmware/mangle-sub000/pkg/types"
)

// Pinger reports whether the backing store is usable
type Pinger interface {
	Ping() error
}

// ClusterView exposes the quorum gate of the local node
type ClusterView interface {
	State() types.ClusterState
}

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	store   Pinger
	cluster ClusterView
	version string
	mux     *http.ServeMux

	mu     sync.Mutex
	server *http.Server
	closed bool
}

// NewHealthServer creates a new health check HTTP server
func NewHealthServer(store Pinger, cluster ClusterView, version string) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		store:   store,
		cluster: cluster,
		version: version,
		mux:     mux,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.HandleFunc("/cluster", hs.clusterHandler)
	mux.Handle("/health/components", metrics.HealthHandler())
	mux.Handle("/ready/components", metrics.ReadyHandler())
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start serves the health endpoints on addr until Shutdown is called
func (hs *HealthServer) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	hs.mu.Lock()
	if hs.closed {
		hs.mu.Unlock()
		return nil
	}
	hs.server = srv
	hs.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve health endpoints: %w", err)
	}
	return nil
}

// Shutdown stops the server started by Start. A later Start returns at once.
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	hs.mu.Lock()
	hs.closed = true
	srv := hs.server
	hs.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health liveness check
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   hs.version,
	})
}

// readyHandler implements the /ready endpoint. A node is ready when its
// store answers and it holds quorum.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.store == nil {
		checks["storage"] = "not initialized"
		ready = false
		message = "Storage not initialized"
	} else if err := hs.store.Ping(); err != nil {
		checks["storage"] = fmt.Sprintf("error: %v", err)
		ready = false
		message = "Storage not accessible"
	} else {
		checks["storage"] = "ok"
	}

	if hs.cluster == nil {
		checks["quorum"] = "not initialized"
		ready = false
		if message == "" {
			message = "Cluster not initialized"
		}
	} else {
		state := hs.cluster.State()
		checks["quorum"] = fmt.Sprintf("%s (%d/%d live)", state.QuorumStatus, len(state.LiveMembers), state.Quorum)
		if state.QuorumStatus != types.QuorumPresent {
			ready = false
			if message == "" {
				message = "Waiting for quorum"
			}
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

// clusterHandler reports the coordinator's view of the cluster
func (hs *HealthServer) clusterHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if hs.cluster == nil {
		http.Error(w, "cluster not initialized", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, hs.cluster.State())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
