package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline states reported on /readyz.
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateFailed   = "failed"
)

// HealthServer exposes /healthz, /readyz and /metrics.
type HealthServer struct {
	state    atomic.Value // string
	gatherer prometheus.Gatherer
}

// NewHealthServer creates a health server. Metrics are served from gatherer
// when it is non-nil.
func NewHealthServer(gatherer prometheus.Gatherer) *HealthServer {
	h := &HealthServer{gatherer: gatherer}
	h.state.Store(StateStarting)
	return h
}

// SetState records the pipeline state. Only StateRunning is ready.
func (h *HealthServer) SetState(state string) {
	h.state.Store(state)
}

// State returns the last recorded pipeline state.
func (h *HealthServer) State() string {
	return h.state.Load().(string)
}

// Handler returns an http.Handler with health, readiness and metrics endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	state := h.State()
	if state == StateRunning {
		writeStatus(w, http.StatusOK, map[string]string{"status": "ready", "state": state})
		return
	}
	writeStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "state": state})
}

func writeStatus(w http.ResponseWriter, code int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
