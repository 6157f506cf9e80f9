package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Static probe bodies are pre-serialized; the readiness body is built per
// request because it carries live state.
var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
)

const deepPingTimeout = 2 * time.Second

// Pinger is implemented by the shared decision cache tier; a deep readiness
// probe calls it to verify the tier is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker provides startup, liveness, and readiness check endpoints.
// Readiness reports the number of requests parked on a backend verdict when
// a waiting source is registered, which makes drain progress observable.
type HealthChecker struct {
	started int32 // atomic: 0 = not started, 1 = started
	ready   int32 // atomic: 0 = not ready, 1 = ready

	mu          sync.RWMutex
	cachePinger Pinger     // nil when the decision cache is in-process only
	waiting     func() int // nil until the lifecycle registry is wired
}

// NewHealthChecker creates a new health checker (starts in not-ready state).
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// SetStarted marks the service as having completed startup.
// Kubernetes uses this via the startup probe to know when to begin
// sending liveness and readiness probes.
func (h *HealthChecker) SetStarted() {
	atomic.StoreInt32(&h.started, 1)
}

// IsStarted returns whether the service has completed startup.
func (h *HealthChecker) IsStarted() bool {
	return atomic.LoadInt32(&h.started) == 1
}

// SetReady marks the service as ready to receive traffic.
func (h *HealthChecker) SetReady() {
	atomic.StoreInt32(&h.ready, 1)
}

// SetNotReady marks the service as not ready (draining).
func (h *HealthChecker) SetNotReady() {
	atomic.StoreInt32(&h.ready, 0)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return atomic.LoadInt32(&h.ready) == 1
}

// SetCachePinger registers the shared decision cache tier for deep readiness
// probes. Pass nil to clear it.
func (h *HealthChecker) SetCachePinger(p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cachePinger = p
}

// SetWaitingSource registers a source for the number of requests currently
// parked on a backend verdict.
func (h *HealthChecker) SetWaitingSource(f func() int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.waiting = f
}

// StartzHandler returns 200 once the service has completed startup, 503 otherwise.
// Kubernetes startup probes use this to gate liveness/readiness checks.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if h.IsStarted() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonStarted)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(jsonNotStarted)
		}
	}
}

// HealthzHandler returns 200 if the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonAlive)
	}
}

// readyResponse is the /readyz body. Waiting is a pointer so a wired-but-idle
// registry still reports 0 while an unwired one omits the field.
type readyResponse struct {
	Status        string `json:"status"`
	DecisionCache string `json:"decision_cache,omitempty"`
	Waiting       *int   `json:"waiting,omitempty"`
}

// ReadyzHandler returns 200 if the service is ready, 503 otherwise.
// When the query parameter `deep=true` is present and a decision cache pinger
// has been registered, it actively pings the shared tier and returns 503 if
// unreachable. The body carries the parked-request count when a waiting
// source is registered.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		h.mu.RLock()
		pinger := h.cachePinger
		waiting := h.waiting
		h.mu.RUnlock()

		resp := readyResponse{Status: "ready"}
		if waiting != nil {
			n := waiting()
			resp.Waiting = &n
		}

		if !h.IsReady() {
			resp.Status = "not_ready"
			writeReady(w, http.StatusServiceUnavailable, resp)
			return
		}

		if r.URL.Query().Get("deep") == "true" && pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), deepPingTimeout)
			defer cancel()
			if err := pinger.Ping(ctx); err != nil {
				resp.Status = "not_ready"
				resp.DecisionCache = "unreachable"
				writeReady(w, http.StatusServiceUnavailable, resp)
				return
			}
			resp.DecisionCache = "ok"
		}

		writeReady(w, http.StatusOK, resp)
	}
}

func writeReady(w http.ResponseWriter, code int, resp readyResponse) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
