// Package gateway is the inbound HTTP surface: it runs the per-request
// authorization lifecycle, dispatches policy backend calls, and forwards
// authorized requests to the origin.
package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/authgate/authgate/internal/authrep"
	"github.com/authgate/authgate/internal/cache"
	"github.com/authgate/authgate/internal/lifecycle"
	"github.com/authgate/authgate/internal/service"
	"golang.org/x/sync/singleflight"
)

// ErrCircuitOpen is returned when the backend circuit breaker is open and the
// call is short-circuited without contacting the policy backend.
var ErrCircuitOpen = errors.New("backend circuit breaker is open")

// Circuit breaker defaults for the policy backend.
const (
	defaultCBThreshold    = 5
	defaultCBResetTimeout = 30 * time.Second
)

// circuitBreaker protects the policy backend from cascading failures. When
// the backend is down, the breaker opens after `threshold` consecutive
// failures and short-circuits all calls for `resetTimeout`, avoiding the full
// backend timeout on every request. After the reset timeout, one probe
// request is allowed through (half-open state).
type circuitBreaker struct {
	mu           sync.Mutex
	failures     int
	open         bool
	openUntil    time.Time
	threshold    int
	resetTimeout time.Duration
}

func newCircuitBreaker() *circuitBreaker {
	return &circuitBreaker{
		threshold:    defaultCBThreshold,
		resetTimeout: defaultCBResetTimeout,
	}
}

// isOpen returns true when the circuit is open and the reset timeout has not
// yet elapsed. Once the timeout passes, the circuit enters half-open state
// (returns false) to allow a single probe request through.
func (cb *circuitBreaker) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.open {
		return false
	}
	return time.Now().Before(cb.openUntil)
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.failures >= cb.threshold {
		cb.open = true
		cb.openUntil = time.Now().Add(cb.resetTimeout)
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.open = false
}

// ---------------------------------------------------------------------------
// HTTPDispatcher
// ---------------------------------------------------------------------------

// pendingCall is a dispatched-but-not-started backend call. It bridges the
// gap between Dispatch, which runs inside the state machine and must stay
// synchronous, and Begin, which the handler invokes after parking the
// machine in the registry. Without the split, a fast backend response could
// arrive before the waiter exists and be dropped.
type pendingCall struct {
	backend *service.Backend
	call    *authrep.Request
}

// HTTPDispatcher issues authrep calls to the policy backend over HTTP and
// delivers the resulting synthetic response headers through a Registry.
//
// Identical in-flight calls are coalesced with singleflight, and decisions
// are consulted from and written to an optional decision cache, so a burst
// of requests from one application costs at most one backend round trip per
// cache TTL.
type HTTPDispatcher struct {
	registry *lifecycle.Registry
	client   *http.Client
	cache    *cache.Store
	group    singleflight.Group
	cb       *circuitBreaker
	logger   *slog.Logger

	// OnBackendCall, when set, observes every real backend round trip with
	// its outcome status ("" for a transport error) and duration.
	OnBackendCall func(status string, elapsed time.Duration)

	tokens  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]pendingCall
}

// DispatcherOption configures an HTTPDispatcher.
type DispatcherOption func(*HTTPDispatcher)

// WithDecisionCache installs a decision cache consulted before and populated
// after backend calls.
func WithDecisionCache(s *cache.Store) DispatcherOption {
	return func(d *HTTPDispatcher) { d.cache = s }
}

// WithDispatcherLogger sets the dispatcher's logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *HTTPDispatcher) { d.logger = l }
}

// WithHTTPClient replaces the default backend HTTP client.
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *HTTPDispatcher) { d.client = c }
}

// NewHTTPDispatcher creates a dispatcher delivering verdicts to registry.
func NewHTTPDispatcher(registry *lifecycle.Registry, opts ...DispatcherOption) *HTTPDispatcher {
	// Tuned connection pool for high-concurrency calls against what is
	// typically a single backend host.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	d := &HTTPDispatcher{
		registry: registry,
		client:   &http.Client{Transport: transport},
		cb:       newCircuitBreaker(),
		logger:   slog.Default(),
		pending:  make(map[uint64]pendingCall),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch registers the backend call and returns its correlation token.
// The call does not start until Begin; Dispatch itself performs only the
// synchronous checks that can fail the lifecycle before the request parks.
func (d *HTTPDispatcher) Dispatch(_ context.Context, backend *service.Backend, call *authrep.Request) (uint64, error) {
	if d.cb.isOpen() {
		return 0, ErrCircuitOpen
	}

	token := d.tokens.Add(1)
	d.mu.Lock()
	d.pending[token] = pendingCall{backend: backend, call: call}
	d.mu.Unlock()
	return token, nil
}

// Begin starts the backend call for a previously dispatched token. The
// caller must have parked the corresponding machine in the registry first;
// delivery races against nothing once the waiter exists.
func (d *HTTPDispatcher) Begin(ctx context.Context, token uint64) {
	d.mu.Lock()
	p, ok := d.pending[token]
	if ok {
		delete(d.pending, token)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	// The call must outlive the inbound request: a canceled client should
	// not abort a coalesced call other requests are waiting on. The backend
	// timeout bounds it instead.
	callCtx := context.WithoutCancel(ctx)

	go func() {
		status := d.resolve(callCtx, p)

		headers := map[string]string{}
		if status != "" {
			headers[lifecycle.StatusHeader] = status
		}
		d.registry.Deliver(token, headers)
	}()
}

// Abandon drops a dispatched call that was never begun, so an aborted
// lifecycle cannot leak a pending entry. Begin consumes the entry itself,
// which makes Abandon a no-op once the call has started.
func (d *HTTPDispatcher) Abandon(token uint64) {
	d.mu.Lock()
	delete(d.pending, token)
	d.mu.Unlock()
}

// Pending returns the number of dispatched calls not yet begun.
func (d *HTTPDispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// resolve produces the backend status for a call, consulting the decision
// cache and coalescing identical concurrent calls. An empty status means
// the backend could not be reached.
func (d *HTTPDispatcher) resolve(ctx context.Context, p pendingCall) string {
	key := cache.Key(p.call.Path)

	if d.cache != nil {
		if dec, ok := d.cache.Get(ctx, key); ok {
			return dec.Status
		}
	}

	v, _, _ := d.group.Do(key, func() (any, error) {
		// Re-check under the flight lock; a concurrent winner may have
		// populated the cache while this caller queued.
		if d.cache != nil {
			if dec, ok := d.cache.Get(ctx, key); ok {
				return dec.Status, nil
			}
		}

		status := d.callBackend(ctx, p.backend, p.call)
		if status != "" && d.cache != nil {
			d.cache.Set(ctx, key, cache.Decision{Status: status, CachedAt: time.Now()})
		}
		return status, nil
	})
	return v.(string)
}

// callBackend performs one HTTP round trip against the policy backend and
// returns the response status as a string, or "" on transport failure.
func (d *HTTPDispatcher) callBackend(ctx context.Context, backend *service.Backend, call *authrep.Request) string {
	ctx, cancel := context.WithTimeout(ctx, backend.Timeout)
	defer cancel()

	url := strings.TrimSuffix(backend.URL, "/") + call.Path
	var body io.Reader
	if len(call.Body) > 0 {
		body = strings.NewReader(string(call.Body))
	}

	req, err := http.NewRequestWithContext(ctx, call.Method, url, body)
	if err != nil {
		d.logger.Error("backend request build failed", "backend", backend.Name, "error", err)
		return ""
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		d.cb.recordFailure()
		if d.OnBackendCall != nil {
			d.OnBackendCall("", elapsed)
		}
		d.logger.Warn("backend call failed",
			"backend", backend.Name, "elapsed", elapsed, "error", err)
		return ""
	}
	defer func() { _ = resp.Body.Close() }()
	// Drain so the connection goes back to the pool.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	d.cb.recordSuccess()
	status := strconv.Itoa(resp.StatusCode)
	if d.OnBackendCall != nil {
		d.OnBackendCall(status, elapsed)
	}
	d.logger.Debug("backend call completed",
		"backend", backend.Name, "status", status, "elapsed", elapsed)
	return status
}
