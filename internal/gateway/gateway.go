package gateway

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/authgate/authgate/internal/authz"
	"github.com/authgate/authgate/internal/config"
	"github.com/authgate/authgate/internal/events"
	"github.com/authgate/authgate/internal/lifecycle"
	"github.com/authgate/authgate/internal/observability"
	"github.com/authgate/authgate/internal/service"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer(observability.TracerGateway)

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// requestIDRng is a per-goroutine-safe CSPRNG seeded from crypto/rand.
// ChaCha8 is cryptographically strong and avoids a syscall per ID
// (unlike crypto/rand.Read), which reduces latency under high concurrency.
var requestIDRng = func() *rand.ChaCha8 {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}()

// generateRequestID creates a 16-byte hex-encoded random ID (128 bits).
func generateRequestID() string {
	var buf [16]byte
	for i := 0; i < len(buf); i += 8 {
		v := requestIDRng.Uint64()
		binary.LittleEndian.PutUint64(buf[i:], v)
	}
	return hex.EncodeToString(buf[:])
}

// validRequestID checks that a client-supplied request ID is safe to propagate.
// Rejects IDs that are too long or contain non-printable / injection characters.
// Allowed characters: alphanumeric, hyphens, underscores, dots, colons.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController and middleware that check for
// underlying interfaces (http.Hijacker, http.Flusher, etc.).
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Flush implements http.Flusher so that SSE streaming works even with
// handlers that assert w.(http.Flusher) directly instead of using Unwrap().
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// Gateway is the main request handler. It runs the authorization lifecycle
// for every inbound request and forwards authorized traffic to the origin.
type Gateway struct {
	store      *service.Store
	registry   *lifecycle.Registry
	dispatcher *HTTPDispatcher
	origin     http.Handler
	logger     *slog.Logger
	metrics    *observability.Metrics
	emitter    *events.Emitter
}

// GatewayOption configures optional Gateway behavior.
type GatewayOption func(*Gateway)

// WithEmitter installs an auth event emitter.
func WithEmitter(e *events.Emitter) GatewayOption {
	return func(g *Gateway) { g.emitter = e }
}

// New creates a gateway over the given snapshot store, dispatcher, and
// origin forwarder. The registry must be the one the dispatcher delivers to.
func New(
	store *service.Store,
	registry *lifecycle.Registry,
	dispatcher *HTTPDispatcher,
	origin http.Handler,
	logger *slog.Logger,
	metrics *observability.Metrics,
	opts ...GatewayOption,
) *Gateway {
	g := &Gateway{
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		origin:     origin,
		logger:     logger,
		metrics:    metrics,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Registry exposes the waiter registry, used by the admin surface to report
// in-flight waiting requests.
func (g *Gateway) Registry() *lifecycle.Registry { return g.registry }

// Reload publishes a new configuration snapshot. An invalid config is
// rejected and the previous snapshot stays active.
func (g *Gateway) Reload(cfg *config.Config) error {
	snap, err := g.store.Replace(cfg)
	if err != nil {
		if g.metrics != nil {
			g.metrics.IncReloadErrors()
		}
		return err
	}
	if g.metrics != nil {
		g.metrics.IncReloads()
		g.metrics.PromConfigVersion.Set(float64(snap.Version))
	}
	g.logger.Info("configuration snapshot published",
		"version", snap.Version, "services", len(snap.Services))
	return nil
}

// ServeHTTP runs the authorization lifecycle and routes the request by its
// outcome: reject, forward with passthrough metadata, or hold for the
// backend verdict and forward on success.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false

	// Propagate or generate X-Request-Id for request correlation.
	// Validate client-supplied IDs to prevent CRLF injection and log pollution.
	reqID := r.Header.Get(requestIDHeader)
	if !validRequestID(reqID) {
		reqID = generateRequestID()
		r.Header.Set(requestIDHeader, reqID)
	}
	sw.Header().Set(requestIDHeader, reqID)

	defer func() {
		duration := time.Since(start).Seconds()
		g.metrics.PromRequestDuration.WithLabelValues(
			r.Method,
			strconv.Itoa(sw.code),
		).Observe(duration)
		sw.ResponseWriter = nil // prevent dangling reference
		statusWriterPool.Put(sw)
	}()

	snap := g.store.Load()
	machine := lifecycle.NewMachine(snap, g.dispatcher, g.logger)

	ctx, authSpan := tracer.Start(r.Context(), "authgate.authorize")
	step := machine.OnRequestHeaders(ctx, lifecycle.FromHTTP(r))
	authSpan.SetAttributes(
		attribute.String("authority", r.Host),
		attribute.String("step", string(step.Kind)),
	)
	authSpan.End()

	switch step.Kind {
	case lifecycle.StepForbidden:
		g.reject(sw, r, machine, start, step.Reason)

	case lifecycle.StepPassthrough:
		for k, vs := range step.Metadata {
			r.Header[k] = vs
		}
		g.metrics.IncPassthrough()
		g.emit(r, machine, "passthrough", start, nil)
		g.forward(sw, r, machine)

	case lifecycle.StepAwait:
		g.await(sw, r, machine, step.Token, start)
	}
}

// await parks the request until the dispatcher delivers the backend verdict,
// or the client goes away.
func (g *Gateway) await(sw *statusWriter, r *http.Request, machine *lifecycle.Machine, token uint64, start time.Time) {
	// Park first, then start the call: the verdict can never arrive before
	// a waiter exists to receive it.
	waiter := g.registry.Add(token, machine)
	g.dispatcher.Begin(r.Context(), token)

	select {
	case verdict := <-waiter.Verdicts:
		if verdict == lifecycle.VerdictResumed {
			svc := machine.Service()
			g.metrics.IncResumed()
			g.metrics.IncServiceResumed(svc.ID)
			g.emit(r, machine, "resumed", start, nil)
			g.forward(sw, r, machine)
			return
		}
		g.reject(sw, r, machine, start, nil)

	case <-r.Context().Done():
		g.registry.Cancel(token)
		g.logger.Debug("client gone while awaiting verdict",
			"request_id", r.Header.Get(requestIDHeader))
	}
}

// reject writes the uniform 403 response and records the outcome. The only
// header beyond the fixed body's Content-Type is X-Request-Id, set before
// the outcome is known and identical across all rejection causes, so the
// response reveals nothing about why the request was denied.
func (g *Gateway) reject(sw *statusWriter, r *http.Request, machine *lifecycle.Machine, start time.Time, reason error) {
	g.metrics.IncForbidden()
	if svc := machine.Service(); svc != nil {
		g.metrics.IncServiceForbidden(svc.ID)
	}
	g.emit(r, machine, "forbidden", start, reason)
	lifecycle.WriteForbidden(sw)
}

// forward strips the inbound credentials and hands the request to the
// origin forwarder. Credential sources are removed from both headers and
// the query string so secrets never reach the origin.
func (g *Gateway) forward(sw *statusWriter, r *http.Request, machine *lifecycle.Machine) {
	if svc := machine.Service(); svc != nil {
		stripCredentials(r, svc.Credentials)
	}

	ctx, originSpan := tracer.Start(r.Context(), "authgate.origin")
	originStart := time.Now()
	g.origin.ServeHTTP(sw, r.WithContext(ctx))
	g.metrics.PromOriginDuration.Observe(time.Since(originStart).Seconds())
	originSpan.End()
}

// stripCredentials removes every configured credential source from the
// request.
func stripCredentials(r *http.Request, creds authz.Credentials) {
	headers, queries := creds.SourceNames()
	for _, h := range headers {
		r.Header.Del(h)
	}
	if len(queries) > 0 && r.URL.RawQuery != "" {
		q := r.URL.Query()
		for _, name := range queries {
			q.Del(name)
		}
		r.URL.RawQuery = q.Encode()
	}
}

// emit enqueues an auth event when an emitter is configured. This is
// fire-and-forget and never blocks the request hot path.
func (g *Gateway) emit(r *http.Request, machine *lifecycle.Machine, outcome string, start time.Time, reason error) {
	if g.emitter == nil {
		return
	}

	ev := events.AuthEvent{
		Authority: r.Host,
		Method:    r.Method,
		Path:      r.URL.Path,
		Outcome:   outcome,
		Usage:     machine.Usage(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		LatencyMS: time.Since(start).Milliseconds(),
		RequestID: r.Header.Get(requestIDHeader),
	}
	if svc := machine.Service(); svc != nil {
		ev.ServiceID = svc.ID
		ev.Environment = string(svc.Environment)
	}
	if app := machine.Application(); app != nil {
		ev.Application = app.Redacted()
	}
	if reason != nil {
		ev.Reason = reason.Error()
	}
	g.emitter.Emit(ev)
}
