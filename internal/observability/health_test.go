package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCacheTier struct {
	err error
}

func (f *fakeCacheTier) Ping(_ context.Context) error { return f.err }

func probeReady(t *testing.T, h *HealthChecker, target string) (int, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ReadyzHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return rr.Code, body
}

func TestHealthCheckerStateTransitions(t *testing.T) {
	h := NewHealthChecker()

	assert.False(t, h.IsStarted())
	assert.False(t, h.IsReady())

	h.SetStarted()
	assert.True(t, h.IsStarted())

	h.SetReady()
	assert.True(t, h.IsReady())

	h.SetNotReady()
	assert.False(t, h.IsReady())
	assert.True(t, h.IsStarted(), "draining must not reset startup")
}

func TestStartzHandler(t *testing.T) {
	t.Run("returns 503 before startup completes", func(t *testing.T) {
		h := NewHealthChecker()

		rr := httptest.NewRecorder()
		h.StartzHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/startz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"status":"not_started"}`, rr.Body.String())
	})

	t.Run("returns 200 after startup completes", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetStarted()

		rr := httptest.NewRecorder()
		h.StartzHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/startz", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"status":"started"}`, rr.Body.String())
	})
}

func TestHealthzHandler(t *testing.T) {
	t.Run("returns 200 even when not ready", func(t *testing.T) {
		h := NewHealthChecker()

		rr := httptest.NewRecorder()
		h.HealthzHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"status":"alive"}`, rr.Body.String())
	})
}

func TestReadyzHandler(t *testing.T) {
	t.Run("returns 503 when not ready", func(t *testing.T) {
		h := NewHealthChecker()

		code, body := probeReady(t, h, "/readyz")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "not_ready", body["status"])
	})

	t.Run("returns 200 when ready", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()

		code, body := probeReady(t, h, "/readyz")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ready", body["status"])
	})

	t.Run("omits waiting until a source is wired", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()

		_, body := probeReady(t, h, "/readyz")
		assert.NotContains(t, body, "waiting")
	})

	t.Run("reports parked request count", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()

		parked := 0
		h.SetWaitingSource(func() int { return parked })

		_, body := probeReady(t, h, "/readyz")
		assert.Equal(t, float64(0), body["waiting"])

		parked = 12
		_, body = probeReady(t, h, "/readyz")
		assert.Equal(t, float64(12), body["waiting"])
	})

	t.Run("reports parked requests while draining", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetWaitingSource(func() int { return 3 })
		h.SetNotReady()

		code, body := probeReady(t, h, "/readyz")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "not_ready", body["status"])
		assert.Equal(t, float64(3), body["waiting"])
	})
}

func TestReadyzHandlerDeepProbe(t *testing.T) {
	t.Run("deep=true returns 200 when the shared tier is reachable", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetCachePinger(&fakeCacheTier{})

		code, body := probeReady(t, h, "/readyz?deep=true")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ready", body["status"])
		assert.Equal(t, "ok", body["decision_cache"])
	})

	t.Run("deep=true returns 503 when the shared tier is unreachable", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetCachePinger(&fakeCacheTier{err: fmt.Errorf("connection refused")})

		code, body := probeReady(t, h, "/readyz?deep=true")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "not_ready", body["status"])
		assert.Equal(t, "unreachable", body["decision_cache"])
	})

	t.Run("deep=true without a shared tier omits the cache field", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()

		code, body := probeReady(t, h, "/readyz?deep=true")
		assert.Equal(t, http.StatusOK, code)
		assert.NotContains(t, body, "decision_cache")
	})

	t.Run("cleared pinger skips the probe", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetCachePinger(&fakeCacheTier{err: fmt.Errorf("connection refused")})
		h.SetCachePinger(nil)

		code, _ := probeReady(t, h, "/readyz?deep=true")
		assert.Equal(t, http.StatusOK, code)
	})
}
