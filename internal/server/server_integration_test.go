package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/authgate/authgate/internal/lifecycle"
	"github.com/authgate/authgate/internal/proxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func TestServerRunAndShutdown(t *testing.T) {
	t.Run("starts and stops gracefully", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Backend.URL = "http://127.0.0.1:1" // won't actually connect
		cfg.Server.Address = ":0"              // random port
		cfg.Admin.Address = ":0"               // random port

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx)
		}()

		// Give server time to start.
		time.Sleep(200 * time.Millisecond)

		// Cancel to trigger shutdown.
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("server did not shut down within timeout")
		}
	})
}

// waitReady polls the admin health endpoint until the server answers.
func waitReady(t *testing.T, adminAddr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, httpErr := http.Get("http://" + adminAddr + "/healthz")
		if httpErr != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond, "admin server did not become ready")
}

func TestServerHealthEndpoints(t *testing.T) {
	t.Run("healthz and readyz are accessible", func(t *testing.T) {
		filterAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		cfg := baseConfig()
		cfg.Backend.URL = "http://127.0.0.1:1"
		cfg.Server.Address = filterAddr
		cfg.Admin.Address = adminAddr

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx)
		}()

		waitReady(t, adminAddr)

		client := &http.Client{Timeout: 2 * time.Second}

		// Test startz.
		respS, err := client.Get("http://" + adminAddr + "/startz")
		require.NoError(t, err)
		defer respS.Body.Close()
		assert.Equal(t, http.StatusOK, respS.StatusCode)

		var startBody map[string]string
		require.NoError(t, json.NewDecoder(respS.Body).Decode(&startBody))
		assert.Equal(t, "started", startBody["status"])

		// Test healthz.
		resp, err := client.Get("http://" + adminAddr + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "alive", body["status"])

		// Test readyz. The body reports the parked-request count, zero on an
		// idle server.
		resp2, err := client.Get("http://" + adminAddr + "/readyz")
		require.NoError(t, err)
		defer resp2.Body.Close()
		assert.Equal(t, http.StatusOK, resp2.StatusCode)
		var ready map[string]any
		require.NoError(t, json.NewDecoder(resp2.Body).Decode(&ready))
		assert.Equal(t, "ready", ready["status"])
		assert.Equal(t, float64(0), ready["waiting"])

		// Test metrics endpoint.
		resp3, err := client.Get("http://" + adminAddr + "/metrics")
		require.NoError(t, err)
		defer resp3.Body.Close()
		assert.Equal(t, http.StatusOK, resp3.StatusCode)
		metricsBody, _ := io.ReadAll(resp3.Body)
		assert.Contains(t, string(metricsBody), "authgate_requests_waiting")

		cancel()
		<-done
	})
}

// freeAddr returns a "host:port" string with a port the OS has confirmed is
// available. The listener is closed immediately so the port can be reused.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestServerAuthorizesTraffic(t *testing.T) {
	t.Run("authorized request reaches the origin", func(t *testing.T) {
		policyBackend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/transactions/authrep.xml", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		}))
		defer policyBackend.Close()

		origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Origin", "true")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "hello from origin")
		}))
		defer origin.Close()

		filterAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		cfg := baseConfig()
		cfg.Backend.URL = policyBackend.URL
		cfg.Origin.URL = origin.URL
		cfg.Server.Address = filterAddr
		cfg.Admin.Address = adminAddr

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx)
		}()

		waitReady(t, adminAddr)

		client := &http.Client{Timeout: 5 * time.Second}
		req, err := http.NewRequest(http.MethodGet, "http://"+filterAddr+"/widgets?user_key=uk-1", nil)
		require.NoError(t, err)
		req.Host = "api.example.com"

		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "true", resp.Header.Get("X-Origin"))
		assert.Equal(t, proxy.MarkerValue, resp.Header.Get(proxy.MarkerHeader))
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "hello from origin", string(body))

		cancel()
		<-done
	})

	t.Run("unknown authority is rejected with 403", func(t *testing.T) {
		origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			t.Error("origin must not be reached")
		}))
		defer origin.Close()

		filterAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		cfg := baseConfig()
		cfg.Backend.URL = "http://127.0.0.1:1"
		cfg.Origin.URL = origin.URL
		cfg.Server.Address = filterAddr
		cfg.Admin.Address = adminAddr

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx)
		}()

		waitReady(t, adminAddr)

		client := &http.Client{Timeout: 5 * time.Second}
		req, err := http.NewRequest(http.MethodGet, "http://"+filterAddr+"/widgets?user_key=uk-1", nil)
		require.NoError(t, err)
		req.Host = "unknown.example.org"

		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, lifecycle.ForbiddenBody, string(body))

		cancel()
		<-done
	})
}

func TestAdminEndpointVersioning(t *testing.T) {
	adminAddr := freeAddr(t)
	filterAddr := freeAddr(t)

	cfg := baseConfig()
	cfg.Backend.URL = "http://127.0.0.1:1"
	cfg.Server.Address = filterAddr
	cfg.Admin.Address = adminAddr

	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	waitReady(t, adminAddr)

	client := &http.Client{Timeout: 2 * time.Second}

	t.Run("/v1/config returns valid JSON", func(t *testing.T) {
		resp, err := client.Get("http://" + adminAddr + "/v1/config")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Contains(t, body, "Server")
		assert.Contains(t, body, "Services")
	})

	t.Run("/v1/stats returns valid JSON", func(t *testing.T) {
		resp, err := client.Get("http://" + adminAddr + "/v1/stats")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Contains(t, body, "requests_resumed")
		assert.Contains(t, body, "requests_waiting")
	})

	cancel()
	<-done
}

func TestAdminConfigOmitsSensitiveData(t *testing.T) {
	adminAddr := freeAddr(t)
	filterAddr := freeAddr(t)

	cfg := baseConfig()
	cfg.Backend.URL = "https://policy.backend.internal:443"
	cfg.Server.Address = filterAddr
	cfg.Admin.Address = adminAddr
	cfg.Services[0].Token = "s3cret-token"

	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	waitReady(t, adminAddr)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + adminAddr + "/v1/config")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	raw := string(body)
	assert.NotContains(t, raw, "s3cret-token", "service token must not appear in /v1/config")
	assert.Contains(t, raw, "policy.backend.internal", "backend host should be visible")

	cancel()
	<-done
}

func TestServerTLSHTTP2(t *testing.T) {
	t.Run("negotiates HTTP/2 over TLS without h2c conflict", func(t *testing.T) {
		policyBackend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer policyBackend.Close()

		// The origin must support h2c (HTTP/2 over cleartext) because the
		// forwarder relays HTTP/2 requests using the h2 transport with
		// AllowHTTP (prior-knowledge h2c).
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Origin", "true")
			fmt.Fprint(w, "ok")
		})
		h2cOrigin := httptest.NewUnstartedServer(h2c.NewHandler(handler, &http2.Server{}))
		h2cOrigin.Start()
		defer h2cOrigin.Close()

		dir := t.TempDir()
		certFile := dir + "/tls.crt"
		keyFile := dir + "/tls.key"
		require.NoError(t, generateSelfSignedCert(certFile, keyFile))

		filterAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		cfg := baseConfig()
		cfg.Backend.URL = policyBackend.URL
		cfg.Origin.URL = h2cOrigin.URL
		cfg.Server.Address = filterAddr
		cfg.Admin.Address = adminAddr
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.CertFile = certFile
		cfg.Server.TLS.KeyFile = keyFile

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx)
		}()

		waitReady(t, adminAddr)

		tr := &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
		require.NoError(t, http2.ConfigureTransport(tr))
		tlsClient := &http.Client{Timeout: 5 * time.Second, Transport: tr}

		req, err := http.NewRequest(http.MethodGet, "https://"+filterAddr+"/widgets?user_key=uk-1", nil)
		require.NoError(t, err)
		req.Host = "api.example.com"

		resp, err := tlsClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "HTTP/2.0", resp.Proto, "TLS connection must negotiate HTTP/2 via ALPN")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "true", resp.Header.Get("X-Origin"))
		assert.Equal(t, "ok", string(body))

		cancel()
		<-done
	})

	t.Run("cleartext requests still work", func(t *testing.T) {
		policyBackend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer policyBackend.Close()

		origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "ok")
		}))
		defer origin.Close()

		filterAddr := freeAddr(t)
		adminAddr := freeAddr(t)

		cfg := baseConfig()
		cfg.Backend.URL = policyBackend.URL
		cfg.Origin.URL = origin.URL
		cfg.Server.Address = filterAddr
		cfg.Admin.Address = adminAddr

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- srv.Run(ctx)
		}()

		waitReady(t, adminAddr)

		client := &http.Client{Timeout: 5 * time.Second}
		req, err := http.NewRequest(http.MethodGet, "http://"+filterAddr+"/widgets?user_key=uk-1", nil)
		require.NoError(t, err)
		req.Host = "api.example.com"

		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "ok", string(body))

		cancel()
		<-done
	})
}
