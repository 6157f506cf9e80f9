// Package server orchestrates Authgate's main filter server and admin server.
// The main server authorizes incoming traffic (HTTP, gRPC, SSE, WebSocket)
// and forwards it to the origin, while the admin server exposes health
// checks, readiness probes, and Prometheus metrics.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/authgate/authgate/internal/cache"
	"github.com/authgate/authgate/internal/config"
	"github.com/authgate/authgate/internal/events"
	"github.com/authgate/authgate/internal/gateway"
	"github.com/authgate/authgate/internal/lifecycle"
	"github.com/authgate/authgate/internal/observability"
	"github.com/authgate/authgate/internal/proxy"
	iredis "github.com/authgate/authgate/internal/redis"
	"github.com/authgate/authgate/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Server is the main Authgate server.
type Server struct {
	cfg             *config.Config
	logger          *slog.Logger
	version         string
	mainServer      *http.Server
	http3Server     *http3.Server // nil when HTTP/3 is disabled.
	adminServer     *http.Server
	gateway         *gateway.Gateway
	emitter         *events.Emitter
	decisions       *cache.Store  // nil when the decision cache is disabled.
	redisClient     iredis.Client // nil without a shared cache tier.
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled; supports hot-reload.
}

// New creates a new Authgate server instance.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	health := observability.NewHealthChecker()
	registry := lifecycle.NewRegistry()
	health.SetWaitingSource(registry.Len)
	metrics := observability.NewMetrics(reg, func() float64 {
		return float64(registry.Len())
	})

	snap, err := service.NewSnapshot(cfg, 1)
	if err != nil {
		return nil, fmt.Errorf("compile service configuration: %w", err)
	}
	store := service.NewStore(snap)
	metrics.PromConfigVersion.Set(float64(snap.Version))

	decisions, redisClient, err := buildDecisionCache(cfg, logger, metrics, health)
	if err != nil {
		return nil, err
	}

	dispatcherOpts := []gateway.DispatcherOption{
		gateway.WithDispatcherLogger(logger),
	}
	if decisions != nil {
		dispatcherOpts = append(dispatcherOpts, gateway.WithDecisionCache(decisions))
	}
	dispatcher := gateway.NewHTTPDispatcher(registry, dispatcherOpts...)
	dispatcher.OnBackendCall = func(status string, elapsed time.Duration) {
		metrics.PromBackendDuration.Observe(elapsed.Seconds())
		if status == "" {
			metrics.IncBackendErrors()
		}
	}

	origin, err := proxy.New(cfg.Origin, logger)
	if err != nil {
		return nil, fmt.Errorf("create origin forwarder: %w", err)
	}

	emitter := events.NewEmitter(cfg.Events, logger, metrics)

	var gwOpts []gateway.GatewayOption
	if emitter != nil {
		gwOpts = append(gwOpts, gateway.WithEmitter(emitter))
	}
	gw := gateway.New(store, registry, dispatcher, origin, logger, metrics, gwOpts...)

	mainServer, h3srv := buildMainServer(cfg, gw, logger)

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		version:     version,
		mainServer:  mainServer,
		http3Server: h3srv,
		gateway:     gw,
		emitter:     emitter,
		decisions:   decisions,
		redisClient: redisClient,
		health:      health,
		metrics:     metrics,
	}
	s.adminServer = buildAdminServer(cfg, health, reg, logger, s.adminState)
	return s, nil
}

// adminState gathers the live values the admin introspection endpoints
// report. Reload replaces s.cfg, so the view is built per request.
func (s *Server) adminState() (*config.Config, observability.MetricsSnapshot, int) {
	return s.cfg, s.metrics.Snapshot(), s.gateway.Registry().Len()
}

// buildDecisionCache constructs the decision cache, including the shared
// Redis tier when one is configured. The Redis client is created without an
// initial ping so a cold cache tier cannot block startup.
func buildDecisionCache(
	cfg *config.Config,
	logger *slog.Logger,
	metrics *observability.Metrics,
	health *observability.HealthChecker,
) (*cache.Store, iredis.Client, error) {
	if !cfg.Cache.Enabled {
		return nil, nil, nil
	}

	ttl, _ := config.ParseDuration(cfg.Cache.TTL, 10*time.Second)
	maxEntries := cfg.Cache.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 10000
	}

	opts := []cache.Option{cache.WithLogger(logger)}
	var client iredis.Client
	if cfg.Cache.Redis != nil {
		iredis.WarnInsecureRedis(cfg.Cache.Redis.TLS, logger)
		c, err := iredis.NewClientWithoutPing(*cfg.Cache.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("create cache redis client: %w", err)
		}
		client = c
		opts = append(opts, cache.WithSharedClient(c))
		health.SetCachePinger(redisPingerAdapter{c})
	}

	store, err := cache.NewStore(ttl, maxEntries, opts...)
	if err != nil {
		if client != nil {
			_ = client.Close()
		}
		return nil, nil, fmt.Errorf("create decision cache: %w", err)
	}
	store.OnHit = metrics.IncCacheHit
	store.OnMiss = metrics.IncCacheMiss
	store.OnStore = metrics.IncCacheStore
	return store, client, nil
}

// redisPingerAdapter adapts the go-redis client to the health Pinger.
type redisPingerAdapter struct {
	client iredis.Client
}

func (a redisPingerAdapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

func buildMainServer(cfg *config.Config, gw *gateway.Gateway, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	h2s := &http2.Server{}
	mainHandler := h2c.NewHandler(gw, h2s)

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        gw,
			MaxHeaderBytes: 1 << 20, // 1 MiB — same as the TCP server.
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // Disable 0-RTT to prevent replay attacks.
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if setErr := h3srv.SetQUICHeaders(w.Header()); setErr != nil {
					logger.Debug("failed to set Alt-Svc header", "error", setErr)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default to prevent large-header DoS.
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
		ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	return srv, h3srv
}

// statsResponse is the /v1/stats payload.
type statsResponse struct {
	RequestsResumed     int64 `json:"requests_resumed"`
	RequestsForbidden   int64 `json:"requests_forbidden"`
	RequestsPassthrough int64 `json:"requests_passthrough"`
	RequestsWaiting     int   `json:"requests_waiting"`
	BackendErrors       int64 `json:"backend_errors"`
	CacheHits           int64 `json:"cache_hits"`
	CacheMisses         int64 `json:"cache_misses"`
	EventsDropped       int64 `json:"events_dropped"`
}

func buildAdminServer(
	cfg *config.Config,
	health *observability.HealthChecker,
	reg *prometheus.Registry,
	logger *slog.Logger,
	state func() (*config.Config, observability.MetricsSnapshot, int),
) *http.Server {
	adminReadTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	// Secrets are RedactedString values, so the serialized config masks them.
	adminMux.HandleFunc("/v1/config", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		current, _, _ := state()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(current)
	})
	adminMux.HandleFunc("/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_, snap, waiting := state()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statsResponse{
			RequestsResumed:     snap.Resumed,
			RequestsForbidden:   snap.Forbidden,
			RequestsPassthrough: snap.Passthrough,
			RequestsWaiting:     waiting,
			BackendErrors:       snap.BackendErrors,
			CacheHits:           snap.CacheHits,
			CacheMisses:         snap.CacheMisses,
			EventsDropped:       snap.EventsDropped,
		})
	})

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default.
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

// newCertHolder creates and loads the initial certificate.
func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

// tlsMinVersion returns the tls.Config MinVersion from config, defaulting to TLS 1.2.
func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts both the main and admin servers and blocks until the context is
// canceled, then performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 3)

	// readyCh is closed after the main listener has successfully bound,
	// preventing SetReady from being called before the server can accept
	// connections.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}

	s.health.SetStarted()

	// Wait for the main listener to bind (or fail) before marking ready.
	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("authgate is ready", "version", s.version)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("filter server starting",
		"address", s.cfg.Server.Address,
		"backend", s.cfg.Backend.URL,
		"origin", s.cfg.Origin.URL,
		"tls", s.cfg.Server.TLS.Enabled,
		"http3", s.cfg.Server.TLS.HTTP3Enabled)

	// Separate Listen from Serve so we can signal readiness after bind.
	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("filter server listen: %w", listenErr)
		return
	}
	close(readyCh) // signal that the listener has bound

	var err error
	if s.cfg.Server.TLS.Enabled {
		// Create a certHolder for hot-reload support.
		ch, certErr := newCertHolder(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if certErr != nil {
			errCh <- certErr
			return
		}
		s.certs = ch

		minVer := max(tlsMinVersion(s.cfg), tls.VersionTLS12)
		tlsCfg := &tls.Config{
			MinVersion:     minVer,
			GetCertificate: ch.GetCertificate,
		}
		s.mainServer.TLSConfig = tlsCfg

		// Share the same TLS config with the HTTP/3 server so both
		// listeners enforce identical MinVersion and ciphers.
		if s.http3Server != nil {
			s.http3Server.TLSConfig = tlsCfg
		}

		tlsLn := tls.NewListener(ln, tlsCfg)
		err = s.mainServer.Serve(tlsLn)
	} else {
		err = s.mainServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("filter server: %w", err)
	}
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.cfg.Server.Address)
	err := s.http3Server.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

// restartRequired reports whether cfg changes fall outside what Reload can
// apply. The backend dispatcher, origin forwarder, and decision cache are
// built once at startup.
func restartRequired(old, updated *config.Config) bool {
	return !reflect.DeepEqual(old.Backend, updated.Backend) ||
		!reflect.DeepEqual(old.Origin, updated.Origin) ||
		!reflect.DeepEqual(old.Cache, updated.Cache)
}

// Reload hot-swaps the service configuration snapshot and TLS certificates
// without restarting the server.
func (s *Server) Reload(newCfg *config.Config) error {
	if err := s.gateway.Reload(newCfg); err != nil {
		return err
	}

	if restartRequired(s.cfg, newCfg) {
		s.logger.Warn("backend, origin, or cache configuration changed; a restart is required for those sections to take effect")
	}

	// Reload TLS certificates if TLS is enabled and cert files are configured.
	if s.certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		if err := s.certs.Reload(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile); err != nil {
			s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		} else {
			s.logger.Info("TLS certificates reloaded")
		}
	}

	s.cfg = newCfg
	return nil
}

// ReloadCerts hot-swaps the TLS certificate from the given files. No-op when
// TLS is not enabled.
func (s *Server) ReloadCerts(certFile, keyFile string) {
	if s.certs == nil {
		return
	}
	if err := s.certs.Reload(certFile, keyFile); err != nil {
		s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		return
	}
	s.logger.Info("TLS certificates reloaded")
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout, _ := config.ParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("main server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	if s.emitter != nil {
		if err := s.emitter.Close(); err != nil {
			s.logger.Error("event emitter close error", "error", err)
		}
	}

	if s.decisions != nil {
		s.decisions.Close()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("redis client close error", "error", err)
		}
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
