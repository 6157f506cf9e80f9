// Package config handles loading and validation of authgate configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with an
// AUTHGATE_ prefix:
//
//	server.address → AUTHGATE_SERVER_ADDRESS
//	backend.url    → AUTHGATE_BACKEND_URL
//
// The services list (ids, tokens, credentials, mapping rules) is YAML-only:
// it is nested structured data with no sane env-var encoding.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via AUTHGATE_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/authgate/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// RedisMode identifies the Redis deployment topology for the decision cache.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Top-level configuration
// ---------------------------------------------------------------------------

// Config is the top-level authgate configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"  envPrefix:"SERVER_"`
	Admin   AdminConfig   `yaml:"admin"   envPrefix:"ADMIN_"`
	Backend BackendConfig `yaml:"backend" envPrefix:"BACKEND_"`
	Origin  OriginConfig  `yaml:"origin"  envPrefix:"ORIGIN_"`

	Services []ServiceConfig `yaml:"services"`

	// PassthroughMetadata switches the filter into passthrough mode: resolved
	// identity and usage are attached to the forwarded request as metadata
	// headers instead of triggering a backend authorization call.
	PassthroughMetadata bool `yaml:"passthrough_metadata" env:"PASSTHROUGH_METADATA"`

	Cache   CacheConfig   `yaml:"cache"   envPrefix:"CACHE_"`
	Events  EventsConfig  `yaml:"events"  envPrefix:"EVENTS_"`
	Logging LoggingConfig `yaml:"logging" envPrefix:"LOGGING_"`
	Tracing TracingConfig `yaml:"tracing" envPrefix:"TRACING_"`
}

// ServerConfig holds the main filter server settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// BackendConfig identifies the policy backend that receives authorization
// report calls. When no URL is configured, every request that reaches the
// dispatch step is rejected: "no backend" is a rejection policy, not a bypass.
type BackendConfig struct {
	Name    string `yaml:"name"    env:"NAME"`
	URL     string `yaml:"url"     env:"URL"`
	Timeout string `yaml:"timeout" env:"TIMEOUT"`
}

// OriginConfig defines the protected upstream API that authorized requests
// are forwarded to.
type OriginConfig struct {
	URL             string          `yaml:"url"               env:"URL"`
	Timeout         string          `yaml:"timeout"           env:"TIMEOUT"`
	MaxIdleConns    int             `yaml:"max_idle_conns"    env:"MAX_IDLE_CONNS"`
	IdleConnTimeout string          `yaml:"idle_conn_timeout" env:"IDLE_CONN_TIMEOUT"`
	Transport       TransportConfig `yaml:"transport"         envPrefix:"TRANSPORT_"`
}

// TransportConfig holds low-level HTTP transport tuning for origin forwarding.
type TransportConfig struct {
	DialTimeout           string `yaml:"dial_timeout"            env:"DIAL_TIMEOUT"`
	DialKeepAlive         string `yaml:"dial_keep_alive"         env:"DIAL_KEEP_ALIVE"`
	TLSHandshakeTimeout   string `yaml:"tls_handshake_timeout"   env:"TLS_HANDSHAKE_TIMEOUT"`
	ExpectContinueTimeout string `yaml:"expect_continue_timeout" env:"EXPECT_CONTINUE_TIMEOUT"`
	H2ReadIdleTimeout     string `yaml:"h2_read_idle_timeout"    env:"H2_READ_IDLE_TIMEOUT"`
	H2PingTimeout         string `yaml:"h2_ping_timeout"         env:"H2_PING_TIMEOUT"`
	WebSocketDialTimeout  string `yaml:"websocket_dial_timeout"  env:"WEBSOCKET_DIAL_TIMEOUT"`
}

// ServiceConfig declares one managed service: its identity and token for the
// policy backend, the authorities (Host globs) that scope it, where its
// application credentials live, and its ordered mapping rules.
type ServiceConfig struct {
	ID          string              `yaml:"id"`
	Environment string              `yaml:"environment"`
	Token       RedactedString      `yaml:"token"`
	Authorities []string            `yaml:"authorities"`
	Credentials CredentialsConfig   `yaml:"credentials"`
	MappingRule []MappingRuleConfig `yaml:"mapping_rules"`
}

// CredentialsConfig maps identity shapes to the ordered request locations
// that may carry them.
type CredentialsConfig struct {
	UserKey    []CredentialSource `yaml:"user_key"`
	AppID      []CredentialSource `yaml:"app_id"`
	AppKey     []CredentialSource `yaml:"app_key"`
	OAuthToken []CredentialSource `yaml:"oauth_token"`
}

// CredentialSource names one request location: a header or a query parameter.
// Exactly one of the two must be set.
type CredentialSource struct {
	Header string `yaml:"header"`
	Query  string `yaml:"query"`
}

// MappingRuleConfig is the declarative form of one mapping rule.
// A zero delta means 1.
type MappingRuleConfig struct {
	Method  string `yaml:"method"`
	Pattern string `yaml:"pattern"`
	Metric  string `yaml:"metric"`
	Delta   int64  `yaml:"delta"`
	Last    bool   `yaml:"last"`
}

// CacheConfig holds the optional authorization decision cache settings.
// Without Redis the cache is in-process only.
type CacheConfig struct {
	Enabled    bool         `yaml:"enabled"     env:"ENABLED"`
	TTL        string       `yaml:"ttl"         env:"TTL"`
	MaxEntries int64        `yaml:"max_entries" env:"MAX_ENTRIES"`
	Redis      *RedisConfig `yaml:"redis"       envPrefix:"REDIS_"`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// EventsConfig holds optional authorization event emission settings. When
// enabled, authgate posts batched authorization decisions to an external
// HTTP receiver.
type EventsConfig struct {
	Enabled       bool             `yaml:"enabled"        env:"ENABLED"`
	HTTP          EventsHTTPConfig `yaml:"http"           envPrefix:"HTTP_"`
	BatchSize     int              `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string           `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int              `yaml:"buffer_size"    env:"BUFFER_SIZE"`
	MaxRetries    int              `yaml:"max_retries"    env:"MAX_RETRIES"`
	RetryBackoff  string           `yaml:"retry_backoff"  env:"RETRY_BACKOFF"`
}

// EventsHTTPConfig holds HTTP event receiver settings. Headers are attached
// to every batch request, typically for receiver authentication.
type EventsHTTPConfig struct {
	URL     string                    `yaml:"url"     env:"URL"`
	Headers map[string]RedactedString `yaml:"headers"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// ---------------------------------------------------------------------------
// RedactedString
// ---------------------------------------------------------------------------

// RedactedString is a string that masks its value in String(), GoString(),
// and MarshalJSON() to prevent accidental leakage of service tokens and
// cache credentials in logs or serialized output. Use .Value() to access
// the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// ---------------------------------------------------------------------------
// Defaults and loading
// ---------------------------------------------------------------------------

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "30s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Backend: BackendConfig{
			Name:    "policy-backend",
			Timeout: "5s",
		},
		Origin: OriginConfig{
			Timeout:         "30s",
			MaxIdleConns:    100,
			IdleConnTimeout: "90s",
			Transport: TransportConfig{
				DialTimeout:           "30s",
				DialKeepAlive:         "30s",
				TLSHandshakeTimeout:   "10s",
				ExpectContinueTimeout: "1s",
				H2ReadIdleTimeout:     "30s",
				H2PingTimeout:         "15s",
			},
		},
		Cache: CacheConfig{
			TTL:        "10s",
			MaxEntries: 10000,
		},
		Events: EventsConfig{
			BatchSize:     100,
			FlushInterval: "5s",
			BufferSize:    10000,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "authgate",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("AUTHGATE_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment
// variable overrides. The config file path defaults to
// /etc/authgate/config.yaml and can be overridden via AUTHGATE_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile)
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	// Pre-allocate cache.redis so the env parser can populate it. If neither
	// YAML nor env provided endpoints the pointer is reset to nil below.
	redisPresentInYAML := cfg.Cache.Redis != nil
	if cfg.Cache.Redis == nil {
		cfg.Cache.Redis = &RedisConfig{}
	}

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "AUTHGATE_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	if len(cfg.Cache.Redis.Endpoints) == 0 && !redisPresentInYAML {
		cfg.Cache.Redis = nil
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "Json" or
// env values like "SINGLE" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	if cfg.Cache.Redis != nil {
		cfg.Cache.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Cache.Redis.Mode)))
		if cfg.Cache.Redis.Mode == "" {
			cfg.Cache.Redis.Mode = RedisModeSingle
		}
	}
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
	for i := range cfg.Services {
		cfg.Services[i].Environment = strings.ToLower(strings.TrimSpace(cfg.Services[i].Environment))
	}
}

// normalizeTLSVersion maps the accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v // leave as-is; validation will catch invalid values
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks that the configuration is internally consistent. Authority
// glob and mapping-rule pattern compilation is checked when the service
// snapshot is built, so that runtime reloads reject bad patterns through the
// same path a cold start does.
func Validate(cfg *Config) error {
	if err := validateOrigin(cfg); err != nil {
		return err
	}
	if err := validateBackend(cfg); err != nil {
		return err
	}
	if err := validateServices(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateCache(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	if err := validateEvents(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateOrigin(cfg *Config) error {
	if cfg.Origin.URL == "" {
		return fmt.Errorf("origin.url is required")
	}
	normalized, err := normalizeURL(cfg.Origin.URL)
	if err != nil {
		return fmt.Errorf("invalid origin.url %q: %w", cfg.Origin.URL, err)
	}
	cfg.Origin.URL = normalized
	return nil
}

func validateBackend(cfg *Config) error {
	if cfg.Backend.URL == "" {
		return nil
	}
	normalized, err := normalizeURL(cfg.Backend.URL)
	if err != nil {
		return fmt.Errorf("invalid backend.url %q: %w", cfg.Backend.URL, err)
	}
	cfg.Backend.URL = normalized
	return nil
}

func validateServices(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Services))
	for i, svc := range cfg.Services {
		if svc.ID == "" {
			return fmt.Errorf("services[%d]: id is required", i)
		}
		if svc.Token == "" {
			return fmt.Errorf("services[%d] (%s): token is required", i, svc.ID)
		}
		if _, dup := seen[svc.ID]; dup {
			return fmt.Errorf("services[%d]: duplicate service id %q", i, svc.ID)
		}
		seen[svc.ID] = struct{}{}

		for j, src := range allCredentialSources(svc.Credentials) {
			if (src.Header == "") == (src.Query == "") {
				return fmt.Errorf("services[%d] (%s): credential source %d must set exactly one of header or query", i, svc.ID, j)
			}
		}

		for j, mr := range svc.MappingRule {
			if mr.Metric == "" {
				return fmt.Errorf("services[%d] (%s): mapping_rules[%d]: metric is required", i, svc.ID, j)
			}
			if mr.Method == "" {
				return fmt.Errorf("services[%d] (%s): mapping_rules[%d]: method is required", i, svc.ID, j)
			}
			if mr.Delta < 0 {
				return fmt.Errorf("services[%d] (%s): mapping_rules[%d]: delta must not be negative", i, svc.ID, j)
			}
		}
	}
	return nil
}

func allCredentialSources(c CredentialsConfig) []CredentialSource {
	var all []CredentialSource
	all = append(all, c.UserKey...)
	all = append(all, c.AppID...)
	all = append(all, c.AppKey...)
	all = append(all, c.OAuthToken...)
	return all
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"backend.timeout", cfg.Backend.Timeout},
		{"origin.timeout", cfg.Origin.Timeout},
		{"origin.idle_conn_timeout", cfg.Origin.IdleConnTimeout},
		{"origin.transport.dial_timeout", cfg.Origin.Transport.DialTimeout},
		{"origin.transport.dial_keep_alive", cfg.Origin.Transport.DialKeepAlive},
		{"origin.transport.tls_handshake_timeout", cfg.Origin.Transport.TLSHandshakeTimeout},
		{"origin.transport.expect_continue_timeout", cfg.Origin.Transport.ExpectContinueTimeout},
		{"origin.transport.h2_read_idle_timeout", cfg.Origin.Transport.H2ReadIdleTimeout},
		{"origin.transport.h2_ping_timeout", cfg.Origin.Transport.H2PingTimeout},
		{"cache.ttl", cfg.Cache.TTL},
		{"events.flush_interval", cfg.Events.FlushInterval},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}

	if cfg.Cache.Redis != nil {
		redisDurations := []struct {
			name, val string
		}{
			{"cache.redis.dial_timeout", cfg.Cache.Redis.DialTimeout},
			{"cache.redis.read_timeout", cfg.Cache.Redis.ReadTimeout},
			{"cache.redis.write_timeout", cfg.Cache.Redis.WriteTimeout},
		}
		for _, d := range redisDurations {
			if d.val == "" {
				continue
			}
			if _, err := time.ParseDuration(d.val); err != nil {
				return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
			}
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validateCache(cfg *Config) error {
	if !cfg.Cache.Enabled {
		return nil
	}
	if cfg.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must not be negative")
	}
	rc := cfg.Cache.Redis
	if rc == nil || len(rc.Endpoints) == 0 {
		return nil // in-process cache only
	}
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid cache.redis.mode %q", rc.Mode)
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("cache.redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("cache.redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateEvents(cfg *Config) error {
	if !cfg.Events.Enabled {
		return nil
	}
	if cfg.Events.HTTP.URL == "" {
		return fmt.Errorf("events.http.url is required when events are enabled")
	}
	if cfg.Events.BatchSize <= 0 {
		return fmt.Errorf("events.batch_size must be positive")
	}
	if cfg.Events.BufferSize <= 0 {
		return fmt.Errorf("events.buffer_size must be positive")
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// normalizeURL parses a URL and ensures the host always has an explicit
// port. If no port is specified, the scheme-appropriate default is appended
// (80 for http, 443 for https).
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("scheme and host are required")
	}

	if u.Port() == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			u.Host += ":443"
		default:
			u.Host += ":80"
		}
	}

	return u.String(), nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns the field paths
// that changed and require a process restart. An empty slice means the new
// config can be hot-reloaded by swapping the service snapshot.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	if c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled {
		fields = append(fields, "server.tls.http3_enabled")
	}
	return fields
}
