// Package service holds the compiled, immutable form of the gateway's
// service configuration. A Snapshot is built once per config (re)load and
// published through a Store; request handling never touches the raw config.
package service

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/authgate/authgate/internal/authz"
	"github.com/authgate/authgate/internal/config"
	"github.com/authgate/authgate/internal/glob"
	"github.com/authgate/authgate/internal/mapping"
)

// Environment identifies the deployment environment a service reports under.
type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentUnknown    Environment = "unknown"
)

// ParseEnvironment maps a config string to an Environment. An absent value
// means production; a value that is neither production nor staging maps to
// unknown rather than failing, so a typo degrades visibly instead of
// rejecting the whole config.
func ParseEnvironment(s string) Environment {
	switch s {
	case "":
		return EnvironmentProduction
	case string(EnvironmentProduction):
		return EnvironmentProduction
	case string(EnvironmentStaging):
		return EnvironmentStaging
	default:
		return EnvironmentUnknown
	}
}

// Backend is the compiled policy backend target.
type Backend struct {
	Name    string
	URL     string
	Timeout time.Duration
}

// Service is one compiled managed service.
type Service struct {
	ID          string
	Environment Environment
	Token       string
	Authorities glob.PatternSet
	Credentials authz.Credentials
	Rules       []mapping.Rule
}

// MatchesAuthority reports whether this service handles requests for the
// given authority (the Host header value). A service with no configured
// authorities handles any authority. When the raw authority carries a port
// and does not match, the bare hostname is tried as well, so a pattern like
// "api.example.com" still covers "api.example.com:8443".
func (s *Service) MatchesAuthority(authority string) bool {
	if s.Authorities.Empty() {
		return true
	}
	if s.Authorities.IsMatch(authority) {
		return true
	}
	if host, _, err := net.SplitHostPort(authority); err == nil {
		return s.Authorities.IsMatch(host)
	}
	return false
}

// Snapshot is one immutable compiled configuration generation. Handlers
// capture a snapshot at request start and use it for the whole request, so
// a concurrent reload never changes semantics mid-flight.
type Snapshot struct {
	Version             uint64
	Services            []*Service
	Backend             *Backend // nil when no policy backend is configured
	PassthroughMetadata bool
}

// Lookup returns the first service whose authorities match, or nil when no
// service handles the authority. Declaration order is the priority order.
func (s *Snapshot) Lookup(authority string) *Service {
	for _, svc := range s.Services {
		if svc.MatchesAuthority(authority) {
			return svc
		}
	}
	return nil
}

// NewSnapshot compiles the raw config into an immutable snapshot. Glob and
// mapping-rule compilation errors surface here, which makes this the
// gatekeeper for hot reloads: a config that fails to compile is never
// published.
func NewSnapshot(cfg *config.Config, version uint64) (*Snapshot, error) {
	snap := &Snapshot{
		Version:             version,
		PassthroughMetadata: cfg.PassthroughMetadata,
	}

	if cfg.Backend.URL != "" {
		timeout, err := config.ParseDuration(cfg.Backend.Timeout, 5*time.Second)
		if err != nil {
			return nil, fmt.Errorf("backend.timeout: %w", err)
		}
		snap.Backend = &Backend{
			Name:    cfg.Backend.Name,
			URL:     cfg.Backend.URL,
			Timeout: timeout,
		}
	}

	snap.Services = make([]*Service, 0, len(cfg.Services))
	for _, sc := range cfg.Services {
		svc, err := compileService(sc)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", sc.ID, err)
		}
		snap.Services = append(snap.Services, svc)
	}

	return snap, nil
}

func compileService(sc config.ServiceConfig) (*Service, error) {
	authorities, err := glob.Compile(sc.Authorities)
	if err != nil {
		return nil, fmt.Errorf("authorities: %w", err)
	}

	rules := make([]mapping.Rule, 0, len(sc.MappingRule))
	for i, rc := range sc.MappingRule {
		rule, err := mapping.CompileRule(rc.Method, rc.Pattern, rc.Metric, rc.Delta, rc.Last)
		if err != nil {
			return nil, fmt.Errorf("mapping rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}

	return &Service{
		ID:          sc.ID,
		Environment: ParseEnvironment(sc.Environment),
		Token:       sc.Token.Value(),
		Authorities: authorities,
		Credentials: compileCredentials(sc.Credentials),
		Rules:       rules,
	}, nil
}

func compileCredentials(cc config.CredentialsConfig) authz.Credentials {
	return authz.Credentials{
		UserKey:    compileSources(cc.UserKey),
		AppID:      compileSources(cc.AppID),
		AppKey:     compileSources(cc.AppKey),
		OAuthToken: compileSources(cc.OAuthToken),
	}
}

func compileSources(srcs []config.CredentialSource) []authz.Source {
	if len(srcs) == 0 {
		return nil
	}
	out := make([]authz.Source, len(srcs))
	for i, s := range srcs {
		out[i] = authz.Source{Header: s.Header, Query: s.Query}
	}
	return out
}

// ---------------------------------------------------------------------------
// Store — lock-free snapshot publication.
// ---------------------------------------------------------------------------

// Store publishes the current Snapshot. Load is a single atomic pointer
// read on the request hot path; Replace swaps in a new generation.
type Store struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
}

// NewStore creates a store holding the given initial snapshot.
func NewStore(initial *Snapshot) *Store {
	st := &Store{}
	st.current.Store(initial)
	st.version.Store(initial.Version)
	return st
}

// Load returns the current snapshot. The result is immutable; callers keep
// it for the duration of one request.
func (st *Store) Load() *Snapshot {
	return st.current.Load()
}

// Replace compiles cfg into a new snapshot with the next version number and
// publishes it. On compile error the current snapshot stays in place.
func (st *Store) Replace(cfg *config.Config) (*Snapshot, error) {
	snap, err := NewSnapshot(cfg, st.version.Add(1))
	if err != nil {
		return nil, err
	}
	st.current.Store(snap)
	return snap, nil
}
