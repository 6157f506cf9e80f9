// Package lifecycle implements the per-request authorization state machine.
// One Machine drives exactly one inbound request: it resolves the service
// and application, matches mapping rules, and either attaches passthrough
// metadata, rejects, or dispatches a backend call and waits for the
// correlated response to produce a verdict.
//
// The machine performs no network I/O and holds no locks; dispatch happens
// through the Dispatcher collaborator and response correlation through the
// Registry.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/authgate/authgate/internal/authrep"
	"github.com/authgate/authgate/internal/authz"
	"github.com/authgate/authgate/internal/mapping"
	"github.com/authgate/authgate/internal/service"
)

// Forbidden rejections are uniform regardless of which step failed: a fixed
// status and body, no extra headers. Callers must not vary this response.
const (
	ForbiddenStatus = http.StatusForbidden
	ForbiddenBody   = "Access forbidden.\n"
)

// StatusHeader is the synthetic header carrying the backend response status.
// A response map without it counts as a rejection.
const StatusHeader = ":status"

// Passthrough metadata header names attached to forwarded requests when
// passthrough mode is enabled.
const (
	HeaderAppID        = "X-Authgate-App-Id"
	HeaderUserKey      = "X-Authgate-User-Key"
	HeaderClusterName  = "X-Authgate-Cluster-Name"
	HeaderUpstreamURL  = "X-Authgate-Upstream-Url"
	HeaderTimeout      = "X-Authgate-Timeout"
	HeaderServiceID    = "X-Authgate-Service-Id"
	HeaderServiceToken = "X-Authgate-Service-Token"
	HeaderUsages       = "X-Authgate-Usages"
)

// State is the lifecycle position of one request.
type State string

const (
	StateStart           State = "start"
	StateResolving       State = "resolving"
	StateForbidden       State = "forbidden"
	StatePassthroughDone State = "passthrough_done"
	StateAwaiting        State = "awaiting_backend_response"
	StateResumed         State = "resumed"
)

// Verdict is the final decision for a request that reached the backend.
type Verdict string

const (
	VerdictResumed   Verdict = "resumed"
	VerdictForbidden Verdict = "forbidden"
)

// StepKind classifies the outcome of OnRequestHeaders.
type StepKind string

const (
	// StepForbidden terminates the request with the fixed 403 response.
	StepForbidden StepKind = "forbidden"
	// StepPassthrough continues the request with metadata headers attached.
	StepPassthrough StepKind = "passthrough"
	// StepAwait holds the request until the correlated verdict arrives.
	StepAwait StepKind = "await"
)

// Step is the outcome of the header event. For StepAwait, Token correlates
// the future backend response. For StepPassthrough, Metadata holds the
// headers to attach. Reason carries the internal failure for diagnostics
// only; it never shapes the external response.
type Step struct {
	Kind     StepKind
	Token    uint64
	Metadata http.Header
	Reason   error
}

// Dispatcher starts the outbound backend call and returns a correlation
// token. The token binds exactly one future response delivery to this
// machine. A synchronous error means the call never started.
type Dispatcher interface {
	Dispatch(ctx context.Context, backend *service.Backend, call *authrep.Request) (uint64, error)
}

var (
	// ErrNoService means no configured service matched the request authority.
	ErrNoService = errors.New("lifecycle: no service for authority")

	// ErrNoBackend means no policy backend is configured.
	ErrNoBackend = errors.New("lifecycle: no backend configured")

	// ErrBadState means an event arrived in a state that cannot accept it.
	ErrBadState = errors.New("lifecycle: event not valid in current state")
)

// Machine is the per-request state machine. It is not safe for concurrent
// use; the Registry serializes response delivery against it.
type Machine struct {
	snapshot   *service.Snapshot
	dispatcher Dispatcher
	logger     *slog.Logger

	state State
	svc   *service.Service
	app   authz.Application
	usage mapping.Usage
	token uint64
}

// NewMachine creates a machine bound to one configuration snapshot. The
// snapshot is captured here so a concurrent reload never changes this
// request's view of the world.
func NewMachine(snap *service.Snapshot, dispatcher Dispatcher, logger *slog.Logger) *Machine {
	return &Machine{
		snapshot:   snap,
		dispatcher: dispatcher,
		logger:     logger,
		state:      StateStart,
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() State { return m.state }

// Service returns the matched service, or nil before resolution.
func (m *Machine) Service() *service.Service { return m.svc }

// Application returns the resolved application identity, or nil.
func (m *Machine) Application() authz.Application { return m.app }

// Usage returns the matched usage deltas.
func (m *Machine) Usage() mapping.Usage { return m.usage }

// Token returns the correlation token, valid only after a StepAwait outcome.
func (m *Machine) Token() uint64 { return m.token }

// OnRequestHeaders consumes the inbound request's header event. Valid only
// in StateStart. Every internal failure collapses to StepForbidden; the
// distinguishing error is preserved in Step.Reason for logging.
func (m *Machine) OnRequestHeaders(ctx context.Context, req *Request) Step {
	if m.state != StateStart {
		return m.forbid(fmt.Errorf("%w: %s", ErrBadState, m.state))
	}
	m.state = StateResolving

	m.svc = m.snapshot.Lookup(req.Authority)
	if m.svc == nil {
		return m.forbid(fmt.Errorf("%w: %q", ErrNoService, req.Authority))
	}

	app, err := m.svc.Credentials.Resolve(req.Header, req.Query)
	if err != nil {
		return m.forbid(fmt.Errorf("service %s: %w", m.svc.ID, err))
	}
	m.app = app

	// Zero matched rules yield an empty usage set. That is not an error;
	// the backend decides what an empty report means.
	m.usage = mapping.Match(m.svc.Rules, req.Method, req.Path, req.RawQuery)

	if m.snapshot.PassthroughMetadata {
		return m.passthrough()
	}
	return m.dispatch(ctx)
}

// passthrough builds the metadata headers and terminates the lifecycle,
// letting the request continue unmodified in the pipeline.
func (m *Machine) passthrough() Step {
	backend := m.snapshot.Backend
	if backend == nil {
		return m.forbid(ErrNoBackend)
	}
	if m.svc.Token == "" {
		return m.forbid(authrep.ErrNoToken)
	}

	md := http.Header{}
	switch a := m.app.(type) {
	case authz.AppID:
		id := a.ID
		if a.Key != "" {
			id += ":" + a.Key
		}
		md.Set(HeaderAppID, id)
	case authz.UserKey:
		md.Set(HeaderUserKey, a.Key)
	default:
		return m.forbid(fmt.Errorf("passthrough: unsupported application %T", m.app))
	}

	usages, err := json.Marshal(m.usage)
	if err != nil {
		return m.forbid(fmt.Errorf("passthrough: encoding usages: %w", err))
	}

	md.Set(HeaderClusterName, backend.Name)
	md.Set(HeaderUpstreamURL, backend.URL)
	md.Set(HeaderTimeout, strconv.FormatInt(backend.Timeout.Milliseconds(), 10))
	md.Set(HeaderServiceID, m.svc.ID)
	md.Set(HeaderServiceToken, m.svc.Token)
	md.Set(HeaderUsages, string(usages))

	m.state = StatePassthroughDone
	return Step{Kind: StepPassthrough, Metadata: md}
}

// dispatch builds the authrep call and hands it to the dispatcher. The
// request suspends until the correlated response is delivered.
func (m *Machine) dispatch(ctx context.Context) Step {
	backend := m.snapshot.Backend
	if backend == nil {
		return m.forbid(ErrNoBackend)
	}

	call, err := authrep.BuildCall(m.svc, m.app, m.usage)
	if err != nil {
		return m.forbid(err)
	}

	token, err := m.dispatcher.Dispatch(ctx, backend, call)
	if err != nil {
		return m.forbid(fmt.Errorf("dispatch: %w", err))
	}

	m.token = token
	m.state = StateAwaiting
	return Step{Kind: StepAwait, Token: token}
}

// OnCallResponse consumes the correlated backend response headers. Valid
// only in StateAwaiting; a second delivery is an error, a lifecycle
// resolves exactly once. Only a "200" status resumes the request; anything
// else, including a missing status, rejects it.
func (m *Machine) OnCallResponse(headers map[string]string) (Verdict, error) {
	if m.state != StateAwaiting {
		return VerdictForbidden, fmt.Errorf("%w: %s", ErrBadState, m.state)
	}

	if headers[StatusHeader] == "200" {
		m.state = StateResumed
		return VerdictResumed, nil
	}
	m.state = StateForbidden
	return VerdictForbidden, nil
}

// forbid moves to the terminal Forbidden state, logging the internal cause.
func (m *Machine) forbid(reason error) Step {
	m.state = StateForbidden
	if m.logger != nil {
		m.logger.Debug("request forbidden", "reason", reason)
	}
	return Step{Kind: StepForbidden, Reason: reason}
}

// WriteForbidden writes the uniform rejection response. No headers are set
// beyond what the HTTP host adds on its own.
func WriteForbidden(w http.ResponseWriter) {
	w.WriteHeader(ForbiddenStatus)
	_, _ = w.Write([]byte(ForbiddenBody))
}
