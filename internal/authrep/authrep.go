// Package authrep builds authorize-and-report calls for the policy backend.
// The builder is pure: it turns a resolved service, application, and usage
// into a wire-ready request description and performs no I/O itself.
package authrep

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/authgate/authgate/internal/authz"
	"github.com/authgate/authgate/internal/mapping"
	"github.com/authgate/authgate/internal/service"
)

// Endpoint is the backend path for combined authorize-and-report calls.
const Endpoint = "/transactions/authrep.xml"

var (
	// ErrNoToken means the service has no backend token configured.
	ErrNoToken = errors.New("authrep: service token is empty")

	// ErrNoApplication means no resolved application was supplied.
	ErrNoApplication = errors.New("authrep: application is required")

	// ErrOAuthUnsupported means the application resolved to an OAuth token,
	// for which no backend wire encoding is implemented.
	ErrOAuthUnsupported = errors.New("authrep: oauth token credentials are not supported")
)

// Request describes one outbound backend call. Body is nil for the GET
// encoding; it exists so POST-style report protocols can reuse the type.
type Request struct {
	Method string
	Path   string // path plus encoded query
	Body   []byte
}

// BuildCall constructs the authrep request for the given service,
// application, and usage. Query encoding is deterministic: url.Values
// encodes keys in sorted order, so identical inputs always produce an
// identical path. That property is what makes the request path usable as
// a cache key upstream.
func BuildCall(svc *service.Service, app authz.Application, usage mapping.Usage) (*Request, error) {
	if svc == nil || svc.Token == "" {
		return nil, ErrNoToken
	}
	if app == nil {
		return nil, ErrNoApplication
	}

	q := url.Values{}
	q.Set("service_id", svc.ID)
	q.Set("service_token", svc.Token)

	switch a := app.(type) {
	case authz.UserKey:
		q.Set("user_key", a.Key)
	case authz.AppID:
		q.Set("app_id", a.ID)
		if a.Key != "" {
			q.Set("app_key", a.Key)
		}
	case authz.OAuthToken:
		return nil, ErrOAuthUnsupported
	default:
		return nil, fmt.Errorf("authrep: unhandled application type %T", app)
	}

	for metric, delta := range usage {
		q.Set("usage["+metric+"]", strconv.FormatInt(delta, 10))
	}

	return &Request{
		Method: "GET",
		Path:   Endpoint + "?" + q.Encode(),
	}, nil
}
