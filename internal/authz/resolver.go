package authz

import (
	"errors"
	"net/http"
	"net/url"
)

// ErrNoCredentials is returned when no configured credential shape resolves
// from the request.
var ErrNoCredentials = errors.New("no application credentials found in request")

// Source names one request location holding a credential value: either a
// header or a query parameter. Exactly one of Header/Query is set.
type Source struct {
	Header string
	Query  string
}

// lookup returns the credential value from the request, or "" when absent.
func (s Source) lookup(header http.Header, query url.Values) string {
	if s.Header != "" {
		return header.Get(s.Header)
	}
	if s.Query != "" {
		return query.Get(s.Query)
	}
	return ""
}

// Credentials describes, per identity shape, the ordered request locations
// that may carry it. Within a shape the first non-empty source wins.
type Credentials struct {
	UserKey    []Source
	AppID      []Source
	AppKey     []Source
	OAuthToken []Source
}

// first returns the first non-empty value among the sources.
func first(sources []Source, header http.Header, query url.Values) string {
	for _, s := range sources {
		if v := s.lookup(header, query); v != "" {
			return v
		}
	}
	return ""
}

// Resolve extracts the application identity from the request headers and
// query parameters.
//
// When more than one shape is present, precedence is fixed: user_key wins
// over app_id, which wins over oauth_token. This mirrors the policy
// backend's own contract, where user_key is prioritised when both user_key
// and app_id credentials are supplied. The precedence is deliberate and
// deterministic rather than an artifact of iteration order.
//
// An app_id resolves with or without an app_key: the key is optional at
// extraction time, and whether a key is required is the backend's decision.
func (c Credentials) Resolve(header http.Header, query url.Values) (Application, error) {
	if key := first(c.UserKey, header, query); key != "" {
		return UserKey{Key: key}, nil
	}

	if id := first(c.AppID, header, query); id != "" {
		return AppID{ID: id, Key: first(c.AppKey, header, query)}, nil
	}

	if tok := first(c.OAuthToken, header, query); tok != "" {
		return OAuthToken{Token: tok}, nil
	}

	return nil, ErrNoCredentials
}

// Empty reports whether no shape has any configured source.
func (c Credentials) Empty() bool {
	return len(c.UserKey) == 0 && len(c.AppID) == 0 && len(c.OAuthToken) == 0
}

// SourceNames returns the header names and query parameter names referenced
// by any shape. Used by the gateway to strip inbound credentials before the
// request is forwarded to the origin.
func (c Credentials) SourceNames() (headers, queries []string) {
	for _, group := range [][]Source{c.UserKey, c.AppID, c.AppKey, c.OAuthToken} {
		for _, s := range group {
			if s.Header != "" {
				headers = append(headers, s.Header)
			}
			if s.Query != "" {
				queries = append(queries, s.Query)
			}
		}
	}
	return headers, queries
}
