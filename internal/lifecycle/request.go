package lifecycle

import (
	"net/http"
	"net/url"
)

// Request is the header-event view of one inbound request: everything the
// machine needs to resolve a service and application, and nothing else.
type Request struct {
	Method    string
	Path      string
	RawQuery  string
	Authority string
	Header    http.Header
	Query     url.Values
}

// FromHTTP projects an http.Request into the machine's view. The query is
// parsed once here so credential resolution and rule matching share it.
func FromHTTP(r *http.Request) *Request {
	return &Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		RawQuery:  r.URL.RawQuery,
		Authority: r.Host,
		Header:    r.Header,
		Query:     r.URL.Query(),
	}
}
