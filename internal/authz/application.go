// Package authz resolves application identity from incoming requests.
// A service's credential configuration declares where each identity shape
// lives (headers and/or query parameters); the resolver extracts the first
// shape that fully resolves. This package only extracts identity — it never
// makes authorization decisions.
package authz

// Application is the resolved application identity for one request.
// It is a closed sum type: exactly one of AppID, UserKey, or OAuthToken.
// Consumption sites switch exhaustively on the concrete type so that adding
// or removing a shape is a compile-time-checked change.
type Application interface {
	// Redacted returns a log-safe description of the identity that never
	// exposes secret material.
	Redacted() string

	application()
}

// AppID identifies an application by id with an optional secret key.
type AppID struct {
	ID  string
	Key string // optional; empty when the service does not configure app keys
}

func (AppID) application() {}

// Redacted implements Application.
func (a AppID) Redacted() string { return "app_id=" + a.ID }

// UserKey identifies an application by a single shared-secret API key.
type UserKey struct {
	Key string
}

func (UserKey) application() {}

// Redacted implements Application.
func (UserKey) Redacted() string { return "user_key=[REDACTED]" }

// OAuthToken identifies an application by an OAuth bearer token. The shape
// is resolvable so the passthrough branch can report it, but it is not
// usable downstream: the authrep wire encoding and the passthrough identity
// header both reject it.
type OAuthToken struct {
	Token string
}

func (OAuthToken) application() {}

// Redacted implements Application.
func (OAuthToken) Redacted() string { return "oauth_token=[REDACTED]" }
