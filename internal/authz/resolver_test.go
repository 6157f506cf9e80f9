package authz

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCredentials() Credentials {
	return Credentials{
		UserKey:    []Source{{Header: "X-User-Key"}, {Query: "user_key"}},
		AppID:      []Source{{Header: "X-App-Id"}, {Query: "app_id"}},
		AppKey:     []Source{{Header: "X-App-Key"}, {Query: "app_key"}},
		OAuthToken: []Source{{Header: "X-OAuth-Token"}},
	}
}

func TestResolve(t *testing.T) {
	t.Run("user key from header", func(t *testing.T) {
		h := http.Header{"X-User-Key": []string{"uk-1"}}
		app, err := testCredentials().Resolve(h, url.Values{})
		require.NoError(t, err)
		assert.Equal(t, UserKey{Key: "uk-1"}, app)
	})

	t.Run("user key from query when header absent", func(t *testing.T) {
		q := url.Values{"user_key": []string{"uk-2"}}
		app, err := testCredentials().Resolve(http.Header{}, q)
		require.NoError(t, err)
		assert.Equal(t, UserKey{Key: "uk-2"}, app)
	})

	t.Run("header wins over query within a shape", func(t *testing.T) {
		h := http.Header{"X-User-Key": []string{"from-header"}}
		q := url.Values{"user_key": []string{"from-query"}}
		app, err := testCredentials().Resolve(h, q)
		require.NoError(t, err)
		assert.Equal(t, UserKey{Key: "from-header"}, app)
	})

	t.Run("app id with key", func(t *testing.T) {
		h := http.Header{
			"X-App-Id":  []string{"app-1"},
			"X-App-Key": []string{"secret"},
		}
		app, err := testCredentials().Resolve(h, url.Values{})
		require.NoError(t, err)
		assert.Equal(t, AppID{ID: "app-1", Key: "secret"}, app)
	})

	t.Run("app id without key resolves", func(t *testing.T) {
		h := http.Header{"X-App-Id": []string{"app-1"}}
		app, err := testCredentials().Resolve(h, url.Values{})
		require.NoError(t, err)
		assert.Equal(t, AppID{ID: "app-1"}, app)
	})

	t.Run("user key takes precedence over app id", func(t *testing.T) {
		h := http.Header{
			"X-User-Key": []string{"uk"},
			"X-App-Id":   []string{"app-1"},
		}
		app, err := testCredentials().Resolve(h, url.Values{})
		require.NoError(t, err)
		assert.IsType(t, UserKey{}, app)
	})

	t.Run("app id takes precedence over oauth", func(t *testing.T) {
		h := http.Header{
			"X-App-Id":      []string{"app-1"},
			"X-Oauth-Token": []string{"tok"},
		}
		app, err := testCredentials().Resolve(h, url.Values{})
		require.NoError(t, err)
		assert.IsType(t, AppID{}, app)
	})

	t.Run("oauth token resolves when alone", func(t *testing.T) {
		h := http.Header{"X-Oauth-Token": []string{"tok"}}
		app, err := testCredentials().Resolve(h, url.Values{})
		require.NoError(t, err)
		assert.Equal(t, OAuthToken{Token: "tok"}, app)
	})

	t.Run("nothing resolvable", func(t *testing.T) {
		_, err := testCredentials().Resolve(http.Header{}, url.Values{})
		assert.ErrorIs(t, err, ErrNoCredentials)
	})

	t.Run("empty descriptor never resolves", func(t *testing.T) {
		_, err := Credentials{}.Resolve(
			http.Header{"X-User-Key": []string{"uk"}}, url.Values{})
		assert.ErrorIs(t, err, ErrNoCredentials)
	})
}

func TestRedacted(t *testing.T) {
	assert.Equal(t, "app_id=a1", AppID{ID: "a1", Key: "secret"}.Redacted())
	assert.NotContains(t, UserKey{Key: "uk"}.Redacted(), "uk")
	assert.NotContains(t, OAuthToken{Token: "tok"}.Redacted(), "tok")
}

func TestSourceNames(t *testing.T) {
	headers, queries := testCredentials().SourceNames()
	assert.ElementsMatch(t, []string{"X-User-Key", "X-App-Id", "X-App-Key", "X-OAuth-Token"}, headers)
	assert.ElementsMatch(t, []string{"user_key", "app_id", "app_key"}, queries)
}
