package glob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile(t *testing.T) {
	t.Run("accepts valid patterns", func(t *testing.T) {
		ps, err := Compile([]string{"*.example.com", "api-?.internal", "[ab].host"})
		require.NoError(t, err)
		assert.Equal(t, 3, ps.Len())
	})

	t.Run("rejects malformed character class", func(t *testing.T) {
		_, err := Compile([]string{"[unterminated"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid glob pattern")
	})

	t.Run("copies the input slice", func(t *testing.T) {
		src := []string{"a.example.com"}
		ps, err := Compile(src)
		require.NoError(t, err)
		src[0] = "mutated"
		assert.True(t, ps.IsMatch("a.example.com"))
	})
}

func TestIsMatch(t *testing.T) {
	tests := []struct {
		name      string
		patterns  []string
		candidate string
		want      bool
	}{
		{"wildcard subdomain matches", []string{"*.example.com"}, "api.example.com", true},
		{"wildcard requires the dot", []string{"*.example.com"}, "example.com", false},
		{"wildcard does not cross domains", []string{"*.example.com"}, "api.example.org", false},
		{"exact match", []string{"api.example.com"}, "api.example.com", true},
		{"case sensitive", []string{"api.example.com"}, "API.example.com", false},
		{"any of several patterns", []string{"a.com", "b.com"}, "b.com", true},
		{"question mark single char", []string{"api-?.example.com"}, "api-1.example.com", true},
		{"question mark not two chars", []string{"api-?.example.com"}, "api-12.example.com", false},
		{"empty set matches nothing", nil, "api.example.com", false},
		{"empty candidate against wildcard", []string{"*"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps, err := Compile(tt.patterns)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ps.IsMatch(tt.candidate))
		})
	}
}

func TestIsMatchDeterministic(t *testing.T) {
	ps := MustCompile("*.example.com", "*.example.org")
	for range 100 {
		assert.True(t, ps.IsMatch("api.example.org"))
	}
}

func TestEmpty(t *testing.T) {
	assert.True(t, PatternSet{}.Empty())
	assert.False(t, MustCompile("*").Empty())
}
