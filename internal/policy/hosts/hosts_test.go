package hosts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowlist(t *testing.T) {
	t.Parallel()

	t.Run("exact match", func(t *testing.T) {
		a := New("Shop.Example.com")
		require.NotNil(t, a)
		assert.True(t, a.Contains("shop.example.com"))
		assert.True(t, a.Contains("shop.example.com:8443"))
		assert.False(t, a.Contains("cdn.shop.example.com"), "subdomains need a wildcard")
	})

	t.Run("wildcard suffix", func(t *testing.T) {
		a := New("*.example.com", ".example.org", "*.example.com")
		require.NotNil(t, a)
		cases := []struct {
			host string
			want bool
		}{
			{"example.com", true},
			{"a.b.example.com", true},
			{"www.example.org", true},
			{"badexample.com", false},
			{"example.net", false},
			{"", false},
		}
		for _, tc := range cases {
			assert.Equal(t, tc.want, a.Contains(tc.host), tc.host)
		}
		assert.Len(t, a.Patterns(), 2)
	})

	t.Run("empty patterns", func(t *testing.T) {
		a := New("", "  ", "*.")
		assert.Nil(t, a)
		assert.False(t, a.Contains("anything"))
		assert.True(t, a.Permits("https://anything.example/"), "nil allowlist permits all")
		assert.Nil(t, a.Patterns())
	})
}

func TestAllowlistPermits(t *testing.T) {
	t.Parallel()

	a := New("shop.example.com", "127.0.0.1")
	assert.True(t, a.Permits("https://shop.example.com/products?id=1"))
	assert.True(t, a.Permits("http://127.0.0.1:8080/"))
	assert.False(t, a.Permits("http://169.254.169.254/latest/meta-data"))
	assert.False(t, a.Permits("://bad"))
}
