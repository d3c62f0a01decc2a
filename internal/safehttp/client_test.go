package safehttp

import (
	"context"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapflowhq/zapflow/internal/domain"
)

func TestBlocksMetadataEndpoint(t *testing.T) {
	c := NewClient()

	_, err := c.Fetch(context.Background(), http.MethodGet, "http://169.254.169.254/latest/meta-data/", nil, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBlockedURL)
}

func TestBlocksLoopbackAndPrivateRanges(t *testing.T) {
	c := NewClient()
	ctx := context.Background()

	for _, target := range []string{
		"http://127.0.0.1/admin",
		"http://10.0.0.5/",
		"http://192.168.1.1/",
		"http://172.16.0.1/",
		"http://[::1]/",
		"http://0.0.0.0/",
	} {
		_, err := c.Fetch(ctx, http.MethodGet, target, nil, "")
		assert.ErrorIs(t, err, domain.ErrBlockedURL, target)
	}
}

func TestBlocksNonHTTPSchemes(t *testing.T) {
	c := NewClient()
	ctx := context.Background()

	for _, target := range []string{
		"file:///etc/passwd",
		"gopher://example.com/",
		"ftp://example.com/",
	} {
		_, err := c.Fetch(ctx, http.MethodGet, target, nil, "")
		assert.ErrorIs(t, err, domain.ErrBlockedURL, target)
	}
}

func TestBlocksDangerousPorts(t *testing.T) {
	c := NewClient()

	_, err := c.Fetch(context.Background(), http.MethodGet, "http://example.com:6379/", nil, "")
	assert.ErrorIs(t, err, domain.ErrBlockedURL)
}

func TestAllowlistRestrictsHosts(t *testing.T) {
	c := NewClient()
	c.Allowlist = []string{"api.example.com"}

	_, err := c.Fetch(context.Background(), http.MethodGet, "https://evil.example.org/", nil, "")
	assert.ErrorIs(t, err, domain.ErrBlockedURL)
}

func TestIsForbiddenIP(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1":       true,
		"10.1.2.3":        true,
		"172.16.5.5":      true,
		"192.168.0.10":    true,
		"169.254.169.254": true,
		"0.0.0.0":         true,
		"::1":             true,
		"fc00::1":         true,
		"fd12::34":        true,
		"8.8.8.8":         false,
		"1.1.1.1":         false,
		"2606:4700::1111": false,
	}
	for raw, want := range cases {
		ip := net.ParseIP(raw)
		require.NotNil(t, ip, raw)
		assert.Equal(t, want, isForbiddenIP(ip), raw)
	}
}

// The redirect hook must re-validate targets: a redirect pointing into a
// private range is refused with the same error as a direct request.
func TestRedirectRevalidation(t *testing.T) {
	c := NewClient()

	req, err := http.NewRequest(http.MethodGet, "http://169.254.169.254/", nil)
	require.NoError(t, err)

	err = c.httpClient.CheckRedirect(req, []*http.Request{req})
	assert.ErrorIs(t, err, domain.ErrBlockedURL)
}

func TestRedirectLimit(t *testing.T) {
	c := NewClient()

	req, err := http.NewRequest(http.MethodGet, "https://example.com/", nil)
	require.NoError(t, err)

	via := make([]*http.Request, maxRedirects)
	for i := range via {
		via[i] = req
	}
	err = c.httpClient.CheckRedirect(req, via)
	assert.ErrorContains(t, err, "redirects")
}
