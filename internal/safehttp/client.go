// Package safehttp issues outbound HTTP requests on behalf of flow graphs
// with SSRF protections: protocol allowlist, private-range blocking on
// resolved addresses, a port blocklist and redirect re-validation.
package safehttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/zapflowhq/zapflow/internal/domain"
)

const (
	maxBodySize    = 2 << 20
	requestTimeout = 20 * time.Second
	maxRedirects   = 3
)

var blockedPorts = map[string]bool{
	"22": true, "23": true, "25": true, "111": true, "135": true,
	"445": true, "1433": true, "3306": true, "5432": true,
	"6379": true, "9200": true, "11211": true, "27017": true,
}

// Response is the result of a guarded fetch. JSON is set when the body
// parses, otherwise callers use Body as raw text.
type Response struct {
	Status int
	Body   string
	JSON   any
}

// Client validates every connection it opens, including those made while
// following redirects, so DNS rebinding cannot slip a request into a
// private range.
type Client struct {
	httpClient *http.Client

	// Allowlist, when non-empty, restricts requests to these hosts.
	Allowlist []string
}

func NewClient() *Client {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: controlCheck,
	}

	c := &Client{}
	c.httpClient = &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			DialContext:       dialer.DialContext,
			DisableKeepAlives: true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			// Redirect targets get the same validation as the original URL.
			return c.validateURL(req.URL)
		},
	}
	return c
}

// controlCheck inspects the address actually being dialed, after DNS
// resolution, and refuses private or otherwise unsafe destinations.
func controlCheck(network, address string, _ syscall.RawConn) error {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if blockedPorts[port] {
		return fmt.Errorf("%w: port %s", domain.ErrBlockedURL, port)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%w: unresolvable address %s", domain.ErrBlockedURL, host)
	}
	if isForbiddenIP(ip) {
		return fmt.Errorf("%w: address %s resolves to a private range", domain.ErrBlockedURL, host)
	}
	return nil
}

func isForbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		isULA(ip)
}

// isULA covers IPv6 unique-local addresses (fc00::/7).
func isULA(ip net.IP) bool {
	v6 := ip.To16()
	return v6 != nil && ip.To4() == nil && (v6[0]&0xfe) == 0xfc
}

func (c *Client) validateURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", domain.ErrBlockedURL, u.Scheme)
	}
	if port := u.Port(); port != "" && blockedPorts[port] {
		return fmt.Errorf("%w: port %s", domain.ErrBlockedURL, port)
	}

	host := u.Hostname()
	if len(c.Allowlist) > 0 {
		allowed := false
		for _, a := range c.Allowlist {
			if strings.EqualFold(a, host) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: host %s not in allowlist", domain.ErrBlockedURL, host)
		}
	}

	// Pre-flight resolution check. The dial-time control hook re-checks the
	// address actually connected to.
	if ip := net.ParseIP(host); ip != nil {
		if isForbiddenIP(ip) {
			return fmt.Errorf("%w: address %s is in a private range", domain.ErrBlockedURL, host)
		}
		return nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, addr := range addrs {
		if isForbiddenIP(addr.IP) {
			return fmt.Errorf("%w: host %s resolves to a private range", domain.ErrBlockedURL, host)
		}
	}
	return nil
}

// Fetch performs a guarded request. The response body is parsed as JSON when
// possible, kept as raw text otherwise.
func (c *Client) Fetch(ctx context.Context, method, rawURL string, headers map[string]string, body string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBlockedURL, err)
	}
	if err := c.validateURL(u); err != nil {
		return nil, err
	}

	if method == "" {
		method = http.MethodGet
	}
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, err
	}

	out := &Response{Status: resp.StatusCode, Body: string(raw)}
	var parsed any
	if json.Unmarshal(raw, &parsed) == nil {
		out.JSON = parsed
	}
	return out, nil
}
