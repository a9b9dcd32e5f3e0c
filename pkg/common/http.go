package common

import (
	_ "embed"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// Version returns the build version embedded from the VERSION file.
func Version() string {
	return strings.TrimSpace(version)
}

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip implements http.RoundTripper and stamps every request with the
// configured User-Agent.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// HTTPClient returns a default http client with a default user-agent set
func HTTPClient(timeout time.Duration) *http.Client {
	return HTTPClientWithAgent(timeout, "")
}

// HTTPClientWithAgent is HTTPClient with an extra identifier appended to the
// user-agent. Growatt tracks sessions partly by user-agent so each account
// gets its own.
func HTTPClientWithAgent(timeout time.Duration, agent string) *http.Client {
	userAgent := "GrowattUpstream/" + Version()
	if agent != "" {
		userAgent += " (" + agent + ")"
	}

	return &http.Client{
		Transport: &userAgentTransport{
			transport: http.DefaultTransport,
			userAgent: userAgent,
		},
		Timeout: timeout,
	}
}

// SessionHTTPClient is HTTPClientWithAgent plus a cookie jar, for upstream APIs
// that keep the login session in cookies.
func SessionHTTPClient(timeout time.Duration, agent string) *http.Client {
	c := HTTPClientWithAgent(timeout, agent)
	// cookiejar.New only fails when given a PublicSuffixList that errors
	jar, _ := cookiejar.New(nil)
	c.Jar = jar
	return c
}
