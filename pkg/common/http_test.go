package common

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient(t *testing.T) {
	// Setup test server
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify User-Agent header
		userAgent := r.Header.Get("User-Agent")
		assert.Equal(t, "GrowattUpstream/"+Version(), userAgent, "User-Agent should match expected format")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// Test client creation
	timeout := 5 * time.Second
	client := HTTPClient(timeout)

	// Verify client settings
	assert.Equal(t, timeout, client.Timeout, "Timeout should be set correctly")
	assert.NotNil(t, client.Transport, "Transport should not be nil")

	// Test actual request
	req, err := http.NewRequest("GET", server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionHTTPClient(t *testing.T) {
	var gotCookie string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GrowattUpstream/"+Version()+" (user@example.com-abc)", r.Header.Get("User-Agent"))
		if r.URL.Path == "/login" {
			http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "sess-1", Path: "/"})
			return
		}
		if c, err := r.Cookie("JSESSIONID"); err == nil {
			gotCookie = c.Value
		}
	}))
	defer server.Close()

	client := SessionHTTPClient(time.Second, "user@example.com-abc")
	require.NotNil(t, client.Jar)

	resp, err := client.Get(server.URL + "/login")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = client.Get(server.URL + "/data")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "sess-1", gotCookie, "cookie from login should be sent on later requests")
}
