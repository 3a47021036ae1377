package httpclient

import (
	"net/http"
	"time"
)

// NewDefaultHTTPClient creates a simple HTTP client with a timeout
func NewDefaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
	}
}

// NewHTTPClientWithHeaders creates an HTTP client that adds the given headers
// to every request that does not already carry them
func NewHTTPClientWithHeaders(timeout time.Duration, headers map[string]string) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &headerTransport{
			base:    http.DefaultTransport,
			headers: headers,
		},
	}
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for name, value := range t.headers {
		if value == "" || clone.Header.Get(name) != "" {
			continue
		}
		clone.Header.Set(name, value)
	}
	return t.base.RoundTrip(clone)
}
