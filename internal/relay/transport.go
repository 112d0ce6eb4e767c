package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultCallTimeout bounds a single real outbound HTTP call.
const DefaultCallTimeout = 30 * time.Second

// Transport performs the real outbound HTTP call on behalf of the
// forwarder. Implementations must honor ctx cancellation.
type Transport interface {
	Call(ctx context.Context, method, url string, headers map[string]string, body []byte) (*CallResult, error)
	CloseIdle()
}

// CallResult is the outcome of a successful outbound call. A non-2xx
// status is still a successful call; transport failures are errors.
type CallResult struct {
	StatusCode int
	Reason     string
	Headers    map[string]string
	Body       []byte
}

// proxyHeaders are stripped before the outbound call; they are artifacts
// of the capture point and must not leak to origin servers.
var proxyHeaders = []string{"Proxy-Connection", "Proxy-Authorization"}

// HTTPTransport is the production Transport backed by net/http.
type HTTPTransport struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPTransport creates a transport whose calls are bounded by
// timeout. timeout <= 0 defaults to DefaultCallTimeout.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &HTTPTransport{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Call issues the HTTP request described by the arguments and reads the
// full response body.
func (t *HTTPTransport) Call(ctx context.Context, method, url string, headers map[string]string, body []byte) (*CallResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(callCtx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for _, h := range proxyHeaders {
		req.Header.Del(h)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("outbound call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	return &CallResult{
		StatusCode: resp.StatusCode,
		Reason:     reasonOf(resp),
		Headers:    respHeaders,
		Body:       respBody,
	}, nil
}

// CloseIdle drops idle keep-alive connections. Called periodically by
// the forwarder's maintenance tick.
func (t *HTTPTransport) CloseIdle() {
	t.client.CloseIdleConnections()
}

// reasonOf extracts the status reason phrase, falling back to the
// standard text for the code.
func reasonOf(resp *http.Response) string {
	// Status is "200 OK"; strip the leading code when present.
	if len(resp.Status) > 4 && resp.Status[3] == ' ' {
		return resp.Status[4:]
	}
	return http.StatusText(resp.StatusCode)
}
