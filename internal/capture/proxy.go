// Package capture implements the local plain-HTTP forward proxy that feeds
// captured requests into the relay. Clients point HTTP_PROXY at it; each
// proxied request blocks until the relay produces a response.
package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/della-wonders/wonder/internal/relay"
)

// Relay is the capture point's view of the interceptor.
type Relay interface {
	Do(ctx context.Context, method, url string, headers map[string]string, body []byte) (*relay.Result, error)
}

// hopByHopHeaders are connection-level headers that must not travel
// through the relay.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy is the capture-point HTTP server.
type Proxy struct {
	relay  Relay
	logger *slog.Logger
	server *http.Server
}

// NewProxy creates a Proxy listening on the given port.
func NewProxy(port int, relay Relay, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Proxy{relay: relay, logger: logger}
	p.server = &http.Server{
		Addr:              net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Handler:           http.HandlerFunc(p.handle),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return p
}

// ListenAndServe runs the proxy until Shutdown is called.
func (p *Proxy) ListenAndServe() error {
	p.logger.Info("capture proxy listening", "addr", p.server.Addr)
	err := p.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight exchanges.
func (p *Proxy) Shutdown(ctx context.Context) error {
	return p.server.Shutdown(ctx)
}

// Addr returns the configured listen address.
func (p *Proxy) Addr() string { return p.server.Addr }

func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	// TLS interception is not supported; HTTPS clients get a clear
	// refusal instead of a hung tunnel.
	if r.Method == http.MethodConnect {
		http.Error(w, "CONNECT tunneling not supported", http.StatusNotImplemented)
		return
	}

	// A proxy request carries an absolute URL; anything else is a client
	// talking to us as an origin server.
	if !r.URL.IsAbs() {
		http.Error(w, "proxy request required (absolute URL)", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("read request body: %v", err), http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	for _, h := range hopByHopHeaders {
		delete(headers, h)
	}
	if headers["Host"] == "" && r.Host != "" {
		headers["Host"] = r.Host
	}

	result, err := p.relay.Do(r.Context(), r.Method, r.URL.String(), headers, body)
	if err != nil {
		// Client went away or the relay could not even publish; nothing
		// meaningful to write back beyond a gateway error.
		p.logger.Warn("relay exchange failed", "method", r.Method, "url", r.URL.String(), "error", err)
		http.Error(w, "relay unavailable", http.StatusBadGateway)
		return
	}

	for k, v := range result.Headers {
		w.Header().Set(k, v)
	}
	for _, h := range hopByHopHeaders {
		w.Header().Del(h)
	}
	w.Header().Del("Content-Length")
	w.WriteHeader(result.StatusCode)
	if _, err := w.Write(result.Body); err != nil {
		p.logger.Debug("response write failed", "error", err)
	}
}
