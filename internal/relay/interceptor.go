// Package relay implements the two agents of the store-and-forward relay:
// the interceptor, which publishes captured requests and waits for their
// responses, and the forwarder, which executes them against the real
// network. The agents never talk directly; all coordination happens
// through the exchange store.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/della-wonders/wonder/internal/envelope"
	"github.com/della-wonders/wonder/internal/exchange"
)

// Interceptor timing defaults.
const (
	DefaultPollInterval = 200 * time.Millisecond
	DefaultWaitTimeout  = 5 * time.Minute
)

// Synthetic gateway responses produced on the interceptor side.
const (
	timeoutBody   = "Gateway Timeout: No response from relay"
	integrityBody = "Response integrity check failed"
)

// Result is what the interceptor hands back to the capture point for one
// exchange. It is always populated: relay-level failures become synthetic
// gateway responses rather than errors.
type Result struct {
	StatusCode int
	Reason     string
	Headers    map[string]string
	Body       []byte
}

// InterceptorOptions tune an Interceptor. Zero values use the defaults.
type InterceptorOptions struct {
	PollInterval    time.Duration
	WaitTimeout     time.Duration
	MaxResponseSize int64
}

// Interceptor publishes request envelopes and polls for the matching
// responses. It performs no network I/O of its own; it is safe for
// concurrent use by multiple capture-point handlers.
type Interceptor struct {
	store  *exchange.Store
	logger *slog.Logger

	pollInterval    time.Duration
	waitTimeout     time.Duration
	maxResponseSize int64
}

// NewInterceptor creates an Interceptor over the given store.
func NewInterceptor(store *exchange.Store, opts InterceptorOptions, logger *slog.Logger) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	return &Interceptor{
		store:           store,
		logger:          logger,
		pollInterval:    opts.PollInterval,
		waitTimeout:     opts.WaitTimeout,
		maxResponseSize: opts.MaxResponseSize,
	}
}

// Do relays one HTTP request through the shared store and blocks until a
// response arrives, the wait timeout elapses, or ctx is cancelled. Both
// the request and response entries for the exchange are removed before
// returning, whatever the outcome.
func (i *Interceptor) Do(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Result, error) {
	id := uuid.NewString()

	data, err := envelope.EncodeRequest(id, method, url, headers, body, i.maxResponseSize)
	if err != nil {
		return nil, fmt.Errorf("encode request %s: %w", id, err)
	}
	if err := i.store.Publish(i.store.RequestDir(), id, data); err != nil {
		return nil, fmt.Errorf("publish request %s: %w", id, err)
	}

	i.logger.Debug("request published", "id", id, "method", method, "url", url)

	defer func() {
		if err := i.store.Delete(i.store.RequestDir(), id); err != nil {
			i.logger.Warn("request cleanup failed", "id", id, "error", err)
		}
		if err := i.store.Delete(i.store.ResponseDir(), id); err != nil {
			i.logger.Warn("response cleanup failed", "id", id, "error", err)
		}
	}()

	return i.await(ctx, id)
}

// await polls the response directory for id until a readable response
// appears or the deadline passes.
func (i *Interceptor) await(ctx context.Context, id string) (*Result, error) {
	deadline := time.NewTimer(i.waitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(i.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			i.logger.Warn("exchange timed out waiting for response", "id", id, "timeout", i.waitTimeout)
			return gatewayResult(http.StatusGatewayTimeout, timeoutBody), nil
		case <-ticker.C:
			data, err := i.store.TryRead(i.store.ResponseDir(), id)
			if errors.Is(err, exchange.ErrNotFound) {
				continue
			}
			if err != nil {
				// Unreadable entry: the forwarder may republish, keep waiting.
				i.logger.Warn("response entry unreadable", "id", id, "error", err)
				continue
			}
			return i.deliver(id, data)
		}
	}
}

// deliver decodes and verifies a response envelope. Decode failures and
// integrity mismatches become synthetic 502 responses; the unverified
// body is never delivered.
func (i *Interceptor) deliver(id string, data []byte) (*Result, error) {
	d, err := envelope.DecodeResponse(data)
	if err != nil {
		i.logger.Error("response envelope malformed", "id", id, "error", err)
		return gatewayResult(http.StatusBadGateway, integrityBody), nil
	}
	if !d.VerifyIntegrity() {
		i.logger.Error("response integrity mismatch", "id", id, "recorded", d.BodyHash)
		return gatewayResult(http.StatusBadGateway, integrityBody), nil
	}

	i.logger.Debug("response delivered", "id", id, "status", d.StatusCode, "filtered", d.Filtered)
	return &Result{
		StatusCode: d.StatusCode,
		Reason:     d.Reason,
		Headers:    d.Headers,
		Body:       d.Body,
	}, nil
}

func gatewayResult(status int, body string) *Result {
	return &Result{
		StatusCode: status,
		Reason:     http.StatusText(status),
		Headers:    map[string]string{"Content-Type": "text/plain"},
		Body:       []byte(body),
	}
}
