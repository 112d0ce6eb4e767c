package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/della-wonders/wonder/internal/envelope"
	"github.com/della-wonders/wonder/internal/eventlog"
	"github.com/della-wonders/wonder/internal/exchange"
	"github.com/della-wonders/wonder/internal/security"
)

// Forwarder timing defaults.
const (
	DefaultScanInterval        = 500 * time.Millisecond
	DefaultMaintenanceInterval = 10 * time.Minute
	DefaultStaleAfter          = time.Hour
)

// ForwarderOptions tune a Forwarder. Zero values use the defaults.
type ForwarderOptions struct {
	ScanInterval        time.Duration
	MaintenanceInterval time.Duration
	StaleAfter          time.Duration
}

// Forwarder drains the request directory: every pending request envelope
// is validated against the security gate, executed against the real
// network, and answered with a response envelope. One Forwarder instance
// owns the outbound side of a shared root.
type Forwarder struct {
	store     *exchange.Store
	gate      *security.Gate
	transport Transport
	events    *eventlog.FileLog
	metrics   *Metrics
	logger    *slog.Logger

	scanInterval        time.Duration
	maintenanceInterval time.Duration
	staleAfter          time.Duration
}

// NewForwarder assembles a Forwarder. events and metrics may be nil, in
// which case lifecycle logging and instrumentation are disabled.
func NewForwarder(store *exchange.Store, gate *security.Gate, transport Transport, events *eventlog.FileLog, metrics *Metrics, opts ForwarderOptions, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = DefaultScanInterval
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	return &Forwarder{
		store:               store,
		gate:                gate,
		transport:           transport,
		events:              events,
		metrics:             metrics,
		logger:              logger,
		scanInterval:        opts.ScanInterval,
		maintenanceInterval: opts.MaintenanceInterval,
		staleAfter:          opts.StaleAfter,
	}
}

// Run scans for pending requests until ctx is cancelled. Failures inside
// a single exchange never stop the loop.
func (f *Forwarder) Run(ctx context.Context) error {
	f.logger.Info("forwarder started",
		"root", f.store.Root(),
		"scan_interval", f.scanInterval,
		"policy_fingerprint", fmt.Sprintf("%016x", f.gate.Fingerprint()))

	scan := time.NewTicker(f.scanInterval)
	defer scan.Stop()
	maintenance := time.NewTicker(f.maintenanceInterval)
	defer maintenance.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("forwarder stopped")
			return ctx.Err()
		case <-scan.C:
			f.scanOnce(ctx)
		case <-maintenance.C:
			f.transport.CloseIdle()
			f.collectStaleResponses()
		}
	}
}

// scanOnce processes every request id visible in one directory snapshot.
func (f *Forwarder) scanOnce(ctx context.Context) {
	ids, err := f.store.ListPending(f.store.RequestDir())
	if err != nil {
		f.logger.Error("request scan failed", "error", err)
		return
	}

	if f.metrics != nil {
		f.metrics.PendingRequests.Set(float64(len(ids)))
	}
	if len(ids) == 0 {
		return
	}

	f.appendEvent(eventlog.TagScan, "", fmt.Sprintf("%d pending", len(ids)))

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		f.processExchange(ctx, id)
	}
}

// processExchange handles one request id end to end. Panics are contained
// so a malformed exchange cannot take down the loop.
func (f *Forwarder) processExchange(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("exchange processing panicked", "id", id, "panic", r)
			f.failExchange(id, fmt.Sprintf("internal error processing request: %v", r), OutcomeTransportError)
		}
	}()

	// A response already published for this id means the request was
	// processed on a previous scan.
	if f.store.Exists(f.store.ResponseDir(), id) {
		f.appendEvent(eventlog.TagRequestSkip, id, "response already published")
		f.countOutcome(OutcomeSkipped)
		return
	}

	data, err := f.store.TryRead(f.store.RequestDir(), id)
	if errors.Is(err, exchange.ErrNotFound) {
		// Interceptor gave up and cleaned the entry between scan and read.
		return
	}

	start := time.Now()
	f.appendEvent(eventlog.TagRequestStart, id, "")

	if err != nil {
		f.failExchange(id, fmt.Sprintf("unreadable request envelope: %v", err), OutcomeDecodeError)
		return
	}

	req, err := envelope.DecodeRequest(data)
	if err != nil {
		f.logger.Warn("request envelope malformed", "id", id, "error", err)
		f.failExchange(id, fmt.Sprintf("invalid request envelope: %v", err), OutcomeDecodeError)
		return
	}

	if err := f.gate.ValidateRequest(req); err != nil {
		var denied *security.DeniedError
		reason := err.Error()
		if errors.As(err, &denied) {
			reason = denied.Reason
		}
		f.logger.Info("request blocked", "id", id, "url", req.URL, "reason", reason)
		f.publishResponse(id, http.StatusForbidden, "Forbidden", []byte("Request blocked: "+reason), false)
		f.finishExchange(id, start, eventlog.TagRequestFailed, "blocked: "+reason, OutcomeBlocked)
		return
	}

	result, err := f.transport.Call(ctx, req.Method, req.URL, req.Headers, req.Body)
	if err != nil {
		f.logger.Warn("outbound call failed", "id", id, "url", req.URL, "error", err)
		f.publishResponse(id, http.StatusBadGateway, "Bad Gateway", []byte(fmt.Sprintf("Error forwarding request: %v", err)), false)
		f.finishExchange(id, start, eventlog.TagRequestFailed, err.Error(), OutcomeTransportError)
		return
	}

	body, filtered := f.gate.FilterResponse(result.Body)
	if filtered {
		f.logger.Info("response body filtered", "id", id, "original_bytes", len(result.Body))
		if f.metrics != nil {
			f.metrics.ResponsesFilteredTotal.Inc()
		}
	}
	if hits := f.gate.ScanBody(body); len(hits) > 0 {
		f.logger.Info("response matched content patterns", "id", id, "patterns", strings.Join(hits, ","))
	}

	f.publishResponse(id, result.StatusCode, result.Reason, body, filtered, result.Headers)
	f.finishExchange(id, start, eventlog.TagRequestSuccess,
		fmt.Sprintf("status %d", result.StatusCode), OutcomeForwarded)

	f.logger.Info("request forwarded",
		"id", id, "method", req.Method, "url", req.URL,
		"status", result.StatusCode, "duration", time.Since(start))
}

// failExchange publishes a synthetic gateway-error response and finishes
// the exchange.
func (f *Forwarder) failExchange(id, detail, outcome string) {
	f.publishResponse(id, http.StatusBadGateway, "Bad Gateway", []byte(detail), false)
	f.appendEvent(eventlog.TagRequestFailed, id, detail)
	f.countOutcome(outcome)
	if err := f.store.Delete(f.store.RequestDir(), id); err != nil {
		f.logger.Warn("request cleanup failed", "id", id, "error", err)
	}
}

// finishExchange records the terminal event and metrics for an exchange
// and removes the consumed request entry.
func (f *Forwarder) finishExchange(id string, start time.Time, tag eventlog.Tag, detail, outcome string) {
	f.appendEvent(tag, id, detail)
	f.countOutcome(outcome)
	if f.metrics != nil {
		f.metrics.ExchangeDuration.Observe(time.Since(start).Seconds())
	}
	if err := f.store.Delete(f.store.RequestDir(), id); err != nil {
		f.logger.Warn("request cleanup failed", "id", id, "error", err)
	}
}

// publishResponse encodes and publishes a response envelope for id.
// headers is optional; synthetic responses carry a plain-text type.
func (f *Forwarder) publishResponse(id string, status int, reason string, body []byte, filtered bool, headers ...map[string]string) {
	hdrs := map[string]string{"Content-Type": "text/plain"}
	if len(headers) > 0 && headers[0] != nil {
		hdrs = headers[0]
	}

	data, err := envelope.EncodeResponse(id, status, reason, hdrs, body, filtered)
	if err != nil {
		f.logger.Error("response encode failed", "id", id, "error", err)
		return
	}
	if err := f.store.Publish(f.store.ResponseDir(), id, data); err != nil {
		f.logger.Error("response publish failed", "id", id, "error", err)
	}
}

// collectStaleResponses removes response entries whose interceptor has
// long since given up on them.
func (f *Forwarder) collectStaleResponses() {
	ids, err := f.store.ListPending(f.store.ResponseDir())
	if err != nil {
		f.logger.Error("response scan failed", "error", err)
		return
	}

	removed := 0
	for _, id := range ids {
		age, ok := f.store.EntryAge(f.store.ResponseDir(), id)
		if !ok || age < f.staleAfter {
			continue
		}
		if err := f.store.Delete(f.store.ResponseDir(), id); err != nil {
			f.logger.Warn("stale response cleanup failed", "id", id, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		f.logger.Info("stale responses collected", "count", removed)
	}
}

func (f *Forwarder) appendEvent(tag eventlog.Tag, id, detail string) {
	if f.events != nil {
		f.events.Append(tag, id, detail)
	}
}

func (f *Forwarder) countOutcome(outcome string) {
	if f.metrics != nil {
		f.metrics.ExchangesTotal.WithLabelValues(outcome).Inc()
	}
}
