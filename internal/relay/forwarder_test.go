package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/della-wonders/wonder/internal/envelope"
	"github.com/della-wonders/wonder/internal/exchange"
	"github.com/della-wonders/wonder/internal/security"
)

type fakeTransport struct {
	result *CallResult
	err    error
	calls  int
}

func (f *fakeTransport) Call(ctx context.Context, method, url string, headers map[string]string, body []byte) (*CallResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeTransport) CloseIdle() {}

func newTestForwarder(t *testing.T, gateCfg security.Config, transport Transport) (*Forwarder, *exchange.Store, *Metrics) {
	t.Helper()

	store := exchange.NewStore(t.TempDir(), nil)
	if err := store.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout failed: %v", err)
	}
	gate, err := security.NewGate(gateCfg)
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	f := NewForwarder(store, gate, transport, nil, metrics, ForwarderOptions{}, nil)
	return f, store, metrics
}

func publishRequest(t *testing.T, store *exchange.Store, id, method, url string, body []byte) {
	t.Helper()
	data, err := envelope.EncodeRequest(id, method, url, nil, body, 0)
	if err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}
	if err := store.Publish(store.RequestDir(), id, data); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func readResponse(t *testing.T, store *exchange.Store, id string) *envelope.ResponseDescriptor {
	t.Helper()
	data, err := store.TryRead(store.ResponseDir(), id)
	if err != nil {
		t.Fatalf("no response published for %s: %v", id, err)
	}
	d, err := envelope.DecodeResponse(data)
	if err != nil {
		t.Fatalf("DecodeResponse failed: %v", err)
	}
	return d
}

func TestForwarderForwardsRequest(t *testing.T) {
	transport := &fakeTransport{result: &CallResult{
		StatusCode: 200,
		Reason:     "OK",
		Headers:    map[string]string{"Content-Type": "text/html"},
		Body:       []byte("<html>hi</html>"),
	}}
	f, store, metrics := newTestForwarder(t, security.Config{}, transport)

	publishRequest(t, store, "ex-1", "GET", "http://example.com/page", nil)
	f.processExchange(context.Background(), "ex-1")

	if transport.calls != 1 {
		t.Errorf("transport calls = %d, want 1", transport.calls)
	}

	d := readResponse(t, store, "ex-1")
	if d.StatusCode != 200 || d.Reason != "OK" {
		t.Errorf("response = %d %q, want 200 OK", d.StatusCode, d.Reason)
	}
	if string(d.Body) != "<html>hi</html>" {
		t.Errorf("body = %q", d.Body)
	}
	if !d.VerifyIntegrity() {
		t.Error("published response fails integrity check")
	}
	if store.Exists(store.RequestDir(), "ex-1") {
		t.Error("request entry not deleted after forwarding")
	}

	if got := testutil.ToFloat64(metrics.ExchangesTotal.WithLabelValues(OutcomeForwarded)); got != 1 {
		t.Errorf("forwarded counter = %v, want 1", got)
	}
	var hist dto.Metric
	if err := metrics.ExchangeDuration.Write(&hist); err != nil {
		t.Fatalf("read histogram: %v", err)
	}
	if hist.Histogram.GetSampleCount() != 1 {
		t.Errorf("duration samples = %d, want 1", hist.Histogram.GetSampleCount())
	}
}

func TestForwarderBlockedDomainNoOutboundCall(t *testing.T) {
	transport := &fakeTransport{}
	f, store, metrics := newTestForwarder(t, security.Config{
		BlockedDomains: []string{"blocked.example.com"},
	}, transport)

	publishRequest(t, store, "ex-2", "GET", "http://blocked.example.com/secret", nil)
	f.processExchange(context.Background(), "ex-2")

	if transport.calls != 0 {
		t.Errorf("transport called %d times for a blocked request", transport.calls)
	}

	d := readResponse(t, store, "ex-2")
	if d.StatusCode != 403 {
		t.Errorf("status = %d, want 403", d.StatusCode)
	}
	if !strings.Contains(string(d.Body), "blocked.example.com") {
		t.Errorf("body = %q, want the blocked domain named", d.Body)
	}
	if store.Exists(store.RequestDir(), "ex-2") {
		t.Error("request entry not deleted after denial")
	}
	if got := testutil.ToFloat64(metrics.ExchangesTotal.WithLabelValues(OutcomeBlocked)); got != 1 {
		t.Errorf("blocked counter = %v, want 1", got)
	}
}

func TestForwarderDecodeErrorSynthesizesGatewayError(t *testing.T) {
	transport := &fakeTransport{}
	f, store, metrics := newTestForwarder(t, security.Config{}, transport)

	if err := store.Publish(store.RequestDir(), "ex-3", []byte(`{"metadata": {}}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	f.processExchange(context.Background(), "ex-3")

	d := readResponse(t, store, "ex-3")
	if d.StatusCode != 502 {
		t.Errorf("status = %d, want 502", d.StatusCode)
	}
	if !strings.Contains(string(d.Body), "invalid request envelope") {
		t.Errorf("body = %q", d.Body)
	}
	if store.Exists(store.RequestDir(), "ex-3") {
		t.Error("malformed request entry not deleted")
	}
	if got := testutil.ToFloat64(metrics.ExchangesTotal.WithLabelValues(OutcomeDecodeError)); got != 1 {
		t.Errorf("decode_error counter = %v, want 1", got)
	}
}

func TestForwarderTransportFailure(t *testing.T) {
	transport := &fakeTransport{err: errors.New("connection refused")}
	f, store, metrics := newTestForwarder(t, security.Config{}, transport)

	publishRequest(t, store, "ex-4", "GET", "http://unreachable.example.com/", nil)
	f.processExchange(context.Background(), "ex-4")

	d := readResponse(t, store, "ex-4")
	if d.StatusCode != 502 {
		t.Errorf("status = %d, want 502", d.StatusCode)
	}
	if !strings.Contains(string(d.Body), "connection refused") {
		t.Errorf("body = %q, want the failure description", d.Body)
	}
	if got := testutil.ToFloat64(metrics.ExchangesTotal.WithLabelValues(OutcomeTransportError)); got != 1 {
		t.Errorf("transport_error counter = %v, want 1", got)
	}
}

func TestForwarderSkipsAlreadyAnswered(t *testing.T) {
	transport := &fakeTransport{result: &CallResult{StatusCode: 200, Reason: "OK"}}
	f, store, metrics := newTestForwarder(t, security.Config{}, transport)

	publishRequest(t, store, "ex-5", "GET", "http://example.com/", nil)
	existing, err := envelope.EncodeResponse("ex-5", 200, "OK", nil, []byte("first answer"), false)
	if err != nil {
		t.Fatalf("EncodeResponse failed: %v", err)
	}
	if err := store.Publish(store.ResponseDir(), "ex-5", existing); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	f.processExchange(context.Background(), "ex-5")

	if transport.calls != 0 {
		t.Errorf("transport called %d times for an already answered id", transport.calls)
	}
	d := readResponse(t, store, "ex-5")
	if string(d.Body) != "first answer" {
		t.Errorf("existing response overwritten: %q", d.Body)
	}
	if got := testutil.ToFloat64(metrics.ExchangesTotal.WithLabelValues(OutcomeSkipped)); got != 1 {
		t.Errorf("skipped counter = %v, want 1", got)
	}
}

func TestForwarderFiltersOversizeResponse(t *testing.T) {
	transport := &fakeTransport{result: &CallResult{
		StatusCode: 200,
		Reason:     "OK",
		Body:       make([]byte, 64),
	}}
	f, store, metrics := newTestForwarder(t, security.Config{MaxResponseBytes: 32}, transport)

	publishRequest(t, store, "ex-6", "GET", "http://example.com/big", nil)
	f.processExchange(context.Background(), "ex-6")

	d := readResponse(t, store, "ex-6")
	if !d.Filtered {
		t.Error("Filtered = false for an oversize body")
	}
	if string(d.Body) != security.OversizeMarker {
		t.Errorf("body = %q, want the oversize marker", d.Body)
	}
	// The digest must cover the marker, not the original body.
	if !d.VerifyIntegrity() {
		t.Error("filtered response fails integrity check")
	}
	if got := testutil.ToFloat64(metrics.ResponsesFilteredTotal); got != 1 {
		t.Errorf("filtered counter = %v, want 1", got)
	}
}

func TestForwarderScanSetsPendingGauge(t *testing.T) {
	transport := &fakeTransport{result: &CallResult{StatusCode: 200, Reason: "OK"}}
	f, store, metrics := newTestForwarder(t, security.Config{}, transport)

	publishRequest(t, store, "ex-7", "GET", "http://example.com/a", nil)
	publishRequest(t, store, "ex-8", "GET", "http://example.com/b", nil)

	f.scanOnce(context.Background())

	if got := testutil.ToFloat64(metrics.PendingRequests); got != 2 {
		t.Errorf("pending gauge = %v, want 2", got)
	}
	if transport.calls != 2 {
		t.Errorf("transport calls = %d, want 2", transport.calls)
	}
}

func TestForwarderCollectsStaleResponses(t *testing.T) {
	transport := &fakeTransport{}
	f, store, _ := newTestForwarder(t, security.Config{}, transport)
	f.staleAfter = time.Nanosecond

	data, err := envelope.EncodeResponse("ex-9", 200, "OK", nil, nil, false)
	if err != nil {
		t.Fatalf("EncodeResponse failed: %v", err)
	}
	if err := store.Publish(store.ResponseDir(), "ex-9", data); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	f.collectStaleResponses()

	if store.Exists(store.ResponseDir(), "ex-9") {
		t.Error("stale response not collected")
	}
}
