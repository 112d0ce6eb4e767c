package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/della-wonders/wonder/internal/envelope"
	"github.com/della-wonders/wonder/internal/exchange"
)

func newTestInterceptor(t *testing.T, opts InterceptorOptions) (*Interceptor, *exchange.Store) {
	t.Helper()
	store := exchange.NewStore(t.TempDir(), nil)
	if err := store.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout failed: %v", err)
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	if opts.WaitTimeout == 0 {
		opts.WaitTimeout = 2 * time.Second
	}
	return NewInterceptor(store, opts, nil), store
}

// answerRequests emulates the forwarder: it waits for a request entry to
// appear and publishes the response produced by answer.
func answerRequests(t *testing.T, store *exchange.Store, answer func(req *envelope.RequestDescriptor) []byte) chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.After(2 * time.Second)
		for {
			select {
			case <-deadline:
				return
			case <-time.After(2 * time.Millisecond):
			}
			ids, err := store.ListPending(store.RequestDir())
			if err != nil || len(ids) == 0 {
				continue
			}
			data, err := store.TryRead(store.RequestDir(), ids[0])
			if err != nil {
				continue
			}
			req, err := envelope.DecodeRequest(data)
			if err != nil {
				return
			}
			if err := store.Publish(store.ResponseDir(), req.ID, answer(req)); err != nil {
				return
			}
			return
		}
	}()
	return done
}

func TestInterceptorSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	i, store := newTestInterceptor(t, InterceptorOptions{})

	done := answerRequests(t, store, func(req *envelope.RequestDescriptor) []byte {
		if req.Method != "GET" || req.URL != "http://example.com/data" {
			t.Errorf("forwarder saw %s %s", req.Method, req.URL)
		}
		data, err := envelope.EncodeResponse(req.ID, 200, "OK",
			map[string]string{"Content-Type": "application/json"}, []byte(`{"ok": true}`), false)
		if err != nil {
			t.Errorf("EncodeResponse failed: %v", err)
		}
		return data
	})

	result, err := i.Do(context.Background(), "GET", "http://example.com/data", nil, nil)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	<-done

	if result.StatusCode != 200 {
		t.Errorf("status = %d, want 200", result.StatusCode)
	}
	if string(result.Body) != `{"ok": true}` {
		t.Errorf("body = %q", result.Body)
	}
	if result.Headers["Content-Type"] != "application/json" {
		t.Errorf("headers = %v", result.Headers)
	}

	// Both entries are cleaned up after the exchange.
	ids, _ := store.ListPending(store.RequestDir())
	if len(ids) != 0 {
		t.Errorf("request entries remain: %v", ids)
	}
	ids, _ = store.ListPending(store.ResponseDir())
	if len(ids) != 0 {
		t.Errorf("response entries remain: %v", ids)
	}
}

func TestInterceptorTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	i, store := newTestInterceptor(t, InterceptorOptions{WaitTimeout: 30 * time.Millisecond})

	result, err := i.Do(context.Background(), "GET", "http://example.com/slow", nil, nil)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	if result.StatusCode != 504 {
		t.Errorf("status = %d, want 504", result.StatusCode)
	}
	if string(result.Body) != "Gateway Timeout: No response from relay" {
		t.Errorf("body = %q", result.Body)
	}

	ids, _ := store.ListPending(store.RequestDir())
	if len(ids) != 0 {
		t.Errorf("request entries remain after timeout: %v", ids)
	}
}

func TestInterceptorIntegrityMismatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	i, store := newTestInterceptor(t, InterceptorOptions{})

	done := answerRequests(t, store, func(req *envelope.RequestDescriptor) []byte {
		data, err := envelope.EncodeResponse(req.ID, 200, "OK", nil, []byte("genuine"), false)
		if err != nil {
			t.Errorf("EncodeResponse failed: %v", err)
		}
		// Corrupt the recorded digest so the body no longer matches.
		var env map[string]any
		if err := json.Unmarshal(data, &env); err != nil {
			t.Errorf("unmarshal envelope: %v", err)
		}
		env["security"].(map[string]any)["response_hash"] = "0000"
		tampered, _ := json.Marshal(env)
		return tampered
	})

	result, err := i.Do(context.Background(), "GET", "http://example.com/x", nil, nil)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	<-done

	if result.StatusCode != 502 {
		t.Errorf("status = %d, want 502", result.StatusCode)
	}
	if string(result.Body) != "Response integrity check failed" {
		t.Errorf("body = %q", result.Body)
	}
	// The unverified payload must never reach the caller.
	if string(result.Body) == "genuine" {
		t.Error("unverified body delivered")
	}
}

func TestInterceptorContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	i, store := newTestInterceptor(t, InterceptorOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := i.Do(ctx, "GET", "http://example.com/cancelled", nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do = %v, want context.Canceled", err)
	}

	ids, _ := store.ListPending(store.RequestDir())
	if len(ids) != 0 {
		t.Errorf("request entries remain after cancel: %v", ids)
	}
}
