package tool

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bazaarvoice/qtype/core"
)

func TestHTTPAdapter_Invoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("X-Api-Key"); got != "k-123" {
			t.Errorf("X-Api-Key = %q, want k-123", got)
		}
		var inputs map[string]any
		if err := json.NewDecoder(r.Body).Decode(&inputs); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if inputs["city"] != "Paris" {
			t.Errorf("city = %v, want Paris", inputs["city"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"forecast": "sunny"})
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, "POST", map[string]string{"X-Api-Key": "k-123"})
	resp, err := a.Invoke(context.Background(), InvokeRequest{ToolName: "weather", Inputs: map[string]any{"city": "Paris"}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Outputs["forecast"] != "sunny" {
		t.Errorf("forecast = %v, want sunny", resp.Outputs["forecast"])
	}
}

func TestHTTPAdapter_UpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, "POST", nil)
	_, err := a.Invoke(context.Background(), InvokeRequest{ToolName: "weather"})
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("error = %v, want ToolError", err)
	}
	if toolErr.Code != ToolErrorCodeUpstreamFailure {
		t.Errorf("code = %q, want %q", toolErr.Code, ToolErrorCodeUpstreamFailure)
	}
	if toolErr.Retryable {
		t.Error("4xx marked retryable, want permanent")
	}
}

func TestHTTPAdapter_RetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "try later", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, "POST", nil)
	_, err := a.Invoke(context.Background(), InvokeRequest{ToolName: "weather"})
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("error = %v, want ToolError", err)
	}
	if !toolErr.Retryable {
		t.Error("5xx not marked retryable")
	}
}

func TestInvokeWithRetry_RecoversTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, "POST", nil)
	policy := core.RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond, Multiplier: 2, MaxElapsed: time.Second}
	resp, attempts, err := InvokeWithRetry(context.Background(), policy, func(ctx context.Context) (InvokeResponse, error) {
		return a.Invoke(ctx, InvokeRequest{ToolName: "flaky"})
	})
	if err != nil {
		t.Fatalf("InvokeWithRetry: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if resp.Outputs["ok"] != true {
		t.Errorf("outputs = %v, want ok", resp.Outputs)
	}
}

func TestInvokeWithRetry_PermanentFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, "POST", nil)
	policy := core.RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond, Multiplier: 2, MaxElapsed: time.Second}
	_, attempts, err := InvokeWithRetry(context.Background(), policy, func(ctx context.Context) (InvokeResponse, error) {
		return a.Invoke(ctx, InvokeRequest{ToolName: "broken"})
	})
	if err == nil {
		t.Fatal("InvokeWithRetry succeeded, want error")
	}
	if attempts != 1 || calls.Load() != 1 {
		t.Errorf("attempts = %d, calls = %d, want single attempt for permanent error", attempts, calls.Load())
	}
}

func TestNativeAdapter(t *testing.T) {
	registry := NativeRegistry{
		"double": nativeFunc(func(_ context.Context, inputs map[string]any) (map[string]any, error) {
			n, _ := inputs["n"].(float64)
			return map[string]any{"result": n * 2}, nil
		}),
	}
	impl, ok := registry.Lookup("double")
	if !ok {
		t.Fatal("Lookup failed")
	}
	a := NewNativeAdapter(impl)
	resp, err := a.Invoke(context.Background(), InvokeRequest{ToolName: "double", Inputs: map[string]any{"n": 21.0}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Outputs["result"] != 42.0 {
		t.Errorf("result = %v, want 42", resp.Outputs["result"])
	}
}

type nativeFunc func(ctx context.Context, inputs map[string]any) (map[string]any, error)

func (f nativeFunc) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return f(ctx, inputs)
}
