package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPAdapter is the runtime adapter for api-kind dsl.Tool entities: a
// single configured endpoint invoked once per step execution, with request
// inputs marshaled as a JSON body and response outputs unmarshaled the same
// way.
type HTTPAdapter struct {
	Endpoint string
	Method   string
	Headers  map[string]string
	Client   *http.Client
}

// NewHTTPAdapter builds an HTTP adapter bound to one tool endpoint. headers
// is copied so later mutation by the caller (e.g. a resolved auth header)
// doesn't alias the adapter's own map.
func NewHTTPAdapter(endpoint, method string, headers map[string]string) *HTTPAdapter {
	if method == "" {
		method = http.MethodPost
	}
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return &HTTPAdapter{
		Endpoint: endpoint,
		Method:   strings.ToUpper(method),
		Headers:  h,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Invoke issues the HTTP call and decodes a JSON object response body into
// InvokeResponse.Outputs. Responses with status 400 or above become a ToolError, retryable
// for 429/5xx per the interpreter's retry wrapper.
func (a *HTTPAdapter) Invoke(ctx context.Context, req InvokeRequest) (InvokeResponse, error) {
	start := time.Now()
	body, err := json.Marshal(req.Inputs)
	if err != nil {
		return InvokeResponse{}, newToolError(ToolErrorCodeInvalidRequest, "encoding tool inputs: "+err.Error(), false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, a.Method, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return InvokeResponse{}, newToolError(ToolErrorCodeInvalidRequest, "building request: "+err.Error(), false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range a.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return InvokeResponse{}, newToolError(ToolErrorCodeTransportFailure, err.Error(), true, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return InvokeResponse{}, newToolError(ToolErrorCodeTransportFailure, "reading response: "+err.Error(), true, err)
	}

	if resp.StatusCode >= 400 {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return InvokeResponse{}, withToolErrorDetails(
			newToolError(ToolErrorCodeUpstreamFailure, fmt.Sprintf("upstream status %d", resp.StatusCode), retryable, nil),
			map[string]any{"status_code": resp.StatusCode, "body": string(raw)},
		)
	}

	var outputs map[string]any
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &outputs); err != nil {
			return InvokeResponse{}, newToolError(ToolErrorCodeDecodeFailure, "decoding response: "+err.Error(), false, err)
		}
	}

	return InvokeResponse{Outputs: outputs, DurationMS: elapsedMS(start)}, nil
}

// Close releases no resources: the underlying http.Client is pooled by the
// standard transport and shared safely across calls.
func (a *HTTPAdapter) Close(ctx context.Context) error {
	return nil
}

var _ Adapter = (*HTTPAdapter)(nil)
