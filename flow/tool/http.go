package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPAdapter calls a JSON-over-HTTP endpoint. Request args are POSTed as a
// JSON body, the idempotency key travels in the Idempotency-Key header, and
// response status codes map onto the error taxonomy:
//
//	429            -> rate_limited
//	401, 403       -> auth_expired
//	5xx            -> transient
//	other non-2xx  -> permanent
type HTTPAdapter struct {
	name    string
	url     string
	client  *http.Client
	headers map[string]string
}

// HTTPOption configures an HTTPAdapter.
type HTTPOption func(*HTTPAdapter)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(h *HTTPAdapter) { h.client = client }
}

// WithHeader adds a static header to every request, e.g. an API key.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTPAdapter) { h.headers[key] = value }
}

// NewHTTPAdapter creates an adapter POSTing to the given URL.
func NewHTTPAdapter(name, url string, opts ...HTTPOption) *HTTPAdapter {
	h := &HTTPAdapter{
		name:    name,
		url:     url,
		client:  http.DefaultClient,
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements Adapter.
func (h *HTTPAdapter) Name() string { return h.name }

// Invoke implements Adapter.
func (h *HTTPAdapter) Invoke(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req.Args)
	if err != nil {
		return Result{}, NewError(KindPermanent, h.name, "failed to marshal request args", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, NewError(KindPermanent, h.name, "failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	if req.Account != "" {
		httpReq.Header.Set("X-Account", req.Account)
	}
	for k, v := range h.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Result{}, NewError(KindTransient, h.name, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Result{}, NewError(KindTransient, h.name, "failed to read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, NewError(KindRateLimited, h.name, "upstream throttled the call", nil)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{}, NewError(KindAuthExpired, h.name, "credential rejected", nil)
	case resp.StatusCode >= 500:
		return Result{}, NewError(KindTransient, h.name,
			fmt.Sprintf("upstream error %d", resp.StatusCode), nil)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Result{}, NewError(KindPermanent, h.name,
			fmt.Sprintf("upstream rejected the call with %d", resp.StatusCode), nil)
	}

	var output map[string]interface{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &output); err != nil {
			return Result{}, NewError(KindPermanent, h.name, "failed to decode response", err)
		}
	}

	res := Result{Output: output}
	if cost, ok := output["cost"].(float64); ok {
		res.Cost = cost
	}
	return res, nil
}
