package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxHTTPResult caps how much of an external tool response is forwarded to
// the provider.
const maxHTTPResult = 64 * 1024

// HTTPHandler invokes a user-defined webhook with the tool's JSON arguments
// and forwards the response body as the tool result. The dispatcher's 5 s
// context bounds the whole round trip.
type HTTPHandler struct {
	url     string
	headers map[string]string
	client  *http.Client
}

var _ Handler = (*HTTPHandler)(nil)

// NewHTTPHandler creates a handler POSTing to url. headers are added to
// every request (typically an authorization token).
func NewHTTPHandler(url string, headers map[string]string, client *http.Client) *HTTPHandler {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPHandler{url: url, headers: headers, client: client}
}

// Handle POSTs argsJSON and returns the response body as the result. A
// non-JSON body is wrapped in {"output": ...} so the provider always gets an
// object.
func (h *HTTPHandler) Handle(ctx context.Context, argsJSON string) (string, error) {
	if argsJSON == "" {
		argsJSON = "{}"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader([]byte(argsJSON)))
	if err != nil {
		return "", fmt.Errorf("tools: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("tools: call %s: %w", h.url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResult))
	if err != nil {
		return "", fmt.Errorf("tools: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("tools: %s returned status %d: %s", h.url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return `{"status":"ok"}`, nil
	}
	if json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}
	wrapped, _ := json.Marshal(map[string]string{"output": trimmed})
	return string(wrapped), nil
}
