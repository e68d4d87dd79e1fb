package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// HTTPExecutor serves the "http" tool kind.
//
// Spec parameters:
//   - url: target URL (required; "endpoint" is accepted as an alias)
//   - method: HTTP method, default GET
//   - headers: map of request headers
//   - params: map of query parameters, merged into the URL
//   - body: request body; strings are sent raw, anything else is
//     JSON-encoded with Content-Type application/json
//
// Result:
//   - status_code: response status
//   - headers: response headers (single values flattened)
//   - body: decoded JSON value when the response is application/json,
//     otherwise the raw body string
//
// Responses with status >= 400 are returned as errors so step retry
// policies see them as failed attempts.
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor builds an executor on the default transport. Timeouts
// come from the caller's context, not the client.
func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{client: &http.Client{}}
}

// NewHTTPExecutorWithClient builds an executor on a caller-owned client,
// for custom transports or test doubles.
func NewHTTPExecutorWithClient(client *http.Client) *HTTPExecutor {
	return &HTTPExecutor{client: client}
}

// Kind implements Executor.
func (h *HTTPExecutor) Kind() string { return "http" }

// Execute implements Executor.
func (h *HTTPExecutor) Execute(ctx context.Context, spec map[string]any, call CallContext) (map[string]any, error) {
	rawURL, _ := spec["url"].(string)
	if rawURL == "" {
		rawURL, _ = spec["endpoint"].(string)
	}
	if rawURL == "" {
		return nil, fmt.Errorf("http: url required")
	}

	method := http.MethodGet
	if m, ok := spec["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	target, err := h.buildURL(rawURL, spec["params"])
	if err != nil {
		return nil, err
	}

	body, contentType, err := encodeBody(spec["body"])
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("http: build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers, ok := spec["headers"].(map[string]any); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(key, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %s %s: %w", method, target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("http: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http: %s %s: status %d: %s", method, target, resp.StatusCode, snippet(raw))
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        decodeBody(resp.Header.Get("Content-Type"), raw),
	}, nil
}

func (h *HTTPExecutor) buildURL(rawURL string, params any) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("http: parse url: %w", err)
	}
	if pm, ok := params.(map[string]any); ok && len(pm) > 0 {
		q := u.Query()
		for k, v := range pm {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func encodeBody(body any) (io.Reader, string, error) {
	switch v := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		if v == "" {
			return nil, "", nil
		}
		return strings.NewReader(v), "", nil
	default:
		enc, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("http: encode body: %w", err)
		}
		return bytes.NewReader(enc), "application/json", nil
	}
}

// decodeBody returns the parsed JSON value for JSON responses so step
// expressions can address fields directly, and the raw string otherwise.
func decodeBody(contentType string, raw []byte) any {
	mt, _, err := mime.ParseMediaType(contentType)
	if err == nil && (mt == "application/json" || strings.HasSuffix(mt, "+json")) {
		var v any
		if json.Unmarshal(raw, &v) == nil {
			return v
		}
	}
	return string(raw)
}

func snippet(raw []byte) string {
	const max = 200
	s := strings.TrimSpace(string(raw))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
