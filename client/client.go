// Package client talks to the server's HTTP API. It implements
// worker.API for remote pools and exposes the execution endpoints for
// tooling. All calls flow through a circuit breaker so a dead server
// degrades to fast failures instead of piled-up timeouts.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/store"
)

// maxResponseBytes bounds how much of a response body the client reads.
const maxResponseBytes = 16 << 20

// Options tunes a Client. Zero values fall back to defaults.
type Options struct {
	// Timeout applies per request. Default 30s.
	Timeout time.Duration

	// HTTPClient overrides the transport. Timeout is not applied to a
	// caller-supplied client.
	HTTPClient *http.Client

	// Logger receives breaker state changes. Nil disables logging.
	Logger *zap.Logger

	// Breaker overrides the circuit settings. Name and ReadyToTrip are
	// filled in when unset.
	Breaker *gobreaker.Settings
}

// Client is a server API client. Safe for concurrent use.
type Client struct {
	base string
	http *http.Client
	cb   *gobreaker.CircuitBreaker
	log  *zap.Logger
}

// New builds a client for the server at baseURL.
func New(baseURL string, opts Options) (*Client, error) {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("client: base URL required")
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	settings := gobreaker.Settings{}
	if opts.Breaker != nil {
		settings = *opts.Breaker
	}
	if settings.Name == "" {
		settings.Name = "loom-api"
	}
	if settings.ReadyToTrip == nil {
		settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		}
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 15 * time.Second
	}
	userHook := settings.OnStateChange
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn("api circuit state change",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		if userHook != nil {
			userHook(name, from, to)
		}
	}

	return &Client{
		base: base,
		http: hc,
		cb:   gobreaker.NewCircuitBreaker(settings),
		log:  log,
	}, nil
}

type apiResponse struct {
	status int
	body   []byte
}

// do runs one JSON round trip. Transport faults and 5xx responses count
// against the breaker; 4xx responses are server answers and do not.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		enc, err := json.Marshal(in)
		if err != nil {
			return engine.Wrap(engine.CodeValidation, err, "encode request")
		}
		body = bytes.NewReader(enc)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return engine.Wrap(engine.CodeValidation, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	v, err := c.cb.Execute(func() (any, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= 500 {
			return nil, apiError(resp.StatusCode, data)
		}
		return apiResponse{status: resp.StatusCode, body: data}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return engine.Wrap(engine.CodeRetriable, err, "api circuit open")
		}
		if engine.CodeOf(err) == engine.CodeRetriable && !isCoded(err) {
			return engine.Wrap(engine.CodeRetriable, err, method+" "+path)
		}
		return err
	}

	res := v.(apiResponse)
	if res.status >= 400 {
		return apiError(res.status, res.body)
	}
	if out != nil && len(res.body) > 0 {
		if err := json.Unmarshal(res.body, out); err != nil {
			return engine.Wrap(engine.CodeRetriable, err, "decode response")
		}
	}
	return nil
}

func isCoded(err error) bool {
	var e *engine.Error
	return errors.As(err, &e)
}

// apiError converts an error envelope into a coded error. Conflict
// responses additionally match the store lease sentinel, since queue
// settlement is the only conflict source a client sees.
func apiError(status int, body []byte) error {
	var env struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	_ = json.Unmarshal(body, &env)

	code := engine.Code(env.Code)
	if env.Code == "" {
		code = codeForStatus(status)
	}
	msg := env.Error
	if msg == "" {
		msg = fmt.Sprintf("%d %s", status, http.StatusText(status))
	}

	switch code {
	case engine.CodeNotFound:
		return engine.Wrap(code, store.ErrNotFound, msg)
	case engine.CodeConflict:
		return engine.Wrap(code, store.ErrLeaseExpired, msg)
	default:
		return engine.E(code, "%s", msg)
	}
}

func codeForStatus(status int) engine.Code {
	switch status {
	case http.StatusBadRequest:
		return engine.CodeValidation
	case http.StatusNotFound:
		return engine.CodeNotFound
	case http.StatusConflict:
		return engine.CodeConflict
	case http.StatusGatewayTimeout:
		return engine.CodeTimeout
	case http.StatusServiceUnavailable:
		return engine.CodeRetriable
	default:
		return engine.CodeFatal
	}
}
