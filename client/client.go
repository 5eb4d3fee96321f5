// Package client mirrors the simulation server's HTTP operations for
// out-of-process callers.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"backend-go-simulation-api/internal/logger"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ServerError is a structured error response ({"message": ...}) from the server.
type ServerError struct {
	Message    string
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (status %d): %s", e.StatusCode, e.Message)
}

// TransportError is any failure that is not a structured server error:
// network failures, undecodable bodies and non-2xx responses without a message.
type TransportError struct {
	Method     string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Method, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Status mirrors GET /envs/{id}/status/.
type Status struct {
	InstanceID string         `json:"instance_id"`
	Backend    string         `json:"backend"`
	State      string         `json:"state"`
	Runs       int            `json:"runs"`
	CreatedAt  time.Time      `json:"created_at"`
	LastResult map[string]any `json:"last_result,omitempty"`
}

// Client talks to a simulation server.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	apiKey     string
	breaker    *gobreaker.CircuitBreaker
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey sends key in the X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithoutBreaker disables the circuit breaker.
func WithoutBreaker() Option {
	return func(c *Client) { c.breaker = nil }
}

// New returns a client for the server at remoteBase (e.g. http://127.0.0.1:5000).
func New(remoteBase string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(remoteBase, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse remote base %q: %w", remoteBase, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("remote base %q must be an absolute URL", remoteBase)
	}

	c := &Client{
		base: base,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   5 * time.Minute,
		},
	}

	// Open after 5 consecutive transport/5xx failures, probe again after 30s.
	// Structured 4xx answers mean the server is healthy and do not count.
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "simulation_server",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var se *ServerError
			return err == nil || (errors.As(err, &se) && se.StatusCode < http.StatusInternalServerError)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.LogCircuitBreakerStateChange(nil, name, from.String(), to.String())
		},
	})

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Create creates a new environment instance and returns its identifier.
func (c *Client) Create(ctx context.Context) (string, error) {
	var resp struct {
		InstanceID string `json:"instance_id"`
	}
	if err := c.post(ctx, "envs/", map[string]any{}, &resp); err != nil {
		return "", err
	}
	if resp.InstanceID == "" {
		return "", &TransportError{Method: http.MethodPost, URL: c.resolve("envs/"), Err: errors.New("response has no instance_id")}
	}
	return resp.InstanceID, nil
}

// Build builds the environment with the given simulation schema.
func (c *Client) Build(ctx context.Context, instanceID string, schema map[string]any) error {
	if schema == nil {
		schema = map[string]any{}
	}
	return c.post(ctx, envRoute(instanceID, "build"), map[string]any{"simulation_schema": schema}, nil)
}

// Run runs the environment for simulationTime seconds and returns the raw result.
func (c *Client) Run(ctx context.Context, instanceID string, simulationTime float64) (map[string]any, error) {
	var out map[string]any
	if err := c.post(ctx, envRoute(instanceID, "run"), map[string]any{"simulation_time": simulationTime}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the environment.
func (c *Client) Close(ctx context.Context, instanceID string) error {
	return c.post(ctx, envRoute(instanceID, "close"), nil, nil)
}

// List returns the live environments and their backend kinds.
func (c *Client) List(ctx context.Context) (map[string]string, error) {
	var resp struct {
		AllEnvs map[string]string `json:"all_envs"`
	}
	if err := c.do(ctx, http.MethodGet, "envs/", nil, &resp); err != nil {
		return nil, err
	}
	return resp.AllEnvs, nil
}

// Status returns the lifecycle state and last run result of an environment.
func (c *Client) Status(ctx context.Context, instanceID string) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, envRoute(instanceID, "status"), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Shutdown asks the server to shut down, if it supports that.
//
// Best effort: any failure is logged at debug level and otherwise ignored.
func (c *Client) Shutdown(ctx context.Context) {
	if err := c.post(ctx, "shutdown/", nil, nil); err != nil {
		logger.NewContextLogger(ctx).Debug("shutdown_request_ignored", "error", err)
	}
}

func envRoute(instanceID, verb string) string {
	return "envs/" + url.PathEscape(instanceID) + "/" + verb + "/"
}

func (c *Client) resolve(route string) string {
	return c.base.ResolveReference(&url.URL{Path: strings.TrimLeft(route, "/")}).String()
}

func (c *Client) post(ctx context.Context, route string, body any, out any) error {
	return c.do(ctx, http.MethodPost, route, body, out)
}

func (c *Client) do(ctx context.Context, method, route string, body any, out any) error {
	if c.breaker == nil {
		return c.roundTrip(ctx, method, route, body, out)
	}
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, method, route, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &TransportError{Method: method, URL: c.resolve(route), Err: fmt.Errorf("simulation server circuit open: %w", err)}
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, route string, body any, out any) error {
	target := c.resolve(route)
	lg := logger.NewContextLogger(ctx)

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &TransportError{Method: method, URL: target, Err: fmt.Errorf("marshal request: %w", err)}
		}
		payload = b
	}
	lg.Info("sim_client_request", "method", method, "url", target, "body_bytes", len(payload))

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return &TransportError{Method: method, URL: target, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if traceID := logger.TraceID(ctx); traceID != "" {
		req.Header.Set(string(logger.TraceIDKey), traceID)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Method: method, URL: target, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Method: method, URL: target, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response body: %w", err)}
	}
	return parseResponse(method, target, resp.StatusCode, raw, out)
}

// parseResponse separates structured server errors from everything else.
// Server errors always carry a JSON object with a "message" field; a body
// that does not decode is treated as a transport failure.
func parseResponse(method, target string, status int, raw []byte, out any) error {
	ok := status >= 200 && status < 300

	if len(bytes.TrimSpace(raw)) == 0 {
		if ok {
			return nil
		}
		return &TransportError{Method: method, URL: target, StatusCode: status, Err: errors.New(http.StatusText(status))}
	}

	if !ok {
		var errBody struct {
			Message *string `json:"message"`
		}
		if err := json.Unmarshal(raw, &errBody); err != nil || errBody.Message == nil {
			return &TransportError{Method: method, URL: target, StatusCode: status, Err: errors.New(http.StatusText(status))}
		}
		return &ServerError{Message: *errBody.Message, StatusCode: status}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &TransportError{Method: method, URL: target, StatusCode: status, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
