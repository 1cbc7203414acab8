package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// maxResponseBytes caps how much of a target's response body is buffered.
const maxResponseBytes = 4 << 20

// Response is the outcome of a successful (2xx) outbound call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// DecodeJSON unmarshals the response body into v.
func (r *Response) DecodeJSON(v interface{}) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	return json.Unmarshal(r.Body, v)
}

// Executor sends requests to registered target systems. Every call passes
// the target's admission gates first, and its outcome feeds the target's
// circuit breaker.
type Executor struct {
	registry *Registry
	client   *http.Client
	logger   zerolog.Logger
	metrics  *Metrics
	issuer   string
	now      func() time.Time
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithHTTPClient overrides the shared HTTP client. Per-call deadlines come
// from each integration's configured timeout, so the client itself carries
// none.
func WithHTTPClient(c *http.Client) ExecutorOption {
	return func(e *Executor) { e.client = c }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithIssuer sets the iss claim minted into outbound JWTs.
func WithIssuer(iss string) ExecutorOption {
	return func(e *Executor) { e.issuer = iss }
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(reg *Registry, logger zerolog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: reg,
		client:   &http.Client{},
		logger:   logger,
		issuer:   "carebridge",
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute performs one request against the named integration.
//
// The call is rejected up front, without touching the network, when the
// integration is unknown, disabled, has an open circuit, or has exhausted its
// rate window. Rejections never count as breaker failures. A transport error
// or a non-2xx status counts as one failure; a 2xx response resets the
// consecutive failure count.
func (e *Executor) Execute(ctx context.Context, name, method, path string, body []byte, headers map[string]string) (*Response, error) {
	return e.execute(ctx, name, method, path, body, headers, nil)
}

// ExecuteExpecting behaves like Execute except that the listed status codes
// count as successful exchanges for breaker and health accounting. The
// caller still receives a *StatusError for them, so IsStatus keeps working.
// The sync engine declares 404 on existence probes and deletes, where
// "absent" is a routine answer from a healthy target, not an outage.
func (e *Executor) ExecuteExpecting(ctx context.Context, name, method, path string, body []byte, headers map[string]string, expected ...int) (*Response, error) {
	return e.execute(ctx, name, method, path, body, headers, expected)
}

func (e *Executor) execute(ctx context.Context, name, method, path string, body []byte, headers map[string]string, expected []int) (*Response, error) {
	integ, ok := e.registry.Get(name)
	if !ok {
		return nil, &NotFoundError{Name: name}
	}

	if err := integ.admit(e.now()); err != nil {
		e.recordRejection(name, err)
		return nil, err
	}

	cfg := integ.Config()
	req, err := e.buildRequest(ctx, cfg, method, path, body, headers)
	if err != nil {
		// A malformed request never reached the target, so it does not
		// count against the breaker.
		return nil, fmt.Errorf("build request for %s: %w", name, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	req = req.WithContext(reqCtx)

	start := time.Now()
	resp, err := e.client.Do(req)
	duration := time.Since(start)

	if err != nil {
		timeout := errors.Is(err, context.DeadlineExceeded)
		var nerr net.Error
		if !timeout && errors.As(err, &nerr) && nerr.Timeout() {
			timeout = true
		}
		e.failure(integ, name, duration, "transport")
		return nil, &RequestError{Name: name, Err: err, Timeout: timeout}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		e.failure(integ, name, duration, "body_read")
		return nil, &RequestError{Name: name, Err: fmt.Errorf("read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if statusExpected(resp.StatusCode, expected) {
			integ.recordSuccess(e.now(), duration)
			e.metrics.RecordRequest(name, "success", duration)
			return nil, &StatusError{Name: name, StatusCode: resp.StatusCode, Body: data}
		}
		e.failure(integ, name, duration, fmt.Sprintf("status_%d", resp.StatusCode))
		return nil, &StatusError{Name: name, StatusCode: resp.StatusCode, Body: data}
	}

	integ.recordSuccess(e.now(), duration)
	e.metrics.RecordRequest(name, "success", duration)
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
		Duration:   duration,
	}, nil
}

func (e *Executor) buildRequest(ctx context.Context, cfg Config, method, path string, body []byte, headers map[string]string) (*http.Request, error) {
	url := strings.TrimSuffix(cfg.BaseURL, "/")
	if path != "" {
		url += "/" + strings.TrimPrefix(path, "/")
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}

	if len(body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if err := applyAuth(req, cfg, e.issuer); err != nil {
		return nil, err
	}
	return req, nil
}

func statusExpected(code int, expected []int) bool {
	for _, c := range expected {
		if c == code {
			return true
		}
	}
	return false
}

func (e *Executor) failure(integ *Integration, name string, duration time.Duration, outcome string) {
	tripped := integ.recordFailure(e.now(), outcome)
	e.metrics.RecordRequest(name, "failure", duration)
	if tripped {
		e.metrics.RecordBreakerTrip(name)
		until := ""
		if st := integ.BreakerSnapshot(); st.OpenUntil != nil {
			until = st.OpenUntil.Format(time.RFC3339)
		}
		e.logger.Warn().
			Str("integration", name).
			Str("cause", outcome).
			Str("open_until", until).
			Msg("circuit breaker tripped open")
	} else {
		e.logger.Debug().
			Str("integration", name).
			Str("cause", outcome).
			Msg("outbound request failed")
	}
}

func (e *Executor) recordRejection(name string, err error) {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		e.metrics.RecordRejection(name, "circuit_open")
	case errors.Is(err, ErrRateLimited):
		e.metrics.RecordRejection(name, "rate_limited")
	case errors.Is(err, ErrDisabled):
		e.metrics.RecordRejection(name, "disabled")
	}
}
