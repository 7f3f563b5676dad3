package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	// DefaultRequestTimeout bounds a single request when no http.Client is supplied.
	DefaultRequestTimeout = 30 * time.Second

	opFetch = "fetch"
	opSend  = "send"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Option configures Client construction.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithRequestTimeout sets the per-request timeout. It applies to a copy of
// the HTTP client, so a client passed to WithHTTPClient is left untouched.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.requestTimeout = timeout
		}
	}
}

// WithRateLimit paces requests to at most rps per second. Zero disables pacing.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithLogger configures the logger used for request diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer configures the tracer used for request spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// Client talks to a single supervisor over HTTP. Reads and writes are both
// issued as GET requests; writes carry a JSON body.
type Client struct {
	address        string
	httpClient     *http.Client
	requestTimeout time.Duration
	limiter        *rate.Limiter
	logger         *log.Logger
	tracer         trace.Tracer
}

// NewClient validates address and builds a client for it.
func NewClient(address string, options ...Option) (*Client, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.New("supervisor address must not be empty")
	}
	parsed, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse supervisor address %q: %w", address, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("supervisor address %q must use http or https", address)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("supervisor address %q has no host", address)
	}

	client := &Client{
		address:    address,
		httpClient: &http.Client{Timeout: DefaultRequestTimeout},
		logger:     log.New(io.Discard),
		tracer:     otel.Tracer("benchbot/supervisor"),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(client)
	}
	if client.requestTimeout > 0 {
		httpClient := *client.httpClient
		httpClient.Timeout = client.requestTimeout
		client.httpClient = &httpClient
	}
	return client, nil
}

// Address returns the configured supervisor base address.
func (c *Client) Address() string {
	return c.address
}

// Fetch reads route and decodes the JSON response body into out. A nil out
// discards the body after checking that it is valid JSON.
func (c *Client) Fetch(ctx context.Context, route string, category RouteCategory, out any) error {
	address, err := BuildAddress(c.address, route, category)
	if err != nil {
		return err
	}

	body, err := c.do(ctx, opFetch, address, route, category, nil)
	if err == nil {
		if out == nil {
			out = new(any)
		}
		if decodeErr := json.Unmarshal(body, out); decodeErr != nil {
			err = fmt.Errorf("decode response body: %w", decodeErr)
		}
	}
	if err != nil {
		return &ConnectionError{
			Op:       opFetch,
			Address:  address,
			Route:    route,
			Category: category,
			Err:      err,
		}
	}
	return nil
}

// Send issues route with payload encoded as the JSON request body. The
// response body is discarded.
func (c *Client) Send(ctx context.Context, route string, payload any, category RouteCategory) error {
	address, err := BuildAddress(c.address, route, category)
	if err != nil {
		return err
	}
	if payload == nil {
		payload = map[string]any{}
	}

	encoded, err := json.Marshal(payload)
	if err == nil {
		_, err = c.do(ctx, opSend, address, route, category, encoded)
	} else {
		err = fmt.Errorf("encode request payload: %w", err)
		encoded = []byte(fmt.Sprintf("%v", payload))
	}
	if err != nil {
		return &ConnectionError{
			Op:       opSend,
			Address:  address,
			Route:    route,
			Category: category,
			Payload:  string(encoded),
			Err:      err,
		}
	}
	return nil
}

func (c *Client) do(
	ctx context.Context,
	op string,
	address string,
	route string,
	category RouteCategory,
	body []byte,
) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()

	ctx, span := c.tracer.Start(
		ctx,
		"supervisor."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("route", route),
			attribute.String("category", category.String()),
			attribute.String("url", address),
		),
	)
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	out, status, err := c.roundTrip(ctx, address, body)
	if status != 0 {
		span.SetAttributes(attribute.Int("status_code", status))
	}
	c.logger.Debug(
		"supervisor request",
		"op", op,
		"route", route,
		"category", category.String(),
		"status", status,
		"duration", time.Since(started),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "request completed")
	return out, nil
}

func (c *Client) roundTrip(ctx context.Context, address string, body []byte) ([]byte, int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, fmt.Errorf("wait for request slot: %w", err)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, &UnexpectedResponseError{StatusCode: resp.StatusCode}
	}
	if body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, nil
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}
	return out, resp.StatusCode, nil
}
