// Package backend is the client for the remote data service: the stage stream
// transports plus status, summary, query, session reset and voice endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vango-go/datachat/pkg/core"
	"github.com/vango-go/datachat/pkg/core/types"
	"github.com/vango-go/datachat/pkg/metrics"
)

const (
	// DefaultRequestTimeout bounds every non-streaming request.
	DefaultRequestTimeout = 60 * time.Second
	// DefaultSummaryWarnLatency is the summary latency above which the
	// service is assumed to be computing instead of reading cached metadata.
	DefaultSummaryWarnLatency = 500 * time.Millisecond

	defaultDialTimeout = 10 * time.Second
	maxResponseBytes   = 8 << 20
	tracerName         = "github.com/vango-go/datachat/pkg/backend"
)

// Client talks to the data service.
type Client struct {
	baseURL            string
	httpClient         *http.Client
	dialer             *websocket.Dialer
	requestTimeout     time.Duration
	summaryWarnLatency time.Duration
	logger             *slog.Logger
	tracer             trace.Tracer
	metrics            *metrics.Metrics

	mu    sync.RWMutex
	token string
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:            baseURL,
		httpClient:         newDefaultHTTPClient(),
		dialer:             websocket.DefaultDialer,
		requestTimeout:     DefaultRequestTimeout,
		summaryWarnLatency: DefaultSummaryWarnLatency,
		logger:             slog.Default(),
		tracer:             noop.NewTracerProvider().Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token. An empty token removes the header.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Status returns the service's point-in-time ingestion status.
func (c *Client) Status(ctx context.Context) (*types.BackendStatus, error) {
	var out types.BackendStatus
	if err := c.doJSON(ctx, "status", http.MethodGet, "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Summary fetches structural dataset metadata. A response slower than the
// configured latency is logged and counted, never failed.
func (c *Client) Summary(ctx context.Context) (*types.DatasetMetadata, error) {
	start := time.Now()
	var out types.DatasetMetadata
	if err := c.doJSON(ctx, "summary", http.MethodGet, "/v1/summary", nil, &out); err != nil {
		return nil, err
	}
	if elapsed := time.Since(start); elapsed > c.summaryWarnLatency {
		c.logger.Warn("summary latency exceeded threshold",
			"latency", elapsed,
			"threshold", c.summaryWarnLatency,
		)
		c.metrics.SlowSummary()
	}
	return &out, nil
}

type queryRequest struct {
	Query string `json:"query"`
}

// Query runs a natural-language query against the connected dataset.
func (c *Client) Query(ctx context.Context, text string) (*types.QueryResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, core.NewInvalidRequestError("query must not be empty")
	}
	var out types.QueryResult
	if err := c.doJSON(ctx, "query", http.MethodPost, "/v1/query", queryRequest{Query: text}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResetSession invalidates the service-side session state.
func (c *Client) ResetSession(ctx context.Context) error {
	return c.doJSON(ctx, "reset_session", http.MethodPost, "/v1/session/reset", nil, nil)
}

// doJSON performs a non-streaming request under the request ceiling and
// decodes a JSON response into out (when non-nil).
func (c *Client) doJSON(ctx context.Context, op, method, path string, payload, out any) error {
	ctx, cancel := c.withRequestTimeout(ctx)
	defer cancel()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return core.NewInvalidRequestError("failed to marshal request body")
		}
		body = bytes.NewReader(raw)
	}

	resp, err := c.send(ctx, op, method, path, body, "application/json", "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return c.classify(ctx, op, &TransportError{Op: method, URL: resp.Request.URL.String(), Err: err})
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &core.Error{
			Type:      core.ErrAPI,
			Message:   "failed to decode " + op + " response",
			RequestID: requestIDFromHeader(resp.Header),
		}
	}
	return nil
}

// send issues one request and returns a 2xx response whose body the caller
// owns. Failures are classified into *core.Error or *TransportError.
func (c *Client) send(ctx context.Context, op, method, path string, body io.Reader, contentType, accept string) (*http.Response, error) {
	endpoint, err := c.endpoint(path)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "backend."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.full", redactURLUserInfo(endpoint)),
		),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, endSpan(span, &TransportError{Op: method, URL: endpoint, Err: err})
	}
	if body != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveRequest(op, "error", time.Since(start))
		return nil, endSpan(span, c.classify(ctx, op, &TransportError{Op: method, URL: endpoint, Err: err}))
	}
	c.metrics.ObserveRequest(op, strconv.Itoa(resp.StatusCode), time.Since(start))
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, endSpan(span, decodeErrorResponse(resp, endpoint, method))
	}
	return resp, nil
}

// classify maps a failure caused by an expired deadline or a network timeout
// to a timeout error.
func (c *Client) classify(ctx context.Context, op string, err error) error {
	var nerr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		c.logger.Warn("backend request timed out", "op", op, "error", err)
		return core.NewTimeoutError(op, err)
	}
	return err
}

func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) withRequestTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

func (c *Client) endpoint(path string) (string, error) {
	rawBaseURL := strings.TrimSpace(c.baseURL)
	if rawBaseURL == "" {
		return "", core.NewInvalidRequestError("data service base URL is not configured")
	}

	base, err := url.Parse(rawBaseURL)
	if err != nil || strings.TrimSpace(base.Scheme) == "" || strings.TrimSpace(base.Host) == "" {
		return "", core.NewInvalidRequestError("invalid data service base URL")
	}
	if base.User != nil {
		return "", core.NewInvalidRequestError("data service base URL must not include credentials")
	}

	base.RawQuery = ""
	base.Fragment = ""

	cleanPath := "/" + strings.TrimLeft(path, "/")
	basePath := strings.TrimSuffix(base.Path, "/")
	if basePath == "" || basePath == "/" {
		base.Path = cleanPath
	} else {
		base.Path = basePath + cleanPath
	}
	base.RawPath = ""

	return base.String(), nil
}

func (c *Client) webSocketEndpoint(path string) (string, error) {
	endpoint, err := c.endpoint(path)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", core.NewInvalidRequestError("invalid data service base URL")
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", core.NewInvalidRequestError("data service base URL must use http(s) or ws(s)")
	}
	return u.String(), nil
}
