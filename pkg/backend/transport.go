package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/datachat/pkg/core"
)

type connectRequest struct {
	URL string `json:"url"`
}

// HTTPTransport opens the stage stream with a body-bearing POST and hands the
// still-open response body to the stream reader.
type HTTPTransport struct {
	client *Client
}

// HTTPTransport returns the chunked-HTTP stage stream transport.
func (c *Client) HTTPTransport() *HTTPTransport {
	return &HTTPTransport{client: c}
}

// Open starts ingestion of locator. No request ceiling applies; the body lives
// until a terminal record, ctx cancellation or Close.
func (t *HTTPTransport) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	if strings.TrimSpace(locator) == "" {
		return nil, core.NewInvalidRequestError("dataset locator must not be empty")
	}
	raw, err := json.Marshal(connectRequest{URL: locator})
	if err != nil {
		return nil, core.NewInvalidRequestError("failed to marshal connect request")
	}
	resp, err := t.client.send(ctx, "connect", http.MethodPost, "/v1/connect", bytes.NewReader(raw), "application/json", "text/event-stream")
	if err != nil {
		return nil, err
	}
	t.client.logger.Debug("stage stream opened", "transport", "http", "status", resp.StatusCode)
	return resp.Body, nil
}

// WebSocketTransport opens the stage stream over a websocket. The locator is
// sent as the first message; every inbound message carries bytes of the same
// data:-framed stream.
type WebSocketTransport struct {
	client *Client
}

// WebSocketTransport returns the websocket stage stream transport.
func (c *Client) WebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{client: c}
}

// Open dials the service and sends the connect request.
func (t *WebSocketTransport) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	if strings.TrimSpace(locator) == "" {
		return nil, core.NewInvalidRequestError("dataset locator must not be empty")
	}
	c := t.client
	wsURL, err := c.webSocketEndpoint("/v1/connect/ws")
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "backend.connect_ws",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("url.full", redactURLUserInfo(wsURL))),
	)
	defer span.End()

	headers := make(http.Header)
	if token := c.bearer(); token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
	}

	conn, resp, err := c.dialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, endSpan(span, decodeErrorResponse(resp, wsURL, http.MethodGet))
		}
		if resp != nil {
			return nil, endSpan(span, &TransportError{Op: http.MethodGet, URL: wsURL, Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)})
		}
		return nil, endSpan(span, &TransportError{Op: http.MethodGet, URL: wsURL, Err: err})
	}

	if err := conn.WriteJSON(connectRequest{URL: locator}); err != nil {
		_ = conn.Close()
		return nil, endSpan(span, &TransportError{Op: "send connect", URL: wsURL, Err: err})
	}
	c.logger.Debug("stage stream opened", "transport", "websocket")
	return newWSBody(conn), nil
}

// wsBody adapts a websocket connection to io.ReadCloser by concatenating
// message payloads.
type wsBody struct {
	conn *websocket.Conn
	cur  io.Reader

	closeOnce sync.Once
	closeErr  error
}

func newWSBody(conn *websocket.Conn) *wsBody {
	return &wsBody{conn: conn}
}

func (b *wsBody) Read(p []byte) (int, error) {
	for {
		if b.cur != nil {
			n, err := b.cur.Read(p)
			if errors.Is(err, io.EOF) {
				b.cur = nil
				if n > 0 {
					return n, nil
				}
				continue
			}
			return n, err
		}

		messageType, r, err := b.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		b.cur = r
	}
}

func (b *wsBody) Close() error {
	b.closeOnce.Do(func() {
		_ = b.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		b.closeErr = b.conn.Close()
	})
	return b.closeErr
}
