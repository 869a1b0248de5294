package backend

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/vango-go/datachat/pkg/core"
)

// TransportError is a failure to reach the data service at all: dial, TLS,
// reset connection or a broken body. Service-reported failures are
// *core.Error instead.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	target := e.Op
	if e.URL != "" {
		target = strings.TrimSpace(target + " " + redactURLUserInfo(e.URL))
	}
	return fmt.Sprintf("data service unreachable (%s): %v", target, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// redactURLUserInfo strips credentials embedded in a URL before it is logged,
// traced or put into an error.
func redactURLUserInfo(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = nil
	return u.String()
}

// errorEnvelope is the service's error body: {"error":{"type","message","code"}}.
type errorEnvelope struct {
	Error *core.Error `json:"error"`
}

// decodeErrorResponse turns a non-2xx response into a *core.Error, falling
// back to the status code when the body is not an error envelope.
func decodeErrorResponse(resp *http.Response, endpoint, method string) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransportError{Op: method, URL: endpoint, Err: err}
	}

	cerr := &core.Error{}
	var env errorEnvelope
	if json.Unmarshal(body, &env) == nil && env.Error != nil {
		cerr = env.Error
	}
	if cerr.Type == "" {
		cerr.Type = inferErrorType(resp.StatusCode)
	}
	if cerr.Message == "" {
		cerr.Message = fmt.Sprintf("data service returned %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if cerr.RequestID == "" {
		cerr.RequestID = requestIDFromHeader(resp.Header)
	}
	return cerr
}

func inferErrorType(status int) core.ErrorType {
	switch {
	case status == http.StatusUnauthorized:
		return core.ErrAuthentication
	case status == http.StatusForbidden:
		return core.ErrPermission
	case status == http.StatusNotFound:
		return core.ErrNotFound
	case status == http.StatusTooManyRequests:
		return core.ErrRateLimit
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return core.ErrTimeout
	case status == http.StatusServiceUnavailable:
		return core.ErrOverloaded
	case status >= 400 && status < 500:
		return core.ErrInvalidRequest
	default:
		return core.ErrAPI
	}
}

func requestIDFromHeader(h http.Header) string {
	return strings.TrimSpace(h.Get("X-Request-Id"))
}
