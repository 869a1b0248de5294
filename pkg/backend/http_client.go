package backend

import (
	"net"
	"net/http"
	"time"
)

// newDefaultHTTPClient sets connection-level timeouts only. Non-streaming
// calls are bounded by the request ceiling's context deadline and the stage
// stream stays open for the whole ingestion, so neither http.Client.Timeout
// nor a response header timeout applies.
func newDefaultHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}
