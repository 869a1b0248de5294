package datachat

import (
	"log/slog"
	"time"

	"github.com/vango-go/datachat/pkg/core/guard"
	"github.com/vango-go/datachat/pkg/core/voice"
	"github.com/vango-go/datachat/pkg/metrics"
)

// ClientOption is a function that configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client and every component it builds.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records stream, session and voice metrics.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithClock overrides time.Now for the guard, the binder and every lifecycle.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithStallTimeout fails a LOADING dataset that receives no record for d.
func WithStallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.stallTimeout = d
	}
}

// WithChunkSize sets the stage stream read size.
func WithChunkSize(n int) ClientOption {
	return func(c *Client) {
		c.chunkSize = n
	}
}

// WithGuardOptions passes options to the session guard.
func WithGuardOptions(opts ...guard.Option) ClientOption {
	return func(c *Client) {
		c.guardOpts = append(c.guardOpts, opts...)
	}
}

// WithVoiceOptions passes options to the voice pipeline.
func WithVoiceOptions(opts ...voice.Option) ClientOption {
	return func(c *Client) {
		c.voiceOpts = append(c.voiceOpts, opts...)
	}
}
