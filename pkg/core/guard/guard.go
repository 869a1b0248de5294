// Package guard validates the persisted session and enforces the inactivity
// policy: a session with a malformed credential or more than the idle timeout
// without qualifying interaction is torn down as a whole.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/vango-go/datachat/pkg/core"
	"github.com/vango-go/datachat/pkg/core/types"
	"github.com/vango-go/datachat/pkg/metrics"
)

const (
	DefaultIdleTimeout   = 5 * time.Minute
	DefaultTouchInterval = 10 * time.Second
	DefaultCheckInterval = 30 * time.Second
)

// Teardown reasons.
const (
	ReasonInvalidToken = "invalid_token"
	ReasonExpired      = "expired"
	ReasonLogout       = "logout"
	ReasonUnauthorized = "unauthorized"
)

var tokenPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidToken reports whether token is a 256-bit lowercase hex digest.
func ValidToken(token string) bool {
	return tokenPattern.MatchString(token)
}

// Store is the persistence the guard needs. *store.Store implements it.
type Store interface {
	Auth(ctx context.Context) (types.AuthRecord, error)
	SaveAuth(ctx context.Context, rec types.AuthRecord) error
	LastActivity(ctx context.Context) (time.Time, error)
	SaveLastActivity(ctx context.Context, at time.Time) error
	ClearSession(ctx context.Context) error
}

// TickerFunc starts a ticker and returns its channel and stop function.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithTicker overrides the ticker driving Run.
func WithTicker(fn TickerFunc) Option {
	return func(g *Guard) {
		if fn != nil {
			g.newTicker = fn
		}
	}
}

// WithIdleTimeout sets how long a session may go without interaction.
func WithIdleTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.idleTimeout = d
		}
	}
}

// WithTouchInterval sets the minimum spacing of persisted activity writes.
func WithTouchInterval(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.touchInterval = d
		}
	}
}

// WithCheckInterval sets the expiry check period of Run.
func WithCheckInterval(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.checkInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMetrics counts teardowns.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) {
		g.metrics = m
	}
}

// Guard is safe for concurrent use.
type Guard struct {
	store         Store
	logger        *slog.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
	newTicker     TickerFunc
	idleTimeout   time.Duration
	touchInterval time.Duration
	checkInterval time.Duration

	mu            sync.Mutex
	active        bool
	token         string
	lastActivity  time.Time
	lastPersisted time.Time
	onTeardown    []func(reason string)
}

// New creates a guard over st.
func New(st Store, opts ...Option) *Guard {
	g := &Guard{
		store:         st,
		logger:        slog.Default(),
		now:           time.Now,
		newTicker:     realTicker,
		idleTimeout:   DefaultIdleTimeout,
		touchInterval: DefaultTouchInterval,
		checkInterval: DefaultCheckInterval,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OnTeardown registers fn to run after every teardown with its reason.
func (g *Guard) OnTeardown(fn func(reason string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onTeardown = append(g.onTeardown, fn)
}

// Active reports whether a validated session is live.
func (g *Guard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Token returns the credential of the live session, or "".
func (g *Guard) Token() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.token
}

// ValidateOnStartup accepts the persisted session only if the credential is
// well formed and the session has not expired. Otherwise everything persisted
// is cleared and nothing is restored.
func (g *Guard) ValidateOnStartup(ctx context.Context) bool {
	reason := ""
	auth, err := g.store.Auth(ctx)
	switch {
	case err != nil:
		reason = ReasonInvalidToken
		g.logger.Info("no usable persisted session", "error", err)
	case !ValidToken(auth.Token):
		reason = ReasonInvalidToken
		g.logger.Warn("persisted session token is malformed")
	}

	var last time.Time
	if reason == "" {
		last, err = g.store.LastActivity(ctx)
		if err != nil || g.expiredAt(last) {
			reason = ReasonExpired
		}
	}

	if reason != "" {
		if err := g.Teardown(ctx, reason); err != nil {
			g.logger.Error("startup teardown failed", "reason", reason, "error", err)
		}
		return false
	}

	g.mu.Lock()
	g.active = true
	g.token = auth.Token
	g.lastActivity = last
	g.lastPersisted = last
	g.mu.Unlock()
	return true
}

// Login validates and persists a new credential and starts the activity clock.
func (g *Guard) Login(ctx context.Context, token string) error {
	if !ValidToken(token) {
		return core.NewSessionInvalidError("token must be 64 lowercase hex characters")
	}
	now := g.now()
	if err := g.store.SaveAuth(ctx, types.AuthRecord{Token: token, CreatedAt: now}); err != nil {
		return err
	}
	if err := g.store.SaveLastActivity(ctx, now); err != nil {
		return err
	}

	g.mu.Lock()
	g.active = true
	g.token = token
	g.lastActivity = now
	g.lastPersisted = now
	g.mu.Unlock()
	g.logger.Info("session started")
	return nil
}

// Touch records a qualifying interaction. The persisted timestamp is written
// at most once per touch interval.
func (g *Guard) Touch(ctx context.Context) error {
	g.mu.Lock()
	if !g.active {
		g.mu.Unlock()
		return nil
	}
	now := g.now()
	g.lastActivity = now
	if now.Sub(g.lastPersisted) < g.touchInterval {
		g.mu.Unlock()
		return nil
	}
	g.lastPersisted = now
	g.mu.Unlock()

	return g.store.SaveLastActivity(ctx, now)
}

// IsExpired reports whether the idle timeout has passed since the last
// interaction. No session counts as expired.
func (g *Guard) IsExpired() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return true
	}
	return g.expiredAt(g.lastActivity)
}

func (g *Guard) expiredAt(last time.Time) bool {
	if last.IsZero() {
		return true
	}
	return g.now().Sub(last) > g.idleTimeout
}

// Teardown clears every persisted session key in one operation, ends the
// in-memory session and runs the teardown callbacks. The callbacks run even if
// the store failed; the returned error reports that failure.
func (g *Guard) Teardown(ctx context.Context, reason string) error {
	err := g.store.ClearSession(ctx)
	if err != nil {
		g.logger.Error("session teardown failed to clear store", "reason", reason, "error", err)
	}

	g.mu.Lock()
	g.active = false
	g.token = ""
	g.lastActivity = time.Time{}
	g.lastPersisted = time.Time{}
	callbacks := append([]func(string){}, g.onTeardown...)
	g.mu.Unlock()

	g.metrics.Teardown(reason)
	g.logger.Info("session torn down", "reason", reason)
	for _, fn := range callbacks {
		fn(reason)
	}
	return err
}

// Check runs one expiry check and reports whether it tore the session down.
func (g *Guard) Check(ctx context.Context) bool {
	g.mu.Lock()
	expired := g.active && g.expiredAt(g.lastActivity)
	g.mu.Unlock()
	if !expired {
		return false
	}
	if err := g.Teardown(ctx, ReasonExpired); err != nil {
		g.logger.Error("idle teardown failed", "error", err)
	}
	return true
}

// Run checks for expiry every check interval until ctx is done.
func (g *Guard) Run(ctx context.Context) error {
	ticks, stop := g.newTicker(g.checkInterval)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticks:
			g.Check(ctx)
		}
	}
}
