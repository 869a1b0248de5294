// Package datachat is the dataset connection and session orchestrator.
//
// A Client validates the persisted session, binds conversations to remote
// datasets, drives each dataset through ingestion and inspection, and gates
// queries and voice on the LOCKED_FOR_QUERY state.
package datachat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/datachat/pkg/core"
	"github.com/vango-go/datachat/pkg/core/binder"
	"github.com/vango-go/datachat/pkg/core/guard"
	"github.com/vango-go/datachat/pkg/core/lifecycle"
	"github.com/vango-go/datachat/pkg/core/stream"
	"github.com/vango-go/datachat/pkg/core/types"
	"github.com/vango-go/datachat/pkg/core/voice"
	"github.com/vango-go/datachat/pkg/metrics"
	"github.com/vango-go/datachat/pkg/store"
)

// Backend is the remote data service. *backend.Client implements it.
type Backend interface {
	SetToken(token string)
	Status(ctx context.Context) (*types.BackendStatus, error)
	Summary(ctx context.Context) (*types.DatasetMetadata, error)
	Query(ctx context.Context, text string) (*types.QueryResult, error)
	ResetSession(ctx context.Context) error
	voice.Transcriber
	voice.Synthesizer
}

// Store is the durable key space. *store.Store implements it.
type Store interface {
	binder.Store
	guard.Store
	Config(ctx context.Context) (types.AppConfig, error)
	SaveConfig(ctx context.Context, cfg types.AppConfig) error
}

// Client is safe for concurrent use.
type Client struct {
	backend   Backend
	transport stream.Transport
	store     Store

	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	stallTimeout time.Duration
	chunkSize    int
	guardOpts    []guard.Option
	voiceOpts    []voice.Option

	guard  *guard.Guard
	binder *binder.Binder
	voice  *voice.Pipeline

	mu        sync.Mutex
	onExpired []func(reason string)
}

// NewClient wires a client. transport opens stage streams; it is usually
// backend.Client.HTTPTransport or WebSocketTransport.
func NewClient(b Backend, transport stream.Transport, st Store, opts ...ClientOption) *Client {
	c := &Client{
		backend:   b,
		transport: transport,
		store:     st,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	guardOpts := append([]guard.Option{
		guard.WithClock(c.now),
		guard.WithLogger(c.logger),
		guard.WithMetrics(c.metrics),
	}, c.guardOpts...)
	c.guard = guard.New(st, guardOpts...)

	c.binder = binder.New(st, c.newLifecycle,
		binder.WithClock(c.now),
		binder.WithLogger(c.logger),
	)

	voiceOpts := append([]voice.Option{
		voice.WithLogger(c.logger),
		voice.WithMetrics(c.metrics),
	}, c.voiceOpts...)
	c.voice = voice.NewPipeline(b, b, voiceOpts...)

	c.guard.OnTeardown(c.tornDown)
	return c
}

func (c *Client) newLifecycle() *lifecycle.Lifecycle {
	lc := lifecycle.New(c.transport,
		lifecycle.WithLogger(c.logger),
		lifecycle.WithMetrics(c.metrics),
		lifecycle.WithStallTimeout(c.stallTimeout),
		lifecycle.WithChunkSize(c.chunkSize),
		lifecycle.WithClock(c.now),
	)
	lc.Subscribe(func(s lifecycle.Snapshot) { c.skipIfConfigured(lc, s) })
	return lc
}

// skipIfConfigured locks a freshly ingested dataset for querying when the
// settings ask to skip inspection.
func (c *Client) skipIfConfigured(lc *lifecycle.Lifecycle, s lifecycle.Snapshot) {
	if s.State != types.StateReadyForInspection || s.Metadata != nil {
		return
	}
	settings, err := c.Settings(context.Background())
	if err != nil {
		c.logger.Warn("settings unavailable; dataset left for inspection", "error", err)
		return
	}
	if !settings.SkipInspection {
		return
	}
	if err := lc.Skip(); err != nil {
		c.logger.Debug("inspection skip not applied", "locator", s.Locator, "error", err)
		return
	}
	c.logger.Info("inspection skipped by settings", "locator", s.Locator)
}

// OnSessionExpired registers fn to run when the session is torn down for any
// reason other than an explicit Logout.
func (c *Client) OnSessionExpired(fn func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpired = append(c.onExpired, fn)
}

func (c *Client) tornDown(reason string) {
	if c.voice.Capturing() {
		if _, err := c.voice.StopCapture(); err != nil {
			c.logger.Debug("capture stopped on teardown", "error", err)
		}
	}
	c.binder.Clear()
	c.backend.SetToken("")

	if reason == guard.ReasonLogout {
		return
	}
	c.mu.Lock()
	callbacks := append([]func(string){}, c.onExpired...)
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn(reason)
	}
}

// Start validates the persisted session. When it is accepted the backend
// credential is set and conversations are restored; otherwise everything
// persisted has been cleared and Start returns false.
func (c *Client) Start(ctx context.Context) (bool, error) {
	if !c.guard.ValidateOnStartup(ctx) {
		return false, nil
	}
	c.backend.SetToken(c.guard.Token())
	if err := c.binder.Restore(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Login starts a new session with token.
func (c *Client) Login(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if err := c.guard.Login(ctx, token); err != nil {
		return err
	}
	c.backend.SetToken(token)
	return c.binder.Restore(ctx)
}

// Logout tears the session down.
func (c *Client) Logout(ctx context.Context) error {
	return c.guard.Teardown(ctx, guard.ReasonLogout)
}

// Authenticated reports whether a session is live.
func (c *Client) Authenticated() bool {
	return c.guard.Active()
}

// Run enforces the inactivity policy until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	return c.guard.Run(ctx)
}

// Close stops any capture and discards every lifecycle. The store is not closed.
func (c *Client) Close() error {
	if c.voice.Capturing() {
		_, _ = c.voice.StopCapture()
	}
	c.binder.Clear()
	return nil
}

// touch records a qualifying interaction. A failed write only delays expiry
// bookkeeping, so it is logged.
func (c *Client) touch(ctx context.Context) {
	if err := c.guard.Touch(ctx); err != nil {
		c.logger.Warn("activity timestamp not persisted", "error", err)
	}
}

func (c *Client) requireSession() error {
	if !c.guard.Active() {
		return core.NewSessionInvalidError("not logged in")
	}
	return nil
}

// checkAuth forces a teardown when the data service rejected the credential.
func (c *Client) checkAuth(ctx context.Context, err error) error {
	if core.IsType(err, core.ErrAuthentication) {
		c.logger.Warn("data service rejected the session credential")
		if terr := c.guard.Teardown(context.WithoutCancel(ctx), guard.ReasonUnauthorized); terr != nil {
			c.logger.Error("teardown after rejected credential failed", "error", terr)
		}
	}
	return err
}

func (c *Client) activeLifecycle(ctx context.Context) (string, *lifecycle.Lifecycle, error) {
	if err := c.requireSession(); err != nil {
		return "", nil, err
	}
	id := c.binder.ActiveID()
	if id == "" {
		return "", nil, core.NewBindingError("", "no active conversation")
	}
	lc, err := c.binder.Lifecycle(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return id, lc, nil
}

// NewConversation creates a conversation and makes it active.
func (c *Client) NewConversation(ctx context.Context, title string) (binder.View, error) {
	if err := c.requireSession(); err != nil {
		return binder.View{}, err
	}
	c.touch(ctx)
	conv, err := c.binder.Create(ctx, title)
	if err != nil {
		return binder.View{}, err
	}
	return c.binder.SwitchTo(ctx, conv.ID)
}

// SwitchConversation makes id the active conversation.
func (c *Client) SwitchConversation(ctx context.Context, id string) (binder.View, error) {
	if err := c.requireSession(); err != nil {
		return binder.View{}, err
	}
	c.touch(ctx)
	return c.binder.SwitchTo(ctx, id)
}

// DeleteConversation removes a conversation, cancelling its stream.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	if err := c.requireSession(); err != nil {
		return err
	}
	c.touch(ctx)
	return c.binder.Delete(ctx, id)
}

// Conversations returns the ordered conversation list.
func (c *Client) Conversations() []types.Conversation {
	return c.binder.Conversations()
}

// Active returns the view of the active conversation.
func (c *Client) Active() (binder.View, bool) {
	return c.binder.Active()
}

// Dataset returns the lifecycle of the active conversation, for observers.
func (c *Client) Dataset(ctx context.Context) (*lifecycle.Lifecycle, error) {
	_, lc, err := c.activeLifecycle(ctx)
	return lc, err
}

// ConnectDataset binds the active conversation to url and starts ingestion.
// An empty url reconnects to the dataset the conversation is locked to.
func (c *Client) ConnectDataset(ctx context.Context, url string) error {
	id, lc, err := c.activeLifecycle(ctx)
	if err != nil {
		return err
	}
	c.touch(ctx)

	url = strings.TrimSpace(url)
	if url == "" {
		bound, locked, err := c.binder.SourceURL(ctx, id)
		if err != nil {
			return err
		}
		if !locked || bound == "" {
			return core.NewInvalidRequestError("no dataset url given and none bound to this conversation")
		}
		url = bound
	}
	if err := c.binder.Bind(ctx, id, url); err != nil {
		return err
	}
	return lc.Connect(ctx, url)
}

// Retry re-runs ingestion of the active conversation after an error.
func (c *Client) Retry(ctx context.Context) error {
	_, lc, err := c.activeLifecycle(ctx)
	if err != nil {
		return err
	}
	c.touch(ctx)
	return lc.Retry(ctx)
}

// Inspect fetches the structural summary of the ingested dataset and attaches
// it to the active conversation.
func (c *Client) Inspect(ctx context.Context) (*types.DatasetMetadata, error) {
	_, lc, err := c.activeLifecycle(ctx)
	if err != nil {
		return nil, err
	}
	c.touch(ctx)
	switch state := lc.State(); state {
	case types.StateReadyForInspection, types.StateLockedForQuery:
	default:
		return nil, core.NewInvalidStateError("inspect", string(state))
	}

	meta, err := c.backend.Summary(ctx)
	if err != nil {
		return nil, c.checkAuth(ctx, err)
	}
	if err := lc.SetMetadata(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Acknowledge accepts the inspected dataset and unlocks queries.
func (c *Client) Acknowledge(ctx context.Context) error {
	_, lc, err := c.activeLifecycle(ctx)
	if err != nil {
		return err
	}
	c.touch(ctx)
	return lc.Acknowledge()
}

// Skip unlocks queries without inspecting the dataset.
func (c *Client) Skip(ctx context.Context) error {
	_, lc, err := c.activeLifecycle(ctx)
	if err != nil {
		return err
	}
	c.touch(ctx)
	return lc.Skip()
}

// Ask sends a natural-language query about the active dataset and records the
// exchange in the conversation history.
func (c *Client) Ask(ctx context.Context, text string) (*types.QueryResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, core.NewInvalidRequestError("query must not be empty")
	}
	id, lc, err := c.activeLifecycle(ctx)
	if err != nil {
		return nil, err
	}
	c.touch(ctx)
	if !lc.CanQuery() {
		return nil, core.NewInvalidStateError("query", string(lc.State()))
	}

	if err := c.binder.AppendMessage(ctx, id, types.Message{Role: types.RoleUser, Content: text}); err != nil {
		return nil, err
	}
	res, err := c.backend.Query(ctx, text)
	if err != nil {
		return nil, c.checkAuth(ctx, err)
	}
	if err := c.binder.AppendMessage(ctx, id, types.Message{Role: types.RoleAssistant, Content: res.Answer}); err != nil {
		return res, err
	}
	return res, nil
}

// StartVoice begins capturing a spoken query. Any capture already running is
// stopped first.
func (c *Client) StartVoice(ctx context.Context, mic voice.Capturer) error {
	if err := c.voiceAllowed(ctx); err != nil {
		return err
	}
	c.touch(ctx)
	return c.voice.StartCapture(ctx, mic)
}

// StopVoice ends the capture and returns its transcript.
func (c *Client) StopVoice(ctx context.Context) (*types.Transcript, error) {
	_, lc, err := c.activeLifecycle(ctx)
	if err != nil {
		return nil, err
	}
	if !lc.VoiceEnabled() {
		if c.voice.Capturing() {
			_, _ = c.voice.StopCapture()
		}
		return nil, core.NewInvalidStateError("voice", string(lc.State()))
	}
	c.touch(ctx)
	language := ""
	if settings, err := c.Settings(ctx); err != nil {
		c.logger.Warn("settings unavailable; transcribing without a language hint", "error", err)
	} else {
		language = settings.Language
	}
	tr, err := c.voice.StopAndTranscribe(ctx, language)
	if err != nil {
		return nil, c.checkAuth(ctx, err)
	}
	return tr, nil
}

// Speak plays text through player.
func (c *Client) Speak(ctx context.Context, text string, player io.Writer) error {
	if err := c.voiceAllowed(ctx); err != nil {
		return err
	}
	c.touch(ctx)
	return c.checkAuth(ctx, c.voice.Speak(ctx, text, player))
}

// voiceAllowed requires LOCKED_FOR_QUERY on the active conversation and voice
// enabled in the persisted settings.
func (c *Client) voiceAllowed(ctx context.Context) error {
	_, lc, err := c.activeLifecycle(ctx)
	if err != nil {
		return err
	}
	if !lc.VoiceEnabled() {
		return core.NewInvalidStateError("voice", string(lc.State()))
	}
	settings, err := c.Settings(ctx)
	if err != nil {
		return err
	}
	if !settings.VoiceEnabled {
		return core.NewInvalidRequestError("voice is disabled in settings")
	}
	return nil
}

// ResetSession clears the data service's session and returns every dataset to
// NO_DATASET. Conversations stay locked to their datasets.
func (c *Client) ResetSession(ctx context.Context) error {
	if err := c.requireSession(); err != nil {
		return err
	}
	c.touch(ctx)
	if err := c.backend.ResetSession(ctx); err != nil {
		return c.checkAuth(ctx, err)
	}
	c.binder.ResetAll()
	return nil
}

// Status returns the data service's ingestion status.
func (c *Client) Status(ctx context.Context) (*types.BackendStatus, error) {
	if err := c.requireSession(); err != nil {
		return nil, err
	}
	st, err := c.backend.Status(ctx)
	if err != nil {
		return nil, c.checkAuth(ctx, err)
	}
	return st, nil
}

// Settings returns the persisted application settings.
func (c *Client) Settings(ctx context.Context) (types.AppConfig, error) {
	cfg, err := c.store.Config(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return types.AppConfig{VoiceEnabled: true}, nil
	}
	return cfg, err
}

// SaveSettings persists the application settings.
func (c *Client) SaveSettings(ctx context.Context, cfg types.AppConfig) error {
	if err := c.requireSession(); err != nil {
		return err
	}
	c.touch(ctx)
	return c.store.SaveConfig(ctx, cfg)
}
