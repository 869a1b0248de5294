// Package binder maps conversations to their dataset lifecycles and tracks the
// active conversation.
package binder

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/datachat/pkg/core"
	"github.com/vango-go/datachat/pkg/core/lifecycle"
	"github.com/vango-go/datachat/pkg/core/types"
	"github.com/vango-go/datachat/pkg/store"
)

// Store is the persistence the binder needs. *store.Store implements it.
// Binding must return store.ErrNotFound when a conversation has no binding.
type Store interface {
	Conversations(ctx context.Context) ([]types.Conversation, error)
	SaveConversations(ctx context.Context, list []types.Conversation) error
	Messages(ctx context.Context, id string) ([]types.Message, error)
	AppendMessage(ctx context.Context, id string, msg types.Message) error
	Binding(ctx context.Context, id string) (types.DatasetBinding, error)
	SaveBinding(ctx context.Context, id string, b types.DatasetBinding) error
	DeleteBinding(ctx context.Context, id string) error
	DeleteConversation(ctx context.Context, id string) error
}

// View is the active conversation as observers see it. It is taken under the
// binder lock and the lifecycle lock, so messages and dataset state always
// belong to the same conversation and no record is half applied.
type View struct {
	Conversation types.Conversation
	Messages     []types.Message
	Dataset      lifecycle.Snapshot
	SourceURL    string
	Locked       bool
}

// Option configures a Binder.
type Option func(*Binder)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Binder) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides time.Now for conversation and message timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Binder) {
		if now != nil {
			b.now = now
		}
	}
}

// WithIDGenerator overrides uuid.NewString for conversation ids.
func WithIDGenerator(fn func() string) Option {
	return func(b *Binder) {
		if fn != nil {
			b.newID = fn
		}
	}
}

type binding struct {
	sourceURL string
	locked    bool
	lc        *lifecycle.Lifecycle
	messages  []types.Message
}

// Binder is safe for concurrent use.
type Binder struct {
	store        Store
	newLifecycle func() *lifecycle.Lifecycle
	logger       *slog.Logger
	now          func() time.Time
	newID        func() string

	mu       sync.Mutex
	order    []types.Conversation
	bindings map[string]*binding
	active   string
}

// New creates a binder. newLifecycle builds a fresh NO_DATASET lifecycle.
func New(st Store, newLifecycle func() *lifecycle.Lifecycle, opts ...Option) *Binder {
	b := &Binder{
		store:        st,
		newLifecycle: newLifecycle,
		logger:       slog.Default(),
		now:          time.Now,
		newID:        uuid.NewString,
		bindings:     make(map[string]*binding),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Create adds a conversation with a fresh lifecycle and persists the list.
func (b *Binder) Create(ctx context.Context, title string) (types.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New conversation"
	}
	conv := types.Conversation{ID: b.newID(), Title: title, CreatedAt: b.now()}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := append(append([]types.Conversation(nil), b.order...), conv)
	if err := b.store.SaveConversations(ctx, list); err != nil {
		return types.Conversation{}, err
	}
	b.order = list
	b.bindings[conv.ID] = &binding{lc: b.newLifecycle()}
	b.logger.Debug("conversation created", "conversation_id", conv.ID)
	return conv, nil
}

// SwitchTo makes id the active conversation and returns its view.
func (b *Binder) SwitchTo(ctx context.Context, id string) (View, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	conv, bd, err := b.resolveLocked(ctx, "switch", id)
	if err != nil {
		return View{}, err
	}
	b.active = id
	return b.viewLocked(conv, bd), nil
}

// Bind locks the conversation to url and persists the binding immediately.
// A conversation already locked to a different url is refused.
func (b *Binder) Bind(ctx context.Context, id, url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return core.NewInvalidRequestError("dataset url must not be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	_, bd, err := b.resolveLocked(ctx, "bind", id)
	if err != nil {
		return err
	}
	if bd.locked && bd.sourceURL != url {
		b.logger.Warn("refusing to rebind locked conversation", "conversation_id", id)
		return core.NewBindingError(id, "locked to another dataset; reset it or start a new conversation")
	}
	if err := b.store.SaveBinding(ctx, id, types.DatasetBinding{SourceURL: url, Locked: true}); err != nil {
		return err
	}
	bd.sourceURL = url
	bd.locked = true
	return nil
}

// Unbind clears the lock and the dataset of a conversation.
func (b *Binder) Unbind(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, bd, err := b.resolveLocked(ctx, "unbind", id)
	if err != nil {
		return err
	}
	if err := b.store.DeleteBinding(ctx, id); err != nil {
		return err
	}
	bd.sourceURL = ""
	bd.locked = false
	return bd.lc.Reset()
}

// Delete cancels the conversation's stream, discards its lifecycle and removes
// its persisted messages and binding.
func (b *Binder) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.indexLocked(id)
	if idx < 0 {
		b.logger.Warn("delete of unknown conversation", "conversation_id", id)
		return core.NewBindingError(id, "unknown conversation")
	}
	if err := b.store.DeleteConversation(ctx, id); err != nil {
		return err
	}
	if bd, ok := b.bindings[id]; ok {
		bd.lc.Discard()
		delete(b.bindings, id)
	}
	b.order = append(b.order[:idx:idx], b.order[idx+1:]...)
	if b.active == id {
		b.active = ""
	}
	return nil
}

// AppendMessage adds msg to a conversation's history.
func (b *Binder) AppendMessage(ctx context.Context, id string, msg types.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = b.now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.indexLocked(id) < 0 {
		b.logger.Warn("message for unknown conversation", "conversation_id", id)
		return core.NewBindingError(id, "unknown conversation")
	}
	if err := b.store.AppendMessage(ctx, id, msg); err != nil {
		return err
	}
	if bd, ok := b.bindings[id]; ok {
		bd.messages = append(bd.messages, msg)
	}
	return nil
}

// Messages returns a conversation's history.
func (b *Binder) Messages(ctx context.Context, id string) ([]types.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.indexLocked(id) < 0 {
		return nil, core.NewBindingError(id, "unknown conversation")
	}
	if bd, ok := b.bindings[id]; ok {
		return append([]types.Message(nil), bd.messages...), nil
	}
	return b.store.Messages(ctx, id)
}

// Conversations returns the ordered conversation list.
func (b *Binder) Conversations() []types.Conversation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.Conversation(nil), b.order...)
}

// Lifecycle returns the conversation's lifecycle, reconciling it first if the
// conversation has no live binding yet.
func (b *Binder) Lifecycle(ctx context.Context, id string) (*lifecycle.Lifecycle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, bd, err := b.resolveLocked(ctx, "lifecycle", id)
	if err != nil {
		return nil, err
	}
	return bd.lc, nil
}

// SourceURL returns the dataset url bound to a conversation and whether it is locked.
func (b *Binder) SourceURL(ctx context.Context, id string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, bd, err := b.resolveLocked(ctx, "source url", id)
	if err != nil {
		return "", false, err
	}
	return bd.sourceURL, bd.locked, nil
}

// ActiveID returns the active conversation id, or "".
func (b *Binder) ActiveID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Active returns the view of the active conversation.
func (b *Binder) Active() (View, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active == "" {
		return View{}, false
	}
	bd, ok := b.bindings[b.active]
	idx := b.indexLocked(b.active)
	if !ok || idx < 0 {
		return View{}, false
	}
	return b.viewLocked(b.order[idx], bd), true
}

// Restore loads the persisted conversation list. Live bindings are dropped;
// lifecycles are rebuilt lazily on first use.
func (b *Binder) Restore(ctx context.Context) error {
	list, err := b.store.Conversations(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.discardAllLocked()
	b.order = list
	b.logger.Debug("conversations restored", "count", len(list))
	return nil
}

// ResetAll returns every live lifecycle to NO_DATASET. Bindings stay locked so
// the caller can reconnect to the same dataset.
func (b *Binder) ResetAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, bd := range b.bindings {
		if err := bd.lc.Reset(); err != nil {
			b.logger.Warn("lifecycle reset failed", "conversation_id", id, "error", err)
		}
	}
}

// Clear drops every conversation and live binding from memory.
func (b *Binder) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.discardAllLocked()
	b.order = nil
}

func (b *Binder) discardAllLocked() {
	for _, bd := range b.bindings {
		bd.lc.Discard()
	}
	b.bindings = make(map[string]*binding)
	b.active = ""
}

// resolveLocked returns the conversation and its binding, reconciling a
// missing binding in a fixed order:
//
//  1. a live in-memory binding is returned as is;
//  2. a persisted url without a live binding yields a fresh NO_DATASET
//     lifecycle, locked to the restored url, so the caller has to reconnect;
//  3. otherwise a fresh unlocked lifecycle.
func (b *Binder) resolveLocked(ctx context.Context, op, id string) (types.Conversation, *binding, error) {
	idx := b.indexLocked(id)
	if idx < 0 {
		b.logger.Warn("binding operation on unknown conversation", "op", op, "conversation_id", id)
		return types.Conversation{}, nil, core.NewBindingError(id, "unknown conversation")
	}
	conv := b.order[idx]

	if bd, ok := b.bindings[id]; ok {
		return conv, bd, nil
	}

	bd := &binding{}
	persisted, err := b.store.Binding(ctx, id)
	switch {
	case err == nil && persisted.SourceURL != "":
		bd.sourceURL = persisted.SourceURL
		bd.locked = true
	case err == nil || errors.Is(err, store.ErrNotFound):
	default:
		return types.Conversation{}, nil, err
	}
	msgs, err := b.store.Messages(ctx, id)
	if err != nil {
		return types.Conversation{}, nil, err
	}
	bd.messages = msgs
	bd.lc = b.newLifecycle()
	b.bindings[id] = bd
	b.logger.Debug("conversation binding rehydrated", "conversation_id", id, "locked", bd.locked)
	return conv, bd, nil
}

func (b *Binder) viewLocked(conv types.Conversation, bd *binding) View {
	return View{
		Conversation: conv,
		Messages:     append([]types.Message(nil), bd.messages...),
		Dataset:      bd.lc.Snapshot(),
		SourceURL:    bd.sourceURL,
		Locked:       bd.locked,
	}
}

func (b *Binder) indexLocked(id string) int {
	for i, c := range b.order {
		if c.ID == id {
			return i
		}
	}
	return -1
}
