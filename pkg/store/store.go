// Package store is the durable key space for session and conversation state.
//
// Keys:
//
//	auth                 credential record
//	conversations        ordered conversation list
//	messages/<id>        per-conversation chat history
//	binding/<id>         per-conversation dataset URL and lock flag
//	config               application config
//	last_activity        last qualifying interaction
//
// Values are JSON. Writes are last-writer-wins. ClearSession removes every
// key in a single transaction.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/vango-go/datachat/pkg/core/types"
)

const (
	keyAuth          = "auth"
	keyConversations = "conversations"
	keyConfig        = "config"
	keyLastActivity  = "last_activity"
	prefixMessages   = "messages/"
	prefixBinding    = "binding/"
)

// ErrNotFound is returned when a key is absent.
var ErrNotFound = errors.New("store: key not found")

// Options configures Open.
type Options struct {
	// Dir is the on-disk location. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	Logger   *slog.Logger
}

// Store wraps a badger database.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	// beforeClearCommit runs inside ClearSession after the deletes were staged
	// and before commit. Tests use it to simulate a failure mid-teardown.
	beforeClearCommit func(staged int) error
}

// Open opens (or creates) the store.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(opts.Dir) == "" {
			return nil, errors.New("store: directory must not be empty")
		}
		bopts = badger.DefaultOptions(opts.Dir)
	}
	bopts = bopts.WithLogger(badgerLogger{logger: logger}).WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Auth returns the persisted credential.
func (s *Store) Auth(ctx context.Context) (types.AuthRecord, error) {
	var rec types.AuthRecord
	err := s.get(ctx, keyAuth, &rec)
	return rec, err
}

// SaveAuth persists the credential.
func (s *Store) SaveAuth(ctx context.Context, rec types.AuthRecord) error {
	return s.set(ctx, keyAuth, rec)
}

// LastActivity returns the last persisted interaction time.
func (s *Store) LastActivity(ctx context.Context) (time.Time, error) {
	var at time.Time
	err := s.get(ctx, keyLastActivity, &at)
	return at, err
}

// SaveLastActivity persists the last interaction time.
func (s *Store) SaveLastActivity(ctx context.Context, at time.Time) error {
	return s.set(ctx, keyLastActivity, at)
}

// Config returns the persisted app config.
func (s *Store) Config(ctx context.Context) (types.AppConfig, error) {
	var cfg types.AppConfig
	err := s.get(ctx, keyConfig, &cfg)
	return cfg, err
}

// SaveConfig persists the app config.
func (s *Store) SaveConfig(ctx context.Context, cfg types.AppConfig) error {
	return s.set(ctx, keyConfig, cfg)
}

// Conversations returns the ordered conversation list. A missing list is empty.
func (s *Store) Conversations(ctx context.Context) ([]types.Conversation, error) {
	var list []types.Conversation
	if err := s.get(ctx, keyConversations, &list); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return list, nil
}

// SaveConversations replaces the conversation list.
func (s *Store) SaveConversations(ctx context.Context, list []types.Conversation) error {
	return s.set(ctx, keyConversations, list)
}

// Messages returns a conversation's history. A missing history is empty.
func (s *Store) Messages(ctx context.Context, id string) ([]types.Message, error) {
	var msgs []types.Message
	if err := s.get(ctx, prefixMessages+id, &msgs); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return msgs, nil
}

// AppendMessage appends msg to a conversation's history in one transaction.
func (s *Store) AppendMessage(ctx context.Context, id string, msg types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := []byte(prefixMessages + id)
	return s.db.Update(func(txn *badger.Txn) error {
		var msgs []types.Message
		if err := getJSON(txn, key, &msgs); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		msgs = append(msgs, msg)
		return setJSON(txn, key, msgs)
	})
}

// Binding returns a conversation's persisted dataset binding.
func (s *Store) Binding(ctx context.Context, id string) (types.DatasetBinding, error) {
	var b types.DatasetBinding
	err := s.get(ctx, prefixBinding+id, &b)
	return b, err
}

// SaveBinding persists a conversation's dataset binding.
func (s *Store) SaveBinding(ctx context.Context, id string, b types.DatasetBinding) error {
	return s.set(ctx, prefixBinding+id, b)
}

// DeleteBinding removes a conversation's dataset binding.
func (s *Store) DeleteBinding(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixBinding + id))
	})
}

// DeleteConversation removes the conversation from the list together with its
// messages and binding.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		var list []types.Conversation
		if err := getJSON(txn, []byte(keyConversations), &list); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		kept := list[:0]
		for _, c := range list {
			if c.ID != id {
				kept = append(kept, c)
			}
		}
		if err := setJSON(txn, []byte(keyConversations), kept); err != nil {
			return err
		}
		if err := txn.Delete([]byte(prefixMessages + id)); err != nil {
			return err
		}
		return txn.Delete([]byte(prefixBinding + id))
	})
}

// ClearSession deletes every session key in one transaction: after it returns
// either all keys are gone or (on error) none were removed.
func (s *Store) ClearSession(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		keys, err := sessionKeys(txn)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		if s.beforeClearCommit != nil {
			if err := s.beforeClearCommit(len(keys)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: clear session: %w", err)
	}
	return nil
}

// Keys lists every session key currently present, sorted.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		keys, err := sessionKeys(txn)
		if err != nil {
			return err
		}
		for _, k := range keys {
			out = append(out, string(k))
		}
		return nil
	})
	return out, err
}

func sessionKeys(txn *badger.Txn) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		if isSessionKey(string(key)) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func isSessionKey(key string) bool {
	switch key {
	case keyAuth, keyConversations, keyConfig, keyLastActivity:
		return true
	}
	return strings.HasPrefix(key, prefixMessages) || strings.HasPrefix(key, prefixBinding)
}

func (s *Store) get(ctx context.Context, key string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(key), out)
	})
}

func (s *Store) set(ctx context.Context, key string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, []byte(key), v)
	})
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, out); err != nil {
			return fmt.Errorf("store: decode %s: %w", key, err)
		}
		return nil
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// badgerLogger routes badger's logging through slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}
