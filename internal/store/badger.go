package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const maxTxnRetries = 5

// BadgerStore persists chats and messages in an embedded Badger database.
// Keys are chat/{chatID} and msg/{len(chatID)}:{chatID}/{messageID}; values
// are msgpack. The length prefix keeps chats whose ids share a prefix apart.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens a store at path, or a purely in-memory one when path
// is empty.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func chatKey(chatID string) []byte {
	return []byte("chat/" + chatID)
}

func messagePrefix(chatID string) []byte {
	return []byte("msg/" + strconv.Itoa(len(chatID)) + ":" + chatID + "/")
}

func messageKey(chatID, messageID string) []byte {
	return append(messagePrefix(chatID), messageID...)
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *BadgerStore) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func getValue(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, out)
	})
}

func setValue(txn *badger.Txn, key []byte, v any) error {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, raw)
}

func ownedChat(txn *badger.Txn, chatID, userID string) (Chat, error) {
	var chat Chat
	if err := getValue(txn, chatKey(chatID), &chat); err != nil {
		return Chat{}, err
	}
	chat.CreatedAt, chat.UpdatedAt = chat.CreatedAt.UTC(), chat.UpdatedAt.UTC()
	if err := ownedBy(chat, userID); err != nil {
		return Chat{}, err
	}
	return chat, nil
}

func (s *BadgerStore) EnsureChatExists(ctx context.Context, chatID, userID, name string) (Chat, error) {
	var out Chat
	err := s.update(ctx, func(txn *badger.Txn) error {
		chat, err := ownedChat(txn, chatID, userID)
		if err == nil {
			out = chat
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		now := time.Now().UTC()
		out = Chat{ID: chatID, UserID: userID, Name: name, CreatedAt: now, UpdatedAt: now}
		return setValue(txn, chatKey(chatID), out)
	})
	if err != nil {
		return Chat{}, err
	}
	return out, nil
}

func (s *BadgerStore) GetChat(ctx context.Context, chatID, userID string) (Chat, error) {
	var out Chat
	err := s.view(ctx, func(txn *badger.Txn) error {
		chat, err := ownedChat(txn, chatID, userID)
		out = chat
		return err
	})
	if err != nil {
		return Chat{}, err
	}
	return out, nil
}

func (s *BadgerStore) SetActiveFilter(ctx context.Context, chatID, userID, filterID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		chat, err := ownedChat(txn, chatID, userID)
		if err != nil {
			return err
		}
		chat.ActiveFilterID = filterID
		chat.UpdatedAt = time.Now().UTC()
		return setValue(txn, chatKey(chatID), chat)
	})
}

func (s *BadgerStore) SaveMessage(ctx context.Context, chatID, userID string, msg Message) error {
	msg, err := normalizeMessage(chatID, userID, msg, time.Now().UTC())
	if err != nil {
		return err
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := ownedChat(txn, chatID, userID); err != nil {
			return err
		}
		key := messageKey(chatID, msg.ID)
		var existing Message
		switch err := getValue(txn, key, &existing); {
		case err == nil:
			if !shouldReplace(existing.Status, msg.Status) {
				return nil
			}
			msg.CreatedAt = existing.CreatedAt
		case !errors.Is(err, ErrNotFound):
			return err
		}
		return setValue(txn, key, msg)
	})
}

func (s *BadgerStore) ListMessages(ctx context.Context, chatID, userID string, limit int) ([]Message, error) {
	var out []Message
	err := s.view(ctx, func(txn *badger.Txn) error {
		if _, err := ownedChat(txn, chatID, userID); err != nil {
			return err
		}
		prefix := messagePrefix(chatID)
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 64, Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m Message
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &m)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			m.CreatedAt, m.UpdatedAt = m.CreatedAt.UTC(), m.UpdatedAt.UTC()
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortMessages(out)
	return tail(out, limit), nil
}

func (s *BadgerStore) DeleteMessage(ctx context.Context, chatID, userID, messageID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := ownedChat(txn, chatID, userID); err != nil {
			return err
		}
		key := messageKey(chatID, messageID)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
