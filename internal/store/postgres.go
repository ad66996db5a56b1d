package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists chats and messages in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			active_filter_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chats_user ON chats (user_id, updated_at DESC);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			status TEXT NOT NULL,
			sections JSONB NOT NULL DEFAULT '{}'::jsonb,
			metadata JSONB NULL,
			filter_id TEXT NOT NULL DEFAULT '',
			filter_snapshot JSONB NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (chat_id, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_chat_created ON chat_messages (chat_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) EnsureChatExists(ctx context.Context, chatID, userID, name string) (Chat, error) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chats (id, user_id, name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (id) DO NOTHING`,
		chatID, userID, name, now,
	)
	if err != nil {
		return Chat{}, fmt.Errorf("ensure chat: %w", err)
	}
	return s.GetChat(ctx, chatID, userID)
}

func (s *PostgresStore) GetChat(ctx context.Context, chatID, userID string) (Chat, error) {
	chat, err := getChat(ctx, s.pool, chatID)
	if err != nil {
		return Chat{}, err
	}
	if err := ownedBy(chat, userID); err != nil {
		return Chat{}, err
	}
	return chat, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getChat(ctx context.Context, q querier, chatID string) (Chat, error) {
	var c Chat
	err := q.QueryRow(ctx,
		`SELECT id, user_id, name, active_filter_id, created_at, updated_at FROM chats WHERE id=$1`,
		chatID,
	).Scan(&c.ID, &c.UserID, &c.Name, &c.ActiveFilterID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, ErrNotFound
	}
	if err != nil {
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) SetActiveFilter(ctx context.Context, chatID, userID, filterID string) error {
	if _, err := s.GetChat(ctx, chatID, userID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE chats SET active_filter_id=$2, updated_at=$3 WHERE id=$1`,
		chatID, filterID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set active filter: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveMessage(ctx context.Context, chatID, userID string, msg Message) error {
	msg, err := normalizeMessage(chatID, userID, msg, time.Now().UTC())
	if err != nil {
		return err
	}
	sections, err := json.Marshal(nonNilSections(msg.Sections))
	if err != nil {
		return fmt.Errorf("encode sections: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	chat, err := getChat(ctx, tx, chatID)
	if err != nil {
		return err
	}
	if err := ownedBy(chat, userID); err != nil {
		return err
	}

	// Same precedence as shouldReplace.
	_, err = tx.Exec(ctx,
		`INSERT INTO chat_messages (
			chat_id, id, user_id, role, content, status, sections, metadata,
			filter_id, filter_snapshot, created_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7::jsonb,$8::jsonb,$9,$10::jsonb,$11,$12
		)
		ON CONFLICT (chat_id, id) DO UPDATE SET
			user_id=EXCLUDED.user_id,
			role=EXCLUDED.role,
			content=EXCLUDED.content,
			status=EXCLUDED.status,
			sections=EXCLUDED.sections,
			metadata=EXCLUDED.metadata,
			filter_id=EXCLUDED.filter_id,
			filter_snapshot=EXCLUDED.filter_snapshot,
			updated_at=EXCLUDED.updated_at
		WHERE NOT (
			(chat_messages.status = 'complete' AND EXCLUDED.status <> 'complete') OR
			(chat_messages.status = 'interrupted' AND EXCLUDED.status = 'partial')
		)`,
		msg.ChatID,
		msg.ID,
		msg.UserID,
		msg.Role,
		msg.Content,
		string(msg.Status),
		string(sections),
		nullableJSON(msg.Metadata),
		msg.FilterID,
		nullableJSON(msg.FilterSnapshot),
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, chatID, userID string, limit int) ([]Message, error) {
	if _, err := s.GetChat(ctx, chatID, userID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT chat_id, id, user_id, role, content, status, sections, metadata,
		        filter_id, filter_snapshot, created_at, updated_at
		 FROM chat_messages WHERE chat_id=$1 ORDER BY created_at, id`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var items []Message
	for rows.Next() {
		var (
			m        Message
			status   string
			sections []byte
			metadata []byte
			snapshot []byte
		)
		if err := rows.Scan(&m.ChatID, &m.ID, &m.UserID, &m.Role, &m.Content, &status, &sections,
			&metadata, &m.FilterID, &snapshot, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Status = MessageStatus(status)
		if len(sections) > 0 {
			if err := json.Unmarshal(sections, &m.Sections); err != nil {
				return nil, fmt.Errorf("decode sections of %s: %w", m.ID, err)
			}
			if len(m.Sections) == 0 {
				m.Sections = nil
			}
		}
		if len(metadata) > 0 {
			m.Metadata = json.RawMessage(metadata)
		}
		if len(snapshot) > 0 {
			m.FilterSnapshot = json.RawMessage(snapshot)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return tail(items, limit), nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, chatID, userID, messageID string) error {
	if _, err := s.GetChat(ctx, chatID, userID); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM chat_messages WHERE chat_id=$1 AND id=$2`, chatID, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func nonNilSections(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}

func nullableJSON(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	v := string(raw)
	return &v
}
