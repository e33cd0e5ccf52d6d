package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore implements Store on a single sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite chat store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			visibility TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conv_id TEXT NOT NULL,
			role TEXT NOT NULL,
			parts TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_conv ON messages(conv_id, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS streams (
			conv_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY (conv_id, stream_id)
		);`,
		`CREATE INDEX IF NOT EXISTS streams_by_conv ON streams(conv_id, created_at_ms);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite chat store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*Conversation, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("sqlite chat store: id is empty")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, visibility, created_at_ms
		FROM conversations WHERE id = ?
	`, id)
	var conv Conversation
	var createdMs int64
	if err := row.Scan(&conv.ID, &conv.OwnerID, &conv.Title, &conv.Visibility, &createdMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "sqlite chat store: get conversation")
	}
	conv.CreatedAt = time.UnixMilli(createdMs).UTC()
	return &conv, nil
}

func (s *SQLiteStore) Create(ctx context.Context, conv Conversation) error {
	if strings.TrimSpace(conv.ID) == "" {
		return errors.New("sqlite chat store: conversation id is empty")
	}
	if conv.Visibility == "" {
		conv.Visibility = VisibilityPrivate
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations(id, owner_id, title, visibility, created_at_ms)
		VALUES(?, ?, ?, ?, ?)
	`, conv.ID, conv.OwnerID, conv.Title, string(conv.Visibility), conv.CreatedAt.UnixMilli())
	return errors.Wrap(err, "sqlite chat store: create conversation")
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (*Conversation, error) {
	conv, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: begin delete")
	}
	for _, q := range []string{
		`DELETE FROM messages WHERE conv_id = ?`,
		`DELETE FROM streams WHERE conv_id = ?`,
		`DELETE FROM conversations WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			_ = tx.Rollback()
			return nil, errors.Wrap(err, "sqlite chat store: delete conversation")
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: commit delete")
	}
	return conv, nil
}

func (s *SQLiteStore) GetAllByConversation(ctx context.Context, convID string) ([]Message, error) {
	if strings.TrimSpace(convID) == "" {
		return nil, errors.New("sqlite chat store: convID is empty")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conv_id, role, parts, created_at_ms
		FROM messages WHERE conv_id = ?
		ORDER BY created_at_ms ASC, id ASC
	`, convID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: list messages")
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		var m Message
		var partsJSON string
		var createdMs int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &partsJSON, &createdMs); err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: scan message")
		}
		if err := json.Unmarshal([]byte(partsJSON), &m.Parts); err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: decode parts")
		}
		m.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendMany(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: begin append")
	}
	for _, m := range msgs {
		if strings.TrimSpace(m.ID) == "" || strings.TrimSpace(m.ConversationID) == "" {
			_ = tx.Rollback()
			return errors.New("sqlite chat store: message id and convID required")
		}
		partsJSON, err := json.Marshal(m.Parts)
		if err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, "sqlite chat store: encode parts")
		}
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages(id, conv_id, role, parts, created_at_ms)
			VALUES(?, ?, ?, ?, ?)
		`, m.ID, m.ConversationID, string(m.Role), string(partsJSON), createdAt.UnixMilli()); err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, "sqlite chat store: insert message")
		}
	}
	return errors.Wrap(tx.Commit(), "sqlite chat store: commit append")
}

func (s *SQLiteStore) CountUserMessagesSince(ctx context.Context, userID string, since time.Time) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, errors.New("sqlite chat store: userID is empty")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m
		JOIN conversations c ON c.id = m.conv_id
		WHERE c.owner_id = ? AND m.role = 'user' AND m.created_at_ms >= ?
	`, userID, since.UnixMilli())
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, errors.Wrap(err, "sqlite chat store: count user messages")
	}
	return n, nil
}

func (s *SQLiteStore) Append(ctx context.Context, convID, streamID string, createdAt time.Time) error {
	if strings.TrimSpace(convID) == "" || strings.TrimSpace(streamID) == "" {
		return errors.New("sqlite chat store: convID and streamID required")
	}
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streams(conv_id, stream_id, created_at_ms)
		VALUES(?, ?, ?)
	`, convID, streamID, createdAt.UnixMilli())
	return errors.Wrap(err, "sqlite chat store: append stream id")
}

func (s *SQLiteStore) ListByConversation(ctx context.Context, convID string) ([]string, error) {
	if strings.TrimSpace(convID) == "" {
		return nil, errors.New("sqlite chat store: convID is empty")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT stream_id FROM streams
		WHERE conv_id = ?
		ORDER BY created_at_ms ASC, rowid ASC
	`, convID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: list stream ids")
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: scan stream id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
