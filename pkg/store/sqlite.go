package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/cricket/pkg/chatsync"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conv_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    attachments TEXT NOT NULL DEFAULT 'null',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conv_id, created_at);
`

// SQLiteStore is the durable Message Store Adapter backed by sqlite.
type SQLiteStore struct {
	db  *sql.DB
	pub message.Publisher
}

var _ chatsync.Store = &SQLiteStore{}

func NewSQLiteStore(path string, pub message.Publisher) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init schema")
	}
	return &SQLiteStore{db: db, pub: pub}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) EnsureConversation(ctx context.Context, conv chatsync.Conversation) error {
	if conv.ID == "" {
		return errors.New("empty conversation id")
	}
	createdAt := conv.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO conversations(id, title, created_at) VALUES(?,?,?)",
		conv.ID, conv.Title, createdAt.Format(time.RFC3339Nano))
	return errors.Wrap(err, "ensure conversation")
}

func (s *SQLiteStore) FetchSnapshot(ctx context.Context, convID string) ([]chatsync.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, conv_id, role, content, model, attachments, created_at FROM messages WHERE conv_id=? ORDER BY created_at, rowid",
		convID)
	if err != nil {
		return nil, errors.Wrap(err, "fetch snapshot")
	}
	defer func() { _ = rows.Close() }()

	var out []chatsync.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, errors.Wrap(rows.Err(), "fetch snapshot")
}

func (s *SQLiteStore) Insert(ctx context.Context, msg chatsync.Message) (string, error) {
	if msg.ConvID == "" {
		return "", errors.New("empty conversation id")
	}
	serverID := msg.ID
	if msg.Provisional || serverID == "" || strings.HasPrefix(serverID, "tmp-") {
		serverID = uuid.NewString()
	}
	attJSON, err := json.Marshal(msg.Attachments)
	if err != nil {
		return "", errors.Wrap(err, "marshal attachments")
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO messages(id, conv_id, role, content, model, attachments, created_at) VALUES(?,?,?,?,?,?,?)",
		serverID, msg.ConvID, string(msg.Role), msg.Content, msg.Model, string(attJSON), createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return "", errors.Wrap(err, "insert message")
	}

	confirmed := msg
	confirmed.ID = serverID
	confirmed.Provisional = false
	confirmed.CreatedAt = createdAt
	publish(s.pub, chatsync.Event{Type: chatsync.EventInsert, ConvID: msg.ConvID, Message: confirmed})
	return serverID, nil
}

func (s *SQLiteStore) Update(ctx context.Context, convID string, id string, fields chatsync.UpdateFields) error {
	sets := []string{}
	args := []any{}
	if fields.Content != nil {
		sets = append(sets, "content=?")
		args = append(args, *fields.Content)
	}
	if fields.Model != nil {
		sets = append(sets, "model=?")
		args = append(args, *fields.Model)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id, convID)
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET "+strings.Join(sets, ", ")+" WHERE id=? AND conv_id=?", args...)
	if err != nil {
		return errors.Wrap(err, "update message")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Errorf("message %s not found in conversation %s", id, convID)
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT id, conv_id, role, content, model, attachments, created_at FROM messages WHERE id=?", id)
	msg, err := scanMessage(row)
	if err != nil {
		return err
	}
	publish(s.pub, chatsync.Event{Type: chatsync.EventUpdate, ConvID: convID, Message: msg})
	return nil
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, convID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE conv_id=?", convID); err != nil {
		return errors.Wrap(err, "delete messages")
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id=?", convID); err != nil {
		return errors.Wrap(err, "delete conversation")
	}
	publish(s.pub, chatsync.Event{Type: chatsync.EventDelete, ConvID: convID})
	return nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context) ([]chatsync.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, title, created_at FROM conversations ORDER BY created_at")
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	defer func() { _ = rows.Close() }()

	var out []chatsync.Conversation
	for rows.Next() {
		var conv chatsync.Conversation
		var createdAt string
		if err := rows.Scan(&conv.ID, &conv.Title, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan conversation")
		}
		conv.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, conv)
	}
	return out, errors.Wrap(rows.Err(), "list conversations")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (chatsync.Message, error) {
	var msg chatsync.Message
	var role, attJSON, createdAt string
	if err := row.Scan(&msg.ID, &msg.ConvID, &role, &msg.Content, &msg.Model, &attJSON, &createdAt); err != nil {
		return chatsync.Message{}, errors.Wrap(err, "scan message")
	}
	msg.Role = chatsync.Role(role)
	if err := json.Unmarshal([]byte(attJSON), &msg.Attachments); err != nil {
		return chatsync.Message{}, errors.Wrap(err, "unmarshal attachments")
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return chatsync.Message{}, errors.Wrap(err, "parse created_at")
	}
	msg.CreatedAt = ts
	return msg, nil
}
