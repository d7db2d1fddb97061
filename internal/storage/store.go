package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
	defaultListLimit     = 50
)

// ActionKind names a moderation command.
type ActionKind string

const (
	ActionSend   ActionKind = "send"
	ActionPin    ActionKind = "pin"
	ActionUnpin  ActionKind = "unpin"
	ActionDelete ActionKind = "delete"
)

// Action is one journaled moderation command and its outcome.
type Action struct {
	ID        int64
	RoomID    int64
	MessageID int64
	Kind      ActionKind
	OK        bool
	Error     string
	CreatedAt time.Time
}

// ErrInvalidAction is returned when an action violates the journal schema.
var ErrInvalidAction = errors.New("invalid action")

// Store is the local moderation journal backed by SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens the journal at path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "modchat.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d", path, separator, defaultBusyTimeout)
}

// Migrate creates the journal schema.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id INTEGER NOT NULL CHECK (room_id > 0),
			message_id INTEGER NOT NULL DEFAULT 0,
			kind TEXT NOT NULL CHECK (kind IN ('send', 'pin', 'unpin', 'delete')),
			ok INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS actions_room_created ON actions(room_id, created_at DESC);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordAction appends an action to the journal. A zero CreatedAt is set to now.
func (s *Store) RecordAction(ctx context.Context, a Action) (int64, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO actions(room_id, message_id, kind, ok, error, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		a.RoomID, a.MessageID, string(a.Kind), a.OK, a.Error, a.CreatedAt.UTC())
	if err != nil {
		if isConstraintError(err) {
			return 0, fmt.Errorf("%w: %s in room %d", ErrInvalidAction, a.Kind, a.RoomID)
		}
		return 0, err
	}
	return result.LastInsertId()
}

// ListActions returns the newest actions for a room, newest first.
func (s *Store) ListActions(ctx context.Context, roomID int64, limit int) ([]Action, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, message_id, kind, ok, error, created_at
		FROM actions
		WHERE room_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []Action
	for rows.Next() {
		var a Action
		var kind string
		if err := rows.Scan(&a.ID, &a.RoomID, &a.MessageID, &kind, &a.OK, &a.Error, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Kind = ActionKind(kind)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteConstraintCode
	}
	return false
}
