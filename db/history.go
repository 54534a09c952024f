package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/live-avatar/ai"
	"github.com/onnwee/live-avatar/conversation"
)

// HistoryStore is a conversation.Store over the conversation_turns table.
type HistoryStore struct {
	DB  *sql.DB
	now func() time.Time
}

var _ conversation.Store = (*HistoryStore)(nil)

// NewHistoryStore wraps database.
func NewHistoryStore(database *sql.DB) *HistoryStore {
	return &HistoryStore{DB: database, now: time.Now}
}

// Append inserts t under owner.
func (s *HistoryStore) Append(ctx context.Context, owner string, t conversation.Turn) error {
	key := conversation.Key(owner)
	if key == "" {
		return conversation.ErrNoUsername
	}
	if t.At.IsZero() {
		t.At = s.now()
	}
	author := strings.TrimSpace(t.Username)
	if author == "" {
		author = owner
	}
	role := t.Role
	if role != ai.RoleAssistant {
		role = ai.RoleUser
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO conversation_turns(owner, author, role, message, created_at) VALUES($1,$2,$3,$4,$5)`,
		key, author, string(role), t.Text, t.At)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// Recent returns the last n turns oldest first; n <= 0 means all.
func (s *HistoryStore) Recent(ctx context.Context, owner string, n int) ([]conversation.Turn, error) {
	key := conversation.Key(owner)
	if key == "" {
		return nil, conversation.ErrNoUsername
	}
	if n <= 0 {
		return s.All(ctx, owner)
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT author, role, message, created_at FROM (
			SELECT id, author, role, message, created_at FROM conversation_turns
			WHERE owner = $1 ORDER BY id DESC LIMIT $2
		) recent ORDER BY id ASC`, key, n)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	return scanTurns(rows)
}

// All returns every turn for owner oldest first.
func (s *HistoryStore) All(ctx context.Context, owner string) ([]conversation.Turn, error) {
	key := conversation.Key(owner)
	if key == "" {
		return nil, conversation.ErrNoUsername
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT author, role, message, created_at FROM conversation_turns WHERE owner = $1 ORDER BY id ASC`, key)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	return scanTurns(rows)
}

// Clear deletes owner's turns.
func (s *HistoryStore) Clear(ctx context.Context, owner string) error {
	key := conversation.Key(owner)
	if key == "" {
		return conversation.ErrNoUsername
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM conversation_turns WHERE owner = $1`, key); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}
	return nil
}

func scanTurns(rows *sql.Rows) ([]conversation.Turn, error) {
	defer func() { _ = rows.Close() }()
	var turns []conversation.Turn
	for rows.Next() {
		var t conversation.Turn
		var role string
		if err := rows.Scan(&t.Username, &role, &t.Text, &t.At); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = ai.Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}
