package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleFunction  Role = "function"
)

// Message is one conversation turn. Messages are never mutated after
// creation.
type Message struct {
	Role         Role           `json:"role"`
	Content      string         `json:"content"`
	FunctionName string         `json:"function_name,omitempty"`
	FunctionArgs map[string]any `json:"function_args,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// NewMessage returns a message stamped with the current time.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, CreatedAt: time.Now()}
}

// HistoryStore is the durable conversation log.
type HistoryStore struct {
	db *DB
}

// NewHistoryStore returns a history store backed by db.
func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// Append writes msgs for agent in a single transaction. Either all are
// stored or none are.
func (s *HistoryStore) Append(ctx context.Context, agent string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO conversation_history (id, agent_name, role, content, function_name, function_args, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, m := range msgs {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("generate id: %w", err)
			}
			var args any
			if len(m.FunctionArgs) > 0 {
				b, err := json.Marshal(m.FunctionArgs)
				if err != nil {
					return fmt.Errorf("marshal function args: %w", err)
				}
				args = string(b)
			}
			created := m.CreatedAt
			if created.IsZero() {
				created = time.Now()
			}
			if _, err := stmt.ExecContext(ctx, id.String(), agent, string(m.Role), m.Content,
				nullString(m.FunctionName), args, formatTime(created)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append history for %s: %w", agent, err)
	}
	return nil
}

// Recent returns the n most recent messages for agent in chronological
// order.
func (s *HistoryStore) Recent(ctx context.Context, agent string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	msgs, err := s.query(ctx, `WHERE agent_name = ? ORDER BY created_at DESC, id DESC LIMIT ?`, agent, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Search returns messages whose content contains query, ignoring ASCII
// case, newest first.
func (s *HistoryStore) Search(ctx context.Context, agent, query string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 5
	}
	return s.query(ctx, `WHERE agent_name = ? AND content LIKE ? ESCAPE '\'
		ORDER BY created_at DESC, id DESC LIMIT ?`, agent, "%"+escapeLike(query)+"%", limit)
}

// Count returns the number of logged messages for agent.
func (s *HistoryStore) Count(ctx context.Context, agent string) (int, error) {
	var n int
	err := s.db.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM conversation_history WHERE agent_name = ?`, agent).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}

func (s *HistoryStore) query(ctx context.Context, where string, args ...any) ([]Message, error) {
	var msgs []Message
	err := s.db.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT role, content, function_name, function_args, created_at
			FROM conversation_history `+where, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var m Message
			var role, created string
			var fname, fargs sql.NullString
			if err := rows.Scan(&role, &m.Content, &fname, &fargs, &created); err != nil {
				return err
			}
			m.Role = Role(role)
			m.FunctionName = fname.String
			m.CreatedAt = parseTime(created)
			if fargs.Valid && fargs.String != "" {
				_ = json.Unmarshal([]byte(fargs.String), &m.FunctionArgs)
			}
			msgs = append(msgs, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return msgs, nil
}
