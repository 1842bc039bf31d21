package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AgentRecord is the durable row behind an agent.
type AgentRecord struct {
	Name          string    `json:"name"`
	DisplayName   string    `json:"display_name"`
	Model         string    `json:"model"`
	Description   string    `json:"description"`
	SystemMemory  string    `json:"system_memory"`
	WorkingMemory string    `json:"working_memory"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AgentStore persists agent records.
type AgentStore struct {
	db *DB
}

// NewAgentStore returns an agent store backed by db.
func NewAgentStore(db *DB) *AgentStore {
	return &AgentStore{db: db}
}

// Create inserts rec. It returns ErrExists when the name is taken.
func (s *AgentStore) Create(ctx context.Context, rec AgentRecord) error {
	now := formatTime(time.Now())
	err := s.db.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO agents (name, display_name, model, description, system_memory, working_memory, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.Name, rec.DisplayName, rec.Model, rec.Description, rec.SystemMemory, rec.WorkingMemory, now, now)
		return err
	})
	if isConstraint(err) {
		return fmt.Errorf("create agent %s: %w", rec.Name, ErrExists)
	}
	if err != nil {
		return fmt.Errorf("create agent %s: %w", rec.Name, err)
	}
	return nil
}

const agentCols = `name, display_name, model, description, system_memory, working_memory, created_at, updated_at`

// Get returns the record for name, or ErrNotFound.
func (s *AgentStore) Get(ctx context.Context, name string) (*AgentRecord, error) {
	var rec AgentRecord
	err := s.db.withConn(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE name = ?`, name)
		return scanAgent(row.Scan, &rec)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", name, err)
	}
	return &rec, nil
}

// List returns every agent record ordered by name.
func (s *AgentStore) List(ctx context.Context) ([]AgentRecord, error) {
	var recs []AgentRecord
	err := s.db.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT `+agentCols+` FROM agents ORDER BY name`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var rec AgentRecord
			if err := scanAgent(rows.Scan, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return recs, nil
}

// Delete removes the agent record. Archival entries and conversation
// history are kept.
func (s *AgentStore) Delete(ctx context.Context, name string) error {
	return s.update(ctx, name, `DELETE FROM agents WHERE name = ?`, name)
}

// SetWorkingMemory replaces the persisted working memory for name.
func (s *AgentStore) SetWorkingMemory(ctx context.Context, name, text string) error {
	return s.update(ctx, name, `UPDATE agents SET working_memory = ?, updated_at = ? WHERE name = ?`,
		text, formatTime(time.Now()), name)
}

// SetSystemMemory replaces the persisted system memory for name.
func (s *AgentStore) SetSystemMemory(ctx context.Context, name, text string) error {
	return s.update(ctx, name, `UPDATE agents SET system_memory = ?, updated_at = ? WHERE name = ?`,
		text, formatTime(time.Now()), name)
}

func (s *AgentStore) update(ctx context.Context, name, query string, args ...any) error {
	var affected int64
	err := s.db.withConn(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update agent %s: %w", name, err)
	}
	if affected == 0 {
		return fmt.Errorf("agent %s: %w", name, ErrNotFound)
	}
	return nil
}

func scanAgent(scan func(...any) error, rec *AgentRecord) error {
	var created, updated string
	if err := scan(&rec.Name, &rec.DisplayName, &rec.Model, &rec.Description,
		&rec.SystemMemory, &rec.WorkingMemory, &created, &updated); err != nil {
		return err
	}
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	return nil
}
