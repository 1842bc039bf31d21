// Package memory provides durable agent state: agent records, the
// archival store, the conversation log, and the in-memory FIFO.
//
// All durable state lives in one SQLite database. Vector similarity is
// computed in SQL by the sqlite-vec extension, which registers itself
// with every connection the mattn driver opens.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

var (
	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating a record whose key is taken.
	ErrExists = errors.New("already exists")
	// ErrPoolTimeout is returned when no pooled connection becomes free
	// within the acquire timeout.
	ErrPoolTimeout = errors.New("connection pool timeout")
)

// Options configures the database.
type Options struct {
	Path           string
	PoolSize       int           // default 8
	AcquireTimeout time.Duration // default 5s
	Logger         *slog.Logger
}

// DB is the shared durable store. It is safe for concurrent use; every
// operation checks out its own pooled connection.
type DB struct {
	db             *sql.DB
	acquireTimeout time.Duration
	logger         *slog.Logger
}

// Open opens (creating if needed) the database at opts.Path and applies
// the schema.
func Open(opts Options) (*DB, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 8
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", opts.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(opts.PoolSize)
	db.SetMaxIdleConns(opts.PoolSize)

	d := &DB{
		db:             db,
		acquireTimeout: opts.AcquireTimeout,
		logger:         opts.Logger.With("component", "memory"),
	}

	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	d.logger.Info("database opened",
		"path", opts.Path,
		"pool_size", opts.PoolSize,
		"acquire_timeout", opts.AcquireTimeout.String(),
	)
	return d, nil
}

// Close closes the pool.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return d.withConn(ctx, func(conn *sql.Conn) error {
		var vecVersion string
		if err := conn.QueryRowContext(ctx, "SELECT vec_version()").Scan(&vecVersion); err != nil {
			return fmt.Errorf("sqlite-vec not loaded: %w", err)
		}

		_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agents (
			name           TEXT PRIMARY KEY,
			display_name   TEXT NOT NULL,
			model          TEXT NOT NULL,
			description    TEXT NOT NULL DEFAULT '',
			system_memory  TEXT NOT NULL DEFAULT '',
			working_memory TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS memory_entries (
			id          TEXT PRIMARY KEY,
			agent_name  TEXT NOT NULL,
			content     TEXT NOT NULL,
			memory_type TEXT NOT NULL,
			embedding   BLOB,
			metadata    TEXT,
			created_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memory_entries_agent ON memory_entries(agent_name, memory_type, created_at);

		-- Not foreign-keyed to agents: deleting an agent keeps its history.
		CREATE TABLE IF NOT EXISTS conversation_history (
			id            TEXT PRIMARY KEY,
			agent_name    TEXT NOT NULL,
			role          TEXT NOT NULL,
			content       TEXT NOT NULL,
			function_name TEXT,
			function_args TEXT,
			created_at    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversation_history_agent ON conversation_history(agent_name, created_at);
		`)
		if err != nil {
			return err
		}

		d.logger.Debug("schema ready", "vec_version", vecVersion)
		return nil
	})
}

// withConn checks out a connection, waiting at most the acquire timeout,
// and returns it to the pool when fn returns.
func (d *DB) withConn(ctx context.Context, fn func(*sql.Conn) error) error {
	acquireCtx, cancel := context.WithTimeout(ctx, d.acquireTimeout)
	defer cancel()

	conn, err := d.db.Conn(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrPoolTimeout
		}
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	return fn(conn)
}

// withTx runs fn in a transaction on a checked-out connection. fn's
// error rolls the transaction back.
func (d *DB) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return d.withConn(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
