package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"

	"github.com/nugget/pantheon/internal/embeddings"
)

// Type classifies a memory entry.
type Type string

const (
	TypeArchival Type = "archival"
	TypeWorking  Type = "working"
	TypeSystem   Type = "system"
)

// Entry is a write-once archival record.
type Entry struct {
	ID        string            `json:"id"`
	Agent     string            `json:"agent"`
	Content   string            `json:"content"`
	Type      Type              `json:"type"`
	Embedded  bool              `json:"embedded"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Scored is a search hit. Similarity is 1 - cosine distance, in [0, 1]
// for unit vectors pointing into the same half-space.
type Scored struct {
	Entry
	Similarity float64 `json:"similarity"`
}

// ArchiveConfig configures the archive store.
type ArchiveConfig struct {
	// MinSimilarity drops search hits scoring below it. Zero keeps all.
	MinSimilarity float64
}

// ArchiveStore is the archival tier: content that outlives the FIFO,
// searchable by embedding similarity or by substring.
type ArchiveStore struct {
	db  *DB
	cfg ArchiveConfig
}

// NewArchiveStore returns an archive store backed by db.
func NewArchiveStore(db *DB, cfg ArchiveConfig) *ArchiveStore {
	return &ArchiveStore{db: db, cfg: cfg}
}

// InsertOption configures optional fields on Insert.
type InsertOption func(*Entry)

// WithMetadata attaches a metadata key to the inserted entry.
func WithMetadata(key, value string) InsertOption {
	return func(e *Entry) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]string)
		}
		e.Metadata[key] = value
	}
}

// Insert stores a new entry and returns its id. emb may be nil; when
// present it is normalized before it is written.
func (s *ArchiveStore) Insert(ctx context.Context, agent, content string, typ Type, emb []float32, opts ...InsertOption) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	e := Entry{ID: id.String(), Agent: agent, Content: content, Type: typ, CreatedAt: time.Now()}
	for _, opt := range opts {
		opt(&e)
	}

	var blob any
	if !isZero(emb) {
		b, err := sqlite_vec.SerializeFloat32(embeddings.Normalize(emb))
		if err != nil {
			return "", fmt.Errorf("serialize embedding: %w", err)
		}
		blob = b
	}

	var meta any
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return "", fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}

	err = s.db.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO memory_entries (id, agent_name, content, memory_type, embedding, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, e.ID, agent, content, string(typ), blob, meta, formatTime(e.CreatedAt))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert memory entry: %w", err)
	}
	return e.ID, nil
}

const entryCols = `id, agent_name, content, memory_type, embedding IS NOT NULL, metadata, created_at`

// Search returns the agent's embedded entries ordered by similarity to
// query, best first. An empty typ matches every type. Entries whose
// embedding dimension differs from the query are skipped.
func (s *ArchiveStore) Search(ctx context.Context, agent string, query []float32, typ Type, limit int) ([]Scored, error) {
	if isZero(query) {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	blob, err := sqlite_vec.SerializeFloat32(embeddings.Normalize(query))
	if err != nil {
		return nil, fmt.Errorf("serialize query: %w", err)
	}

	// The CASE guard keeps vec_distance_cosine away from vectors of
	// another dimension, which it rejects with an error.
	sim := `CASE WHEN length(embedding) = ? THEN 1 - vec_distance_cosine(embedding, ?) END`
	q := `SELECT ` + entryCols + `, ` + sim + ` AS similarity
		FROM memory_entries
		WHERE agent_name = ? AND length(embedding) = ?`
	args := []any{len(blob), blob, agent, len(blob)}
	if typ != "" {
		q += ` AND memory_type = ?`
		args = append(args, string(typ))
	}
	if s.cfg.MinSimilarity > 0 {
		q += ` AND ` + sim + ` >= ?`
		args = append(args, len(blob), blob, s.cfg.MinSimilarity)
	}
	q += ` ORDER BY similarity DESC LIMIT ?`
	args = append(args, limit)

	var results []Scored
	err = s.db.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var sc Scored
			if err := scanEntry(rows, &sc.Entry, &sc.Similarity); err != nil {
				return err
			}
			results = append(results, sc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	return results, nil
}

// TextSearch returns entries whose content contains query, ignoring
// ASCII case, newest first.
func (s *ArchiveStore) TextSearch(ctx context.Context, agent, query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 5
	}
	return s.list(ctx, `WHERE agent_name = ? AND content LIKE ? ESCAPE '\'
		ORDER BY created_at DESC, id DESC LIMIT ?`, agent, "%"+escapeLike(query)+"%", limit)
}

// All returns every entry of the given type for agent, oldest first. An
// empty typ matches every type.
func (s *ArchiveStore) All(ctx context.Context, agent string, typ Type) ([]Entry, error) {
	if typ == "" {
		return s.list(ctx, `WHERE agent_name = ? ORDER BY created_at, id`, agent)
	}
	return s.list(ctx, `WHERE agent_name = ? AND memory_type = ? ORDER BY created_at, id`, agent, string(typ))
}

// Recent returns the n newest archival entries, newest first.
func (s *ArchiveStore) Recent(ctx context.Context, agent string, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	return s.list(ctx, `WHERE agent_name = ? AND memory_type = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, agent, string(TypeArchival), n)
}

// Count returns how many entries agent owns.
func (s *ArchiveStore) Count(ctx context.Context, agent string) (int, error) {
	var n int
	err := s.db.withConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM memory_entries WHERE agent_name = ?`, agent).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count memory entries: %w", err)
	}
	return n, nil
}

func (s *ArchiveStore) list(ctx context.Context, where string, args ...any) ([]Entry, error) {
	var entries []Entry
	err := s.db.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT `+entryCols+` FROM memory_entries `+where, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var e Entry
			if err := scanEntry(rows, &e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list memory entries: %w", err)
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows, e *Entry, extra ...any) error {
	var typ, created string
	var meta sql.NullString
	dest := append([]any{&e.ID, &e.Agent, &e.Content, &typ, &e.Embedded, &meta, &created}, extra...)
	if err := rows.Scan(dest...); err != nil {
		return err
	}
	e.Type = Type(typ)
	e.CreatedAt = parseTime(created)
	if meta.Valid && meta.String != "" {
		// Metadata is advisory; a corrupt blob leaves it empty.
		_ = json.Unmarshal([]byte(meta.String), &e.Metadata)
	}
	return nil
}

// isZero reports whether v has no direction. Such vectors are neither
// stored nor searched.
func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
