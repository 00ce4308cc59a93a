// Package snapshot persists episodic memories to a SQLite file so they
// survive restarts. The core store never depends on it; the CLI loads a
// snapshot on start and saves one on shutdown.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/andywolf/taskflow/internal/sri"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	emotion_hash  TEXT PRIMARY KEY,
	id            TEXT NOT NULL,
	vector        TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	policy        TEXT NOT NULL,
	context       TEXT NOT NULL,
	task_id       TEXT NOT NULL,
	agent_id      TEXT NOT NULL DEFAULT '',
	domain        TEXT NOT NULL,
	complexity    TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	last_accessed TEXT NOT NULL,
	access_count  INTEGER NOT NULL DEFAULT 0,
	effectiveness REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_domain ON memories(domain);
`

// Store is a SQLite-backed memory snapshot.
type Store struct {
	db   *sql.DB
	path string
}

// Stats summarizes a snapshot.
type Stats struct {
	Total     int            `json:"total"`
	ByDomain  map[string]int `json:"by_domain"`
	ByOutcome map[string]int `json:"by_outcome"`
	Oldest    time.Time      `json:"oldest,omitempty"`
	Newest    time.Time      `json:"newest,omitempty"`
}

// Open opens or creates the snapshot at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate snapshot: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the file the store was opened from.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Save replaces the snapshot contents with memories.
func (s *Store) Save(ctx context.Context, memories []sri.Memory) error {
	return s.write(ctx, memories, true)
}

// Merge upserts memories, keeping rows that are not in the batch.
func (s *Store) Merge(ctx context.Context, memories []sri.Memory) error {
	return s.write(ctx, memories, false)
}

func (s *Store) write(ctx context.Context, memories []sri.Memory, replace bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if replace {
		if _, err := tx.ExecContext(ctx, "DELETE FROM memories"); err != nil {
			return fmt.Errorf("failed to clear snapshot: %w", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO memories (emotion_hash, id, vector, outcome, policy, context, task_id, agent_id,
	domain, complexity, created_at, last_accessed, access_count, effectiveness)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(emotion_hash) DO UPDATE SET
	last_accessed = excluded.last_accessed,
	access_count  = excluded.access_count,
	effectiveness = excluded.effectiveness`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, m := range memories {
		if m.EmotionHash == "" {
			m.EmotionHash = sri.Hash(m.Vector)
		}
		vector, err := json.Marshal(m.Vector)
		if err != nil {
			return fmt.Errorf("failed to encode vector of %s: %w", m.EmotionHash, err)
		}
		policy, err := json.Marshal(m.Policy)
		if err != nil {
			return fmt.Errorf("failed to encode policy of %s: %w", m.EmotionHash, err)
		}
		if _, err := stmt.ExecContext(ctx,
			m.EmotionHash, m.ID, string(vector), string(m.Outcome), string(policy),
			m.Context, m.TaskID, m.AgentID, m.Domain, string(m.Complexity),
			formatTime(m.CreatedAt), formatTime(m.LastAccessed), m.AccessCount, m.Effectiveness,
		); err != nil {
			return fmt.Errorf("failed to save memory %s: %w", m.EmotionHash, err)
		}
	}
	return tx.Commit()
}

// Load returns every memory in the snapshot, oldest first.
func (s *Store) Load(ctx context.Context) ([]sri.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT emotion_hash, id, vector, outcome, policy, context, task_id, agent_id,
	domain, complexity, created_at, last_accessed, access_count, effectiveness
FROM memories ORDER BY created_at, emotion_hash`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []sri.Memory
	for rows.Next() {
		var (
			m                       sri.Memory
			vector, policy          string
			outcome, complexity     string
			createdAt, lastAccessed string
		)
		if err := rows.Scan(&m.EmotionHash, &m.ID, &vector, &outcome, &policy, &m.Context,
			&m.TaskID, &m.AgentID, &m.Domain, &complexity, &createdAt, &lastAccessed,
			&m.AccessCount, &m.Effectiveness); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		if err := json.Unmarshal([]byte(vector), &m.Vector); err != nil {
			return nil, fmt.Errorf("corrupt vector for %s: %w", m.EmotionHash, err)
		}
		if err := json.Unmarshal([]byte(policy), &m.Policy); err != nil {
			return nil, fmt.Errorf("corrupt policy for %s: %w", m.EmotionHash, err)
		}
		m.Outcome = sri.Outcome(outcome)
		m.Complexity = sri.Complexity(complexity)
		m.CreatedAt = parseTime(createdAt)
		m.LastAccessed = parseTime(lastAccessed)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Stats aggregates the snapshot without loading it.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByDomain: map[string]int{}, ByOutcome: map[string]int{}}

	if err := s.countBy(ctx, "domain", st.ByDomain); err != nil {
		return st, err
	}
	if err := s.countBy(ctx, "outcome", st.ByOutcome); err != nil {
		return st, err
	}
	for _, n := range st.ByDomain {
		st.Total += n
	}
	if st.Total == 0 {
		return st, nil
	}

	var oldest, newest string
	if err := s.db.QueryRowContext(ctx, "SELECT MIN(created_at), MAX(created_at) FROM memories").
		Scan(&oldest, &newest); err != nil {
		return st, fmt.Errorf("failed to query age range: %w", err)
	}
	st.Oldest = parseTime(oldest)
	st.Newest = parseTime(newest)
	return st, nil
}

func (s *Store) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM memories GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("failed to count by %s: %w", column, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

// WriteJSON writes memories as an indented JSON array.
func WriteJSON(w io.Writer, memories []sri.Memory) error {
	if memories == nil {
		memories = []sri.Memory{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(memories)
}

// ReadJSON decodes a JSON array written by WriteJSON.
func ReadJSON(r io.Reader) ([]sri.Memory, error) {
	var memories []sri.Memory
	if err := json.NewDecoder(r).Decode(&memories); err != nil {
		return nil, fmt.Errorf("failed to decode memories: %w", err)
	}
	return memories, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
