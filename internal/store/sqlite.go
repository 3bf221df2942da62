package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/efebarandurmaz/mnemo/internal/similarity"
)

// SQLiteStore is a local fallback that survives restarts. Each row keeps its
// embedding as a JSON array and Search ranks a user's rows in process.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS memories (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	prompt     TEXT NOT NULL,
	reply      TEXT NOT NULL,
	embedding  TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id);
`

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, &ConnectError{Backend: "sqlite", Err: err}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, &ConnectError{Backend: "sqlite", Err: fmt.Errorf("migrate: %w", err)}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Name() string { return "sqlite" }

func (s *SQLiteStore) Insert(ctx context.Context, userID, prompt, reply string, embedding []float32) (string, error) {
	vec, err := json.Marshal(embedding)
	if err != nil {
		return "", opErr(s.Name(), "insert", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", opErr(s.Name(), "insert", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return "", opErr(s.Name(), "count", err)
	}
	id := RecordID(userID, n+1)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, prompt, reply, embedding, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, userID, prompt, reply, string(vec), time.Now().Unix(),
	); err != nil {
		return "", opErr(s.Name(), "insert", err)
	}
	if err := tx.Commit(); err != nil {
		return "", opErr(s.Name(), "insert", err)
	}
	return id, nil
}

func (s *SQLiteStore) Search(ctx context.Context, userID string, query []float32, limit int) ([]Hit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, prompt, reply, embedding FROM memories WHERE user_id = ? ORDER BY seq`, userID)
	if err != nil {
		return nil, opErr(s.Name(), "search", err)
	}
	defer rows.Close()

	var cands []similarity.Candidate[Record]
	for rows.Next() {
		var (
			r   Record
			raw string
		)
		if err := rows.Scan(&r.ID, &r.Prompt, &r.Reply, &raw); err != nil {
			return nil, opErr(s.Name(), "search", err)
		}
		if err := json.Unmarshal([]byte(raw), &r.Embedding); err != nil {
			return nil, opErr(s.Name(), "search", fmt.Errorf("decode embedding of %s: %w", r.ID, err))
		}
		cands = append(cands, similarity.Candidate[Record]{Item: r, Vector: r.Embedding})
	}
	if err := rows.Err(); err != nil {
		return nil, opErr(s.Name(), "search", err)
	}
	return toHits(similarity.TopK(query, cands, limit)), nil
}

func (s *SQLiteStore) DeleteAll(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE user_id = ?`, userID)
	if err != nil {
		return 0, opErr(s.Name(), "delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, opErr(s.Name(), "delete", err)
	}
	return int(n), nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

var _ Store = (*SQLiteStore)(nil)
