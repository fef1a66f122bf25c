package memory

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/bazaarvoice/qtype/dsl"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStore persists chat history to a SQLite database so sessions
// survive process restarts. WAL mode allows concurrent history reads
// while an append is in flight; appends themselves are serialized per
// store (SQLite has a single writer anyway).
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) a SQLite-backed store at dsn.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memory: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memory: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID string, mem *dsl.Memory, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (session_id, memory_id, role, content, tokens) VALUES (?, ?, ?, ?, ?)`,
		sessionID, mem.ID, turn.Role, turn.Content, turn.Tokens,
	); err != nil {
		return fmt.Errorf("memory: append: %w", err)
	}

	turns, ids, err := s.load(ctx, sessionID, mem.ID)
	if err != nil {
		return err
	}
	drop := evictionPlan(turns, mem)
	for i := 0; i < drop; i++ {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE id = ?`, ids[i]); err != nil {
			return fmt.Errorf("memory: evict: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, sessionID string, mem *dsl.Memory) ([]Turn, error) {
	turns, _, err := s.load(ctx, sessionID, mem.ID)
	if err != nil {
		return nil, err
	}
	return trimToBudget(turns, historyBudget(mem)), nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) load(ctx context.Context, sessionID, memoryID string) ([]Turn, []int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, tokens FROM turns WHERE session_id = ? AND memory_id = ? ORDER BY id ASC`,
		sessionID, memoryID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("memory: load: %w", err)
	}
	defer rows.Close()

	var (
		turns []Turn
		ids   []int64
	)
	for rows.Next() {
		var (
			id int64
			t  Turn
		)
		if err := rows.Scan(&id, &t.Role, &t.Content, &t.Tokens); err != nil {
			return nil, nil, fmt.Errorf("memory: scan: %w", err)
		}
		turns = append(turns, t)
		ids = append(ids, id)
	}
	return turns, ids, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
