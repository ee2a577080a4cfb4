package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/convoshq/agentpool/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pool_agents(
			id TEXT PRIMARY KEY,
			provider_service_id TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			invite_url TEXT NOT NULL DEFAULT '',
			instructions TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			claimed_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pool_agents_service ON pool_agents(provider_service_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Put(ctx context.Context, a store.Agent) error {
	a.Touch(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pool_agents(id, provider_service_id, agent_name, conversation_id, invite_url, instructions, checkpoint_id, created_at, claimed_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider_service_id=excluded.provider_service_id,
			agent_name=excluded.agent_name,
			conversation_id=excluded.conversation_id,
			invite_url=excluded.invite_url,
			instructions=excluded.instructions,
			checkpoint_id=excluded.checkpoint_id,
			claimed_at=excluded.claimed_at;`,
		a.ID, a.ServiceID, a.AgentName, a.ConversationID, a.InviteURL, a.Instructions, a.CheckpointID,
		a.CreatedAt.UTC(), a.ClaimedAt.UTC())
	return err
}

func (s *DB) Get(ctx context.Context, id string) (store.Agent, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE id=?;`, id)
	return scanAgent(row)
}

func (s *DB) GetByService(ctx context.Context, serviceID string) (store.Agent, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE provider_service_id=?;`, serviceID)
	return scanAgent(row)
}

func (s *DB) List(ctx context.Context) ([]store.Agent, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+` ORDER BY claimed_at DESC;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Agent, 0)
	for rows.Next() {
		var a store.Agent
		if err := rows.Scan(&a.ID, &a.ServiceID, &a.AgentName, &a.ConversationID, &a.InviteURL, &a.Instructions, &a.CheckpointID, &a.CreatedAt, &a.ClaimedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *DB) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pool_agents WHERE id=?;`, id)
	return err
}

const selectCols = `SELECT id, provider_service_id, agent_name, conversation_id, invite_url, instructions, checkpoint_id, created_at, claimed_at FROM pool_agents`

func scanAgent(row *sql.Row) (store.Agent, error) {
	var a store.Agent
	err := row.Scan(&a.ID, &a.ServiceID, &a.AgentName, &a.ConversationID, &a.InviteURL, &a.Instructions, &a.CheckpointID, &a.CreatedAt, &a.ClaimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Agent{}, store.ErrNotFound
	}
	return a, err
}
