package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/convoshq/agentpool/internal/store"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pool_agents(
			id TEXT PRIMARY KEY,
			provider_service_id TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			invite_url TEXT NOT NULL DEFAULT '',
			instructions TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			claimed_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pool_agents_service ON pool_agents(provider_service_id);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Put(ctx context.Context, a store.Agent) error {
	a.Touch(time.Now().UTC())
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pool_agents(id, provider_service_id, agent_name, conversation_id, invite_url, instructions, checkpoint_id, created_at, claimed_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT(id) DO UPDATE SET
			provider_service_id=EXCLUDED.provider_service_id,
			agent_name=EXCLUDED.agent_name,
			conversation_id=EXCLUDED.conversation_id,
			invite_url=EXCLUDED.invite_url,
			instructions=EXCLUDED.instructions,
			checkpoint_id=EXCLUDED.checkpoint_id,
			claimed_at=EXCLUDED.claimed_at;`,
		a.ID, a.ServiceID, a.AgentName, a.ConversationID, a.InviteURL, a.Instructions, a.CheckpointID,
		a.CreatedAt.UTC(), a.ClaimedAt.UTC())
	return err
}

func (p *DB) Get(ctx context.Context, id string) (store.Agent, error) {
	row := p.db.QueryRowContext(ctx, selectCols+` WHERE id=$1;`, id)
	return scanAgent(row)
}

func (p *DB) GetByService(ctx context.Context, serviceID string) (store.Agent, error) {
	row := p.db.QueryRowContext(ctx, selectCols+` WHERE provider_service_id=$1;`, serviceID)
	return scanAgent(row)
}

func (p *DB) List(ctx context.Context) ([]store.Agent, error) {
	rows, err := p.db.QueryContext(ctx, selectCols+` ORDER BY claimed_at DESC;`)
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

func (p *DB) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM pool_agents WHERE id=$1;`, id)
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
