package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createEntitiesTable = `
CREATE TABLE IF NOT EXISTS config_entities (
	tenant_id  TEXT NOT NULL,
	entity     TEXT NOT NULL,
	content    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, entity)
)`

// PostgresProvider keeps tenant entities in the config_entities table.
type PostgresProvider struct {
	pool     *pgxpool.Pool
	tenantID string
}

// NewPostgresProvider opens a pool on dsn and makes sure the table exists.
func NewPostgresProvider(ctx context.Context, dsn, tenantID string) (*PostgresProvider, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, createEntitiesTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create config_entities: %w", err)
	}
	return &PostgresProvider{pool: pool, tenantID: tenantID}, nil
}

func (p *PostgresProvider) Get(ctx context.Context, entity string) ([]byte, error) {
	if entity == "" {
		return nil, ErrEmptyEntity
	}
	var content []byte
	err := p.pool.QueryRow(ctx,
		`SELECT content::text FROM config_entities WHERE tenant_id = $1 AND entity = $2`,
		p.tenantID, entity).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	return content, err
}

func (p *PostgresProvider) Set(ctx context.Context, entity string, data []byte) error {
	if err := validate(entity, data); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO config_entities (tenant_id, entity, content, updated_at)
		VALUES ($1, $2, $3::jsonb, now())
		ON CONFLICT (tenant_id, entity) DO UPDATE SET content = EXCLUDED.content, updated_at = now()`,
		p.tenantID, entity, string(data))
	return err
}

func (p *PostgresProvider) Entities(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT entity FROM config_entities WHERE tenant_id = $1 ORDER BY entity`, p.tenantID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *PostgresProvider) Close() error {
	p.pool.Close()
	return nil
}
