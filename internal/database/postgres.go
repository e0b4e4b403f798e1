package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// usersSchema is the persisted layout for user records, keyed by the Azure AD
// object id. roles and claims are JSONB serializations of the last-seen token
// data.
const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
    oid                TEXT PRIMARY KEY,
    name               TEXT NOT NULL,
    email              TEXT NOT NULL UNIQUE,
    preferred_username TEXT,
    tenant_id          TEXT,
    roles              JSONB NOT NULL DEFAULT '[]',
    claims             JSONB NOT NULL DEFAULT '{}',
    first_login        TIMESTAMPTZ NOT NULL,
    last_login         TIMESTAMPTZ NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL,
    updated_at         TIMESTAMPTZ NOT NULL
)`

// Connect opens a pgx connection pool and verifies it with a ping. Caller
// should call pool.Close().
func Connect(ctx context.Context, url string, timeout time.Duration) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the users table when it does not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, usersSchema); err != nil {
		return fmt.Errorf("ensure users schema: %w", err)
	}
	return nil
}
