package db

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
        id         TEXT PRIMARY KEY,
        name       TEXT NOT NULL,
        api_key    TEXT NOT NULL UNIQUE,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`,
	`CREATE TABLE IF NOT EXISTS query_log (
        id              UUID PRIMARY KEY,
        tenant_id       TEXT NOT NULL,
        user_id         TEXT NOT NULL,
        case_scope      TEXT NOT NULL,
        mode            TEXT NOT NULL,
        latency_ms      BIGINT NOT NULL,
        from_cache      BOOLEAN NOT NULL,
        actual_cost     DOUBLE PRECISION NOT NULL,
        quality_overall DOUBLE PRECISION NOT NULL,
        quality_grade   TEXT NOT NULL,
        counsel_ready   BOOLEAN NOT NULL,
        created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`,
	`CREATE INDEX IF NOT EXISTS query_log_tenant_created ON query_log (tenant_id, created_at)`,
}

// Migrate creates the tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	return nil
}
