package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PayloadsTable receives recorded stream payloads.
const PayloadsTable = "stream_payloads"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS stream_payloads (
		id              UUID        NOT NULL,
		received_at     TIMESTAMPTZ NOT NULL,
		source          TEXT        NOT NULL,
		stream          TEXT        NOT NULL DEFAULT '',
		subscription_id BIGINT      NOT NULL DEFAULT 0,
		request_id      BIGINT      NOT NULL DEFAULT 0,
		error_code      INTEGER,
		error_message   TEXT,
		data            JSONB       NOT NULL,
		PRIMARY KEY (id, received_at)
	)`,
	`CREATE INDEX IF NOT EXISTS stream_payloads_stream_idx ON stream_payloads (stream, received_at DESC)`,
}

// hypertableStatement converts the table when the timescaledb extension is
// installed. It is skipped on plain PostgreSQL.
const hypertableStatement = `SELECT create_hypertable('stream_payloads', 'received_at', if_not_exists => TRUE)`

// EnsureSchema creates the payload table and, when available, makes it a
// hypertable.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	var hasTimescale bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')`,
	).Scan(&hasTimescale)
	if err != nil {
		return fmt.Errorf("check timescaledb extension: %w", err)
	}
	if !hasTimescale {
		return nil
	}

	if _, err := pool.Exec(ctx, hypertableStatement); err != nil {
		return fmt.Errorf("create hypertable: %w", err)
	}
	return nil
}
