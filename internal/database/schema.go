package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// schemaStatements create the bar archive. The hypertable call is skipped
// on plain PostgreSQL.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS stream_bars (
		symbol      TEXT             NOT NULL,
		timeframe   TEXT             NOT NULL,
		bar_time    TIMESTAMPTZ      NOT NULL,
		open        DOUBLE PRECISION NOT NULL,
		high        DOUBLE PRECISION NOT NULL,
		low         DOUBLE PRECISION NOT NULL,
		close       DOUBLE PRECISION NOT NULL,
		volume      DOUBLE PRECISION NOT NULL DEFAULT 0,
		received_at TIMESTAMPTZ      NOT NULL,
		PRIMARY KEY (symbol, timeframe, bar_time)
	)`,
	`DO $$
	BEGIN
		IF EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb') THEN
			PERFORM create_hypertable('stream_bars', 'bar_time', if_not_exists => TRUE);
		END IF;
	END
	$$`,
}

// EnsureSchema creates the stream_bars table if it does not exist.
func EnsureSchema(ctx context.Context, db Execer) error {
	for i, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
