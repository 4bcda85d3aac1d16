package infrastructure

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sagas (
		saga_id            TEXT PRIMARY KEY,
		order_id           TEXT NOT NULL UNIQUE,
		status             TEXT NOT NULL,
		inventory_done     BOOLEAN NOT NULL DEFAULT FALSE,
		payment_done       BOOLEAN NOT NULL DEFAULT FALSE,
		shipping_done      BOOLEAN NOT NULL DEFAULT FALSE,
		inventory_released BOOLEAN NOT NULL DEFAULT FALSE,
		payment_refunded   BOOLEAN NOT NULL DEFAULT FALSE,
		last_error         TEXT,
		attempts           INTEGER NOT NULL DEFAULT 0,
		version            BIGINT NOT NULL,
		request            JSONB NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sagas_status_updated_at ON sagas (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS saga_transitions (
		id          BIGSERIAL PRIMARY KEY,
		saga_id     TEXT NOT NULL REFERENCES sagas (saga_id),
		from_status TEXT,
		to_status   TEXT NOT NULL,
		step        TEXT NOT NULL,
		reason      TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_transitions_saga_id ON saga_transitions (saga_id, id)`,
	`CREATE TABLE IF NOT EXISTS saga_outbox (
		id              TEXT PRIMARY KEY,
		saga_id         TEXT NOT NULL REFERENCES sagas (saga_id),
		message_key     TEXT NOT NULL UNIQUE,
		step            TEXT NOT NULL,
		topic           TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		payload         JSONB NOT NULL,
		status          TEXT NOT NULL,
		revision        BIGINT NOT NULL,
		seq             INTEGER NOT NULL,
		attempts        INTEGER NOT NULL DEFAULT 0,
		last_error      TEXT,
		next_attempt_at TIMESTAMPTZ NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		sent_at         TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_outbox_pending ON saga_outbox (status, next_attempt_at)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sagas (
		saga_id            TEXT PRIMARY KEY,
		order_id           TEXT NOT NULL UNIQUE,
		status             TEXT NOT NULL,
		inventory_done     BOOLEAN NOT NULL DEFAULT 0,
		payment_done       BOOLEAN NOT NULL DEFAULT 0,
		shipping_done      BOOLEAN NOT NULL DEFAULT 0,
		inventory_released BOOLEAN NOT NULL DEFAULT 0,
		payment_refunded   BOOLEAN NOT NULL DEFAULT 0,
		last_error         TEXT,
		attempts           INTEGER NOT NULL DEFAULT 0,
		version            INTEGER NOT NULL,
		request            TEXT NOT NULL,
		created_at         TIMESTAMP NOT NULL,
		updated_at         TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sagas_status_updated_at ON sagas (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS saga_transitions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		saga_id     TEXT NOT NULL REFERENCES sagas (saga_id),
		from_status TEXT,
		to_status   TEXT NOT NULL,
		step        TEXT NOT NULL,
		reason      TEXT NOT NULL,
		created_at  TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_transitions_saga_id ON saga_transitions (saga_id, id)`,
	`CREATE TABLE IF NOT EXISTS saga_outbox (
		id              TEXT PRIMARY KEY,
		saga_id         TEXT NOT NULL REFERENCES sagas (saga_id),
		message_key     TEXT NOT NULL UNIQUE,
		step            TEXT NOT NULL,
		topic           TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		payload         TEXT NOT NULL,
		status          TEXT NOT NULL,
		revision        INTEGER NOT NULL,
		seq             INTEGER NOT NULL,
		attempts        INTEGER NOT NULL DEFAULT 0,
		last_error      TEXT,
		next_attempt_at TIMESTAMP NOT NULL,
		created_at      TIMESTAMP NOT NULL,
		sent_at         TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_outbox_pending ON saga_outbox (status, next_attempt_at)`,
}

// Migrate creates the saga tables for the driver of db
func Migrate(ctx context.Context, db *sqlx.DB) error {
	var statements []string
	switch db.DriverName() {
	case DriverPostgres:
		statements = postgresSchema
	case DriverSQLite:
		statements = sqliteSchema
	default:
		return errors.Errorf("unsupported database driver %q", db.DriverName())
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to migrate saga schema")
		}
	}
	return nil
}
