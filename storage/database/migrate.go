package database

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// migration is one forward-only schema step. Steps run in order inside a
// transaction and are recorded in schema_migrations.
type migration struct {
	version int
	name    string
	stmt    string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create_users",
		stmt: `
CREATE TABLE users (
	id            TEXT        PRIMARY KEY,
	name          TEXT        NOT NULL,
	username      TEXT        NOT NULL DEFAULT '',
	email         TEXT        NOT NULL,
	is_active     BOOLEAN     NOT NULL DEFAULT TRUE,
	password_hash BYTEA       NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	last_login    TIMESTAMPTZ NOT NULL DEFAULT 'epoch'
);
CREATE UNIQUE INDEX users_email_key ON users (email);
CREATE UNIQUE INDEX users_username_key ON users (username) WHERE username <> '';`,
	},
	{
		version: 2,
		name:    "create_timetable_states",
		stmt: `
CREATE TABLE timetable_states (
	user_id    TEXT        PRIMARY KEY REFERENCES users (id) ON DELETE CASCADE,
	doc        JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`,
	},
}

// Migrate applies all pending migrations.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INT         PRIMARY KEY,
	name       TEXT        NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`); err != nil {
		return errors.Wrap(err, "creating schema_migrations")
	}

	var current int
	if err := db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`); err != nil {
		return errors.Wrap(err, "reading schema version")
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return errors.Wrapf(err, "applying migration %d_%s", m.version, m.name)
		}
	}
	return nil
}

func apply(ctx context.Context, db *sqlx.DB, m migration) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, m.stmt); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// SchemaVersion returns the highest applied migration version.
func SchemaVersion(ctx context.Context, db *sqlx.DB) (int, error) {
	var current int
	err := db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err != nil {
		return 0, errors.Wrap(err, "reading schema version")
	}
	return current, nil
}
