package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB and ensures schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:ltimiddleware.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/ltimiddleware?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	dbh, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if err := dbh.PingContext(ctx); err != nil {
		return nil, err
	}

	if err := ensureSchema(ctx, dbh, driver); err != nil {
		return nil, err
	}
	return dbh, nil
}

func ensureSchema(ctx context.Context, dbh *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	}
	_, err := dbh.ExecContext(ctx, schema)
	return err
}

// The unique constraints below are load-bearing: concurrent first launches
// for the same context/user/membership must collapse into one row instead of
// racing find-or-create into duplicates.
const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS platform_deployment (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  iss TEXT NOT NULL,
  client_id TEXT NOT NULL,
  deployment_id TEXT NOT NULL,
  oidc_endpoint TEXT NOT NULL,
  jwks_endpoint TEXT,
  oauth2_url TEXT,
  token_aud TEXT,
  client_secret TEXT,
  created_at INTEGER NOT NULL,
  UNIQUE (iss, client_id, deployment_id)
);

CREATE TABLE IF NOT EXISTS lti_context (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  context_key TEXT NOT NULL,
  deployment_id INTEGER NOT NULL REFERENCES platform_deployment(id) ON DELETE CASCADE,
  title TEXT,
  context_memberships_url TEXT,
  lineitems_url TEXT,
  root_outcome_key TEXT,
  lineitems_synced INTEGER NOT NULL DEFAULT 0,
  UNIQUE (context_key, deployment_id)
);

CREATE TABLE IF NOT EXISTS lti_user (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_key TEXT NOT NULL,
  deployment_id INTEGER NOT NULL REFERENCES platform_deployment(id) ON DELETE CASCADE,
  display_name TEXT,
  email TEXT,
  lms_user_id TEXT,
  UNIQUE (user_key, deployment_id)
);

CREATE TABLE IF NOT EXISTS lti_membership (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id INTEGER NOT NULL REFERENCES lti_user(id) ON DELETE CASCADE,
  context_id INTEGER NOT NULL REFERENCES lti_context(id) ON DELETE CASCADE,
  role_rank INTEGER NOT NULL DEFAULT 0,
  UNIQUE (user_id, context_id)
);

CREATE TABLE IF NOT EXISTS tool_link (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  description TEXT,
  max_grade REAL,
  assignment INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS lti_link (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  link_key TEXT NOT NULL,
  context_id INTEGER NOT NULL REFERENCES lti_context(id) ON DELETE CASCADE,
  resource_link_id TEXT,
  title TEXT,
  UNIQUE (link_key, context_id)
);

CREATE TABLE IF NOT EXISTS nonce_state (
  nonce TEXT PRIMARY KEY,
  state_hash TEXT NOT NULL,
  state TEXT NOT NULL,
  storage_target TEXT,
  created_at INTEGER NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS platform_deployment (
  id BIGSERIAL PRIMARY KEY,
  iss TEXT NOT NULL,
  client_id TEXT NOT NULL,
  deployment_id TEXT NOT NULL,
  oidc_endpoint TEXT NOT NULL,
  jwks_endpoint TEXT,
  oauth2_url TEXT,
  token_aud TEXT,
  client_secret TEXT,
  created_at BIGINT NOT NULL,
  UNIQUE (iss, client_id, deployment_id)
);

CREATE TABLE IF NOT EXISTS lti_context (
  id BIGSERIAL PRIMARY KEY,
  context_key TEXT NOT NULL,
  deployment_id BIGINT NOT NULL REFERENCES platform_deployment(id) ON DELETE CASCADE,
  title TEXT,
  context_memberships_url TEXT,
  lineitems_url TEXT,
  root_outcome_key TEXT,
  lineitems_synced INTEGER NOT NULL DEFAULT 0,
  UNIQUE (context_key, deployment_id)
);

CREATE TABLE IF NOT EXISTS lti_user (
  id BIGSERIAL PRIMARY KEY,
  user_key TEXT NOT NULL,
  deployment_id BIGINT NOT NULL REFERENCES platform_deployment(id) ON DELETE CASCADE,
  display_name TEXT,
  email TEXT,
  lms_user_id TEXT,
  UNIQUE (user_key, deployment_id)
);

CREATE TABLE IF NOT EXISTS lti_membership (
  id BIGSERIAL PRIMARY KEY,
  user_id BIGINT NOT NULL REFERENCES lti_user(id) ON DELETE CASCADE,
  context_id BIGINT NOT NULL REFERENCES lti_context(id) ON DELETE CASCADE,
  role_rank INTEGER NOT NULL DEFAULT 0,
  UNIQUE (user_id, context_id)
);

CREATE TABLE IF NOT EXISTS tool_link (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  description TEXT,
  max_grade DOUBLE PRECISION,
  assignment INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS lti_link (
  id BIGSERIAL PRIMARY KEY,
  link_key TEXT NOT NULL,
  context_id BIGINT NOT NULL REFERENCES lti_context(id) ON DELETE CASCADE,
  resource_link_id TEXT,
  title TEXT,
  UNIQUE (link_key, context_id)
);

CREATE TABLE IF NOT EXISTS nonce_state (
  nonce TEXT PRIMARY KEY,
  state_hash TEXT NOT NULL,
  state TEXT NOT NULL,
  storage_target TEXT,
  created_at BIGINT NOT NULL
);
`
