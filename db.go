package main

import "time"

const dbTimeout = 5 * time.Second

// createSchema bootstraps every table the portal uses. All statements are
// idempotent so startup is safe against an existing database.
func createSchema() error {
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS users (
  id            BIGSERIAL PRIMARY KEY,
  name          TEXT UNIQUE NOT NULL,
  email         TEXT UNIQUE,
  password_hash TEXT,
  display_name  TEXT,
  age           BIGINT,
  sex           TEXT,
  external_id   TEXT,
  locale        TEXT,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return err
	}

	if _, err := db.Exec(`
CREATE INDEX IF NOT EXISTS idx_users_email       ON users (email);
CREATE INDEX IF NOT EXISTS idx_users_external_id ON users (external_id);
`); err != nil {
		return err
	}

	// Role/permission graph. Read-only for this service: it aggregates
	// assignments into lookup maps but never edits them.
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS roles (
  id         BIGSERIAL PRIMARY KEY,
  name       TEXT UNIQUE NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS permissions (
  id         BIGSERIAL PRIMARY KEY,
  name       TEXT UNIQUE NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS role_permissions (
  role_id       BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
  permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
  PRIMARY KEY (role_id, permission_id)
);
CREATE TABLE IF NOT EXISTS user_roles (
  user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
  PRIMARY KEY (user_id, role_id)
);
`); err != nil {
		return err
	}

	// Server-side session mirror, one row per (session, key).
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS session_state (
  session_id TEXT  NOT NULL,
  key        TEXT  NOT NULL,
  value      JSONB NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (session_id, key)
);
CREATE INDEX IF NOT EXISTS idx_session_state_updated ON session_state (updated_at);
`); err != nil {
		return err
	}

	// Logout blacklist; rows expire with the tokens they revoke.
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS revoked_tokens (
  token_id   TEXT PRIMARY KEY,
  expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_revoked_tokens_expiry ON revoked_tokens (expires_at);
`); err != nil {
		return err
	}

	return nil
}
