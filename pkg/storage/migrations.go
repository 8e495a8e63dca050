package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Each migration is a list of statements applied in one transaction.
// Timestamps are stored as unix seconds so both dialects compare them the same way.
var sqliteMigrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS tenants (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL UNIQUE,
			timezone   TEXT NOT NULL DEFAULT 'UTC',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS organization_credentials (
			id               TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL REFERENCES tenants(id),
			provider         TEXT NOT NULL,
			organization_id  TEXT NOT NULL,
			label            TEXT NOT NULL DEFAULT '',
			ciphertext       BLOB NOT NULL,
			wrapped_data_key BLOB NOT NULL,
			iv               BLOB NOT NULL,
			is_active        INTEGER NOT NULL DEFAULT 1,
			created_at       INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_tenant ON organization_credentials(tenant_id, provider)`,
		`CREATE TABLE IF NOT EXISTS teams (
			id          TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL REFERENCES tenants(id),
			name        TEXT NOT NULL,
			webhook_url TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS team_members (
			team_id TEXT NOT NULL REFERENCES teams(id),
			name    TEXT NOT NULL DEFAULT '',
			email   TEXT NOT NULL,
			PRIMARY KEY (team_id, email)
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id                  TEXT PRIMARY KEY,
			tenant_id           TEXT NOT NULL REFERENCES tenants(id),
			team_id             TEXT NOT NULL DEFAULT '',
			name                TEXT NOT NULL,
			provider            TEXT NOT NULL,
			organization_id     TEXT NOT NULL,
			provider_project_id TEXT,
			created_at          INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_projects_org ON projects(tenant_id, provider, organization_id)`,
		`CREATE TABLE IF NOT EXISTS cost_records (
			project_id          TEXT NOT NULL,
			provider            TEXT NOT NULL,
			line_item           TEXT NOT NULL,
			amount              REAL NOT NULL,
			currency            TEXT NOT NULL DEFAULT 'usd',
			bucket_start        INTEGER NOT NULL,
			bucket_end          INTEGER NOT NULL,
			api_version         TEXT NOT NULL,
			organization_id     TEXT NOT NULL DEFAULT '',
			provider_project_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (project_id, bucket_start, bucket_end, line_item, api_version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_bucket ON cost_records(bucket_start)`,
		`CREATE TABLE IF NOT EXISTS token_usage_records (
			project_id          TEXT NOT NULL,
			provider            TEXT NOT NULL,
			model               TEXT NOT NULL,
			bucket_start        INTEGER NOT NULL,
			bucket_end          INTEGER NOT NULL,
			api_version         TEXT NOT NULL,
			input_tokens        INTEGER NOT NULL DEFAULT 0,
			cached_input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens       INTEGER NOT NULL DEFAULT 0,
			input_audio_tokens  INTEGER NOT NULL DEFAULT 0,
			output_audio_tokens INTEGER NOT NULL DEFAULT 0,
			input_image_tokens  INTEGER NOT NULL DEFAULT 0,
			requests            INTEGER NOT NULL DEFAULT 0,
			organization_id     TEXT NOT NULL DEFAULT '',
			provider_project_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (project_id, bucket_start, bucket_end, model, api_version)
		)`,
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id            TEXT PRIMARY KEY,
			project_id    TEXT NOT NULL REFERENCES projects(id),
			window_kind   TEXT NOT NULL CHECK(window_kind IN ('daily', 'weekly')),
			limit_value   REAL NOT NULL CHECK(limit_value > 0),
			last_fired_at INTEGER,
			created_at    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cron_executions (
			job_name   TEXT NOT NULL,
			date       TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (job_name, date)
		)`,
	},
}

var postgresMigrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS tenants (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL UNIQUE,
			timezone   TEXT NOT NULL DEFAULT 'UTC',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS organization_credentials (
			id               TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL REFERENCES tenants(id),
			provider         TEXT NOT NULL,
			organization_id  TEXT NOT NULL,
			label            TEXT NOT NULL DEFAULT '',
			ciphertext       BYTEA NOT NULL,
			wrapped_data_key BYTEA NOT NULL,
			iv               BYTEA NOT NULL,
			is_active        BOOLEAN NOT NULL DEFAULT TRUE,
			created_at       BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_tenant ON organization_credentials(tenant_id, provider)`,
		`CREATE TABLE IF NOT EXISTS teams (
			id          TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL REFERENCES tenants(id),
			name        TEXT NOT NULL,
			webhook_url TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS team_members (
			team_id TEXT NOT NULL REFERENCES teams(id),
			name    TEXT NOT NULL DEFAULT '',
			email   TEXT NOT NULL,
			PRIMARY KEY (team_id, email)
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id                  TEXT PRIMARY KEY,
			tenant_id           TEXT NOT NULL REFERENCES tenants(id),
			team_id             TEXT NOT NULL DEFAULT '',
			name                TEXT NOT NULL,
			provider            TEXT NOT NULL,
			organization_id     TEXT NOT NULL,
			provider_project_id TEXT,
			created_at          BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_projects_org ON projects(tenant_id, provider, organization_id)`,
		`CREATE TABLE IF NOT EXISTS cost_records (
			project_id          TEXT NOT NULL,
			provider            TEXT NOT NULL,
			line_item           TEXT NOT NULL,
			amount              DOUBLE PRECISION NOT NULL,
			currency            TEXT NOT NULL DEFAULT 'usd',
			bucket_start        BIGINT NOT NULL,
			bucket_end          BIGINT NOT NULL,
			api_version         TEXT NOT NULL,
			organization_id     TEXT NOT NULL DEFAULT '',
			provider_project_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (project_id, bucket_start, bucket_end, line_item, api_version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_bucket ON cost_records(bucket_start)`,
		`CREATE TABLE IF NOT EXISTS token_usage_records (
			project_id          TEXT NOT NULL,
			provider            TEXT NOT NULL,
			model               TEXT NOT NULL,
			bucket_start        BIGINT NOT NULL,
			bucket_end          BIGINT NOT NULL,
			api_version         TEXT NOT NULL,
			input_tokens        BIGINT NOT NULL DEFAULT 0,
			cached_input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens       BIGINT NOT NULL DEFAULT 0,
			input_audio_tokens  BIGINT NOT NULL DEFAULT 0,
			output_audio_tokens BIGINT NOT NULL DEFAULT 0,
			input_image_tokens  BIGINT NOT NULL DEFAULT 0,
			requests            BIGINT NOT NULL DEFAULT 0,
			organization_id     TEXT NOT NULL DEFAULT '',
			provider_project_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (project_id, bucket_start, bucket_end, model, api_version)
		)`,
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id            TEXT PRIMARY KEY,
			project_id    TEXT NOT NULL REFERENCES projects(id),
			window_kind   TEXT NOT NULL CHECK(window_kind IN ('daily', 'weekly')),
			limit_value   DOUBLE PRECISION NOT NULL CHECK(limit_value > 0),
			last_fired_at BIGINT,
			created_at    BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cron_executions (
			job_name   TEXT NOT NULL,
			date       TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (job_name, date)
		)`,
	},
}

// runMigrations applies pending schema migrations.
func runMigrations(ctx context.Context, db *sql.DB, d Dialect) error {
	migrations := sqliteMigrations
	if d == DialectPostgres {
		migrations = postgresMigrations
	}

	// Ensure migration tracking table exists
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	var currentVersion int
	row := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("check migration version: %w", err)
	}

	for i := currentVersion; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}

		for _, stmt := range migrations[i] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("run migration %d: %w", i+1, err)
			}
		}

		if _, err := tx.ExecContext(ctx, d.rebind("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"),
			i+1, nowUnix()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}

	return nil
}
