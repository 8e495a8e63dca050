package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/model"
)

// Store implements Storage on database/sql for SQLite and PostgreSQL.
type Store struct {
	db        *sql.DB
	dialect   Dialect
	batchSize int
}

// Open connects to the configured backend and applies migrations.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch Dialect(driver) {
	case DialectSQLite, "":
		return NewSQLite(dsn)
	case DialectPostgres:
		return NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

// NewSQLite opens or creates an SQLite database at the given path.
func NewSQLite(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; concurrent batches queue on the pool instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := runMigrations(context.Background(), db, DialectSQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, dialect: DialectSQLite, batchSize: DefaultBatchSize}, nil
}

// NewPostgres connects through the pgx stdlib driver and applies migrations.
func NewPostgres(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := runMigrations(ctx, db, DialectPostgres); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return NewPostgresDB(db), nil
}

// NewPostgresDB wraps an existing PostgreSQL handle without running migrations.
func NewPostgresDB(db *sql.DB) *Store {
	return &Store{db: db, dialect: DialectPostgres, batchSize: DefaultBatchSize}
}

// WithBatchSize overrides the multi-row insert batch size.
func (s *Store) WithBatchSize(n int) *Store {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// Dialect reports the backend in use.
func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// Tenants

func (s *Store) CreateTenant(ctx context.Context, t *model.Tenant) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Timezone == "" {
		t.Timezone = "UTC"
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx,
		`INSERT INTO tenants (id, name, timezone, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.Name, t.Timezone, t.CreatedAt.Unix(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("tenant %q: %w", t.Name, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	var t model.Tenant
	var created int64
	err := s.queryRow(ctx, `SELECT id, name, timezone, created_at FROM tenants WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.Timezone, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	t.CreatedAt = fromUnix(created)
	return &t, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	rows, err := s.query(ctx, `SELECT id, name, timezone, created_at FROM tenants ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []model.Tenant
	for rows.Next() {
		var t model.Tenant
		var created int64
		if err := rows.Scan(&t.ID, &t.Name, &t.Timezone, &created); err != nil {
			return nil, fmt.Errorf("scan tenant row: %w", err)
		}
		t.CreatedAt = fromUnix(created)
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// Credentials

const credentialColumns = `id, tenant_id, provider, organization_id, label, ciphertext, wrapped_data_key, iv, is_active, created_at`

func (s *Store) CreateCredential(ctx context.Context, c *model.OrganizationCredential) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx,
		`INSERT INTO organization_credentials (`+credentialColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Provider, c.OrganizationID, c.Label,
		c.Ciphertext, c.WrappedDataKey, c.IV, c.IsActive, c.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, id string) (*model.OrganizationCredential, error) {
	c, err := scanCredential(s.queryRow(ctx, `SELECT `+credentialColumns+` FROM organization_credentials WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

func (s *Store) ListCredentials(ctx context.Context, tenantID, provider string, activeOnly bool) ([]model.OrganizationCredential, error) {
	var conditions []string
	var args []any
	if tenantID != "" {
		conditions = append(conditions, "tenant_id = ?")
		args = append(args, tenantID)
	}
	if provider != "" {
		conditions = append(conditions, "provider = ?")
		args = append(args, provider)
	}
	if activeOnly {
		conditions = append(conditions, "is_active = ?")
		args = append(args, true)
	}

	query := `SELECT ` + credentialColumns + ` FROM organization_credentials`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []model.OrganizationCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		creds = append(creds, *c)
	}
	return creds, rows.Err()
}

func (s *Store) CredentialActive(ctx context.Context, id string) (bool, error) {
	var active bool
	err := s.queryRow(ctx, `SELECT is_active FROM organization_credentials WHERE id = ?`, id).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("credential %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("check credential: %w", err)
	}
	return active, nil
}

func (s *Store) SetCredentialActive(ctx context.Context, id string, active bool) error {
	res, err := s.exec(ctx, `UPDATE organization_credentials SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	return requireAffected(res, "credential", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(r rowScanner) (*model.OrganizationCredential, error) {
	var c model.OrganizationCredential
	var created int64
	if err := r.Scan(&c.ID, &c.TenantID, &c.Provider, &c.OrganizationID, &c.Label,
		&c.Ciphertext, &c.WrappedDataKey, &c.IV, &c.IsActive, &created); err != nil {
		return nil, err
	}
	c.CreatedAt = fromUnix(created)
	return &c, nil
}

// Projects

const projectColumns = `id, tenant_id, team_id, name, provider, organization_id, provider_project_id, created_at`

func (s *Store) CreateProject(ctx context.Context, p *model.Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	var ppid sql.NullString
	if p.ProviderProjectID != nil {
		ppid = sql.NullString{String: *p.ProviderProjectID, Valid: true}
	}
	_, err := s.exec(ctx,
		`INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.TeamID, p.Name, p.Provider, p.OrganizationID, ppid, p.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*model.Project, error) {
	p, err := scanProject(s.queryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context, tenantID string) ([]model.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	var args []any
	if tenantID != "" {
		query += " WHERE tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " ORDER BY name"
	return s.listProjects(ctx, query, args...)
}

func (s *Store) ProjectsForOrganization(ctx context.Context, tenantID, provider, organizationID string) ([]model.Project, error) {
	return s.listProjects(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE tenant_id = ? AND provider = ? AND organization_id = ? ORDER BY name`,
		tenantID, provider, organizationID)
}

func (s *Store) listProjects(ctx context.Context, query string, args ...any) ([]model.Project, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

func scanProject(r rowScanner) (*model.Project, error) {
	var p model.Project
	var ppid sql.NullString
	var created int64
	if err := r.Scan(&p.ID, &p.TenantID, &p.TeamID, &p.Name, &p.Provider, &p.OrganizationID, &ppid, &created); err != nil {
		return nil, err
	}
	if ppid.Valid {
		p.ProviderProjectID = &ppid.String
	}
	p.CreatedAt = fromUnix(created)
	return &p, nil
}

// Teams

func (s *Store) CreateTeam(ctx context.Context, t *model.Team) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	_, err := s.exec(ctx, `INSERT INTO teams (id, tenant_id, name, webhook_url) VALUES (?, ?, ?, ?)`,
		t.ID, t.TenantID, t.Name, t.WebhookURL)
	if err != nil {
		return fmt.Errorf("insert team: %w", err)
	}
	for _, m := range t.Members {
		m.TeamID = t.ID
		if err := s.AddTeamMember(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetTeam(ctx context.Context, id string) (*model.Team, error) {
	var t model.Team
	err := s.queryRow(ctx, `SELECT id, tenant_id, name, webhook_url FROM teams WHERE id = ?`, id).
		Scan(&t.ID, &t.TenantID, &t.Name, &t.WebhookURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("team %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get team: %w", err)
	}

	rows, err := s.query(ctx, `SELECT team_id, name, email FROM team_members WHERE team_id = ? ORDER BY email`, id)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m model.TeamMember
		if err := rows.Scan(&m.TeamID, &m.Name, &m.Email); err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		t.Members = append(t.Members, m)
	}
	return &t, rows.Err()
}

func (s *Store) ListTeams(ctx context.Context, tenantID string) ([]model.Team, error) {
	query := `SELECT id, tenant_id, name, webhook_url FROM teams`
	var args []any
	if tenantID != "" {
		query += " WHERE tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " ORDER BY name"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var teams []model.Team
	for rows.Next() {
		var t model.Team
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Name, &t.WebhookURL); err != nil {
			return nil, fmt.Errorf("scan team row: %w", err)
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

func (s *Store) AddTeamMember(ctx context.Context, m model.TeamMember) error {
	_, err := s.exec(ctx, `INSERT INTO team_members (team_id, name, email) VALUES (?, ?, ?)`, m.TeamID, m.Name, m.Email)
	if isUniqueViolation(err) {
		return fmt.Errorf("member %q: %w", m.Email, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert team member: %w", err)
	}
	return nil
}

// Alert rules

func (s *Store) CreateRule(ctx context.Context, r *model.AlertRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx,
		`INSERT INTO alert_rules (id, project_id, window_kind, limit_value, last_fired_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProjectID, string(r.Window), r.LimitValue, nullUnix(r.LastFiredAt), r.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert alert rule: %w", err)
	}
	return nil
}

func (s *Store) ListRules(ctx context.Context) ([]model.AlertRule, error) {
	rows, err := s.query(ctx,
		`SELECT id, project_id, window_kind, limit_value, last_fired_at, created_at FROM alert_rules ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	defer rows.Close()

	var rules []model.AlertRule
	for rows.Next() {
		var r model.AlertRule
		var window string
		var fired sql.NullInt64
		var created int64
		if err := rows.Scan(&r.ID, &r.ProjectID, &window, &r.LimitValue, &fired, &created); err != nil {
			return nil, fmt.Errorf("scan alert rule: %w", err)
		}
		r.Window = model.WindowKind(window)
		if fired.Valid {
			t := fromUnix(fired.Int64)
			r.LastFiredAt = &t
		}
		r.CreatedAt = fromUnix(created)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete alert rule: %w", err)
	}
	return requireAffected(res, "alert rule", id)
}

func (s *Store) MarkRuleFired(ctx context.Context, id string, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE alert_rules SET last_fired_at = ? WHERE id = ?`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("mark rule fired: %w", err)
	}
	return requireAffected(res, "alert rule", id)
}

// Cron executions

func (s *Store) RecordCronExecution(ctx context.Context, job, date string) (bool, error) {
	_, err := s.exec(ctx, `INSERT INTO cron_executions (job_name, date, created_at) VALUES (?, ?, ?)`,
		job, date, nowUnix())
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record cron execution: %w", err)
	}
	return true, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func requireAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", kind, id, model.ErrNotFound)
	}
	return nil
}

func fromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func nowUnix() int64 {
	return time.Now().Unix()
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
