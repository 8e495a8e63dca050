package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/model"
)

// ErrConflict is returned when a create collides with an existing row.
var ErrConflict = errors.New("already exists")

// DefaultBatchSize is the number of rows sent per multi-row insert.
const DefaultBatchSize = 500

// Storage defines the persistence layer for tenants, credentials, projects,
// collected cost data and alert state.
type Storage interface {
	CreateTenant(ctx context.Context, t *model.Tenant) error
	GetTenant(ctx context.Context, id string) (*model.Tenant, error)
	ListTenants(ctx context.Context) ([]model.Tenant, error)

	CreateCredential(ctx context.Context, c *model.OrganizationCredential) error
	GetCredential(ctx context.Context, id string) (*model.OrganizationCredential, error)
	// ListCredentials filters by tenant and provider when non-empty.
	ListCredentials(ctx context.Context, tenantID, provider string, activeOnly bool) ([]model.OrganizationCredential, error)
	// CredentialActive reads the current is_active flag.
	CredentialActive(ctx context.Context, id string) (bool, error)
	SetCredentialActive(ctx context.Context, id string, active bool) error

	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjects(ctx context.Context, tenantID string) ([]model.Project, error)
	// ProjectsForOrganization returns projects linked to one provider organization.
	ProjectsForOrganization(ctx context.Context, tenantID, provider, organizationID string) ([]model.Project, error)

	CreateTeam(ctx context.Context, t *model.Team) error
	// GetTeam returns the team with its members.
	GetTeam(ctx context.Context, id string) (*model.Team, error)
	ListTeams(ctx context.Context, tenantID string) ([]model.Team, error)
	AddTeamMember(ctx context.Context, m model.TeamMember) error

	CreateRule(ctx context.Context, r *model.AlertRule) error
	ListRules(ctx context.Context) ([]model.AlertRule, error)
	DeleteRule(ctx context.Context, id string) error
	MarkRuleFired(ctx context.Context, id string, at time.Time) error

	// InsertCostRecords inserts in fixed-size batches, skipping rows whose
	// natural key already exists. It returns the number of rows actually inserted.
	InsertCostRecords(ctx context.Context, records []model.CostRecord) (int, error)
	InsertTokenUsage(ctx context.Context, records []model.TokenUsageRecord) (int, error)
	// SumCost totals a project's cost for buckets whose midpoint is in [start, end).
	SumCost(ctx context.Context, projectID string, start, end time.Time) (float64, error)
	QueryCosts(ctx context.Context, filter model.CostFilter) ([]model.CostRecord, error)
	AggregateCosts(ctx context.Context, filter model.CostFilter) (*model.CostSummary, error)
	QueryUsage(ctx context.Context, filter model.CostFilter) ([]model.TokenUsageRecord, error)

	// RecordCronExecution claims (job, date). It returns false if the pair was already claimed.
	RecordCronExecution(ctx context.Context, job, date string) (bool, error)

	Close() error
}
