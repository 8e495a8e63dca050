package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidLimit is returned when an alert rule limit is zero or negative.
	ErrInvalidLimit = errors.New("alert rule limit must be positive")

	// ErrInvalidWindow is returned for an unknown alert window kind.
	ErrInvalidWindow = errors.New("alert rule window must be daily or weekly")
)

// Tenant owns credentials, projects and teams.
type Tenant struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Timezone  string    `json:"timezone" db:"timezone"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// LoadLocation resolves the tenant's time zone. An empty zone is UTC.
func (t Tenant) LoadLocation() (*time.Location, error) {
	if t.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC, fmt.Errorf("tenant %s time zone: %w", t.ID, err)
	}
	return loc, nil
}

// Location returns the tenant's time zone, falling back to UTC.
func (t Tenant) Location() *time.Location {
	loc, _ := t.LoadLocation()
	return loc
}

// OrganizationCredential is an envelope-encrypted admin key for one provider organization.
// Credentials are disabled, never deleted.
type OrganizationCredential struct {
	ID             string    `json:"id" db:"id"`
	TenantID       string    `json:"tenant_id" db:"tenant_id"`
	Provider       string    `json:"provider" db:"provider"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	Label          string    `json:"label,omitempty" db:"label"`
	Ciphertext     []byte    `json:"-" db:"ciphertext"`
	WrappedDataKey []byte    `json:"-" db:"wrapped_data_key"`
	IV             []byte    `json:"-" db:"iv"`
	IsActive       bool      `json:"is_active" db:"is_active"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Project is an internal project, optionally linked to a provider-side project.
type Project struct {
	ID                string    `json:"id" db:"id"`
	TenantID          string    `json:"tenant_id" db:"tenant_id"`
	TeamID            string    `json:"team_id,omitempty" db:"team_id"`
	Name              string    `json:"name" db:"name"`
	Provider          string    `json:"provider" db:"provider"`
	OrganizationID    string    `json:"organization_id" db:"organization_id"`
	ProviderProjectID *string   `json:"provider_project_id,omitempty" db:"provider_project_id"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// CostRecord is one provider-reported cost line for a project and time bucket.
// (ProjectID, BucketStart, BucketEnd, LineItem, APIVersion) is the dedup key.
type CostRecord struct {
	ProjectID         string    `json:"project_id" db:"project_id"`
	Provider          string    `json:"provider" db:"provider"`
	LineItem          string    `json:"line_item" db:"line_item"`
	Amount            float64   `json:"amount" db:"amount"`
	Currency          string    `json:"currency" db:"currency"`
	BucketStart       time.Time `json:"bucket_start" db:"bucket_start"`
	BucketEnd         time.Time `json:"bucket_end" db:"bucket_end"`
	APIVersion        string    `json:"api_version" db:"api_version"`
	OrganizationID    string    `json:"organization_id" db:"organization_id"`
	ProviderProjectID string    `json:"provider_project_id" db:"provider_project_id"`
}

// Key returns the natural dedup key.
func (r CostRecord) Key() RecordKey {
	return RecordKey{
		ProjectID:   r.ProjectID,
		BucketStart: r.BucketStart.Unix(),
		BucketEnd:   r.BucketEnd.Unix(),
		Item:        r.LineItem,
		APIVersion:  r.APIVersion,
	}
}

// TokenUsageRecord is the token-count sibling of CostRecord.
// (ProjectID, BucketStart, BucketEnd, Model, APIVersion) is the dedup key.
type TokenUsageRecord struct {
	ProjectID         string    `json:"project_id" db:"project_id"`
	Provider          string    `json:"provider" db:"provider"`
	Model             string    `json:"model" db:"model"`
	BucketStart       time.Time `json:"bucket_start" db:"bucket_start"`
	BucketEnd         time.Time `json:"bucket_end" db:"bucket_end"`
	APIVersion        string    `json:"api_version" db:"api_version"`
	InputTokens       int64     `json:"input_tokens" db:"input_tokens"`
	CachedInputTokens int64     `json:"cached_input_tokens" db:"cached_input_tokens"`
	OutputTokens      int64     `json:"output_tokens" db:"output_tokens"`
	InputAudioTokens  int64     `json:"input_audio_tokens" db:"input_audio_tokens"`
	OutputAudioTokens int64     `json:"output_audio_tokens" db:"output_audio_tokens"`
	InputImageTokens  int64     `json:"input_image_tokens" db:"input_image_tokens"`
	Requests          int64     `json:"requests" db:"requests"`
	OrganizationID    string    `json:"organization_id" db:"organization_id"`
	ProviderProjectID string    `json:"provider_project_id" db:"provider_project_id"`
}

// Key returns the natural dedup key.
func (r TokenUsageRecord) Key() RecordKey {
	return RecordKey{
		ProjectID:   r.ProjectID,
		BucketStart: r.BucketStart.Unix(),
		BucketEnd:   r.BucketEnd.Unix(),
		Item:        r.Model,
		APIVersion:  r.APIVersion,
	}
}

// RecordKey identifies a cost or usage record independent of its values.
type RecordKey struct {
	ProjectID   string
	BucketStart int64
	BucketEnd   int64
	Item        string
	APIVersion  string
}

// WindowKind defines the aggregation window of an alert rule.
type WindowKind string

const (
	WindowDaily  WindowKind = "daily"
	WindowWeekly WindowKind = "weekly"
)

// Valid reports whether k is a supported window.
func (k WindowKind) Valid() bool {
	return k == WindowDaily || k == WindowWeekly
}

// AlertRule is a spend limit on one project over a rolling window.
type AlertRule struct {
	ID          string     `json:"id" db:"id"`
	ProjectID   string     `json:"project_id" db:"project_id"`
	Window      WindowKind `json:"window" db:"window_kind"`
	LimitValue  float64    `json:"limit_value" db:"limit_value"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty" db:"last_fired_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// Validate checks the invariants enforced at rule creation.
func (r AlertRule) Validate() error {
	if !r.Window.Valid() {
		return ErrInvalidWindow
	}
	if r.LimitValue <= 0 {
		return ErrInvalidLimit
	}
	return nil
}

// BreachEvent is produced by the monitor and consumed by the fan-out. It is not persisted.
type BreachEvent struct {
	RuleID            string     `json:"rule_id"`
	ProjectID         string     `json:"project_id"`
	ProjectName       string     `json:"project_name"`
	Window            WindowKind `json:"window"`
	CurrentAmount     float64    `json:"current_amount"`
	LimitValue        float64    `json:"limit_value"`
	ExceedancePercent float64    `json:"exceedance_percent"`
	WindowStart       time.Time  `json:"window_start"`
	DetectedAt        time.Time  `json:"detected_at"`
}

// NewBreachEvent builds a breach for amount over limit. limit must be positive.
func NewBreachEvent(rule AlertRule, amount float64, windowStart, now time.Time) BreachEvent {
	return BreachEvent{
		RuleID:            rule.ID,
		ProjectID:         rule.ProjectID,
		Window:            rule.Window,
		CurrentAmount:     amount,
		LimitValue:        rule.LimitValue,
		ExceedancePercent: (amount - rule.LimitValue) / rule.LimitValue * 100,
		WindowStart:       windowStart,
		DetectedAt:        now,
	}
}

// CronExecution marks a once-per-day job as started for a date (YYYY-MM-DD).
type CronExecution struct {
	JobName   string    `json:"job_name" db:"job_name"`
	Date      string    `json:"date" db:"date"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Team is the audience for a project's alerts.
type Team struct {
	ID         string       `json:"id" db:"id"`
	TenantID   string       `json:"tenant_id" db:"tenant_id"`
	Name       string       `json:"name" db:"name"`
	WebhookURL string       `json:"webhook_url,omitempty" db:"webhook_url"`
	Members    []TeamMember `json:"members,omitempty"`
}

// TeamMember receives alert emails.
type TeamMember struct {
	TeamID string `json:"team_id" db:"team_id"`
	Name   string `json:"name" db:"name"`
	Email  string `json:"email" db:"email"`
}

// CostFilter controls which cost records are included in queries and reports.
type CostFilter struct {
	TenantID  string    `json:"tenant_id,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	LineItem  string    `json:"line_item,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

// CostSummary holds aggregated billed cost and token usage.
type CostSummary struct {
	TotalCost          float64            `json:"total_cost"`
	RecordCount        int64              `json:"record_count"`
	ByProject          map[string]float64 `json:"by_project,omitempty"`
	ByLineItem         map[string]float64 `json:"by_line_item,omitempty"`
	InputTokens        int64              `json:"input_tokens"`
	OutputTokens       int64              `json:"output_tokens"`
	EstimatedUsageCost float64            `json:"estimated_usage_cost"`
}

// WindowBounds returns the start of the window containing now, in loc.
// Daily windows start at local midnight, weekly windows at the most recent Monday.
func WindowBounds(kind WindowKind, now time.Time, loc *time.Location) (start, end time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	start = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	if kind == WindowWeekly {
		weekday := int(local.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		start = start.AddDate(0, 0, -(weekday - 1))
	}
	return start, now
}

// BucketWidth is the span of one provider cost bucket.
const BucketWidth = 24 * time.Hour

// SettledAt returns the end of the newest bucket that can be stored at now.
// Providers report whole UTC days and the daily collection only fetches days
// that have closed.
func SettledAt(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// BucketDate returns the tenant-local date a bucket belongs to: the date
// containing the bucket's midpoint.
func BucketDate(bucketStart, bucketEnd time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	mid := bucketStart.Add(bucketEnd.Sub(bucketStart) / 2).In(loc)
	return time.Date(mid.Year(), mid.Month(), mid.Day(), 0, 0, 0, 0, loc)
}

// RuleWindow returns the range an alert rule is evaluated over at now. The
// window is the daily or weekly WindowBounds of the local date holding the
// newest settled bucket, closed at the end of that date. A bucket counts when
// its midpoint falls in [start, end).
func RuleWindow(kind WindowKind, now time.Time, loc *time.Location) (start, end time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	newest := SettledAt(now)
	day := BucketDate(newest.Add(-BucketWidth), newest, loc)
	start, _ = WindowBounds(kind, day, loc)
	return start, day.AddDate(0, 0, 1)
}

// ReportPeriod selects the calendar range of a report.
type ReportPeriod string

const (
	PeriodDaily   ReportPeriod = "daily"
	PeriodWeekly  ReportPeriod = "weekly"
	PeriodMonthly ReportPeriod = "monthly"
)

// PeriodBounds returns the UTC calendar period containing now.
func PeriodBounds(period ReportPeriod, now time.Time) (start, end time.Time) {
	now = now.UTC()
	switch period {
	case PeriodWeekly:
		start, _ = WindowBounds(WindowWeekly, now, time.UTC)
		end = start.AddDate(0, 0, 7)
	case PeriodMonthly:
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
	default:
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 1)
	}
	return start, end
}
