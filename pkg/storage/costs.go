package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/model"
)

const costInsertColumns = `project_id, provider, line_item, amount, currency, bucket_start, bucket_end, api_version, organization_id, provider_project_id`

const usageInsertColumns = `project_id, provider, model, bucket_start, bucket_end, api_version,
	input_tokens, cached_input_tokens, output_tokens, input_audio_tokens, output_audio_tokens, input_image_tokens,
	requests, organization_id, provider_project_id`

func (s *Store) InsertCostRecords(ctx context.Context, records []model.CostRecord) (int, error) {
	const cols = 10
	inserted := 0
	for start := 0; start < len(records); start += s.batchSize {
		batch := records[start:min(start+s.batchSize, len(records))]

		args := make([]any, 0, len(batch)*cols)
		for _, r := range batch {
			currency := r.Currency
			if currency == "" {
				currency = "usd"
			}
			args = append(args, r.ProjectID, r.Provider, r.LineItem, r.Amount, currency,
				r.BucketStart.Unix(), r.BucketEnd.Unix(), r.APIVersion, r.OrganizationID, r.ProviderProjectID)
		}

		query := `INSERT INTO cost_records (` + costInsertColumns + `) VALUES ` + placeholders(len(batch), cols) +
			` ON CONFLICT (project_id, bucket_start, bucket_end, line_item, api_version) DO NOTHING`
		n, err := s.insertBatch(ctx, query, args)
		if err != nil {
			return inserted, fmt.Errorf("insert cost records: %w", err)
		}
		inserted += n
	}
	return inserted, nil
}

func (s *Store) InsertTokenUsage(ctx context.Context, records []model.TokenUsageRecord) (int, error) {
	const cols = 15
	inserted := 0
	for start := 0; start < len(records); start += s.batchSize {
		batch := records[start:min(start+s.batchSize, len(records))]

		args := make([]any, 0, len(batch)*cols)
		for _, r := range batch {
			args = append(args, r.ProjectID, r.Provider, r.Model, r.BucketStart.Unix(), r.BucketEnd.Unix(), r.APIVersion,
				r.InputTokens, r.CachedInputTokens, r.OutputTokens, r.InputAudioTokens, r.OutputAudioTokens, r.InputImageTokens,
				r.Requests, r.OrganizationID, r.ProviderProjectID)
		}

		query := `INSERT INTO token_usage_records (` + usageInsertColumns + `) VALUES ` + placeholders(len(batch), cols) +
			` ON CONFLICT (project_id, bucket_start, bucket_end, model, api_version) DO NOTHING`
		n, err := s.insertBatch(ctx, query, args)
		if err != nil {
			return inserted, fmt.Errorf("insert token usage: %w", err)
		}
		inserted += n
	}
	return inserted, nil
}

func (s *Store) insertBatch(ctx context.Context, query string, args []any) (int, error) {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

func (s *Store) SumCost(ctx context.Context, projectID string, start, end time.Time) (float64, error) {
	var total float64
	// Midpoints are compared doubled to stay in integer seconds.
	err := s.queryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM cost_records WHERE project_id = ? AND bucket_start + bucket_end >= ? AND bucket_start + bucket_end < ?`,
		projectID, 2*start.Unix(), 2*end.Unix(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum cost: %w", err)
	}
	return total, nil
}

func (s *Store) QueryCosts(ctx context.Context, filter model.CostFilter) ([]model.CostRecord, error) {
	query := "SELECT " + costInsertColumns + " FROM cost_records"
	where, args := buildWhereClause(filter, "line_item")
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY bucket_start DESC, project_id, line_item"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query costs: %w", err)
	}
	defer rows.Close()

	var records []model.CostRecord
	for rows.Next() {
		var r model.CostRecord
		var bs, be int64
		if err := rows.Scan(&r.ProjectID, &r.Provider, &r.LineItem, &r.Amount, &r.Currency,
			&bs, &be, &r.APIVersion, &r.OrganizationID, &r.ProviderProjectID); err != nil {
			return nil, fmt.Errorf("scan cost row: %w", err)
		}
		r.BucketStart, r.BucketEnd = fromUnix(bs), fromUnix(be)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *Store) QueryUsage(ctx context.Context, filter model.CostFilter) ([]model.TokenUsageRecord, error) {
	query := "SELECT " + usageInsertColumns + " FROM token_usage_records"
	where, args := buildWhereClause(filter, "model")
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY bucket_start DESC, project_id, model"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []model.TokenUsageRecord
	for rows.Next() {
		var r model.TokenUsageRecord
		var bs, be int64
		if err := rows.Scan(&r.ProjectID, &r.Provider, &r.Model, &bs, &be, &r.APIVersion,
			&r.InputTokens, &r.CachedInputTokens, &r.OutputTokens, &r.InputAudioTokens, &r.OutputAudioTokens,
			&r.InputImageTokens, &r.Requests, &r.OrganizationID, &r.ProviderProjectID); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		r.BucketStart, r.BucketEnd = fromUnix(bs), fromUnix(be)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *Store) AggregateCosts(ctx context.Context, filter model.CostFilter) (*model.CostSummary, error) {
	query := `SELECT COALESCE(SUM(amount), 0), COUNT(*) FROM cost_records`
	where, args := buildWhereClause(filter, "line_item")
	if where != "" {
		query += " WHERE " + where
	}

	summary := &model.CostSummary{}
	if err := s.queryRow(ctx, query, args...).Scan(&summary.TotalCost, &summary.RecordCount); err != nil {
		return nil, fmt.Errorf("aggregate costs: %w", err)
	}

	var err error
	summary.ByProject, err = s.aggregateByField(ctx, "project_id", where, args)
	if err != nil {
		return nil, err
	}
	summary.ByLineItem, err = s.aggregateByField(ctx, "line_item", where, args)
	if err != nil {
		return nil, err
	}

	usageWhere, usageArgs := buildWhereClause(model.CostFilter{
		TenantID:  filter.TenantID,
		ProjectID: filter.ProjectID,
		Provider:  filter.Provider,
		StartTime: filter.StartTime,
		EndTime:   filter.EndTime,
	}, "model")
	usageQuery := `SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0) FROM token_usage_records`
	if usageWhere != "" {
		usageQuery += " WHERE " + usageWhere
	}
	if err := s.queryRow(ctx, usageQuery, usageArgs...).Scan(&summary.InputTokens, &summary.OutputTokens); err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}

	return summary, nil
}

func (s *Store) aggregateByField(ctx context.Context, field, where string, args []any) (map[string]float64, error) {
	query := fmt.Sprintf("SELECT %s, COALESCE(SUM(amount), 0) FROM cost_records", field)
	if where != "" {
		query += " WHERE " + where
	}
	query += fmt.Sprintf(" GROUP BY %s", field)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate by %s: %w", field, err)
	}
	defer rows.Close()

	result := make(map[string]float64)
	for rows.Next() {
		var name string
		var total float64
		if err := rows.Scan(&name, &total); err != nil {
			return nil, fmt.Errorf("scan %s aggregate: %w", field, err)
		}
		result[name] = total
	}
	return result, rows.Err()
}

// buildWhereClause constructs a SQL WHERE clause from a CostFilter.
// itemColumn is the column LineItem filters on.
func buildWhereClause(filter model.CostFilter, itemColumn string) (string, []any) {
	var conditions []string
	var args []any

	if filter.TenantID != "" {
		conditions = append(conditions, "project_id IN (SELECT id FROM projects WHERE tenant_id = ?)")
		args = append(args, filter.TenantID)
	}
	if filter.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Provider != "" {
		conditions = append(conditions, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.LineItem != "" {
		conditions = append(conditions, itemColumn+" = ?")
		args = append(args, filter.LineItem)
	}
	if !filter.StartTime.IsZero() {
		conditions = append(conditions, "bucket_start >= ?")
		args = append(args, filter.StartTime.Unix())
	}
	if !filter.EndTime.IsZero() {
		conditions = append(conditions, "bucket_start < ?")
		args = append(args, filter.EndTime.Unix())
	}

	return strings.Join(conditions, " AND "), args
}
