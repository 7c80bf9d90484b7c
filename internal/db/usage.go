package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/models"
)

func (db *DB) LogUsage(ctx context.Context, rec *models.UsageRecord) error {
	query := `
        INSERT INTO usage_logs (tenant_id, endpoint, category, input_tokens, output_tokens, tokens_used,
                                cost_usd, status_code, latency_ms, metadata)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
    `

	var metadata []byte
	if len(rec.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(rec.Metadata); err != nil {
			return err
		}
	}

	_, err := db.Pool.Exec(ctx, query,
		rec.TenantID,
		rec.Endpoint,
		rec.Category,
		rec.InputTokens,
		rec.OutputTokens,
		rec.TokensUsed,
		rec.CostUSD,
		rec.StatusCode,
		rec.LatencyMs,
		metadata,
	)
	return err
}

// SumTokensSince totals tokens_used for a tenant's category since t.
func (db *DB) SumTokensSince(ctx context.Context, tenantID int64, category string, since time.Time) (int64, error) {
	query := `
        SELECT COALESCE(SUM(tokens_used), 0)
        FROM usage_logs
        WHERE tenant_id = $1 AND category = $2 AND created_at >= $3
    `

	var total int64
	err := db.Pool.QueryRow(ctx, query, tenantID, category, since).Scan(&total)
	return total, err
}

func (db *DB) CountUsageSince(ctx context.Context, tenantID int64, category string, since time.Time) (int64, error) {
	query := `
        SELECT COUNT(*)
        FROM usage_logs
        WHERE tenant_id = $1 AND category = $2 AND created_at >= $3
    `

	var count int64
	err := db.Pool.QueryRow(ctx, query, tenantID, category, since).Scan(&count)
	return count, err
}

func (db *DB) GetTenantAnalytics(ctx context.Context, tenantID int64, from, to time.Time) (*models.UsageSummary, error) {
	query := `
        SELECT
            COUNT(*) FILTER (WHERE category = 'request'),
            COUNT(*) FILTER (WHERE category = 'request' AND status_code >= 400),
            COUNT(*) FILTER (WHERE category = 'ai'),
            COALESCE(SUM(tokens_used) FILTER (WHERE category = 'ai'), 0),
            COALESCE(SUM(cost_usd), 0),
            COUNT(*) FILTER (WHERE category = 'performance-test'),
            COALESCE(AVG(latency_ms) FILTER (WHERE category = 'request'), 0)
        FROM usage_logs
        WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
    `

	summary := &models.UsageSummary{TenantID: tenantID}
	err := db.Pool.QueryRow(ctx, query, tenantID, from, to).Scan(
		&summary.TotalRequests,
		&summary.ErrorCount,
		&summary.AICalls,
		&summary.TokensUsed,
		&summary.CostUSD,
		&summary.PerfTests,
		&summary.AvgLatencyMs,
	)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// PurgeUsageBefore deletes usage rows older than cutoff.
func (db *DB) PurgeUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM usage_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
