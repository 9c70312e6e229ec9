package db

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/HanTheDev/legal-research-gateway/internal/models"
)

func (db *DB) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.NewString()
	}
	query := `
        INSERT INTO tenants (id, name, api_key)
        VALUES ($1, $2, $3)
        RETURNING created_at, updated_at
    `

	return db.Pool.QueryRow(ctx, query, tenant.ID, tenant.Name, tenant.APIKey).
		Scan(&tenant.CreatedAt, &tenant.UpdatedAt)
}

func (db *DB) GetTenantByAPIKey(ctx context.Context, apiKey string) (*models.Tenant, error) {
	query := `
        SELECT id, name, api_key, created_at, updated_at
        FROM tenants
        WHERE api_key = $1
    `

	var tenant models.Tenant
	err := db.Pool.QueryRow(ctx, query, apiKey).Scan(
		&tenant.ID,
		&tenant.Name,
		&tenant.APIKey,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	return &tenant, nil
}

func (db *DB) RotateAPIKey(ctx context.Context, tenantID, apiKey string) error {
	query := `UPDATE tenants SET api_key = $2, updated_at = NOW() WHERE id = $1`

	tag, err := db.Pool.Exec(ctx, query, tenantID, apiKey)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) LogQuery(ctx context.Context, log *models.QueryLog) error {
	query := `
        INSERT INTO query_log (id, tenant_id, user_id, case_scope, mode, latency_ms, from_cache,
                               actual_cost, quality_overall, quality_grade, counsel_ready, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
    `

	_, err := db.Pool.Exec(ctx, query,
		log.ID,
		log.TenantID,
		log.UserID,
		log.CaseScope,
		string(log.Mode),
		log.LatencyMs,
		log.FromCache,
		log.ActualCost,
		log.QualityOverall,
		log.QualityGrade,
		log.CounselReady,
		log.CreatedAt,
	)

	return err
}

// GetTenantAnalytics aggregates the query log of a tenant over [from, to).
func (db *DB) GetTenantAnalytics(ctx context.Context, tenantID string, from, to time.Time) (*models.TenantAnalytics, error) {
	query := `
        SELECT COUNT(*),
               COUNT(*) FILTER (WHERE mode = 'FAST'),
               COUNT(*) FILTER (WHERE mode = 'THOROUGH'),
               COUNT(*) FILTER (WHERE from_cache),
               COALESCE(SUM(actual_cost), 0),
               COALESCE(AVG(latency_ms), 0),
               COALESCE(AVG(quality_overall), 0),
               COUNT(*) FILTER (WHERE counsel_ready)
        FROM query_log
        WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
    `

	stats := models.TenantAnalytics{TenantID: tenantID}
	err := db.Pool.QueryRow(ctx, query, tenantID, from, to).Scan(
		&stats.TotalQueries,
		&stats.FastQueries,
		&stats.ThoroughQueries,
		&stats.CacheHits,
		&stats.TotalCost,
		&stats.AvgLatencyMs,
		&stats.AvgQuality,
		&stats.CounselReady,
	)
	if err != nil {
		return nil, err
	}

	return &stats, nil
}
