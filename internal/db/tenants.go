package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/models"
	"github.com/jackc/pgx/v5"
)

const tenantColumns = `id, name, key_hash, key_prefix, site_url, active, expires_at, ai_enabled, perf_enabled,
        monthly_token_quota, daily_test_quota, last_seen_at, created_at, updated_at`

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var tenant models.Tenant
	err := row.Scan(
		&tenant.ID,
		&tenant.Name,
		&tenant.KeyHash,
		&tenant.KeyPrefix,
		&tenant.SiteURL,
		&tenant.Active,
		&tenant.ExpiresAt,
		&tenant.AIEnabled,
		&tenant.PerfEnabled,
		&tenant.MonthlyTokenQuota,
		&tenant.DailyTestQuota,
		&tenant.LastSeenAt,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

// FindTenantsByKeyPrefix returns the active tenants whose key shares prefix.
func (db *DB) FindTenantsByKeyPrefix(ctx context.Context, prefix string) ([]*models.Tenant, error) {
	query := `
        SELECT ` + tenantColumns + `
        FROM tenants
        WHERE key_prefix = $1 AND active
    `

	rows, err := db.Pool.Query(ctx, query, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []*models.Tenant
	for rows.Next() {
		tenant, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}

func (db *DB) TouchTenant(ctx context.Context, id int64, at time.Time) error {
	_, err := db.Pool.Exec(ctx, `UPDATE tenants SET last_seen_at = $2 WHERE id = $1`, id, at)
	return err
}

func (db *DB) GetTenantByID(ctx context.Context, id int64) (*models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`

	tenant, err := scanTenant(db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err)
	}
	return tenant, nil
}

func (db *DB) ListTenants(ctx context.Context) ([]*models.Tenant, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tenants := []*models.Tenant{}
	for rows.Next() {
		tenant, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}

func (db *DB) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	query := `
        INSERT INTO tenants (name, key_hash, key_prefix, site_url, active, expires_at, ai_enabled, perf_enabled,
                             monthly_token_quota, daily_test_quota)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        RETURNING id, created_at, updated_at
    `

	return db.Pool.QueryRow(ctx, query,
		tenant.Name,
		tenant.KeyHash,
		tenant.KeyPrefix,
		tenant.SiteURL,
		tenant.Active,
		tenant.ExpiresAt,
		tenant.AIEnabled,
		tenant.PerfEnabled,
		tenant.MonthlyTokenQuota,
		tenant.DailyTestQuota,
	).Scan(&tenant.ID, &tenant.CreatedAt, &tenant.UpdatedAt)
}

// TenantUpdate holds the optional fields an admin may change.
type TenantUpdate struct {
	Name              *string    `json:"name"`
	SiteURL           *string    `json:"site_url"`
	Active            *bool      `json:"active"`
	ExpiresAt         *time.Time `json:"expires_at"`
	AIEnabled         *bool      `json:"ai_enabled"`
	PerfEnabled       *bool      `json:"perf_enabled"`
	MonthlyTokenQuota *int64     `json:"monthly_token_quota"`
	DailyTestQuota    *int64     `json:"daily_test_quota"`
}

func (db *DB) UpdateTenant(ctx context.Context, id int64, u TenantUpdate) error {
	sets := []string{}
	args := []any{id}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if u.Name != nil {
		add("name", *u.Name)
	}
	if u.SiteURL != nil {
		add("site_url", *u.SiteURL)
	}
	if u.Active != nil {
		add("active", *u.Active)
	}
	if u.ExpiresAt != nil {
		add("expires_at", *u.ExpiresAt)
	}
	if u.AIEnabled != nil {
		add("ai_enabled", *u.AIEnabled)
	}
	if u.PerfEnabled != nil {
		add("perf_enabled", *u.PerfEnabled)
	}
	if u.MonthlyTokenQuota != nil {
		add("monthly_token_quota", *u.MonthlyTokenQuota)
	}
	if u.DailyTestQuota != nil {
		add("daily_test_quota", *u.DailyTestQuota)
	}
	if len(sets) == 0 {
		return nil
	}

	query := `UPDATE tenants SET ` + strings.Join(sets, ", ") + `, updated_at = NOW() WHERE id = $1`
	tag, err := db.Pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateTenant flips the active flag. Tenants are never deleted.
func (db *DB) DeactivateTenant(ctx context.Context, id int64) error {
	tag, err := db.Pool.Exec(ctx, `UPDATE tenants SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) RotateAPIKey(ctx context.Context, id int64, keyHash, keyPrefix string) error {
	query := `UPDATE tenants SET key_hash = $2, key_prefix = $3, updated_at = NOW() WHERE id = $1`

	tag, err := db.Pool.Exec(ctx, query, id, keyHash, keyPrefix)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
