package db

import (
	"context"
	"time"
)

// PurgeWindows drops the endpoint's counters that started before cutoff.
func (db *DB) PurgeWindows(ctx context.Context, endpoint string, cutoff time.Time) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM rate_windows WHERE endpoint = $1 AND window_start < $2`, endpoint, cutoff)
	return err
}

func (db *DB) SumWindow(ctx context.Context, tenantID int64, endpoint string, since time.Time) (int64, error) {
	query := `
        SELECT COALESCE(SUM(request_count), 0)
        FROM rate_windows
        WHERE tenant_id = $1 AND endpoint = $2 AND window_start >= $3
    `

	var total int64
	err := db.Pool.QueryRow(ctx, query, tenantID, endpoint, since).Scan(&total)
	return total, err
}

func (db *DB) IncrementWindow(ctx context.Context, tenantID int64, endpoint string, windowStart time.Time) error {
	query := `
        INSERT INTO rate_windows (tenant_id, endpoint, window_start, request_count)
        VALUES ($1, $2, $3, 1)
        ON CONFLICT (tenant_id, endpoint, window_start) DO UPDATE
        SET request_count = rate_windows.request_count + 1
    `

	_, err := db.Pool.Exec(ctx, query, tenantID, endpoint, windowStart)
	return err
}

// PurgeStaleWindows removes every counter older than cutoff regardless of
// endpoint. Used by the background janitor.
func (db *DB) PurgeStaleWindows(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM rate_windows WHERE window_start < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
