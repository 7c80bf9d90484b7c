package db

import (
	"context"
	"fmt"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/models"
	"github.com/jackc/pgx/v5"
)

const upsertSetting = `
    INSERT INTO settings (key, value, encrypted, category, updated_at)
    VALUES ($1, $2, $3, $4, NOW())
    ON CONFLICT (key) DO UPDATE
    SET value = EXCLUDED.value, encrypted = EXCLUDED.encrypted, category = EXCLUDED.category, updated_at = NOW()
    RETURNING updated_at
`

func (db *DB) LoadSettings(ctx context.Context) ([]models.Setting, error) {
	rows, err := db.Pool.Query(ctx, `SELECT key, value, encrypted, category, updated_at FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []models.Setting
	for rows.Next() {
		var s models.Setting
		if err := rows.Scan(&s.Key, &s.Value, &s.Encrypted, &s.Category, &s.UpdatedAt); err != nil {
			return nil, err
		}
		settings = append(settings, s)
	}
	return settings, rows.Err()
}

func (db *DB) UpsertSetting(ctx context.Context, s *models.Setting) error {
	return db.Pool.QueryRow(ctx, upsertSetting, s.Key, s.Value, s.Encrypted, s.Category).Scan(&s.UpdatedAt)
}

// UpsertSettings writes every setting in one transaction.
func (db *DB) UpsertSettings(ctx context.Context, settings []*models.Setting) error {
	return pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		for _, s := range settings {
			if err := tx.QueryRow(ctx, upsertSetting, s.Key, s.Value, s.Encrypted, s.Category).Scan(&s.UpdatedAt); err != nil {
				return fmt.Errorf("save setting %q: %w", s.Key, err)
			}
		}
		return nil
	})
}
