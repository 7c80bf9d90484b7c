package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const sessionColumns = `id, tenant_id, session_type, url, strategy, state, initial_scores, latest_scores, final_scores,
        recommendation, applied_settings, input_tokens, output_tokens, cost_usd, iterations, error,
        started_at, updated_at, completed_at`

// sessionDocs holds the JSONB columns in encoded form.
type sessionDocs struct {
	initial, latest, final, recommendation, applied []byte
}

func encodeDocs(s *models.Session) (sessionDocs, error) {
	var docs sessionDocs
	var err error
	if docs.initial, err = marshalNullable(s.InitialScores); err != nil {
		return docs, err
	}
	if docs.latest, err = marshalNullable(s.LatestScores); err != nil {
		return docs, err
	}
	if docs.final, err = marshalNullable(s.FinalScores); err != nil {
		return docs, err
	}
	if docs.recommendation, err = marshalNullable(s.Recommendation); err != nil {
		return docs, err
	}
	if s.AppliedSettings != nil {
		if docs.applied, err = json.Marshal(s.AppliedSettings); err != nil {
			return docs, err
		}
	}
	return docs, nil
}

func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalNullable[T any](b []byte) (*T, error) {
	if len(b) == 0 {
		return nil, nil
	}
	v := new(T)
	if err := json.Unmarshal(b, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (db *DB) CreateSession(ctx context.Context, s *models.Session) error {
	docs, err := encodeDocs(s)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO optimization_sessions (` + sessionColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
    `

	_, err = db.Pool.Exec(ctx, query,
		s.ID,
		s.TenantID,
		s.Type,
		s.URL,
		s.Strategy,
		s.State.String(),
		docs.initial,
		docs.latest,
		docs.final,
		docs.recommendation,
		docs.applied,
		s.InputTokens,
		s.OutputTokens,
		s.CostUSD,
		s.Iterations,
		s.Error,
		s.StartedAt,
		s.UpdatedAt,
		s.CompletedAt,
	)
	return err
}

func (db *DB) UpdateSession(ctx context.Context, s *models.Session) error {
	docs, err := encodeDocs(s)
	if err != nil {
		return err
	}

	query := `
        UPDATE optimization_sessions
        SET state = $2, initial_scores = $3, latest_scores = $4, final_scores = $5, recommendation = $6,
            applied_settings = $7, input_tokens = $8, output_tokens = $9, cost_usd = $10, iterations = $11,
            error = $12, updated_at = $13, completed_at = $14
        WHERE id = $1
    `

	tag, err := db.Pool.Exec(ctx, query,
		s.ID,
		s.State.String(),
		docs.initial,
		docs.latest,
		docs.final,
		docs.recommendation,
		docs.applied,
		s.InputTokens,
		s.OutputTokens,
		s.CostUSD,
		s.Iterations,
		s.Error,
		s.UpdatedAt,
		s.CompletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var (
		s     models.Session
		state string
		docs  sessionDocs
	)
	err := row.Scan(
		&s.ID,
		&s.TenantID,
		&s.Type,
		&s.URL,
		&s.Strategy,
		&state,
		&docs.initial,
		&docs.latest,
		&docs.final,
		&docs.recommendation,
		&docs.applied,
		&s.InputTokens,
		&s.OutputTokens,
		&s.CostUSD,
		&s.Iterations,
		&s.Error,
		&s.StartedAt,
		&s.UpdatedAt,
		&s.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if s.State, err = models.ParseSessionState(state); err != nil {
		return nil, err
	}
	if s.InitialScores, err = unmarshalNullable[models.ScoreSnapshot](docs.initial); err != nil {
		return nil, fmt.Errorf("decode initial scores: %w", err)
	}
	if s.LatestScores, err = unmarshalNullable[models.ScoreSnapshot](docs.latest); err != nil {
		return nil, fmt.Errorf("decode latest scores: %w", err)
	}
	if s.FinalScores, err = unmarshalNullable[models.ScoreSnapshot](docs.final); err != nil {
		return nil, fmt.Errorf("decode final scores: %w", err)
	}
	if s.Recommendation, err = unmarshalNullable[models.Recommendation](docs.recommendation); err != nil {
		return nil, fmt.Errorf("decode recommendation: %w", err)
	}
	if len(docs.applied) > 0 {
		if err := json.Unmarshal(docs.applied, &s.AppliedSettings); err != nil {
			return nil, fmt.Errorf("decode applied settings: %w", err)
		}
	}
	return &s, nil
}

func (db *DB) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM optimization_sessions WHERE id = $1`

	s, err := scanSession(db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

func (db *DB) ListSessions(ctx context.Context, tenantID int64, limit int) ([]*models.Session, error) {
	query := `
        SELECT ` + sessionColumns + `
        FROM optimization_sessions
        WHERE tenant_id = $1
        ORDER BY started_at DESC
        LIMIT $2
    `

	rows, err := db.Pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []*models.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
