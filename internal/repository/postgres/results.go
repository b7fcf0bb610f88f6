package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/mailtrace/internal/apierr"
)

// ResultRepo caches the computed result payload per run as a JSONB blob.
// The aggregator can always recompute; the blob just makes reads cheap.
type ResultRepo struct{ db *sql.DB }

func NewResultRepo(db *sql.DB) *ResultRepo { return &ResultRepo{db: db} }

// Save upserts the serialized payload for a run.
func (s *ResultRepo) Save(ctx context.Context, runID, userID string, payload []byte) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO results (run_id, user_id, payload, computed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (run_id) DO UPDATE
		SET payload = EXCLUDED.payload, computed_at = NOW()
	`, runID, userID, payload); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

// Get returns the cached payload for a run, NotFound when absent.
func (s *ResultRepo) Get(ctx context.Context, runID, userID string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM results WHERE run_id = $1 AND user_id = $2
	`, runID, userID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.NotFound, "no result for run %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	return payload, nil
}
