package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// MappingRepo stores the canonical-field → raw-header mapping saved for
// a run and source.
type MappingRepo struct{ db *sql.DB }

func NewMappingRepo(db *sql.DB) *MappingRepo { return &MappingRepo{db: db} }

// Save upserts the mapping for (run, source).
func (s *MappingRepo) Save(ctx context.Context, runID, source string, mapping map[string]string) error {
	doc, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO mappings (run_id, source, mapping, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (run_id, source) DO UPDATE
		SET mapping = EXCLUDED.mapping, updated_at = NOW()
	`, runID, source, doc); err != nil {
		return fmt.Errorf("save mapping: %w", err)
	}
	return nil
}

// Get returns the saved mapping, or an empty map when none was saved.
func (s *MappingRepo) Get(ctx context.Context, runID, source string) (map[string]string, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT mapping FROM mappings WHERE run_id = $1 AND source = $2
	`, runID, source).Scan(&doc)
	if err == sql.ErrNoRows {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping: %w", err)
	}
	m := make(map[string]string)
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("decode mapping: %w", err)
	}
	return m, nil
}
