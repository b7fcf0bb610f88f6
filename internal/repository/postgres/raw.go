package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/mailtrace/internal/apierr"
)

// RawRepo stores the as-uploaded rows for a run and source, one JSONB
// document per line. Re-uploading a source replaces its rows wholesale.
type RawRepo struct{ db *sql.DB }

func NewRawRepo(db *sql.DB) *RawRepo { return &RawRepo{db: db} }

const rawBatchSize = 1000

// rawTable maps a validated source to its table. Callers validate the
// source at the boundary; anything else is a programming error.
func rawTable(source string) string {
	if source == "crm" {
		return "staging_raw_crm"
	}
	return "staging_raw_mail"
}

// Replace swaps in a new upload for (run, source): headers plus every
// row, in file order.
func (s *RawRepo) Replace(ctx context.Context, runID, source string, headers []string, rows []map[string]string) error {
	table := rawTable(source)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin raw replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE run_id = $1`, table), runID); err != nil {
		return fmt.Errorf("clear raw rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO staging_raw_headers (run_id, source, headers)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id, source) DO UPDATE SET headers = EXCLUDED.headers
	`, runID, source, pq.Array(headers)); err != nil {
		return fmt.Errorf("save raw headers: %w", err)
	}

	for start := 0; start < len(rows); start += rawBatchSize {
		end := start + rawBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		q := fmt.Sprintf(`INSERT INTO %s (run_id, rownum, data) VALUES `, table)
		args := make([]any, 0, (end-start)*3)
		for i := start; i < end; i++ {
			doc, err := json.Marshal(rows[i])
			if err != nil {
				return fmt.Errorf("encode raw row %d: %w", i+1, err)
			}
			if i > start {
				q += ", "
			}
			n := len(args)
			q += fmt.Sprintf("($%d, $%d, $%d)", n+1, n+2, n+3)
			args = append(args, runID, i+1, doc)
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("insert raw rows: %w", err)
		}
	}
	return tx.Commit()
}

// Headers returns the uploaded header row for (run, source).
func (s *RawRepo) Headers(ctx context.Context, runID, source string) ([]string, error) {
	var headers []string
	err := s.db.QueryRowContext(ctx, `
		SELECT headers FROM staging_raw_headers WHERE run_id = $1 AND source = $2
	`, runID, source).Scan(pq.Array(&headers))
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.NotFound, "no %s upload for run %s", source, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("raw headers: %w", err)
	}
	return headers, nil
}

// Rows returns the raw rows for (run, source) in upload order.
func (s *RawRepo) Rows(ctx context.Context, runID, source string) ([]map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT data FROM %s WHERE run_id = $1 ORDER BY rownum
	`, rawTable(source)), runID)
	if err != nil {
		return nil, fmt.Errorf("raw rows: %w", err)
	}
	defer rows.Close()

	var out []map[string]string
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan raw row: %w", err)
		}
		m := make(map[string]string)
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, fmt.Errorf("decode raw row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Count reports how many raw rows are staged for (run, source).
func (s *RawRepo) Count(ctx context.Context, runID, source string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s WHERE run_id = $1
	`, rawTable(source)), runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("raw count: %w", err)
	}
	return n, nil
}
