package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/mailtrace/internal/domain"
)

// MatchRepo persists match rows, one per CRM job, keyed per user.
type MatchRepo struct{ db *sql.DB }

func NewMatchRepo(db *sql.DB) *MatchRepo { return &MatchRepo{db: db} }

const matchBatchSize = 1000

// Upsert writes matches in batches inside one transaction. A re-run
// replaces prior rows for the same (user_id, job_index); jobs untouched
// by this run keep their rows.
func (s *MatchRepo) Upsert(ctx context.Context, rows []domain.Match) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin match upsert: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(rows); start += matchBatchSize {
		end := start + matchBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		q := `INSERT INTO matches
			(run_id, user_id, job_index, crm_line_no, crm_job_date, job_value,
			 crm_city, crm_state, crm_zip, crm_full_address, mail_full_address,
			 mail_ids, matched_mail_dates, confidence_percent, match_notes,
			 zip5, state) VALUES `
		args := make([]any, 0, (end-start)*17)
		for i := start; i < end; i++ {
			m := &rows[i]
			if i > start {
				q += ", "
			}
			n := len(args)
			q += placeholders(n+1, 17)
			args = append(args,
				m.RunID, m.UserID, m.JobIndex, m.CRMLineNo, m.CRMJobDate, m.JobValue,
				m.CRMCity, m.CRMState, m.CRMZip, m.CRMFullAddress, m.MailFullAddress,
				pq.Array(m.MailIDs), pq.Array(dateStrings(m.MatchedMailDates)),
				m.ConfidencePercent, m.MatchNotes, m.Zip5, m.State)
		}
		q += `
			ON CONFLICT (user_id, job_index) DO UPDATE SET
				run_id = EXCLUDED.run_id,
				crm_line_no = EXCLUDED.crm_line_no,
				crm_job_date = EXCLUDED.crm_job_date,
				job_value = EXCLUDED.job_value,
				crm_city = EXCLUDED.crm_city,
				crm_state = EXCLUDED.crm_state,
				crm_zip = EXCLUDED.crm_zip,
				crm_full_address = EXCLUDED.crm_full_address,
				mail_full_address = EXCLUDED.mail_full_address,
				mail_ids = EXCLUDED.mail_ids,
				matched_mail_dates = EXCLUDED.matched_mail_dates,
				confidence_percent = EXCLUDED.confidence_percent,
				match_notes = EXCLUDED.match_notes,
				zip5 = EXCLUDED.zip5,
				state = EXCLUDED.state`
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("upsert match batch: %w", err)
		}
	}
	return tx.Commit()
}

// FetchByRun returns the matches bound to a run, in CRM line order.
func (s *MatchRepo) FetchByRun(ctx context.Context, runID string) ([]domain.Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, user_id, job_index, crm_line_no, crm_job_date, job_value,
		       crm_city, crm_state, crm_zip, crm_full_address, mail_full_address,
		       mail_ids, matched_mail_dates, confidence_percent, match_notes,
		       zip5, state
		FROM matches
		WHERE run_id = $1
		ORDER BY crm_line_no
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("fetch matches: %w", err)
	}
	defer rows.Close()

	var out []domain.Match
	for rows.Next() {
		var m domain.Match
		var jobDate sql.NullTime
		var jobValue sql.NullFloat64
		var dates []string
		if err := rows.Scan(
			&m.RunID, &m.UserID, &m.JobIndex, &m.CRMLineNo, &jobDate, &jobValue,
			&m.CRMCity, &m.CRMState, &m.CRMZip, &m.CRMFullAddress, &m.MailFullAddress,
			pq.Array(&m.MailIDs), pq.Array(&dates), &m.ConfidencePercent, &m.MatchNotes,
			&m.Zip5, &m.State,
		); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		if jobDate.Valid {
			t := jobDate.Time
			m.CRMJobDate = &t
		}
		if jobValue.Valid {
			v := jobValue.Float64
			m.JobValue = &v
		}
		m.MatchedMailDates = parseDates(dates)
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountForUser derives the user's historical match count from the table.
func (s *MatchRepo) CountForUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM matches WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count matches: %w", err)
	}
	return n, nil
}

func dateStrings(dates []time.Time) []string {
	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = d.Format("2006-01-02")
	}
	return out
}

func parseDates(ss []string) []time.Time {
	out := make([]time.Time, 0, len(ss))
	for _, s := range ss {
		if t, err := time.Parse("2006-01-02", s); err == nil {
			out = append(out, t)
		}
	}
	return out
}
