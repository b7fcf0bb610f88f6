package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/mailtrace/internal/domain"
)

// StagingRepo persists normalized mail and CRM rows. Rows are keyed per
// user, not per run: an address seen in an earlier run is rebound to the
// current run on upsert so each user's staging stays deduped.
type StagingRepo struct{ db *sql.DB }

func NewStagingRepo(db *sql.DB) *StagingRepo { return &StagingRepo{db: db} }

const stagingBatchSize = 1000

// UpsertMail writes mail rows in batches inside one transaction, so a
// partially staged upload never becomes visible. Conflict on
// (user_id, mail_key) rebinds the row to the incoming run and keeps the
// old source_id when the new one is empty.
func (s *StagingRepo) UpsertMail(ctx context.Context, rows []domain.MailRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mail upsert: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(rows); start += stagingBatchSize {
		end := start + stagingBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		q := `INSERT INTO staging_mail
			(run_id, line_no, user_id, mail_key, source_id, address1, address2,
			 city, state, zip, full_address, sent_date) VALUES `
		args := make([]any, 0, (end-start)*12)
		for i := start; i < end; i++ {
			r := &rows[i]
			if i > start {
				q += ", "
			}
			n := len(args)
			q += placeholders(n+1, 12)
			args = append(args,
				r.RunID, r.LineNo, r.UserID, r.MailKey, nullEmpty(r.SourceID),
				r.Address1, r.Address2, r.City, r.State, r.Zip, r.FullAddress, r.SentDate)
		}
		q += `
			ON CONFLICT (user_id, mail_key) DO UPDATE SET
				run_id = EXCLUDED.run_id,
				line_no = EXCLUDED.line_no,
				source_id = COALESCE(EXCLUDED.source_id, staging_mail.source_id),
				address1 = EXCLUDED.address1,
				address2 = EXCLUDED.address2,
				city = EXCLUDED.city,
				state = EXCLUDED.state,
				zip = EXCLUDED.zip,
				full_address = EXCLUDED.full_address,
				sent_date = EXCLUDED.sent_date`
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("upsert mail batch: %w", err)
		}
	}
	return tx.Commit()
}

// UpsertCRM is the CRM analog keyed on (user_id, job_index), also one
// transaction per call. job_value follows coalesce(incoming, existing)
// so a re-upload without amounts does not clobber known revenue.
func (s *StagingRepo) UpsertCRM(ctx context.Context, rows []domain.CRMRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin crm upsert: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(rows); start += stagingBatchSize {
		end := start + stagingBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		q := `INSERT INTO staging_crm
			(run_id, line_no, user_id, job_index, source_id, address1, address2,
			 city, state, zip, full_address, job_date, job_value) VALUES `
		args := make([]any, 0, (end-start)*13)
		for i := start; i < end; i++ {
			r := &rows[i]
			if i > start {
				q += ", "
			}
			n := len(args)
			q += placeholders(n+1, 13)
			args = append(args,
				r.RunID, r.LineNo, r.UserID, r.JobIndex, nullEmpty(r.SourceID),
				r.Address1, r.Address2, r.City, r.State, r.Zip, r.FullAddress,
				r.JobDate, r.JobValue)
		}
		q += `
			ON CONFLICT (user_id, job_index) DO UPDATE SET
				run_id = EXCLUDED.run_id,
				line_no = EXCLUDED.line_no,
				source_id = COALESCE(EXCLUDED.source_id, staging_crm.source_id),
				address1 = EXCLUDED.address1,
				address2 = EXCLUDED.address2,
				city = EXCLUDED.city,
				state = EXCLUDED.state,
				zip = EXCLUDED.zip,
				full_address = EXCLUDED.full_address,
				job_date = EXCLUDED.job_date,
				job_value = COALESCE(EXCLUDED.job_value, staging_crm.job_value)`
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("upsert crm batch: %w", err)
		}
	}
	return tx.Commit()
}

// FetchMail returns the mail rows bound to a run, in line order.
func (s *StagingRepo) FetchMail(ctx context.Context, runID string) ([]domain.MailRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, line_no, user_id, mail_key, COALESCE(source_id,''),
		       address1, COALESCE(address2,''), city, state, zip, full_address, sent_date
		FROM staging_mail
		WHERE run_id = $1
		ORDER BY line_no
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("fetch mail: %w", err)
	}
	defer rows.Close()

	var out []domain.MailRow
	for rows.Next() {
		var r domain.MailRow
		var sent sql.NullTime
		if err := rows.Scan(
			&r.RunID, &r.LineNo, &r.UserID, &r.MailKey, &r.SourceID,
			&r.Address1, &r.Address2, &r.City, &r.State, &r.Zip, &r.FullAddress, &sent,
		); err != nil {
			return nil, fmt.Errorf("scan mail row: %w", err)
		}
		if sent.Valid {
			t := sent.Time
			r.SentDate = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FetchCRM returns the CRM rows bound to a run, in line order.
func (s *StagingRepo) FetchCRM(ctx context.Context, runID string) ([]domain.CRMRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, line_no, user_id, job_index, COALESCE(source_id,''),
		       address1, COALESCE(address2,''), city, state, zip, full_address,
		       job_date, job_value
		FROM staging_crm
		WHERE run_id = $1
		ORDER BY line_no
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("fetch crm: %w", err)
	}
	defer rows.Close()

	var out []domain.CRMRow
	for rows.Next() {
		var r domain.CRMRow
		var jobDate sql.NullTime
		var jobValue sql.NullFloat64
		if err := rows.Scan(
			&r.RunID, &r.LineNo, &r.UserID, &r.JobIndex, &r.SourceID,
			&r.Address1, &r.Address2, &r.City, &r.State, &r.Zip, &r.FullAddress,
			&jobDate, &jobValue,
		); err != nil {
			return nil, fmt.Errorf("scan crm row: %w", err)
		}
		if jobDate.Valid {
			t := jobDate.Time
			r.JobDate = &t
		}
		if jobValue.Valid {
			v := jobValue.Float64
			r.JobValue = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountMail reports the mail rows bound to a run.
func (s *StagingRepo) CountMail(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM staging_mail WHERE run_id = $1`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count mail: %w", err)
	}
	return n, nil
}

// CountCRM reports the CRM rows bound to a run.
func (s *StagingRepo) CountCRM(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM staging_crm WHERE run_id = $1`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count crm: %w", err)
	}
	return n, nil
}

func nullEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// placeholders renders "($n, $n+1, …)" for one VALUES tuple.
func placeholders(from, count int) string {
	out := "("
	for i := 0; i < count; i++ {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("$%d", from+i)
	}
	return out + ")"
}
