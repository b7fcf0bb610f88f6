// Package postgres implements the persistence layer against PostgreSQL
// via database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailtrace/internal/apierr"
	"github.com/ignite/mailtrace/internal/domain"
)

// RunRepo persists run lifecycle state.
type RunRepo struct{ db *sql.DB }

func NewRunRepo(db *sql.DB) *RunRepo { return &RunRepo{db: db} }

const runColumns = `
	id, user_id, status, step, pct, COALESCE(message,''),
	started_at, finished_at, mail_count, crm_count, mail_ready, crm_ready,
	COALESCE(mail_csv_url,''), COALESCE(crm_csv_url,'')`

func scanRun(row interface{ Scan(...any) error }) (*domain.Run, error) {
	r := &domain.Run{}
	var finished sql.NullTime
	err := row.Scan(
		&r.ID, &r.UserID, &r.Status, &r.Step, &r.Pct, &r.Message,
		&r.StartedAt, &finished, &r.MailCount, &r.CRMCount, &r.MailReady, &r.CRMReady,
		&r.MailCSVURL, &r.CRMCSVURL,
	)
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	return r, nil
}

// CreateOrReuse returns the user's most recent non-terminal run, creating
// a fresh queued one when none exists.
func (s *RunRepo) CreateOrReuse(ctx context.Context, userID string) (*domain.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE user_id = $1 AND status NOT IN ('done','failed')
		ORDER BY started_at DESC
		LIMIT 1
	`, userID))
	if err == nil {
		return run, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("reuse run: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, user_id, status, step, pct, message, started_at)
		VALUES ($1, $2, 'queued', 'queued', 0, '', $3)
	`, id, userID, now); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return &domain.Run{ID: id, UserID: userID, Status: domain.RunQueued, Step: "queued", StartedAt: now}, nil
}

// Claim atomically moves a queued run into 'starting'. A second caller
// racing on the same run loses and gets a Conflict.
func (s *RunRepo) Claim(ctx context.Context, userID, runID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = 'starting', step = 'starting', pct = 5, message = 'Starting run'
		WHERE id = $1 AND user_id = $2 AND status = 'queued'
	`, runID, userID)
	if err != nil {
		return fmt.Errorf("claim run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apierr.New(apierr.Conflict, "run %s is not claimable", runID)
	}
	return nil
}

// Get fetches a run the caller must own. An absent run is NotFound; a
// run owned by someone else is Unauthorized, so the two cases stay
// distinguishable to the API layer.
func (s *RunRepo) Get(ctx context.Context, userID, runID string) (*domain.Run, error) {
	run, err := s.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.UserID != userID {
		return nil, apierr.New(apierr.Unauthorized, "forbidden")
	}
	return run, nil
}

// GetByID looks a run up without an ownership filter. Status polling has
// the run id only.
func (s *RunRepo) GetByID(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs WHERE id = $1
	`, runID))
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.NotFound, "run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// Latest returns the user's most recent run regardless of status.
func (s *RunRepo) Latest(ctx context.Context, userID string) (*domain.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs WHERE user_id = $1
		ORDER BY started_at DESC LIMIT 1
	`, userID))
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.NotFound, "no runs for user")
	}
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	return run, nil
}

// List pages runs newest-first. cursor is the started_at of the last row
// of the previous page; zero means start from the top. The caller (the
// worker service) normalizes limit before calling; the page-size
// contract lives there, not here.
func (s *RunRepo) List(ctx context.Context, userID string, cursor time.Time, limit int) ([]domain.Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs WHERE user_id = $1`
	args := []any{userID}
	if !cursor.IsZero() {
		q += ` AND started_at < $2`
		args = append(args, cursor)
	}
	q += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// SetStatus updates the lifecycle triple. Terminal states also stamp
// finished_at.
func (s *RunRepo) SetStatus(ctx context.Context, runID, status string, pct int, step, message string) error {
	var err error
	if status == domain.RunDone || status == domain.RunFailed {
		_, err = s.db.ExecContext(ctx, `
			UPDATE runs SET status = $1, pct = $2, step = $3, message = $4, finished_at = NOW()
			WHERE id = $5
		`, status, pct, step, message, runID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE runs SET status = $1, pct = $2, step = $3, message = $4
			WHERE id = $5
		`, status, pct, step, message, runID)
	}
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

// SetSourceReady stamps the per-source row count and ready flag after
// staging completes.
func (s *RunRepo) SetSourceReady(ctx context.Context, runID, source string, count int) error {
	col, ready := "mail_count", "mail_ready"
	if source == "crm" {
		col, ready = "crm_count", "crm_ready"
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE runs SET %s = $1, %s = true WHERE id = $2`, col, ready),
		count, runID)
	if err != nil {
		return fmt.Errorf("set %s ready: %w", source, err)
	}
	return nil
}

// SetArtifactURL records the uploaded CSV's object location.
func (s *RunRepo) SetArtifactURL(ctx context.Context, runID, source, url string) error {
	col := "mail_csv_url"
	if source == "crm" {
		col = "crm_csv_url"
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE runs SET %s = $1 WHERE id = $2`, col), url, runID)
	if err != nil {
		return fmt.Errorf("set artifact url: %w", err)
	}
	return nil
}

// ActiveBlocking reports whether the user has a run in a phase that must
// not be disturbed by new uploads.
func (s *RunRepo) ActiveBlocking(ctx context.Context, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM runs
		WHERE user_id = $1 AND status IN ('matching','aggregating')
	`, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("active runs: %w", err)
	}
	return n > 0, nil
}
