// Package worker owns the run lifecycle: it sequences ingest, mapping,
// normalization, matching, and aggregation for each run and reports
// progress through the run store and status cache.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ignite/mailtrace/internal/apierr"
	"github.com/ignite/mailtrace/internal/domain"
	"github.com/ignite/mailtrace/internal/matching"
	"github.com/ignite/mailtrace/internal/pkg/logger"
)

// RunStore is the run lifecycle persistence boundary.
type RunStore interface {
	CreateOrReuse(ctx context.Context, userID string) (*domain.Run, error)
	Claim(ctx context.Context, userID, runID string) error
	Get(ctx context.Context, userID, runID string) (*domain.Run, error)
	GetByID(ctx context.Context, runID string) (*domain.Run, error)
	Latest(ctx context.Context, userID string) (*domain.Run, error)
	List(ctx context.Context, userID string, cursor time.Time, limit int) ([]domain.Run, error)
	SetStatus(ctx context.Context, runID, status string, pct int, step, message string) error
	SetSourceReady(ctx context.Context, runID, source string, count int) error
	SetArtifactURL(ctx context.Context, runID, source, url string) error
	ActiveBlocking(ctx context.Context, userID string) (bool, error)
}

// RawStore persists as-uploaded rows.
type RawStore interface {
	Replace(ctx context.Context, runID, source string, headers []string, rows []map[string]string) error
	Headers(ctx context.Context, runID, source string) ([]string, error)
	Rows(ctx context.Context, runID, source string) ([]map[string]string, error)
	Count(ctx context.Context, runID, source string) (int, error)
}

// MappingStore persists per-run field mappings.
type MappingStore interface {
	Save(ctx context.Context, runID, source string, mapping map[string]string) error
	Get(ctx context.Context, runID, source string) (map[string]string, error)
}

// StagingStore persists normalized rows.
type StagingStore interface {
	UpsertMail(ctx context.Context, rows []domain.MailRow) error
	UpsertCRM(ctx context.Context, rows []domain.CRMRow) error
	FetchMail(ctx context.Context, runID string) ([]domain.MailRow, error)
	FetchCRM(ctx context.Context, runID string) ([]domain.CRMRow, error)
	CountMail(ctx context.Context, runID string) (int, error)
	CountCRM(ctx context.Context, runID string) (int, error)
}

// MatchStore persists match rows.
type MatchStore interface {
	Upsert(ctx context.Context, rows []domain.Match) error
	FetchByRun(ctx context.Context, runID string) ([]domain.Match, error)
}

// ResultStore caches computed result payloads.
type ResultStore interface {
	Save(ctx context.Context, runID, userID string, payload []byte) error
	Get(ctx context.Context, runID, userID string) ([]byte, error)
}

// StatusCache serves hot status reads so polling does not hammer the
// database. Implementations may be absent (nil) in tests.
type StatusCache interface {
	Set(ctx context.Context, snap domain.StatusSnapshot) error
	Get(ctx context.Context, runID string) (*domain.StatusSnapshot, error)
}

// ArtifactStore archives the uploaded CSV bytes and returns an object URL.
type ArtifactStore interface {
	SaveCSV(ctx context.Context, userID, runID, source string, data []byte) (string, error)
}

// Service sequences the run pipeline over the persistence boundaries.
type Service struct {
	runs     RunStore
	raw      RawStore
	mappings MappingStore
	staging  StagingStore
	matches  MatchStore
	results  ResultStore
	status   StatusCache
	artifact ArtifactStore

	matchCfg  matching.Config
	heartbeat time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// Options tunes a Service beyond its stores.
type Options struct {
	MatchConfig matching.Config
	Heartbeat   time.Duration // 0 means the 5s default
	Status      StatusCache   // optional
	Artifact    ArtifactStore // optional
}

func New(runs RunStore, raw RawStore, mappings MappingStore, staging StagingStore,
	matches MatchStore, results ResultStore, opts Options) *Service {
	hb := opts.Heartbeat
	if hb <= 0 {
		hb = 5 * time.Second
	}
	return &Service{
		runs:      runs,
		raw:       raw,
		mappings:  mappings,
		staging:   staging,
		matches:   matches,
		results:   results,
		status:    opts.Status,
		artifact:  opts.Artifact,
		matchCfg:  opts.MatchConfig,
		heartbeat: hb,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// CreateRun reuses the caller's active run or starts a fresh queued one.
func (s *Service) CreateRun(ctx context.Context, userID string) (*domain.Run, error) {
	return s.runs.CreateOrReuse(ctx, userID)
}

// Status returns the polling snapshot, preferring the cache.
func (s *Service) Status(ctx context.Context, runID string) (*domain.StatusSnapshot, error) {
	if s.status != nil {
		if snap, err := s.status.Get(ctx, runID); err == nil && snap != nil {
			return snap, nil
		}
	}
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &domain.StatusSnapshot{
		RunID: run.ID, Status: run.Status, Pct: run.Pct, Step: run.Step, Message: run.Message,
	}, nil
}

// Result returns the computed payload once the run is done. A missing
// blob triggers a fresh computation from staging and matches.
func (s *Service) Result(ctx context.Context, userID, runID string) (json.RawMessage, error) {
	run, err := s.runs.Get(ctx, userID, runID)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case domain.RunDone:
	case domain.RunFailed:
		return nil, apierr.New(apierr.Conflict, "failed")
	default:
		return nil, apierr.New(apierr.Conflict, "run %s is not done", runID)
	}

	if blob, err := s.results.Get(ctx, runID, userID); err == nil {
		return blob, nil
	}
	payload, err := s.computePayload(ctx, runID)
	if err != nil {
		return nil, err
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if err := s.results.Save(ctx, runID, userID, blob); err != nil {
		logger.Warn("result recompute cache write failed", "run_id", runID, "error", err.Error())
	}
	return blob, nil
}

// LatestRun returns the user's most recent run, optionally only a done one.
func (s *Service) LatestRun(ctx context.Context, userID string, onlyDone bool) (*domain.Run, error) {
	run, err := s.runs.Latest(ctx, userID)
	if err != nil {
		return nil, err
	}
	if onlyDone && run.Status != domain.RunDone {
		return nil, apierr.New(apierr.NotFound, "no completed runs for user")
	}
	return run, nil
}

// Run history page bounds. The store receives the normalized limit, so
// len(page) == limit reliably signals more rows behind the cursor.
const (
	defaultRunPageSize = 20
	maxRunPageSize     = 100
)

// ListRuns pages run history newest-first. cursor is the previous page's
// last started_at; zero starts at the top.
func (s *Service) ListRuns(ctx context.Context, userID string, cursor time.Time, limit int) ([]domain.RunSummary, time.Time, error) {
	if limit <= 0 || limit > maxRunPageSize {
		limit = defaultRunPageSize
	}
	runs, err := s.runs.List(ctx, userID, cursor, limit)
	if err != nil {
		return nil, time.Time{}, err
	}
	items := make([]domain.RunSummary, 0, len(runs))
	var next time.Time
	for i := range runs {
		r := &runs[i]
		items = append(items, domain.RunSummary{
			ID:        r.ID,
			StartedAt: r.StartedAt,
			Summary:   r.Message,
			Status:    r.Status,
		})
		next = r.StartedAt
	}
	if len(runs) < limit {
		next = time.Time{}
	}
	return items, next, nil
}

// Cancel signals the matching worker for a run to stop. The run lands in
// failed with message "cancelled".
func (s *Service) Cancel(runID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[runID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until all launched match workers finish. Test hook and
// shutdown path.
func (s *Service) Wait() { s.wg.Wait() }

// setStatus writes the lifecycle triple to the store and mirrors it into
// the cache. Cache failures are logged, never fatal.
func (s *Service) setStatus(ctx context.Context, runID, status string, pct int, step, message string) error {
	if err := s.runs.SetStatus(ctx, runID, status, pct, step, message); err != nil {
		return err
	}
	if s.status != nil {
		snap := domain.StatusSnapshot{RunID: runID, Status: status, Pct: pct, Step: step, Message: message}
		if err := s.status.Set(ctx, snap); err != nil {
			logger.Warn("status cache write failed", "run_id", runID, "error", err.Error())
		}
	}
	return nil
}

func (s *Service) registerCancel(runID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[runID] = cancel
	s.mu.Unlock()
}

func (s *Service) dropCancel(runID string) {
	s.mu.Lock()
	delete(s.cancels, runID)
	s.mu.Unlock()
}
