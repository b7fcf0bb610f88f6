package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailtrace/internal/apierr"
	"github.com/ignite/mailtrace/internal/domain"
	"github.com/ignite/mailtrace/internal/matching"
)

// =============================================================================
// IN-MEMORY FAKES
// =============================================================================

type fakeRuns struct {
	mu      sync.Mutex
	runs    map[string]*domain.Run
	history []string // status transitions in order
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: make(map[string]*domain.Run)}
}

func (f *fakeRuns) CreateOrReuse(_ context.Context, userID string) (*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *domain.Run
	for _, r := range f.runs {
		if r.UserID == userID && !r.Terminal() {
			if latest == nil || r.StartedAt.After(latest.StartedAt) {
				latest = r
			}
		}
	}
	if latest != nil {
		cp := *latest
		return &cp, nil
	}
	r := &domain.Run{ID: uuid.New().String(), UserID: userID, Status: domain.RunQueued, Step: "queued", StartedAt: time.Now().UTC()}
	f.runs[r.ID] = r
	return r, nil
}

func (f *fakeRuns) Claim(_ context.Context, userID, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok || r.UserID != userID || r.Status != domain.RunQueued {
		return apierr.New(apierr.Conflict, "run %s is not claimable", runID)
	}
	r.Status, r.Step, r.Pct, r.Message = domain.RunStarting, "starting", 5, "Starting run"
	f.history = append(f.history, domain.RunStarting)
	return nil
}

func (f *fakeRuns) Get(_ context.Context, userID, runID string) (*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "run %s not found", runID)
	}
	if r.UserID != userID {
		return nil, apierr.New(apierr.Unauthorized, "forbidden")
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRuns) GetByID(_ context.Context, runID string) (*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "run %s not found", runID)
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRuns) Latest(_ context.Context, userID string) (*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *domain.Run
	for _, r := range f.runs {
		if r.UserID == userID && (latest == nil || r.StartedAt.After(latest.StartedAt)) {
			latest = r
		}
	}
	if latest == nil {
		return nil, apierr.New(apierr.NotFound, "no runs for user")
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeRuns) List(_ context.Context, userID string, cursor time.Time, limit int) ([]domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Run
	for _, r := range f.runs {
		if r.UserID == userID && (cursor.IsZero() || r.StartedAt.Before(cursor)) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRuns) SetStatus(_ context.Context, runID, status string, pct int, step, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.runs[runID]
	if r == nil {
		return apierr.New(apierr.NotFound, "run %s not found", runID)
	}
	if len(f.history) == 0 || f.history[len(f.history)-1] != status {
		f.history = append(f.history, status)
	}
	r.Status, r.Pct, r.Step, r.Message = status, pct, step, message
	return nil
}

func (f *fakeRuns) SetSourceReady(_ context.Context, runID, source string, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.runs[runID]
	if source == "crm" {
		r.CRMCount, r.CRMReady = count, true
	} else {
		r.MailCount, r.MailReady = count, true
	}
	return nil
}

func (f *fakeRuns) SetArtifactURL(_ context.Context, runID, source, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.runs[runID]
	if source == "crm" {
		r.CRMCSVURL = url
	} else {
		r.MailCSVURL = url
	}
	return nil
}

func (f *fakeRuns) ActiveBlocking(_ context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.UserID == userID && (r.Status == domain.RunMatching || r.Status == domain.RunAggregating) {
			return true, nil
		}
	}
	return false, nil
}

type rawUpload struct {
	headers []string
	rows    []map[string]string
}

type fakeRaw struct {
	mu   sync.Mutex
	data map[string]rawUpload // runID|source
}

func newFakeRaw() *fakeRaw { return &fakeRaw{data: make(map[string]rawUpload)} }

func (f *fakeRaw) Replace(_ context.Context, runID, source string, headers []string, rows []map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[runID+"|"+source] = rawUpload{headers: headers, rows: rows}
	return nil
}

func (f *fakeRaw) Headers(_ context.Context, runID, source string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.data[runID+"|"+source]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "no %s upload for run %s", source, runID)
	}
	return u.headers, nil
}

func (f *fakeRaw) Rows(_ context.Context, runID, source string) ([]map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[runID+"|"+source].rows, nil
}

func (f *fakeRaw) Count(_ context.Context, runID, source string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data[runID+"|"+source].rows), nil
}

type fakeMappings struct {
	mu   sync.Mutex
	data map[string]map[string]string
}

func newFakeMappings() *fakeMappings { return &fakeMappings{data: make(map[string]map[string]string)} }

func (f *fakeMappings) Save(_ context.Context, runID, source string, mapping map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[runID+"|"+source] = mapping
	return nil
}

func (f *fakeMappings) Get(_ context.Context, runID, source string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.data[runID+"|"+source]; ok {
		return m, nil
	}
	return map[string]string{}, nil
}

type fakeStaging struct {
	mu   sync.Mutex
	mail map[string]domain.MailRow // userID|mailKey
	crm  map[string]domain.CRMRow  // userID|jobIndex
}

func newFakeStaging() *fakeStaging {
	return &fakeStaging{mail: make(map[string]domain.MailRow), crm: make(map[string]domain.CRMRow)}
}

func (f *fakeStaging) UpsertMail(_ context.Context, rows []domain.MailRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		f.mail[r.UserID+"|"+r.MailKey] = r
	}
	return nil
}

func (f *fakeStaging) UpsertCRM(_ context.Context, rows []domain.CRMRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		f.crm[r.UserID+"|"+r.JobIndex] = r
	}
	return nil
}

func (f *fakeStaging) FetchMail(_ context.Context, runID string) ([]domain.MailRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.MailRow
	for _, r := range f.mail {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStaging) FetchCRM(_ context.Context, runID string) ([]domain.CRMRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CRMRow
	for _, r := range f.crm {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStaging) CountMail(ctx context.Context, runID string) (int, error) {
	rows, _ := f.FetchMail(ctx, runID)
	return len(rows), nil
}

func (f *fakeStaging) CountCRM(ctx context.Context, runID string) (int, error) {
	rows, _ := f.FetchCRM(ctx, runID)
	return len(rows), nil
}

type fakeMatches struct {
	mu   sync.Mutex
	data map[string]domain.Match // userID|jobIndex
}

func newFakeMatches() *fakeMatches { return &fakeMatches{data: make(map[string]domain.Match)} }

func (f *fakeMatches) Upsert(_ context.Context, rows []domain.Match) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range rows {
		f.data[m.UserID+"|"+m.JobIndex] = m
	}
	return nil
}

func (f *fakeMatches) FetchByRun(_ context.Context, runID string) ([]domain.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Match
	for _, m := range f.data {
		if m.RunID == runID {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeResults struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeResults() *fakeResults { return &fakeResults{data: make(map[string][]byte)} }

func (f *fakeResults) Save(_ context.Context, runID, userID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[runID] = payload
	return nil
}

func (f *fakeResults) Get(_ context.Context, runID, userID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.data[runID]; ok {
		return b, nil
	}
	return nil, apierr.New(apierr.NotFound, "no result for run %s", runID)
}

// =============================================================================
// TEST HELPERS
// =============================================================================

type fixture struct {
	svc     *Service
	runs    *fakeRuns
	staging *fakeStaging
	matches *fakeMatches
	results *fakeResults
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		runs:    newFakeRuns(),
		staging: newFakeStaging(),
		matches: newFakeMatches(),
		results: newFakeResults(),
	}
	// a long heartbeat keeps the status history deterministic
	f.svc = New(f.runs, newFakeRaw(), newFakeMappings(), f.staging, f.matches, f.results,
		Options{MatchConfig: matching.DefaultConfig(), Heartbeat: time.Minute})
	return f
}

// gatedStaging blocks the worker's first fetch until the gate opens, so a
// test can cancel a run while it is verifiably mid-flight.
type gatedStaging struct {
	*fakeStaging
	gate chan struct{}
}

func (g *gatedStaging) FetchMail(ctx context.Context, runID string) ([]domain.MailRow, error) {
	<-g.gate
	return g.fakeStaging.FetchMail(ctx, runID)
}

const mailCSV = "id,address1,city,state,zip,sent_date\n" +
	"M1,123 MAIN ST,Austin,TX,78701,2024-03-01\n" +
	"M2,10 Elm Ave,Boston,MA,02139,2024-05-10\n" +
	"M3,50 Oak Rd,Austin,TX,78702,2024-06-01\n"

const crmCSV = "id,address1,city,state,zip,job_date,job_value\n" +
	"J1,123 Main Street,Austin,TX,78701-1234,2024-04-15,500\n"

// runPipeline uploads both CSVs, saves empty mappings, and starts.
func runPipeline(t *testing.T, f *fixture, userID string) string {
	t.Helper()
	ctx := context.Background()

	run, err := f.svc.CreateRun(ctx, userID)
	require.NoError(t, err)

	_, err = f.svc.UploadRaw(ctx, userID, run.ID, "mail", strings.NewReader(mailCSV))
	require.NoError(t, err)
	_, err = f.svc.UploadRaw(ctx, userID, run.ID, "crm", strings.NewReader(crmCSV))
	require.NoError(t, err)

	require.NoError(t, f.svc.StartPipeline(ctx, userID, run.ID))
	f.svc.Wait()
	return run.ID
}

// =============================================================================
// PIPELINE TESTS
// =============================================================================

func TestPipeline_EndToEnd(t *testing.T) {
	f := setup(t)
	runID := runPipeline(t, f, "u1")

	run, err := f.runs.GetByID(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunDone, run.Status)
	assert.Equal(t, 100, run.Pct)
	assert.Equal(t, 3, run.MailCount)
	assert.Equal(t, 1, run.CRMCount)

	// lifecycle passes through every staging state in order
	want := []string{
		domain.RunStarting,
		domain.RunNormalizingMail, domain.RunMailInserting, domain.RunMailReady,
		domain.RunNormalizingCRM, domain.RunCRMInserting, domain.RunCRMReady,
		domain.RunMatching, domain.RunAggregating, domain.RunDone,
	}
	assert.Equal(t, want, f.runs.history)

	// result payload is persisted and coherent
	blob, err := f.results.Get(context.Background(), runID, "u1")
	require.NoError(t, err)
	var payload struct {
		KPIs struct {
			Matches             int     `json:"matches"`
			TotalMail           int     `json:"total_mail"`
			MedianDaysToConvert float64 `json:"median_days_to_convert"`
		} `json:"kpis"`
	}
	require.NoError(t, json.Unmarshal(blob, &payload))
	assert.Equal(t, 1, payload.KPIs.Matches)
	assert.Equal(t, 3, payload.KPIs.TotalMail)
	assert.Equal(t, 45.0, payload.KPIs.MedianDaysToConvert)
}

func TestPipeline_ReuploadIsIdempotent(t *testing.T) {
	f := setup(t)
	runPipeline(t, f, "u1")
	mailBefore := len(f.staging.mail)
	matchesBefore := len(f.matches.data)
	require.Equal(t, 3, mailBefore)

	// identical content, fresh run
	runID2 := runPipeline(t, f, "u1")

	assert.Len(t, f.staging.mail, mailBefore)
	assert.Len(t, f.matches.data, matchesBefore)

	run, _ := f.runs.GetByID(context.Background(), runID2)
	assert.Equal(t, domain.RunDone, run.Status)
}

func TestPipeline_MappingGate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	run, err := f.svc.CreateRun(ctx, "u1")
	require.NoError(t, err)

	// mail upload lacks a date column entirely; crm never uploaded
	_, err = f.svc.UploadRaw(ctx, "u1", run.ID, "mail",
		strings.NewReader("address1,city,state,zip\n1 Main St,Austin,TX,78701\n"))
	require.NoError(t, err)

	err = f.svc.StartPipeline(ctx, "u1", run.ID)
	require.Error(t, err)
	assert.Equal(t, apierr.Conflict, apierr.KindOf(err))

	var e *apierr.Error
	require.ErrorAs(t, err, &e)
	missing := e.Details["missing"].(map[string][]string)
	assert.Equal(t, []string{"sent_date"}, missing["mail"])
	assert.NotEmpty(t, missing["crm"]) // everything missing: no upload
}

func TestPipeline_ZeroRowsFailsRun(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	run, err := f.svc.CreateRun(ctx, "u1")
	require.NoError(t, err)

	// headers satisfy the gate but every row has an unparseable date
	_, err = f.svc.UploadRaw(ctx, "u1", run.ID, "mail",
		strings.NewReader("address1,city,state,zip,sent_date\n1 Main St,Austin,TX,78701,not-a-date\n"))
	require.NoError(t, err)
	_, err = f.svc.UploadRaw(ctx, "u1", run.ID, "crm", strings.NewReader(crmCSV))
	require.NoError(t, err)

	err = f.svc.StartPipeline(ctx, "u1", run.ID)
	require.Error(t, err)
	assert.Equal(t, apierr.ValidationError, apierr.KindOf(err))

	got, _ := f.runs.GetByID(ctx, run.ID)
	assert.Equal(t, domain.RunFailed, got.Status)
	assert.Contains(t, got.Message, "mail")
}

func TestPipeline_UploadBackpressure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	run, err := f.svc.CreateRun(ctx, "u1")
	require.NoError(t, err)

	// simulate a run mid-matching for the same user
	require.NoError(t, f.runs.SetStatus(ctx, run.ID, domain.RunMatching, 90, "load", "Linking"))

	run2, err := f.svc.CreateRun(ctx, "u1")
	require.NoError(t, err)
	_, err = f.svc.UploadRaw(ctx, "u1", run2.ID, "mail", strings.NewReader(mailCSV))
	require.Error(t, err)
	assert.Equal(t, apierr.Conflict, apierr.KindOf(err))
}

func TestPipeline_CancelMidMatch(t *testing.T) {
	f := setup(t)
	gated := &gatedStaging{fakeStaging: f.staging, gate: make(chan struct{})}
	svc := New(f.runs, newFakeRaw(), newFakeMappings(), gated, f.matches, f.results,
		Options{MatchConfig: matching.DefaultConfig(), Heartbeat: time.Minute})

	ctx := context.Background()
	run, err := svc.CreateRun(ctx, "u1")
	require.NoError(t, err)
	_, err = svc.UploadRaw(ctx, "u1", run.ID, "mail", strings.NewReader(mailCSV))
	require.NoError(t, err)
	_, err = svc.UploadRaw(ctx, "u1", run.ID, "crm", strings.NewReader(crmCSV))
	require.NoError(t, err)
	require.NoError(t, svc.StartPipeline(ctx, "u1", run.ID))

	// the worker is parked at its first fetch; cancel, then release it
	assert.True(t, svc.Cancel(run.ID))
	close(gated.gate)
	svc.Wait()

	got, err := f.runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, got.Status)
	assert.Equal(t, "cancelled", got.Message)

	// a cancel after the worker is gone is a no-op
	assert.False(t, svc.Cancel(run.ID))
}

func TestPipeline_StatusAndResult(t *testing.T) {
	f := setup(t)
	runID := runPipeline(t, f, "u1")
	ctx := context.Background()

	snap, err := f.svc.Status(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunDone, snap.Status)
	assert.Equal(t, 100, snap.Pct)

	blob, err := f.svc.Result(ctx, "u1", runID)
	require.NoError(t, err)
	assert.True(t, json.Valid(blob))

	// someone else's run is forbidden, not hidden
	_, err = f.svc.Result(ctx, "someone-else", runID)
	assert.Equal(t, apierr.Unauthorized, apierr.KindOf(err))

	// an absent run stays a plain miss
	_, err = f.svc.Result(ctx, "u1", "no-such-run")
	assert.Equal(t, apierr.NotFound, apierr.KindOf(err))
}

func TestPipeline_ResultBeforeDoneConflicts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	run, err := f.svc.CreateRun(ctx, "u1")
	require.NoError(t, err)

	_, err = f.svc.Result(ctx, "u1", run.ID)
	assert.Equal(t, apierr.Conflict, apierr.KindOf(err))
}

func TestPipeline_ResultRecomputesMissingBlob(t *testing.T) {
	f := setup(t)
	runID := runPipeline(t, f, "u1")
	ctx := context.Background()

	// drop the cached blob; Result must rebuild from staging+matches
	f.results.mu.Lock()
	delete(f.results.data, runID)
	f.results.mu.Unlock()

	blob, err := f.svc.Result(ctx, "u1", runID)
	require.NoError(t, err)
	var payload struct {
		KPIs struct {
			Matches int `json:"matches"`
		} `json:"kpis"`
	}
	require.NoError(t, json.Unmarshal(blob, &payload))
	assert.Equal(t, 1, payload.KPIs.Matches)
}

func TestPipeline_LatestAndList(t *testing.T) {
	f := setup(t)
	runID := runPipeline(t, f, "u1")
	ctx := context.Background()

	latest, err := f.svc.LatestRun(ctx, "u1", true)
	require.NoError(t, err)
	assert.Equal(t, runID, latest.ID)

	items, _, err := f.svc.ListRuns(ctx, "u1", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.RunDone, items[0].Status)

	_, err = f.svc.LatestRun(ctx, "nobody", false)
	assert.Equal(t, apierr.NotFound, apierr.KindOf(err))
}

func TestPipeline_ListRunsDefaultPageSize(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	f.runs.mu.Lock()
	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("r%02d", i)
		f.runs.runs[id] = &domain.Run{
			ID: id, UserID: "u1", Status: domain.RunDone,
			StartedAt: base.Add(-time.Duration(i) * time.Minute),
		}
	}
	f.runs.mu.Unlock()

	// limit 0 falls back to the default page size and still pages
	items, next, err := f.svc.ListRuns(ctx, "u1", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, items, 20)
	assert.Equal(t, "r00", items[0].ID)
	require.False(t, next.IsZero())
	assert.Equal(t, items[19].StartedAt, next)

	// the cursor reaches the remaining runs and the last page ends cleanly
	items, next, err = f.svc.ListRuns(ctx, "u1", next, 0)
	require.NoError(t, err)
	require.Len(t, items, 10)
	assert.Equal(t, "r20", items[0].ID)
	assert.True(t, next.IsZero())
}

func TestPipeline_StartUnclaimableRun(t *testing.T) {
	f := setup(t)
	runID := runPipeline(t, f, "u1")

	// the run is done; a second start must not claim it
	err := f.svc.StartPipeline(context.Background(), "u1", runID)
	require.Error(t, err)
	assert.Equal(t, apierr.Conflict, apierr.KindOf(err))
}
