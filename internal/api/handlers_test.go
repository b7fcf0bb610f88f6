package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailtrace/internal/apierr"
	"github.com/ignite/mailtrace/internal/domain"
	"github.com/ignite/mailtrace/internal/worker"
)

// fakeCore stubs the service surface one method at a time.
type fakeCore struct {
	createRun     func(userID string) (*domain.Run, error)
	uploadRaw     func(userID, runID, source string, body io.Reader) (*worker.UploadResult, error)
	saveMapping   func(userID, runID, source string, mapping map[string]string) error
	getMapping    func(runID, source string) (map[string]string, error)
	getHeaders    func(runID, source string, sampleN int) ([]string, []map[string]string, error)
	startPipeline func(userID, runID string) error
	status        func(runID string) (*domain.StatusSnapshot, error)
	result        func(userID, runID string) (json.RawMessage, error)
	latestRun     func(userID string, onlyDone bool) (*domain.Run, error)
	listRuns      func(userID string, cursor time.Time, limit int) ([]domain.RunSummary, time.Time, error)
}

func (f *fakeCore) CreateRun(_ context.Context, userID string) (*domain.Run, error) {
	return f.createRun(userID)
}

func (f *fakeCore) UploadRaw(_ context.Context, userID, runID, source string, body io.Reader) (*worker.UploadResult, error) {
	return f.uploadRaw(userID, runID, source, body)
}

func (f *fakeCore) SaveMapping(_ context.Context, userID, runID, source string, mapping map[string]string) error {
	return f.saveMapping(userID, runID, source, mapping)
}

func (f *fakeCore) GetMapping(_ context.Context, runID, source string) (map[string]string, error) {
	return f.getMapping(runID, source)
}

func (f *fakeCore) GetHeaders(_ context.Context, runID, source string, sampleN int) ([]string, []map[string]string, error) {
	return f.getHeaders(runID, source, sampleN)
}

func (f *fakeCore) StartPipeline(_ context.Context, userID, runID string) error {
	return f.startPipeline(userID, runID)
}

func (f *fakeCore) Status(_ context.Context, runID string) (*domain.StatusSnapshot, error) {
	return f.status(runID)
}

func (f *fakeCore) Result(_ context.Context, userID, runID string) (json.RawMessage, error) {
	return f.result(userID, runID)
}

func (f *fakeCore) LatestRun(_ context.Context, userID string, onlyDone bool) (*domain.Run, error) {
	return f.latestRun(userID, onlyDone)
}

func (f *fakeCore) ListRuns(_ context.Context, userID string, cursor time.Time, limit int) ([]domain.RunSummary, time.Time, error) {
	return f.listRuns(userID, cursor, limit)
}

func serve(core Core, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	setupRoutes(NewHandlers(core)).ServeHTTP(rec, req)
	return rec
}

func asUser(req *http.Request, userID string) *http.Request {
	req.Header.Set("X-User-ID", userID)
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestRequireUser_MissingHeader(t *testing.T) {
	rec := serve(&fakeCore{}, httptest.NewRequest(http.MethodPost, "/api/runs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	body := decode[errorBody](t, rec)
	assert.Equal(t, "Unauthorized", body.Error.Type)
}

func TestHealthCheck(t *testing.T) {
	// no identity required
	rec := serve(&fakeCore{}, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateRun(t *testing.T) {
	core := &fakeCore{createRun: func(userID string) (*domain.Run, error) {
		assert.Equal(t, "u1", userID)
		return &domain.Run{ID: "r1", UserID: userID, Status: domain.RunQueued}, nil
	}}

	rec := serve(core, asUser(httptest.NewRequest(http.MethodPost, "/api/runs", nil), "u1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "r1", decode[map[string]string](t, rec)["run_id"])
}

func TestUploadRaw_Multipart(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "mail.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("address1,sent_date\n1 Main St,2024-03-01\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	core := &fakeCore{uploadRaw: func(userID, runID, source string, body io.Reader) (*worker.UploadResult, error) {
		assert.Equal(t, "r1", runID)
		assert.Equal(t, "mail", source)
		data, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Contains(t, string(data), "1 Main St")
		return &worker.UploadResult{State: "raw_only", RawCount: 1, SampleHeaders: []string{"address1", "sent_date"}}, nil
	}}

	req := asUser(httptest.NewRequest(http.MethodPost, "/api/runs/r1/upload/mail", &buf), "u1")
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := serve(core, req)

	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[worker.UploadResult](t, rec)
	assert.Equal(t, "raw_only", res.State)
	assert.Equal(t, 1, res.RawCount)
}

func TestUploadRaw_RawBody(t *testing.T) {
	core := &fakeCore{uploadRaw: func(userID, runID, source string, body io.Reader) (*worker.UploadResult, error) {
		data, _ := io.ReadAll(body)
		assert.Equal(t, "a,b\n1,2\n", string(data))
		return &worker.UploadResult{State: "raw_only", RawCount: 1}, nil
	}}

	req := asUser(httptest.NewRequest(http.MethodPost, "/api/runs/r1/upload/crm",
		strings.NewReader("a,b\n1,2\n")), "u1")
	rec := serve(core, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSaveMapping_InvalidBody(t *testing.T) {
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/runs/r1/mapping/mail",
		strings.NewReader("{not json")), "u1")
	rec := serve(&fakeCore{}, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartPipeline_MappingConflictShape(t *testing.T) {
	core := &fakeCore{startPipeline: func(userID, runID string) error {
		return apierr.New(apierr.Conflict, "required fields are not mapped").
			WithDetails(map[string]any{"missing": map[string][]string{
				"mail": {"sent_date"},
				"crm":  {},
			}})
	}}

	rec := serve(core, asUser(httptest.NewRequest(http.MethodPost, "/api/runs/r1/start", nil), "u1"))
	require.Equal(t, http.StatusConflict, rec.Code)

	body := decode[errorBody](t, rec)
	assert.Equal(t, "Conflict", body.Error.Type)
	assert.Equal(t, "required fields are not mapped", body.Error.Message)
	require.Contains(t, body.Error.Details, "missing")
}

func TestStatus(t *testing.T) {
	core := &fakeCore{status: func(runID string) (*domain.StatusSnapshot, error) {
		return &domain.StatusSnapshot{RunID: runID, Status: domain.RunMatching, Pct: 90, Step: "match_start"}, nil
	}}

	rec := serve(core, asUser(httptest.NewRequest(http.MethodGet, "/api/runs/r1/status", nil), "u1"))
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[domain.StatusSnapshot](t, rec)
	assert.Equal(t, "r1", snap.RunID)
	assert.Equal(t, 90, snap.Pct)
}

func TestResult_PassesBlobThrough(t *testing.T) {
	blob := json.RawMessage(`{"run_id":"r1","kpis":{"matches":3}}`)
	core := &fakeCore{result: func(userID, runID string) (json.RawMessage, error) {
		return blob, nil
	}}

	rec := serve(core, asUser(httptest.NewRequest(http.MethodGet, "/api/runs/r1/result", nil), "u1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, string(blob), rec.Body.String())
}

func TestResult_FailedRunConflicts(t *testing.T) {
	core := &fakeCore{result: func(userID, runID string) (json.RawMessage, error) {
		return nil, apierr.New(apierr.Conflict, "failed")
	}}

	rec := serve(core, asUser(httptest.NewRequest(http.MethodGet, "/api/runs/r1/result", nil), "u1"))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "failed", decode[errorBody](t, rec).Error.Message)
}

func TestLatestRun_NoneIsEmptyObject(t *testing.T) {
	core := &fakeCore{latestRun: func(userID string, onlyDone bool) (*domain.Run, error) {
		assert.True(t, onlyDone)
		return nil, apierr.New(apierr.NotFound, "no completed runs for user")
	}}

	rec := serve(core, asUser(httptest.NewRequest(http.MethodGet, "/api/runs/latest?only_done=true", nil), "u1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "{}", rec.Body.String())
}

func TestListRuns_Cursor(t *testing.T) {
	last := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	core := &fakeCore{listRuns: func(userID string, cursor time.Time, limit int) ([]domain.RunSummary, time.Time, error) {
		assert.True(t, cursor.IsZero())
		assert.Equal(t, 2, limit)
		return []domain.RunSummary{
			{ID: "r2", StartedAt: last.Add(time.Hour), Status: domain.RunDone},
			{ID: "r1", StartedAt: last, Status: domain.RunFailed},
		}, last, nil
	}}

	rec := serve(core, asUser(httptest.NewRequest(http.MethodGet, "/api/runs?limit=2", nil), "u1"))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[map[string]json.RawMessage](t, rec)
	var items []domain.RunSummary
	require.NoError(t, json.Unmarshal(resp["items"], &items))
	require.Len(t, items, 2)
	assert.Equal(t, "r2", items[0].ID)

	var next string
	require.NoError(t, json.Unmarshal(resp["next_cursor"], &next))
	assert.Equal(t, last.Format(time.RFC3339Nano), next)
}

func TestListRuns_BadCursor(t *testing.T) {
	rec := serve(&fakeCore{}, asUser(httptest.NewRequest(http.MethodGet, "/api/runs?cursor=yesterday", nil), "u1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteError_InternalIsOpaque(t *testing.T) {
	core := &fakeCore{status: func(runID string) (*domain.StatusSnapshot, error) {
		return nil, io.ErrUnexpectedEOF
	}}

	rec := serve(core, asUser(httptest.NewRequest(http.MethodGet, "/api/runs/r1/status", nil), "u1"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decode[errorBody](t, rec).Error.Message)
}
