package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/mailtrace/internal/apierr"
	"github.com/ignite/mailtrace/internal/domain"
	"github.com/ignite/mailtrace/internal/pkg/logger"
	"github.com/ignite/mailtrace/internal/worker"
)

// Core is the run service surface the HTTP layer binds to.
type Core interface {
	CreateRun(ctx context.Context, userID string) (*domain.Run, error)
	UploadRaw(ctx context.Context, userID, runID, source string, body io.Reader) (*worker.UploadResult, error)
	SaveMapping(ctx context.Context, userID, runID, source string, mapping map[string]string) error
	GetMapping(ctx context.Context, runID, source string) (map[string]string, error)
	GetHeaders(ctx context.Context, runID, source string, sampleN int) ([]string, []map[string]string, error)
	StartPipeline(ctx context.Context, userID, runID string) error
	Status(ctx context.Context, runID string) (*domain.StatusSnapshot, error)
	Result(ctx context.Context, userID, runID string) (json.RawMessage, error)
	LatestRun(ctx context.Context, userID string, onlyDone bool) (*domain.Run, error)
	ListRuns(ctx context.Context, userID string, cursor time.Time, limit int) ([]domain.RunSummary, time.Time, error)
}

// Handlers holds the HTTP handlers over the core service.
type Handlers struct {
	core Core
}

func NewHandlers(core Core) *Handlers { return &Handlers{core: core} }

type userIDKey struct{}

// RequireUser extracts the caller identity from X-User-ID. Everything
// under /api is per-user.
func (h *Handlers) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			writeError(w, apierr.New(apierr.Unauthorized, "missing X-User-ID header"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey{}).(string)
	return id
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateRun reuses the caller's active run or creates a new one.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.core.CreateRun(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": run.ID})
}

// UploadRaw lands a CSV for one source. Accepts multipart ("file" part)
// or a raw body.
func (h *Handlers) UploadRaw(w http.ResponseWriter, r *http.Request) {
	body, err := uploadBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer body.Close()

	res, err := h.core.UploadRaw(r.Context(), userID(r),
		chi.URLParam(r, "runID"), chi.URLParam(r, "source"), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// uploadBody picks the CSV stream out of the request.
func uploadBody(r *http.Request) (io.ReadCloser, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		f, _, err := r.FormFile("file")
		if err != nil {
			return nil, apierr.New(apierr.BadRequest, "missing multipart file field")
		}
		return f, nil
	}
	if r.Body == nil {
		return nil, apierr.New(apierr.BadRequest, "missing upload payload")
	}
	return r.Body, nil
}

// SaveMapping stores the canonical-field → header mapping for a source.
func (h *Handlers) SaveMapping(w http.ResponseWriter, r *http.Request) {
	var mapping map[string]string
	if err := json.NewDecoder(r.Body).Decode(&mapping); err != nil {
		writeError(w, apierr.New(apierr.BadRequest, "invalid mapping body: %v", err))
		return
	}
	if err := h.core.SaveMapping(r.Context(), userID(r),
		chi.URLParam(r, "runID"), chi.URLParam(r, "source"), mapping); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// GetMapping returns the saved mapping for a source.
func (h *Handlers) GetMapping(w http.ResponseWriter, r *http.Request) {
	mapping, err := h.core.GetMapping(r.Context(),
		chi.URLParam(r, "runID"), chi.URLParam(r, "source"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapping)
}

// GetHeaders returns the uploaded headers plus sample rows.
func (h *Handlers) GetHeaders(w http.ResponseWriter, r *http.Request) {
	sampleN, _ := strconv.Atoi(r.URL.Query().Get("sample_n"))
	headers, rows, err := h.core.GetHeaders(r.Context(),
		chi.URLParam(r, "runID"), chi.URLParam(r, "source"), sampleN)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"headers":     headers,
		"sample_rows": rows,
	})
}

// StartPipeline kicks off normalization and matching for the run.
func (h *Handlers) StartPipeline(w http.ResponseWriter, r *http.Request) {
	if err := h.core.StartPipeline(r.Context(), userID(r), chi.URLParam(r, "runID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Status returns the polling snapshot for a run.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	snap, err := h.core.Status(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Result returns the full payload once the run is done.
func (h *Handlers) Result(w http.ResponseWriter, r *http.Request) {
	blob, err := h.core.Result(r.Context(), userID(r), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(blob)
}

// LatestRun returns the user's most recent run snapshot.
func (h *Handlers) LatestRun(w http.ResponseWriter, r *http.Request) {
	onlyDone := r.URL.Query().Get("only_done") == "true"
	run, err := h.core.LatestRun(r.Context(), userID(r), onlyDone)
	if err != nil {
		if apierr.KindOf(err) == apierr.NotFound {
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ListRuns pages run history newest-first with a started_at cursor.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	var cursor time.Time
	if c := r.URL.Query().Get("cursor"); c != "" {
		t, err := time.Parse(time.RFC3339Nano, c)
		if err != nil {
			writeError(w, apierr.New(apierr.BadRequest, "invalid cursor"))
			return
		}
		cursor = t
	}
	items, next, err := h.core.ListRuns(r.Context(), userID(r), cursor, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"items": items}
	if !next.IsZero() {
		resp["next_cursor"] = next.Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

// errorBody is the wire shape for all error responses.
type errorBody struct {
	Error struct {
		Type    string         `json:"type"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	var body errorBody
	body.Error.Type = string(kind)
	body.Error.Message = err.Error()

	var e *apierr.Error
	if errors.As(err, &e) {
		body.Error.Message = e.Message
		body.Error.Details = e.Details
	} else if kind == apierr.Internal {
		logger.Error("internal error", "error", err.Error())
		body.Error.Message = "internal error"
	}
	writeJSON(w, apierr.StatusCode(kind), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("response encode failed", "error", err.Error())
	}
}
