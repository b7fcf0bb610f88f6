package worker

import (
	"bytes"
	"context"
	"io"

	"github.com/ignite/mailtrace/internal/apierr"
	"github.com/ignite/mailtrace/internal/datanorm"
	"github.com/ignite/mailtrace/internal/pkg/logger"
)

const sampleRowCount = 5

// UploadResult is the upload_raw response: enough of the file for the
// caller to build a mapping UI.
type UploadResult struct {
	State         string              `json:"state"`
	RawCount      int                 `json:"raw_count"`
	SampleHeaders []string            `json:"sample_headers"`
	SampleRows    []map[string]string `json:"sample_rows"`
}

// UploadRaw lands a CSV stream for one source of a run. The upload
// replaces any prior upload for that source. Rejected with Conflict
// while the user has a run in matching or aggregating.
func (s *Service) UploadRaw(ctx context.Context, userID, runID, source string, body io.Reader) (*UploadResult, error) {
	src, err := datanorm.ParseSource(source)
	if err != nil {
		return nil, apierr.New(apierr.BadRequest, "unknown source %q", source)
	}
	run, err := s.runs.Get(ctx, userID, runID)
	if err != nil {
		return nil, err
	}
	if run.Terminal() {
		return nil, apierr.New(apierr.Conflict, "run %s is finished", runID)
	}

	busy, err := s.runs.ActiveBlocking(ctx, userID)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, apierr.New(apierr.Conflict, "a run is matching or aggregating; retry after it completes")
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, apierr.New(apierr.BadRequest, "read upload: %v", err)
	}
	if len(data) == 0 {
		return nil, apierr.New(apierr.BadRequest, "empty upload")
	}

	headers, rows, err := datanorm.ParseCSV(bytes.NewReader(data))
	if err != nil {
		return nil, apierr.New(apierr.BadRequest, "parse csv: %v", err)
	}
	if len(headers) == 0 {
		return nil, apierr.New(apierr.ValidationError, "%s csv has no header row", src)
	}

	if err := s.raw.Replace(ctx, runID, string(src), headers, rows); err != nil {
		return nil, err
	}

	if s.artifact != nil {
		url, err := s.artifact.SaveCSV(ctx, userID, runID, string(src), data)
		if err != nil {
			logger.Warn("csv artifact save failed", "run_id", runID, "source", string(src), "error", err.Error())
		} else if err := s.runs.SetArtifactURL(ctx, runID, string(src), url); err != nil {
			logger.Warn("artifact url save failed", "run_id", runID, "error", err.Error())
		}
	}

	logger.Info("raw upload staged", "run_id", runID, "source", string(src), "rows", len(rows))
	return &UploadResult{
		State:         "raw_only",
		RawCount:      len(rows),
		SampleHeaders: headers,
		SampleRows:    sample(rows, sampleRowCount),
	}, nil
}

// SaveMapping stores the canonical-field → raw-header mapping for a
// source of the run.
func (s *Service) SaveMapping(ctx context.Context, userID, runID, source string, mapping map[string]string) error {
	src, err := datanorm.ParseSource(source)
	if err != nil {
		return apierr.New(apierr.BadRequest, "unknown source %q", source)
	}
	if _, err := s.runs.Get(ctx, userID, runID); err != nil {
		return err
	}
	return s.mappings.Save(ctx, runID, string(src), mapping)
}

// GetMapping returns the saved mapping, empty when none was saved.
func (s *Service) GetMapping(ctx context.Context, runID, source string) (map[string]string, error) {
	src, err := datanorm.ParseSource(source)
	if err != nil {
		return nil, apierr.New(apierr.BadRequest, "unknown source %q", source)
	}
	return s.mappings.Get(ctx, runID, string(src))
}

// GetHeaders returns the uploaded header row plus up to sampleN rows.
func (s *Service) GetHeaders(ctx context.Context, runID, source string, sampleN int) ([]string, []map[string]string, error) {
	src, err := datanorm.ParseSource(source)
	if err != nil {
		return nil, nil, apierr.New(apierr.BadRequest, "unknown source %q", source)
	}
	headers, err := s.raw.Headers(ctx, runID, string(src))
	if err != nil {
		return nil, nil, err
	}
	if sampleN <= 0 {
		sampleN = sampleRowCount
	}
	rows, err := s.raw.Rows(ctx, runID, string(src))
	if err != nil {
		return nil, nil, err
	}
	return headers, sample(rows, sampleN), nil
}

func sample(rows []map[string]string, n int) []map[string]string {
	if len(rows) <= n {
		return rows
	}
	return rows[:n]
}
