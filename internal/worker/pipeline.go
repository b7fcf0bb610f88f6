package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/ignite/mailtrace/internal/apierr"
	"github.com/ignite/mailtrace/internal/datanorm"
	"github.com/ignite/mailtrace/internal/domain"
	"github.com/ignite/mailtrace/internal/pkg/logger"
)

// Status labels are part of the external contract; the UI binds to them.
const (
	labelStarting      = "Starting run"
	labelMailReading   = "Normalizing Mail (reading RAW)"
	labelMailWriting   = "Normalizing Mail (writing to staging)"
	labelMailReady     = "Mail normalized"
	labelCRMReading    = "Normalizing CRM (reading RAW)"
	labelCRMWriting    = "Normalizing CRM (writing to staging)"
	labelCRMReady      = "CRM normalized"
	labelMatching      = "Linking Mail ↔ CRM"
	labelAggregating   = "Aggregating results"
	labelDone          = "Run complete"
	labelFailedGeneric = "Run failed"
)

// StartPipeline gates on mapping completeness, claims the run, stages
// both sources, and launches the matching worker. It returns once the
// worker is off; the caller polls status from there.
func (s *Service) StartPipeline(ctx context.Context, userID, runID string) error {
	if _, err := s.runs.Get(ctx, userID, runID); err != nil {
		return err
	}

	missing, err := s.checkMappings(ctx, runID)
	if err != nil {
		return err
	}
	if len(missing[string(datanorm.SourceMail)]) > 0 || len(missing[string(datanorm.SourceCRM)]) > 0 {
		return apierr.New(apierr.Conflict, "required fields are not mapped").
			WithDetails(map[string]any{"missing": missing})
	}

	if err := s.runs.Claim(ctx, userID, runID); err != nil {
		return err
	}

	mailCount, err := s.stageSource(ctx, userID, runID, datanorm.SourceMail)
	if err != nil {
		return err
	}
	crmCount, err := s.stageSource(ctx, userID, runID, datanorm.SourceCRM)
	if err != nil {
		return err
	}
	if mailCount == 0 || crmCount == 0 {
		return apierr.New(apierr.ValidationError, "staging incomplete for run %s", runID)
	}
	ready, err := s.PairReady(ctx, runID)
	if err != nil {
		return err
	}
	if !ready {
		return s.failRun(ctx, runID, "staging is not ready for matching")
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.registerCancel(runID, cancel)
	s.wg.Add(1)
	go s.matchRun(workerCtx, userID, runID)
	return nil
}

// PairReady reports whether both staging tables carry at least one row
// for the run. Matching never starts on a half-staged pair.
func (s *Service) PairReady(ctx context.Context, runID string) (bool, error) {
	mail, err := s.staging.CountMail(ctx, runID)
	if err != nil {
		return false, err
	}
	crm, err := s.staging.CountCRM(ctx, runID)
	if err != nil {
		return false, err
	}
	return mail > 0 && crm > 0, nil
}

// checkMappings reports the unsatisfiable required fields per source. A
// source with no upload at all reports every required field missing.
func (s *Service) checkMappings(ctx context.Context, runID string) (map[string][]string, error) {
	out := make(map[string][]string, 2)
	for _, src := range []datanorm.Source{datanorm.SourceMail, datanorm.SourceCRM} {
		required, _ := datanorm.CanonFor(src)
		headers, err := s.raw.Headers(ctx, runID, string(src))
		if err != nil {
			if apierr.KindOf(err) == apierr.NotFound {
				out[string(src)] = append([]string(nil), required...)
				continue
			}
			return nil, err
		}
		mapping, err := s.mappings.Get(ctx, runID, string(src))
		if err != nil {
			return nil, err
		}
		out[string(src)] = datanorm.MissingRequired(src, headers, mapping)
	}
	return out, nil
}

// stageSource runs the read-apply-insert phase for one source and leaves
// the run in its *_ready state. Zero normalized rows fail the whole run.
func (s *Service) stageSource(ctx context.Context, userID, runID string, src datanorm.Source) (int, error) {
	reading, writing, ready := domain.RunNormalizingMail, domain.RunMailInserting, domain.RunMailReady
	labels := [3]string{labelMailReading, labelMailWriting, labelMailReady}
	pcts := [3]int{15, 35, 55}
	if src == datanorm.SourceCRM {
		reading, writing, ready = domain.RunNormalizingCRM, domain.RunCRMInserting, domain.RunCRMReady
		labels = [3]string{labelCRMReading, labelCRMWriting, labelCRMReady}
		pcts = [3]int{60, 78, 85}
	}

	if err := s.setStatus(ctx, runID, reading, pcts[0], reading, labels[0]); err != nil {
		return 0, err
	}
	raw, err := s.raw.Rows(ctx, runID, string(src))
	if err != nil {
		return 0, s.failRun(ctx, runID, err.Error())
	}
	mapping, err := s.mappings.Get(ctx, runID, string(src))
	if err != nil {
		return 0, s.failRun(ctx, runID, err.Error())
	}
	_, alias := datanorm.CanonFor(src)
	canon := datanorm.ApplyMapping(raw, mapping, alias)

	var count, skipped int
	if err := s.setStatus(ctx, runID, writing, pcts[1], writing, labels[1]); err != nil {
		return 0, err
	}
	if src == datanorm.SourceMail {
		rows, sk := datanorm.BuildMailRows(runID, userID, canon)
		count, skipped = len(rows), sk
		if count > 0 {
			if err := s.staging.UpsertMail(ctx, rows); err != nil {
				return 0, s.failRun(ctx, runID, err.Error())
			}
		}
	} else {
		rows, sk := datanorm.BuildCRMRows(runID, userID, canon)
		count, skipped = len(rows), sk
		if count > 0 {
			if err := s.staging.UpsertCRM(ctx, rows); err != nil {
				return 0, s.failRun(ctx, runID, err.Error())
			}
		}
	}
	if count == 0 {
		msg := zeroRowMessage(src, raw, mapping)
		return 0, s.failRun(ctx, runID, msg)
	}

	if err := s.runs.SetSourceReady(ctx, runID, string(src), count); err != nil {
		return 0, err
	}
	if err := s.setStatus(ctx, runID, ready, pcts[2], ready, labels[2]); err != nil {
		return 0, err
	}
	logger.Info("source staged", "run_id", runID, "source", string(src),
		"rows", count, "skipped", skipped)
	return count, nil
}

// zeroRowMessage names the source and, when deducible from the headers,
// the required fields that could not be satisfied.
func zeroRowMessage(src datanorm.Source, raw []map[string]string, mapping map[string]string) string {
	msg := fmt.Sprintf("%s normalization produced zero rows", src)
	if len(raw) == 0 {
		return msg + " (no raw rows uploaded)"
	}
	headers := make([]string, 0, len(raw[0]))
	for h := range raw[0] {
		headers = append(headers, h)
	}
	if missing := datanorm.MissingRequired(src, headers, mapping); len(missing) > 0 {
		msg += " (missing required fields: " + strings.Join(missing, ", ") + ")"
	}
	return msg
}

// failRun moves the run to failed, preserving the cause, and returns the
// matching domain error for the synchronous caller.
func (s *Service) failRun(ctx context.Context, runID, message string) error {
	if err := s.setStatus(ctx, runID, domain.RunFailed, 100, domain.RunFailed, message); err != nil {
		logger.Error("failed to mark run failed", "run_id", runID, "error", err.Error())
	}
	return apierr.New(apierr.ValidationError, "%s", message)
}
