package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/mailtrace/internal/aggregate"
	"github.com/ignite/mailtrace/internal/domain"
	"github.com/ignite/mailtrace/internal/matching"
	"github.com/ignite/mailtrace/internal/pkg/logger"
)

// matchRun is the asynchronous tail of the pipeline: match, aggregate,
// finalize. It owns the run until a terminal state and never lets an
// error escape; every exit path lands the run in done or failed.
func (s *Service) matchRun(ctx context.Context, userID, runID string) {
	defer s.wg.Done()
	defer s.dropCancel(runID)

	// The heartbeat keeps the status message fresh while a long match
	// holds the run in one state.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go s.heartbeatLoop(hbCtx, runID)

	defer func() {
		if r := recover(); r != nil {
			stopHeartbeat()
			logger.Error("match worker panicked", "run_id", runID, "panic", fmt.Sprint(r))
			s.markFailed(runID, fmt.Sprintf("match worker panicked: %v", r))
		}
	}()

	bg := context.WithoutCancel(ctx)

	step := func(status string, pct int, step, message string) bool {
		if ctx.Err() != nil {
			stopHeartbeat()
			s.markFailed(runID, "cancelled")
			return false
		}
		if err := s.setStatus(bg, runID, status, pct, step, message); err != nil {
			logger.Error("status write failed", "run_id", runID, "error", err.Error())
		}
		return true
	}

	if !step(domain.RunMatching, 90, "load", labelMatching) {
		return
	}
	mailRows, err := s.staging.FetchMail(bg, runID)
	if err != nil {
		stopHeartbeat()
		s.markFailed(runID, err.Error())
		return
	}
	crmRows, err := s.staging.FetchCRM(bg, runID)
	if err != nil {
		stopHeartbeat()
		s.markFailed(runID, err.Error())
		return
	}
	if !step(domain.RunMatching, 90, "fetch_done", labelMatching) {
		return
	}

	if !step(domain.RunMatching, 90, "match_start", labelMatching) {
		return
	}
	res := matching.Run(mailRows, crmRows, s.matchCfg)
	logger.Info("matching complete", "run_id", runID,
		"matches", len(res.Matches), "excluded", len(res.Excluded))
	if len(res.Matches) > 0 {
		if err := s.matches.Upsert(bg, res.Matches); err != nil {
			stopHeartbeat()
			s.markFailed(runID, err.Error())
			return
		}
	}
	if !step(domain.RunMatching, 90, "match_done", labelMatching) {
		return
	}

	if !step(domain.RunAggregating, 97, "kpi", labelAggregating) {
		return
	}
	payload := aggregate.Compute(runID, mailRows, crmRows, res.Matches)
	blob, err := json.Marshal(payload)
	if err != nil {
		stopHeartbeat()
		s.markFailed(runID, err.Error())
		return
	}
	if !step(domain.RunAggregating, 97, "finalize", labelAggregating) {
		return
	}
	if err := s.results.Save(bg, runID, userID, blob); err != nil {
		stopHeartbeat()
		s.markFailed(runID, err.Error())
		return
	}

	stopHeartbeat()
	if err := s.setStatus(bg, runID, domain.RunDone, 100, "done", labelDone); err != nil {
		logger.Error("final status write failed", "run_id", runID, "error", err.Error())
	}
}

// heartbeatLoop re-emits the current matching status on an interval so
// pollers see a live run even during a long scoring pass.
func (s *Service) heartbeatLoop(ctx context.Context, runID string) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run, err := s.runs.GetByID(ctx, runID)
			if err != nil || run.Terminal() {
				return
			}
			if err := s.setStatus(ctx, runID, run.Status, run.Pct, run.Step, run.Message); err != nil {
				logger.Warn("heartbeat write failed", "run_id", runID, "error", err.Error())
			}
		}
	}
}

// markFailed lands the run in failed outside the caller's (possibly
// cancelled) context.
func (s *Service) markFailed(runID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.setStatus(ctx, runID, domain.RunFailed, 100, domain.RunFailed, message); err != nil {
		logger.Error("failed to mark run failed", "run_id", runID, "error", err.Error())
	}
}

// computePayload rebuilds the result object from staging and matches.
func (s *Service) computePayload(ctx context.Context, runID string) (*aggregate.Payload, error) {
	mailRows, err := s.staging.FetchMail(ctx, runID)
	if err != nil {
		return nil, err
	}
	crmRows, err := s.staging.FetchCRM(ctx, runID)
	if err != nil {
		return nil, err
	}
	matchRows, err := s.matches.FetchByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	payload := aggregate.Compute(runID, mailRows, crmRows, matchRows)
	return &payload, nil
}
