package domain

import "time"

// Run statuses, in pipeline order. failed is terminal from any non-final state.
const (
	RunQueued          = "queued"
	RunStarting        = "starting"
	RunNormalizingMail = "normalizing_mail"
	RunMailInserting   = "mail_inserting"
	RunMailReady       = "mail_ready"
	RunNormalizingCRM  = "normalizing_crm"
	RunCRMInserting    = "crm_inserting"
	RunCRMReady        = "crm_ready"
	RunMatching        = "matching"
	RunAggregating     = "aggregating"
	RunDone            = "done"
	RunFailed          = "failed"
)

// Run is a single pipeline execution for a user.
type Run struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Status     string     `json:"status"`
	Step       string     `json:"step"`
	Pct        int        `json:"pct"`
	Message    string     `json:"message"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	MailCount  int        `json:"mail_count"`
	CRMCount   int        `json:"crm_count"`
	MailReady  bool       `json:"mail_ready"`
	CRMReady   bool       `json:"crm_ready"`
	MailCSVURL string     `json:"mail_csv_url,omitempty"`
	CRMCSVURL  string     `json:"crm_csv_url,omitempty"`
}

// Terminal reports whether the run can no longer change state.
func (r *Run) Terminal() bool {
	return r.Status == RunDone || r.Status == RunFailed
}

// StatusSnapshot is the compact shape the UI polls.
type StatusSnapshot struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	Pct     int    `json:"pct"`
	Step    string `json:"step"`
	Message string `json:"message"`
}

// RunSummary is a compact row for the run history dropdown.
type RunSummary struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Summary   string    `json:"summary"`
	Status    string    `json:"status"`
}
