package domain

import "time"

// MailRow is one normalized mail contact in staging.
// MailKey is unique per user; (RunID, LineNo) is the per-run primary key.
type MailRow struct {
	RunID       string
	LineNo      int
	UserID      string
	MailKey     string
	SourceID    string
	Address1    string
	Address2    string
	City        string
	State       string
	Zip         string
	FullAddress string
	SentDate    *time.Time
}

// CRMRow is one normalized CRM job in staging.
// JobIndex is unique per user; (RunID, LineNo) is the per-run primary key.
type CRMRow struct {
	RunID       string
	LineNo      int
	UserID      string
	JobIndex    string
	SourceID    string
	Address1    string
	Address2    string
	City        string
	State       string
	Zip         string
	FullAddress string
	JobDate     *time.Time
	JobValue    *float64
}

// Match links a CRM job to the winning mail row plus provenance of every
// in-window mail contact. One row per (UserID, JobIndex).
type Match struct {
	RunID             string
	UserID            string
	JobIndex          string
	CRMLineNo         int
	CRMJobDate        *time.Time
	JobValue          *float64
	CRMCity           string
	CRMState          string
	CRMZip            string
	CRMFullAddress    string
	MailFullAddress   string
	MailIDs           []string
	MatchedMailDates  []time.Time
	ConfidencePercent int
	MatchNotes        string
	Zip5              string
	State             string
}
