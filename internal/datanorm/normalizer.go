package datanorm

import (
	"strconv"
	"strings"
	"time"

	"github.com/ignite/mailtrace/internal/domain"
	"github.com/ignite/mailtrace/internal/normalize"
)

// Accepted date layouts, tried in order after folding '/' to '-'.
var dateLayouts = []string{
	"2006-01-02",
	"01-02-2006",
	"02-01-2006",
	"01-02-06",
	"02-01-06",
}

// ParseDate coerces a raw cell into a date. Slashes are folded to dashes
// first so "2024/03/01" and "2024-03-01" parse alike; ISO timestamps are
// truncated to their date. Returns nil for anything unparseable.
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d
		}
	}
	z := strings.ReplaceAll(s, "/", "-")
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, z); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d
		}
	}
	return nil
}

func parseValue(s string) *float64 {
	s = strings.TrimSpace(strings.ReplaceAll(strings.TrimPrefix(strings.TrimSpace(s), "$"), ",", ""))
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// BuildMailRows turns canonical-keyed rows into staged mail rows: derives
// full_address and mail_key, drops rows that cannot carry a key or a sent
// date, and dedupes by mail_key keeping the first occurrence. LineNo is
// assigned 1-based in input order over the surviving rows.
func BuildMailRows(runID, userID string, rows []map[string]string) ([]domain.MailRow, int) {
	out := make([]domain.MailRow, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	skipped := 0

	for _, r := range rows {
		sentDate := ParseDate(r[FieldSentDate])
		if sentDate == nil {
			// dateless mail cannot participate in the date window
			skipped++
			continue
		}
		full := normalize.BuildFullAddress(r[FieldAddress1], r[FieldAddress2], r[FieldCity], r[FieldState], r[FieldZip])
		key := normalize.MailKey(r[FieldSourceID], full, sentDate)
		if key == "" || seen[key] {
			skipped++
			continue
		}
		seen[key] = true

		out = append(out, domain.MailRow{
			RunID:       runID,
			LineNo:      len(out) + 1,
			UserID:      userID,
			MailKey:     key,
			SourceID:    strings.TrimSpace(r[FieldSourceID]),
			Address1:    strings.TrimSpace(r[FieldAddress1]),
			Address2:    strings.TrimSpace(r[FieldAddress2]),
			City:        strings.TrimSpace(r[FieldCity]),
			State:       strings.TrimSpace(r[FieldState]),
			Zip:         strings.TrimSpace(r[FieldZip]),
			FullAddress: full,
			SentDate:    sentDate,
		})
	}
	return out, skipped
}

// BuildCRMRows is the CRM analog of BuildMailRows, keyed by job_index.
// A row without an authoritative id and lacking either the full address
// or the job date is dropped: no stable identity can be synthesized.
func BuildCRMRows(runID, userID string, rows []map[string]string) ([]domain.CRMRow, int) {
	out := make([]domain.CRMRow, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	skipped := 0

	for _, r := range rows {
		jobDate := ParseDate(r[FieldJobDate])
		full := normalize.BuildFullAddress(r[FieldAddress1], r[FieldAddress2], r[FieldCity], r[FieldState], r[FieldZip])
		key := normalize.JobIndex(r[FieldSourceID], full, jobDate)
		if key == "" || seen[key] {
			skipped++
			continue
		}
		seen[key] = true

		out = append(out, domain.CRMRow{
			RunID:       runID,
			LineNo:      len(out) + 1,
			UserID:      userID,
			JobIndex:    key,
			SourceID:    strings.TrimSpace(r[FieldSourceID]),
			Address1:    strings.TrimSpace(r[FieldAddress1]),
			Address2:    strings.TrimSpace(r[FieldAddress2]),
			City:        strings.TrimSpace(r[FieldCity]),
			State:       strings.TrimSpace(r[FieldState]),
			Zip:         strings.TrimSpace(r[FieldZip]),
			FullAddress: full,
			JobDate:     jobDate,
			JobValue:    parseValue(r[FieldJobValue]),
		})
	}
	return out, skipped
}
