// Package datanorm maps raw, user-shaped CSV rows onto the canonical
// mail/CRM field set. Raw rows are stored verbatim upstream; everything
// here is a pure transformation driven by a user-declared mapping with
// alias fallback.
package datanorm

import (
	"fmt"
	"strings"
)

// Source identifies which ledger a raw upload belongs to.
type Source string

const (
	SourceMail Source = "mail"
	SourceCRM  Source = "crm"
)

// ParseSource validates a caller-supplied source string.
func ParseSource(s string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(s))) {
	case SourceMail:
		return SourceMail, nil
	case SourceCRM:
		return SourceCRM, nil
	}
	return "", fmt.Errorf("invalid source: %q", s)
}

// Canonical field names shared by both sources.
const (
	FieldSourceID = "source_id"
	FieldAddress1 = "address1"
	FieldAddress2 = "address2"
	FieldCity     = "city"
	FieldState    = "state"
	FieldZip      = "zip"
	FieldSentDate = "sent_date"
	FieldJobDate  = "job_date"
	FieldJobValue = "job_value"
)

// RequiredMail and RequiredCRM are the canonical fields that must be
// satisfiable (explicitly mapped or alias-covered) before a pipeline may
// start.
var (
	RequiredMail = []string{FieldAddress1, FieldCity, FieldState, FieldZip, FieldSentDate}
	RequiredCRM  = []string{FieldAddress1, FieldCity, FieldState, FieldZip, FieldJobDate}
)

// AliasMail maps canonical mail fields to the raw header spellings that
// satisfy them when the user has not mapped the field explicitly.
var AliasMail = map[string][]string{
	FieldSourceID: {"source_id", "source id", "id", "mail_id", "record_id"},
	FieldAddress1: {"address1", "addr1", "address 1", "address", "street", "line1", "line 1"},
	FieldAddress2: {"address2", "addr2", "address 2", "unit", "line2", "apt", "apartment", "suite", "line 2"},
	FieldCity:     {"city", "town"},
	FieldState:    {"state", "st"},
	FieldZip:      {"postal_code", "zip", "zipcode", "zip_code", "zip code"},
	FieldSentDate: {"sent_date", "sent date", "mail_date", "mail date", "date", "sent", "mailed", "mailed_at",
		"mailed at", "date mailed", "mailed date", "mailed_on", "mailed on", "postmark", "postmarked",
		"postmark date", "mailing date", "outbound date"},
}

// AliasCRM is the CRM-side alias table.
var AliasCRM = map[string][]string{
	FieldSourceID: {"source_id", "source id", "external_id", "ext_id", "crm_id", "lead_id", "job_id", "id"},
	FieldAddress1: {"address1", "addr1", "address 1", "address", "street", "line1", "line 1"},
	FieldAddress2: {"address2", "addr2", "address 2", "unit", "line2", "apt", "apartment", "suite", "line 2"},
	FieldCity:     {"city", "town"},
	FieldState:    {"state", "st"},
	FieldZip:      {"postal_code", "zip", "zipcode", "zip_code", "zip code"},
	FieldJobDate:  {"job_date", "date", "created_at", "job date"},
	FieldJobValue: {"job_value", "amount", "value", "revenue", "job value"},
}

// CanonFor returns the required field list and alias table for a source.
func CanonFor(src Source) ([]string, map[string][]string) {
	if src == SourceMail {
		return RequiredMail, AliasMail
	}
	return RequiredCRM, AliasCRM
}
