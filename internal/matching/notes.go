package matching

import (
	"strings"

	"github.com/ignite/mailtrace/internal/domain"
	"github.com/ignite/mailtrace/internal/normalize"
)

// notesFor emits the human-readable comparison flags for a matched pair,
// always mail value first. An empty flag list collapses to "perfect match".
func notesFor(mail *domain.MailRow, crm *domain.CRMRow) []string {
	mailToks := normalize.Tokens(mail.Address1)
	crmToks := normalize.Tokens(crm.Address1)

	var notes []string

	mailST, crmST := normalize.StreetTypeOf(mailToks), normalize.StreetTypeOf(crmToks)
	if mailST != crmST && (mailST != "" || crmST != "") {
		notes = append(notes, orNone(mailST)+" vs "+orNone(crmST)+" (street type)")
	}

	mailDir, crmDir := normalize.DirectionalIn(mailToks), normalize.DirectionalIn(crmToks)
	if mailDir != crmDir && (mailDir != "" || crmDir != "") {
		notes = append(notes, orNone(mailDir)+" vs "+orNone(crmDir)+" (direction)")
	}

	mailUnit := unitFor(mail.Address2, mailToks)
	crmUnit := unitFor(crm.Address2, crmToks)
	switch {
	case (mailUnit != "") != (crmUnit != ""):
		notes = append(notes, orNone(mailUnit)+" vs "+orNone(crmUnit)+" (unit)")
	case mailUnit != "" && !strings.EqualFold(mailUnit, crmUnit):
		notes = append(notes, mailUnit+" vs "+crmUnit+" (unit)")
	}

	if len(notes) == 0 {
		notes = append(notes, "perfect match")
	}
	return notes
}

// unitFor prefers an explicit address2 cell, then a unit embedded in the
// address line ("apt 4", "#4").
func unitFor(address2 string, toks []string) string {
	if u := strings.TrimSpace(address2); u != "" {
		if strings.HasPrefix(u, "#") {
			return u
		}
		return "#" + strings.TrimPrefix(strings.ToLower(u), "# ")
	}
	return normalize.UnitOf(toks)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
