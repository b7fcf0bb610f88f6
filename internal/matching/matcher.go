// Package matching links CRM jobs to the prior mail contacts that most
// plausibly caused them. Candidates are pruned by ZIP bucket and date
// window before token-set scoring; the full mail × CRM cross-product is
// never evaluated.
package matching

import (
	"sort"
	"strings"
	"time"

	"github.com/ignite/mailtrace/internal/domain"
	"github.com/ignite/mailtrace/internal/fuzz"
	"github.com/ignite/mailtrace/internal/normalize"
)

// Exclusion reasons recorded for CRM rows that produce no match.
const (
	ReasonNoDateWindow    = "no_date_window_candidates"
	ReasonNoAddressString = "no_address_string"
	ReasonNoMatchFound    = "no_match_found"
	ReasonBelowMinScore   = "below_min_score"
)

// Config tunes the matcher. The zero value scores everything (MinScore 0)
// with fast filters off; use DefaultConfig for production behavior.
type Config struct {
	MinScore    float64
	FastFilters bool
}

// DefaultConfig mirrors the shipped tuning: accept every scored pair and
// apply the cheap zip/city/state consistency filters.
func DefaultConfig() Config {
	return Config{MinScore: 0, FastFilters: true}
}

// Exclusion records why a CRM row was left unmatched.
type Exclusion struct {
	SourceID string `json:"source_id"`
	JobIndex string `json:"job_index"`
	Reason   string `json:"reason"`
	Zip5     string `json:"zip5"`
	Address1 string `json:"address1"`
	Zip      string `json:"zip"`
}

// Result carries the emitted matches plus the exclusion ledger.
type Result struct {
	Matches  []domain.Match
	Excluded []Exclusion
}

// mailCand is a mail row enriched with the precomputed fields scoring
// needs. idx preserves input order for the deterministic tie-break.
type mailCand struct {
	row     *domain.MailRow
	idx     int
	addrStr string
	zip5    string
	cityL   string
	stateL  string
	date    *time.Time
}

type crmQuery struct {
	row     *domain.CRMRow
	addrStr string
	zip5    string
	cityL   string
	stateL  string
	date    *time.Time
}

// Run matches every CRM row against the mail ledger. Deterministic for a
// fixed input: ties resolve by (score desc, mail date asc with null
// treated as infinitely late, candidate index asc).
func Run(mailRows []domain.MailRow, crmRows []domain.CRMRow, cfg Config) Result {
	cands := make([]mailCand, len(mailRows))
	byZip := make(map[string][]int)
	for i := range mailRows {
		m := &mailRows[i]
		cands[i] = mailCand{
			row:     m,
			idx:     i,
			addrStr: normalize.NormalizeAddress1(m.Address1),
			zip5:    normalize.Zip5(m.Zip),
			cityL:   strings.ToLower(strings.TrimSpace(m.City)),
			stateL:  strings.ToLower(strings.TrimSpace(m.State)),
			date:    m.SentDate,
		}
		byZip[cands[i].zip5] = append(byZip[cands[i].zip5], i)
	}
	all := make([]int, len(cands))
	for i := range all {
		all[i] = i
	}

	var res Result
	for ci := range crmRows {
		c := &crmRows[ci]
		q := crmQuery{
			row:     c,
			addrStr: normalize.NormalizeAddress1(c.Address1),
			zip5:    normalize.Zip5(c.Zip),
			cityL:   strings.ToLower(strings.TrimSpace(c.City)),
			stateL:  strings.ToLower(strings.TrimSpace(c.State)),
			date:    c.JobDate,
		}

		// 1) primary candidate set by zip5, all-mail fallback
		bucket := byZip[q.zip5]
		if q.zip5 == "" || len(bucket) == 0 {
			bucket = all
		}

		// 2) date window: dateless mail is admitted, future mail is not
		window := bucket
		if q.date != nil {
			window = window[:0:0]
			for _, i := range bucket {
				if cands[i].date == nil || !cands[i].date.After(*q.date) {
					window = append(window, i)
				}
			}
			if len(window) == 0 {
				res.Excluded = append(res.Excluded, exclusion(q, ReasonNoDateWindow))
				continue
			}
		}

		// 3) cheap zip/city+state consistency filter; fall back to the
		// pre-filter set when it would empty the window
		if cfg.FastFilters {
			fast := make([]int, 0, len(window))
			for _, i := range window {
				m := &cands[i]
				if q.zip5 != "" && m.zip5 != "" && q.zip5 != m.zip5 {
					continue
				}
				if q.cityL != "" && q.stateL != "" && m.cityL != "" && m.stateL != "" &&
					q.cityL != m.cityL && q.stateL != m.stateL {
					continue
				}
				fast = append(fast, i)
			}
			if len(fast) > 0 {
				window = fast
			}
		}

		if q.addrStr == "" {
			res.Excluded = append(res.Excluded, exclusion(q, ReasonNoAddressString))
			continue
		}

		// 4) score candidates; stable comparator keeps re-runs identical
		best := -1
		bestScore := -1
		for _, i := range window {
			m := &cands[i]
			if m.addrStr == "" {
				continue
			}
			adj := bonusAdjust(fuzz.TokenSetRatio(q.addrStr, m.addrStr), m, &q)
			if adj > bestScore || (adj == bestScore && earlier(m.date, cands[best].date)) {
				best, bestScore = i, adj
			}
		}
		if best < 0 {
			res.Excluded = append(res.Excluded, exclusion(q, ReasonNoMatchFound))
			continue
		}
		if float64(bestScore) < cfg.MinScore {
			res.Excluded = append(res.Excluded, exclusion(q, ReasonBelowMinScore))
			continue
		}

		res.Matches = append(res.Matches, buildMatch(&q, &cands[best], bestScore, window, cands))
	}
	return res
}

// earlier orders mail dates for the tie-break: nil sorts infinitely late.
func earlier(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.Before(*b)
}

// bonusAdjust adds the deterministic equality bumps, capped at 100.
func bonusAdjust(base int, m *mailCand, q *crmQuery) int {
	score := base
	if m.zip5 != "" && q.zip5 != "" && m.zip5 == q.zip5 {
		score += 5
	}
	if m.cityL != "" && q.cityL != "" && m.cityL == q.cityL {
		score += 2
	}
	if m.stateL != "" && q.stateL != "" && m.stateL == q.stateL {
		score += 2
	}
	if score > 100 {
		score = 100
	}
	return score
}

func buildMatch(q *crmQuery, winner *mailCand, score int, window []int, cands []mailCand) domain.Match {
	idSet := make(map[string]bool)
	dateSet := make(map[time.Time]bool)
	for _, i := range window {
		m := cands[i]
		if sid := strings.TrimSpace(m.row.SourceID); sid != "" {
			idSet[sid] = true
		}
		if m.date != nil {
			dateSet[*m.date] = true
		}
	}
	mailIDs := make([]string, 0, len(idSet))
	for id := range idSet {
		mailIDs = append(mailIDs, id)
	}
	sort.Strings(mailIDs)
	dates := make([]time.Time, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	c := q.row
	return domain.Match{
		RunID:             c.RunID,
		UserID:            c.UserID,
		JobIndex:          c.JobIndex,
		CRMLineNo:         c.LineNo,
		CRMJobDate:        c.JobDate,
		JobValue:          c.JobValue,
		CRMCity:           c.City,
		CRMState:          c.State,
		CRMZip:            strings.TrimSpace(c.Zip),
		CRMFullAddress:    c.FullAddress,
		MailFullAddress:   winner.row.FullAddress,
		MailIDs:           mailIDs,
		MatchedMailDates:  dates,
		ConfidencePercent: score,
		MatchNotes:        strings.Join(notesFor(winner.row, c), "; "),
		Zip5:              normalize.Zip5(c.Zip),
		State:             upper2(c.State),
	}
}

func upper2(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) > 2 {
		return s[:2]
	}
	return s
}

func exclusion(q crmQuery, reason string) Exclusion {
	return Exclusion{
		SourceID: q.row.SourceID,
		JobIndex: q.row.JobIndex,
		Reason:   reason,
		Zip5:     q.zip5,
		Address1: q.row.Address1,
		Zip:      q.row.Zip,
	}
}
