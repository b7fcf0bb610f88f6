// Package aggregate computes the per-run result payload: deduped KPIs,
// monthly series with a year-over-year overlay, top cities/zips, and the
// per-match summary table. Computation is pure over in-memory rows so it
// can run fresh on read or be persisted as a blob.
package aggregate

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ignite/mailtrace/internal/domain"
)

const monthKey = "2006-01"

// KPIs is the headline figure block.
type KPIs struct {
	TotalMail           int     `json:"total_mail"`
	UniqueMailAddresses int     `json:"unique_mail_addresses"`
	TotalJobs           int     `json:"total_jobs"`
	Matches             int     `json:"matches"`
	MatchRate           float64 `json:"match_rate"`
	MatchRevenue        float64 `json:"match_revenue"`
	RevenuePerMailer    float64 `json:"revenue_per_mailer"`
	AvgTicketPerMatch   float64 `json:"avg_ticket_per_match"`
	MedianDaysToConvert float64 `json:"median_days_to_convert"`
}

// YoY holds the latest-year series with the previous year aligned
// month-by-month.
type YoY struct {
	Months  []string `json:"months"`
	Current []int    `json:"current"`
	Prev    []int    `json:"prev"`
}

// Graph carries the three monthly series over the union of months.
type Graph struct {
	Months  []string `json:"months"`
	Mailers []int    `json:"mailers"`
	Jobs    []int    `json:"jobs"`
	Matches []int    `json:"matches"`
	YoY     GraphYoY `json:"yoy"`
}

type GraphYoY struct {
	Mailers YoY `json:"mailers"`
	Jobs    YoY `json:"jobs"`
	Matches YoY `json:"matches"`
}

// CityCount ranks a city by match volume; MatchRate relates matches in
// the city to the unique mail addresses sent there.
type CityCount struct {
	City      string  `json:"city"`
	Matches   int     `json:"matches"`
	MatchRate float64 `json:"match_rate"`
}

type ZipCount struct {
	Zip     string `json:"zip"`
	Matches int    `json:"matches"`
}

// SummaryRow is one line of the per-match detail table.
type SummaryRow struct {
	MailAddress string  `json:"mail_address"`
	CRMAddress  string  `json:"crm_address"`
	CRMUnit     string  `json:"crm_unit"`
	City        string  `json:"city"`
	State       string  `json:"state"`
	Zip         string  `json:"zip"`
	MailDates   string  `json:"mail_dates"`
	CRMDate     string  `json:"crm_date"`
	Amount      float64 `json:"amount"`
	Confidence  int     `json:"confidence"`
	Notes       string  `json:"notes"`
}

// Payload is the full result object keyed by run.
type Payload struct {
	RunID     string       `json:"run_id"`
	KPIs      KPIs         `json:"kpis"`
	Graph     Graph        `json:"graph"`
	TopCities []CityCount  `json:"top_cities"`
	TopZips   []ZipCount   `json:"top_zips"`
	Summary   []SummaryRow `json:"summary"`
}

// Compute builds the payload from staged rows and matches. It never
// touches storage.
func Compute(runID string, mail []domain.MailRow, crm []domain.CRMRow, matches []domain.Match) Payload {
	mailLines := make(map[string]bool)
	uniqueAddr := make(map[string]bool)
	mailByMonth := make(map[string]int)
	uniqueAddrByCity := make(map[string]map[string]bool)

	for i := range mail {
		m := &mail[i]
		lineKey := m.FullAddress + "|" + dateKey(m.SentDate)
		if !mailLines[lineKey] {
			mailLines[lineKey] = true
			if ym := ymKey(m.SentDate); ym != "" {
				mailByMonth[ym]++
			}
		}
		if !uniqueAddr[m.FullAddress] {
			uniqueAddr[m.FullAddress] = true
			cityKey := strings.ToLower(strings.TrimSpace(m.City))
			if uniqueAddrByCity[cityKey] == nil {
				uniqueAddrByCity[cityKey] = make(map[string]bool)
			}
			uniqueAddrByCity[cityKey][m.FullAddress] = true
		}
	}

	jobs := make(map[string]bool)
	jobsByMonth := make(map[string]int)
	for i := range crm {
		c := &crm[i]
		if !jobs[c.JobIndex] {
			jobs[c.JobIndex] = true
			if ym := ymKey(c.JobDate); ym != "" {
				jobsByMonth[ym]++
			}
		}
	}

	matchesByMonth := make(map[string]int)
	var revenue float64
	var deltas []int
	for i := range matches {
		m := &matches[i]
		if ym := ymKey(m.CRMJobDate); ym != "" {
			matchesByMonth[ym]++
		}
		if m.JobValue != nil {
			revenue += *m.JobValue
		}
		if m.CRMJobDate != nil && len(m.MatchedMailDates) > 0 {
			last := m.MatchedMailDates[len(m.MatchedMailDates)-1]
			days := int(m.CRMJobDate.Sub(last).Hours() / 24)
			if days >= 0 {
				deltas = append(deltas, days)
			}
		}
	}

	k := KPIs{
		TotalMail:           len(mailLines),
		UniqueMailAddresses: len(uniqueAddr),
		TotalJobs:           len(jobs),
		Matches:             len(matches),
		MatchRevenue:        round2(revenue),
		MedianDaysToConvert: median(deltas),
	}
	if k.TotalJobs > 0 {
		k.MatchRate = round2(float64(k.Matches) / float64(k.TotalJobs) * 100)
	}
	if k.TotalMail > 0 {
		k.RevenuePerMailer = round2(revenue / float64(k.TotalMail))
	}
	if k.Matches > 0 {
		k.AvgTicketPerMatch = round2(revenue / float64(k.Matches))
	}

	return Payload{
		RunID:     runID,
		KPIs:      k,
		Graph:     buildGraph(mailByMonth, jobsByMonth, matchesByMonth),
		TopCities: topCities(matches, uniqueAddrByCity),
		TopZips:   topZips(matches),
		Summary:   summaryRows(matches),
	}
}

func buildGraph(mailByMonth, jobsByMonth, matchesByMonth map[string]int) Graph {
	union := make(map[string]bool)
	for ym := range mailByMonth {
		union[ym] = true
	}
	for ym := range jobsByMonth {
		union[ym] = true
	}
	for ym := range matchesByMonth {
		union[ym] = true
	}
	months := make([]string, 0, len(union))
	for ym := range union {
		months = append(months, ym)
	}
	sort.Strings(months)

	g := Graph{
		Months:  months,
		Mailers: make([]int, len(months)),
		Jobs:    make([]int, len(months)),
		Matches: make([]int, len(months)),
		YoY: GraphYoY{
			Mailers: yoyOverlay(mailByMonth),
			Jobs:    yoyOverlay(jobsByMonth),
			Matches: yoyOverlay(matchesByMonth),
		},
	}
	for i, ym := range months {
		g.Mailers[i] = mailByMonth[ym]
		g.Jobs[i] = jobsByMonth[ym]
		g.Matches[i] = matchesByMonth[ym]
	}
	return g
}

// yoyOverlay picks the latest year present in the series and lays out
// twelve months of it next to the same months of the year before.
func yoyOverlay(series map[string]int) YoY {
	if len(series) == 0 {
		return YoY{Months: []string{}, Current: []int{}, Prev: []int{}}
	}
	latest := 0
	for ym := range series {
		var y int
		if _, err := fmt.Sscanf(ym, "%d-", &y); err == nil && y > latest {
			latest = y
		}
	}
	out := YoY{
		Months:  make([]string, 12),
		Current: make([]int, 12),
		Prev:    make([]int, 12),
	}
	for m := 1; m <= 12; m++ {
		out.Months[m-1] = fmt.Sprintf("%04d-%02d", latest, m)
		out.Current[m-1] = series[fmt.Sprintf("%04d-%02d", latest, m)]
		out.Prev[m-1] = series[fmt.Sprintf("%04d-%02d", latest-1, m)]
	}
	return out
}

func topCities(matches []domain.Match, uniqueAddrByCity map[string]map[string]bool) []CityCount {
	counts := make(map[string]int)
	for i := range matches {
		if city := strings.ToLower(strings.TrimSpace(matches[i].CRMCity)); city != "" {
			counts[city]++
		}
	}
	out := make([]CityCount, 0, len(counts))
	for city, n := range counts {
		denom := len(uniqueAddrByCity[city])
		if denom < 1 {
			denom = 1
		}
		out = append(out, CityCount{
			City:      city,
			Matches:   n,
			MatchRate: round2(float64(n) / float64(denom) * 100),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Matches != out[j].Matches {
			return out[i].Matches > out[j].Matches
		}
		return out[i].City < out[j].City
	})
	return out
}

func topZips(matches []domain.Match) []ZipCount {
	counts := make(map[string]int)
	for i := range matches {
		if z := matches[i].Zip5; z != "" {
			counts[z]++
		}
	}
	out := make([]ZipCount, 0, len(counts))
	for z, n := range counts {
		out = append(out, ZipCount{Zip: z, Matches: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Matches != out[j].Matches {
			return out[i].Matches > out[j].Matches
		}
		return out[i].Zip < out[j].Zip
	})
	return out
}

func summaryRows(matches []domain.Match) []SummaryRow {
	out := make([]SummaryRow, 0, len(matches))
	for i := range matches {
		m := &matches[i]
		row := SummaryRow{
			MailAddress: m.MailFullAddress,
			CRMAddress:  m.CRMFullAddress,
			CRMUnit:     "",
			City:        m.CRMCity,
			State:       m.CRMState,
			Zip:         m.Zip5,
			MailDates:   joinDates(m.MatchedMailDates),
			CRMDate:     dateKey(m.CRMJobDate),
			Confidence:  m.ConfidencePercent,
			Notes:       m.MatchNotes,
		}
		if m.JobValue != nil {
			row.Amount = *m.JobValue
		}
		out = append(out, row)
	}
	return out
}

func joinDates(dates []time.Time) string {
	if len(dates) == 0 {
		return "None provided"
	}
	parts := make([]string, len(dates))
	for i, d := range dates {
		parts[i] = d.Format("2006-01-02")
	}
	return strings.Join(parts, ", ")
}

func ymKey(d *time.Time) string {
	if d == nil {
		return ""
	}
	return d.Format(monthKey)
}

func dateKey(d *time.Time) string {
	if d == nil {
		return ""
	}
	return d.Format("2006-01-02")
}

func median(vals []int) float64 {
	if len(vals) == 0 {
		return 0
	}
	s := append([]int(nil), vals...)
	sort.Ints(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return float64(s[mid])
	}
	return float64(s[mid-1]+s[mid]) / 2
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
