package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailtrace/internal/domain"
)

func date(s string) *time.Time {
	d, _ := time.Parse("2006-01-02", s)
	return &d
}

func val(v float64) *float64 { return &v }

func mail(full, city string, sent *time.Time) domain.MailRow {
	return domain.MailRow{FullAddress: full, City: city, SentDate: sent}
}

func crm(jobIndex string, jobDate *time.Time) domain.CRMRow {
	return domain.CRMRow{JobIndex: jobIndex, JobDate: jobDate}
}

func TestCompute_BasicKPIs(t *testing.T) {
	mailRows := []domain.MailRow{
		mail("123 main street austin tx 78701", "Austin", date("2024-03-01")),
	}
	crmRows := []domain.CRMRow{
		crm("J1", date("2024-04-15")),
	}
	matches := []domain.Match{{
		JobIndex:         "J1",
		CRMJobDate:       date("2024-04-15"),
		JobValue:         val(500),
		CRMCity:          "Austin",
		Zip5:             "78701",
		MatchedMailDates: []time.Time{*date("2024-03-01")},
	}}

	p := Compute("run1", mailRows, crmRows, matches)

	assert.Equal(t, 1, p.KPIs.TotalMail)
	assert.Equal(t, 1, p.KPIs.UniqueMailAddresses)
	assert.Equal(t, 1, p.KPIs.TotalJobs)
	assert.Equal(t, 1, p.KPIs.Matches)
	assert.Equal(t, 100.0, p.KPIs.MatchRate)
	assert.Equal(t, 500.0, p.KPIs.MatchRevenue)
	assert.Equal(t, 500.0, p.KPIs.RevenuePerMailer)
	assert.Equal(t, 500.0, p.KPIs.AvgTicketPerMatch)
	assert.Equal(t, 45.0, p.KPIs.MedianDaysToConvert)
}

func TestCompute_EmptyInputs(t *testing.T) {
	p := Compute("run1", nil, nil, nil)
	assert.Zero(t, p.KPIs.TotalMail)
	assert.Zero(t, p.KPIs.MatchRate)
	assert.Zero(t, p.KPIs.RevenuePerMailer)
	assert.Zero(t, p.KPIs.AvgTicketPerMatch)
	assert.Zero(t, p.KPIs.MedianDaysToConvert)
	assert.Empty(t, p.Graph.Months)
	assert.Empty(t, p.TopCities)
	assert.Empty(t, p.TopZips)
}

func TestCompute_MailDedupe(t *testing.T) {
	// same address, two send dates: 2 mail lines, 1 unique address
	mailRows := []domain.MailRow{
		mail("123 main street austin tx 78701", "Austin", date("2024-01-01")),
		mail("123 main street austin tx 78701", "Austin", date("2024-02-01")),
	}
	p := Compute("run1", mailRows, nil, nil)
	assert.Equal(t, 2, p.KPIs.TotalMail)
	assert.Equal(t, 1, p.KPIs.UniqueMailAddresses)
}

func TestCompute_GraphSeriesConsistency(t *testing.T) {
	mailRows := []domain.MailRow{
		mail("a", "Austin", date("2024-01-05")),
		mail("b", "Austin", date("2024-02-10")),
	}
	crmRows := []domain.CRMRow{
		crm("J1", date("2024-02-20")),
		crm("J2", date("2024-03-01")),
	}
	matches := []domain.Match{
		{JobIndex: "J1", CRMJobDate: date("2024-02-20"), MatchedMailDates: []time.Time{*date("2024-01-05")}},
		{JobIndex: "J2", CRMJobDate: date("2024-03-01"), MatchedMailDates: []time.Time{*date("2024-02-10")}},
	}

	p := Compute("run1", mailRows, crmRows, matches)

	assert.Equal(t, []string{"2024-01", "2024-02", "2024-03"}, p.Graph.Months)
	assert.Equal(t, []int{1, 1, 0}, p.Graph.Mailers)
	assert.Equal(t, []int{0, 1, 1}, p.Graph.Jobs)
	assert.Equal(t, []int{0, 1, 1}, p.Graph.Matches)

	// sum(graph.matches) == kpis.matches
	sum := 0
	for _, n := range p.Graph.Matches {
		sum += n
	}
	assert.Equal(t, p.KPIs.Matches, sum)
}

func TestCompute_YoYOverlay(t *testing.T) {
	mailRows := []domain.MailRow{
		mail("a", "Austin", date("2023-03-01")),
		mail("b", "Austin", date("2024-03-05")),
		mail("c", "Austin", date("2024-07-01")),
	}
	p := Compute("run1", mailRows, nil, nil)

	y := p.Graph.YoY.Mailers
	require.Len(t, y.Months, 12)
	assert.Equal(t, "2024-01", y.Months[0])
	assert.Equal(t, 1, y.Current[2]) // 2024-03
	assert.Equal(t, 1, y.Current[6]) // 2024-07
	assert.Equal(t, 1, y.Prev[2])    // 2023-03
	assert.Equal(t, 0, y.Prev[6])
}

func TestCompute_MedianDays(t *testing.T) {
	// deltas 10 and 30: median 20; negative delta discarded
	matches := []domain.Match{
		{JobIndex: "J1", CRMJobDate: date("2024-01-11"), MatchedMailDates: []time.Time{*date("2024-01-01")}},
		{JobIndex: "J2", CRMJobDate: date("2024-01-31"), MatchedMailDates: []time.Time{*date("2024-01-01")}},
		{JobIndex: "J3", CRMJobDate: date("2024-01-01"), MatchedMailDates: []time.Time{*date("2024-02-01")}},
	}
	p := Compute("run1", nil, nil, matches)
	assert.Equal(t, 20.0, p.KPIs.MedianDaysToConvert)
}

func TestCompute_MedianUsesLatestMailDate(t *testing.T) {
	// delta measured from the most recent in-window mail date
	matches := []domain.Match{
		{JobIndex: "J1", CRMJobDate: date("2024-03-01"),
			MatchedMailDates: []time.Time{*date("2024-01-01"), *date("2024-02-20")}},
	}
	p := Compute("run1", nil, nil, matches)
	assert.Equal(t, 10.0, p.KPIs.MedianDaysToConvert)
}

func TestCompute_TopCitiesAndZips(t *testing.T) {
	mailRows := []domain.MailRow{
		mail("a1 austin", "Austin", date("2024-01-01")),
		mail("a2 austin", "Austin", date("2024-01-01")),
		mail("b1 boston", "Boston", date("2024-01-01")),
	}
	matches := []domain.Match{
		{JobIndex: "J1", CRMCity: "Austin", Zip5: "78701"},
		{JobIndex: "J2", CRMCity: "austin", Zip5: "78701"},
		{JobIndex: "J3", CRMCity: "Boston", Zip5: "02139"},
	}

	p := Compute("run1", mailRows, nil, matches)

	require.Len(t, p.TopCities, 2)
	assert.Equal(t, "austin", p.TopCities[0].City)
	assert.Equal(t, 2, p.TopCities[0].Matches)
	assert.Equal(t, 100.0, p.TopCities[0].MatchRate) // 2 matches / 2 unique addresses
	assert.Equal(t, "boston", p.TopCities[1].City)

	require.Len(t, p.TopZips, 2)
	assert.Equal(t, "78701", p.TopZips[0].Zip)
	assert.Equal(t, 2, p.TopZips[0].Matches)
}

func TestCompute_SummaryRows(t *testing.T) {
	matches := []domain.Match{{
		JobIndex:          "J1",
		CRMJobDate:        date("2024-04-15"),
		JobValue:          val(500),
		CRMCity:           "Austin",
		CRMState:          "TX",
		Zip5:              "78701",
		MailFullAddress:   "123 main street austin tx 78701",
		CRMFullAddress:    "123 main street austin tx 78701",
		MatchedMailDates:  []time.Time{*date("2024-03-01")},
		ConfidencePercent: 100,
		MatchNotes:        "perfect match",
	}}
	p := Compute("run1", nil, nil, matches)
	require.Len(t, p.Summary, 1)
	row := p.Summary[0]
	assert.Equal(t, "2024-03-01", row.MailDates)
	assert.Equal(t, "2024-04-15", row.CRMDate)
	assert.Equal(t, 500.0, row.Amount)
	assert.Equal(t, 100, row.Confidence)

	// dateless provenance renders a placeholder
	matches[0].MatchedMailDates = nil
	p = Compute("run1", nil, nil, matches)
	assert.Equal(t, "None provided", p.Summary[0].MailDates)
}
