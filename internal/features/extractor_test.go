package features

import (
	"math"
	"testing"
	"time"

	"donor-insights/internal/donor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestExtractor() *Extractor {
	return &Extractor{Now: func() time.Time { return fixedNow }}
}

func TestExtractFeatures_TwoDonationsOneUnansweredContact(t *testing.T) {
	e := newTestExtractor()
	day0 := fixedNow.AddDate(0, 0, -40)
	r := donor.Record{
		ID: "scenario-a",
		Donations: []donor.Donation{
			{Amount: 100, OccurredAt: day0},
			{Amount: 200, OccurredAt: day0.AddDate(0, 0, 30)},
		},
		Communications: []donor.Communication{
			{OccurredAt: day0.AddDate(0, 0, 5), Response: false},
		},
	}

	v := e.ExtractFeatures(r)

	assert.Equal(t, 2.0, v[DonationCount])
	assert.InDelta(t, 150.0, v[AverageAmount], 1e-9)
	assert.InDelta(t, 2.0/30.0, v[DonationFrequency], 1e-9)
	assert.Equal(t, 0.0, v[ResponseRate])
	assert.InDelta(t, 2*2+1, v[EngagementScore], 1e-9)
	assert.InDelta(t, math.Exp(-10.0/365.0), v[RetentionScore], 1e-9)
}

func TestExtractFeatures_ZeroActivity(t *testing.T) {
	e := newTestExtractor()

	v := e.ExtractFeatures(donor.Record{ID: "empty"})
	assert.Equal(t, Vector{}, v)

	withEvents := donor.Record{
		ID: "events-only",
		EventParticipations: []donor.EventParticipation{
			{Category: "gala", OccurredAt: fixedNow},
			{Category: "run", OccurredAt: fixedNow},
		},
	}
	v = e.ExtractFeatures(withEvents)
	assert.Equal(t, 3.0, v[EngagementScore])
	for _, idx := range []int{DonationCount, AverageAmount, DonationFrequency, ResponseRate, RetentionScore} {
		assert.Zerof(t, v[idx], "feature %s", Names[idx])
	}
}

func TestExtractFeatures_SingleDonation(t *testing.T) {
	e := newTestExtractor()
	r := donor.Record{Donations: []donor.Donation{{Amount: 75, OccurredAt: fixedNow.AddDate(0, -1, 0)}}}

	v := e.ExtractFeatures(r)

	assert.Equal(t, 1.0, v[DonationCount])
	assert.Equal(t, 75.0, v[AverageAmount])
	assert.Zero(t, v[DonationFrequency])
	assert.Zero(t, v[RetentionScore])
}

func TestExtractFeatures_SameDayDonations(t *testing.T) {
	e := newTestExtractor()
	r := donor.Record{Donations: []donor.Donation{
		{Amount: 10, OccurredAt: fixedNow.Add(-2 * time.Hour)},
		{Amount: 10, OccurredAt: fixedNow.Add(-time.Hour)},
	}}

	v := e.ExtractFeatures(r)
	assert.Equal(t, 2.0, v[DonationFrequency], "span under a day is floored to one day")
}

func TestExtractFeatures_ResponseRate(t *testing.T) {
	e := newTestExtractor()
	r := donor.Record{Communications: []donor.Communication{
		{OccurredAt: fixedNow, Response: true},
		{OccurredAt: fixedNow, Response: false},
		{OccurredAt: fixedNow, Response: true},
		{OccurredAt: fixedNow, Response: true},
	}}

	v := e.ExtractFeatures(r)
	assert.InDelta(t, 0.75, v[ResponseRate], 1e-9)
}

func TestExtractTimeSeries(t *testing.T) {
	e := newTestExtractor()
	r := donor.Record{Donations: []donor.Donation{
		{Amount: 500, OccurredAt: fixedNow.AddDate(-2, 0, 0)},
		{Amount: 10, OccurredAt: time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)},
		{Amount: 20, OccurredAt: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)},
		{Amount: 5, OccurredAt: time.Date(2026, 1, 28, 0, 0, 0, 0, time.UTC)},
		{Amount: 40, OccurredAt: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)},
	}}

	series := e.ExtractTimeSeries(r)

	require.Len(t, series, SeriesLength)
	assert.Equal(t, 10.0, series[0], "July 2025 is the oldest bucket")
	assert.Equal(t, 25.0, series[6], "January 2026 collisions are summed")
	assert.Equal(t, 40.0, series[11], "current month is the newest bucket")

	var total float64
	for _, v := range series {
		total += v
	}
	assert.Equal(t, 75.0, total, "donations older than the window are dropped")
}

func TestExtractTimeSeries_Empty(t *testing.T) {
	series := newTestExtractor().ExtractTimeSeries(donor.Record{})
	assert.Equal(t, TimeSeries(make([]float64, SeriesLength)), series)
}

func TestIsReactivated(t *testing.T) {
	e := newTestExtractor()

	tests := []struct {
		name      string
		donations []time.Time
		want      bool
	}{
		{"no donations", nil, false},
		{"single donation", []time.Time{fixedNow.AddDate(0, -1, 0)}, false},
		{
			"recent after long gap",
			[]time.Time{fixedNow.AddDate(-1, 0, 0), fixedNow.AddDate(0, -1, 0)},
			true,
		},
		{
			"regular giver",
			[]time.Time{fixedNow.AddDate(0, -4, 0), fixedNow.AddDate(0, -2, 0), fixedNow.AddDate(0, -1, 0)},
			false,
		},
		{
			"gap but lapsed again",
			[]time.Time{fixedNow.AddDate(-2, 0, 0), fixedNow.AddDate(-1, 0, 0)},
			false,
		},
		{
			"earlier gap then regular",
			[]time.Time{
				fixedNow.AddDate(-2, 0, 0),
				fixedNow.AddDate(0, -5, 0),
				fixedNow.AddDate(0, -3, 0),
				fixedNow.AddDate(0, 0, -10),
			},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := donor.Record{}
			for _, ts := range tt.donations {
				r.Donations = append(r.Donations, donor.Donation{Amount: 10, OccurredAt: ts})
			}
			assert.Equal(t, tt.want, e.IsReactivated(r))
		})
	}
}

func TestBestCommunicationHour(t *testing.T) {
	at := func(hour int) time.Time { return time.Date(2026, 1, 1, hour, 0, 0, 0, time.UTC) }

	assert.Equal(t, DefaultContactHour, BestCommunicationHour(donor.Record{}))

	unanswered := donor.Record{Communications: []donor.Communication{{OccurredAt: at(18)}}}
	assert.Equal(t, DefaultContactHour, BestCommunicationHour(unanswered))

	r := donor.Record{Communications: []donor.Communication{
		{OccurredAt: at(18), Response: true},
		{OccurredAt: at(14), Response: true},
		{OccurredAt: at(18), Response: true},
		{OccurredAt: at(7), Response: false},
		{OccurredAt: at(7), Response: false},
		{OccurredAt: at(7), Response: false},
	}}
	assert.Equal(t, 18, BestCommunicationHour(r))

	tie := donor.Record{Communications: []donor.Communication{
		{OccurredAt: at(20), Response: true},
		{OccurredAt: at(11), Response: true},
	}}
	assert.Equal(t, 11, BestCommunicationHour(tie))
}

func TestInterestTopics(t *testing.T) {
	r := donor.Record{
		Donations: []donor.Donation{
			{Amount: 1, ProjectCategory: "water"},
			{Amount: 1, ProjectCategory: ""},
			{Amount: 1, ProjectCategory: "education"},
		},
		EventParticipations: []donor.EventParticipation{
			{Category: "water"},
			{Category: "gala"},
		},
	}

	assert.Equal(t, []string{"education", "gala", "water"}, InterestTopics(r))
	assert.Empty(t, InterestTopics(donor.Record{}))
}

func TestRiskTarget(t *testing.T) {
	var engaged Vector
	engaged[RetentionScore] = 1
	engaged[EngagementScore] = 40
	engaged[ResponseRate] = 1
	assert.Equal(t, 0.0, RiskTarget(engaged))

	assert.Equal(t, 1.0, RiskTarget(Vector{}))

	var mid Vector
	mid[RetentionScore] = 0.5
	mid[EngagementScore] = 5
	mid[ResponseRate] = 0.5
	assert.InDelta(t, 0.5, RiskTarget(mid), 1e-9)
}
