// Package features turns raw donor records into the numeric inputs used by the
// predictive models: a fixed-length feature vector and a 12-month donation
// time series. It also derives the descriptive statistics (best contact hour,
// interest topics, reactivation) that are read straight off a record.
//
// Every function here is pure with respect to its input record; the only
// ambient input is the clock, which is injected through Extractor.Now.
package features

import (
	"math"
	"sort"
	"time"

	"donor-insights/internal/donor"
)

// Count is the length of every feature vector.
const Count = 6

// Positions of each feature inside a Vector.
const (
	DonationCount = iota
	AverageAmount
	DonationFrequency
	EngagementScore
	ResponseRate
	RetentionScore
)

// SeriesLength is the number of monthly buckets in a TimeSeries.
const SeriesLength = 12

// DefaultContactHour is reported when a donor never answered a communication.
const DefaultContactHour = 9

// Names labels each feature position, used for importance maps and logs.
var Names = [Count]string{
	"donation_count",
	"average_amount",
	"donation_frequency",
	"engagement_score",
	"response_rate",
	"retention_score",
}

// Vector is the fixed-length numeric description of one donor.
type Vector [Count]float64

// Slice returns the vector as a freshly allocated slice.
func (v Vector) Slice() []float64 {
	out := make([]float64, Count)
	copy(out, v[:])
	return out
}

// TimeSeries holds monthly donation totals, oldest month first.
type TimeSeries []float64

// Extractor computes features relative to the time returned by Now.
type Extractor struct {
	Now func() time.Time
}

// NewExtractor returns an Extractor bound to the wall clock.
func NewExtractor() *Extractor {
	return &Extractor{Now: time.Now}
}

func (e *Extractor) now() time.Time {
	if e == nil || e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// ExtractFeatures builds the feature vector for a donor. Ratios whose
// denominator is zero evaluate to 0.
func (e *Extractor) ExtractFeatures(r donor.Record) Vector {
	var v Vector
	now := e.now()

	count := len(r.Donations)
	v[DonationCount] = float64(count)

	if count > 0 {
		v[AverageAmount] = r.LifetimeValue() / float64(count)
	}

	if count > 1 {
		first := r.Donations[0].OccurredAt
		last := r.Donations[count-1].OccurredAt
		v[DonationFrequency] = float64(count) / math.Max(1, daysBetween(first, last))

		sinceLast := math.Max(0, daysBetween(last, now))
		v[RetentionScore] = math.Exp(-sinceLast / 365)
	}

	v[EngagementScore] = 2*float64(count) +
		float64(len(r.Communications)) +
		1.5*float64(len(r.EventParticipations))

	if n := len(r.Communications); n > 0 {
		responded := 0
		for _, c := range r.Communications {
			if c.Response {
				responded++
			}
		}
		v[ResponseRate] = float64(responded) / float64(n)
	}

	return v
}

// ExtractTimeSeries buckets donation amounts into the 12 calendar months
// ending with the current month. Index 11 is the current month. Donations
// outside the window are ignored.
func (e *Extractor) ExtractTimeSeries(r donor.Record) TimeSeries {
	series := make(TimeSeries, SeriesLength)
	now := e.now()
	current := monthIndex(now)

	for _, d := range r.Donations {
		ago := current - monthIndex(d.OccurredAt.In(now.Location()))
		if ago < 0 || ago >= SeriesLength {
			continue
		}
		series[SeriesLength-1-ago] += d.Amount
	}
	return series
}

// IsReactivated reports whether the donor gave within the last three months
// after having lapsed for at least six months at some earlier point.
func (e *Extractor) IsReactivated(r donor.Record) bool {
	n := len(r.Donations)
	if n < 2 {
		return false
	}
	now := e.now()
	if r.Donations[n-1].OccurredAt.Before(now.AddDate(0, -3, 0)) {
		return false
	}
	for i := 1; i < n; i++ {
		prev := r.Donations[i-1].OccurredAt
		if !r.Donations[i].OccurredAt.Before(prev.AddDate(0, 6, 0)) {
			return true
		}
	}
	return false
}

// BestCommunicationHour returns the most common hour of day among answered
// communications. Ties go to the earliest hour.
func BestCommunicationHour(r donor.Record) int {
	var hours [24]int
	answered := 0
	for _, c := range r.Communications {
		if c.Response {
			hours[c.OccurredAt.Hour()]++
			answered++
		}
	}
	if answered == 0 {
		return DefaultContactHour
	}

	best := 0
	for h := 1; h < len(hours); h++ {
		if hours[h] > hours[best] {
			best = h
		}
	}
	return best
}

// InterestTopics returns the sorted set of project and event categories the
// donor has touched.
func InterestTopics(r donor.Record) []string {
	seen := make(map[string]struct{})
	for _, d := range r.Donations {
		if d.ProjectCategory != "" {
			seen[d.ProjectCategory] = struct{}{}
		}
	}
	for _, ev := range r.EventParticipations {
		if ev.Category != "" {
			seen[ev.Category] = struct{}{}
		}
	}

	topics := make([]string, 0, len(seen))
	for t := range seen {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// RiskTarget is the synthetic churn label the risk scorer learns from:
// 1 - (retention + engagement/10 + responseRate)/3, clamped to [0,1].
func RiskTarget(v Vector) float64 {
	risk := 1 - (v[RetentionScore]+v[EngagementScore]/10+v[ResponseRate])/3
	return math.Min(1, math.Max(0, risk))
}

func daysBetween(a, b time.Time) float64 {
	return b.Sub(a).Hours() / 24
}

func monthIndex(t time.Time) int {
	return t.Year()*12 + int(t.Month()) - 1
}
