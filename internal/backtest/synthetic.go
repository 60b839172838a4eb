package backtest

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"donor-insights/internal/donor"
)

var (
	projectCategories = []string{"education", "health", "water", "housing", "emergency"}
	eventCategories   = []string{"gala", "run", "webinar", "volunteer"}
)

// Synthesize generates a population of n donors with plausible giving
// histories ending before now. The same seed always yields the same
// population.
func Synthesize(n int, seed int64, now time.Time) []donor.Record {
	rng := rand.New(rand.NewSource(seed))
	out := make([]donor.Record, n)

	for i := range out {
		rec := donor.Record{ID: fmt.Sprintf("donor-%05d", i+1)}

		// Gift size is log-normal around a per-donor base; a few donors
		// are major givers.
		base := math.Exp(3.5 + rng.NormFloat64()*0.6)
		if rng.Float64() < 0.05 {
			base *= 10
		}
		gifts := 1 + rng.Intn(12)
		// Lapsed donors stopped giving a while ago.
		lapse := 0
		if rng.Float64() < 0.25 {
			lapse = 180 + rng.Intn(540)
		}
		favourite := projectCategories[rng.Intn(len(projectCategories))]

		at := now.AddDate(0, 0, -lapse)
		for g := 0; g < gifts; g++ {
			at = at.AddDate(0, 0, -(15 + rng.Intn(90)))
			category := favourite
			if rng.Float64() < 0.3 {
				category = projectCategories[rng.Intn(len(projectCategories))]
			}
			amount := math.Max(1, base*(0.7+rng.Float64()*0.6))
			rec.Donations = append(rec.Donations, donor.Donation{
				Amount:          math.Round(amount*100) / 100,
				OccurredAt:      at.Add(time.Duration(8+rng.Intn(12)) * time.Hour).Truncate(time.Hour),
				ProjectCategory: category,
			})
		}

		responsiveness := rng.Float64()
		for c, touches := 0, rng.Intn(8); c < touches; c++ {
			rec.Communications = append(rec.Communications, donor.Communication{
				OccurredAt: now.AddDate(0, 0, -rng.Intn(365)),
				Response:   rng.Float64() < responsiveness,
			})
		}
		for e, events := 0, rng.Intn(3); e < events; e++ {
			rec.EventParticipations = append(rec.EventParticipations, donor.EventParticipation{
				Category:   eventCategories[rng.Intn(len(eventCategories))],
				OccurredAt: now.AddDate(0, 0, -rng.Intn(730)),
			})
		}

		rec.SortDonations()
		out[i] = rec
	}
	return out
}
