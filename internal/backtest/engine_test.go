package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"donor-insights/internal/donor"
	"donor-insights/internal/ml"
)

func smallConfig(seed int64) Config {
	engine := ml.DefaultEngineConfig()
	engine.LifetimeValue.Iterations = 15
	engine.GBMDepthWise.Iterations = 15
	engine.GBMLeafWise.Iterations = 15
	engine.Forest.Trees = 8
	engine.AdaBoost.Estimators = 6
	engine.Risk.Epochs = 40
	engine.Forecaster.Epochs = 10
	engine.Response.Epochs = 50
	return Config{
		HoldoutFraction: 0.25,
		Seed:            seed,
		Engine:          engine,
		Now:             func() time.Time { return fixedNow },
	}
}

func loaderWith(records []donor.Record) *DataLoader {
	return NewDataLoaderFrom(records)
}

func TestEngine_Run(t *testing.T) {
	metrics := &ml.MockMetrics{}
	e := NewEngine(smallConfig(9), loaderWith(Synthesize(80, 2, fixedNow)), metrics)

	results, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 60, results.TrainDonors)
	assert.Equal(t, 20, results.HoldoutDonors)
	assert.Equal(t, results.HoldoutDonors, len(results.Evaluations)+results.Skipped)
	require.NotEmpty(t, results.Evaluations)

	assert.GreaterOrEqual(t, results.MAE, 0.0)
	assert.GreaterOrEqual(t, results.RMSE, results.MAE, "RMSE never undercuts MAE")
	assert.GreaterOrEqual(t, results.BaselineRMSE, results.BaselineMAE)
	assert.GreaterOrEqual(t, results.Coverage, 0.0)
	assert.LessOrEqual(t, results.Coverage, 1.0)
	assert.GreaterOrEqual(t, results.MeanConfidence, 0.0)
	assert.LessOrEqual(t, results.MeanConfidence, 1.0)
	assert.False(t, results.EndTime.Before(results.StartTime))
	assert.Equal(t, ml.TargetAverageAmount, results.Target)

	for _, ev := range results.Evaluations {
		assert.LessOrEqual(t, ev.Lower, ev.Upper)
		assert.Equal(t, ev.Actual >= ev.Lower && ev.Actual <= ev.Upper, ev.Covered)
	}

	runs, failures, predictions, _ := metrics.Counts()
	assert.Equal(t, 1, runs)
	assert.Zero(t, failures)
	assert.Equal(t, len(results.Evaluations), predictions)
}

func TestEngine_RunIsDeterministic(t *testing.T) {
	population := Synthesize(60, 4, fixedNow)

	first, err := NewEngine(smallConfig(3), loaderWith(population), nil).Run(context.Background())
	require.NoError(t, err)
	second, err := NewEngine(smallConfig(3), loaderWith(population), nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Evaluations, second.Evaluations)
	assert.Equal(t, first.MAE, second.MAE)
}

func TestEngine_HidesLatestGift(t *testing.T) {
	base := fixedNow.AddDate(-1, 0, 0)
	var population []donor.Record
	for i := 0; i < 12; i++ {
		population = append(population, donor.Record{
			ID: string(rune('a' + i)),
			Donations: []donor.Donation{
				{Amount: 10, OccurredAt: base},
				{Amount: 10, OccurredAt: base.AddDate(0, 3, 0)},
				{Amount: 1000, OccurredAt: base.AddDate(0, 6, 0)},
			},
		})
	}

	cfg := smallConfig(1)
	cfg.HoldoutFraction = 0.5
	results, err := NewEngine(cfg, loaderWith(population), nil).Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, results.Evaluations)

	for _, ev := range results.Evaluations {
		assert.Equal(t, 1000.0, ev.Actual)
		assert.Equal(t, base.AddDate(0, 6, 0), ev.Cutoff)
	}
}

func TestEngine_LifetimeValueTarget(t *testing.T) {
	cfg := smallConfig(5)
	cfg.Engine.EnsembleTarget = ml.TargetLifetimeValue
	population := Synthesize(40, 8, fixedNow)
	ltv := make(map[string]float64, len(population))
	for _, r := range population {
		ltv[r.ID] = r.LifetimeValue()
	}

	results, err := NewEngine(cfg, loaderWith(population), nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ml.TargetLifetimeValue, results.Target)
	for _, ev := range results.Evaluations {
		assert.Equal(t, ltv[ev.DonorID], ev.Actual)
	}
}

func TestEngine_SkipsSingleGiftDonors(t *testing.T) {
	var population []donor.Record
	for i := 0; i < 8; i++ {
		population = append(population, donor.Record{
			ID:        string(rune('a' + i)),
			Donations: []donor.Donation{{Amount: float64(10 * (i + 1)), OccurredAt: fixedNow.AddDate(0, -i-1, 0)}},
		})
	}

	results, err := NewEngine(smallConfig(1), loaderWith(population), nil).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results.Evaluations)
	assert.Equal(t, results.HoldoutDonors, results.Skipped)
	assert.Zero(t, results.MAE)
	assert.Zero(t, results.Improvement())
}

func TestEngine_NoTrainingData(t *testing.T) {
	_, err := NewEngine(smallConfig(1), NewDataLoader(), nil).Run(context.Background())
	assert.ErrorIs(t, err, ErrNoTrainingData)
}

func TestNewEngine_Defaults(t *testing.T) {
	e := NewEngine(Config{HoldoutFraction: 1.5}, NewDataLoader(), nil)
	assert.Equal(t, DefaultHoldoutFraction, e.config.HoldoutFraction)
	assert.Equal(t, ml.TargetAverageAmount, e.config.Engine.EnsembleTarget)
	assert.NotNil(t, e.config.Now)
}

func TestResults_Improvement(t *testing.T) {
	r := &Results{MAE: 5, BaselineMAE: 20}
	assert.InDelta(t, 0.75, r.Improvement(), 1e-12)
}
