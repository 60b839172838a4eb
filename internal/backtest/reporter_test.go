package backtest

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResults() *Results {
	cutoff := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	return &Results{
		Target:        "average_amount",
		Seed:          7,
		TrainDonors:   8,
		HoldoutDonors: 3,
		Skipped:       1,
		Evaluations: []Evaluation{
			{DonorID: "a", Cutoff: cutoff, Actual: 50, Predicted: 40, Baseline: 30, Lower: 35, Upper: 60, Confidence: 0.82, Covered: true},
			{DonorID: "b", Cutoff: cutoff, Actual: 10, Predicted: 25, Baseline: 30, Lower: 20, Upper: 30, Confidence: 0.35, Covered: false},
		},
		MAE:            12.5,
		RMSE:           12.75,
		BaselineMAE:    20,
		BaselineRMSE:   20,
		Coverage:       0.5,
		MeanConfidence: 0.585,
		StartTime:      cutoff,
		EndTime:        cutoff.Add(2 * time.Second),
	}
}

func TestReporter_GenerateReport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	require.NoError(t, NewReporter(sampleResults(), dir).GenerateReport())

	for _, name := range []string{SummaryFile, EvaluationsFile, JSONReportFile, ErrorBandsFile} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	summary, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "MAE: 12.50 (baseline 20.00)")
	assert.Contains(t, string(summary), "Improvement over baseline: 37.50%")
	assert.Contains(t, string(summary), "Interval Coverage: 50.00%")

	f, err := os.Open(filepath.Join(dir, EvaluationsFile))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Donor ID", rows[0][0])
	assert.Equal(t, []string{"a", "2025-04-01T09:00:00Z", "50.00", "40.00", "30.00", "35.00", "60.00", "0.8200", "true", "10.00"}, rows[1])

	raw, err := os.ReadFile(filepath.Join(dir, JSONReportFile))
	require.NoError(t, err)
	var report struct {
		Summary struct {
			MAE         float64 `json:"mae"`
			Evaluated   int     `json:"evaluated"`
			Improvement float64 `json:"improvement"`
		} `json:"summary"`
		Evaluations []Evaluation `json:"evaluations"`
	}
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.Equal(t, 12.5, report.Summary.MAE)
	assert.Equal(t, 2, report.Summary.Evaluated)
	assert.InDelta(t, 0.375, report.Summary.Improvement, 1e-12)
	assert.Len(t, report.Evaluations, 2)
}

func TestReporter_ConfidenceBands(t *testing.T) {
	res := sampleResults()
	res.Evaluations = append(res.Evaluations, Evaluation{DonorID: "c", Actual: 5, Predicted: 5, Confidence: 1, Covered: true})

	bands := NewReporter(res, "").confidenceBands()
	require.Len(t, bands, 3)

	assert.Equal(t, 0.3, bands[0].Low)
	assert.Equal(t, 1, bands[0].Count)
	assert.Equal(t, 15.0, bands[0].MAE)
	assert.Zero(t, bands[0].Coverage)

	assert.Equal(t, 0.8, bands[1].Low)
	assert.Equal(t, 10.0, bands[1].MAE)

	assert.Equal(t, 0.9, bands[2].Low, "confidence 1 falls in the top decile")
	assert.Equal(t, 1.0, bands[2].Coverage)
}

func TestReporter_PrintSummary(t *testing.T) {
	var buf bytes.Buffer
	NewReporter(sampleResults(), "").PrintSummary(&buf)

	out := buf.String()
	assert.Contains(t, out, "=== BACKTEST RESULTS ===")
	assert.Contains(t, out, "Donors: 8 train, 3 holdout, 2 evaluated")
	assert.Contains(t, out, "Coverage: 50.00%")
}

func TestReporter_EmptyResults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, NewReporter(&Results{}, dir).GenerateReport())

	raw, err := os.ReadFile(filepath.Join(dir, ErrorBandsFile))
	require.NoError(t, err)
	assert.Equal(t, "Confidence Low,Confidence High,Donors,MAE,Coverage %\n", string(raw))
}
