package backtest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Report file names written by GenerateReport.
const (
	SummaryFile     = "backtest_summary.txt"
	EvaluationsFile = "evaluations.csv"
	JSONReportFile  = "backtest_results.json"
	ErrorBandsFile  = "error_bands.csv"
)

// Reporter generates backtest reports
type Reporter struct {
	results    *Results
	outputPath string
}

// NewReporter creates a new reporter
func NewReporter(results *Results, outputPath string) *Reporter {
	return &Reporter{
		results:    results,
		outputPath: outputPath,
	}
}

// GenerateReport writes every report format into the output directory.
func (r *Reporter) GenerateReport() error {
	if err := os.MkdirAll(r.outputPath, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := r.generateSummary(); err != nil {
		return err
	}
	if err := r.generateEvaluationLog(); err != nil {
		return err
	}
	if err := r.generateJSONReport(); err != nil {
		return err
	}
	return r.generateErrorBands()
}

func (r *Reporter) generateSummary() error {
	summaryPath := filepath.Join(r.outputPath, SummaryFile)
	file, err := os.Create(summaryPath)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	r.writeSummary(file)

	log.Info().Str("file", summaryPath).Msg("Summary report generated")
	return nil
}

func (r *Reporter) writeSummary(w io.Writer) {
	res := r.results
	fmt.Fprintf(w, "BACKTEST RESULTS SUMMARY\n")
	fmt.Fprintf(w, "========================\n\n")

	fmt.Fprintf(w, "Run: %s to %s\n",
		res.StartTime.Format("2006-01-02 15:04:05"),
		res.EndTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Duration: %s\n", res.EndTime.Sub(res.StartTime).Round(time.Millisecond))
	fmt.Fprintf(w, "Target: %s\n", res.Target)
	fmt.Fprintf(w, "Seed: %d\n\n", res.Seed)

	fmt.Fprintf(w, "POPULATION\n")
	fmt.Fprintf(w, "----------\n")
	fmt.Fprintf(w, "Training Donors: %d\n", res.TrainDonors)
	fmt.Fprintf(w, "Holdout Donors: %d\n", res.HoldoutDonors)
	fmt.Fprintf(w, "Evaluated: %d\n", len(res.Evaluations))
	fmt.Fprintf(w, "Skipped (fewer than two gifts): %d\n\n", res.Skipped)

	fmt.Fprintf(w, "ACCURACY\n")
	fmt.Fprintf(w, "--------\n")
	fmt.Fprintf(w, "MAE: %.2f (baseline %.2f)\n", res.MAE, res.BaselineMAE)
	fmt.Fprintf(w, "RMSE: %.2f (baseline %.2f)\n", res.RMSE, res.BaselineRMSE)
	fmt.Fprintf(w, "Improvement over baseline: %.2f%%\n\n", res.Improvement()*100)

	fmt.Fprintf(w, "CALIBRATION\n")
	fmt.Fprintf(w, "-----------\n")
	fmt.Fprintf(w, "Interval Coverage: %.2f%%\n", res.Coverage*100)
	fmt.Fprintf(w, "Mean Confidence: %.3f\n", res.MeanConfidence)
}

// generateEvaluationLog writes one CSV row per evaluated donor.
func (r *Reporter) generateEvaluationLog() error {
	csvPath := filepath.Join(r.outputPath, EvaluationsFile)
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create evaluation log: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{
		"Donor ID", "Cutoff", "Actual", "Predicted", "Baseline",
		"Lower", "Upper", "Confidence", "Covered", "Abs Error",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, ev := range r.results.Evaluations {
		record := []string{
			ev.DonorID,
			ev.Cutoff.Format(time.RFC3339),
			fmt.Sprintf("%.2f", ev.Actual),
			fmt.Sprintf("%.2f", ev.Predicted),
			fmt.Sprintf("%.2f", ev.Baseline),
			fmt.Sprintf("%.2f", ev.Lower),
			fmt.Sprintf("%.2f", ev.Upper),
			fmt.Sprintf("%.4f", ev.Confidence),
			fmt.Sprintf("%t", ev.Covered),
			fmt.Sprintf("%.2f", ev.AbsError()),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to write evaluation log: %w", err)
	}
	log.Info().Str("file", csvPath).Msg("Evaluation log generated")
	return nil
}

func (r *Reporter) generateJSONReport() error {
	jsonPath := filepath.Join(r.outputPath, JSONReportFile)

	report := map[string]interface{}{
		"summary": map[string]interface{}{
			"start_time":      r.results.StartTime,
			"end_time":        r.results.EndTime,
			"target":          r.results.Target,
			"seed":            r.results.Seed,
			"train_donors":    r.results.TrainDonors,
			"holdout_donors":  r.results.HoldoutDonors,
			"evaluated":       len(r.results.Evaluations),
			"skipped":         r.results.Skipped,
			"mae":             r.results.MAE,
			"rmse":            r.results.RMSE,
			"baseline_mae":    r.results.BaselineMAE,
			"baseline_rmse":   r.results.BaselineRMSE,
			"improvement":     r.results.Improvement(),
			"coverage":        r.results.Coverage,
			"mean_confidence": r.results.MeanConfidence,
		},
		"evaluations":  r.results.Evaluations,
		"generated_at": time.Now(),
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if err := os.WriteFile(jsonPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write JSON report: %w", err)
	}

	log.Info().Str("file", jsonPath).Msg("JSON report generated")
	return nil
}

// ConfidenceBand aggregates evaluations whose confidence falls in
// [Low, High).
type ConfidenceBand struct {
	Low      float64
	High     float64
	Count    int
	MAE      float64
	Coverage float64
}

// generateErrorBands writes accuracy per confidence decile so calibration
// can be checked.
func (r *Reporter) generateErrorBands() error {
	bandsPath := filepath.Join(r.outputPath, ErrorBandsFile)
	file, err := os.Create(bandsPath)
	if err != nil {
		return fmt.Errorf("failed to create error bands report: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Confidence Low", "Confidence High", "Donors", "MAE", "Coverage %"}); err != nil {
		return err
	}
	for _, b := range r.confidenceBands() {
		record := []string{
			fmt.Sprintf("%.1f", b.Low),
			fmt.Sprintf("%.1f", b.High),
			fmt.Sprintf("%d", b.Count),
			fmt.Sprintf("%.2f", b.MAE),
			fmt.Sprintf("%.2f", b.Coverage*100),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to write error bands report: %w", err)
	}

	log.Info().Str("file", bandsPath).Msg("Error bands report generated")
	return nil
}

// confidenceBands groups evaluations into deciles of confidence, lowest
// first. Empty deciles are omitted.
func (r *Reporter) confidenceBands() []ConfidenceBand {
	byDecile := make(map[int]*ConfidenceBand)
	for _, ev := range r.results.Evaluations {
		d := int(ev.Confidence * 10)
		if d > 9 {
			d = 9
		}
		if d < 0 {
			d = 0
		}
		b, ok := byDecile[d]
		if !ok {
			b = &ConfidenceBand{Low: float64(d) / 10, High: float64(d+1) / 10}
			byDecile[d] = b
		}
		b.Count++
		b.MAE += ev.AbsError()
		if ev.Covered {
			b.Coverage++
		}
	}

	deciles := make([]int, 0, len(byDecile))
	for d := range byDecile {
		deciles = append(deciles, d)
	}
	sort.Ints(deciles)

	bands := make([]ConfidenceBand, 0, len(deciles))
	for _, d := range deciles {
		b := byDecile[d]
		b.MAE /= float64(b.Count)
		b.Coverage /= float64(b.Count)
		bands = append(bands, *b)
	}
	return bands
}

// PrintSummary writes a short summary to w.
func (r *Reporter) PrintSummary(w io.Writer) {
	res := r.results
	fmt.Fprintln(w, "\n=== BACKTEST RESULTS ===")
	fmt.Fprintf(w, "Target: %s\n", res.Target)
	fmt.Fprintf(w, "Donors: %d train, %d holdout, %d evaluated\n",
		res.TrainDonors, res.HoldoutDonors, len(res.Evaluations))
	fmt.Fprintf(w, "MAE: %.2f (baseline %.2f)\n", res.MAE, res.BaselineMAE)
	fmt.Fprintf(w, "RMSE: %.2f (baseline %.2f)\n", res.RMSE, res.BaselineRMSE)
	fmt.Fprintf(w, "Improvement: %.2f%%\n", res.Improvement()*100)
	fmt.Fprintf(w, "Coverage: %.2f%%\n", res.Coverage*100)
	fmt.Fprintf(w, "Mean Confidence: %.3f\n", res.MeanConfidence)
	fmt.Fprintln(w, "========================")
}
