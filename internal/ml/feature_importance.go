package ml

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"
)

// FeatureImportance keeps per-feature statistics from the latest training
// population alongside the split-gain importance reported by the designated
// boosted-trees learner.
type FeatureImportance struct {
	mu             sync.RWMutex
	featureNames   []string
	importanceData map[string]*FeatureStats
	savePath       string
}

// FeatureStats contains statistics for a single feature
type FeatureStats struct {
	Name                  string    `json:"name"`
	ImportanceScore       float64   `json:"importance_score"`
	AverageValue          float64   `json:"average_value"`
	StandardDeviation     float64   `json:"standard_deviation"`
	MinValue              float64   `json:"min_value"`
	MaxValue              float64   `json:"max_value"`
	CorrelationWithTarget float64   `json:"correlation_with_target"`
	LastUpdated           time.Time `json:"last_updated"`
}

// NewFeatureImportance creates a tracker for the named features. A non-empty
// savePath persists the statistics after every update and seeds them on
// startup.
func NewFeatureImportance(featureNames []string, savePath string) *FeatureImportance {
	fi := &FeatureImportance{
		featureNames:   featureNames,
		importanceData: make(map[string]*FeatureStats, len(featureNames)),
		savePath:       savePath,
	}
	for _, name := range featureNames {
		fi.importanceData[name] = &FeatureStats{Name: name}
	}

	if savePath != "" {
		if err := fi.Load(); err != nil {
			log.Warn().Err(err).Msg("Failed to load feature importance data")
		}
	}
	return fi
}

// Update recomputes the population statistics from a training matrix and
// records the learner-reported importance per feature position.
func (fi *FeatureImportance) Update(X [][]float64, y []float64, importance map[int]float64) {
	now := time.Now()
	column := make([]float64, len(X))

	fi.mu.Lock()
	defer fi.mu.Unlock()

	for j, name := range fi.featureNames {
		stats := &FeatureStats{Name: name, ImportanceScore: importance[j], LastUpdated: now}
		if len(X) > 0 {
			stats.MinValue, stats.MaxValue = math.Inf(1), math.Inf(-1)
			for i, row := range X {
				column[i] = row[j]
				stats.MinValue = math.Min(stats.MinValue, row[j])
				stats.MaxValue = math.Max(stats.MaxValue, row[j])
			}
			m, variance := stat.PopMeanVariance(column, nil)
			stats.AverageValue = m
			if variance > 0 {
				stats.StandardDeviation = math.Sqrt(variance)
			}
			if len(X) > 1 {
				if c := stat.Correlation(column, y, nil); !math.IsNaN(c) {
					stats.CorrelationWithTarget = c
				}
			}
		}
		fi.importanceData[name] = stats
	}

	if fi.savePath != "" {
		if err := fi.saveLocked(); err != nil {
			log.Warn().Err(err).Str("path", fi.savePath).Msg("Failed to save feature importance data")
		}
	}
}

// GetFeatureImportance returns a copy of the current statistics by name.
func (fi *FeatureImportance) GetFeatureImportance() map[string]*FeatureStats {
	fi.mu.RLock()
	defer fi.mu.RUnlock()

	result := make(map[string]*FeatureStats, len(fi.importanceData))
	for name, stats := range fi.importanceData {
		statsCopy := *stats
		result[name] = &statsCopy
	}
	return result
}

// GetTopFeatures returns the top N most important features
func (fi *FeatureImportance) GetTopFeatures(n int) []string {
	fi.mu.RLock()
	scores := make(map[string]float64, len(fi.importanceData))
	for name, stats := range fi.importanceData {
		scores[name] = stats.ImportanceScore
	}
	fi.mu.RUnlock()

	return TopFeatures(scores, n)
}

func (fi *FeatureImportance) saveLocked() error {
	if fi.savePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(fi.savePath), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(fi.importanceData, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(fi.savePath, data, 0o600)
}

// Load reads previously saved statistics. A missing file is not an error.
func (fi *FeatureImportance) Load() error {
	if fi.savePath == "" {
		return nil
	}
	data, err := os.ReadFile(fi.savePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	fi.mu.Lock()
	defer fi.mu.Unlock()
	return json.Unmarshal(data, &fi.importanceData)
}

// NamedImportance keys positional importance weights by feature name.
// Positions without a name are dropped.
func NamedImportance(importance map[int]float64, names []string) map[string]float64 {
	out := make(map[string]float64, len(importance))
	for i, w := range importance {
		if i >= 0 && i < len(names) {
			out[names[i]] = w
		}
	}
	return out
}

// TopFeatures returns up to n feature names ordered by descending weight,
// ties broken by name. Features with no positive weight are left out.
func TopFeatures(importance map[string]float64, n int) []string {
	names := make([]string, 0, len(importance))
	for name, w := range importance {
		if w > 0 {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		if importance[names[i]] != importance[names[j]] {
			return importance[names[i]] > importance[names[j]]
		}
		return names[i] < names[j]
	})
	if n < len(names) {
		names = names[:n]
	}
	return names
}
