package ml

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelManager_AddVersionActivatesNewest(t *testing.T) {
	dir := t.TempDir()
	mm, err := NewModelManager(dir)
	require.NoError(t, err)
	assert.Nil(t, mm.GetCurrentVersion())

	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v1, err := mm.AddVersion(first, ModelMetrics{DonorCount: 10, EnsembleTarget: TargetAverageAmount})
	require.NoError(t, err)
	v2, err := mm.AddVersion(first.Add(time.Hour), ModelMetrics{DonorCount: 12, TopFeatures: []string{"average_amount"}})
	require.NoError(t, err)

	assert.NotEqual(t, v1.ID, v2.ID)
	assert.True(t, strings.HasPrefix(v2.Version, "20260101-010000-"), v2.Version)

	current := mm.GetCurrentVersion()
	require.NotNil(t, current)
	assert.Equal(t, v2.ID, current.ID)

	versions := mm.ListVersions()
	require.Len(t, versions, 2)
	assert.Equal(t, v2.ID, versions[0].ID)
	assert.True(t, versions[0].IsActive)
	assert.False(t, versions[1].IsActive)

	reloaded, err := NewModelManager(dir)
	require.NoError(t, err)
	require.NotNil(t, reloaded.GetCurrentVersion())
	assert.Equal(t, v2.ID, reloaded.GetCurrentVersion().ID)
	assert.Equal(t, 12, reloaded.GetCurrentVersion().Metrics.DonorCount)
	assert.FileExists(t, filepath.Join(dir, "model_versions.json"))
}

func TestModelManager_CapsHistory(t *testing.T) {
	mm, err := NewModelManager(t.TempDir())
	require.NoError(t, err)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < maxModelVersions+5; i++ {
		_, err := mm.AddVersion(start.Add(time.Duration(i)*time.Minute), ModelMetrics{DonorCount: i})
		require.NoError(t, err)
	}

	versions := mm.ListVersions()
	assert.Len(t, versions, maxModelVersions)
	assert.Equal(t, maxModelVersions+4, versions[0].Metrics.DonorCount)
}

func TestModelManager_SameSecondVersionsDiffer(t *testing.T) {
	mm, err := NewModelManager(t.TempDir())
	require.NoError(t, err)

	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	v1, err := mm.AddVersion(at, ModelMetrics{DonorCount: 1})
	require.NoError(t, err)
	v2, err := mm.AddVersion(at.Add(300*time.Millisecond), ModelMetrics{DonorCount: 1})
	require.NoError(t, err)

	assert.NotEqual(t, v1.Version, v2.Version)
	assert.Equal(t, v2.Version, mm.GetCurrentVersion().Version)
}

func TestTopFeatures(t *testing.T) {
	imp := map[string]float64{"a": 0.1, "b": 0.5, "c": 0.1, "d": 0.3}

	assert.Equal(t, []string{"b", "d", "a"}, TopFeatures(imp, 3))
	assert.Equal(t, []string{"b", "d", "a", "c"}, TopFeatures(imp, 10))
	assert.Empty(t, TopFeatures(nil, 3))
}

func TestTopFeatures_SkipsUnweighted(t *testing.T) {
	imp := map[string]float64{"a": 0, "b": 0.2, "c": 0, "d": 0}
	assert.Equal(t, []string{"b"}, TopFeatures(imp, 3))
	assert.Empty(t, TopFeatures(map[string]float64{"a": 0, "b": 0}, 3))
}

func TestNamedImportance(t *testing.T) {
	named := NamedImportance(map[int]float64{0: 0.7, 2: 0.3, 9: 1}, []string{"x", "y", "z"})
	assert.Equal(t, map[string]float64{"x": 0.7, "z": 0.3}, named)
}

func TestFeatureImportance_UpdateAndPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "feature_importance.json")
	names := []string{"count", "flat"}
	fi := NewFeatureImportance(names, path)

	X := [][]float64{{1, 5}, {2, 5}, {3, 5}, {4, 5}}
	y := []float64{10, 20, 30, 40}
	fi.Update(X, y, map[int]float64{0: 1})

	stats := fi.GetFeatureImportance()
	require.Contains(t, stats, "count")
	assert.InDelta(t, 2.5, stats["count"].AverageValue, 1e-12)
	assert.Equal(t, 1.0, stats["count"].MinValue)
	assert.Equal(t, 4.0, stats["count"].MaxValue)
	assert.InDelta(t, 1, stats["count"].CorrelationWithTarget, 1e-9)
	assert.Zero(t, stats["flat"].StandardDeviation)
	assert.Zero(t, stats["flat"].CorrelationWithTarget)
	assert.Equal(t, []string{"count"}, fi.GetTopFeatures(1))

	assert.FileExists(t, path)
	reloaded := NewFeatureImportance(names, path)
	assert.Equal(t, 1.0, reloaded.GetFeatureImportance()["count"].ImportanceScore)
}
