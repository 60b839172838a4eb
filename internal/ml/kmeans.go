package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Segment labels in descending order of cluster lifetime value.
const (
	SegmentHighValueRegular   = "High Value Regular"
	SegmentPotentialHighValue = "Potential High Value"
	SegmentConsistentMedium   = "Consistent Medium"
	SegmentOccasionalSmall    = "Occasional Small"
	SegmentAtRisk             = "At Risk"
)

// SegmentLabels lists every label the Segmenter can return, best first.
var SegmentLabels = [5]string{
	SegmentHighValueRegular,
	SegmentPotentialHighValue,
	SegmentConsistentMedium,
	SegmentOccasionalSmall,
	SegmentAtRisk,
}

// SegmenterConfig configures k-means clustering.
type SegmenterConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

// Segmenter clusters donors with k-means (k = 5, seeded k-means++
// initialisation) over standardised features. Clusters are labelled by mean
// lifetime value at training time, so the mapping is fixed for a trained
// segmenter.
type Segmenter struct {
	config SegmenterConfig
	seed   int64

	scaler    *standardScaler
	centroids [][]float64
	labels    []string
}

// NewSegmenter returns an untrained segmenter.
func NewSegmenter(config SegmenterConfig, seed int64) *Segmenter {
	if config.MaxIterations <= 0 {
		config.MaxIterations = 100
	}
	return &Segmenter{config: config, seed: seed}
}

// Train clusters X and labels each cluster by the mean of ltv over its
// members. Fewer than five rows produce one cluster per row.
func (s *Segmenter) Train(ctx context.Context, X [][]float64, ltv []float64) error {
	if err := validateTrainingSet(X, ltv); err != nil {
		return err
	}
	s.centroids = nil
	s.labels = nil
	if len(X) == 0 {
		return nil
	}

	s.scaler = fitScaler(X)
	Z := s.scaler.transformAll(X)
	k := len(SegmentLabels)
	if len(Z) < k {
		k = len(Z)
	}

	rng := rand.New(rand.NewSource(s.seed))
	centroids := seedCentroids(Z, k, rng)
	assign := make([]int, len(Z))
	for i := range assign {
		assign[i] = -1
	}

	for iter := 0; iter < s.config.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		changed := false
		for i, z := range Z {
			c := nearest(centroids, z)
			if c != assign[i] {
				assign[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, len(Z[0]))
		}
		for i, z := range Z {
			counts[assign[i]]++
			for j, v := range z {
				sums[assign[i]][j] += v
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			for j := range centroids[c] {
				centroids[c][j] = sums[c][j] / float64(counts[c])
			}
		}
	}

	for _, c := range centroids {
		for _, v := range c {
			if math.IsNaN(v) {
				return fmt.Errorf("k-means centroid diverged")
			}
		}
	}

	s.centroids = centroids
	s.labels = labelClusters(assign, ltv, k)
	return nil
}

// Predict returns the label of the nearest centroid. An untrained segmenter
// answers with the neutral middle label.
func (s *Segmenter) Predict(x []float64) string {
	if len(s.centroids) == 0 {
		return SegmentConsistentMedium
	}
	return s.labels[nearest(s.centroids, s.scaler.transform(x))]
}

// labelClusters ranks clusters by mean member ltv, descending. Empty clusters
// rank last; ties keep cluster order.
func labelClusters(assign []int, ltv []float64, k int) []string {
	sums := make([]float64, k)
	counts := make([]int, k)
	for i, c := range assign {
		sums[c] += ltv[i]
		counts[c]++
	}

	order := make([]int, k)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ca, cb := order[a], order[b]
		if (counts[ca] == 0) != (counts[cb] == 0) {
			return counts[ca] > 0
		}
		if counts[ca] == 0 {
			return false
		}
		return sums[ca]/float64(counts[ca]) > sums[cb]/float64(counts[cb])
	})

	labels := make([]string, k)
	for rank, c := range order {
		labels[c] = SegmentLabels[rank]
	}
	return labels
}

// seedCentroids picks k starting centroids with k-means++ weighting.
func seedCentroids(Z [][]float64, k int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, append([]float64(nil), Z[rng.Intn(len(Z))]...))

	dist := make([]float64, len(Z))
	for len(centroids) < k {
		var total float64
		for i, z := range Z {
			dist[i] = squaredDistance(z, centroids[nearest(centroids, z)])
			total += dist[i]
		}

		next := -1
		if total > 0 {
			target := rng.Float64() * total
			var acc float64
			for i, d := range dist {
				acc += d
				if acc >= target && d > 0 {
					next = i
					break
				}
			}
		}
		if next < 0 {
			// All remaining points coincide with a centroid.
			next = len(centroids) % len(Z)
		}
		centroids = append(centroids, append([]float64(nil), Z[next]...))
	}
	return centroids
}

func nearest(centroids [][]float64, z []float64) int {
	best, bestDist := 0, math.Inf(1)
	for c, centroid := range centroids {
		if d := squaredDistance(z, centroid); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func squaredDistance(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}
