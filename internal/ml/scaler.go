package ml

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// standardScaler rescales each column to zero mean and unit variance.
// Constant columns keep a unit divisor so they map to 0.
type standardScaler struct {
	means []float64
	stds  []float64
}

func fitScaler(X [][]float64) *standardScaler {
	if len(X) == 0 {
		return &standardScaler{}
	}
	width := len(X[0])
	s := &standardScaler{
		means: make([]float64, width),
		stds:  make([]float64, width),
	}
	column := make([]float64, len(X))
	for j := 0; j < width; j++ {
		for i, row := range X {
			column[i] = row[j]
		}
		m, variance := stat.PopMeanVariance(column, nil)
		std := math.Sqrt(variance)
		if math.IsNaN(std) || std < 1e-12 {
			std = 1
		}
		s.means[j] = m
		s.stds[j] = std
	}
	return s
}

func (s *standardScaler) transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		if j < len(s.means) {
			out[j] = (v - s.means[j]) / s.stds[j]
		} else {
			out[j] = v
		}
	}
	return out
}

func (s *standardScaler) transformAll(X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, row := range X {
		out[i] = s.transform(row)
	}
	return out
}
