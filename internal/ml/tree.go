package ml

import (
	"context"
	"math"
	"math/rand"
	"sort"
)

// minSplitGain is the smallest squared-error reduction worth a split.
const minSplitGain = 1e-12

type treeNode struct {
	feature   int
	threshold float64
	left      int // -1 on leaves
	right     int
	value     float64
}

// regressionTree is a binary CART tree minimising squared error.
type regressionTree struct {
	nodes []treeNode
}

func (t *regressionTree) predict(x []float64) float64 {
	if len(t.nodes) == 0 {
		return 0
	}
	i := 0
	for {
		n := t.nodes[i]
		if n.left < 0 {
			return n.value
		}
		if x[n.feature] <= n.threshold {
			i = n.left
		} else {
			i = n.right
		}
	}
}

func (t *regressionTree) addLeaf(value float64) int {
	t.nodes = append(t.nodes, treeNode{left: -1, right: -1, value: value})
	return len(t.nodes) - 1
}

// treeConfig controls tree growth.
//
// Depth-wise growth splits every node breadth-first until maxDepth. Leaf-wise
// growth always splits the frontier leaf with the largest gain and stops at
// maxLeaves; maxDepth still bounds it when positive.
type treeConfig struct {
	maxDepth        int
	maxLeaves       int
	minSamplesLeaf  int
	leafWise        bool
	featureFraction float64
	rng             *rand.Rand
}

type splitCandidate struct {
	node      int
	depth     int
	feature   int
	threshold float64
	gain      float64
	left      []int
	right     []int
}

// fitTree grows a tree over the rows listed in idx. importance, when non-nil,
// accumulates the gain of every split per feature.
func fitTree(ctx context.Context, cfg treeConfig, X [][]float64, y []float64, idx []int, importance []float64) (*regressionTree, error) {
	if cfg.minSamplesLeaf < 1 {
		cfg.minSamplesLeaf = 1
	}
	t := &regressionTree{}
	root := t.addLeaf(meanAt(y, idx))

	frontier := []*splitCandidate{evaluateSplit(cfg, X, y, idx, root, 0)}
	leaves := 1

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var c *splitCandidate
		if cfg.leafWise {
			if cfg.maxLeaves > 0 && leaves >= cfg.maxLeaves {
				break
			}
			best := 0
			for i := 1; i < len(frontier); i++ {
				if frontier[i].gain > frontier[best].gain {
					best = i
				}
			}
			c = frontier[best]
			frontier = append(frontier[:best], frontier[best+1:]...)
		} else {
			c = frontier[0]
			frontier = frontier[1:]
		}

		if c.gain <= minSplitGain {
			continue
		}

		l := t.addLeaf(meanAt(y, c.left))
		r := t.addLeaf(meanAt(y, c.right))
		t.nodes[c.node].feature = c.feature
		t.nodes[c.node].threshold = c.threshold
		t.nodes[c.node].left = l
		t.nodes[c.node].right = r
		leaves++

		if importance != nil {
			importance[c.feature] += c.gain
		}

		if cfg.maxDepth <= 0 || c.depth+1 < cfg.maxDepth {
			frontier = append(frontier,
				evaluateSplit(cfg, X, y, c.left, l, c.depth+1),
				evaluateSplit(cfg, X, y, c.right, r, c.depth+1),
			)
		}
	}

	return t, nil
}

// evaluateSplit finds the best threshold split of the rows in idx.
// A candidate with zero gain means the node stays a leaf.
func evaluateSplit(cfg treeConfig, X [][]float64, y []float64, idx []int, node, depth int) *splitCandidate {
	best := &splitCandidate{node: node, depth: depth}
	n := len(idx)
	if n < 2*cfg.minSamplesLeaf {
		return best
	}

	var total float64
	for _, i := range idx {
		total += y[i]
	}
	parentScore := total * total / float64(n)

	sorted := make([]int, n)
	for _, f := range candidateFeatures(cfg, len(X[idx[0]])) {
		copy(sorted, idx)
		sort.Slice(sorted, func(a, b int) bool { return X[sorted[a]][f] < X[sorted[b]][f] })

		var leftSum float64
		for k := 0; k < n-1; k++ {
			leftSum += y[sorted[k]]
			nl := k + 1
			nr := n - nl
			if nl < cfg.minSamplesLeaf || nr < cfg.minSamplesLeaf {
				continue
			}
			lo, hi := X[sorted[k]][f], X[sorted[k+1]][f]
			if lo == hi {
				continue
			}
			rightSum := total - leftSum
			gain := leftSum*leftSum/float64(nl) + rightSum*rightSum/float64(nr) - parentScore
			if gain > best.gain {
				best.gain = gain
				best.feature = f
				best.threshold = lo + (hi-lo)/2
			}
		}
	}

	if best.gain <= minSplitGain {
		best.gain = 0
		return best
	}

	for _, i := range idx {
		if X[i][best.feature] <= best.threshold {
			best.left = append(best.left, i)
		} else {
			best.right = append(best.right, i)
		}
	}
	return best
}

func candidateFeatures(cfg treeConfig, width int) []int {
	if cfg.featureFraction <= 0 || cfg.featureFraction >= 1 || cfg.rng == nil {
		all := make([]int, width)
		for i := range all {
			all[i] = i
		}
		return all
	}
	m := int(math.Round(cfg.featureFraction * float64(width)))
	if m < 1 {
		m = 1
	}
	return cfg.rng.Perm(width)[:m]
}

func meanAt(y []float64, idx []int) float64 {
	rows := make([]float64, len(idx))
	for j, i := range idx {
		rows[j] = y[i]
	}
	return mean(rows)
}

func allRows(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// DecisionTree is a single CART regression tree.
type DecisionTree struct {
	MaxDepth       int
	MinSamplesLeaf int

	tree     *regressionTree
	fallback float64
}

// NewDecisionTree returns a tree regressor limited to maxDepth levels.
func NewDecisionTree(maxDepth, minSamplesLeaf int) *DecisionTree {
	return &DecisionTree{MaxDepth: maxDepth, MinSamplesLeaf: minSamplesLeaf}
}

func (d *DecisionTree) Train(ctx context.Context, X [][]float64, y []float64) error {
	if err := validateTrainingSet(X, y); err != nil {
		return err
	}
	d.fallback = mean(y)
	d.tree = nil
	if len(X) < minTrainingRows {
		return nil
	}
	tree, err := fitTree(ctx, treeConfig{maxDepth: d.MaxDepth, minSamplesLeaf: d.MinSamplesLeaf}, X, y, allRows(len(X)), nil)
	if err != nil {
		return err
	}
	d.tree = tree
	return nil
}

func (d *DecisionTree) Predict(x []float64) float64 {
	if d.tree == nil {
		return d.fallback
	}
	return d.tree.predict(x)
}
