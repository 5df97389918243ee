/*
Copyright © 2026 the PopRF authors.
This file is part of PopRF.

PopRF is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

PopRF is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with PopRF.  If not, see <http://www.gnu.org/licenses/>.
*/

package poprf

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// ModelVersion identifies the artifact format written by SaveModel.
const ModelVersion = "poprf-model-1"

// minTrainingZones is the smallest number of usable zones that can
// support a train/validation split.
const minTrainingZones = 10

// A Scaler standardizes features robustly: centered on the median and
// scaled by the interquartile range, so outlier zones do not dominate
// the scaling. Fit on the training split only.
type Scaler struct {
	Center, Scale []float64
}

// FitScaler fits a robust scaler to the given rows.
func FitScaler(rows [][]float64) *Scaler {
	if len(rows) == 0 {
		return &Scaler{}
	}
	ncol := len(rows[0])
	s := &Scaler{
		Center: make([]float64, ncol),
		Scale:  make([]float64, ncol),
	}
	col := make([]float64, len(rows))
	for j := 0; j < ncol; j++ {
		for i, r := range rows {
			col[i] = r[j]
		}
		sort.Float64s(col)
		s.Center[j] = stat.Quantile(0.5, stat.Empirical, col, nil)
		iqr := stat.Quantile(0.75, stat.Empirical, col, nil) -
			stat.Quantile(0.25, stat.Empirical, col, nil)
		if iqr == 0 {
			iqr = 1
		}
		s.Scale[j] = iqr
	}
	return s
}

// Transform returns the standardized copy of x.
func (s *Scaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.Center[j]) / s.Scale[j]
	}
	return out
}

// A TreeNode is one node of a regression tree. Leaf nodes carry the
// mean target of their training samples; interior nodes split on
// Feature at Threshold.
type TreeNode struct {
	Leaf        bool
	Feature     int
	Threshold   float64
	Value       float64
	Left, Right *TreeNode
}

func (n *TreeNode) predict(x []float64) float64 {
	for !n.Leaf {
		if x[n.Feature] <= n.Threshold {
			n = n.Left
		} else {
			n = n.Right
		}
	}
	return n.Value
}

// A Forest is a bagged ensemble of regression trees; its prediction is
// the mean of its trees' predictions.
type Forest struct {
	Trees []*TreeNode
}

func (f *Forest) predict(x []float64) float64 {
	var sum float64
	for _, t := range f.Trees {
		sum += t.predict(x)
	}
	return sum / float64(len(f.Trees))
}

// TrainOptions configures model fitting.
type TrainOptions struct {
	// Trees is the ensemble size (default 100).
	Trees int
	// MaxDepth limits tree depth (default 12) and MinLeaf the
	// smallest leaf size (default 2).
	MaxDepth, MinLeaf int
	// MTry is the number of candidate features at each split
	// (default: one third of the features, at least one).
	MTry int
	// ValidationSplit is the held-out fraction (default 0.25).
	ValidationSplit float64
	// Seed fixes all training stochasticity: bootstrap sampling,
	// the validation split, and permutation importance shuffles.
	Seed int64
	// LogTransform trains on log(density + 0.1); predictions invert
	// the transform.
	LogTransform bool
	// SelectionThreshold, when > 0, drops features whose permutation
	// importance falls below it and refits on the survivors.
	SelectionThreshold float64
	// PermutationRounds is the number of shuffles per feature when
	// estimating importances (default 10).
	PermutationRounds int
	Log               logrus.FieldLogger
}

func (o TrainOptions) withDefaults(nfeat int) TrainOptions {
	if o.Trees < 1 {
		o.Trees = 100
	}
	if o.MaxDepth < 1 {
		o.MaxDepth = 12
	}
	if o.MinLeaf < 1 {
		o.MinLeaf = 2
	}
	if o.MTry < 1 {
		o.MTry = (nfeat + 2) / 3
	}
	if o.MTry > nfeat {
		o.MTry = nfeat
	}
	if o.ValidationSplit <= 0 || o.ValidationSplit >= 1 {
		o.ValidationSplit = 0.25
	}
	if o.PermutationRounds < 1 {
		o.PermutationRounds = 10
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
	return o
}

// An Importance is one feature's permutation importance: the mean
// root-mean-square-error increase caused by shuffling the feature on
// the validation split, normalized by the target mean.
type Importance struct {
	Feature    string
	Importance float64
	Std        float64
}

// A Model is the opaque fitted artifact: the forest, its paired
// scaler, and everything prediction needs to rebuild the feature
// vector per pixel. Models are immutable once trained.
type Model struct {
	Version string
	// BaseColumns are the "<covariate>_avg" columns in covariate
	// order; Derived holds any derived-feature expressions.
	// Features are the columns the forest consumes, a subset of
	// base + derived when feature selection dropped some.
	BaseColumns  []string
	Derived      map[string]string
	Features     []string
	LogTransform bool
	TargetMean   float64
	Seed         int64
	Scaler       *Scaler
	Forest       *Forest
	// R2 is the coefficient of determination on the validation
	// split; Importances covers every candidate feature.
	R2          float64
	Importances []Importance
}

// Train fits the ensemble regressor to the feature table. The scaler is
// fit only on the training split; the reported R² and the permutation
// importances come from the held-out validation split.
func Train(t *FeatureTable, opts TrainOptions) (*Model, error) {
	opts = opts.withDefaults(len(t.Columns))
	log := opts.Log

	// Drop rows with non-finite features or target.
	var rows [][]float64
	var targets []float64
	for i, r := range t.Rows {
		ok := !math.IsNaN(t.Target[i]) && !math.IsInf(t.Target[i], 0)
		for _, v := range r {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				ok = false
				break
			}
		}
		if ok {
			rows = append(rows, r)
			targets = append(targets, t.Target[i])
		}
	}
	n := len(rows)
	if n < minTrainingZones {
		return nil, &InsufficientDataError{Zones: n, Minimum: minTrainingZones}
	}
	if !hasNonDegenerateFeature(rows) {
		return nil, &InsufficientDataError{Zones: n, Minimum: minTrainingZones}
	}

	y := make([]float64, n)
	for i, d := range targets {
		if opts.LogTransform {
			y[i] = math.Log(d + 0.1)
		} else {
			y[i] = d
		}
	}
	targetMean := stat.Mean(y, nil)

	rng := rand.New(rand.NewSource(opts.Seed))
	perm := rng.Perm(n)
	nval := int(math.Round(float64(n) * opts.ValidationSplit))
	if nval < 1 {
		nval = 1
	}
	if nval > n-2 {
		nval = n - 2
	}
	valIdx, trainIdx := perm[:nval], perm[nval:]

	m := &Model{
		Version:      ModelVersion,
		BaseColumns:  append([]string(nil), t.Columns[:len(t.covNames)]...),
		Derived:      t.derived,
		Features:     append([]string(nil), t.Columns...),
		LogTransform: opts.LogTransform,
		TargetMean:   targetMean,
		Seed:         opts.Seed,
	}

	fit := func(cols []int) (*Scaler, *Forest) {
		sub := subsetColumns(rows, cols)
		trainRows := subsetRows(sub, trainIdx)
		scaler := FitScaler(trainRows)
		scaled := make([][]float64, n)
		for i, r := range sub {
			scaled[i] = scaler.Transform(r)
		}
		forest := fitForest(subsetRows(scaled, trainIdx), subsetRows1(y, trainIdx), opts)
		return scaler, forest
	}

	allCols := make([]int, len(t.Columns))
	for i := range allCols {
		allCols[i] = i
	}
	m.Scaler, m.Forest = fit(allCols)
	m.R2 = m.validate(rows, y, allCols, valIdx)
	m.Importances = permutationImportances(m, rows, y, t.Columns, allCols, valIdx, opts, rng)

	if opts.SelectionThreshold > 0 {
		var keep []int
		for i, imp := range m.Importances {
			if imp.Importance > opts.SelectionThreshold {
				keep = append(keep, allCols[i])
			}
		}
		if len(keep) > 0 && len(keep) < len(allCols) {
			dropped := len(allCols) - len(keep)
			log.WithFields(logrus.Fields{"kept": len(keep), "dropped": dropped}).Info(
				"refitting on selected features")
			m.Features = make([]string, len(keep))
			for i, c := range keep {
				m.Features[i] = t.Columns[c]
			}
			m.Scaler, m.Forest = fit(keep)
			m.R2 = m.validate(rows, y, keep, valIdx)
		}
	}

	log.WithFields(logrus.Fields{
		"zones":    n,
		"features": len(m.Features),
		"r2":       m.R2,
	}).Info("model training complete")
	return m, nil
}

// validate returns R² of the model on the validation rows.
func (m *Model) validate(rows [][]float64, y []float64, cols, valIdx []int) float64 {
	est := make([]float64, len(valIdx))
	obs := make([]float64, len(valIdx))
	for i, ri := range valIdx {
		x := make([]float64, len(cols))
		for j, c := range cols {
			x[j] = rows[ri][c]
		}
		est[i] = m.Forest.predict(m.Scaler.Transform(x))
		obs[i] = y[ri]
	}
	return stat.RSquaredFrom(est, obs, nil)
}

// permutationImportances shuffles one feature at a time on the
// validation split and measures the RMSE increase, normalized by the
// target mean as the original WorldPop workflow reports it.
func permutationImportances(m *Model, rows [][]float64, y []float64, names []string, cols, valIdx []int, opts TrainOptions, rng *rand.Rand) []Importance {
	baseline := validationRMSE(m, rows, y, cols, valIdx, -1, nil)
	norm := math.Abs(m.TargetMean)
	if norm == 0 {
		norm = 1
	}

	out := make([]Importance, len(cols))
	deltas := make([]float64, opts.PermutationRounds)
	for ci, c := range cols {
		for round := range deltas {
			shuffled := rng.Perm(len(valIdx))
			deltas[round] = validationRMSE(m, rows, y, cols, valIdx, c, shuffled) - baseline
		}
		mean, std := stat.MeanStdDev(deltas, nil)
		if math.IsNaN(std) {
			std = 0
		}
		out[ci] = Importance{
			Feature:    names[ci],
			Importance: mean / norm,
			Std:        std / norm,
		}
	}
	return out
}

// validationRMSE computes the model RMSE on the validation rows, with
// feature permuted (according to shuffle, an index permutation of
// valIdx) when permuted >= 0.
func validationRMSE(m *Model, rows [][]float64, y []float64, cols, valIdx []int, permuted int, shuffle []int) float64 {
	var sum float64
	x := make([]float64, len(cols))
	for i, ri := range valIdx {
		for j, c := range cols {
			if c == permuted {
				x[j] = rows[valIdx[shuffle[i]]][c]
			} else {
				x[j] = rows[ri][c]
			}
		}
		d := m.Forest.predict(m.Scaler.Transform(x)) - y[ri]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(valIdx)))
}

// PredictRow returns the model prediction for one already-assembled
// feature vector (ordered as m.Features), inverting the log transform
// when the model was trained on log density. Results are clamped at
// zero; the surface is a relative weight, not a count.
func (m *Model) PredictRow(x []float64) float64 {
	v := m.Forest.predict(m.Scaler.Transform(x))
	if m.LogTransform {
		v = math.Exp(v) - 0.1
	}
	if v < 0 {
		v = 0
	}
	return v
}

func hasNonDegenerateFeature(rows [][]float64) bool {
	if len(rows) == 0 {
		return false
	}
	for j := range rows[0] {
		first := rows[0][j]
		for _, r := range rows[1:] {
			if r[j] != first {
				return true
			}
		}
	}
	return false
}

func subsetColumns(rows [][]float64, cols []int) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		s := make([]float64, len(cols))
		for j, c := range cols {
			s[j] = r[c]
		}
		out[i] = s
	}
	return out
}

func subsetRows(rows [][]float64, idx []int) [][]float64 {
	out := make([][]float64, len(idx))
	for i, ri := range idx {
		out[i] = rows[ri]
	}
	return out
}

func subsetRows1(v []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, ri := range idx {
		out[i] = v[ri]
	}
	return out
}

// fitForest grows the bagged ensemble. Each tree gets a bootstrap
// sample and its own deterministic sub-seed, so training is
// reproducible regardless of how many workers the surrounding pipeline
// uses.
func fitForest(X [][]float64, y []float64, opts TrainOptions) *Forest {
	n := len(X)
	f := &Forest{Trees: make([]*TreeNode, opts.Trees)}
	for t := 0; t < opts.Trees; t++ {
		rng := rand.New(rand.NewSource(opts.Seed + int64(t) + 1))
		idx := make([]int, n)
		for i := range idx {
			idx[i] = rng.Intn(n)
		}
		f.Trees[t] = growTree(X, y, idx, rng, opts, 0)
	}
	return f
}

func growTree(X [][]float64, y []float64, idx []int, rng *rand.Rand, opts TrainOptions, depth int) *TreeNode {
	leaf := func() *TreeNode {
		var sum float64
		for _, i := range idx {
			sum += y[i]
		}
		return &TreeNode{Leaf: true, Value: sum / float64(len(idx))}
	}
	if depth >= opts.MaxDepth || len(idx) < 2*opts.MinLeaf {
		return leaf()
	}

	feature, threshold, ok := bestSplit(X, y, idx, rng, opts)
	if !ok {
		return leaf()
	}
	var left, right []int
	for _, i := range idx {
		if X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return &TreeNode{
		Feature:   feature,
		Threshold: threshold,
		Left:      growTree(X, y, left, rng, opts, depth+1),
		Right:     growTree(X, y, right, rng, opts, depth+1),
	}
}

// bestSplit searches a random subset of MTry features for the split
// minimizing the summed squared error of the two children, requiring
// MinLeaf samples on each side.
func bestSplit(X [][]float64, y []float64, idx []int, rng *rand.Rand, opts TrainOptions) (feature int, threshold float64, ok bool) {
	nfeat := len(X[0])
	candidates := rng.Perm(nfeat)[:opts.MTry]
	sort.Ints(candidates) // deterministic evaluation order

	n := len(idx)
	var totalSum, totalSum2 float64
	for _, i := range idx {
		totalSum += y[i]
		totalSum2 += y[i] * y[i]
	}
	bestScore := totalSum2 - totalSum*totalSum/float64(n) // parent SSE

	sorted := make([]int, n)
	for _, feat := range candidates {
		copy(sorted, idx)
		sort.SliceStable(sorted, func(a, b int) bool {
			return X[sorted[a]][feat] < X[sorted[b]][feat]
		})
		var leftSum, leftSum2 float64
		for k := 0; k < n-1; k++ {
			i := sorted[k]
			leftSum += y[i]
			leftSum2 += y[i] * y[i]
			nl := k + 1
			if nl < opts.MinLeaf || n-nl < opts.MinLeaf {
				continue
			}
			xk, xk1 := X[i][feat], X[sorted[k+1]][feat]
			if xk == xk1 {
				continue // can't split between equal values
			}
			rightSum := totalSum - leftSum
			rightSum2 := totalSum2 - leftSum2
			score := (leftSum2 - leftSum*leftSum/float64(nl)) +
				(rightSum2 - rightSum*rightSum/float64(n-nl))
			if score < bestScore-1e-12 {
				bestScore = score
				feature = feat
				threshold = (xk + xk1) / 2
				ok = true
			}
		}
	}
	return feature, threshold, ok
}

// ImportanceCSV formats the feature importances as CSV rows.
func (m *Model) ImportanceCSV() string {
	s := "feature,importance,std\n"
	for _, imp := range m.Importances {
		s += fmt.Sprintf("%s,%g,%g\n", imp.Feature, imp.Importance, imp.Std)
	}
	return s
}
