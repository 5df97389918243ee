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
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"
)

// predictTestModel trains a model on synthetic data so prediction tests
// exercise a real forest rather than a hand-built stub.
func predictTestModel(t *testing.T) *Model {
	m, err := Train(syntheticFeatureTable(40), TrainOptions{Trees: 10, Seed: 42, LogTransform: true})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// predictTestRasters writes a mastergrid with a nodata pixel at index 1
// and two covariates with a nodata pixel at index 2.
func predictTestRasters(t *testing.T, dir string) (*Raster, []Covariate) {
	g := testGeometry(10, 8)
	rng := rand.New(rand.NewSource(11))
	zones := make([]float64, g.Nx*g.Ny)
	bldg := make([]float64, g.Nx*g.Ny)
	slope := make([]float64, g.Nx*g.Ny)
	for i := range zones {
		zones[i] = 1
		bldg[i] = rng.Float64() * 10
		slope[i] = rng.Float64()
	}
	zones[1] = -1
	bldg[2] = -9999

	master := writeTestRaster(t, filepath.Join(dir, "master.nc"), g, -1, true, zones)
	writeTestRaster(t, filepath.Join(dir, "bldg.nc"), g, -9999, false, bldg)
	writeTestRaster(t, filepath.Join(dir, "slope.nc"), g, -9999, false, slope)
	return master, []Covariate{
		{Name: "bldg", Path: filepath.Join(dir, "bldg.nc")},
		{Name: "slope", Path: filepath.Join(dir, "slope.nc")},
	}
}

func TestPredict(t *testing.T) {
	dir := t.TempDir()
	m := predictTestModel(t)
	master, covs := predictTestRasters(t, dir)

	pred, err := Predict(context.Background(), m, master, covs, filepath.Join(dir, "pred.nc"), PredictOptions{})
	if err != nil {
		t.Fatal(err)
	}
	data := readWholeRaster(t, pred)

	if data.Elements[1] != PredictionNoData {
		t.Errorf("masked mastergrid pixel: got %g, want nodata", data.Elements[1])
	}
	if data.Elements[2] != PredictionNoData {
		t.Errorf("masked covariate pixel: got %g, want nodata", data.Elements[2])
	}
	for i, v := range data.Elements {
		if i == 1 || i == 2 {
			continue
		}
		if v == PredictionNoData || v < 0 {
			t.Fatalf("pixel %d: got %g, want a nonnegative density", i, v)
		}
	}
}

func TestPredictBlockSizeInvariance(t *testing.T) {
	dir := t.TempDir()
	m := predictTestModel(t)
	master, covs := predictTestRasters(t, dir)

	whole, err := Predict(context.Background(), m, master, covs,
		filepath.Join(dir, "whole.nc"), PredictOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := readWholeRaster(t, whole)

	for _, opt := range []BlockOptions{
		{BlockW: 3, BlockH: 3, MaxWorkers: 1},
		{BlockW: 4, BlockH: 5, MaxWorkers: 4},
		{BlockW: 16, BlockH: 2, MaxWorkers: 2},
	} {
		out := filepath.Join(dir, "tiled.nc")
		tiled, err := Predict(context.Background(), m, master, covs, out, PredictOptions{Blocks: opt})
		if err != nil {
			t.Fatal(err)
		}
		got := readWholeRaster(t, tiled)
		for i := range want.Elements {
			if got.Elements[i] != want.Elements[i] {
				t.Fatalf("blocks %dx%d workers %d: pixel %d = %g, want %g",
					opt.BlockW, opt.BlockH, opt.MaxWorkers, i,
					got.Elements[i], want.Elements[i])
			}
		}
	}
}

func TestPredictDerivedFeatures(t *testing.T) {
	dir := t.TempDir()
	master, covs := predictTestRasters(t, dir)

	table := syntheticFeatureTable(40)
	if err := table.addDerived(map[string]string{"bldg_sq": "bldg_avg * bldg_avg"}); err != nil {
		t.Fatal(err)
	}
	m, err := Train(table, TrainOptions{Trees: 10, Seed: 8, LogTransform: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Features) != 3 {
		t.Fatalf("features: got %v, want base + derived", m.Features)
	}

	pred, err := Predict(context.Background(), m, master, covs, filepath.Join(dir, "pred.nc"), PredictOptions{})
	if err != nil {
		t.Fatal(err)
	}
	data := readWholeRaster(t, pred)
	if data.Elements[0] == PredictionNoData {
		t.Error("valid pixel predicted as nodata")
	}
}

func TestPredictCovariateMismatch(t *testing.T) {
	dir := t.TempDir()
	m := predictTestModel(t)
	master, covs := predictTestRasters(t, dir)

	_, err := Predict(context.Background(), m, master, covs[:1], filepath.Join(dir, "pred.nc"), PredictOptions{})
	if err == nil {
		t.Fatal("expected an error for a missing covariate")
	}

	renamed := []Covariate{covs[1], covs[0]} // wrong order
	_, err = Predict(context.Background(), m, master, renamed, filepath.Join(dir, "pred.nc"), PredictOptions{})
	if err == nil || !strings.Contains(err.Error(), "trained with") {
		t.Fatalf("got %v, want a covariate order error", err)
	}
}
