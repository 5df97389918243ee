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
	"math"
	"math/rand"
	"path/filepath"
	"testing"
)

func TestZoneStatMergeCommutative(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	vals := make([]float64, 100)
	for i := range vals {
		vals[i] = rng.NormFloat64() * 10
	}

	whole := newZoneStat()
	for _, v := range vals {
		whole.add(v)
	}

	// Split the values two different ways and merge in both orders.
	for _, cut := range []int{13, 61} {
		a, b := newZoneStat(), newZoneStat()
		for _, v := range vals[:cut] {
			a.add(v)
		}
		for _, v := range vals[cut:] {
			b.add(v)
		}
		for _, m := range []*ZoneStat{merged(a, b), merged(b, a)} {
			if m.Count != whole.Count {
				t.Fatalf("count: got %g, want %g", m.Count, whole.Count)
			}
			if math.Abs(m.Avg()-whole.Avg()) > 1e-12 {
				t.Errorf("avg: got %g, want %g", m.Avg(), whole.Avg())
			}
			if math.Abs(m.Var()-whole.Var()) > 1e-9 {
				t.Errorf("var: got %g, want %g", m.Var(), whole.Var())
			}
			if m.Min != whole.Min || m.Max != whole.Max {
				t.Errorf("min/max: got %g/%g, want %g/%g", m.Min, m.Max, whole.Min, whole.Max)
			}
		}
	}
}

func merged(a, b *ZoneStat) *ZoneStat {
	m := newZoneStat()
	m.merge(a)
	m.merge(b)
	return m
}

// zonalTestGrid builds a 12x9 mastergrid with three zones and one
// covariate with a known per-zone mean, plus some covariate nodata.
func zonalTestGrid(t *testing.T, dir string) (master, cov *Raster) {
	g := testGeometry(12, 9)
	zones := make([]float64, g.Nx*g.Ny)
	covVals := make([]float64, g.Nx*g.Ny)
	for j := 0; j < g.Ny; j++ {
		for i := 0; i < g.Nx; i++ {
			k := j*g.Nx + i
			switch {
			case i < 4:
				zones[k] = 1
				covVals[k] = 2
			case i < 8:
				zones[k] = 2
				covVals[k] = 4
			default:
				zones[k] = 3
				covVals[k] = 6
			}
		}
	}
	zones[1] = -1         // mastergrid nodata pixel in zone 1
	covVals[12*3] = -9999 // covariate nodata inside zone 1

	master = writeTestRaster(t, filepath.Join(dir, "master.nc"), g, -1, true, zones)
	cov = writeTestRaster(t, filepath.Join(dir, "cov.nc"), g, -9999, false, covVals)
	return master, cov
}

func TestZonalStatistics(t *testing.T) {
	master, cov := zonalTestGrid(t, t.TempDir())
	zs, err := zonalStatistics(context.Background(), master, []*Raster{cov}, BlockOptions{BlockW: 5, BlockH: 4, MaxWorkers: 3})
	if err != nil {
		t.Fatal(err)
	}

	// Zone 1: 4*9 pixels minus one mastergrid nodata pixel.
	if n := zs.PixelCount[1]; n != 35 {
		t.Errorf("zone 1 pixel count: got %g, want 35", n)
	}
	if n := zs.PixelCount[2]; n != 36 {
		t.Errorf("zone 2 pixel count: got %g, want 36", n)
	}

	// Zone 1 covariate stats: 34 valid pixels (one covariate nodata),
	// all value 2.
	s := zs.Stats[0][1]
	if s.Count != 34 {
		t.Errorf("zone 1 covariate count: got %g, want 34", s.Count)
	}
	if s.Avg() != 2 || s.Min != 2 || s.Max != 2 {
		t.Errorf("zone 1 stats: avg %g min %g max %g, want all 2", s.Avg(), s.Min, s.Max)
	}
	if s.Std() != 0 {
		t.Errorf("zone 1 std: got %g, want 0", s.Std())
	}
	if avg := zs.Stats[0][2].Avg(); avg != 4 {
		t.Errorf("zone 2 avg: got %g, want 4", avg)
	}
	if avg := zs.Stats[0][3].Avg(); avg != 6 {
		t.Errorf("zone 3 avg: got %g, want 6", avg)
	}
}

func TestZonalStatisticsBlockSizeInvariance(t *testing.T) {
	master, cov := zonalTestGrid(t, t.TempDir())
	configs := []BlockOptions{
		{},                                      // whole grid, one worker set
		{BlockW: 3, BlockH: 3, MaxWorkers: 1},
		{BlockW: 5, BlockH: 2, MaxWorkers: 4},
		{BlockW: 16, BlockH: 16, MaxWorkers: 2}, // blocks larger than grid
	}
	var ref *ZonalStats
	for i, opts := range configs {
		zs, err := zonalStatistics(context.Background(), master, []*Raster{cov}, opts)
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			ref = zs
			continue
		}
		for zone, want := range ref.Stats[0] {
			got := zs.Stats[0][zone]
			if got == nil {
				t.Fatalf("config %d: zone %d missing", i, zone)
			}
			if got.Count != want.Count || math.Abs(got.Sum-want.Sum) > 1e-9 ||
				got.Min != want.Min || got.Max != want.Max {
				t.Errorf("config %d zone %d: got %+v, want %+v", i, zone, got, want)
			}
		}
		for zone, want := range ref.PixelCount {
			if zs.PixelCount[zone] != want {
				t.Errorf("config %d zone %d pixel count: got %g, want %g",
					i, zone, zs.PixelCount[zone], want)
			}
		}
	}
}

func TestZonalWeightSums(t *testing.T) {
	dir := t.TempDir()
	g := testGeometry(6, 2)
	// Zone 1 on the left half, zone 2 on the right.
	zones := []float64{1, 1, 1, 2, 2, 2, 1, 1, 1, 2, 2, 2}
	pred := []float64{1, 2, 3, 0, 0, 0, 1, 1, 1, 0, -5, 0}
	mask := []float64{1, 1, 0, 1, 1, 1, 1, 1, 1, 1, 1, 1}

	master := writeTestRaster(t, filepath.Join(dir, "m.nc"), g, -1, true, zones)
	predR := writeTestRaster(t, filepath.Join(dir, "p.nc"), g, -9999, false, pred)
	maskR := writeTestRaster(t, filepath.Join(dir, "w.nc"), g, -1, true, mask)

	sums, eligible, present, err := zonalWeightSums(context.Background(), master, predR, maskR, nil, BlockOptions{})
	if err != nil {
		t.Fatal(err)
	}
	// Zone 1: masked pixel at (0,2) removes weight 3; remaining 1+2+1+1+1.
	if sums[1] != 6 {
		t.Errorf("zone 1 weight sum: got %g, want 6", sums[1])
	}
	if eligible[1] != 5 {
		t.Errorf("zone 1 eligible: got %g, want 5", eligible[1])
	}
	if present[1] != 6 {
		t.Errorf("zone 1 present: got %g, want 6", present[1])
	}
	// Zone 2: all weights zero (negatives clamped), but pixels eligible.
	if sums[2] != 0 {
		t.Errorf("zone 2 weight sum: got %g, want 0", sums[2])
	}
	if eligible[2] != 6 {
		t.Errorf("zone 2 eligible: got %g, want 6", eligible[2])
	}
}
