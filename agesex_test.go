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
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func agesexTestTable() *AgeSexTable {
	return &AgeSexTable{
		Groups: []string{"f0", "f15", "m0", "m15"},
		IDs:    []int32{1, 2, 3},
		Values: map[int32][]float64{
			1: {0.1, 0.4, 0.2, 0.3},
			2: {0.25, 0.25, 0.25, 0.25},
			3: {0.5, 0, 0.5, 0},
		},
	}
}

func TestDisaggregateAgeSex(t *testing.T) {
	dir := t.TempDir()
	master, pred, census := redistributeTestInputs(t, dir)
	if _, err := Redistribute(context.Background(), master, pred, nil, nil, census,
		filepath.Join(dir, "dasy.nc"), filepath.Join(dir, "norm.nc"), RedistributeOptions{}); err != nil {
		t.Fatal(err)
	}
	dasy, err := OpenRaster(filepath.Join(dir, "dasy.nc"))
	if err != nil {
		t.Fatal(err)
	}

	table := agesexTestTable()
	paths, err := DisaggregateAgeSex(context.Background(), dasy, master, table, census, dir,
		AgeSexOptions{Blocks: BlockOptions{BlockW: 4, BlockH: 4, MaxWorkers: 2}})
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 4 {
		t.Fatalf("got %d group rasters, want 4", len(paths))
	}
	if filepath.Base(paths[0]) != "agesex_f0.nc" {
		t.Errorf("first path %q, want agesex_f0.nc", paths[0])
	}

	dd := readWholeRaster(t, dasy)
	zones := readWholeRaster(t, master)
	groups := make([]*Raster, len(paths))
	datas := make([]struct{ e []float64 }, len(paths))
	for g, p := range paths {
		r, err := OpenRaster(p)
		if err != nil {
			t.Fatal(err)
		}
		groups[g] = r
		datas[g].e = readWholeRaster(t, r).Elements
	}

	// Group surfaces sum back to the dasymetric surface, and each
	// pixel carries its zone's proportions.
	for i, zv := range zones.Elements {
		if zv == master.NoData {
			for g := range datas {
				if datas[g].e[i] != PredictionNoData {
					t.Errorf("group %s pixel %d outside zones: got %g, want nodata",
						table.Groups[g], i, datas[g].e[i])
				}
			}
			continue
		}
		var sum float64
		for g := range datas {
			sum += datas[g].e[i]
		}
		if math.Abs(sum-dd.Elements[i]) > 1e-9 {
			t.Errorf("pixel %d: group sum %g != dasymetric %g", i, sum, dd.Elements[i])
		}
		props := agesexTestTable().Values[int32(zv)]
		for g := range datas {
			if want := dd.Elements[i] * props[g]; math.Abs(datas[g].e[i]-want) > 1e-9 {
				t.Errorf("pixel %d group %s: got %g, want %g",
					i, table.Groups[g], datas[g].e[i], want)
			}
		}
	}
}

func TestDisaggregateAgeSexCounts(t *testing.T) {
	// Rows given as counts summing to the census population are
	// converted to shares.
	dir := t.TempDir()
	master, pred, census := redistributeTestInputs(t, dir)
	if _, err := Redistribute(context.Background(), master, pred, nil, nil, census,
		filepath.Join(dir, "dasy.nc"), filepath.Join(dir, "norm.nc"), RedistributeOptions{}); err != nil {
		t.Fatal(err)
	}
	dasy, err := OpenRaster(filepath.Join(dir, "dasy.nc"))
	if err != nil {
		t.Fatal(err)
	}

	table := &AgeSexTable{
		Groups: []string{"f0", "m0"},
		IDs:    []int32{1, 2, 3},
		Values: map[int32][]float64{
			1: {1000, 1500}, // counts for pop 2500
			2: {800, 2400},
			3: {900, 900},
		},
	}
	paths, err := DisaggregateAgeSex(context.Background(), dasy, master, table, census, dir, AgeSexOptions{})
	if err != nil {
		t.Fatal(err)
	}
	f0, err := OpenRaster(paths[0])
	if err != nil {
		t.Fatal(err)
	}
	fd := readWholeRaster(t, f0)
	dd := readWholeRaster(t, dasy)
	zones := readWholeRaster(t, master)
	for i, zv := range zones.Elements {
		if zv != 1 {
			continue
		}
		if want := dd.Elements[i] * 0.4; math.Abs(fd.Elements[i]-want) > 1e-9 {
			t.Errorf("pixel %d: got %g, want %g (share 1000/2500)", i, fd.Elements[i], want)
		}
	}
}

func TestDisaggregateAgeSexMissingZone(t *testing.T) {
	// A zone absent from the age-sex table becomes nodata in all the
	// group rasters rather than losing population silently elsewhere.
	dir := t.TempDir()
	master, pred, census := redistributeTestInputs(t, dir)
	if _, err := Redistribute(context.Background(), master, pred, nil, nil, census,
		filepath.Join(dir, "dasy.nc"), filepath.Join(dir, "norm.nc"), RedistributeOptions{}); err != nil {
		t.Fatal(err)
	}
	dasy, err := OpenRaster(filepath.Join(dir, "dasy.nc"))
	if err != nil {
		t.Fatal(err)
	}

	table := agesexTestTable()
	table.IDs = []int32{1, 2}
	delete(table.Values, 3)
	logger, hook := logtest.NewNullLogger()
	paths, err := DisaggregateAgeSex(context.Background(), dasy, master, table, census, dir, AgeSexOptions{Log: logger})
	if err != nil {
		t.Fatal(err)
	}

	// The dropped zone and its population must be reported.
	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level != logrus.WarnLevel {
			continue
		}
		warned = true
		if zones, ok := e.Data["zones"].([]int32); !ok || len(zones) != 1 || zones[0] != 3 {
			t.Errorf("warned zones: got %v, want [3]", e.Data["zones"])
		}
		if pop, ok := e.Data["population"].(float64); !ok || pop != 1800 {
			t.Errorf("warned population: got %v, want 1800", e.Data["population"])
		}
	}
	if !warned {
		t.Error("no warning logged for the zone missing from the age-sex table")
	}
	f0, err := OpenRaster(paths[0])
	if err != nil {
		t.Fatal(err)
	}
	fd := readWholeRaster(t, f0)
	zones := readWholeRaster(t, master)
	for i, zv := range zones.Elements {
		if zv == 3 && fd.Elements[i] != PredictionNoData {
			t.Errorf("pixel %d in untabulated zone: got %g, want nodata", i, fd.Elements[i])
		}
	}
}

func TestDisaggregateAgeSexBadProportions(t *testing.T) {
	dir := t.TempDir()
	master, pred, census := redistributeTestInputs(t, dir)
	if _, err := Redistribute(context.Background(), master, pred, nil, nil, census,
		filepath.Join(dir, "dasy.nc"), filepath.Join(dir, "norm.nc"), RedistributeOptions{}); err != nil {
		t.Fatal(err)
	}
	dasy, err := OpenRaster(filepath.Join(dir, "dasy.nc"))
	if err != nil {
		t.Fatal(err)
	}

	table := agesexTestTable()
	table.Values[2] = []float64{0.5, 0.1, 0.1, 0.1} // neither shares nor counts
	_, err = DisaggregateAgeSex(context.Background(), dasy, master, table, census, dir, AgeSexOptions{})
	var pse *ProportionSumError
	if !errors.As(err, &pse) {
		t.Fatalf("got %v, want ProportionSumError", err)
	}
	if pse.Zone != 2 {
		t.Errorf("got zone %d, want 2", pse.Zone)
	}
}
