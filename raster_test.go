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
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/ctessum/sparse"
)

const testProj = "+proj=longlat +datum=WGS84 +no_defs"

// testGeometry returns a small grid geometry for tests.
func testGeometry(nx, ny int) Geometry {
	return Geometry{
		Nx: nx, Ny: ny,
		X0: 30.0, Y0: 10.0,
		Dx: 0.01, Dy: -0.01,
		Proj: testProj,
	}
}

// writeTestRaster writes vals (row-major, len nx*ny) as a raster file
// and returns a handle to it.
func writeTestRaster(t *testing.T, path string, g Geometry, nodata float64, integer bool, vals []float64) *Raster {
	t.Helper()
	if len(vals) != g.Nx*g.Ny {
		t.Fatalf("writeTestRaster: %d values for a %dx%d grid", len(vals), g.Nx, g.Ny)
	}
	w, err := CreateRaster(path, "data", g, nodata, integer)
	if err != nil {
		t.Fatal(err)
	}
	data := sparse.ZerosDense(g.Ny, g.Nx)
	copy(data.Elements, vals)
	if err := w.WriteBlock(Block{X0: 0, Y0: 0, Nx: g.Nx, Ny: g.Ny}, data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	r, err := OpenRaster(path)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func readWholeRaster(t *testing.T, r *Raster) *sparse.DenseArray {
	t.Helper()
	data, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestRasterRoundTrip(t *testing.T) {
	g := testGeometry(7, 5)
	vals := make([]float64, g.Nx*g.Ny)
	for i := range vals {
		vals[i] = float64(i) * 0.5
	}
	vals[3] = -9999 // nodata sentinel should survive unchanged

	r := writeTestRaster(t, filepath.Join(t.TempDir(), "a.nc"), g, -9999, false, vals)
	if r.Geometry != g {
		t.Errorf("geometry: got %+v, want %+v", r.Geometry, g)
	}
	if r.NoData != -9999 {
		t.Errorf("nodata: got %g, want -9999", r.NoData)
	}
	if r.Integer {
		t.Error("float raster reported as integer")
	}

	got, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range vals {
		if got.Elements[i] != v {
			t.Fatalf("pixel %d: got %g, want %g", i, got.Elements[i], v)
		}
	}
}

func TestRasterIntegerRoundTrip(t *testing.T) {
	g := testGeometry(4, 3)
	vals := []float64{1, 1, 2, 2, 1, 1, 2, 2, -1, 3, 3, 3}
	r := writeTestRaster(t, filepath.Join(t.TempDir(), "zones.nc"), g, -1, true, vals)
	if !r.Integer {
		t.Fatal("integer raster not detected")
	}
	got, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range vals {
		if got.Elements[i] != v {
			t.Fatalf("pixel %d: got %g, want %g", i, got.Elements[i], v)
		}
	}
}

func TestRasterBlockReads(t *testing.T) {
	g := testGeometry(10, 6)
	vals := make([]float64, g.Nx*g.Ny)
	for i := range vals {
		vals[i] = float64(i)
	}
	r := writeTestRaster(t, filepath.Join(t.TempDir(), "b.nc"), g, math.NaN(), false, vals)
	rr, err := r.Reader()
	if err != nil {
		t.Fatal(err)
	}
	defer rr.Close()

	// An interior block and the truncated bottom-right corner.
	for _, b := range []Block{{X0: 3, Y0: 1, Nx: 4, Ny: 3}, {X0: 8, Y0: 4, Nx: 2, Ny: 2}} {
		data, err := rr.ReadBlock(b)
		if err != nil {
			t.Fatal(err)
		}
		for j := 0; j < b.Ny; j++ {
			for i := 0; i < b.Nx; i++ {
				want := vals[(b.Y0+j)*g.Nx+b.X0+i]
				if got := data.Get(j, i); got != want {
					t.Fatalf("block %+v pixel (%d,%d): got %g, want %g", b, j, i, got, want)
				}
			}
		}
	}
}

func TestBlockWriteMatchesWholeGrid(t *testing.T) {
	g := testGeometry(9, 7)
	vals := make([]float64, g.Nx*g.Ny)
	for i := range vals {
		vals[i] = math.Sqrt(float64(i))
	}
	dir := t.TempDir()
	whole := writeTestRaster(t, filepath.Join(dir, "whole.nc"), g, -9999, false, vals)

	w, err := CreateRaster(filepath.Join(dir, "tiled.nc"), "data", g, -9999, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range g.Blocks(4, 3) {
		data := sparse.ZerosDense(b.Ny, b.Nx)
		for j := 0; j < b.Ny; j++ {
			for i := 0; i < b.Nx; i++ {
				data.Set(vals[(b.Y0+j)*g.Nx+b.X0+i], j, i)
			}
		}
		if err := w.WriteBlock(b, data); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	tiled, err := OpenRaster(filepath.Join(dir, "tiled.nc"))
	if err != nil {
		t.Fatal(err)
	}
	a, err := whole.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	b, err := tiled.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	for i := range a.Elements {
		if a.Elements[i] != b.Elements[i] {
			t.Fatalf("pixel %d: whole-grid %g, tiled %g", i, a.Elements[i], b.Elements[i])
		}
	}
}

func TestAlignRasters(t *testing.T) {
	dir := t.TempDir()
	g := testGeometry(4, 4)
	vals := make([]float64, 16)
	master := writeTestRaster(t, filepath.Join(dir, "master.nc"), g, -1, true, vals)
	okRaster := writeTestRaster(t, filepath.Join(dir, "ok.nc"), g, -9999, false, vals)

	shifted := g
	shifted.X0 += g.Dx
	bad := writeTestRaster(t, filepath.Join(dir, "bad.nc"), shifted, -9999, false, vals)

	if err := AlignRasters(master, okRaster, nil); err != nil {
		t.Errorf("aligned rasters rejected: %v", err)
	}
	err := AlignRasters(master, okRaster, bad)
	var gme *GeometryMismatchError
	if !errors.As(err, &gme) {
		t.Fatalf("got %v, want GeometryMismatchError", err)
	}
	if gme.Attribute != "x0" {
		t.Errorf("mismatched attribute: got %q, want \"x0\"", gme.Attribute)
	}
	if gme.Path != bad.Path {
		t.Errorf("mismatch path: got %q, want %q", gme.Path, bad.Path)
	}
}

func TestRasterWriterAbort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aborted.nc")
	w, err := CreateRaster(path, "data", testGeometry(3, 3), -9999, false)
	if err != nil {
		t.Fatal(err)
	}
	w.Abort()
	if _, err := OpenRaster(path); err == nil {
		t.Error("aborted raster exists at destination path")
	}
}
