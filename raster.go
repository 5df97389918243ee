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
	"io"
	"os"
	"strconv"

	"github.com/ctessum/cdf"
	"github.com/ctessum/geom/proj"
	"github.com/ctessum/sparse"
)

// Geometry describes the grid of a raster: pixel dimensions, affine
// transform (origin and pixel size; rotation is not supported), and
// the spatial reference as a Proj4 string.
type Geometry struct {
	Nx, Ny int
	X0, Y0 float64
	Dx, Dy float64
	Proj   string
}

// CheckAlignment returns a GeometryMismatchError describing the first
// attribute of g that disagrees with the mastergrid geometry want.
// path identifies the raster g came from.
func (g Geometry) CheckAlignment(path string, want Geometry) error {
	mismatch := func(attr, got, w string) error {
		return &GeometryMismatchError{Path: path, Attribute: attr, Got: got, Want: w}
	}
	if g.Nx != want.Nx {
		return mismatch("width", strconv.Itoa(g.Nx), strconv.Itoa(want.Nx))
	}
	if g.Ny != want.Ny {
		return mismatch("height", strconv.Itoa(g.Ny), strconv.Itoa(want.Ny))
	}
	ffmt := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	if g.X0 != want.X0 {
		return mismatch("x0", ffmt(g.X0), ffmt(want.X0))
	}
	if g.Y0 != want.Y0 {
		return mismatch("y0", ffmt(g.Y0), ffmt(want.Y0))
	}
	if g.Dx != want.Dx {
		return mismatch("dx", ffmt(g.Dx), ffmt(want.Dx))
	}
	if g.Dy != want.Dy {
		return mismatch("dy", ffmt(g.Dy), ffmt(want.Dy))
	}
	if g.Proj != want.Proj {
		return mismatch("proj", g.Proj, want.Proj)
	}
	return nil
}

// A Raster is a handle to a single-band georeferenced grid stored as a
// NetCDF file with one 2-D variable (dimensions y, x) and global
// attributes x0, y0, dx, dy, and proj. It holds no open file; use
// Reader to read pixel data.
type Raster struct {
	Path     string
	Var      string
	Geometry Geometry
	NoData   float64
	// Integer reports whether the variable holds 32-bit integers
	// (zone rasters) rather than floating-point values.
	Integer bool
}

// OpenRaster reads the header of the raster file at path and returns a
// handle to its data variable. The Proj4 spatial reference string in
// the file is parsed to ensure it is valid.
func OpenRaster(path string) (*Raster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("poprf: opening raster: %w", err)
	}
	defer f.Close()
	cf, err := cdf.Open(f)
	if err != nil {
		return nil, fmt.Errorf("poprf: %s: reading NetCDF header: %w", path, err)
	}

	r := &Raster{Path: path}
	for _, v := range cf.Header.Variables() {
		if len(cf.Header.Lengths(v)) == 2 {
			r.Var = v
			break
		}
	}
	if r.Var == "" {
		return nil, fmt.Errorf("poprf: %s: no 2-dimensional variable in file", path)
	}

	lens := cf.Header.Lengths(r.Var)
	r.Geometry.Ny, r.Geometry.Nx = lens[0], lens[1]

	attr := func(name string) (float64, error) {
		a := cf.Header.GetAttribute("", name)
		if a == nil {
			return 0, fmt.Errorf("poprf: %s: missing global attribute %s", path, name)
		}
		v, ok := a.([]float64)
		if !ok || len(v) == 0 {
			return 0, fmt.Errorf("poprf: %s: global attribute %s is not a float", path, name)
		}
		return v[0], nil
	}
	if r.Geometry.X0, err = attr("x0"); err != nil {
		return nil, err
	}
	if r.Geometry.Y0, err = attr("y0"); err != nil {
		return nil, err
	}
	if r.Geometry.Dx, err = attr("dx"); err != nil {
		return nil, err
	}
	if r.Geometry.Dy, err = attr("dy"); err != nil {
		return nil, err
	}
	if p := cf.Header.GetAttribute("", "proj"); p != nil {
		r.Geometry.Proj = p.(string)
		if _, err := proj.Parse(r.Geometry.Proj); err != nil {
			return nil, fmt.Errorf("poprf: %s: invalid proj attribute %q: %w", path, r.Geometry.Proj, err)
		}
	}

	switch cf.Header.ZeroValue(r.Var, 1).(type) {
	case []int32:
		r.Integer = true
	case []float32, []float64:
	default:
		return nil, fmt.Errorf("poprf: %s: variable %s has an unsupported data type", path, r.Var)
	}

	switch nd := cf.Header.GetAttribute(r.Var, "nodata").(type) {
	case []float64:
		r.NoData = nd[0]
	case []float32:
		r.NoData = float64(nd[0])
	case []int32:
		r.NoData = float64(nd[0])
	case nil:
		return nil, fmt.Errorf("poprf: %s: variable %s is missing the nodata attribute", path, r.Var)
	}
	return r, nil
}

// A RasterReader reads pixel data from a Raster. Readers are not safe
// for concurrent use; each worker opens its own.
type RasterReader struct {
	raster *Raster
	f      *os.File
	cf     *cdf.File
}

// Reader opens the raster file for reading pixel data.
func (r *Raster) Reader() (*RasterReader, error) {
	f, err := os.Open(r.Path)
	if err != nil {
		return nil, fmt.Errorf("poprf: opening raster: %w", err)
	}
	cf, err := cdf.Open(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("poprf: %s: reading NetCDF header: %w", r.Path, err)
	}
	return &RasterReader{raster: r, f: f, cf: cf}, nil
}

// Close closes the underlying file.
func (rr *RasterReader) Close() error { return rr.f.Close() }

// ReadBlock reads the pixels covered by b into a dense array of shape
// (b.Ny, b.Nx), converting to float64 regardless of the stored type.
// The variable is stored row-major, so the block is read one row
// hyperslab at a time.
func (rr *RasterReader) ReadBlock(b Block) (*sparse.DenseArray, error) {
	out := sparse.ZerosDense(b.Ny, b.Nx)
	for j := 0; j < b.Ny; j++ {
		y := b.Y0 + j
		r := rr.cf.Reader(rr.raster.Var, []int{y, b.X0}, nil)
		buf := r.Zero(b.Nx)
		if n, err := r.Read(buf); err != nil && !(err == io.EOF && n == b.Nx) {
			return nil, fmt.Errorf("poprf: %s: reading row %d: %w", rr.raster.Path, y, err)
		}
		row := out.Elements[j*b.Nx : (j+1)*b.Nx]
		switch vals := buf.(type) {
		case []float32:
			for i, v := range vals {
				row[i] = float64(v)
			}
		case []float64:
			copy(row, vals)
		case []int32:
			for i, v := range vals {
				row[i] = float64(v)
			}
		default:
			return nil, fmt.Errorf("poprf: %s: variable %s has an unsupported data type", rr.raster.Path, rr.raster.Var)
		}
	}
	return out, nil
}

// ReadAll reads the entire raster. It is intended for small grids and
// tests; pipeline stages read blocks.
func (r *Raster) ReadAll() (*sparse.DenseArray, error) {
	rr, err := r.Reader()
	if err != nil {
		return nil, err
	}
	defer rr.Close()
	return rr.ReadBlock(Block{X0: 0, Y0: 0, Nx: r.Geometry.Nx, Ny: r.Geometry.Ny})
}

// A RasterWriter writes a new raster file. Data is first written to a
// temporary file next to the destination; Close commits it by renaming,
// and Abort discards it, so a destination path never holds a partially
// written raster.
type RasterWriter struct {
	Raster  Raster
	f       *os.File
	cf      *cdf.File
	tmpPath string
}

// CreateRaster creates a raster file at path with the given geometry,
// holding one variable named varName. If integer is true the variable
// stores 32-bit integers, otherwise 64-bit floats.
func CreateRaster(path, varName string, g Geometry, nodata float64, integer bool) (*RasterWriter, error) {
	h := cdf.NewHeader([]string{"y", "x"}, []int{g.Ny, g.Nx})
	h.AddAttribute("", "x0", []float64{g.X0})
	h.AddAttribute("", "y0", []float64{g.Y0})
	h.AddAttribute("", "dx", []float64{g.Dx})
	h.AddAttribute("", "dy", []float64{g.Dy})
	h.AddAttribute("", "nx", []int32{int32(g.Nx)})
	h.AddAttribute("", "ny", []int32{int32(g.Ny)})
	if g.Proj != "" {
		h.AddAttribute("", "proj", g.Proj)
	}
	if integer {
		h.AddVariable(varName, []string{"y", "x"}, []int32{0})
		h.AddAttribute(varName, "nodata", []int32{int32(nodata)})
	} else {
		h.AddVariable(varName, []string{"y", "x"}, []float64{0})
		h.AddAttribute(varName, "nodata", []float64{nodata})
	}
	h.Define()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("poprf: creating raster: %w", err)
	}
	cf, err := cdf.Create(f, h)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, fmt.Errorf("poprf: %s: writing NetCDF header: %w", path, err)
	}
	return &RasterWriter{
		Raster: Raster{
			Path:     path,
			Var:      varName,
			Geometry: g,
			NoData:   nodata,
			Integer:  integer,
		},
		f:       f,
		cf:      cf,
		tmpPath: tmp,
	}, nil
}

// WriteBlock writes the dense array data, which must have shape
// (b.Ny, b.Nx), into the region of the raster covered by b.
// Writers are single-owner: blocks from parallel workers are funneled
// through one goroutine.
func (w *RasterWriter) WriteBlock(b Block, data *sparse.DenseArray) error {
	if data.Shape[0] != b.Ny || data.Shape[1] != b.Nx {
		return fmt.Errorf("poprf: %s: block is %dx%d but data is %dx%d",
			w.Raster.Path, b.Ny, b.Nx, data.Shape[0], data.Shape[1])
	}
	for j := 0; j < b.Ny; j++ {
		y := b.Y0 + j
		cw := w.cf.Writer(w.Raster.Var, []int{y, b.X0}, []int{y, b.X0 + b.Nx - 1})
		row := data.Elements[j*b.Nx : (j+1)*b.Nx]
		var err error
		if w.Raster.Integer {
			vals := make([]int32, b.Nx)
			for i, v := range row {
				vals[i] = int32(v)
			}
			_, err = cw.Write(vals)
		} else {
			vals := make([]float64, b.Nx)
			copy(vals, row)
			_, err = cw.Write(vals)
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("poprf: %s: writing row %d: %w", w.Raster.Path, y, err)
		}
	}
	return nil
}

// Close finishes the file and commits it to its destination path.
func (w *RasterWriter) Close() error {
	if err := cdf.UpdateNumRecs(w.f); err != nil {
		w.f.Close()
		os.Remove(w.tmpPath)
		return fmt.Errorf("poprf: %s: finalizing: %w", w.Raster.Path, err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("poprf: %s: closing: %w", w.Raster.Path, err)
	}
	if err := os.Rename(w.tmpPath, w.Raster.Path); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("poprf: %s: committing: %w", w.Raster.Path, err)
	}
	return nil
}

// Abort discards the partially written file.
func (w *RasterWriter) Abort() {
	w.f.Close()
	os.Remove(w.tmpPath)
}

// AlignRasters verifies that every raster in rs shares the mastergrid's
// geometry. It is the pre-flight gate: the first disagreement returns a
// GeometryMismatchError and nothing downstream runs.
func AlignRasters(master *Raster, rs ...*Raster) error {
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := r.Geometry.CheckAlignment(r.Path, master.Geometry); err != nil {
			return err
		}
	}
	return nil
}
