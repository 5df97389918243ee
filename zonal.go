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
)

// ZoneStat accumulates the running statistics of one covariate over one
// zone. Merging two ZoneStats is associative and commutative, so block
// results can be combined in any order without changing the outcome.
type ZoneStat struct {
	Count     float64
	Sum, Sum2 float64
	Min, Max  float64
}

func newZoneStat() *ZoneStat {
	return &ZoneStat{Min: math.Inf(1), Max: math.Inf(-1)}
}

func (s *ZoneStat) add(v float64) {
	s.Count++
	s.Sum += v
	s.Sum2 += v * v
	if v < s.Min {
		s.Min = v
	}
	if v > s.Max {
		s.Max = v
	}
}

func (s *ZoneStat) merge(o *ZoneStat) {
	s.Count += o.Count
	s.Sum += o.Sum
	s.Sum2 += o.Sum2
	if o.Min < s.Min {
		s.Min = o.Min
	}
	if o.Max > s.Max {
		s.Max = o.Max
	}
}

// Avg is the mean of the accumulated values.
func (s *ZoneStat) Avg() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / s.Count
}

// Var is the population variance of the accumulated values. Rounding
// can push the raw value slightly negative; it is clamped at zero.
func (s *ZoneStat) Var() float64 {
	if s.Count == 0 {
		return 0
	}
	a := s.Avg()
	v := s.Sum2/s.Count - a*a
	if v < 0 {
		v = 0
	}
	return v
}

// Std is the population standard deviation of the accumulated values.
func (s *ZoneStat) Std() float64 { return math.Sqrt(s.Var()) }

// zoneTable maps zone id to accumulated statistics.
type zoneTable map[int32]*ZoneStat

func (t zoneTable) add(zone int32, v float64) {
	s, ok := t[zone]
	if !ok {
		s = newZoneStat()
		t[zone] = s
	}
	s.add(v)
}

func (t zoneTable) merge(o zoneTable) {
	for zone, s := range o {
		dst, ok := t[zone]
		if !ok {
			t[zone] = s
			continue
		}
		dst.merge(s)
	}
}

// ZonalStats holds the result of one streaming zonal-statistics pass:
// per-covariate per-zone statistics plus the raw pixel count of each
// zone (all pixels belonging to the zone, regardless of covariate
// nodata).
type ZonalStats struct {
	// Stats is indexed like the covariate slice the pass ran over.
	Stats []map[int32]*ZoneStat
	// PixelCount is the number of mastergrid pixels per zone.
	PixelCount map[int32]float64
}

// zonalStatistics scans the mastergrid and covariates block by block,
// maintaining one accumulator set per worker, and merges the worker
// accumulators in worker order once every block has been processed.
// The merge is the hard barrier between the streaming pass and any
// consumer of the totals: no caller sees partial sums. Covariate
// nodata pixels are excluded from that covariate's statistics only.
func zonalStatistics(ctx context.Context, master *Raster, covariates []*Raster, opts BlockOptions) (*ZonalStats, error) {
	blocks := master.Geometry.Blocks(opts.BlockW, opts.BlockH)
	nworkers := opts.workers()
	if nworkers > len(blocks) {
		nworkers = len(blocks)
	}

	type accumulator struct {
		stats  []zoneTable
		pixels map[int32]float64
	}
	accs := make([]*accumulator, nworkers)
	for w := range accs {
		a := &accumulator{
			stats:  make([]zoneTable, len(covariates)),
			pixels: make(map[int32]float64),
		}
		for i := range a.stats {
			a.stats[i] = make(zoneTable)
		}
		accs[w] = a
	}

	err := eachBlock(ctx, blocks, opts, func(worker int, b Block) error {
		mr, err := master.Reader()
		if err != nil {
			return err
		}
		defer mr.Close()
		zones, err := mr.ReadBlock(b)
		if err != nil {
			return err
		}

		acc := accs[worker]
		for ci, cov := range covariates {
			cr, err := cov.Reader()
			if err != nil {
				return err
			}
			vals, err := cr.ReadBlock(b)
			cr.Close()
			if err != nil {
				return err
			}
			tbl := acc.stats[ci]
			for i, z := range zones.Elements {
				if z == master.NoData {
					continue
				}
				v := vals.Elements[i]
				if v == cov.NoData || math.IsNaN(v) {
					continue
				}
				tbl.add(int32(z), v)
			}
		}
		for _, z := range zones.Elements {
			if z == master.NoData {
				continue
			}
			acc.pixels[int32(z)]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := &ZonalStats{
		Stats:      make([]map[int32]*ZoneStat, len(covariates)),
		PixelCount: make(map[int32]float64),
	}
	merged := make([]zoneTable, len(covariates))
	for i := range merged {
		merged[i] = make(zoneTable)
	}
	for _, a := range accs {
		for i := range merged {
			merged[i].merge(a.stats[i])
		}
		for z, n := range a.pixels {
			out.PixelCount[z] += n
		}
	}
	for i := range merged {
		out.Stats[i] = merged[i]
	}
	return out, nil
}

// zonalWeightSums computes, per zone, the sum of redistribution weights
// and the count of eligible pixels. The weight of a pixel is its
// prediction value, multiplied by the constraint value when constraint
// is non-nil. A pixel is eligible when it belongs to a zone, is not
// excluded by the mask (mask value 0 or nodata excludes), and, for the
// constrained variant, has a nonzero constraint weight. Negative
// prediction values are clamped to zero so they cannot produce negative
// populations.
// The present map counts every non-nodata pixel per zone, so callers
// can tell a fully masked zone from one absent from the grid.
func zonalWeightSums(ctx context.Context, master, pred, mask, constraint *Raster, opts BlockOptions) (sums, eligible, present map[int32]float64, err error) {
	blocks := master.Geometry.Blocks(opts.BlockW, opts.BlockH)
	nworkers := opts.workers()
	if nworkers > len(blocks) {
		nworkers = len(blocks)
	}

	type accumulator struct {
		sums, eligible, present map[int32]float64
	}
	accs := make([]*accumulator, nworkers)
	for w := range accs {
		accs[w] = &accumulator{
			sums:     make(map[int32]float64),
			eligible: make(map[int32]float64),
			present:  make(map[int32]float64),
		}
	}

	err = eachBlock(ctx, blocks, opts, func(worker int, b Block) error {
		zones, pv, mv, cv, err := readRedistributionBlock(b, master, pred, mask, constraint)
		if err != nil {
			return err
		}
		acc := accs[worker]
		for i, z := range zones {
			if z == master.NoData || math.IsNaN(z) {
				continue
			}
			zone := int32(z)
			acc.present[zone]++
			w, ok := pixelWeight(i, pv, mv, cv, pred, mask, constraint)
			if !ok {
				continue
			}
			acc.eligible[zone]++
			acc.sums[zone] += w
		}
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}

	sums = make(map[int32]float64)
	eligible = make(map[int32]float64)
	present = make(map[int32]float64)
	for _, a := range accs {
		for z, s := range a.sums {
			sums[z] += s
		}
		for z, n := range a.eligible {
			eligible[z] += n
		}
		for z, n := range a.present {
			present[z] += n
		}
	}
	return sums, eligible, present, nil
}

// readRedistributionBlock reads one block from the mastergrid, the
// prediction surface, and the optional mask and constraint rasters.
func readRedistributionBlock(b Block, master, pred, mask, constraint *Raster) (zones, pv, mv, cv []float64, err error) {
	read := func(r *Raster) ([]float64, error) {
		if r == nil {
			return nil, nil
		}
		rr, err := r.Reader()
		if err != nil {
			return nil, err
		}
		defer rr.Close()
		arr, err := rr.ReadBlock(b)
		if err != nil {
			return nil, err
		}
		return arr.Elements, nil
	}
	if zones, err = read(master); err != nil {
		return nil, nil, nil, nil, err
	}
	if pv, err = read(pred); err != nil {
		return nil, nil, nil, nil, err
	}
	if mv, err = read(mask); err != nil {
		return nil, nil, nil, nil, err
	}
	if cv, err = read(constraint); err != nil {
		return nil, nil, nil, nil, err
	}
	return zones, pv, mv, cv, nil
}

// pixelWeight returns the redistribution weight of pixel i and whether
// the pixel is eligible to receive population. A mask value of zero or
// nodata excludes the pixel; for the constrained variant a zero
// constraint weight does the same.
func pixelWeight(i int, pv, mv, cv []float64, pred, mask, constraint *Raster) (float64, bool) {
	if mv != nil {
		m := mv[i]
		if m == 0 || m == mask.NoData || math.IsNaN(m) {
			return 0, false
		}
	}
	w := 0.0
	if pv != nil {
		p := pv[i]
		if p == pred.NoData || math.IsNaN(p) {
			p = 0
		}
		if p > 0 {
			w = p
		}
	}
	if cv != nil {
		c := cv[i]
		if c == constraint.NoData || math.IsNaN(c) || c == 0 {
			return 0, false
		}
		if c < 0 {
			c = 0
		}
		w *= c
	}
	return w, true
}
