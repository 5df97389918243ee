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
	"fmt"
	"math"
	"sort"

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
)

// massTolerance is the relative tolerance for the per-zone mass
// preservation check.
const massTolerance = 1e-6

// RedistributeOptions configures dasymetric redistribution.
type RedistributeOptions struct {
	// ZeroEligiblePolicy says what to do with a zone whose population
	// is positive but which has no eligible pixels: "drop" (the
	// default) drops the population and reports it, "error" fails.
	ZeroEligiblePolicy string
	Blocks             BlockOptions
	Log                logrus.FieldLogger
}

// zoneFactor is the redistribution rule for one zone, resolved between
// the two passes.
type zoneFactor struct {
	// factor scales pixel weights for ordinary zones. uniform is the
	// per-pixel share for zones whose weights summed to zero.
	factor, uniform float64
	degenerate      bool
	dropped         bool
}

// A RedistributionReport summarizes one redistribution run.
type RedistributionReport struct {
	// Zones is the number of census zones redistributed.
	Zones int
	// Degenerate lists zones whose weights summed to zero and fell
	// back to a uniform split over their eligible pixels.
	Degenerate []int32
	// ZeroEligible lists zones with population but no eligible
	// pixels, and DroppedPopulation the population lost to them
	// under the "drop" policy.
	ZeroEligible      []int32
	DroppedPopulation float64
	// Unmapped lists mastergrid zones absent from the census table;
	// their pixels are nodata in the outputs.
	Unmapped []int32
	// ZoneSums holds the redistributed total per zone, and
	// MaxRelativeError the worst |sum−pop|/max(pop,1) over zones.
	ZoneSums         map[int32]float64
	MaxRelativeError float64
}

// Redistribute disaggregates the census populations over the
// prediction surface and writes two rasters: the dasymetric population
// at outPath and the per-zone normalization factor at normPath.
//
// Each zone's population is spread over its pixels in proportion to
// their weights, so the redistributed total matches the census total
// exactly up to floating point. A zone whose weights all vanish falls
// back to a uniform split over its eligible pixels. mask and
// constraint may be nil.
func Redistribute(ctx context.Context, master, pred, mask, constraint *Raster, census *CensusTable, outPath, normPath string, opts RedistributeOptions) (*RedistributionReport, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := AlignRasters(master, pred, mask, constraint); err != nil {
		return nil, err
	}

	// Pass 1: per-zone weight totals and eligible pixel counts.
	sums, eligible, present, err := zonalWeightSums(ctx, master, pred, mask, constraint, opts.Blocks)
	if err != nil {
		return nil, err
	}

	report := &RedistributionReport{ZoneSums: make(map[int32]float64)}
	factors := make(map[int32]zoneFactor, len(census.IDs))
	for _, zone := range census.IDs {
		pop := census.Pop[zone]
		if _, mapped := present[zone]; !mapped {
			// Zone never appears in the mastergrid; feature
			// extraction already warned or errored about it.
			continue
		}
		nelig := eligible[zone]
		report.Zones++
		switch {
		case nelig == 0:
			if pop > 0 {
				if opts.ZeroEligiblePolicy == "error" {
					return nil, &ZeroEligibleZoneError{Zone: zone, Population: pop}
				}
				report.ZeroEligible = append(report.ZeroEligible, zone)
				report.DroppedPopulation += pop
			}
			factors[zone] = zoneFactor{dropped: true}
		case sums[zone] == 0:
			report.Degenerate = append(report.Degenerate, zone)
			factors[zone] = zoneFactor{degenerate: true, uniform: pop / nelig}
		default:
			factors[zone] = zoneFactor{factor: pop / sums[zone]}
		}
	}
	sort.Slice(report.Degenerate, func(i, j int) bool { return report.Degenerate[i] < report.Degenerate[j] })
	sort.Slice(report.ZeroEligible, func(i, j int) bool { return report.ZeroEligible[i] < report.ZeroEligible[j] })
	if len(report.Degenerate) > 0 {
		log.WithField("zones", len(report.Degenerate)).Warn(
			"zones with zero total weight fall back to a uniform split")
	}
	if report.DroppedPopulation > 0 {
		log.WithFields(logrus.Fields{
			"zones":      len(report.ZeroEligible),
			"population": report.DroppedPopulation,
		}).Warn("dropping population in zones with no eligible pixels")
	}

	// Pass 2: write the dasymetric and normalization rasters and
	// accumulate per-zone output totals for the mass check.
	wDasy, err := CreateRaster(outPath, "population", master.Geometry, PredictionNoData, false)
	if err != nil {
		return nil, err
	}
	wNorm, err := CreateRaster(normPath, "normalization", master.Geometry, PredictionNoData, false)
	if err != nil {
		wDasy.Abort()
		return nil, err
	}

	blocks := master.Geometry.Blocks(opts.Blocks.BlockW, opts.Blocks.BlockH)
	nworkers := opts.Blocks.workers()
	if nworkers > len(blocks) {
		nworkers = len(blocks)
	}
	outSums := make([]map[int32]float64, nworkers)
	for w := range outSums {
		outSums[w] = make(map[int32]float64)
	}

	type blockResult struct {
		b          Block
		dasy, norm *sparse.DenseArray
	}
	results := make(chan blockResult, nworkers)
	writeDone := make(chan error, 1)
	go func() {
		var werr error
		for res := range results {
			if werr != nil {
				continue
			}
			if werr = wDasy.WriteBlock(res.b, res.dasy); werr != nil {
				continue
			}
			werr = wNorm.WriteBlock(res.b, res.norm)
		}
		writeDone <- werr
	}()

	runErr := eachBlock(ctx, blocks, opts.Blocks, func(worker int, b Block) error {
		zones, pv, mv, cv, err := readRedistributionBlock(b, master, pred, mask, constraint)
		if err != nil {
			return err
		}
		dasy := sparse.ZerosDense(b.Ny, b.Nx)
		norm := sparse.ZerosDense(b.Ny, b.Nx)
		for i, zv := range zones {
			if zv == master.NoData || math.IsNaN(zv) {
				dasy.Elements[i] = PredictionNoData
				norm.Elements[i] = PredictionNoData
				continue
			}
			zone := int32(zv)
			zf, ok := factors[zone]
			if !ok {
				// Mastergrid zone missing from the census.
				dasy.Elements[i] = PredictionNoData
				norm.Elements[i] = PredictionNoData
				continue
			}
			weight, elig := pixelWeight(i, pv, mv, cv, pred, mask, constraint)
			var v float64
			switch {
			case zf.dropped:
				v = 0
			case zf.degenerate:
				// Ineligible pixels keep a zero factor so the norm
				// raster stays consistent with the written surface.
				if elig {
					v = zf.uniform
					norm.Elements[i] = zf.uniform
				}
			default:
				v = weight * zf.factor
				norm.Elements[i] = zf.factor
			}
			dasy.Elements[i] = v
			outSums[worker][zone] += v
		}
		results <- blockResult{b: b, dasy: dasy, norm: norm}
		return nil
	})
	close(results)
	writeErr := <-writeDone
	if runErr != nil {
		wDasy.Abort()
		wNorm.Abort()
		return nil, runErr
	}
	if writeErr != nil {
		wDasy.Abort()
		wNorm.Abort()
		return nil, writeErr
	}
	if err := wDasy.Close(); err != nil {
		wNorm.Abort()
		return nil, err
	}
	if err := wNorm.Close(); err != nil {
		return nil, err
	}

	// Merge in worker order so the check is deterministic.
	for _, m := range outSums {
		for zone, s := range m {
			report.ZoneSums[zone] += s
		}
	}
	for zone, zf := range factors {
		if zf.dropped {
			continue
		}
		pop := census.Pop[zone]
		relErr := math.Abs(report.ZoneSums[zone]-pop) / max(pop, 1)
		if relErr > report.MaxRelativeError {
			report.MaxRelativeError = relErr
		}
		if relErr > massTolerance {
			return nil, fmt.Errorf("poprf: zone %d: redistributed %g of %g (relative error %g)",
				zone, report.ZoneSums[zone], pop, relErr)
		}
	}
	for zone := range present {
		if _, ok := factors[zone]; !ok {
			report.Unmapped = append(report.Unmapped, zone)
		}
	}
	sort.Slice(report.Unmapped, func(i, j int) bool { return report.Unmapped[i] < report.Unmapped[j] })

	log.WithFields(logrus.Fields{
		"zones":     report.Zones,
		"max_error": report.MaxRelativeError,
	}).Info("dasymetric redistribution complete")
	return report, nil
}
