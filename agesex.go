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
	"path/filepath"

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
)

// AgeSexOptions configures age-sex disaggregation.
type AgeSexOptions struct {
	Blocks BlockOptions
	Log    logrus.FieldLogger
}

// DisaggregateAgeSex splits the dasymetric population surface into one
// raster per age-sex group, writing agesex_<group>.nc files into
// outDir. Each pixel's population is multiplied by its zone's group
// proportion, so group surfaces sum back to the total surface. Zones
// absent from the age-sex table become nodata in every group raster.
// It returns the paths of the written rasters in group order.
func DisaggregateAgeSex(ctx context.Context, dasy, master *Raster, table *AgeSexTable, census *CensusTable, outDir string, opts AgeSexOptions) ([]string, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := AlignRasters(master, dasy); err != nil {
		return nil, err
	}

	// Resolve each zone's proportions up front so a malformed table
	// row fails before any raster is written.
	props := make(map[int32][]float64, len(table.IDs))
	for _, zone := range table.IDs {
		pop, ok := census.Pop[zone]
		if !ok {
			return nil, &UnmappedZoneError{Zone: zone, Where: "census"}
		}
		p, err := table.Proportions(zone, pop)
		if err != nil {
			return nil, err
		}
		props[zone] = p
	}

	// Census zones with no table row become nodata in every group
	// raster; report them so the population does not vanish silently.
	var untabulated []int32
	var untabulatedPop float64
	for _, zone := range census.IDs {
		if _, ok := props[zone]; !ok {
			untabulated = append(untabulated, zone)
			untabulatedPop += census.Pop[zone]
		}
	}
	if len(untabulated) > 0 {
		log.WithFields(logrus.Fields{
			"zones":      untabulated,
			"population": untabulatedPop,
		}).Warn("census zones missing from the age-sex table; their pixels become nodata in the group rasters")
	}

	ngroups := len(table.Groups)
	writers := make([]*RasterWriter, ngroups)
	paths := make([]string, ngroups)
	abort := func() {
		for _, w := range writers {
			if w != nil {
				w.Abort()
			}
		}
	}
	for g, group := range table.Groups {
		paths[g] = filepath.Join(outDir, fmt.Sprintf("agesex_%s.nc", group))
		w, err := CreateRaster(paths[g], "population", master.Geometry, PredictionNoData, false)
		if err != nil {
			abort()
			return nil, err
		}
		writers[g] = w
	}

	blocks := master.Geometry.Blocks(opts.Blocks.BlockW, opts.Blocks.BlockH)
	log.WithFields(logrus.Fields{
		"groups": ngroups,
		"blocks": len(blocks),
	}).Info("disaggregating age-sex groups")

	type blockResult struct {
		b      Block
		groups []*sparse.DenseArray
	}
	nworkers := opts.Blocks.workers()
	results := make(chan blockResult, nworkers)
	writeDone := make(chan error, 1)
	go func() {
		var werr error
		for res := range results {
			if werr != nil {
				continue
			}
			for g, data := range res.groups {
				if werr = writers[g].WriteBlock(res.b, data); werr != nil {
					break
				}
			}
		}
		writeDone <- werr
	}()

	runErr := eachBlock(ctx, blocks, opts.Blocks, func(worker int, b Block) error {
		zones, pv, _, _, err := readRedistributionBlock(b, master, dasy, nil, nil)
		if err != nil {
			return err
		}
		groups := make([]*sparse.DenseArray, ngroups)
		for g := range groups {
			groups[g] = sparse.ZerosDense(b.Ny, b.Nx)
		}
		for i, zv := range zones {
			v := pv[i]
			zone := int32(zv)
			p, ok := props[zone]
			if zv == master.NoData || math.IsNaN(zv) ||
				v == dasy.NoData || math.IsNaN(v) || !ok {
				for g := range groups {
					groups[g].Elements[i] = PredictionNoData
				}
				continue
			}
			for g := range groups {
				groups[g].Elements[i] = v * p[g]
			}
		}
		results <- blockResult{b: b, groups: groups}
		return nil
	})
	close(results)
	writeErr := <-writeDone
	if runErr != nil {
		abort()
		return nil, runErr
	}
	if writeErr != nil {
		abort()
		return nil, writeErr
	}
	for _, w := range writers {
		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	return paths, nil
}
