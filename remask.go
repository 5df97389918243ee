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

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
)

// RemaskGrid applies a water mask to the mastergrid, writing a copy to
// outPath in which every pixel the mask excludes (mask value 0 or
// nodata) becomes nodata. The remasked grid then drives feature
// extraction and redistribution so water pixels never receive
// population.
func RemaskGrid(ctx context.Context, master, mask *Raster, outPath string, opts BlockOptions, log logrus.FieldLogger) (*Raster, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := AlignRasters(master, mask); err != nil {
		return nil, err
	}

	w, err := CreateRaster(outPath, master.Var, master.Geometry, master.NoData, master.Integer)
	if err != nil {
		return nil, err
	}

	blocks := master.Geometry.Blocks(opts.BlockW, opts.BlockH)
	log.WithFields(logrus.Fields{"blocks": len(blocks), "output": outPath}).Info(
		"remasking mastergrid")

	type blockResult struct {
		b    Block
		data *sparse.DenseArray
	}
	nworkers := opts.workers()
	results := make(chan blockResult, nworkers)
	writeDone := make(chan error, 1)
	go func() {
		var werr error
		for res := range results {
			if werr != nil {
				continue
			}
			werr = w.WriteBlock(res.b, res.data)
		}
		writeDone <- werr
	}()

	runErr := eachBlock(ctx, blocks, opts, func(worker int, b Block) error {
		zones, _, mv, _, err := readRedistributionBlock(b, master, nil, mask, nil)
		if err != nil {
			return err
		}
		out := sparse.ZerosDense(b.Ny, b.Nx)
		for i, zv := range zones {
			m := mv[i]
			if m == 0 || m == mask.NoData || math.IsNaN(m) {
				out.Elements[i] = master.NoData
			} else {
				out.Elements[i] = zv
			}
		}
		results <- blockResult{b: b, data: out}
		return nil
	})
	close(results)
	writeErr := <-writeDone
	if runErr != nil {
		w.Abort()
		return nil, runErr
	}
	if writeErr != nil {
		w.Abort()
		return nil, writeErr
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return &w.Raster, nil
}
