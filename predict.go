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

	"github.com/Knetic/govaluate"
	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
)

// PredictionNoData marks pixels outside every zone (or missing a
// covariate value) in the prediction surface.
const PredictionNoData = -9999.0

// PredictOptions configures surface prediction.
type PredictOptions struct {
	Blocks BlockOptions
	Log    logrus.FieldLogger
}

// featureSource says where one model feature comes from at prediction
// time: a covariate's pixel value or a derived expression.
type featureSource struct {
	derived bool
	index   int
}

// Predict applies the trained model pixel by pixel and writes the
// resulting density surface to outPath. Covariates must be given in
// training order; any pixel where the mastergrid or a covariate is
// nodata becomes nodata in the output. Blocks are computed in
// parallel but written by a single goroutine, since the output file
// has one owner.
func Predict(ctx context.Context, m *Model, master *Raster, covariates []Covariate, outPath string, opts PredictOptions) (*Raster, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if len(covariates) != len(m.BaseColumns) {
		return nil, fmt.Errorf("poprf: model has %d covariates but %d were given",
			len(m.BaseColumns), len(covariates))
	}
	covs := make([]*Raster, len(covariates))
	for i, c := range covariates {
		if want := c.Name + "_avg"; want != m.BaseColumns[i] {
			return nil, fmt.Errorf("poprf: covariate %d is %q but the model was trained with %q",
				i, c.Name, m.BaseColumns[i])
		}
		r, err := OpenRaster(c.Path)
		if err != nil {
			return nil, err
		}
		covs[i] = r
	}
	if err := AlignRasters(master, covs...); err != nil {
		return nil, err
	}

	derivedNames, derivedExprs, err := compileDerived(m.Derived)
	if err != nil {
		return nil, err
	}
	sources := make([]featureSource, len(m.Features))
	for j, name := range m.Features {
		src, ok := resolveFeature(name, m.BaseColumns, derivedNames)
		if !ok {
			return nil, fmt.Errorf("poprf: model feature %q matches no covariate or derived feature", name)
		}
		sources[j] = src
	}

	w, err := CreateRaster(outPath, "prediction", master.Geometry, PredictionNoData, false)
	if err != nil {
		return nil, err
	}

	blocks := master.Geometry.Blocks(opts.Blocks.BlockW, opts.Blocks.BlockH)
	log.WithFields(logrus.Fields{
		"blocks":   len(blocks),
		"features": len(m.Features),
		"output":   outPath,
	}).Info("predicting density surface")

	type blockResult struct {
		b    Block
		data *sparse.DenseArray
	}
	nworkers := opts.Blocks.workers()
	results := make(chan blockResult, nworkers)
	writeDone := make(chan error, 1)
	go func() {
		var werr error
		for res := range results {
			if werr != nil {
				continue // drain so workers don't block
			}
			werr = w.WriteBlock(res.b, res.data)
		}
		writeDone <- werr
	}()

	workers := make([]*predictWorker, nworkers)
	runErr := eachBlock(ctx, blocks, opts.Blocks, func(worker int, b Block) error {
		pw := workers[worker]
		if pw == nil {
			var err error
			pw, err = newPredictWorker(m, master, covs, derivedNames, derivedExprs, sources)
			if err != nil {
				return err
			}
			workers[worker] = pw
		}
		data, err := pw.predictBlock(b)
		if err != nil {
			return err
		}
		results <- blockResult{b: b, data: data}
		return nil
	})
	close(results)
	writeErr := <-writeDone
	for _, pw := range workers {
		if pw != nil {
			pw.close()
		}
	}

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

// resolveFeature maps a model feature name to its prediction-time
// source.
func resolveFeature(name string, base, derived []string) (featureSource, bool) {
	for i, b := range base {
		if b == name {
			return featureSource{index: i}, true
		}
	}
	for i, d := range derived {
		if d == name {
			return featureSource{derived: true, index: i}, true
		}
	}
	return featureSource{}, false
}

// A predictWorker holds one worker's raster handles and scratch
// buffers. Each worker opens its own file handles because a cdf.File
// reader is not safe for concurrent use.
type predictWorker struct {
	m            *Model
	master       *Raster
	covs         []*Raster
	masterR      *RasterReader
	covRs        []*RasterReader
	derivedNames []string
	derivedExprs []*govaluate.EvaluableExpression
	sources      []featureSource

	base    []float64
	derived []float64
	x       []float64
	params  map[string]interface{}
}

func newPredictWorker(m *Model, master *Raster, covs []*Raster, derivedNames []string, derivedExprs []*govaluate.EvaluableExpression, sources []featureSource) (*predictWorker, error) {
	pw := &predictWorker{
		m:            m,
		master:       master,
		covs:         covs,
		derivedNames: derivedNames,
		derivedExprs: derivedExprs,
		sources:      sources,
		base:         make([]float64, len(covs)),
		derived:      make([]float64, len(derivedNames)),
		x:            make([]float64, len(m.Features)),
		params:       make(map[string]interface{}, len(covs)),
	}
	var err error
	if pw.masterR, err = master.Reader(); err != nil {
		return nil, err
	}
	pw.covRs = make([]*RasterReader, len(covs))
	for i, c := range covs {
		if pw.covRs[i], err = c.Reader(); err != nil {
			pw.close()
			return nil, err
		}
	}
	return pw, nil
}

func (pw *predictWorker) close() {
	if pw.masterR != nil {
		pw.masterR.Close()
	}
	for _, r := range pw.covRs {
		if r != nil {
			r.Close()
		}
	}
}

func (pw *predictWorker) predictBlock(b Block) (*sparse.DenseArray, error) {
	mb, err := pw.masterR.ReadBlock(b)
	if err != nil {
		return nil, err
	}
	cbs := make([]*sparse.DenseArray, len(pw.covRs))
	for i, r := range pw.covRs {
		if cbs[i], err = r.ReadBlock(b); err != nil {
			return nil, err
		}
	}

	out := sparse.ZerosDense(b.Ny, b.Nx)
pixels:
	for i, mv := range mb.Elements {
		if mv == pw.master.NoData || math.IsNaN(mv) {
			out.Elements[i] = PredictionNoData
			continue
		}
		for c, cb := range cbs {
			v := cb.Elements[i]
			if v == pw.covs[c].NoData || math.IsNaN(v) {
				out.Elements[i] = PredictionNoData
				continue pixels
			}
			pw.base[c] = v
		}
		for d, e := range pw.derivedExprs {
			for c, name := range pw.m.BaseColumns {
				pw.params[name] = pw.base[c]
			}
			v, err := e.Evaluate(pw.params)
			if err != nil {
				return nil, fmt.Errorf("poprf: derived feature %s: %w", pw.derivedNames[d], err)
			}
			f, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("poprf: derived feature %s: expression is not numeric", pw.derivedNames[d])
			}
			pw.derived[d] = f
		}
		for j, src := range pw.sources {
			if src.derived {
				pw.x[j] = pw.derived[src.index]
			} else {
				pw.x[j] = pw.base[src.index]
			}
		}
		out.Elements[i] = pw.m.PredictRow(pw.x)
	}
	return out, nil
}
