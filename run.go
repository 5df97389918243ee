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
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Version is the PopRF version number.
const Version = "0.1.0"

// Config holds everything a pipeline run needs. Relative paths are
// resolved against WorkingDir.
type Config struct {
	// WorkingDir anchors relative input paths.
	WorkingDir string

	// MastergridFile is the zone raster; CensusFile the census table
	// (CSV or XLSX) with CensusIDColumn and CensusPopColumn naming
	// the zone id and population columns.
	MastergridFile  string
	CensusFile      string
	CensusIDColumn  string
	CensusPopColumn string

	// CovariateFiles maps covariate names to raster paths. Covariates
	// enter the model in name order.
	CovariateFiles map[string]string

	// WaterMaskFile, ConstraintsFile, and AgeSexFile are optional.
	WaterMaskFile   string
	ConstraintsFile string
	AgeSexFile      string

	// BlockProcessing toggles tiled execution; when false the whole
	// grid is one block. BlockSizeX and BlockSizeY default to 256.
	BlockProcessing bool
	BlockSizeX      int
	BlockSizeY      int
	MaxWorkers      int

	// Seed fixes training stochasticity. LogTransform trains on
	// log density (the original workflow's default).
	Seed         int64
	LogTransform bool

	// StrictZones makes mastergrid/census mismatches fatal.
	// ZeroEligiblePolicy is "drop" (default) or "error".
	StrictZones        bool
	ZeroEligiblePolicy string

	// SelectionThreshold enables importance-based feature selection
	// when positive. DerivedFeatures maps new feature names to
	// expressions over the covariate columns.
	SelectionThreshold float64
	DerivedFeatures    map[string]string

	OutputDir string
	LogFile   string
}

// Validate checks the configuration without touching any raster data.
func (c *Config) Validate() error {
	if c.MastergridFile == "" {
		return fmt.Errorf("poprf: config: MastergridFile is required")
	}
	if c.CensusFile == "" {
		return fmt.Errorf("poprf: config: CensusFile is required")
	}
	if c.CensusIDColumn == "" || c.CensusPopColumn == "" {
		return fmt.Errorf("poprf: config: CensusIDColumn and CensusPopColumn are required")
	}
	if len(c.CovariateFiles) == 0 {
		return fmt.Errorf("poprf: config: at least one covariate is required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("poprf: config: OutputDir is required")
	}
	switch c.ZeroEligiblePolicy {
	case "", "drop", "error":
	default:
		return fmt.Errorf("poprf: config: ZeroEligiblePolicy must be \"drop\" or \"error\", not %q",
			c.ZeroEligiblePolicy)
	}
	for name, path := range c.CovariateFiles {
		if strings.TrimSpace(name) == "" || path == "" {
			return fmt.Errorf("poprf: config: covariate %q has an empty name or path", name)
		}
	}
	return nil
}

// Abs resolves path against the working directory.
func (c *Config) Abs(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.WorkingDir, path)
}

// Covariates returns the configured covariates in name order, the
// order the model is trained and applied in.
func (c *Config) Covariates() []Covariate {
	names := make([]string, 0, len(c.CovariateFiles))
	for name := range c.CovariateFiles {
		names = append(names, name)
	}
	sort.Strings(names)
	covs := make([]Covariate, len(names))
	for i, name := range names {
		covs[i] = Covariate{Name: name, Path: c.Abs(c.CovariateFiles[name])}
	}
	return covs
}

// Blocks builds the block execution options for one stage.
func (c *Config) Blocks() BlockOptions {
	o := BlockOptions{MaxWorkers: c.MaxWorkers}
	if c.BlockProcessing {
		o.BlockW, o.BlockH = c.BlockSizeX, c.BlockSizeY
		if o.BlockW < 1 {
			o.BlockW = 256
		}
		if o.BlockH < 1 {
			o.BlockH = 256
		}
	}
	return o
}

// A ProgressFunc receives pipeline progress: the running stage, the
// overall percentage, and a short message.
type ProgressFunc func(stage string, percent int, message string)

// Results collects the artifacts of a pipeline run.
type Results struct {
	Features *FeatureTable
	Model    *Model

	FeaturesPath   string
	ModelPath      string
	PredictionPath string
	DasymetricPath string
	NormalizedPath string
	// ConstrainedPath and ConstrainedReport are set only when a
	// constraints raster was configured.
	ConstrainedPath   string
	AgeSexPaths       []string
	Report            *RedistributionReport
	ConstrainedReport *RedistributionReport
}

// A Pipeline runs the full workflow: validate, remask, extract
// features, train, predict, redistribute, and disaggregate.
type Pipeline struct {
	Config   *Config
	Log      logrus.FieldLogger
	Progress ProgressFunc
}

// progress reports through the callback when one is set.
func (p *Pipeline) progress(stage string, percent int, message string) {
	if p.Progress != nil {
		p.Progress(stage, percent, message)
	}
}

// stageBlocks returns block options whose per-block callback
// interpolates overall progress between from and to.
func (p *Pipeline) stageBlocks(stage string, from, to int) BlockOptions {
	o := p.Config.Blocks()
	o.EveryBlock = func(done, total int) {
		pct := from + (to-from)*done/total
		p.progress(stage, pct, fmt.Sprintf("%d/%d blocks", done, total))
	}
	return o
}

// Run executes the pipeline. Completed artifacts survive a failure or
// cancellation in a later stage; the failing stage's partial output is
// removed.
func (p *Pipeline) Run(ctx context.Context) (*Results, error) {
	c := p.Config
	log := p.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	p.progress("validate", 0, "validating inputs")
	outDir := c.Abs(c.OutputDir)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("poprf: creating output directory: %w", err)
	}

	master, err := OpenRaster(c.Abs(c.MastergridFile))
	if err != nil {
		return nil, err
	}
	census, err := ReadCensusTable(c.Abs(c.CensusFile), c.CensusIDColumn, c.CensusPopColumn)
	if err != nil {
		return nil, err
	}
	covs := c.Covariates()

	var mask, constraint *Raster
	if c.WaterMaskFile != "" {
		if mask, err = OpenRaster(c.Abs(c.WaterMaskFile)); err != nil {
			return nil, err
		}
	}
	if c.ConstraintsFile != "" {
		if constraint, err = OpenRaster(c.Abs(c.ConstraintsFile)); err != nil {
			return nil, err
		}
	}
	if err := AlignRasters(master, mask, constraint); err != nil {
		return nil, err
	}

	res := &Results{}

	// The water mask is folded into the mastergrid up front, so every
	// later stage sees water pixels as plain nodata.
	if mask != nil {
		p.progress("remask", 10, "applying water mask to mastergrid")
		base := strings.TrimSuffix(filepath.Base(c.MastergridFile), filepath.Ext(c.MastergridFile))
		remaskPath := filepath.Join(outDir, base+"_remasked.nc")
		master, err = RemaskGrid(ctx, master, mask, remaskPath, p.stageBlocks("remask", 10, 15), log)
		if err != nil {
			return nil, err
		}
		mask = nil
	}

	p.progress("features", 15, "extracting zonal features")
	table, err := ExtractFeatures(ctx, master, covs, census, ExtractOptions{
		Strict:  c.StrictZones,
		Derived: c.DerivedFeatures,
		Blocks:  p.stageBlocks("features", 15, 20),
		Log:     log,
	})
	if err != nil {
		return nil, err
	}
	res.Features = table
	res.FeaturesPath = filepath.Join(outDir, "features.csv")
	if err := writeFeatureCSV(table, res.FeaturesPath); err != nil {
		return nil, err
	}

	p.progress("train", 20, "training model")
	model, err := Train(table, TrainOptions{
		Seed:               c.Seed,
		LogTransform:       c.LogTransform,
		SelectionThreshold: c.SelectionThreshold,
		Log:                log,
	})
	if err != nil {
		return nil, err
	}
	res.Model = model
	res.ModelPath = filepath.Join(outDir, "model.gob")
	if err := SaveModel(model, res.ModelPath); err != nil {
		return nil, err
	}
	if err := WriteDiagnostics(model, table, outDir); err != nil {
		return nil, err
	}

	p.progress("predict", 40, "predicting density surface")
	res.PredictionPath = filepath.Join(outDir, "prediction.nc")
	pred, err := Predict(ctx, model, master, covs, res.PredictionPath, PredictOptions{
		Blocks: p.stageBlocks("predict", 40, 60),
		Log:    log,
	})
	if err != nil {
		return nil, err
	}

	p.progress("redistribute", 60, "redistributing census population")
	res.DasymetricPath = filepath.Join(outDir, "dasymetric.nc")
	res.NormalizedPath = filepath.Join(outDir, "normalized_census.nc")
	res.Report, err = Redistribute(ctx, master, pred, mask, nil, census,
		res.DasymetricPath, res.NormalizedPath, RedistributeOptions{
			ZeroEligiblePolicy: c.ZeroEligiblePolicy,
			Blocks:             p.stageBlocks("redistribute", 60, 80),
			Log:                log,
		})
	if err != nil {
		return nil, err
	}

	if constraint != nil {
		p.progress("redistribute", 80, "redistributing with constraints")
		res.ConstrainedPath = filepath.Join(outDir, "dasymetric_constrained.nc")
		res.ConstrainedReport, err = Redistribute(ctx, master, pred, mask, constraint, census,
			res.ConstrainedPath, filepath.Join(outDir, "normalized_census_constrained.nc"),
			RedistributeOptions{
				ZeroEligiblePolicy: c.ZeroEligiblePolicy,
				Blocks:             p.stageBlocks("redistribute", 80, 95),
				Log:                log,
			})
		if err != nil {
			return nil, err
		}
	}

	if c.AgeSexFile != "" {
		p.progress("agesex", 95, "disaggregating age-sex groups")
		agesex, err := ReadAgeSexTable(c.Abs(c.AgeSexFile), c.CensusIDColumn)
		if err != nil {
			return nil, err
		}
		dasy, err := OpenRaster(res.DasymetricPath)
		if err != nil {
			return nil, err
		}
		res.AgeSexPaths, err = DisaggregateAgeSex(ctx, dasy, master, agesex, census, outDir, AgeSexOptions{
			Blocks: p.stageBlocks("agesex", 95, 99),
			Log:    log,
		})
		if err != nil {
			return nil, err
		}
	}

	p.progress("done", 100, "complete")
	log.WithFields(logrus.Fields{
		"zones":  res.Report.Zones,
		"output": outDir,
	}).Info("pipeline complete")
	return res, nil
}

// writeFeatureCSV commits the feature table through a temporary file.
func writeFeatureCSV(t *FeatureTable, path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("poprf: creating feature table: %w", err)
	}
	if err := t.WriteCSV(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("poprf: writing feature table: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("poprf: closing feature table: %w", err)
	}
	return os.Rename(tmp, path)
}
